// Package allocator assigns base addresses to bus devices.
//
// Item-backed devices get an address derived from their slot: groups are
// walked in layout order and every slot, occupied or not, advances the
// address by the item stride. Categories listed as unaddressed get no
// address. Everything else gets a slot in a separate region starting at the
// other base, kept for as long as the device identity stays on the bus.
package allocator

import (
	"github.com/google/uuid"

	"github.com/metal-toolbox/vmbus/internal/model"
)

// Request describes a device asking for an address.
type Request struct {
	OriginKey string
	Identity  uuid.UUID
	Category  model.Category
}

type Allocator struct {
	layout    Layout
	inventory *Inventory
	other     map[uuid.UUID]int
	taken     map[int]uuid.UUID
}

func New(inventory *Inventory) *Allocator {
	return &Allocator{
		layout:    inventory.Layout(),
		inventory: inventory,
		other:     map[uuid.UUID]int{},
		taken:     map[int]uuid.UUID{},
	}
}

// BaseAddress returns the address for r; ok is false when the device gets
// no fixed address.
func (a *Allocator) BaseAddress(r Request) (address uint64, ok bool) {
	if a.layout.IsUnaddressed(r.Category) {
		return 0, false
	}

	if pos, found := a.inventory.Locate(r.OriginKey); found {
		return a.itemAddress(pos), true
	}

	return a.otherAddress(r.Identity), true
}

// Lookup returns the address r currently holds without assigning one. A
// device that has not been given an other-region slot yet reports false.
func (a *Allocator) Lookup(r Request) (address uint64, ok bool) {
	if a.layout.IsUnaddressed(r.Category) {
		return 0, false
	}

	if pos, found := a.inventory.Locate(r.OriginKey); found {
		return a.itemAddress(pos), true
	}

	slot, found := a.other[r.Identity]
	if !found {
		return 0, false
	}

	return a.layout.OtherBase + uint64(slot)*a.layout.OtherStride, true
}

func (a *Allocator) itemAddress(pos Position) uint64 {
	index := 0
	for g := 0; g < pos.Group; g++ {
		index += a.layout.Groups[g].Slots
	}

	index += pos.Slot

	return a.layout.ItemBase + uint64(index)*a.layout.ItemStride
}

func (a *Allocator) otherAddress(id uuid.UUID) uint64 {
	slot, ok := a.other[id]
	if !ok {
		for slot = 0; ; slot++ {
			if _, used := a.taken[slot]; !used {
				break
			}
		}

		a.other[id] = slot
		a.taken[slot] = id
	}

	return a.layout.OtherBase + uint64(slot)*a.layout.OtherStride
}

// Release frees the other-region slot held by id.
func (a *Allocator) Release(id uuid.UUID) {
	slot, ok := a.other[id]
	if !ok {
		return
	}

	delete(a.other, id)
	delete(a.taken, slot)
}

// Retain frees the other-region slots of every identity not in keep.
func (a *Allocator) Retain(keep map[uuid.UUID]struct{}) {
	for id := range a.other {
		if _, ok := keep[id]; !ok {
			a.Release(id)
		}
	}
}
