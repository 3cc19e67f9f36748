package allocator

import (
	"github.com/metal-toolbox/vmbus/internal/device"
	"github.com/metal-toolbox/vmbus/internal/model"
)

// Item is anything that can sit in a slot: a device origin with a category.
type Item interface {
	device.Origin
	Category() model.Category
}

// Position locates an item slot.
type Position struct {
	Group int
	Slot  int
}

// Slotted is an occupied slot.
type Slotted struct {
	Position
	Category model.Category
	Item     Item
}

// Inventory holds the item slot groups of a computer.
type Inventory struct {
	layout Layout
	slots  [][]Item
	byKey  map[string]Position
}

func NewInventory(layout Layout) *Inventory {
	inv := &Inventory{
		layout: layout,
		slots:  make([][]Item, len(layout.Groups)),
		byKey:  map[string]Position{},
	}

	for i, g := range layout.Groups {
		inv.slots[i] = make([]Item, g.Slots)
	}

	return inv
}

func (inv *Inventory) Layout() Layout {
	return inv.layout
}

func (inv *Inventory) group(c model.Category) (int, bool) {
	for i, g := range inv.layout.Groups {
		if g.Category == c {
			return i, true
		}
	}

	return 0, false
}

// Insert places item into slot of the group holding category c.
func (inv *Inventory) Insert(c model.Category, slot int, item Item) error {
	g, ok := inv.group(c)
	if !ok {
		return ErrNoGroup
	}

	if slot < 0 || slot >= len(inv.slots[g]) {
		return ErrSlotOutOfRange
	}

	if item.Category() != c {
		return ErrCategoryMismatch
	}

	if inv.slots[g][slot] != nil {
		return ErrSlotOccupied
	}

	inv.slots[g][slot] = item
	inv.byKey[item.OriginKey()] = Position{Group: g, Slot: slot}

	return nil
}

// Remove takes the item out of slot and returns it.
func (inv *Inventory) Remove(c model.Category, slot int) (Item, bool) {
	g, ok := inv.group(c)
	if !ok || slot < 0 || slot >= len(inv.slots[g]) {
		return nil, false
	}

	item := inv.slots[g][slot]
	if item == nil {
		return nil, false
	}

	inv.slots[g][slot] = nil
	delete(inv.byKey, item.OriginKey())

	return item, true
}

// Get returns the item in slot, if any.
func (inv *Inventory) Get(c model.Category, slot int) (Item, bool) {
	g, ok := inv.group(c)
	if !ok || slot < 0 || slot >= len(inv.slots[g]) {
		return nil, false
	}

	item := inv.slots[g][slot]

	return item, item != nil
}

// Locate returns the slot holding the item with origin key.
func (inv *Inventory) Locate(key string) (Position, bool) {
	pos, ok := inv.byKey[key]
	return pos, ok
}

// Items lists occupied slots in group then slot order.
func (inv *Inventory) Items() []Slotted {
	var out []Slotted

	for g, slots := range inv.slots {
		for s, item := range slots {
			if item == nil {
				continue
			}

			out = append(out, Slotted{
				Position: Position{Group: g, Slot: s},
				Category: inv.layout.Groups[g].Category,
				Item:     item,
			})
		}
	}

	return out
}

// IsEmpty reports whether no slot is occupied.
func (inv *Inventory) IsEmpty() bool {
	return len(inv.byKey) == 0
}
