package allocator

import (
	"github.com/metal-toolbox/vmbus/internal/model"
)

const (
	DefaultItemBase    uint64 = 0x20000000
	DefaultItemStride  uint64 = 0x1000
	DefaultOtherBase   uint64 = 0x30000000
	DefaultOtherStride uint64 = 0x1000
)

// GroupDefinition declares a slot group for one item category.
type GroupDefinition struct {
	Category model.Category
	Slots    int
}

// Layout is the slot group configuration and the address policy applied to
// it. Groups are addressed in declaration order.
type Layout struct {
	ItemBase    uint64
	ItemStride  uint64
	OtherBase   uint64
	OtherStride uint64

	// Unaddressed categories never receive a fixed base address; their
	// placement is left to the machine.
	Unaddressed []model.Category

	Groups []GroupDefinition
}

// DefaultLayout returns the computer's stock layout: memory 4, storage 4,
// flash 1 and card 4 slots.
func DefaultLayout() Layout {
	return Layout{
		ItemBase:    DefaultItemBase,
		ItemStride:  DefaultItemStride,
		OtherBase:   DefaultOtherBase,
		OtherStride: DefaultOtherStride,
		Unaddressed: []model.Category{model.CategoryMemory},
		Groups: []GroupDefinition{
			{Category: model.CategoryMemory, Slots: 4},
			{Category: model.CategoryStorage, Slots: 4},
			{Category: model.CategoryFlash, Slots: 1},
			{Category: model.CategoryCard, Slots: 4},
		},
	}
}

// IsUnaddressed reports whether devices of category c get no fixed address.
func (l Layout) IsUnaddressed(c model.Category) bool {
	for _, u := range l.Unaddressed {
		if u == c {
			return true
		}
	}

	return false
}

// Slots returns the total number of item slots over all groups.
func (l Layout) Slots() int {
	n := 0
	for _, g := range l.Groups {
		n += g.Slots
	}

	return n
}

// Validate checks the layout for zero strides, empty or repeated groups and
// item slots that would run into the other region.
func (l Layout) Validate() error {
	if l.ItemStride == 0 || l.OtherStride == 0 {
		return ErrLayout("address strides must be non zero")
	}

	seen := map[model.Category]struct{}{}

	for _, g := range l.Groups {
		if g.Slots <= 0 {
			return ErrLayout("group " + g.Category.String() + " has no slots")
		}

		if _, ok := seen[g.Category]; ok {
			return ErrLayout("group " + g.Category.String() + " declared twice")
		}

		seen[g.Category] = struct{}{}
	}

	end := l.ItemBase + uint64(l.Slots())*l.ItemStride
	if l.ItemBase < l.OtherBase && end > l.OtherBase {
		return ErrLayout("item slots overlap the other device region")
	}

	return nil
}
