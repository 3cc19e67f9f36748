package vm

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/metal-toolbox/vmbus/internal/model"
)

const (
	DefaultMemoryBase  uint64 = 0x80000000
	DefaultMemoryLimit uint64 = 0x100000000

	PlacementContiguous = "contiguous"
	PlacementTopDown    = "top-down"

	memoryAlignment uint64 = 0x1000
)

// Placement decides where primary memory goes. Memory never has an
// allocator address, so every memory mount asks the placement policy.
//
// Implementations return a base inside [Base, Limit) such that the whole
// region fits and overlaps no existing mapping, or ErrNoSpace.
type Placement interface {
	Place(space *AddressSpace, size uint64) (uint64, error)
}

// Contiguous packs memory upwards from Base into the first gap that fits,
// so memory mounted in order forms one contiguous block.
type Contiguous struct {
	Base  uint64
	Limit uint64
}

func (p Contiguous) Place(space *AddressSpace, size uint64) (uint64, error) {
	for _, g := range space.gaps(p.Base, p.Limit) {
		start := alignUp(g[0], memoryAlignment)
		if start < g[1] && g[1]-start >= size {
			return start, nil
		}
	}

	return 0, errors.Wrapf(ErrNoSpace, "0x%x bytes", size)
}

// TopDown packs memory downwards from Limit into the highest gap that fits.
type TopDown struct {
	Base  uint64
	Limit uint64
}

func (p TopDown) Place(space *AddressSpace, size uint64) (uint64, error) {
	gaps := space.gaps(p.Base, p.Limit)

	for i := len(gaps) - 1; i >= 0; i-- {
		g := gaps[i]
		if g[1]-g[0] < size {
			continue
		}

		start := alignDown(g[1]-size, memoryAlignment)
		if start >= g[0] {
			return start, nil
		}
	}

	return 0, errors.Wrapf(ErrNoSpace, "0x%x bytes", size)
}

// NewPlacement returns the named placement policy.
func NewPlacement(name string, base, limit uint64) (Placement, error) {
	if base == 0 {
		base = DefaultMemoryBase
	}

	if limit == 0 {
		limit = DefaultMemoryLimit
	}

	if limit <= base {
		return nil, errors.Wrap(model.ErrConfig, "memory limit must be above memory base")
	}

	switch strings.ToLower(name) {
	case "", PlacementContiguous:
		return Contiguous{Base: base, Limit: limit}, nil
	case PlacementTopDown, "top_down":
		return TopDown{Base: base, Limit: limit}, nil
	default:
		return nil, errors.Wrapf(model.ErrConfig, "unknown memory placement %q", name)
	}
}

func alignUp(v, alignment uint64) uint64 {
	return (v + alignment - 1) &^ (alignment - 1)
}

func alignDown(v, alignment uint64) uint64 {
	return v &^ (alignment - 1)
}
