package vm

import (
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/metal-toolbox/vmbus/internal/device"
)

var (
	ErrAddressConflict = errors.New("region overlaps an existing mapping")
	ErrZeroSize        = errors.New("cannot map a zero size region")
	ErrUnmapped        = errors.New("address is not mapped")
	ErrNoSpace         = errors.New("no free range for memory")
)

// Mapping is a device region placed in the guest address space.
type Mapping struct {
	Owner  uuid.UUID
	Base   uint64
	Size   uint64
	Memory bool
	Region device.Region
}

func (m Mapping) End() uint64 {
	return m.Base + m.Size
}

func (m Mapping) contains(addr uint64) bool {
	return addr >= m.Base && addr < m.End()
}

// AddressSpace is the flat guest physical address space. Mappings never
// overlap and are kept sorted by base.
type AddressSpace struct {
	mappings []Mapping
}

func NewAddressSpace() *AddressSpace {
	return &AddressSpace{}
}

// Map places r at base on behalf of owner.
func (a *AddressSpace) Map(owner uuid.UUID, base uint64, r device.Region, memory bool) error {
	size := r.Size()
	if size == 0 {
		return ErrZeroSize
	}

	if base+size < base {
		return errors.Wrapf(ErrAddressConflict, "region [0x%x+0x%x) wraps the address space", base, size)
	}

	for _, m := range a.mappings {
		if base < m.End() && base+size > m.Base {
			return errors.Wrapf(ErrAddressConflict, "[0x%x-0x%x) overlaps [0x%x-0x%x) of %s",
				base, base+size, m.Base, m.End(), m.Owner)
		}
	}

	a.mappings = append(a.mappings, Mapping{Owner: owner, Base: base, Size: size, Memory: memory, Region: r})
	sort.Slice(a.mappings, func(i, j int) bool { return a.mappings[i].Base < a.mappings[j].Base })

	return nil
}

// Unmap removes every mapping held by owner and returns how many were removed.
func (a *AddressSpace) Unmap(owner uuid.UUID) int {
	kept := a.mappings[:0]

	for _, m := range a.mappings {
		if m.Owner != owner {
			kept = append(kept, m)
		}
	}

	removed := len(a.mappings) - len(kept)
	a.mappings = kept

	return removed
}

// Reset drops all mappings.
func (a *AddressSpace) Reset() {
	a.mappings = nil
}

func (a *AddressSpace) Mappings() []Mapping {
	out := make([]Mapping, len(a.mappings))
	copy(out, a.mappings)

	return out
}

// MemorySize is the total size of mapped primary memory.
func (a *AddressSpace) MemorySize() uint64 {
	var total uint64

	for _, m := range a.mappings {
		if m.Memory {
			total += m.Size
		}
	}

	return total
}

// MemoryBase returns the lowest mapped primary memory address.
func (a *AddressSpace) MemoryBase() (uint64, bool) {
	for _, m := range a.mappings {
		if m.Memory {
			return m.Base, true
		}
	}

	return 0, false
}

func (a *AddressSpace) find(addr uint64, n int) (Mapping, error) {
	for _, m := range a.mappings {
		if m.contains(addr) {
			if addr+uint64(n) > m.End() {
				return Mapping{}, errors.Wrapf(ErrUnmapped, "access at 0x%x crosses the end of its region", addr)
			}

			return m, nil
		}
	}

	return Mapping{}, errors.Wrapf(ErrUnmapped, "0x%x", addr)
}

func (a *AddressSpace) Read(addr uint64, p []byte) error {
	m, err := a.find(addr, len(p))
	if err != nil {
		return err
	}

	return m.Region.ReadAt(p, addr-m.Base)
}

func (a *AddressSpace) Write(addr uint64, p []byte) error {
	m, err := a.find(addr, len(p))
	if err != nil {
		return err
	}

	return m.Region.WriteAt(p, addr-m.Base)
}

// gaps returns the free ranges within [base, limit) in ascending order.
func (a *AddressSpace) gaps(base, limit uint64) [][2]uint64 {
	var out [][2]uint64

	cursor := base

	for _, m := range a.mappings {
		if m.End() <= cursor {
			continue
		}

		if m.Base >= limit {
			break
		}

		if m.Base > cursor {
			out = append(out, [2]uint64{cursor, m.Base})
		}

		cursor = m.End()
	}

	if cursor < limit {
		out = append(out, [2]uint64{cursor, limit})
	}

	return out
}
