package devices

import (
	"github.com/metal-toolbox/vmbus/internal/device"
	"github.com/metal-toolbox/vmbus/internal/model"
)

// Memory is primary RAM. It never receives a fixed base address; the machine
// places it with its memory placement policy.
type Memory struct {
	size uint64
	buf  []byte
}

func NewMemory(size uint64) *Memory {
	if size == 0 {
		size = DefaultMemorySize
	}

	return &Memory{size: size}
}

// NewMemoryFromItem creates memory sized by item. Contents exported into the
// item by an earlier save are loaded back.
func NewMemoryFromItem(item *Item) *Memory {
	m := NewMemory(item.Size)

	if len(item.Data) > 0 {
		m.buf = make([]byte, m.size)
		copy(m.buf, item.Data)
	}

	return m
}

func (m *Memory) Category() model.Category {
	return model.CategoryMemory
}

func (m *Memory) Size() uint64 {
	return m.size
}

// Mount allocates the backing buffer unless a suspended mount kept it.
func (m *Memory) Mount(mc device.MountContext) error {
	if m.buf == nil {
		m.buf = make([]byte, m.size)
	}

	if base, ok := mc.BaseAddress(); ok {
		return mc.MapRegion(m, base)
	}

	_, err := mc.MapMemory(m)

	return err
}

func (m *Memory) Unmount() {
	m.buf = nil
}

// Suspend keeps the contents; they are guest state.
func (m *Memory) Suspend() {}

// Export returns a copy of the contents, nil once unmounted.
func (m *Memory) Export() []byte {
	if m.buf == nil {
		return nil
	}

	out := make([]byte, len(m.buf))
	copy(out, m.buf)

	return out
}

func (m *Memory) ReadAt(p []byte, off uint64) error {
	if m.buf == nil {
		return ErrNotMounted
	}

	if off+uint64(len(p)) > m.size {
		return ErrOutOfRange
	}

	copy(p, m.buf[off:])

	return nil
}

func (m *Memory) WriteAt(p []byte, off uint64) error {
	if m.buf == nil {
		return ErrNotMounted
	}

	if off+uint64(len(p)) > m.size {
		return ErrOutOfRange
	}

	copy(m.buf[off:], p)

	return nil
}
