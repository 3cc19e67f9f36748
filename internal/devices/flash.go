package devices

import (
	"github.com/metal-toolbox/vmbus/internal/device"
	"github.com/metal-toolbox/vmbus/internal/model"
)

// Flash is a read-only firmware image mapped at its slot address.
type Flash struct {
	image   []byte
	mounted bool
}

func NewFlash(item *Item) *Flash {
	size := item.Size
	if size == 0 {
		size = DefaultFlashSize
	}

	if uint64(len(item.Data)) > size {
		size = uint64(len(item.Data))
	}

	image := make([]byte, size)
	copy(image, item.Data)

	return &Flash{image: image}
}

func (f *Flash) Category() model.Category {
	return model.CategoryFlash
}

func (f *Flash) Size() uint64 {
	return uint64(len(f.image))
}

func (f *Flash) Mount(mc device.MountContext) error {
	base, ok := mc.BaseAddress()
	if !ok {
		return ErrArgument
	}

	if err := mc.MapRegion(f, base); err != nil {
		return err
	}

	f.mounted = true

	return nil
}

func (f *Flash) Unmount() {
	f.mounted = false
}

func (f *Flash) Suspend() {}

func (f *Flash) ReadAt(p []byte, off uint64) error {
	if off+uint64(len(p)) > f.Size() {
		return ErrOutOfRange
	}

	copy(p, f.image[off:])

	return nil
}

func (f *Flash) WriteAt(_ []byte, _ uint64) error {
	return ErrReadOnly
}
