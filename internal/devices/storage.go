package devices

import (
	"encoding/binary"

	"github.com/metal-toolbox/vmbus/internal/device"
	"github.com/metal-toolbox/vmbus/internal/model"
)

// Storage register window layout. The guest selects a sector through the
// sector register and then reads or writes it through the buffer window.
const (
	SectorSize        = 512
	StorageWindowSize = 0x1000

	regSector    = 0x00
	regCount     = 0x08
	regsSize     = 0x10
	bufferOffset = 0x200
)

// Storage is a hard drive exposed through a small register window.
type Storage struct {
	item    *Item
	data    []byte
	sector  uint64
	mounted bool
}

func NewStorage(item *Item) *Storage {
	size := item.Size
	if size == 0 {
		size = DefaultHardDriveSize
	}

	// round down to whole sectors
	size -= size % SectorSize
	if size == 0 {
		size = SectorSize
	}

	data := make([]byte, size)
	copy(data, item.Data)

	return &Storage{item: item, data: data}
}

func (s *Storage) Category() model.Category {
	return model.CategoryStorage
}

func (s *Storage) Size() uint64 {
	return StorageWindowSize
}

func (s *Storage) Sectors() uint64 {
	return uint64(len(s.data)) / SectorSize
}

func (s *Storage) Mount(mc device.MountContext) error {
	base, ok := mc.BaseAddress()
	if !ok {
		return ErrArgument
	}

	if err := mc.MapRegion(s, base); err != nil {
		return err
	}

	s.mounted = true

	return nil
}

// Unmount writes the contents back into the item so they survive removal.
func (s *Storage) Unmount() {
	if !s.mounted {
		return
	}

	s.mounted = false
	s.sector = 0
	s.item.Data = s.Export()
}

// Suspend drops the selected sector; the contents stay.
func (s *Storage) Suspend() {
	s.sector = 0
}

// Export returns a copy of the drive contents.
func (s *Storage) Export() []byte {
	out := make([]byte, len(s.data))
	copy(out, s.data)

	return out
}

func (s *Storage) ReadAt(p []byte, off uint64) error {
	if off+uint64(len(p)) > StorageWindowSize {
		return ErrOutOfRange
	}

	for i := range p {
		p[i] = s.readByte(off + uint64(i))
	}

	return nil
}

func (s *Storage) WriteAt(p []byte, off uint64) error {
	if off+uint64(len(p)) > StorageWindowSize {
		return ErrOutOfRange
	}

	if off >= regSector && off+uint64(len(p)) <= regSector+8 {
		var reg [8]byte
		binary.LittleEndian.PutUint64(reg[:], s.sector)
		copy(reg[off-regSector:], p)
		s.sector = binary.LittleEndian.Uint64(reg[:])

		return nil
	}

	if off >= bufferOffset && off+uint64(len(p)) <= bufferOffset+SectorSize {
		if s.sector >= s.Sectors() {
			return ErrOutOfRange
		}

		copy(s.data[s.sector*SectorSize+(off-bufferOffset):], p)

		return nil
	}

	return ErrReadOnly
}

func (s *Storage) readByte(off uint64) byte {
	switch {
	case off < regsSize:
		var regs [regsSize]byte
		binary.LittleEndian.PutUint64(regs[regSector:], s.sector)
		binary.LittleEndian.PutUint64(regs[regCount:], s.Sectors())

		return regs[off]
	case off >= bufferOffset && off < bufferOffset+SectorSize:
		if s.sector >= s.Sectors() {
			return 0
		}

		return s.data[s.sector*SectorSize+off-bufferOffset]
	default:
		return 0
	}
}
