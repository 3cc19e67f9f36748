package devices

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/metal-toolbox/vmbus/internal/model"
)

// Item kinds understood by the Provider.
const (
	KindMemory        = "memory"
	KindHardDrive     = "hard_drive"
	KindFlash         = "flash"
	KindNetworkCard   = "network_card"
	KindNetworkTunnel = "network_tunnel"
)

const (
	DefaultMemorySize    = 2 << 20
	DefaultHardDriveSize = 1 << 20
	DefaultFlashSize     = 0x1000
)

// Item is a removable origin. It carries its own identity, so a device
// derived from it keeps that identity wherever the item is inserted.
type Item struct {
	ID   uuid.UUID `yaml:"id" cbor:"1,keyasint"`
	Kind string    `yaml:"kind" cbor:"2,keyasint"`
	Size uint64    `yaml:"size,omitempty" cbor:"3,keyasint,omitempty"`
	// Data is the persisted payload: drive contents, flash image or tunnel key.
	Data []byte `yaml:"-" cbor:"4,keyasint,omitempty"`
	// Source is an optional URL the flash image is fetched from.
	Source string `yaml:"source,omitempty" cbor:"5,keyasint,omitempty"`
}

// NewItem creates an item of the given kind with a fresh identity.
func NewItem(kind string, size uint64) *Item {
	return &Item{ID: uuid.New(), Kind: kind, Size: size}
}

func (i *Item) OriginKey() string {
	return "item:" + i.ID.String()
}

func (i *Item) Identity() uuid.UUID {
	return i.ID
}

// Category returns the slot category items of this kind go into. Tunnels
// share the card slots; unknown kinds fit no slot group.
func (i *Item) Category() model.Category {
	c, err := KindCategory(i.Kind)
	if err != nil {
		return model.CategoryOther
	}

	if c == model.CategoryNetworkTunnel {
		return model.CategoryCard
	}

	return c
}

func (i *Item) String() string {
	return fmt.Sprintf("%s(%s)", i.Kind, i.ID)
}

// BlockOrigin is a device hosted by a fixed bus node rather than an item.
// Its identity is owned by the hosting node.
type BlockOrigin struct {
	Node  string
	Index int
	Kind  string
	Key   string
	// Data is the payload saved from an earlier instance, e.g. drive contents.
	Data []byte
}

func (b BlockOrigin) OriginKey() string {
	return fmt.Sprintf("block:%s:%d:%s", b.Node, b.Index, b.Kind)
}

// KindCategory maps an item kind onto its device category.
func KindCategory(kind string) (model.Category, error) {
	switch kind {
	case KindMemory:
		return model.CategoryMemory, nil
	case KindHardDrive, model.CategoryStorageStr:
		return model.CategoryStorage, nil
	case KindFlash:
		return model.CategoryFlash, nil
	case KindNetworkCard:
		return model.CategoryCard, nil
	case KindNetworkTunnel:
		return model.CategoryNetworkTunnel, nil
	default:
		return 0, model.ErrUnknownCategory
	}
}
