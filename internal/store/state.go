package store

import (
	"time"

	"github.com/metal-toolbox/vmbus/internal/devices"
	"github.com/metal-toolbox/vmbus/internal/vm"
)

// StateVersion is the current version of the persisted world format.
const StateVersion = 1

// World is the persisted key/value document of a whole world. Controllers
// are never part of it; they are derived again by the first scan.
type World struct {
	Version   int        `cbor:"1,keyasint"`
	SavedAt   time.Time  `cbor:"2,keyasint"`
	Tick      uint64     `cbor:"3,keyasint"`
	Computers []Computer `cbor:"4,keyasint,omitempty"`
	Nodes     []Node     `cbor:"5,keyasint,omitempty"`
}

// Node is a plain bus node: its origin identity map and the exported data
// of its devices, both keyed by origin key.
type Node struct {
	Name       string            `cbor:"1,keyasint"`
	Identities map[string]string `cbor:"2,keyasint,omitempty"`
	Data       map[string][]byte `cbor:"3,keyasint,omitempty"`
}

// Slot is an occupied item slot.
type Slot struct {
	Category string       `cbor:"1,keyasint"`
	Slot     int          `cbor:"2,keyasint"`
	Item     devices.Item `cbor:"3,keyasint"`
}

// Computer is everything a computer persists.
type Computer struct {
	Name string `cbor:"1,keyasint"`
	ID   string `cbor:"2,keyasint"`
	// Identities of the computer's own bus node.
	Identities map[string]string `cbor:"3,keyasint,omitempty"`
	// ItemIdentities of the node carrying the item slots.
	ItemIdentities map[string]string `cbor:"4,keyasint,omitempty"`
	Slots          []Slot            `cbor:"5,keyasint,omitempty"`
	Machine        vm.State          `cbor:"6,keyasint"`
	Energy         int64             `cbor:"7,keyasint"`
	Ticks          uint64            `cbor:"8,keyasint"`
}

// Computer returns the saved computer called name.
func (w *World) Computer(name string) (Computer, bool) {
	for _, c := range w.Computers {
		if c.Name == name {
			return c, true
		}
	}

	return Computer{}, false
}

// Node returns the saved node called name.
func (w *World) Node(name string) (Node, bool) {
	for _, n := range w.Nodes {
		if n.Name == name {
			return n, true
		}
	}

	return Node{}, false
}
