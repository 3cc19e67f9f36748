package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// Bus is the guest's view of the machine.
type Bus interface {
	Read(addr uint64, p []byte) error
	Write(addr uint64, p []byte) error
	MemoryBase() (uint64, bool)
	MemorySize() uint64
	Print(s string)
}

// Guest is the code running on a machine. The instruction set is the
// guest's business; the machine only boots, steps and snapshots it.
type Guest interface {
	Boot(bus Bus) error
	Step(bus Bus, cycles int) error
	Reset()
	Snapshot() ([]byte, error)
	Restore(blob []byte) error
}

// CounterGuest is a minimal guest: every step adds the granted cycles to a
// counter kept in the first word of primary memory.
type CounterGuest struct {
	state counterState
}

type counterState struct {
	Booted bool   `cbor:"1,keyasint"`
	Steps  uint64 `cbor:"2,keyasint"`
	Cycles uint64 `cbor:"3,keyasint"`
}

func NewCounterGuest() *CounterGuest {
	return &CounterGuest{}
}

func (g *CounterGuest) Steps() uint64 {
	return g.state.Steps
}

func (g *CounterGuest) Cycles() uint64 {
	return g.state.Cycles
}

func (g *CounterGuest) Boot(bus Bus) error {
	base, ok := bus.MemoryBase()
	if !ok {
		return ErrInsufficientMemory
	}

	if err := g.store(bus, base); err != nil {
		return errors.Wrap(err, "boot")
	}

	g.state.Booted = true
	bus.Print(fmt.Sprintf("booted with 0x%x bytes of memory at 0x%x\n", bus.MemorySize(), base))

	return nil
}

func (g *CounterGuest) Step(bus Bus, cycles int) error {
	base, ok := bus.MemoryBase()
	if !ok {
		return ErrInsufficientMemory
	}

	g.state.Steps++
	g.state.Cycles += uint64(cycles)

	return g.store(bus, base)
}

func (g *CounterGuest) store(bus Bus, base uint64) error {
	word := make([]byte, 8)
	binary.LittleEndian.PutUint64(word, g.state.Cycles)

	return bus.Write(base, word)
}

func (g *CounterGuest) Reset() {
	g.state = counterState{}
}

func (g *CounterGuest) Snapshot() ([]byte, error) {
	b, err := cbor.Marshal(g.state)
	if err != nil {
		return nil, errors.Wrap(err, "snapshot guest")
	}

	return b, nil
}

func (g *CounterGuest) Restore(blob []byte) error {
	if len(blob) == 0 {
		g.Reset()
		return nil
	}

	var s counterState
	if err := cbor.Unmarshal(blob, &s); err != nil {
		return errors.Wrap(err, "restore guest")
	}

	g.state = s

	return nil
}
