// Package device declares the contracts between devices and the machine.
//
// A device is reachable over the bus either through RPC methods or as a raw
// byte range mapped into the guest address space. Devices are created by a
// Provider from an Origin and are never owned by the bus.
package device

import (
	"github.com/google/uuid"
	"github.com/metal-toolbox/vmbus/internal/model"
)

// Device is any unit of functionality reachable over the bus.
type Device interface {
	Category() model.Category
}

// Mounter is implemented by devices that attach resources to a running machine.
//
// Mount may fail, in which case it is retried later. Unmount must be safe to
// call at any time, including on a device that never mounted. Suspend releases
// transient resources only; state needed by a later Mount must survive it.
type Mounter interface {
	Mount(mc MountContext) error
	Unmount()
	Suspend()
}

// Method is a single RPC entry point.
type Method struct {
	Name        string
	Description string
	Invoke      func(args []any) (any, error)
}

// RPCDevice exposes named methods to the guest.
type RPCDevice interface {
	Device
	TypeNames() []string
	Methods() []Method
}

// Region is a byte range that can be mapped into the machine address space.
type Region interface {
	Size() uint64
	ReadAt(p []byte, off uint64) error
	WriteAt(p []byte, off uint64) error
}

// MountContext is handed to a device for the duration of Mount.
type MountContext interface {
	// Identity of the device being mounted.
	Identity() uuid.UUID

	// BaseAddress is the address assigned by the allocator, if any.
	BaseAddress() (uint64, bool)

	// MapRegion maps r at base. Overlapping an existing mapping is an error.
	MapRegion(r Region, base uint64) error

	// MapMemory maps r using the machine's primary memory placement policy
	// and returns the chosen base.
	MapMemory(r Region) (uint64, error)
}

// Exporter is implemented by devices whose data flows back into their origin
// when they are unmounted or the host is saved.
type Exporter interface {
	Export() []byte
}

// Origin is the backing entity a device is derived from.
type Origin interface {
	OriginKey() string
}

// IdentifiedOrigin carries its own persisted identity, e.g. a removable item.
type IdentifiedOrigin interface {
	Origin
	Identity() uuid.UUID
}

// Provider resolves an origin into zero or one device.
type Provider interface {
	Provide(origin Origin) (Device, bool)
}

// Validator is implemented by providers that can say why an origin is
// refused before anything is built from it.
type Validator interface {
	Validate(origin Origin) error
}

// ProviderFunc adapts a function to a Provider.
type ProviderFunc func(origin Origin) (Device, bool)

func (f ProviderFunc) Provide(origin Origin) (Device, bool) {
	return f(origin)
}
