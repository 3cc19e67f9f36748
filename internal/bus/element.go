package bus

import (
	"github.com/google/uuid"
	"github.com/metal-toolbox/vmbus/internal/device"
)

// Direction labels a link from the point of view of the node owning it.
type Direction string

// Resolver is a lazy neighbor reference. It is queried again on every scan
// and reports false while the neighbor's host is unavailable.
type Resolver interface {
	Resolve() (*Element, bool)
}

// ResolverFunc adapts a function to a Resolver.
type ResolverFunc func() (*Element, bool)

func (f ResolverFunc) Resolve() (*Element, bool) {
	return f()
}

// Static resolves to el for as long as el is not disposed.
func Static(el *Element) Resolver {
	return ResolverFunc(func() (*Element, bool) {
		if el == nil || el.disposed {
			return nil, false
		}

		return el, true
	})
}

// Link is an outgoing neighbor reference.
type Link struct {
	Direction Direction
	Target    Resolver
}

// Entry is a device as seen on the bus, with its stable identity.
type Entry struct {
	Device   device.Device
	Identity uuid.UUID
	Element  *Element
	origin   string
}

// Element is a bus node: a spatial attachment point hosting devices and
// linking to neighboring nodes.
type Element struct {
	name       string
	scanner    *Scanner
	exclusive  bool
	blocked    func(Direction) bool
	devices    []Entry
	links      []Link
	identities map[string]uuid.UUID
	controller *Controller
	disposed   bool
}

// Option configures an Element.
type Option func(*Element)

// Exclusive marks an element as hosting a machine. A component may contain
// at most one exclusive element.
func Exclusive() Option {
	return func(e *Element) {
		e.exclusive = true
	}
}

// BlockTowards makes the scan refuse to continue through links in dir.
func BlockTowards(dirs ...Direction) Option {
	return func(e *Element) {
		e.blocked = func(d Direction) bool {
			for _, dir := range dirs {
				if dir == d {
					return true
				}
			}

			return false
		}
	}
}

func (e *Element) Name() string {
	return e.name
}

func (e *Element) IsExclusive() bool {
	return e.exclusive
}

func (e *Element) Disposed() bool {
	return e.disposed
}

// CanScanContinueTowards reports whether the traversal may follow links in dir.
func (e *Element) CanScanContinueTowards(dir Direction) bool {
	return e.blocked == nil || !e.blocked(dir)
}

// Controller returns the controller currently owning this element's
// component, or nil if none has been elected yet.
func (e *Element) Controller() *Controller {
	if e.controller == nil || e.controller.disposed {
		return nil
	}

	return e.controller
}

// Devices returns the local devices in insertion order.
func (e *Element) Devices() []Entry {
	out := make([]Entry, len(e.devices))
	copy(out, e.devices)

	return out
}

// AddDevice attaches dev under origin and returns its identity. Adding an
// origin that is already present replaces its device.
func (e *Element) AddDevice(origin device.Origin, dev device.Device) uuid.UUID {
	key := origin.OriginKey()
	id := e.identityFor(origin)

	for i := range e.devices {
		if e.devices[i].origin == key {
			e.devices[i].Device = dev
			e.devices[i].Identity = id
			e.ScheduleScan()

			return id
		}
	}

	e.devices = append(e.devices, Entry{Device: dev, Identity: id, Element: e, origin: key})
	e.ScheduleScan()

	return id
}

// RemoveDevice detaches the device added under origin.
func (e *Element) RemoveDevice(origin device.Origin) bool {
	key := origin.OriginKey()

	for i := range e.devices {
		if e.devices[i].origin == key {
			e.devices = append(e.devices[:i], e.devices[i+1:]...)
			e.ScheduleScan()

			return true
		}
	}

	return false
}

// SetLinks replaces the element's neighbor links.
func (e *Element) SetLinks(links ...Link) {
	e.links = append([]Link(nil), links...)
	e.ScheduleScan()
}

// AddLink appends a neighbor link.
func (e *Element) AddLink(link Link) {
	e.links = append(e.links, link)
	e.ScheduleScan()
}

// RemoveLinks drops every link in dir.
func (e *Element) RemoveLinks(dir Direction) {
	kept := e.links[:0]

	for _, l := range e.links {
		if l.Direction != dir {
			kept = append(kept, l)
		}
	}

	e.links = kept
	e.ScheduleScan()
}

// ScheduleScan marks the element's component dirty. The scan itself runs on
// the scanner's next tick.
func (e *Element) ScheduleScan() {
	if c := e.Controller(); c != nil {
		c.state = StateScanning
	}

	if e.scanner != nil {
		e.scanner.schedule(e)
	}
}

// Dispose takes the element off the bus, e.g. when its host unloads. Its
// persisted identities are kept for a later Initialize.
func (e *Element) Dispose() {
	if e.disposed {
		return
	}

	e.disposed = true

	// Neighbors may belong to a controller that found us before our own
	// controller scanned, so they are told as well.
	for _, l := range e.links {
		if n, ok := l.Target.Resolve(); ok && n != nil {
			n.ScheduleScan()
		}
	}

	c := e.controller
	e.controller = nil

	if c == nil || c.disposed {
		return
	}

	if c.root == e {
		c.retire(e.scanner)
		return
	}

	c.state = StateScanning
	e.scanner.schedule(c.root)
}

// Initialize puts a disposed element back on the bus.
func (e *Element) Initialize() {
	e.disposed = false
	e.ScheduleScan()
}

// Save returns the persisted origin identity map.
func (e *Element) Save() map[string]string {
	out := make(map[string]string, len(e.identities))
	for k, v := range e.identities {
		out[k] = v.String()
	}

	return out
}

// Load restores the origin identity map. Entries that do not parse are dropped.
func (e *Element) Load(identities map[string]string) {
	for k, v := range identities {
		id, err := uuid.Parse(v)
		if err != nil {
			continue
		}

		e.identities[k] = id
	}
}

func (e *Element) identityFor(origin device.Origin) uuid.UUID {
	if io, ok := origin.(device.IdentifiedOrigin); ok {
		return io.Identity()
	}

	key := origin.OriginKey()
	if id, ok := e.identities[key]; ok {
		return id
	}

	id := uuid.New()
	e.identities[key] = id

	return id
}

// OriginKey returns the key of the origin the device was added under.
func (en Entry) OriginKey() string {
	return en.origin
}
