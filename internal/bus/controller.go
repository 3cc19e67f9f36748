package bus

import (
	"github.com/google/uuid"
)

// Controller owns the device list of one connected component. Elements only
// hold a back-reference; the controller is re-derived by every scan and is
// never persisted.
type Controller struct {
	id      uuid.UUID
	root    *Element
	nodes   map[*Element]struct{}
	devices []Entry
	state   State
	settled State
	version uint64

	unresolved int
	disposed   bool
}

func newController(root *Element) *Controller {
	return &Controller{
		id:    uuid.New(),
		root:  root,
		nodes: map[*Element]struct{}{},
		state: StateScanning,
	}
}

func (c *Controller) ID() uuid.UUID {
	return c.id
}

// Root is the element the controller was elected at.
func (c *Controller) Root() *Element {
	return c.root
}

func (c *Controller) State() State {
	return c.state
}

// Version increases with every completed scan.
func (c *Controller) Version() uint64 {
	return c.version
}

func (c *Controller) Disposed() bool {
	return c.disposed
}

// Unresolved is the number of links the last scan could not follow.
func (c *Controller) Unresolved() int {
	return c.unresolved
}

// Devices returns the authoritative device list. ok is false while the
// controller is scanning, in an error state or disposed.
func (c *Controller) Devices() (entries []Entry, ok bool) {
	if c.disposed || c.state != StateReady {
		return nil, false
	}

	out := make([]Entry, len(c.devices))
	copy(out, c.devices)

	return out, true
}

// Nodes returns the number of elements in the component.
func (c *Controller) Nodes() int {
	return len(c.nodes)
}

// apply installs a scan result and reports whether the settled state changed.
func (c *Controller) apply(state State, entries []Entry, unresolved int) bool {
	changed := c.version == 0 || c.settled != state

	c.state = state
	c.settled = state
	c.devices = entries
	c.unresolved = unresolved
	c.version++

	return changed
}

// retire disposes the controller and hands its elements back to the
// scanner so they can elect a new one.
func (c *Controller) retire(s *Scanner) {
	if c.disposed {
		return
	}

	c.disposed = true
	c.devices = nil

	for n := range c.nodes {
		if n.controller == c {
			n.controller = nil
		}

		if !n.disposed && s != nil {
			s.schedule(n)
		}
	}

	c.nodes = nil
}
