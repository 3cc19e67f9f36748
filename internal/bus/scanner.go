package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/metal-toolbox/vmbus/internal/device"
	"github.com/metal-toolbox/vmbus/internal/metrics"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var (
	pkgName = "internal/bus"
)

const DefaultMaxDevices = 64

type Config struct {
	// MaxDevices is the number of devices a single component may hold.
	MaxDevices int
}

// Scanner runs pending bus scans. Elements only ever schedule scans; the
// traversal happens in Tick so it never runs while neighbors are still
// being changed.
type Scanner struct {
	cfg     Config
	logger  *logrus.Entry
	pending []*Element
	queued  map[*Element]struct{}
}

func NewScanner(cfg Config, logger *logrus.Entry) *Scanner {
	if cfg.MaxDevices <= 0 {
		cfg.MaxDevices = DefaultMaxDevices
	}

	return &Scanner{
		cfg:    cfg,
		logger: logger,
		queued: map[*Element]struct{}{},
	}
}

// NewElement creates an element attached to this scanner.
func (s *Scanner) NewElement(name string, opts ...Option) *Element {
	e := &Element{
		name:       name,
		scanner:    s,
		identities: map[string]uuid.UUID{},
	}

	for _, opt := range opts {
		opt(e)
	}

	s.schedule(e)

	return e
}

// Pending returns the number of elements waiting for a scan.
func (s *Scanner) Pending() int {
	return len(s.pending)
}

func (s *Scanner) schedule(e *Element) {
	if s == nil || e == nil {
		return
	}

	if _, ok := s.queued[e]; ok {
		return
	}

	s.queued[e] = struct{}{}
	s.pending = append(s.pending, e)
}

// Tick scans every dirty component once and returns the controllers that
// were updated.
func (s *Scanner) Tick(ctx context.Context) []*Controller {
	if len(s.pending) == 0 {
		return nil
	}

	_, span := otel.Tracer(pkgName).Start(ctx, "bus.Scanner.Tick")
	defer span.End()

	scanned := map[*Element]struct{}{}

	var (
		updated []*Controller
		later   []*Element
	)

	for len(s.pending) > 0 {
		e := s.pending[0]
		s.pending = s.pending[1:]

		// entries for elements already covered by an earlier scan are stale
		if _, ok := s.queued[e]; !ok {
			continue
		}

		if e.disposed {
			delete(s.queued, e)
			continue
		}

		// rescheduled after its component was scanned this tick
		if _, ok := scanned[e]; ok {
			later = append(later, e)
			continue
		}

		c, visited := s.scan(e)
		for _, n := range visited {
			scanned[n] = struct{}{}
			delete(s.queued, n)
		}

		updated = append(updated, c)
	}

	s.pending = later

	span.SetAttributes(
		attribute.Int("bus.controllers", len(updated)),
		attribute.Int("bus.deferred", len(later)),
	)

	return updated
}

// scan traverses the component containing start breadth first, elects or
// keeps its controller and rebuilds the device list.
func (s *Scanner) scan(start *Element) (*Controller, []*Element) {
	began := time.Now()

	visited, unresolved := s.traverse(start)

	kept := elect(visited)

	// Controllers merged into this component are retired; whatever they
	// owned outside of it gets scanned on its own.
	inComponent := make(map[*Element]struct{}, len(visited))
	for _, n := range visited {
		inComponent[n] = struct{}{}
	}

	for _, n := range visited {
		c := n.controller
		if c == nil || c == kept || c.disposed {
			continue
		}

		for m := range c.nodes {
			if _, ok := inComponent[m]; ok {
				delete(c.nodes, m)
			}
		}

		c.retire(s)
	}

	// Elements the kept controller lost form components of their own.
	for n := range kept.nodes {
		if _, ok := inComponent[n]; ok {
			continue
		}

		if n.controller == kept {
			n.controller = nil
		}

		if !n.disposed {
			s.schedule(n)
		}
	}

	kept.nodes = inComponent
	for _, n := range visited {
		n.controller = kept
	}

	state, entries := s.collect(visited)
	changed := kept.apply(state, entries, unresolved)

	metrics.BusScans.WithLabelValues(state.String()).Inc()
	metrics.BusScanDuration.Observe(time.Since(began).Seconds())

	fields := logrus.Fields{
		"controller": kept.id.String(),
		"root":       kept.root.name,
		"nodes":      len(visited),
		"devices":    len(entries),
		"unresolved": unresolved,
		"version":    kept.version,
		"state":      state.String(),
	}

	if changed {
		s.logger.WithFields(fields).Info("bus state changed")
	} else {
		s.logger.WithFields(fields).Debug("bus scanned")
	}

	return kept, visited
}

func (s *Scanner) traverse(start *Element) (visited []*Element, unresolved int) {
	seen := map[*Element]struct{}{start: {}}
	queue := []*Element{start}

	for len(queue) > 0 {
		e := queue[0]
		queue = queue[1:]
		visited = append(visited, e)

		for _, l := range e.links {
			if !e.CanScanContinueTowards(l.Direction) {
				continue
			}

			n, ok := l.Target.Resolve()
			if !ok || n == nil || n.disposed {
				// not known yet, the next scheduled scan retries
				unresolved++
				continue
			}

			if _, ok := seen[n]; ok {
				continue
			}

			seen[n] = struct{}{}
			queue = append(queue, n)
		}
	}

	return visited, unresolved
}

// elect keeps the first live controller whose root was visited, otherwise
// the first visited element becomes the root of a new controller.
func elect(visited []*Element) *Controller {
	for _, n := range visited {
		c := n.controller
		if c != nil && !c.disposed && c.root == n {
			return c
		}
	}

	return newController(visited[0])
}

func (s *Scanner) collect(visited []*Element) (State, []Entry) {
	var (
		entries   []Entry
		exclusive int
		duplicate bool
	)

	devices := map[device.Device]struct{}{}
	identities := map[uuid.UUID]struct{}{}

	for _, n := range visited {
		if n.exclusive {
			exclusive++
		}

		for _, e := range n.devices {
			if _, ok := devices[e.Device]; ok {
				continue
			}

			devices[e.Device] = struct{}{}

			if _, ok := identities[e.Identity]; ok {
				duplicate = true
			}

			identities[e.Identity] = struct{}{}
			entries = append(entries, e)
		}
	}

	switch {
	case exclusive > 1:
		return StateMultipleControllers, nil
	case duplicate:
		return StateDuplicateIdentity, nil
	case len(entries) > s.cfg.MaxDevices:
		return StateTooManyDevices, nil
	default:
		return StateReady, entries
	}
}
