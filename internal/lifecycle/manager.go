// Package lifecycle drives the devices of one machine through mount,
// suspend and unmount.
//
// The manager does not decide which devices exist; it is handed the current
// device set by the bus and reconciles its records against it.
package lifecycle

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/metal-toolbox/vmbus/internal/device"
	"github.com/metal-toolbox/vmbus/internal/metrics"
)

var (
	pkgName = "internal/lifecycle"

	ErrMountPanic = errors.New("device panicked during mount, check logs for details")
)

const DefaultRetryTicks = 20

// Entry is a device the manager should know about.
type Entry struct {
	Identity uuid.UUID
	Device   device.Device
}

// Host provides the machine side of a mount.
type Host interface {
	// MountContext returns the context id mounts through.
	MountContext(id uuid.UUID) device.MountContext
	// Release frees every mapping held by id.
	Release(id uuid.UUID)
}

// Publisher receives a status on every transition.
type Publisher interface {
	Publish(ctx context.Context, status *Status)
}

type Config struct {
	// RetryTicks is the number of ticks between mount attempts of a failed device.
	RetryTicks uint64
}

type record struct {
	entry     Entry
	state     State
	attempts  int
	nextRetry uint64
	address   *uint64
	err       error
}

func (r *record) status() *Status {
	s := &Status{
		Identity: r.entry.Identity.String(),
		Category: r.entry.Device.Category().String(),
		State:    r.state.String(),
		Attempts: r.attempts,
		Address:  r.address,
	}

	if r.err != nil {
		s.Error = r.err.Error()
	}

	return s
}

// Manager holds the lifecycle record of every device known to a machine.
type Manager struct {
	cfg       Config
	host      Host
	publisher Publisher
	logger    *logrus.Entry

	records map[uuid.UUID]*record
	order   []uuid.UUID
	active  bool
	tick    uint64
}

func NewManager(cfg Config, host Host, publisher Publisher, logger *logrus.Entry) *Manager {
	if cfg.RetryTicks == 0 {
		cfg.RetryTicks = DefaultRetryTicks
	}

	return &Manager{
		cfg:       cfg,
		host:      host,
		publisher: publisher,
		logger:    logger,
		records:   map[uuid.UUID]*record{},
	}
}

// Active reports whether devices are currently expected to be mounted.
func (m *Manager) Active() bool {
	return m.active
}

// Len returns the number of known devices.
func (m *Manager) Len() int {
	return len(m.order)
}

// State returns the state of the device with id.
func (m *Manager) State(id uuid.UUID) (State, bool) {
	r, ok := m.records[id]
	if !ok {
		return StateUnmounted, false
	}

	return r.state, true
}

// AllMounted reports whether every known device is mounted.
func (m *Manager) AllMounted() bool {
	for _, id := range m.order {
		if m.records[id].state != StateMounted {
			return false
		}
	}

	return true
}

// Mounted returns the mounted devices in bus order.
func (m *Manager) Mounted() []Entry {
	var out []Entry

	for _, id := range m.order {
		if r := m.records[id]; r.state == StateMounted {
			out = append(out, r.entry)
		}
	}

	return out
}

// Statuses returns the status of every known device in bus order.
func (m *Manager) Statuses() []*Status {
	out := make([]*Status, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.records[id].status())
	}

	return out
}

// Sync reconciles the records with the authoritative device set. Devices
// that left are unmounted before being forgotten; devices that joined are
// mounted right away when the machine is active.
func (m *Manager) Sync(ctx context.Context, entries []Entry) {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "lifecycle.Manager.Sync")
	defer span.End()

	wanted := make(map[uuid.UUID]Entry, len(entries))
	for _, e := range entries {
		wanted[e.Identity] = e
	}

	kept := m.order[:0]

	for _, id := range m.order {
		r := m.records[id]

		e, ok := wanted[id]
		if ok && e.Device == r.entry.Device {
			kept = append(kept, id)
			continue
		}

		m.fire(ctx, r, EventUnmount)
		delete(m.records, id)
	}

	m.order = kept

	var joined []*record

	for _, e := range entries {
		if _, ok := m.records[e.Identity]; ok {
			continue
		}

		r := &record{entry: e, state: StateUnmounted}
		m.records[e.Identity] = r
		joined = append(joined, r)
	}

	// bus order
	m.order = m.order[:0]
	for _, e := range entries {
		m.order = append(m.order, e.Identity)
	}

	if m.active {
		for _, r := range joined {
			m.fire(ctx, r, EventMount)
		}
	}

	span.SetAttributes(
		attribute.Int("lifecycle.devices", len(m.order)),
		attribute.Int("lifecycle.joined", len(joined)),
	)
}

// MountAll activates the manager and mounts every device not yet mounted.
func (m *Manager) MountAll(ctx context.Context) {
	m.active = true

	for _, id := range m.order {
		r := m.records[id]
		if r.state == StateMounted {
			continue
		}

		m.fire(ctx, r, EventMount)
	}
}

// Tick retries failed mounts whose interval elapsed.
func (m *Manager) Tick(ctx context.Context) {
	m.tick++

	if !m.active {
		return
	}

	for _, id := range m.order {
		r := m.records[id]
		if r.state == StateFailed && m.tick >= r.nextRetry {
			m.fire(ctx, r, EventRetry)
		}
	}
}

// SuspendAll releases transient resources of every mounted device.
func (m *Manager) SuspendAll(ctx context.Context) {
	m.active = false

	for _, id := range m.order {
		m.fire(ctx, m.records[id], EventSuspend)
	}
}

// UnmountAll deactivates the manager and unmounts every device.
func (m *Manager) UnmountAll(ctx context.Context) {
	m.active = false

	for _, id := range m.order {
		m.fire(ctx, m.records[id], EventUnmount)
	}
}

func (m *Manager) fire(ctx context.Context, r *record, event Event) {
	from := r.state

	next, err := Next(from, event)
	if err != nil {
		m.logger.WithError(err).WithField("identity", r.entry.Identity.String()).Warn("ignored device event")
		return
	}

	switch event {
	case EventSuspend:
		if from == StateMounted {
			if mounter, ok := r.entry.Device.(device.Mounter); ok {
				mounter.Suspend()
			}

			// mappings are rebuilt by the next mount
			m.host.Release(r.entry.Identity)
		}
	case EventUnmount:
		if from != StateUnmounted {
			if mounter, ok := r.entry.Device.(device.Mounter); ok {
				mounter.Unmount()
			}

			m.host.Release(r.entry.Identity)
		}

		r.attempts = 0
		r.address = nil
		r.err = nil
	}

	r.state = next

	if from != next {
		m.publish(ctx, r)
	}

	if next == StateMounting {
		m.mount(ctx, r)
	}
}

func (m *Manager) mount(ctx context.Context, r *record) {
	r.attempts++

	mc := m.host.MountContext(r.entry.Identity)

	err := m.tryMount(r.entry.Device, mc)

	category := r.entry.Device.Category().String()

	if err != nil {
		metrics.MountAttempts.WithLabelValues(category, "failed").Inc()

		// drop whatever the failed attempt managed to map
		m.host.Release(r.entry.Identity)

		r.err = err
		r.nextRetry = m.tick + m.cfg.RetryTicks

		m.logger.WithFields(r.status().Fields()).WithError(err).Warn("device mount failed")
		m.fire(ctx, r, EventMountFailed)

		return
	}

	metrics.MountAttempts.WithLabelValues(category, "succeeded").Inc()

	r.err = nil

	if base, ok := mc.BaseAddress(); ok {
		r.address = &base
	}

	m.fire(ctx, r, EventMountSucceeded)
}

func (m *Manager) tryMount(dev device.Device, mc device.MountContext) (err error) {
	mounter, ok := dev.(device.Mounter)
	if !ok {
		return nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = m.handlePanic(rec)
		}
	}()

	return mounter.Mount(mc)
}

func (m *Manager) handlePanic(rec any) error {
	m.logger.WithFields(logrus.Fields{
		"rec":   fmt.Sprint(rec),
		"stack": string(debug.Stack()),
	}).Error("!!panic occurred while mounting device")

	return ErrMountPanic
}

func (m *Manager) publish(ctx context.Context, r *record) {
	status := r.status()

	m.logger.WithFields(status.Fields()).Debug("device state changed")

	if m.publisher != nil {
		m.publisher.Publish(ctx, status)
	}
}
