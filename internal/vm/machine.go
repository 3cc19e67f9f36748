// Package vm is the execution unit: it owns the guest address space, drives
// the lifecycle of the bus devices and steps the guest while it has energy.
package vm

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/metal-toolbox/vmbus/internal/device"
	"github.com/metal-toolbox/vmbus/internal/energy"
	"github.com/metal-toolbox/vmbus/internal/lifecycle"
	"github.com/metal-toolbox/vmbus/internal/metrics"
	"github.com/metal-toolbox/vmbus/internal/model"
)

var (
	pkgName = "internal/vm"

	ErrInsufficientMemory = errors.New("insufficient memory")
	ErrDisposed           = errors.New("machine is disposed")
	ErrNoSuchDevice       = errors.New("no such device")
	ErrNoSuchMethod       = errors.New("no such method")
)

const (
	DefaultCyclesPerTick = 1000

	terminalLimit = 4096
)

// Addresser returns the fixed base address of a bus device, if it has one.
type Addresser interface {
	BaseAddress(id uuid.UUID) (uint64, bool)
}

// Observer is told about run state and terminal changes.
type Observer interface {
	RunStateChanged(ctx context.Context, state model.RunState, bootError string)
	TerminalOutput(ctx context.Context, output []byte)
}

type Config struct {
	// Name labels the machine's metrics.
	Name          string
	CyclesPerTick int
	// EnergyPerTick is withdrawn before every guest step; zero disables gating.
	EnergyPerTick int64
	Placement     Placement
	Lifecycle     lifecycle.Config
}

// State is what a machine persists.
type State struct {
	RunState  uint8  `cbor:"1,keyasint" yaml:"run_state"`
	BootError string `cbor:"2,keyasint,omitempty" yaml:"boot_error,omitempty"`
	Booted    bool   `cbor:"3,keyasint,omitempty" yaml:"booted,omitempty"`
	Guest     []byte `cbor:"4,keyasint,omitempty" yaml:"-"`
}

type Machine struct {
	cfg       Config
	logger    *logrus.Entry
	pool      *energy.Pool
	addresser Addresser
	observer  Observer
	guest     Guest
	space     *AddressSpace
	manager   *lifecycle.Manager

	state     model.RunState
	bootError string
	booted    bool
	busReady  bool
	disposed  bool
	terminal  []byte
}

// NewMachine returns a stopped machine. pool may be nil, in which case the
// guest is never throttled.
func NewMachine(cfg Config, pool *energy.Pool, addresser Addresser, guest Guest, observer Observer,
	publisher lifecycle.Publisher, logger *logrus.Entry) *Machine {
	if cfg.CyclesPerTick <= 0 {
		cfg.CyclesPerTick = DefaultCyclesPerTick
	}

	if cfg.Placement == nil {
		cfg.Placement = Contiguous{Base: DefaultMemoryBase, Limit: DefaultMemoryLimit}
	}

	m := &Machine{
		cfg:       cfg,
		logger:    logger,
		pool:      pool,
		addresser: addresser,
		observer:  observer,
		guest:     guest,
		space:     NewAddressSpace(),
		state:     model.RunStateStopped,
	}

	m.manager = lifecycle.NewManager(cfg.Lifecycle, m, publisher, logger)

	return m
}

func (m *Machine) State() model.RunState {
	return m.state
}

func (m *Machine) BootError() string {
	return m.bootError
}

func (m *Machine) Space() *AddressSpace {
	return m.space
}

func (m *Machine) Devices() *lifecycle.Manager {
	return m.manager
}

func (m *Machine) Guest() Guest {
	return m.guest
}

func (m *Machine) Terminal() []byte {
	return append([]byte(nil), m.terminal...)
}

func (m *Machine) Disposed() bool {
	return m.disposed
}

// SetDevices hands the machine the bus state of its component. A ready bus
// reconciles the device set; an erroring bus leaves the last good set in
// place.
func (m *Machine) SetDevices(ctx context.Context, entries []lifecycle.Entry, ready bool) {
	if m.disposed {
		return
	}

	m.busReady = ready
	if !ready {
		return
	}

	m.manager.Sync(ctx, entries)
}

// Start boots the machine once every device is mounted.
func (m *Machine) Start(ctx context.Context) error {
	if m.disposed {
		return ErrDisposed
	}

	if m.state != model.RunStateStopped {
		return errors.Wrapf(model.ErrInvalidAction, "cannot start a %s machine", m.state)
	}

	m.booted = false
	m.setState(ctx, model.RunStateLoading, "")
	m.manager.MountAll(ctx)

	return nil
}

// Stop unmounts every device and resets the guest. Stopping an errored
// machine is how it is recovered.
func (m *Machine) Stop(ctx context.Context) {
	if m.disposed || m.state == model.RunStateStopped {
		return
	}

	m.manager.UnmountAll(ctx)
	m.space.Reset()
	m.guest.Reset()
	m.booted = false
	m.setState(ctx, model.RunStateStopped, "")
}

// Suspend releases transient device resources and halts the guest without
// losing its state, e.g. when the host region unloads.
func (m *Machine) Suspend(ctx context.Context) {
	if m.disposed {
		return
	}

	switch m.state {
	case model.RunStateRunning, model.RunStateLoading:
		m.manager.SuspendAll(ctx)
		m.setState(ctx, model.RunStatePaused, m.bootError)
	}
}

// Resume picks a paused machine back up; devices mount again before the
// guest continues.
func (m *Machine) Resume(ctx context.Context) {
	if m.disposed || m.state != model.RunStatePaused {
		return
	}

	m.setState(ctx, model.RunStateLoading, "")
	m.manager.MountAll(ctx)
}

// Dispose detaches the machine from its devices for good. It does not
// unmount; callers Stop or Suspend first.
func (m *Machine) Dispose() {
	if m.disposed {
		return
	}

	m.disposed = true
	m.space.Reset()
}

// Reconcile runs the lifecycle retries and moves a loading machine to
// running once the bus is ready and everything is mounted.
func (m *Machine) Reconcile(ctx context.Context) {
	if m.disposed {
		return
	}

	ctx, span := otel.Tracer(pkgName).Start(ctx, "vm.Machine.Reconcile")
	defer span.End()

	m.manager.Tick(ctx)

	switch m.state {
	case model.RunStateRunning:
		// a device joined while running
		if !m.manager.AllMounted() {
			m.setState(ctx, model.RunStateLoading, "")
		}
	case model.RunStateLoading:
		if !m.busReady || !m.manager.AllMounted() {
			return
		}

		m.boot(ctx)
	}

	span.SetAttributes(attribute.String("vm.state", m.state.String()))
}

func (m *Machine) boot(ctx context.Context) {
	if m.space.MemorySize() == 0 {
		m.setState(ctx, model.RunStateErrored, ErrInsufficientMemory.Error())
		return
	}

	if !m.booted {
		if err := m.guest.Boot(m); err != nil {
			m.logger.WithError(err).Warn("guest failed to boot")
			m.setState(ctx, model.RunStateErrored, err.Error())

			return
		}

		m.booted = true
	}

	m.setState(ctx, model.RunStateRunning, "")
}

// Tick advances the guest by one step. It does nothing unless running and
// skips the step when the energy pool cannot pay for it.
func (m *Machine) Tick(ctx context.Context) {
	if m.disposed || m.state != model.RunStateRunning {
		return
	}

	if m.pool != nil && m.cfg.EnergyPerTick > 0 {
		if !m.pool.Withdraw(m.cfg.EnergyPerTick) {
			metrics.ThrottledTicks.WithLabelValues(m.cfg.Name).Inc()
			return
		}

		metrics.EnergyStored.WithLabelValues(m.cfg.Name).Set(float64(m.pool.Stored()))
	}

	if err := m.guest.Step(m, m.cfg.CyclesPerTick); err != nil {
		m.logger.WithError(err).Warn("guest fault")
		m.setState(ctx, model.RunStateErrored, err.Error())
	}
}

func (m *Machine) setState(ctx context.Context, state model.RunState, bootError string) {
	if m.state == state && m.bootError == bootError {
		return
	}

	m.logger.WithFields(logrus.Fields{
		"from":      m.state.String(),
		"to":        state.String(),
		"bootError": bootError,
	}).Info("machine state changed")

	m.state = state
	m.bootError = bootError

	metrics.RunState.WithLabelValues(m.cfg.Name).Set(float64(state))

	if m.observer != nil {
		m.observer.RunStateChanged(ctx, state, bootError)
	}
}

// Save returns the persisted machine state.
func (m *Machine) Save() (State, error) {
	blob, err := m.guest.Snapshot()
	if err != nil {
		return State{}, err
	}

	return State{
		RunState:  uint8(m.state),
		BootError: m.bootError,
		Booted:    m.booted,
		Guest:     blob,
	}, nil
}

// Load restores a saved machine. A machine saved while loading, running or
// paused comes back paused and continues on Resume.
func (m *Machine) Load(s State) error {
	if err := m.guest.Restore(s.Guest); err != nil {
		return err
	}

	m.bootError = s.BootError
	m.booted = s.Booted

	switch state := model.RunState(s.RunState); state {
	case model.RunStateLoading, model.RunStateRunning, model.RunStatePaused:
		m.state = model.RunStatePaused
	case model.RunStateErrored:
		m.state = state
	default:
		m.state = model.RunStateStopped
		m.bootError = ""
	}

	return nil
}

// Invoke calls method on the mounted RPC device with id.
func (m *Machine) Invoke(id uuid.UUID, method string, args []any) (any, error) {
	for _, e := range m.manager.Mounted() {
		if e.Identity != id {
			continue
		}

		rpc, ok := e.Device.(device.RPCDevice)
		if !ok {
			return nil, errors.Wrapf(ErrNoSuchMethod, "%s is not an rpc device", id)
		}

		for _, meth := range rpc.Methods() {
			if meth.Name == method {
				return meth.Invoke(args)
			}
		}

		return nil, errors.Wrapf(ErrNoSuchMethod, "%s on %s", method, id)
	}

	return nil, errors.Wrapf(ErrNoSuchDevice, "%s", id)
}

// Descriptor lists the interface of one RPC device.
type Descriptor struct {
	Identity  uuid.UUID `yaml:"identity"`
	TypeNames []string  `yaml:"types"`
	Methods   []string  `yaml:"methods"`
}

// Describe lists the mounted RPC devices.
func (m *Machine) Describe() []Descriptor {
	var out []Descriptor

	for _, e := range m.manager.Mounted() {
		rpc, ok := e.Device.(device.RPCDevice)
		if !ok {
			continue
		}

		d := Descriptor{Identity: e.Identity, TypeNames: rpc.TypeNames()}
		for _, meth := range rpc.Methods() {
			d.Methods = append(d.Methods, meth.Name)
		}

		out = append(out, d)
	}

	return out
}

// MountContext implements lifecycle.Host.
func (m *Machine) MountContext(id uuid.UUID) device.MountContext {
	mc := &mountContext{machine: m, id: id}

	if m.addresser != nil {
		mc.base, mc.hasBase = m.addresser.BaseAddress(id)
	}

	return mc
}

// Release implements lifecycle.Host.
func (m *Machine) Release(id uuid.UUID) {
	m.space.Unmap(id)
}

// Read, Write, MemoryBase, MemorySize and Print make the machine the guest's Bus.

func (m *Machine) Read(addr uint64, p []byte) error {
	return m.space.Read(addr, p)
}

func (m *Machine) Write(addr uint64, p []byte) error {
	return m.space.Write(addr, p)
}

func (m *Machine) MemoryBase() (uint64, bool) {
	return m.space.MemoryBase()
}

func (m *Machine) MemorySize() uint64 {
	return m.space.MemorySize()
}

func (m *Machine) Print(s string) {
	m.terminal = append(m.terminal, s...)
	if over := len(m.terminal) - terminalLimit; over > 0 {
		m.terminal = m.terminal[over:]
	}

	if m.observer != nil {
		m.observer.TerminalOutput(context.Background(), []byte(s))
	}
}

type mountContext struct {
	machine *Machine
	id      uuid.UUID
	base    uint64
	hasBase bool
}

func (c *mountContext) Identity() uuid.UUID {
	return c.id
}

func (c *mountContext) BaseAddress() (uint64, bool) {
	return c.base, c.hasBase
}

func (c *mountContext) MapRegion(r device.Region, base uint64) error {
	return c.machine.space.Map(c.id, base, r, false)
}

func (c *mountContext) MapMemory(r device.Region) (uint64, error) {
	base, err := c.machine.cfg.Placement.Place(c.machine.space, r.Size())
	if err != nil {
		return 0, err
	}

	if err := c.machine.space.Map(c.id, base, r, true); err != nil {
		return 0, err
	}

	return base, nil
}
