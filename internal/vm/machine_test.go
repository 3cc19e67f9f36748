package vm

import (
	"context"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/metal-toolbox/vmbus/internal/device"
	"github.com/metal-toolbox/vmbus/internal/devices"
	"github.com/metal-toolbox/vmbus/internal/energy"
	"github.com/metal-toolbox/vmbus/internal/lifecycle"
	"github.com/metal-toolbox/vmbus/internal/model"
)

type fakeAddresser map[uuid.UUID]uint64

func (a fakeAddresser) BaseAddress(id uuid.UUID) (uint64, bool) {
	base, ok := a[id]
	return base, ok
}

type fakeObserver struct {
	states   []model.RunState
	errors   []string
	terminal []byte
}

func (o *fakeObserver) RunStateChanged(_ context.Context, state model.RunState, bootError string) {
	o.states = append(o.states, state)
	o.errors = append(o.errors, bootError)
}

func (o *fakeObserver) TerminalOutput(_ context.Context, output []byte) {
	o.terminal = append(o.terminal, output...)
}

type flakyDevice struct {
	mock.Mock
}

func (d *flakyDevice) Category() model.Category {
	return model.CategoryCard
}

func (d *flakyDevice) Mount(mc device.MountContext) error {
	return d.Called(mc).Error(0)
}

func (d *flakyDevice) Unmount() {
	d.Called()
}

func (d *flakyDevice) Suspend() {
	d.Called()
}

type fixture struct {
	machine  *Machine
	guest    *CounterGuest
	observer *fakeObserver
	pool     *energy.Pool
	entries  []lifecycle.Entry
	address  fakeAddresser
}

func newFixture(perTick int64, stored int64) *fixture {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	f := &fixture{
		guest:    NewCounterGuest(),
		observer: &fakeObserver{},
		pool:     energy.NewPool(energy.DefaultCapacity, stored),
		address:  fakeAddresser{},
	}

	f.machine = NewMachine(Config{Name: "test", EnergyPerTick: perTick}, f.pool, f.address, f.guest, f.observer, nil,
		logrus.NewEntry(logger))

	return f
}

func (f *fixture) add(dev device.Device, base ...uint64) uuid.UUID {
	id := uuid.New()
	if len(base) > 0 {
		f.address[id] = base[0]
	}

	f.entries = append(f.entries, lifecycle.Entry{Identity: id, Device: dev})

	return id
}

func (f *fixture) sync(ctx context.Context) {
	f.machine.SetDevices(ctx, f.entries, true)
}

func (f *fixture) boot(t *testing.T, ctx context.Context) {
	t.Helper()

	f.sync(ctx)
	require.Nil(t, f.machine.Start(ctx))
	f.machine.Reconcile(ctx)
	require.Equal(t, model.RunStateRunning, f.machine.State(), f.machine.BootError())
}

func TestStartRunsOnceAllDevicesMount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(energy.DefaultPerTick, energy.DefaultCapacity)

	f.add(devices.NewMemory(0x10000))
	f.add(devices.NewStorage(devices.NewItem(devices.KindHardDrive, 4096)), 0x20004000)

	f.boot(t, ctx)

	base, ok := f.machine.MemoryBase()
	require.True(t, ok)
	assert.Equal(t, DefaultMemoryBase, base)
	assert.Len(t, f.machine.Space().Mappings(), 2)
	assert.Contains(t, string(f.machine.Terminal()), "booted")
	assert.Equal(t, f.machine.Terminal(), f.observer.terminal)

	f.machine.Tick(ctx)
	f.machine.Tick(ctx)
	assert.Equal(t, uint64(2), f.guest.Steps())

	word := make([]byte, 8)
	require.Nil(t, f.machine.Read(base, word))
	assert.Equal(t, byte(2*DefaultCyclesPerTick&0xff), word[0])

	assert.Equal(t, []model.RunState{model.RunStateLoading, model.RunStateRunning}, f.observer.states)
}

func TestNeverRunningWhileAMountFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(0, 0)

	card := &flakyDevice{}
	card.On("Mount", mock.Anything).Return(errors.New("firmware missing")).Once()
	card.On("Mount", mock.Anything).Return(nil)

	f.add(devices.NewMemory(0x1000))
	f.add(card)
	f.sync(ctx)

	require.Nil(t, f.machine.Start(ctx))

	for i := 0; i < lifecycle.DefaultRetryTicks-1; i++ {
		f.machine.Reconcile(ctx)
		f.machine.Tick(ctx)
		assert.Equal(t, model.RunStateLoading, f.machine.State())
	}

	assert.Equal(t, uint64(0), f.guest.Steps())

	f.machine.Reconcile(ctx)
	assert.Equal(t, model.RunStateRunning, f.machine.State())
	card.AssertNumberOfCalls(t, "Mount", 2)
}

func TestEnergyThrottle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(10, 15)

	f.add(devices.NewMemory(0x1000))
	f.boot(t, ctx)

	// enough for exactly one step
	f.machine.Tick(ctx)
	assert.Equal(t, uint64(1), f.guest.Steps())
	assert.Equal(t, int64(5), f.pool.Stored())

	f.machine.Tick(ctx)
	assert.Equal(t, uint64(1), f.guest.Steps())
	assert.Equal(t, int64(5), f.pool.Stored())
	assert.Equal(t, model.RunStateRunning, f.machine.State())

	f.pool.Insert(10)
	f.machine.Tick(ctx)
	assert.Equal(t, uint64(2), f.guest.Steps())
}

func TestEnergyGatingDisabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(0, 0)

	f.add(devices.NewMemory(0x1000))
	f.boot(t, ctx)

	f.machine.Tick(ctx)
	assert.Equal(t, uint64(1), f.guest.Steps())
}

func TestInsufficientMemory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(0, 0)

	f.add(devices.NewFlash(devices.NewItem(devices.KindFlash, 0)), 0x20008000)
	f.sync(ctx)

	require.Nil(t, f.machine.Start(ctx))
	f.machine.Reconcile(ctx)

	assert.Equal(t, model.RunStateErrored, f.machine.State())
	assert.Equal(t, ErrInsufficientMemory.Error(), f.machine.BootError())

	// recovery needs an explicit stop
	assert.ErrorIs(t, f.machine.Start(ctx), model.ErrInvalidAction)

	f.machine.Stop(ctx)
	assert.Equal(t, model.RunStateStopped, f.machine.State())
	assert.Empty(t, f.machine.BootError())
	assert.Empty(t, f.machine.Space().Mappings())
}

func TestBusErrorKeepsLastGoodDevices(t *testing.T) {
	ctx := context.Background()
	f := newFixture(0, 0)

	f.add(devices.NewMemory(0x1000))
	f.boot(t, ctx)

	f.machine.SetDevices(ctx, nil, false)
	f.machine.Reconcile(ctx)
	f.machine.Tick(ctx)

	assert.Equal(t, model.RunStateRunning, f.machine.State())
	assert.Equal(t, 1, f.machine.Devices().Len())
	assert.Equal(t, uint64(1), f.guest.Steps())

	// the next good scan reconciles
	f.machine.SetDevices(ctx, nil, true)
	assert.Equal(t, 0, f.machine.Devices().Len())
	assert.Empty(t, f.machine.Space().Mappings())
}

func TestDeviceJoiningWhileRunning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(0, 0)

	f.add(devices.NewMemory(0x1000))
	f.boot(t, ctx)

	card := &flakyDevice{}
	card.On("Mount", mock.Anything).Return(errors.New("not yet")).Once()
	card.On("Mount", mock.Anything).Return(nil)

	f.add(card)
	f.sync(ctx)

	f.machine.Reconcile(ctx)
	assert.Equal(t, model.RunStateLoading, f.machine.State())

	f.machine.Tick(ctx)
	assert.Equal(t, uint64(0), f.guest.Steps())
}

func TestSuspendAndResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(0, 0)

	mem := devices.NewMemory(0x1000)
	card := &flakyDevice{}
	card.On("Mount", mock.Anything).Return(nil)
	card.On("Suspend").Return()

	f.add(mem)
	cardID := f.add(card)
	f.boot(t, ctx)
	f.machine.Tick(ctx)

	f.machine.Suspend(ctx)
	assert.Equal(t, model.RunStatePaused, f.machine.State())

	state, _ := f.machine.Devices().State(cardID)
	assert.Equal(t, lifecycle.StateSuspended, state)
	card.AssertNumberOfCalls(t, "Suspend", 1)

	f.machine.Tick(ctx)
	assert.Equal(t, uint64(1), f.guest.Steps())

	f.machine.Resume(ctx)
	f.machine.Reconcile(ctx)
	assert.Equal(t, model.RunStateRunning, f.machine.State())

	f.machine.Tick(ctx)
	assert.Equal(t, uint64(2), f.guest.Steps())
	// no second boot banner
	assert.Equal(t, 1, countOf(string(f.machine.Terminal()), "booted"))
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	f := newFixture(0, 0)

	f.add(devices.NewMemory(0x1000))
	f.boot(t, ctx)
	f.machine.Tick(ctx)
	f.machine.Tick(ctx)

	saved, err := f.machine.Save()
	require.Nil(t, err)
	assert.Equal(t, uint8(model.RunStateRunning), saved.RunState)

	g := newFixture(0, 0)
	require.Nil(t, g.machine.Load(saved))
	assert.Equal(t, model.RunStatePaused, g.machine.State())
	assert.Equal(t, uint64(2), g.guest.Steps())

	g.add(devices.NewMemory(0x1000))
	g.sync(ctx)
	g.machine.Resume(ctx)
	g.machine.Reconcile(ctx)
	require.Equal(t, model.RunStateRunning, g.machine.State())

	g.machine.Tick(ctx)
	assert.Equal(t, uint64(3), g.guest.Steps())

	stopped := newFixture(0, 0)
	require.Nil(t, stopped.machine.Load(State{RunState: uint8(model.RunStateStopped), BootError: "stale"}))
	assert.Equal(t, model.RunStateStopped, stopped.machine.State())
	assert.Empty(t, stopped.machine.BootError())
}

func TestInvokeAndDescribe(t *testing.T) {
	ctx := context.Background()
	f := newFixture(0, 0)

	hub := &devices.Hub{Key: "lan"}
	a := devices.NewNetworkCard(model.CategoryCard, hub)
	b := devices.NewNetworkCard(model.CategoryCard, hub)

	f.add(devices.NewMemory(0x1000))
	aID := f.add(a)
	bID := f.add(b)
	f.boot(t, ctx)

	described := f.machine.Describe()
	require.Len(t, described, 2)
	assert.Equal(t, []string{"network_card"}, described[0].TypeNames)
	assert.Equal(t, []string{"send", "receive", "pending"}, described[0].Methods)

	_, err := f.machine.Invoke(aID, "send", []any{"hello"})
	require.Nil(t, err)

	pending, err := f.machine.Invoke(bID, "pending", nil)
	require.Nil(t, err)
	assert.Equal(t, 1, pending)

	packet, err := f.machine.Invoke(bID, "receive", nil)
	require.Nil(t, err)
	assert.Equal(t, []byte("hello"), packet)

	_, err = f.machine.Invoke(bID, "explode", nil)
	assert.ErrorIs(t, err, ErrNoSuchMethod)

	_, err = f.machine.Invoke(uuid.New(), "send", nil)
	assert.ErrorIs(t, err, ErrNoSuchDevice)
}

func TestDispose(t *testing.T) {
	ctx := context.Background()
	f := newFixture(0, 0)

	f.add(devices.NewMemory(0x1000))
	f.boot(t, ctx)

	f.machine.Suspend(ctx)
	f.machine.Dispose()
	f.machine.Dispose()

	assert.True(t, f.machine.Disposed())
	assert.ErrorIs(t, f.machine.Start(ctx), ErrDisposed)

	f.machine.Resume(ctx)
	f.machine.Reconcile(ctx)
	f.machine.Tick(ctx)
	assert.Equal(t, model.RunStatePaused, f.machine.State())
	assert.Equal(t, uint64(0), f.guest.Steps())
}

func countOf(s, sub string) int {
	n := 0

	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			n++
		}
	}

	return n
}
