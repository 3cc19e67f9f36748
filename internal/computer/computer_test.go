package computer

import (
	"context"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metal-toolbox/vmbus/internal/allocator"
	"github.com/metal-toolbox/vmbus/internal/bus"
	"github.com/metal-toolbox/vmbus/internal/devices"
	"github.com/metal-toolbox/vmbus/internal/lifecycle"
	"github.com/metal-toolbox/vmbus/internal/model"
	"github.com/metal-toolbox/vmbus/internal/publish"
	"github.com/metal-toolbox/vmbus/internal/vm"
)

type recorder struct {
	events []*publish.Event
}

func (r *recorder) Publish(_ context.Context, event *publish.Event) error {
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) Close() {}

func (r *recorder) busStates() []string {
	var out []string

	for _, e := range r.events {
		if e.Kind == publish.KindBusState {
			out = append(out, e.BusState)
		}
	}

	return out
}

type harness struct {
	ctx      context.Context
	scanner  *bus.Scanner
	provider *devices.Provider
	recorder *recorder
	logger   *logrus.Entry
}

func newHarness(maxDevices int) *harness {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	entry := logrus.NewEntry(logger)

	return &harness{
		ctx:      context.Background(),
		scanner:  bus.NewScanner(bus.Config{MaxDevices: maxDevices}, entry),
		provider: devices.NewProvider(),
		recorder: &recorder{},
		logger:   entry,
	}
}

func (h *harness) computer(name string, layout allocator.Layout) *Computer {
	cfg := Config{
		Name:           name,
		Layout:         layout,
		EnergyCapacity: 2000,
		EnergyInitial:  2000,
		Machine:        vm.Config{EnergyPerTick: 10},
	}

	return New(cfg, h.scanner, h.provider, nil, h.recorder, h.logger)
}

// step runs one world tick in order: scans, reconciliation, machine ticks.
func (h *harness) step(computers ...*Computer) {
	for _, c := range computers {
		c.Prepare()
	}

	h.scanner.Tick(h.ctx)

	for _, c := range computers {
		c.Reconcile(h.ctx)
	}

	for _, c := range computers {
		c.Tick(h.ctx)
	}
}

func storageAndFlashLayout() allocator.Layout {
	layout := allocator.DefaultLayout()
	layout.Groups = []allocator.GroupDefinition{
		{Category: model.CategoryStorage, Slots: 4},
		{Category: model.CategoryFlash, Slots: 1},
	}

	return layout
}

func bootable(t *testing.T, c *Computer) {
	t.Helper()

	require.Nil(t, c.Insert(devices.NewItem(devices.KindMemory, 0), 0))
	require.Nil(t, c.Insert(devices.NewItem(devices.KindHardDrive, 0), 0))
	require.Nil(t, c.Insert(devices.NewItem(devices.KindFlash, 0), 0))
}

func TestStorageAndFlashAddresses(t *testing.T) {
	h := newHarness(0)
	c := h.computer("alpha", storageAndFlashLayout())

	drive := devices.NewItem(devices.KindHardDrive, 0)
	require.Nil(t, c.Insert(drive, 0))
	h.step(c)

	found, ok := c.Node().Controller().Devices()
	require.True(t, ok)
	// clock and energy sensor, then the drive
	assert.Len(t, found, 3)
	assert.Equal(t, drive.ID, found[2].Identity)

	base, ok := c.BaseAddress(drive.ID)
	require.True(t, ok)
	assert.Equal(t, uint64(0x20000000), base)

	flash := devices.NewItem(devices.KindFlash, 0)
	require.Nil(t, c.Insert(flash, 0))
	h.step(c)

	found, ok = c.Node().Controller().Devices()
	require.True(t, ok)
	assert.Len(t, found, 4)

	flashBase, ok := c.BaseAddress(flash.ID)
	require.True(t, ok)
	assert.Equal(t, uint64(0x20004000), flashBase)

	removed, err := c.Remove(model.CategoryStorage, 0)
	require.Nil(t, err)
	assert.Equal(t, drive.ID, removed.ID)
	h.step(c)

	require.Nil(t, c.Insert(removed, 2))
	h.step(c)

	base, ok = c.BaseAddress(drive.ID)
	require.True(t, ok)
	assert.Equal(t, uint64(0x20002000), base)

	again, ok := c.BaseAddress(flash.ID)
	require.True(t, ok)
	assert.Equal(t, flashBase, again)

	assert.Contains(t, h.recorder.busStates(), "ready")
}

func TestInsertErrors(t *testing.T) {
	h := newHarness(0)
	c := h.computer("alpha", storageAndFlashLayout())

	assert.ErrorIs(t, c.Insert(devices.NewItem(devices.KindMemory, 0), 0), allocator.ErrNoGroup)
	assert.ErrorIs(t, c.Insert(devices.NewItem(devices.KindFlash, 0), 1), allocator.ErrSlotOutOfRange)
	assert.ErrorIs(t, c.Insert(&devices.Item{ID: uuid.New(), Kind: "toaster"}, 0), ErrUnknownItem)

	_, err := c.Remove(model.CategoryStorage, 3)
	assert.ErrorIs(t, err, ErrNoItem)
}

func TestStartRunAndInvoke(t *testing.T) {
	h := newHarness(0)
	c := h.computer("alpha", allocator.DefaultLayout())
	bootable(t, c)

	h.step(c)
	require.Nil(t, c.Start(h.ctx))
	h.step(c)

	status := c.Status()
	assert.Equal(t, "running", status.RunState)
	assert.Equal(t, "ready", status.BusState)
	require.Len(t, status.Devices, 5)

	for _, d := range status.Devices {
		assert.Equal(t, "mounted", d.State, d.Category)
	}

	assert.Contains(t, string(c.Machine().Terminal()), "booted")
	assert.Equal(t, int64(1990), c.Pool().Stored())

	var clock uuid.UUID

	for _, d := range c.Describe() {
		if d.TypeNames[0] == "rtc" {
			clock = d.Identity
		}
	}

	require.NotEqual(t, uuid.Nil, clock)

	ticks, err := c.Invoke(clock, "getTicks", nil)
	require.Nil(t, err)
	assert.Equal(t, uint64(2), ticks)

	// built-in devices live in the other region
	base, ok := c.BaseAddress(clock)
	require.True(t, ok)
	assert.GreaterOrEqual(t, base, uint64(allocator.DefaultOtherBase))
}

func TestBlockedFacing(t *testing.T) {
	h := newHarness(0)
	c := h.computer("alpha", allocator.DefaultLayout())

	front := h.scanner.NewElement("front-shelf")
	front.AddDevice(devices.BlockOrigin{Node: "front-shelf", Kind: devices.KindNetworkCard, Key: "lan"},
		devices.NewNetworkCard(model.CategoryCard, h.provider.Hub("lan")))

	back := h.scanner.NewElement("back-shelf")
	back.AddDevice(devices.BlockOrigin{Node: "back-shelf", Kind: devices.KindNetworkCard, Key: "lan"},
		devices.NewNetworkCard(model.CategoryCard, h.provider.Hub("lan")))

	c.Connect(DefaultFacing, bus.Static(front))
	c.Connect("back", bus.Static(back))
	h.step(c)

	found, ok := c.Node().Controller().Devices()
	require.True(t, ok)
	require.Len(t, found, 3)
	assert.Equal(t, back, found[2].Element)

	require.NotNil(t, front.Controller())
	assert.NotEqual(t, c.Node().Controller().ID(), front.Controller().ID())
}

func TestCapacityKeepsLastGoodSet(t *testing.T) {
	h := newHarness(3)
	c := h.computer("alpha", allocator.DefaultLayout())
	require.Nil(t, c.Insert(devices.NewItem(devices.KindMemory, 0), 0))

	h.step(c)
	require.Nil(t, c.Start(h.ctx))
	h.step(c)
	require.Equal(t, model.RunStateRunning, c.Machine().State())

	require.Nil(t, c.Insert(devices.NewItem(devices.KindHardDrive, 0), 0))
	h.step(c)

	status := c.Status()
	assert.Equal(t, "too_many_devices", status.BusState)
	assert.Equal(t, "running", status.RunState)
	assert.Len(t, status.Devices, 3)

	_, ok := c.Node().Controller().Devices()
	assert.False(t, ok)

	guest := c.Machine().Guest().(*vm.CounterGuest)
	steps := guest.Steps()
	h.step(c)
	assert.Equal(t, steps+1, guest.Steps())

	_, err := c.Remove(model.CategoryStorage, 0)
	require.Nil(t, err)
	h.step(c)

	assert.Equal(t, "ready", c.Status().BusState)
	assert.Equal(t, []string{"ready", "too_many_devices", "ready"}, h.recorder.busStates())
}

func TestUnloadAndReload(t *testing.T) {
	h := newHarness(0)
	c := h.computer("alpha", allocator.DefaultLayout())
	bootable(t, c)

	h.step(c)
	require.Nil(t, c.Start(h.ctx))
	h.step(c)
	h.step(c)
	require.Equal(t, model.RunStateRunning, c.Machine().State())

	clock := c.Describe()[0].Identity
	steps := c.Machine().Guest().(*vm.CounterGuest).Steps()
	mounted := c.Machine().Devices().Mounted()

	state, err := c.Unload(h.ctx)
	require.Nil(t, err)
	assert.True(t, c.Unloaded())
	assert.Equal(t, uint8(model.RunStatePaused), state.Machine.RunState)
	assert.Len(t, state.Slots, 3)

	for _, e := range mounted {
		s, _ := c.Machine().Devices().State(e.Identity)
		assert.Equal(t, lifecycle.StateSuspended, s)
	}

	assert.ErrorIs(t, c.Start(h.ctx), ErrUnloaded)

	// ticks of an unloaded computer do nothing
	h.step(c)
	assert.Equal(t, steps, c.Machine().Guest().(*vm.CounterGuest).Steps())

	reloaded := h.computer("alpha", allocator.DefaultLayout())
	require.Nil(t, reloaded.Load(h.ctx, state))
	assert.Equal(t, c.ID(), reloaded.ID())
	assert.Equal(t, model.RunStateLoading, reloaded.Machine().State())

	h.step(reloaded)
	h.step(reloaded)
	require.Equal(t, model.RunStateRunning, reloaded.Machine().State())

	assert.Equal(t, clock, reloaded.Describe()[0].Identity)
	assert.Greater(t, reloaded.Machine().Guest().(*vm.CounterGuest).Steps(), steps)
}

func TestDestroyUnmountsAndExportsItems(t *testing.T) {
	h := newHarness(0)
	c := h.computer("alpha", allocator.DefaultLayout())
	bootable(t, c)

	h.step(c)
	require.Nil(t, c.Start(h.ctx))
	h.step(c)

	mounted := c.Machine().Devices().Mounted()
	require.NotEmpty(t, mounted)

	items := c.Destroy(h.ctx)
	assert.Len(t, items, 3)
	assert.Equal(t, model.RunStateStopped, c.Machine().State())

	for _, e := range mounted {
		s, _ := c.Machine().Devices().State(e.Identity)
		assert.Equal(t, lifecycle.StateUnmounted, s)
	}

	assert.Nil(t, c.Destroy(h.ctx))
}

func TestStorageContentsSurviveRemoval(t *testing.T) {
	h := newHarness(0)
	c := h.computer("alpha", allocator.DefaultLayout())
	bootable(t, c)

	h.step(c)
	require.Nil(t, c.Start(h.ctx))
	h.step(c)

	drive, ok := c.Inventory().Get(model.CategoryStorage, 0)
	require.True(t, ok)

	base, ok := c.BaseAddress(drive.(*devices.Item).ID)
	require.True(t, ok)

	// select sector 0 and write through the buffer window
	require.Nil(t, c.Machine().Write(base+0x200, []byte("persist")))

	removed, err := c.Remove(model.CategoryStorage, 0)
	require.Nil(t, err)
	assert.Equal(t, []byte("persist"), removed.Data[:7])
}

func TestMemoryContentsSurviveUnload(t *testing.T) {
	h := newHarness(0)
	c := h.computer("alpha", allocator.DefaultLayout())
	bootable(t, c)

	h.step(c)
	require.Nil(t, c.Start(h.ctx))
	h.step(c)
	h.step(c)
	require.Equal(t, model.RunStateRunning, c.Machine().State())

	base, ok := c.Machine().MemoryBase()
	require.True(t, ok)

	pattern := []byte{0xde, 0xad, 0xbe, 0xef}
	require.Nil(t, c.Machine().Write(base+0x100, pattern))

	state, err := c.Unload(h.ctx)
	require.Nil(t, err)

	reloaded := h.computer("alpha", allocator.DefaultLayout())
	require.Nil(t, reloaded.Load(h.ctx, state))

	h.step(reloaded)
	h.step(reloaded)
	require.Equal(t, model.RunStateRunning, reloaded.Machine().State())

	base, ok = reloaded.Machine().MemoryBase()
	require.True(t, ok)

	got := make([]byte, len(pattern))
	require.Nil(t, reloaded.Machine().Read(base+0x100, got))
	assert.Equal(t, pattern, got)

	// pulling the stick out does not carry RAM along
	removed, err := reloaded.Remove(model.CategoryMemory, 0)
	require.Nil(t, err)
	assert.Nil(t, removed.Data)
}

func TestInsertRejectsOversizedItems(t *testing.T) {
	h := newHarness(0)
	c := h.computer("alpha", allocator.DefaultLayout())

	assert.NotPanics(t, func() {
		err := c.Insert(devices.NewItem(devices.KindHardDrive, 1<<62), 0)
		assert.ErrorIs(t, err, devices.ErrArgument)
	})

	_, ok := c.Inventory().Get(model.CategoryStorage, 0)
	assert.False(t, ok)

	require.Nil(t, c.Insert(devices.NewItem(devices.KindHardDrive, devices.DefaultMaxItemSize), 0))
}
