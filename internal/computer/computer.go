// Package computer is the host of one machine. It owns the machine's bus
// node, the item slots feeding devices into the bus, the energy pool and the
// machine itself, and turns what the bus reports into machine device sets.
package computer

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/metal-toolbox/vmbus/internal/allocator"
	"github.com/metal-toolbox/vmbus/internal/bus"
	"github.com/metal-toolbox/vmbus/internal/device"
	"github.com/metal-toolbox/vmbus/internal/devices"
	"github.com/metal-toolbox/vmbus/internal/energy"
	"github.com/metal-toolbox/vmbus/internal/lifecycle"
	"github.com/metal-toolbox/vmbus/internal/metrics"
	"github.com/metal-toolbox/vmbus/internal/model"
	"github.com/metal-toolbox/vmbus/internal/publish"
	"github.com/metal-toolbox/vmbus/internal/store"
	"github.com/metal-toolbox/vmbus/internal/vm"
)

const (
	// DirectionItems links the computer node to its item node.
	DirectionItems bus.Direction = "items"
	// DirectionHost links the item node back to the computer node.
	DirectionHost bus.Direction = "host"
	// DefaultFacing is the side a computer refuses to scan through.
	DefaultFacing bus.Direction = "front"
)

type Config struct {
	Name           string
	Facing         bus.Direction
	Layout         allocator.Layout
	EnergyCapacity int64
	EnergyInitial  int64
	Machine        vm.Config
}

// builtinOrigin backs the devices every computer carries on its own node.
type builtinOrigin string

func (b builtinOrigin) OriginKey() string {
	return "builtin:" + string(b)
}

const (
	originClock  builtinOrigin = "rtc"
	originSensor builtinOrigin = "energy_sensor"
)

// seen is the last bus observation handed to the machine.
type seen struct {
	controller uuid.UUID
	version    uint64
	state      bus.State
	valid      bool
}

type Computer struct {
	cfg      Config
	id       uuid.UUID
	logger   *logrus.Entry
	provider device.Provider
	observer *publish.Observer

	node      *bus.Element
	items     *bus.Element
	inventory *allocator.Inventory
	allocator *allocator.Allocator
	pool      *energy.Pool
	machine   *vm.Machine

	itemDevices map[string]device.Device
	entries     map[uuid.UUID]bus.Entry
	last        seen
	ticks       uint64
	ownDevices  bool
	unloaded    bool
}

// New creates a computer with its nodes on scanner. guest may be nil, in
// which case a counter guest is used.
func New(cfg Config, scanner *bus.Scanner, provider device.Provider, guest vm.Guest,
	publisher publish.Publisher, logger *logrus.Entry) *Computer {
	if cfg.Facing == "" {
		cfg.Facing = DefaultFacing
	}

	if guest == nil {
		guest = vm.NewCounterGuest()
	}

	cfg.Machine.Name = cfg.Name

	c := &Computer{
		cfg:         cfg,
		id:          uuid.New(),
		logger:      logger.WithField("computer", cfg.Name),
		provider:    provider,
		observer:    publish.NewObserver(cfg.Name, publisher),
		inventory:   allocator.NewInventory(cfg.Layout),
		pool:        energy.NewPool(cfg.EnergyCapacity, cfg.EnergyInitial),
		itemDevices: map[string]device.Device{},
		entries:     map[uuid.UUID]bus.Entry{},
	}

	c.allocator = allocator.New(c.inventory)

	c.node = scanner.NewElement(cfg.Name, bus.Exclusive(), bus.BlockTowards(cfg.Facing))
	c.items = scanner.NewElement(cfg.Name + "/items")
	c.node.AddLink(bus.Link{Direction: DirectionItems, Target: bus.Static(c.items)})
	c.items.AddLink(bus.Link{Direction: DirectionHost, Target: bus.Static(c.node)})

	c.machine = vm.NewMachine(cfg.Machine, c.pool, c, guest, c.observer, c.observer, c.logger)

	return c
}

func (c *Computer) Name() string {
	return c.cfg.Name
}

func (c *Computer) ID() uuid.UUID {
	return c.id
}

// Node is the computer's own bus node.
func (c *Computer) Node() *bus.Element {
	return c.node
}

func (c *Computer) Machine() *vm.Machine {
	return c.machine
}

func (c *Computer) Pool() *energy.Pool {
	return c.pool
}

func (c *Computer) Inventory() *allocator.Inventory {
	return c.inventory
}

func (c *Computer) Unloaded() bool {
	return c.unloaded
}

// Ticks is the number of ticks the computer has been alive for.
func (c *Computer) Ticks() uint64 {
	return c.ticks
}

// Connect links the computer node to a neighbor in dir.
func (c *Computer) Connect(dir bus.Direction, target bus.Resolver) {
	c.node.AddLink(bus.Link{Direction: dir, Target: target})
}

// Disconnect drops the neighbor links in dir.
func (c *Computer) Disconnect(dir bus.Direction) {
	c.node.RemoveLinks(dir)
}

// Prepare runs before the bus scan of a tick. The built-in devices are
// attached on the first one.
func (c *Computer) Prepare() {
	if c.unloaded || c.ownDevices {
		return
	}

	c.ownDevices = true

	c.node.AddDevice(originClock, devices.NewRealTimeClock(c.Ticks))
	c.node.AddDevice(originSensor, devices.NewEnergySensor(func() (int64, int64) {
		return c.pool.Stored(), c.pool.Capacity()
	}))
}

// Reconcile hands the result of the latest scan to the machine and runs
// the machine's lifecycle step.
func (c *Computer) Reconcile(ctx context.Context) {
	if c.unloaded {
		return
	}

	c.observe(ctx)
	c.machine.Reconcile(ctx)
}

// Tick advances the machine.
func (c *Computer) Tick(ctx context.Context) {
	if c.unloaded {
		return
	}

	c.ticks++
	c.machine.Tick(ctx)
}

func (c *Computer) observe(ctx context.Context) {
	now := seen{state: bus.StateScanning, valid: true}

	ctrl := c.node.Controller()
	if ctrl != nil {
		now.controller = ctrl.ID()
		now.version = ctrl.Version()
		now.state = ctrl.State()
	}

	if now == c.last {
		return
	}

	previous := c.last
	c.last = now

	if !previous.valid || previous.state != now.state {
		c.logger.WithField("busState", now.state.String()).Debug("bus state changed")
		c.observer.BusStateChanged(ctx, now.state.String())
	}

	if ctrl == nil || now.state != bus.StateReady {
		c.machine.SetDevices(ctx, nil, false)
		return
	}

	found, ok := ctrl.Devices()
	if !ok {
		c.machine.SetDevices(ctx, nil, false)
		return
	}

	entries := make([]lifecycle.Entry, 0, len(found))
	keep := make(map[uuid.UUID]struct{}, len(found))
	c.entries = make(map[uuid.UUID]bus.Entry, len(found))

	for _, e := range found {
		entries = append(entries, lifecycle.Entry{Identity: e.Identity, Device: e.Device})
		keep[e.Identity] = struct{}{}
		c.entries[e.Identity] = e
	}

	c.allocator.Retain(keep)
	c.machine.SetDevices(ctx, entries, true)

	metrics.BusDevices.WithLabelValues(c.cfg.Name).Set(float64(len(entries)))
}

// BaseAddress implements vm.Addresser. Devices in the item slots are
// addressed by their slot; everything else gets an address in the other
// region.
func (c *Computer) BaseAddress(id uuid.UUID) (uint64, bool) {
	e, ok := c.entries[id]
	if !ok {
		return 0, false
	}

	return c.allocator.BaseAddress(c.request(id, e))
}

// AssignedAddress reports the address id holds right now. Unlike
// BaseAddress it never hands out a new other-region slot.
func (c *Computer) AssignedAddress(id uuid.UUID) (uint64, bool) {
	e, ok := c.entries[id]
	if !ok {
		return 0, false
	}

	return c.allocator.Lookup(c.request(id, e))
}

func (c *Computer) request(id uuid.UUID, e bus.Entry) allocator.Request {
	req := allocator.Request{Identity: id, Category: e.Device.Category()}
	if e.Element == c.items {
		req.OriginKey = e.OriginKey()
	}

	return req
}

// Start boots the machine as soon as every device is mounted.
func (c *Computer) Start(ctx context.Context) error {
	if c.unloaded {
		return ErrUnloaded
	}

	return c.machine.Start(ctx)
}

// Stop unmounts every device and stops the machine.
func (c *Computer) Stop(ctx context.Context) error {
	if c.unloaded {
		return ErrUnloaded
	}

	c.machine.Stop(ctx)

	return nil
}

// Resume continues a machine paused by an unload.
func (c *Computer) Resume(ctx context.Context) error {
	if c.unloaded {
		return ErrUnloaded
	}

	c.machine.Resume(ctx)

	return nil
}

// Charge adds energy to the pool and returns the amount accepted.
func (c *Computer) Charge(amount int64) int64 {
	accepted := c.pool.Insert(amount)
	metrics.EnergyStored.WithLabelValues(c.cfg.Name).Set(float64(c.pool.Stored()))

	return accepted
}

// Insert puts item into slot of its category group and attaches its device
// to the bus.
func (c *Computer) Insert(item *devices.Item, slot int) error {
	if c.unloaded {
		return ErrUnloaded
	}

	if v, ok := c.provider.(device.Validator); ok {
		if err := v.Validate(item); err != nil {
			return err
		}
	}

	dev, ok := c.provider.Provide(item)
	if !ok {
		return errors.Wrap(ErrUnknownItem, item.Kind)
	}

	if err := c.inventory.Insert(item.Category(), slot, item); err != nil {
		return errors.Wrap(err, fmt.Sprintf("%s slot %d", item.Category(), slot))
	}

	c.items.AddDevice(item, dev)
	c.itemDevices[item.OriginKey()] = dev

	c.logger.WithFields(logrus.Fields{
		"item":     item.String(),
		"category": item.Category().String(),
		"slot":     slot,
	}).Info("item inserted")

	return nil
}

// Remove takes the item out of slot. Device data is exported back into the
// item before it is returned.
func (c *Computer) Remove(category model.Category, slot int) (*devices.Item, error) {
	if c.unloaded {
		return nil, ErrUnloaded
	}

	removed, ok := c.inventory.Remove(category, slot)
	if !ok {
		return nil, errors.Wrap(ErrNoItem, fmt.Sprintf("%s slot %d", category, slot))
	}

	item := removed.(*devices.Item)
	key := item.OriginKey()

	switch exporter, ok := c.itemDevices[key].(device.Exporter); {
	case item.Category() == model.CategoryMemory:
		// RAM does not travel with the stick
		item.Data = nil
	case ok:
		item.Data = exporter.Export()
	}

	delete(c.itemDevices, key)
	c.items.RemoveDevice(item)

	c.logger.WithFields(logrus.Fields{
		"item":     item.String(),
		"category": category.String(),
		"slot":     slot,
	}).Info("item removed")

	return item, nil
}

// ExportItems returns the occupied slots with device data exported into
// copies of their items.
func (c *Computer) ExportItems() []store.Slot {
	var out []store.Slot

	for _, s := range c.inventory.Items() {
		item := *s.Item.(*devices.Item)

		if exporter, ok := c.itemDevices[item.OriginKey()].(device.Exporter); ok {
			item.Data = exporter.Export()
		} else if item.Data != nil {
			item.Data = append([]byte(nil), item.Data...)
		}

		out = append(out, store.Slot{Category: s.Category.String(), Slot: s.Slot, Item: item})
	}

	return out
}

// Unload takes the computer out of the world the way an unloading region
// does: the machine is suspended and disposed, and the bus nodes leave so
// neighboring components rescan. The returned state restores it with Load.
func (c *Computer) Unload(ctx context.Context) (store.Computer, error) {
	if c.unloaded {
		return store.Computer{}, ErrUnloaded
	}

	c.machine.Suspend(ctx)

	state, err := c.Save()
	if err != nil {
		return store.Computer{}, err
	}

	c.dispose()
	c.logger.Info("computer unloaded")

	return state, nil
}

// Destroy removes the computer for good. Unlike Unload every device is
// unmounted. The items are returned with their data exported.
func (c *Computer) Destroy(ctx context.Context) []store.Slot {
	if c.unloaded {
		return nil
	}

	c.machine.Stop(ctx)

	items := c.ExportItems()

	c.dispose()
	c.logger.Info("computer destroyed")

	return items
}

func (c *Computer) dispose() {
	c.machine.Dispose()
	c.items.Dispose()
	c.node.Dispose()
	c.unloaded = true
}

// Save returns the persisted computer state.
func (c *Computer) Save() (store.Computer, error) {
	machine, err := c.machine.Save()
	if err != nil {
		return store.Computer{}, errors.Wrap(ErrState, err.Error())
	}

	return store.Computer{
		Name:           c.cfg.Name,
		ID:             c.id.String(),
		Identities:     c.node.Save(),
		ItemIdentities: c.items.Save(),
		Slots:          c.ExportItems(),
		Machine:        machine,
		Energy:         c.pool.Save(),
		Ticks:          c.ticks,
	}, nil
}

// Load restores a saved computer into a freshly created one, before its
// first tick. A machine that was paused by an unload resumes.
func (c *Computer) Load(ctx context.Context, state store.Computer) error {
	if c.unloaded {
		return ErrUnloaded
	}

	if state.ID != "" {
		id, err := uuid.Parse(state.ID)
		if err != nil {
			return errors.Wrap(ErrState, err.Error())
		}

		c.id = id
	}

	c.node.Load(state.Identities)
	c.items.Load(state.ItemIdentities)

	for i := range state.Slots {
		s := state.Slots[i]

		category, err := model.CategoryFromString(s.Category)
		if err != nil {
			return errors.Wrap(ErrState, err.Error())
		}

		item := s.Item
		if item.Category() != category {
			return errors.Wrap(ErrState, fmt.Sprintf("%s saved in %s slot", item.Kind, category))
		}

		if err := c.Insert(&item, s.Slot); err != nil {
			return errors.Wrap(ErrState, err.Error())
		}
	}

	if err := c.machine.Load(state.Machine); err != nil {
		return errors.Wrap(ErrState, err.Error())
	}

	c.pool.Load(state.Energy)
	c.ticks = state.Ticks

	if c.machine.State() == model.RunStatePaused {
		c.machine.Resume(ctx)
	}

	return nil
}

// Status is a snapshot of the computer for operators.
type Status struct {
	Name      string              `yaml:"name" json:"name"`
	ID        string              `yaml:"id" json:"id"`
	RunState  string              `yaml:"run_state" json:"run_state"`
	BootError string              `yaml:"boot_error,omitempty" json:"boot_error,omitempty"`
	BusState  string              `yaml:"bus_state" json:"bus_state"`
	Energy    int64               `yaml:"energy" json:"energy"`
	Capacity  int64               `yaml:"capacity" json:"capacity"`
	Ticks     uint64              `yaml:"ticks" json:"ticks"`
	Devices   []*lifecycle.Status `yaml:"devices,omitempty" json:"devices,omitempty"`
	Unloaded  bool                `yaml:"unloaded,omitempty" json:"unloaded,omitempty"`
}

func (c *Computer) Status() *Status {
	return &Status{
		Name:      c.cfg.Name,
		ID:        c.id.String(),
		RunState:  c.machine.State().String(),
		BootError: c.machine.BootError(),
		BusState:  c.last.state.String(),
		Energy:    c.pool.Stored(),
		Capacity:  c.pool.Capacity(),
		Ticks:     c.ticks,
		Devices:   c.machine.Devices().Statuses(),
		Unloaded:  c.unloaded,
	}
}

// Invoke calls an RPC method on a mounted device.
func (c *Computer) Invoke(id uuid.UUID, method string, args []any) (any, error) {
	if c.unloaded {
		return nil, ErrUnloaded
	}

	return c.machine.Invoke(id, method, args)
}

// Describe lists the mounted RPC devices.
func (c *Computer) Describe() []vm.Descriptor {
	return c.machine.Describe()
}
