// Package world holds everything that lives on the bus: the scanner, the
// computers and the plain nodes between them. It runs the tick in its fixed
// order: scans first, then reconciliation, then machine ticks.
package world

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/metal-toolbox/vmbus/internal/allocator"
	"github.com/metal-toolbox/vmbus/internal/bus"
	"github.com/metal-toolbox/vmbus/internal/computer"
	"github.com/metal-toolbox/vmbus/internal/configuration"
	"github.com/metal-toolbox/vmbus/internal/device"
	"github.com/metal-toolbox/vmbus/internal/devices"
	"github.com/metal-toolbox/vmbus/internal/lifecycle"
	"github.com/metal-toolbox/vmbus/internal/metrics"
	"github.com/metal-toolbox/vmbus/internal/model"
	"github.com/metal-toolbox/vmbus/internal/publish"
	"github.com/metal-toolbox/vmbus/internal/store"
	"github.com/metal-toolbox/vmbus/internal/tasks"
	"github.com/metal-toolbox/vmbus/internal/topology"
	"github.com/metal-toolbox/vmbus/internal/vm"
)

var (
	pkgName = "internal/world"

	ErrUnknownDevice = errors.New("no device for node device kind")
	ErrNotUnloaded   = errors.New("computer is not unloaded")
)

type World struct {
	cfg       *configuration.Configuration
	layout    allocator.Layout
	placement vm.Placement
	logger    *logrus.Entry
	scanner   *bus.Scanner
	provider  *devices.Provider
	publisher publish.Publisher
	fetcher   tasks.Fetcher
	topology  *topology.Topology

	computers map[string]*computer.Computer
	unloaded  map[string]store.Computer
	nodes     map[string]*bus.Element
	tick      uint64
}

// New returns an empty world. fetcher may be nil when no item references a
// remote firmware image.
func New(cfg *configuration.Configuration, publisher publish.Publisher, fetcher tasks.Fetcher,
	logger *logrus.Entry) (*World, error) {
	layout, err := cfg.AllocatorLayout()
	if err != nil {
		return nil, err
	}

	placement, err := cfg.MemoryPlacement()
	if err != nil {
		return nil, err
	}

	return &World{
		cfg:       cfg,
		layout:    layout,
		placement: placement,
		logger:    logger,
		scanner:   bus.NewScanner(bus.Config{MaxDevices: cfg.Bus.MaxDevices}, logger),
		provider:  devices.NewProvider(devices.WithMaxItemSize(cfg.Layout.MaxItemSize)),
		publisher: publisher,
		fetcher:   fetcher,
		topology:  &topology.Topology{},
		computers: map[string]*computer.Computer{},
		unloaded:  map[string]store.Computer{},
		nodes:     map[string]*bus.Element{},
	}, nil
}

// Build creates what topo describes. Computers found in saved are restored
// from it, the others are provisioned from their item list.
func (w *World) Build(ctx context.Context, topo *topology.Topology, saved *store.World) error {
	w.topology = topo

	if saved != nil {
		w.tick = saved.Tick
	}

	for _, spec := range topo.Nodes {
		el := w.scanner.NewElement(spec.Name)

		var restored store.Node
		if saved != nil {
			if n, ok := saved.Node(spec.Name); ok {
				el.Load(n.Identities)
				restored = n
			}
		}

		for i, d := range spec.Devices {
			origin := devices.BlockOrigin{Node: spec.Name, Index: i, Kind: d.Kind, Key: d.Key}
			origin.Data = restored.Data[origin.OriginKey()]

			dev, ok := w.provider.Provide(origin)
			if !ok {
				return errors.Wrapf(ErrUnknownDevice, "%s: %s", spec.Name, d.Kind)
			}

			el.AddDevice(origin, dev)
		}

		w.nodes[spec.Name] = el
	}

	for _, spec := range topo.Computers {
		c := w.newComputer(spec)
		w.computers[spec.Name] = c

		if saved != nil {
			if state, ok := saved.Computer(spec.Name); ok {
				if err := c.Load(ctx, state); err != nil {
					return errors.Wrap(err, spec.Name)
				}

				continue
			}
		}

		runner := tasks.NewTaskRunner(w.publisher, tasks.NewProvisionTask(spec.Items, w.fetcher, spec.Start), w.logger)
		if err := runner.Run(ctx, c); err != nil {
			// the computer stays in the world, operators can fix it up
			w.logger.WithError(err).WithField("computer", spec.Name).Warn("provisioning failed")
		}
	}

	for _, spec := range topo.Nodes {
		w.connect(spec.Name)
	}

	for _, spec := range topo.Computers {
		w.connect(spec.Name)
	}

	w.logger.WithFields(logrus.Fields{
		"computers": len(w.computers),
		"nodes":     len(w.nodes),
		"links":     len(topo.Links),
	}).Info("world built")

	return nil
}

func (w *World) newComputer(spec topology.ComputerSpec) *computer.Computer {
	initial := w.cfg.Energy.Initial
	if spec.Energy != nil {
		initial = *spec.Energy
	}

	cfg := computer.Config{
		Name:           spec.Name,
		Facing:         bus.Direction(spec.Facing),
		Layout:         w.layout,
		EnergyCapacity: w.cfg.Energy.Capacity,
		EnergyInitial:  initial,
		Machine: vm.Config{
			CyclesPerTick: w.cfg.VM.CyclesPerTick,
			EnergyPerTick: w.cfg.Energy.PerTick,
			Placement:     w.placement,
			Lifecycle:     lifecycle.Config{RetryTicks: w.cfg.Lifecycle.MountRetryTicks},
		},
	}

	return computer.New(cfg, w.scanner, w.provider, nil, w.publisher, w.logger)
}

// connect adds the outgoing links of name.
func (w *World) connect(name string) {
	for _, l := range w.topology.LinksFrom(name) {
		link := bus.Link{Direction: bus.Direction(l.Direction), Target: w.resolver(l.To)}

		if c, ok := w.computers[name]; ok {
			c.Connect(link.Direction, link.Target)
			continue
		}

		if el, ok := w.nodes[name]; ok {
			el.AddLink(link)
		}
	}
}

// resolver looks name up again on every scan, so links survive the target
// being unloaded and reloaded.
func (w *World) resolver(name string) bus.Resolver {
	return bus.ResolverFunc(func() (*bus.Element, bool) {
		return w.element(name)
	})
}

func (w *World) element(name string) (*bus.Element, bool) {
	if c, ok := w.computers[name]; ok {
		if c.Unloaded() {
			return nil, false
		}

		return c.Node(), true
	}

	if el, ok := w.nodes[name]; ok && !el.Disposed() {
		return el, true
	}

	return nil, false
}

// rescanNeighbors schedules scans of everything linking to name.
func (w *World) rescanNeighbors(name string) {
	for _, from := range w.topology.LinkedTo(name) {
		if el, ok := w.element(from); ok {
			el.ScheduleScan()
		}
	}
}

// Tick runs one world tick.
func (w *World) Tick(ctx context.Context) {
	began := time.Now()

	ctx, span := otel.Tracer(pkgName).Start(ctx, "world.World.Tick")
	defer span.End()

	names := w.Names()

	for _, name := range names {
		w.computers[name].Prepare()
	}

	updated := w.scanner.Tick(ctx)

	for _, name := range names {
		w.computers[name].Reconcile(ctx)
	}

	for _, name := range names {
		w.computers[name].Tick(ctx)
	}

	w.tick++

	span.SetAttributes(
		attribute.Int64("world.tick", int64(w.tick)),
		attribute.Int("world.scans", len(updated)),
	)

	metrics.TickDuration.Observe(time.Since(began).Seconds())
}

// Ticks is the number of ticks run so far.
func (w *World) Ticks() uint64 {
	return w.tick
}

// Names lists the loaded computers in name order.
func (w *World) Names() []string {
	names := make([]string, 0, len(w.computers))
	for name := range w.computers {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Computer returns the loaded computer called name.
func (w *World) Computer(name string) (*computer.Computer, error) {
	c, ok := w.computers[name]
	if ok {
		return c, nil
	}

	if _, ok := w.unloaded[name]; ok {
		return nil, errors.Wrap(computer.ErrUnloaded, name)
	}

	return nil, errors.Wrap(model.ErrNotFound, "computer "+name)
}

// Node returns the plain node called name.
func (w *World) Node(name string) (*bus.Element, error) {
	el, ok := w.nodes[name]
	if !ok {
		return nil, errors.Wrap(model.ErrNotFound, "node "+name)
	}

	return el, nil
}

// Populate fetches the firmware image of item when it references one. It
// touches nothing but item, so callers run it outside the tick lock.
func (w *World) Populate(ctx context.Context, item *devices.Item) error {
	if w.fetcher == nil {
		return nil
	}

	return w.fetcher.Populate(ctx, item)
}

// Insert puts item into a slot of the named computer. Remote firmware must
// have been fetched with Populate beforehand.
func (w *World) Insert(name string, item *devices.Item, slot int) error {
	c, err := w.Computer(name)
	if err != nil {
		return err
	}

	return c.Insert(item, slot)
}

// Unload takes the computer off the bus as an unloading region would and
// keeps its state for Load.
func (w *World) Unload(ctx context.Context, name string) error {
	c, err := w.Computer(name)
	if err != nil {
		return err
	}

	state, err := c.Unload(ctx)
	if err != nil {
		return err
	}

	delete(w.computers, name)
	w.unloaded[name] = state
	w.rescanNeighbors(name)

	return nil
}

// Load brings an unloaded computer back; a machine that was running
// continues once its devices mounted again.
func (w *World) Load(ctx context.Context, name string) error {
	state, ok := w.unloaded[name]
	if !ok {
		if _, loaded := w.computers[name]; loaded {
			return errors.Wrap(ErrNotUnloaded, name)
		}

		return errors.Wrap(model.ErrNotFound, "computer "+name)
	}

	spec, ok := w.topology.Computer(name)
	if !ok {
		spec = topology.ComputerSpec{Name: name}
	}

	c := w.newComputer(spec)
	if err := c.Load(ctx, state); err != nil {
		return err
	}

	delete(w.unloaded, name)
	w.computers[name] = c

	w.connect(name)
	w.rescanNeighbors(name)

	return nil
}

// Destroy removes a computer for good and returns its items.
func (w *World) Destroy(ctx context.Context, name string) ([]store.Slot, error) {
	if state, ok := w.unloaded[name]; ok {
		delete(w.unloaded, name)
		return state.Slots, nil
	}

	c, err := w.Computer(name)
	if err != nil {
		return nil, err
	}

	items := c.Destroy(ctx)
	delete(w.computers, name)
	w.rescanNeighbors(name)

	return items, nil
}

// Status returns the status of every computer, unloaded ones included.
func (w *World) Status() []*computer.Status {
	var out []*computer.Status

	for _, name := range w.Names() {
		out = append(out, w.computers[name].Status())
	}

	for name, state := range w.unloaded {
		out = append(out, &computer.Status{
			Name:      name,
			ID:        state.ID,
			RunState:  model.RunState(state.Machine.RunState).String(),
			BootError: state.Machine.BootError,
			Energy:    state.Energy,
			Ticks:     state.Ticks,
			Unloaded:  true,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})

	return out
}

// Snapshot returns the persisted form of the world.
func (w *World) Snapshot() (*store.World, error) {
	saved := &store.World{
		Version: store.StateVersion,
		SavedAt: time.Now().UTC(),
		Tick:    w.tick,
	}

	for _, name := range w.Names() {
		state, err := w.computers[name].Save()
		if err != nil {
			return nil, errors.Wrap(err, name)
		}

		saved.Computers = append(saved.Computers, state)
	}

	for _, state := range w.unloaded {
		saved.Computers = append(saved.Computers, state)
	}

	sort.Slice(saved.Computers, func(i, j int) bool {
		return saved.Computers[i].Name < saved.Computers[j].Name
	})

	for _, spec := range w.topology.Nodes {
		if el, ok := w.nodes[spec.Name]; ok {
			saved.Nodes = append(saved.Nodes, store.Node{
				Name:       spec.Name,
				Identities: el.Save(),
				Data:       exportNode(el),
			})
		}
	}

	return saved, nil
}

func exportNode(el *bus.Element) map[string][]byte {
	var out map[string][]byte

	for _, e := range el.Devices() {
		exporter, ok := e.Device.(device.Exporter)
		if !ok {
			continue
		}

		data := exporter.Export()
		if data == nil {
			continue
		}

		if out == nil {
			out = map[string][]byte{}
		}

		out[e.OriginKey()] = data
	}

	return out
}

// Save writes the world to repository.
func (w *World) Save(ctx context.Context, repository store.Repository) error {
	saved, err := w.Snapshot()
	if err != nil {
		return err
	}

	if err := repository.Save(ctx, saved); err != nil {
		return err
	}

	w.logger.WithFields(logrus.Fields{
		"tick":      saved.Tick,
		"computers": len(saved.Computers),
	}).Info("world saved")

	return nil
}

// DeviceReport is one device of a scanned component.
type DeviceReport struct {
	Identity uuid.UUID `yaml:"identity"`
	Category string    `yaml:"category"`
	Node     string    `yaml:"node"`
	Address  *uint64   `yaml:"address,omitempty"`
}

// ComponentReport is the scan result of one connected component.
type ComponentReport struct {
	Controller uuid.UUID      `yaml:"controller"`
	Root       string         `yaml:"root"`
	Computer   string         `yaml:"computer,omitempty"`
	State      string         `yaml:"state"`
	Version    uint64         `yaml:"version"`
	Nodes      int            `yaml:"nodes"`
	Unresolved int            `yaml:"unresolved,omitempty"`
	Devices    []DeviceReport `yaml:"devices,omitempty"`
}

// Scan reports every connected component as of the last tick.
func (w *World) Scan() []ComponentReport {
	var (
		out  []ComponentReport
		seen = map[uuid.UUID]struct{}{}
	)

	report := func(el *bus.Element, host *computer.Computer) {
		ctrl := el.Controller()
		if ctrl == nil {
			return
		}

		if _, ok := seen[ctrl.ID()]; ok {
			return
		}

		seen[ctrl.ID()] = struct{}{}

		r := ComponentReport{
			Controller: ctrl.ID(),
			Root:       ctrl.Root().Name(),
			State:      ctrl.State().String(),
			Version:    ctrl.Version(),
			Nodes:      ctrl.Nodes(),
			Unresolved: ctrl.Unresolved(),
		}

		if host != nil {
			r.Computer = host.Name()
		}

		found, _ := ctrl.Devices()
		for _, e := range found {
			d := DeviceReport{
				Identity: e.Identity,
				Category: e.Device.Category().String(),
				Node:     e.Element.Name(),
			}

			if host != nil {
				if base, ok := host.AssignedAddress(e.Identity); ok {
					d.Address = &base
				}
			}

			r.Devices = append(r.Devices, d)
		}

		out = append(out, r)
	}

	// computers first so a component holding one is reported with it
	for _, name := range w.Names() {
		c := w.computers[name]
		report(c.Node(), c)
	}

	nodes := make([]string, 0, len(w.nodes))
	for name := range w.nodes {
		nodes = append(nodes, name)
	}

	sort.Strings(nodes)

	for _, name := range nodes {
		report(w.nodes[name], nil)
	}

	return out
}
