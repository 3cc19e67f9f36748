package configuration

import (
	"os"
	"strings"
	"time"

	"github.com/jeremywohl/flatten"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/metal-toolbox/vmbus/internal/allocator"
	"github.com/metal-toolbox/vmbus/internal/bus"
	"github.com/metal-toolbox/vmbus/internal/devices"
	"github.com/metal-toolbox/vmbus/internal/energy"
	"github.com/metal-toolbox/vmbus/internal/lifecycle"
	"github.com/metal-toolbox/vmbus/internal/model"
	"github.com/metal-toolbox/vmbus/internal/vm"
)

const (
	StoreKindMemory = "memory"
	StoreKindFile   = "file"
)

var (
	defaultTickRate           = 50 * time.Millisecond
	defaultNatsConnectTimeout = 100 * time.Millisecond
	defaultFirmwareTimeout    = 10 * time.Second
	defaultFirmwareRetries    = 3
	defaultFirmwareMaxSize    = int64(allocator.DefaultItemStride)
)

// NatsConfig holds NATS specific configuration. An empty URL disables the
// NATS publisher.
type NatsConfig struct {
	NatsURL        string        `mapstructure:"url"`
	CredsFile      string        `mapstructure:"creds_file"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	SubjectPrefix  string        `mapstructure:"subject_prefix"`
}

func newNatsConfig() *NatsConfig {
	return &NatsConfig{
		ConnectTimeout: defaultNatsConnectTimeout,
		SubjectPrefix:  model.AppSubject,
	}
}

type BusConfig struct {
	MaxDevices int `mapstructure:"max_devices"`
}

type EnergyConfig struct {
	Capacity int64 `mapstructure:"capacity"`
	// PerTick is withdrawn for every guest step, zero turns energy gating off.
	PerTick int64 `mapstructure:"per_tick"`
	Initial int64 `mapstructure:"initial"`
}

type LifecycleConfig struct {
	MountRetryTicks uint64 `mapstructure:"mount_retry_ticks"`
}

type GroupConfig struct {
	Category string `mapstructure:"category"`
	Slots    int    `mapstructure:"slots"`
}

type LayoutConfig struct {
	ItemBase    uint64        `mapstructure:"item_base"`
	ItemStride  uint64        `mapstructure:"item_stride"`
	OtherBase   uint64        `mapstructure:"other_base"`
	OtherStride uint64        `mapstructure:"other_stride"`
	Unaddressed []string      `mapstructure:"unaddressed"`
	Groups      []GroupConfig `mapstructure:"groups"`
	// MaxItemSize bounds the size and payload of a single item.
	MaxItemSize uint64        `mapstructure:"max_item_size"`
}

type MemoryConfig struct {
	Placement string `mapstructure:"placement"`
	Base      uint64 `mapstructure:"base"`
	Limit     uint64 `mapstructure:"limit"`
}

type VMConfig struct {
	CyclesPerTick int `mapstructure:"cycles_per_tick"`
}

type StoreConfig struct {
	// Kind is one of memory, file.
	Kind string `mapstructure:"kind"`
	Path string `mapstructure:"path"`
}

type FirmwareConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
	MaxSize int64         `mapstructure:"max_size"`
}

// Configuration holds application configuration read from a YAML or set by env variables.
// nolint:govet // prefer readability over field alignment optimization for this case.
type Configuration struct {
	// LogLevel is the app verbose logging level.
	// one of - info, debug, trace
	LogLevel string `mapstructure:"log_level"`

	EnableProfiling bool `mapstructure:"enable_profiling"`

	// MetricsEndpoint is the listen address of the prometheus endpoint.
	MetricsEndpoint string `mapstructure:"metrics"`

	// TickRate is the wall clock duration of one world tick.
	TickRate time.Duration `mapstructure:"tick_rate"`

	// Topology is the path of the YAML world description.
	Topology string `mapstructure:"topology"`

	Bus       *BusConfig       `mapstructure:"bus"`
	Energy    *EnergyConfig    `mapstructure:"energy"`
	Lifecycle *LifecycleConfig `mapstructure:"lifecycle"`
	Layout    *LayoutConfig    `mapstructure:"layout"`
	Memory    *MemoryConfig    `mapstructure:"memory"`
	VM        *VMConfig        `mapstructure:"vm"`
	Store     *StoreConfig     `mapstructure:"store"`
	Firmware  *FirmwareConfig  `mapstructure:"firmware"`

	// NatsConfig defines the NATs events broker configuration parameters.
	NatsConfig *NatsConfig `mapstructure:"nats"`
}

// New creates a configuration holding the defaults.
func New() *Configuration {
	layout := allocator.DefaultLayout()

	config := &Configuration{
		LogLevel: "info",
		TickRate: defaultTickRate,
		Bus:      &BusConfig{MaxDevices: bus.DefaultMaxDevices},
		Energy: &EnergyConfig{
			Capacity: energy.DefaultCapacity,
			PerTick:  energy.DefaultPerTick,
			Initial:  energy.DefaultCapacity,
		},
		Lifecycle: &LifecycleConfig{MountRetryTicks: lifecycle.DefaultRetryTicks},
		Layout: &LayoutConfig{
			ItemBase:    layout.ItemBase,
			ItemStride:  layout.ItemStride,
			OtherBase:   layout.OtherBase,
			OtherStride: layout.OtherStride,
			MaxItemSize: devices.DefaultMaxItemSize,
		},
		Memory: &MemoryConfig{
			Placement: vm.PlacementContiguous,
			Base:      vm.DefaultMemoryBase,
			Limit:     vm.DefaultMemoryLimit,
		},
		VM:    &VMConfig{CyclesPerTick: vm.DefaultCyclesPerTick},
		Store: &StoreConfig{Kind: StoreKindMemory},
		Firmware: &FirmwareConfig{
			Timeout: defaultFirmwareTimeout,
			Retries: defaultFirmwareRetries,
			MaxSize: defaultFirmwareMaxSize,
		},
		// these are initialized here so viper can read in configuration from env vars
		// once https://github.com/spf13/viper/pull/1429 is merged, this can go.
		NatsConfig: newNatsConfig(),
	}

	return config
}

// applyLayoutDefaults fills the list settings of the layout. They are not
// part of New since decoding merges into slices instead of replacing them.
func (c *Configuration) applyLayoutDefaults() {
	layout := allocator.DefaultLayout()

	if c.Layout.Unaddressed == nil {
		for _, category := range layout.Unaddressed {
			c.Layout.Unaddressed = append(c.Layout.Unaddressed, category.String())
		}
	}

	if len(c.Layout.Groups) == 0 {
		for _, g := range layout.Groups {
			c.Layout.Groups = append(c.Layout.Groups, GroupConfig{Category: g.Category.String(), Slots: g.Slots})
		}
	}
}

func (c *Configuration) AsLogFields() []any {
	return []any{
		"logLevel", c.LogLevel,
		"tickRate", c.TickRate.String(),
		"topology", c.Topology,
		"maxDevices", c.Bus.MaxDevices,
		"energyPerTick", c.Energy.PerTick,
		"memoryPlacement", c.Memory.Placement,
		"storeKind", c.Store.Kind,
		"natsURL", c.NatsConfig.NatsURL,
		"enableProfiling", c.EnableProfiling,
	}
}

// LoadArgs applies CLI flags; they win over file and environment.
func (c *Configuration) LoadArgs(args *model.Args) {
	if args.LogLevel != "" {
		c.LogLevel = args.LogLevel
	}

	if args.TopologyFile != "" {
		c.Topology = args.TopologyFile
	}

	if args.EnableProfiling {
		c.EnableProfiling = true
	}
}

// AllocatorLayout converts the layout section into an allocator layout.
func (c *Configuration) AllocatorLayout() (allocator.Layout, error) {
	c.applyLayoutDefaults()

	layout := allocator.Layout{
		ItemBase:    c.Layout.ItemBase,
		ItemStride:  c.Layout.ItemStride,
		OtherBase:   c.Layout.OtherBase,
		OtherStride: c.Layout.OtherStride,
	}

	for _, name := range c.Layout.Unaddressed {
		category, err := model.CategoryFromString(name)
		if err != nil {
			return allocator.Layout{}, errors.Wrap(model.ErrConfig, "layout.unaddressed: "+name)
		}

		layout.Unaddressed = append(layout.Unaddressed, category)
	}

	for _, g := range c.Layout.Groups {
		category, err := model.CategoryFromString(g.Category)
		if err != nil {
			return allocator.Layout{}, errors.Wrap(model.ErrConfig, "layout.groups: "+g.Category)
		}

		layout.Groups = append(layout.Groups, allocator.GroupDefinition{Category: category, Slots: g.Slots})
	}

	if err := layout.Validate(); err != nil {
		return allocator.Layout{}, err
	}

	return layout, nil
}

// MemoryPlacement returns the configured primary memory placement policy.
func (c *Configuration) MemoryPlacement() (vm.Placement, error) {
	return vm.NewPlacement(c.Memory.Placement, c.Memory.Base, c.Memory.Limit)
}

// Validate checks the sections that cannot be checked by decoding alone.
func (c *Configuration) Validate() error {
	if c.TickRate <= 0 {
		return errors.Wrap(model.ErrConfig, "tick_rate must be positive")
	}

	if c.Energy.Capacity < 0 || c.Energy.PerTick < 0 {
		return errors.Wrap(model.ErrConfig, "energy values must not be negative")
	}

	switch c.Store.Kind {
	case StoreKindMemory:
	case StoreKindFile:
		if c.Store.Path == "" {
			return errors.Wrap(model.ErrConfig, "store.path is required for the file store")
		}
	default:
		return errors.Wrap(model.ErrConfig, "unknown store.kind: "+c.Store.Kind)
	}

	if _, err := c.AllocatorLayout(); err != nil {
		return err
	}

	if _, err := c.MemoryPlacement(); err != nil {
		return err
	}

	return nil
}

// Load the application configuration
// Reads in the configFile when available and overrides from environment variables.
func Load(args *model.Args) (*Configuration, error) {
	viperConfig := viper.New()
	viperConfig.SetConfigType("yaml")
	viperConfig.SetEnvPrefix(model.AppName)
	viperConfig.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viperConfig.AutomaticEnv()

	if args.ConfigFile != "" {
		fh, err := os.Open(args.ConfigFile)
		if err != nil {
			return nil, errors.Wrap(model.ErrConfig, err.Error())
		}
		defer fh.Close()

		if err = viperConfig.ReadConfig(fh); err != nil {
			return nil, errors.Wrap(model.ErrConfig, "ReadConfig error: "+err.Error())
		}
	}

	config := New()

	if err := config.envBindVars(viperConfig); err != nil {
		return nil, errors.Wrap(model.ErrConfig, "env var bind error: "+err.Error())
	}

	if err := viperConfig.Unmarshal(config); err != nil {
		return nil, errors.Wrap(model.ErrConfig, "Unmarshal error: "+err.Error())
	}

	config.applyLayoutDefaults()
	config.envVarAppOverrides(viperConfig)
	config.envVarNatsOverrides(viperConfig)
	config.LoadArgs(args)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Configuration) envVarAppOverrides(viperConfig *viper.Viper) {
	logLevel := viperConfig.GetString("log.level")
	if logLevel != "" {
		c.LogLevel = logLevel
	}
}

// envBindVars binds environment variables to the struct
// without a configuration file being unmarshalled,
// this is a workaround for a viper bug,
//
// This can be replaced by the solution in https://github.com/spf13/viper/pull/1429
// once that PR is merged.
func (c *Configuration) envBindVars(viperConfig *viper.Viper) error {
	envKeysMap := map[string]interface{}{}
	if err := mapstructure.Decode(c, &envKeysMap); err != nil {
		return err
	}

	// Flatten nested conf map
	flat, err := flatten.Flatten(envKeysMap, "", flatten.DotStyle)
	if err != nil {
		return errors.Wrap(err, "Unable to flatten configuration")
	}

	for k := range flat {
		if err := viperConfig.BindEnv(k); err != nil {
			return errors.Wrap(model.ErrConfig, "env var bind error: "+err.Error())
		}
	}

	return nil
}

func (c *Configuration) envVarNatsOverrides(viperConfig *viper.Viper) {
	if c.NatsConfig == nil {
		c.NatsConfig = newNatsConfig()
	}

	if viperConfig.GetString("nats.url") != "" {
		c.NatsConfig.NatsURL = viperConfig.GetString("nats.url")
	}

	if viperConfig.GetString("nats.creds.file") != "" {
		c.NatsConfig.CredsFile = viperConfig.GetString("nats.creds.file")
	}

	if viperConfig.GetDuration("nats.connect.timeout") != 0 {
		c.NatsConfig.ConnectTimeout = viperConfig.GetDuration("nats.connect.timeout")
	}
}
