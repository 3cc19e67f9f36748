package devices

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/metal-toolbox/vmbus/internal/device"
	"github.com/metal-toolbox/vmbus/internal/model"
)

// DefaultMaxItemSize bounds the backing buffer any single item may ask for.
const DefaultMaxItemSize uint64 = 64 << 20

// Provider builds devices for items and node-hosted origins.
//
// The same origin always yields a device of the same kind; a fresh device
// instance is created per call, carrying the origin's persisted data.
type Provider struct {
	hubs        map[string]*Hub
	maxItemSize uint64
}

type ProviderOption func(*Provider)

// WithMaxItemSize overrides DefaultMaxItemSize, zero keeps the default.
func WithMaxItemSize(size uint64) ProviderOption {
	return func(p *Provider) {
		if size > 0 {
			p.maxItemSize = size
		}
	}
}

func NewProvider(opts ...ProviderOption) *Provider {
	p := &Provider{hubs: map[string]*Hub{}, maxItemSize: DefaultMaxItemSize}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Hub returns the network hub for key, creating it on first use.
func (p *Provider) Hub(key string) *Hub {
	hub, ok := p.hubs[key]
	if !ok {
		hub = &Hub{Key: key}
		p.hubs[key] = hub
	}

	return hub
}

// Validate reports why origin cannot be turned into a device. Item sizes
// and payloads above the configured maximum are rejected so no device ever
// tries to allocate them.
func (p *Provider) Validate(origin device.Origin) error {
	item, ok := origin.(*Item)
	if !ok || item == nil {
		return nil
	}

	if item.Size > p.maxItemSize {
		return errors.Wrap(ErrArgument, fmt.Sprintf("%s size 0x%x exceeds 0x%x", item.Kind, item.Size, p.maxItemSize))
	}

	if uint64(len(item.Data)) > p.maxItemSize {
		return errors.Wrap(ErrArgument, fmt.Sprintf("%s data exceeds 0x%x bytes", item.Kind, p.maxItemSize))
	}

	return nil
}

func (p *Provider) Provide(origin device.Origin) (device.Device, bool) {
	if p.Validate(origin) != nil {
		return nil, false
	}

	switch o := origin.(type) {
	case *Item:
		if o == nil {
			return nil, false
		}

		return p.build(o.Kind, o, string(o.Data))
	case BlockOrigin:
		return p.build(o.Kind, &Item{Kind: o.Kind, Data: o.Data}, o.Key)
	default:
		return nil, false
	}
}

func (p *Provider) build(kind string, item *Item, key string) (device.Device, bool) {
	switch kind {
	case KindMemory:
		return NewMemoryFromItem(item), true
	case KindHardDrive, model.CategoryStorageStr:
		return NewStorage(item), true
	case KindFlash:
		return NewFlash(item), true
	case KindNetworkCard:
		return NewNetworkCard(model.CategoryCard, p.Hub(key)), true
	case KindNetworkTunnel:
		return NewNetworkCard(model.CategoryNetworkTunnel, p.Hub(key)), true
	default:
		return nil, false
	}
}
