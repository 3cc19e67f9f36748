package devices

import (
	"github.com/metal-toolbox/vmbus/internal/device"
	"github.com/metal-toolbox/vmbus/internal/model"
)

const maxQueuedPackets = 32

// Hub connects network endpoints sharing a key. Packets sent by one mounted
// endpoint are delivered to every other mounted endpoint on the hub.
type Hub struct {
	Key       string
	endpoints []*NetworkCard
}

func (h *Hub) attach(c *NetworkCard) {
	for _, e := range h.endpoints {
		if e == c {
			return
		}
	}

	h.endpoints = append(h.endpoints, c)
}

func (h *Hub) detach(c *NetworkCard) {
	for i, e := range h.endpoints {
		if e == c {
			h.endpoints = append(h.endpoints[:i], h.endpoints[i+1:]...)
			return
		}
	}
}

func (h *Hub) broadcast(from *NetworkCard, packet []byte) {
	for _, e := range h.endpoints {
		if e == from {
			continue
		}

		e.enqueue(packet)
	}
}

// NetworkCard is an RPC device. The same type backs network cards and
// network tunnels; only the category differs.
type NetworkCard struct {
	category model.Category
	hub      *Hub
	inbox    [][]byte
	mounted  bool
}

func NewNetworkCard(category model.Category, hub *Hub) *NetworkCard {
	return &NetworkCard{category: category, hub: hub}
}

func (c *NetworkCard) Category() model.Category {
	return c.category
}

func (c *NetworkCard) TypeNames() []string {
	if c.category == model.CategoryNetworkTunnel {
		return []string{"network_tunnel"}
	}

	return []string{"network_card"}
}

func (c *NetworkCard) Methods() []device.Method {
	return []device.Method{
		{
			Name:        "send",
			Description: "sends a packet to every other endpoint on the hub",
			Invoke:      c.send,
		},
		{
			Name:        "receive",
			Description: "returns the oldest queued packet or nil",
			Invoke:      c.receive,
		},
		{
			Name:        "pending",
			Description: "returns the number of queued packets",
			Invoke: func(_ []any) (any, error) {
				return len(c.inbox), nil
			},
		},
	}
}

func (c *NetworkCard) Mount(_ device.MountContext) error {
	if c.hub != nil {
		c.hub.attach(c)
	}

	c.mounted = true

	return nil
}

func (c *NetworkCard) Unmount() {
	if c.hub != nil {
		c.hub.detach(c)
	}

	c.mounted = false
	c.inbox = nil
}

// Suspend drops queued packets, they are not persisted.
func (c *NetworkCard) Suspend() {
	if c.hub != nil {
		c.hub.detach(c)
	}

	c.inbox = nil
}

func (c *NetworkCard) enqueue(packet []byte) {
	if !c.mounted || len(c.inbox) >= maxQueuedPackets {
		return
	}

	c.inbox = append(c.inbox, packet)
}

func (c *NetworkCard) send(args []any) (any, error) {
	if !c.mounted {
		return nil, ErrNotMounted
	}

	if len(args) != 1 {
		return nil, ErrArgument
	}

	var packet []byte

	switch v := args[0].(type) {
	case string:
		packet = []byte(v)
	case []byte:
		packet = append([]byte(nil), v...)
	default:
		return nil, ErrArgument
	}

	if len(packet) == 0 {
		return nil, ErrEmptyPayload
	}

	if c.hub != nil {
		c.hub.broadcast(c, packet)
	}

	return true, nil
}

func (c *NetworkCard) receive(_ []any) (any, error) {
	if len(c.inbox) == 0 {
		return nil, nil
	}

	packet := c.inbox[0]
	c.inbox = c.inbox[1:]

	return packet, nil
}
