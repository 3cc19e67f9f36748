// Package topology reads the YAML description of a world: its computers,
// their items, the plain bus nodes and the links between them.
package topology

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/metal-toolbox/vmbus/internal/devices"
)

var ErrTopology = errors.New("topology error")

// ItemSpec is an item placed into a computer slot.
type ItemSpec struct {
	devices.Item `yaml:",inline"`
	Slot         int `yaml:"slot"`
}

type ComputerSpec struct {
	Name string `yaml:"name"`
	// Facing is the side the computer does not scan through.
	Facing string `yaml:"facing,omitempty"`
	// Energy is the initial charge, the configured default when unset.
	Energy *int64 `yaml:"energy,omitempty"`
	// Start boots the machine once the world is built.
	Start bool       `yaml:"start,omitempty"`
	Items []ItemSpec `yaml:"items,omitempty"`
}

// DeviceSpec is a device hosted by a plain node.
type DeviceSpec struct {
	Kind string `yaml:"kind"`
	// Key selects the hub network devices join.
	Key string `yaml:"key,omitempty"`
}

type NodeSpec struct {
	Name    string       `yaml:"name"`
	Devices []DeviceSpec `yaml:"devices,omitempty"`
}

// LinkSpec links From to To in Direction. A Reverse direction adds the link
// back from To to From.
type LinkSpec struct {
	From      string `yaml:"from"`
	To        string `yaml:"to"`
	Direction string `yaml:"direction"`
	Reverse   string `yaml:"reverse,omitempty"`
}

type Topology struct {
	Computers []ComputerSpec `yaml:"computers"`
	Nodes     []NodeSpec     `yaml:"nodes,omitempty"`
	Links     []LinkSpec     `yaml:"links,omitempty"`
}

// Load reads and validates the topology at path.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(ErrTopology, err.Error())
	}

	return Parse(data)
}

// Parse decodes and validates a topology. Items without an id get a fresh one.
func Parse(data []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, errors.Wrap(ErrTopology, "failed to parse YAML: "+err.Error())
	}

	for i := range t.Computers {
		for j := range t.Computers[i].Items {
			if t.Computers[i].Items[j].ID == uuid.Nil {
				t.Computers[i].Items[j].ID = uuid.New()
			}
		}
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}

	return &t, nil
}

// Validate checks names are unique and links reference known names.
func (t *Topology) Validate() error {
	names := map[string]struct{}{}

	add := func(name string) error {
		if name == "" {
			return errors.Wrap(ErrTopology, "empty name")
		}

		if _, ok := names[name]; ok {
			return errors.Wrap(ErrTopology, "duplicate name "+name)
		}

		names[name] = struct{}{}

		return nil
	}

	for _, c := range t.Computers {
		if err := add(c.Name); err != nil {
			return err
		}

		for _, item := range c.Items {
			if _, err := devices.KindCategory(item.Kind); err != nil {
				return errors.Wrap(ErrTopology, fmt.Sprintf("%s: item kind %q", c.Name, item.Kind))
			}
		}
	}

	for _, n := range t.Nodes {
		if err := add(n.Name); err != nil {
			return err
		}
	}

	for _, l := range t.Links {
		if l.Direction == "" {
			return errors.Wrap(ErrTopology, fmt.Sprintf("link %s -> %s has no direction", l.From, l.To))
		}

		for _, name := range []string{l.From, l.To} {
			if _, ok := names[name]; !ok {
				return errors.Wrap(ErrTopology, "link references unknown "+name)
			}
		}
	}

	return nil
}

// Computer returns the description of the computer called name.
func (t *Topology) Computer(name string) (ComputerSpec, bool) {
	for _, c := range t.Computers {
		if c.Name == name {
			return c, true
		}
	}

	return ComputerSpec{}, false
}

// LinksFrom returns the links leaving name, reverse links included.
func (t *Topology) LinksFrom(name string) []LinkSpec {
	var out []LinkSpec

	for _, l := range t.Links {
		if l.From == name {
			out = append(out, l)
		}

		if l.To == name && l.Reverse != "" {
			out = append(out, LinkSpec{From: l.To, To: l.From, Direction: l.Reverse})
		}
	}

	return out
}

// LinkedTo returns the names that have a link towards name.
func (t *Topology) LinkedTo(name string) []string {
	var out []string

	for _, l := range t.Links {
		if l.To == name {
			out = append(out, l.From)
		}

		if l.From == name && l.Reverse != "" {
			out = append(out, l.To)
		}
	}

	return out
}
