package lifecycle

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Status is the published view of one device's lifecycle record.
type Status struct {
	Identity string  `json:"identity" yaml:"identity"`
	Category string  `json:"category" yaml:"category"`
	State    string  `json:"state" yaml:"state"`
	Attempts int     `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	Address  *uint64 `json:"address,omitempty" yaml:"address,omitempty"`
	Error    string  `json:"error,omitempty" yaml:"error,omitempty"`
}

func (s *Status) AsLogFields() []any {
	return []any{
		"identity", s.Identity,
		"category", s.Category,
		"state", s.State,
		"attempts", s.Attempts,
		"error", s.Error,
	}
}

func (s *Status) Fields() logrus.Fields {
	return logrus.Fields{
		"identity": s.Identity,
		"category": s.Category,
		"state":    s.State,
		"attempts": s.Attempts,
	}
}

func (s *Status) Marshal() ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal device status to json")
	}

	return b, nil
}
