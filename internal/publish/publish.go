// Package publish pushes state changes to observers. Delivery is one way and
// best effort: a failed publish is logged and counted, never retried.
package publish

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/metal-toolbox/vmbus/internal/lifecycle"
	"github.com/metal-toolbox/vmbus/internal/metrics"
)

// Kind is the kind of change an event carries.
type Kind string

const (
	KindBusState  Kind = "bus_state"
	KindRunState  Kind = "run_state"
	KindBootError Kind = "boot_error"
	KindTerminal  Kind = "terminal"
	KindDevice    Kind = "device"
	KindTask      Kind = "task"
)

// Event is a single observer notification about one computer.
type Event struct {
	Computer  string            `json:"computer"`
	Kind      Kind              `json:"kind"`
	BusState  string            `json:"bus_state,omitempty"`
	RunState  string            `json:"run_state,omitempty"`
	BootError string            `json:"boot_error,omitempty"`
	Output    string            `json:"output,omitempty"`
	Device    *lifecycle.Status `json:"device,omitempty"`
	Task      json.RawMessage   `json:"task,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

func (e *Event) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal event to json")
	}

	return b, nil
}

func (e *Event) Fields() logrus.Fields {
	fields := logrus.Fields{
		"computer": e.Computer,
		"kind":     string(e.Kind),
	}

	switch e.Kind {
	case KindBusState:
		fields["busState"] = e.BusState
	case KindRunState, KindBootError:
		fields["runState"] = e.RunState
		fields["bootError"] = e.BootError
	case KindTerminal:
		fields["bytes"] = len(e.Output)
	case KindTask:
		fields["task"] = string(e.Task)
	case KindDevice:
		if e.Device != nil {
			for k, v := range e.Device.Fields() {
				fields[k] = v
			}
		}
	}

	return fields
}

// Publisher delivers events to observers.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	Close()
}

// LogPublisher writes events to a logger.
type LogPublisher struct {
	logger *logrus.Entry
}

func NewLogPublisher(logger *logrus.Entry) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, event *Event) error {
	entry := p.logger.WithFields(event.Fields())

	// terminal and device chatter is only interesting when debugging
	if event.Kind == KindTerminal || event.Kind == KindDevice {
		entry.Debug("observer event")
		return nil
	}

	entry.Info("observer event")

	return nil
}

func (p *LogPublisher) Close() {}

// Multi fans an event out to every publisher. Failures are logged and
// counted; the remaining publishers still receive the event.
type Multi struct {
	logger     *logrus.Entry
	publishers map[string]Publisher
	order      []string
}

func NewMulti(logger *logrus.Entry) *Multi {
	return &Multi{logger: logger, publishers: map[string]Publisher{}}
}

// Add registers p under name.
func (m *Multi) Add(name string, p Publisher) {
	if _, ok := m.publishers[name]; !ok {
		m.order = append(m.order, name)
	}

	m.publishers[name] = p
}

func (m *Multi) Publish(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	var failed error

	for _, name := range m.order {
		if err := m.publishers[name].Publish(ctx, event); err != nil {
			metrics.PublishErrors.WithLabelValues(name).Inc()
			m.logger.WithError(err).WithField("publisher", name).Warn("failed to publish event")

			failed = err
		}
	}

	return failed
}

func (m *Multi) Close() {
	for _, name := range m.order {
		m.publishers[name].Close()
	}
}
