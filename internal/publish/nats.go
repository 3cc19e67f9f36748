package publish

import (
	"context"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/metal-toolbox/vmbus/internal/configuration"
	"github.com/metal-toolbox/vmbus/internal/model"
)

var ErrNatsConn = errors.New("error connecting to nats")

// natsConn is the part of *nats.Conn the publisher needs.
type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NatsPublisher publishes events as JSON to <prefix>.<computer>.<kind>.
type NatsPublisher struct {
	conn   natsConn
	prefix string
}

// NewNatsPublisher connects to the configured NATS server.
func NewNatsPublisher(cfg *configuration.NatsConfig) (*NatsPublisher, error) {
	opts := []nats.Option{
		nats.Name(model.AppName),
		nats.Timeout(cfg.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
	}

	if cfg.CredsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFile))
	}

	conn, err := nats.Connect(cfg.NatsURL, opts...)
	if err != nil {
		return nil, errors.Wrap(ErrNatsConn, err.Error())
	}

	return newNatsPublisher(conn, cfg.SubjectPrefix), nil
}

func newNatsPublisher(conn natsConn, prefix string) *NatsPublisher {
	if prefix == "" {
		prefix = model.AppSubject
	}

	return &NatsPublisher{conn: conn, prefix: prefix}
}

// Subject returns the subject event is published on.
func (p *NatsPublisher) Subject(event *Event) string {
	return strings.Join([]string{p.prefix, subjectToken(event.Computer), string(event.Kind)}, ".")
}

func (p *NatsPublisher) Publish(_ context.Context, event *Event) error {
	data, err := event.Marshal()
	if err != nil {
		return err
	}

	return p.conn.Publish(p.Subject(event), data)
}

func (p *NatsPublisher) Close() {
	_ = p.conn.Drain()
}

// subjectToken replaces characters NATS treats as subject syntax.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}

	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}
