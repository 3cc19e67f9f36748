package publish

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metal-toolbox/vmbus/internal/lifecycle"
	"github.com/metal-toolbox/vmbus/internal/model"
)

type fakePublisher struct {
	events []*Event
	err    error
	closed bool
}

func (p *fakePublisher) Publish(_ context.Context, event *Event) error {
	p.events = append(p.events, event)
	return p.err
}

func (p *fakePublisher) Close() {
	p.closed = true
}

type fakeConn struct {
	subjects []string
	payloads [][]byte
	drained  bool
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)

	return nil
}

func (c *fakeConn) Drain() error {
	c.drained = true
	return nil
}

func discardLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	return logrus.NewEntry(logger)
}

func TestMultiKeepsPublishingAfterAFailure(t *testing.T) {
	broken := &fakePublisher{err: errors.New("connection reset")}
	healthy := &fakePublisher{}

	m := NewMulti(discardLogger())
	m.Add("broken", broken)
	m.Add("healthy", healthy)

	err := m.Publish(context.Background(), &Event{Computer: "alpha", Kind: KindRunState, RunState: "running"})
	assert.NotNil(t, err)

	require.Len(t, healthy.events, 1)
	assert.False(t, healthy.events[0].Timestamp.IsZero())
	assert.Len(t, broken.events, 1)

	m.Close()
	assert.True(t, broken.closed)
	assert.True(t, healthy.closed)
}

func TestLogPublisher(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.InfoLevel)

	p := NewLogPublisher(logrus.NewEntry(logger))

	require.Nil(t, p.Publish(context.Background(), &Event{Computer: "alpha", Kind: KindBusState, BusState: "ready"}))
	require.Nil(t, p.Publish(context.Background(), &Event{Computer: "alpha", Kind: KindTerminal, Output: "boot\n"}))

	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, "ready", hook.LastEntry().Data["busState"])
	assert.Equal(t, "alpha", hook.LastEntry().Data["computer"])
}

func TestNatsPublisherSubjectAndPayload(t *testing.T) {
	conn := &fakeConn{}
	p := newNatsPublisher(conn, "")

	event := &Event{
		Computer: "rack.1",
		Kind:     KindDevice,
		Device:   &lifecycle.Status{Identity: "id", Category: "storage", State: "mounted"},
	}

	require.Nil(t, p.Publish(context.Background(), event))
	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "vmbus.rack_1.device", conn.subjects[0])

	var decoded Event
	require.Nil(t, json.Unmarshal(conn.payloads[0], &decoded))
	assert.Equal(t, "mounted", decoded.Device.State)

	assert.Equal(t, "custom._.run_state", newNatsPublisher(conn, "custom").Subject(&Event{Kind: KindRunState}))

	p.Close()
	assert.True(t, conn.drained)
}

func TestObserverEvents(t *testing.T) {
	sink := &fakePublisher{}
	o := NewObserver("alpha", sink)
	ctx := context.Background()

	o.BusStateChanged(ctx, "ready")
	o.RunStateChanged(ctx, model.RunStateRunning, "")
	o.RunStateChanged(ctx, model.RunStateErrored, "insufficient memory")
	o.TerminalOutput(ctx, []byte("hello"))
	o.Publish(ctx, &lifecycle.Status{Identity: "id", State: "mounted"})

	require.Len(t, sink.events, 5)

	kinds := []Kind{KindBusState, KindRunState, KindBootError, KindTerminal, KindDevice}
	for i, e := range sink.events {
		assert.Equal(t, kinds[i], e.Kind)
		assert.Equal(t, "alpha", e.Computer)
	}

	assert.Equal(t, "errored", sink.events[2].RunState)
	assert.Equal(t, "insufficient memory", sink.events[2].BootError)
	assert.Equal(t, "hello", sink.events[3].Output)

	// a nil observer is silent
	var none *Observer
	none.BusStateChanged(ctx, "ready")
}
