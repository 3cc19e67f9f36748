package publish

import (
	"context"

	"github.com/metal-toolbox/vmbus/internal/lifecycle"
	"github.com/metal-toolbox/vmbus/internal/model"
)

// Observer turns the notifications of one computer into events. It serves
// as the machine's observer and as the lifecycle status publisher.
//
// Publish errors are dropped here, the publisher logs and counts them.
type Observer struct {
	computer  string
	publisher Publisher
}

func NewObserver(computer string, publisher Publisher) *Observer {
	return &Observer{computer: computer, publisher: publisher}
}

func (o *Observer) send(ctx context.Context, event *Event) {
	if o == nil || o.publisher == nil {
		return
	}

	event.Computer = o.computer
	_ = o.publisher.Publish(ctx, event)
}

func (o *Observer) BusStateChanged(ctx context.Context, state string) {
	o.send(ctx, &Event{Kind: KindBusState, BusState: state})
}

func (o *Observer) RunStateChanged(ctx context.Context, state model.RunState, bootError string) {
	kind := KindRunState
	if bootError != "" {
		kind = KindBootError
	}

	o.send(ctx, &Event{Kind: kind, RunState: state.String(), BootError: bootError})
}

func (o *Observer) TerminalOutput(ctx context.Context, output []byte) {
	o.send(ctx, &Event{Kind: KindTerminal, Output: string(output)})
}

// Publish implements lifecycle.Publisher.
func (o *Observer) Publish(ctx context.Context, status *lifecycle.Status) {
	o.send(ctx, &Event{Kind: KindDevice, Device: status})
}
