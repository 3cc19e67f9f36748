package handlers

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/metal-toolbox/vmbus/internal/devices"
	"github.com/metal-toolbox/vmbus/internal/model"
	"github.com/metal-toolbox/vmbus/internal/store"
	"github.com/metal-toolbox/vmbus/internal/world"
)

// Actions understood by the handler.
const (
	ActionStatus   = "status"
	ActionScan     = "scan"
	ActionStart    = "start"
	ActionStop     = "stop"
	ActionResume   = "resume"
	ActionInsert   = "insert"
	ActionRemove   = "remove"
	ActionCharge   = "charge"
	ActionUnload   = "unload"
	ActionLoad     = "load"
	ActionDestroy  = "destroy"
	ActionInvoke   = "invoke"
	ActionDescribe = "describe"
	ActionTerminal = "terminal"
	ActionTick     = "tick"
	ActionSave     = "save"
)

var ErrArguments = errors.New("invalid command arguments")

// Command is one operator request against the world.
type Command struct {
	Action string
	Args   []string
}

// ParseCommand splits a console line into a command.
func ParseCommand(line string) (*Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, errors.Wrap(ErrArguments, "empty command")
	}

	return &Command{Action: strings.ToLower(fields[0]), Args: fields[1:]}, nil
}

func (c *Command) AsLogFields() []any {
	return []any{
		"action", c.Action,
		"args", strings.Join(c.Args, " "),
	}
}

// HandlerFactory has the data and business logic for the application
type HandlerFactory struct {
	world      *world.World
	repository store.Repository
	// mu is shared with the tick loop, commands never run mid tick.
	mu sync.Locker
}

// NewHandlerFactory returns a new instance of the Handler
func NewHandlerFactory(w *world.World, repository store.Repository, mu sync.Locker) *HandlerFactory {
	if mu == nil {
		mu = &sync.Mutex{}
	}

	return &HandlerFactory{
		world:      w,
		repository: repository,
		mu:         mu,
	}
}

// params are the parsed arguments of a command.
type params struct {
	computer string
	category model.Category
	slot     int
	amount   int64
	item     *devices.Item
	identity uuid.UUID
	method   string
	args     []any
	count    int
}

func (h *HandlerFactory) parseParams(cmd *Command) (*params, error) {
	p := &params{count: 1}

	need := func(n int, usage string) error {
		if len(cmd.Args) < n {
			return errors.Wrap(ErrArguments, "usage: "+cmd.Action+" "+usage)
		}

		return nil
	}

	var err error

	switch cmd.Action {
	case ActionStart, ActionStop, ActionResume, ActionUnload, ActionLoad, ActionDestroy,
		ActionDescribe, ActionTerminal:
		if err := need(1, "<computer>"); err != nil {
			return nil, err
		}
	case ActionInsert:
		if err := need(3, "<computer> <kind> <slot> [size] [source]"); err != nil {
			return nil, err
		}

		p.item, err = newItem(cmd.Args[1:])
		if err != nil {
			return nil, err
		}

		p.slot, err = strconv.Atoi(cmd.Args[2])
	case ActionRemove:
		if err := need(3, "<computer> <category> <slot>"); err != nil {
			return nil, err
		}

		p.category, err = model.CategoryFromString(cmd.Args[1])
		if err != nil {
			return nil, errors.Wrap(ErrArguments, err.Error())
		}

		p.slot, err = strconv.Atoi(cmd.Args[2])
	case ActionCharge:
		if err := need(2, "<computer> <amount>"); err != nil {
			return nil, err
		}

		p.amount, err = strconv.ParseInt(cmd.Args[1], 10, 64)
	case ActionInvoke:
		if err := need(3, "<computer> <identity> <method> [args...]"); err != nil {
			return nil, err
		}

		p.identity, err = uuid.Parse(cmd.Args[1])
		p.method = cmd.Args[2]

		for _, a := range cmd.Args[3:] {
			p.args = append(p.args, a)
		}
	case ActionTick:
		if len(cmd.Args) > 0 {
			p.count, err = strconv.Atoi(cmd.Args[0])
		}

		return p, wrapArgs(err)
	case ActionStatus:
		if len(cmd.Args) > 0 {
			p.computer = cmd.Args[0]
		}

		return p, nil
	case ActionScan, ActionSave:
		return p, nil
	default:
		slog.Error("Invalid action", "action", cmd.Action)
		return nil, errors.Wrap(model.ErrInvalidAction, cmd.Action)
	}

	if err != nil {
		return nil, wrapArgs(err)
	}

	if len(cmd.Args) > 0 {
		p.computer = cmd.Args[0]
	}

	slog.Debug("Parsed command parameters", "action", cmd.Action, "computer", p.computer)

	return p, nil
}

func wrapArgs(err error) error {
	if err == nil {
		return nil
	}

	return errors.Wrap(ErrArguments, err.Error())
}

func newItem(args []string) (*devices.Item, error) {
	var size uint64

	if len(args) > 2 {
		v, err := strconv.ParseUint(args[2], 0, 64)
		if err != nil {
			return nil, errors.Wrap(ErrArguments, "size: "+err.Error())
		}

		size = v
	}

	item := devices.NewItem(args[0], size)
	if len(args) > 3 {
		item.Source = args[3]
	}

	return item, nil
}

// Handle runs cmd and returns what should be shown to the operator.
func (h *HandlerFactory) Handle(ctx context.Context, cmd *Command) (any, error) {
	slog.Debug("Handling command", cmd.AsLogFields()...)

	p, err := h.parseParams(cmd)
	if err != nil {
		return nil, err
	}

	// fetching remote firmware can take a while, ticks keep running meanwhile
	if cmd.Action == ActionInsert {
		if err := h.world.Populate(ctx, p.item); err != nil {
			return nil, err
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	switch cmd.Action {
	case ActionStatus:
		return h.status(p)
	case ActionScan:
		return h.world.Scan(), nil
	case ActionTick:
		for i := 0; i < p.count; i++ {
			h.world.Tick(ctx)
		}

		return map[string]uint64{"tick": h.world.Ticks()}, nil
	case ActionSave:
		if h.repository == nil {
			return nil, errors.Wrap(model.ErrConfig, "no store configured")
		}

		if err := h.world.Save(ctx, h.repository); err != nil {
			return nil, err
		}

		return map[string]uint64{"saved": h.world.Ticks()}, nil
	case ActionUnload:
		return h.done(cmd, h.world.Unload(ctx, p.computer))
	case ActionLoad:
		return h.done(cmd, h.world.Load(ctx, p.computer))
	case ActionDestroy:
		return h.world.Destroy(ctx, p.computer)
	case ActionInsert:
		if err := h.world.Insert(p.computer, p.item, p.slot); err != nil {
			return nil, err
		}

		return p.item, nil
	}

	c, err := h.world.Computer(p.computer)
	if err != nil {
		return nil, err
	}

	switch cmd.Action {
	case ActionStart:
		return h.done(cmd, c.Start(ctx))
	case ActionStop:
		return h.done(cmd, c.Stop(ctx))
	case ActionResume:
		return h.done(cmd, c.Resume(ctx))
	case ActionRemove:
		return c.Remove(p.category, p.slot)
	case ActionCharge:
		return map[string]int64{"accepted": c.Charge(p.amount), "stored": c.Pool().Stored()}, nil
	case ActionInvoke:
		return c.Invoke(p.identity, p.method, p.args)
	case ActionDescribe:
		return c.Describe(), nil
	case ActionTerminal:
		return string(c.Machine().Terminal()), nil
	default:
		return nil, errors.Wrap(model.ErrInvalidAction, cmd.Action)
	}
}

func (h *HandlerFactory) status(p *params) (any, error) {
	all := h.world.Status()
	if p.computer == "" {
		return all, nil
	}

	for _, s := range all {
		if s.Name == p.computer {
			return s, nil
		}
	}

	return nil, errors.Wrap(model.ErrNotFound, "computer "+p.computer)
}

func (h *HandlerFactory) done(cmd *Command, err error) (any, error) {
	if err != nil {
		return nil, err
	}

	return map[string]string{"ok": cmd.Action}, nil
}
