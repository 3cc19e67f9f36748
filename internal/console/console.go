// Package console is the interactive operator shell of a running world.
package console

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/metal-toolbox/vmbus/internal/handlers"
)

const prompt = "vmbus> "

// Console reads operator commands and prints the results as YAML.
type Console struct {
	rl      *readline.Instance
	handler *handlers.HandlerFactory
}

func New(handler *handlers.HandlerFactory) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create readline")
	}

	return &Console{rl: rl, handler: handler}, nil
}

// Stdout returns a writer that does not interfere with the prompt. Loggers
// writing while the console runs should use it.
func (c *Console) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Run reads commands until exit, end of input or ctx is done. cancel is
// called when the operator leaves.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	fmt.Fprintln(c.rl.Stdout(), "type 'help' for commands")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}

			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()

			return
		}

		if quit := Execute(ctx, c.handler, line, c.rl.Stdout()); quit {
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()

			return
		}
	}
}

// Execute runs one console line against handler and writes the outcome to
// w. It reports whether the operator asked to leave.
func Execute(ctx context.Context, handler *handlers.HandlerFactory, line string, w io.Writer) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return false
	}

	switch strings.ToLower(strings.Fields(input)[0]) {
	case "help", "?":
		printHelp(w)
		return false
	case "quit", "exit", "q":
		return true
	}

	cmd, err := handlers.ParseCommand(input)
	if err != nil {
		fmt.Fprintf(w, "Error: %s\n", err)
		return false
	}

	out, err := handler.Handle(ctx, cmd)
	if err != nil {
		fmt.Fprintf(w, "Error: %s\n", err)
		return false
	}

	if err := Print(w, out); err != nil {
		fmt.Fprintf(w, "Error: %s\n", err)
	}

	return false
}

// Print writes v as YAML. Strings are written as they are, terminal output
// keeps its line breaks that way.
func Print(w io.Writer, v any) error {
	if s, ok := v.(string); ok {
		if s != "" && !strings.HasSuffix(s, "\n") {
			s += "\n"
		}

		_, err := io.WriteString(w, s)

		return err
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(v); err != nil {
		return errors.Wrap(err, "encode result")
	}

	return enc.Close()
}

func completer() *readline.PrefixCompleter {
	items := make([]readline.PrefixCompleterInterface, 0, len(commands))
	for _, c := range commands {
		items = append(items, readline.PcItem(c.name))
	}

	return readline.NewPrefixCompleter(items...)
}

var commands = []struct {
	name  string
	usage string
}{
	{handlers.ActionStatus, "status [computer]"},
	{handlers.ActionScan, "scan"},
	{handlers.ActionTick, "tick [count]"},
	{handlers.ActionStart, "start <computer>"},
	{handlers.ActionStop, "stop <computer>"},
	{handlers.ActionResume, "resume <computer>"},
	{handlers.ActionInsert, "insert <computer> <kind> <slot> [size] [source]"},
	{handlers.ActionRemove, "remove <computer> <category> <slot>"},
	{handlers.ActionCharge, "charge <computer> <amount>"},
	{handlers.ActionInvoke, "invoke <computer> <identity> <method> [args...]"},
	{handlers.ActionDescribe, "describe <computer>"},
	{handlers.ActionTerminal, "terminal <computer>"},
	{handlers.ActionUnload, "unload <computer>"},
	{handlers.ActionLoad, "load <computer>"},
	{handlers.ActionDestroy, "destroy <computer>"},
	{handlers.ActionSave, "save"},
	{"help", "help"},
	{"exit", "exit"},
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "Commands:")

	for _, c := range commands {
		fmt.Fprintf(w, "  %s\n", c.usage)
	}
}
