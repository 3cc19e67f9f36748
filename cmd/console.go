package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/metal-toolbox/vmbus/internal/app"
	"github.com/metal-toolbox/vmbus/internal/console"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Run the world with an interactive operator console",
	Run: func(cmd *cobra.Command, _ []string) {
		if err := runConsole(cmd.Context()); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	},
}

func runConsole(ctx context.Context) error {
	ctx, cancel := app.WithSignals(ctx)
	defer cancel()

	a, err := app.New(ctx, args)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	c, err := console.New(a.Handler())
	if err != nil {
		return err
	}

	a.Logger.SetOutput(c.Stdout())

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Loop(ctx)
	}()

	c.Run(ctx, cancel)

	return <-errCh
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}
