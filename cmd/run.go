package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/metal-toolbox/vmbus/internal/app"
	"github.com/metal-toolbox/vmbus/internal/version"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the world until terminated, saving it on exit",
	Run: func(cmd *cobra.Command, _ []string) {
		if err := runWorld(cmd.Context()); err != nil {
			os.Exit(1)
		}
	},
}

func runWorld(ctx context.Context) error {
	ctx, cancel := app.WithSignals(ctx)
	defer cancel()

	a, err := app.New(ctx, args)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	slog.With(version.Current().AsLogFields()...).Info("vmbus running", "tickRate", a.Config.TickRate.String())

	return a.Loop(ctx)
}

func init() {
	rootCmd.AddCommand(runCmd)
}
