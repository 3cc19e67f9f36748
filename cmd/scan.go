package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/metal-toolbox/vmbus/internal/app"
	"github.com/metal-toolbox/vmbus/internal/console"
)

var scanTicks int

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Build the world, tick it and print the bus components",
	Run: func(cmd *cobra.Command, _ []string) {
		if err := runScan(cmd.Context()); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	},
}

func runScan(ctx context.Context) error {
	a, err := app.New(ctx, args, app.WithoutServers())
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	for i := 0; i < scanTicks; i++ {
		a.Tick(ctx)
	}

	return console.Print(os.Stdout, a.World.Scan())
}

func init() {
	scanCmd.Flags().IntVar(&scanTicks, "ticks", 1, "number of ticks to run before reporting")
	rootCmd.AddCommand(scanCmd)
}
