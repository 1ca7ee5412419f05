package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/emichael72/usb-eval/internal/harness"
)

var listLong bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the registered measurements",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			exitWithError("loading configuration", err)
		}

		l := harness.NewLauncher()
		opts := harness.Options{
			PacketSize:    cfg.Packet.Size,
			Repetitions:   cfg.Bench.Repetitions,
			ArenaSize:     cfg.Arena.Size,
			PoolItemSize:  cfg.Pool.ItemSize,
			PoolItemCount: cfg.Pool.Count,
		}
		if err := harness.RegisterBuiltins(l, opts); err != nil {
			exitWithError("registering measurements", err)
		}

		for i, name := range l.Names() {
			desc, err := l.Describe(name, listLong)
			if err != nil {
				exitWithError("describing measurement", err)
			}
			fmt.Printf("%d: %-16s %s\n", i, name, desc)
		}
	},
}

func init() {
	listCmd.Flags().BoolVarP(&listLong, "long", "l", false,
		"show the extended description where one exists")
}
