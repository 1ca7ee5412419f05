package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/emichael72/usb-eval/internal/harness"
	"github.com/emichael72/usb-eval/internal/metrics"
)

var (
	benchTests      []string
	benchPacketSize int
	benchIterations int
	benchOutput     string
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run the registered measurements and report their timings",
	Long: `Run one or more registered measurements and print the average
duration per run.

Examples:
  usb-eval bench                          # run everything with defaults
  usb-eval bench -t frag-zero-copy        # a single measurement
  usb-eval bench -t frag-copy -t defrag   # a selection
  usb-eval bench -p 512 -n 100            # 512 byte packets, 100 runs each
  usb-eval bench -o report.yaml           # also write a YAML report`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			exitWithError("loading configuration", err)
		}

		if cfg.Metrics.Enabled {
			ctx := context.Background()
			srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
			if err := srv.Start(ctx); err != nil {
				exitWithError("starting metrics server", err)
			}
			defer srv.Stop(ctx)
		}

		opts := harness.Options{
			PacketSize:    cfg.Packet.Size,
			Repetitions:   cfg.Bench.Repetitions,
			ArenaSize:     cfg.Arena.Size,
			PoolItemSize:  cfg.Pool.ItemSize,
			PoolItemCount: cfg.Pool.Count,
			PoolLocking:   cfg.Pool.Locking,
			MaxBatchPairs: cfg.Frag.MaxBatchPairs,
			MaxBatchBytes: cfg.Frag.MaxBatchBytes,
			FirstShort:    cfg.Frag.FirstShort,
			Sentinel:      byte(cfg.Frag.Sentinel),
			DefragPolicy:  cfg.Defrag.Policy,
			BusEID:        byte(cfg.Bus.EID),
		}
		if benchPacketSize > 0 {
			opts.PacketSize = benchPacketSize
		}
		if benchIterations > 0 {
			opts.Repetitions = benchIterations
		}

		l := harness.NewLauncher()
		if err := harness.RegisterBuiltins(l, opts); err != nil {
			exitWithError("registering measurements", err)
		}

		selected := benchTests
		if len(selected) == 0 {
			selected = cfg.Bench.Tests
		}
		if len(selected) == 0 {
			selected = l.Names()
		}

		var results []harness.Result
		for _, name := range selected {
			res, err := l.Execute(name)
			if err != nil {
				exitWithError(fmt.Sprintf("running %q", name), err)
			}
			fmt.Println(res)
			results = append(results, res)
		}

		if benchOutput != "" {
			out, err := yaml.Marshal(results)
			if err != nil {
				exitWithError("encoding report", err)
			}
			if err := os.WriteFile(benchOutput, out, 0o644); err != nil {
				exitWithError("writing report", err)
			}
			fmt.Printf("Report written to %s\n", benchOutput)
		}
	},
}

func init() {
	benchCmd.Flags().StringSliceVarP(&benchTests, "test", "t", nil,
		"measurement to run, repeatable (default: all)")
	benchCmd.Flags().IntVarP(&benchPacketSize, "packet-size", "p", 0,
		"total packet size in bytes, including the alignment prefix")
	benchCmd.Flags().IntVarP(&benchIterations, "iterations", "n", 0,
		"repetitions per measurement")
	benchCmd.Flags().StringVarP(&benchOutput, "output", "o", "",
		"write a YAML report to this file")
}
