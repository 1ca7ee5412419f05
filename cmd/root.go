// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/emichael72/usb-eval/internal/config"
	"github.com/emichael72/usb-eval/internal/log"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "usb-eval",
	Short: "usb-eval - NC-SI over MCTP fragmentation benchmark harness",
	Long: `usb-eval measures the cost of moving NC-SI Ethernet frames across a
simulated USB transport as MCTP fragments. It fragments synthetic
frames in zero-copy and consolidated-copy modes, reassembles the
resulting chunk streams, and times the buffer pool and bus sequence
handling underneath.`,
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (built-in defaults when empty)")

	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(selftestCmd)
	rootCmd.AddCommand(listCmd)
}

// loadConfig reads the configured file, falling back to the built-in
// defaults when no file was given, and initializes logging.
func loadConfig() (*config.GlobalConfig, error) {
	var cfg *config.GlobalConfig
	if configFile == "" {
		cfg = config.Default()
	} else {
		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			return nil, err
		}
	}
	log.Init(cfg.Log)
	return cfg, nil
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
