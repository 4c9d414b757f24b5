// Package cli implements the relayd command line.
package cli

import (
	"fmt"
	"os"

	"github.com/LeJamon/trustrelay/internal/config"
	"github.com/LeJamon/trustrelay/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Global flags
	configFile string
	debugLog   bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "relayd",
	Short: "trustrelay - trustline network relay",
	Long: `relayd follows currency network contracts on an EVM ledger, keeps each
network's trustline graph in memory, and answers path, capacity and account
queries over JSON-RPC, websocket and gRPC health.

Running relayd without a subcommand is the same as "relayd run".`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "conf", "", "configuration file path (relayd.toml)")
	rootCmd.PersistentFlags().BoolVar(&debugLog, "debug", false, "enable debug logging")
}

// readConfig reads the configuration named by --conf without validating it.
func readConfig() (*config.Config, error) {
	cfg, err := config.Read(configFile)
	if err != nil {
		return nil, err
	}
	if debugLog {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// loadConfig reads and validates the configuration named by --conf.
func loadConfig() (*config.Config, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return logger, nil
}
