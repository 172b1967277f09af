package main

import (
	"fmt"
	"os"

	"github.com/pingcap-incubator/tinydoc/config"
	"github.com/spf13/cobra"
)

var (
	configFile  string
	dataDir     string
	catalogName string
	logLevel    string
)

const defaultLogLevel = "warn"

// loadConfig reads the config file if one is given and applies the command line overrides. The log level
// falls back to warn when neither the flag nor the file sets one.
func loadConfig() (*config.Config, error) {
	cfg := config.NewDefaultConfig()
	cfg.Log.Level = defaultLogLevel
	if configFile != "" {
		var err error
		if cfg, err = config.LoadFileWithLogLevel(configFile, defaultLogLevel); err != nil {
			return nil, err
		}
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if catalogName != "" {
		cfg.CatalogName = catalogName
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	// operator commands never contend with a running writer for durability
	cfg.SyncWrites = false
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.SetupLogger(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "tinydoc-wal",
		Short: "Inspect and replay the write-ahead log of a tinydoc catalog",
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (toml or yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory of the catalog")
	rootCmd.PersistentFlags().StringVar(&catalogName, "catalog", "", "catalog name")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "L", "", "log level (default: the config file's, or warn)")

	rootCmd.AddCommand(
		newInspectCommand(),
		newReplayCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
