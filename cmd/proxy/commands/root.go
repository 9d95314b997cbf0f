// Package commands implements the CLI commands for the offline radio proxy.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/iTrooz/offline-radio-proxy/internal/config"
)

// DefaultConfigPath is read when --config is not given and the file exists
const DefaultConfigPath = "configs/config.yaml"

// CLI represents the command line interface for the proxy.
type CLI struct {
	rootCmd    *cobra.Command
	configPath string
	logLevel   string
}

// New creates a new CLI instance.
func New() *CLI {
	c := &CLI{}

	rootCmd := &cobra.Command{
		Use:           "proxy",
		Short:         "Intercepting proxy that keeps a radio site usable offline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", DefaultConfigPath, "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Log level, overrides the configuration (trace, debug, info, warn, error)")

	c.rootCmd = rootCmd
	rootCmd.AddCommand(c.newServeCmd())
	rootCmd.AddCommand(c.newCacheCmd())
	rootCmd.AddCommand(c.newConfigCmd())

	return c
}

// Execute runs the root command with the given context.
func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

// SetArgs sets the arguments for the root command. Used for testing.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

// SetOut redirects command output. Used for testing.
func (c *CLI) SetOut(w io.Writer) {
	c.rootCmd.SetOut(w)
}

// configFile returns the configuration path to load, empty for defaults only
func (c *CLI) configFile() string {
	if c.rootCmd.PersistentFlags().Changed("config") {
		return c.configPath
	}
	if _, err := os.Stat(c.configPath); errors.Is(err, fs.ErrNotExist) {
		logrus.Debugf("No configuration file at %s, using defaults", c.configPath)
		return ""
	}
	return c.configPath
}

// loadConfig loads and validates the configuration, then applies its log level
func (c *CLI) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.configFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level := cfg.Log.Level
	if c.logLevel != "" {
		level = c.logLevel
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(parsed)

	return cfg, nil
}
