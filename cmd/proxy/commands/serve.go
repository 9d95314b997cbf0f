package commands

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/iTrooz/offline-radio-proxy/internal/proxy"
)

func (c *CLI) newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}

			server, err := proxy.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create proxy server: %w", err)
			}
			defer func() {
				if err := server.Close(); err != nil {
					logrus.Errorf("Failed to close cache: %v", err)
				}
			}()

			noWatch, _ := cmd.Flags().GetBool("no-watch")
			if path := c.configFile(); path != "" && !noWatch {
				if err := server.WatchConfig(cmd.Context(), path); err != nil {
					logrus.Warnf("Configuration hot reload disabled: %v", err)
				}
			}

			return server.Start(cmd.Context())
		},
	}
	cmd.Flags().Bool("no-watch", false, "Do not reload when the configuration file changes")
	return cmd
}
