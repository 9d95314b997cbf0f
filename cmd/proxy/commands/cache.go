package commands

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/iTrooz/offline-radio-proxy/internal/cache"
	"github.com/iTrooz/offline-radio-proxy/internal/cache/httpcache"
	"github.com/iTrooz/offline-radio-proxy/internal/config"
	"github.com/iTrooz/offline-radio-proxy/internal/interceptor"
)

func (c *CLI) newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clean the stored cache versions",
	}
	cmd.AddCommand(c.newCacheVersionsCmd())
	cmd.AddCommand(c.newCachePurgeCmd())
	return cmd
}

// openCaches opens the configured persistent cache store
func openCaches(cfg *config.Config) (cache.GenericCache, *httpcache.HTTPCache, error) {
	if cfg.Cache.Backend == config.BackendMemory {
		return nil, nil, fmt.Errorf("the memory backend keeps nothing between runs")
	}
	store, err := cache.New(cfg.Cache)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Init(); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	return store, httpcache.New(store), nil
}

func (c *CLI) newCacheVersionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions",
		Short: "List stored cache versions, marking the configured one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			store, caches, err := openCaches(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			versions, err := caches.Versions()
			if err != nil {
				return err
			}
			slices.Sort(versions)
			for _, v := range versions {
				marker := " "
				if v == cfg.Cache.Version {
					marker = "*"
				}
				cmd.Printf("%s %s\n", marker, v)
			}
			return nil
		},
	}
}

func (c *CLI) newCachePurgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every cache version except the configured one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			store, caches, err := openCaches(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			keep := cfg.Cache.Version
			if all, _ := cmd.Flags().GetBool("all"); all {
				keep = ""
			}

			deleted, err := interceptor.PurgeStale(caches, keep)
			for _, v := range deleted {
				cmd.Printf("deleted %s\n", v)
			}
			return err
		},
	}
	cmd.Flags().Bool("all", false, "Also delete the configured version")
	return cmd
}
