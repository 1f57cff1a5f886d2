package main

import (
	"context"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

type cacheEntry struct {
	Key     string `json:"key" yaml:"key"`
	Stored  string `json:"stored" yaml:"stored"`
	Stale   bool   `json:"stale" yaml:"stale"`
	Expired bool   `json:"expired" yaml:"expired"`
}

func (c *cli) cacheCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "cache", Short: "Inspect and prune cached remote data"}
	cmd.AddCommand(c.cacheListCmd(), c.cacheSweepCmd())
	return cmd
}

func (c *cli) cacheListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cache entries with their freshness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, app *App) error {
				keys, err := app.Cache.Keys(ctx)
				if err != nil {
					return err
				}
				entries := make([]cacheEntry, 0, len(keys))
				for _, k := range keys {
					r, err := app.Cache.Get(ctx, k)
					if err != nil {
						continue
					}
					entries = append(entries, cacheEntry{
						Key:     k,
						Stored:  formatTime(r.StoredAt),
						Stale:   r.IsStale,
						Expired: r.IsExpired,
					})
				}
				return c.printer(cmd.OutOrStdout()).print(entries, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Key", "Stored", "Stale", "Expired"})
					for _, e := range entries {
						tw.AppendRow(table.Row{e.Key, e.Stored, e.Stale, e.Expired})
					}
				})
			})
		},
	}
}

func (c *cli) cacheSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired and unreadable cache entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, app *App) error {
				n, err := app.Cache.Sweep(ctx)
				if err != nil {
					return err
				}
				return c.printer(cmd.OutOrStdout()).message(map[string]int{"removed": n}, "removed %d cache entr(ies)", n)
			})
		},
	}
}
