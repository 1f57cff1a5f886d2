package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/finedu/finedu-sync/internal/application/command"
	"github.com/finedu/finedu-sync/internal/domain/shared"
)

type drainReport struct {
	Online    bool     `json:"online" yaml:"online"`
	Quality   string   `json:"quality" yaml:"quality"`
	Skipped   bool     `json:"skipped" yaml:"skipped"`
	Succeeded []string `json:"succeeded" yaml:"succeeded"`
	Failed    []string `json:"failed" yaml:"failed"`
	Remaining int      `json:"remaining" yaml:"remaining"`
	Duration  string   `json:"duration" yaml:"duration"`
	Pulled    bool     `json:"pulled" yaml:"pulled"`
	XPBefore  int      `json:"xpBefore,omitempty" yaml:"xpBefore,omitempty"`
	XPAfter   int      `json:"xpAfter,omitempty" yaml:"xpAfter,omitempty"`
}

func (c *cli) drainCmd() *cobra.Command {
	var pull, respectInterval bool
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Replay the offline queue against the remote now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, app *App) error {
				snap := app.Monitor.Check(ctx)
				report := drainReport{Online: snap.Online, Quality: string(snap.Quality)}

				res, err := app.SyncProgress.Handle(ctx, command.SyncProgressCommand{
					Force:      !respectInterval,
					PullAvatar: pull,
				})
				switch {
				case errors.Is(err, shared.ErrNotOnline):
					return fmt.Errorf("remote %s is unreachable; actions stay queued", app.Config.Remote.BaseURL)
				case err != nil:
					return err
				}

				report.Skipped = res.Skipped
				report.Succeeded = res.Summary.SucceededIDs
				report.Failed = res.Summary.FailedIDs
				report.Remaining = res.Summary.Remaining
				report.Duration = res.Summary.Duration().String()
				report.Pulled = res.Pulled
				if res.Pulled {
					report.XPBefore = res.Before.XP.Int()
					report.XPAfter = res.After.XP.Int()
				}

				return c.printer(cmd.OutOrStdout()).print(report, func(tw table.Writer) {
					tw.SetTitle("Drain")
					if report.Skipped {
						tw.AppendRow(table.Row{"skipped", "synced recently"})
						return
					}
					tw.AppendRows([]table.Row{
						{"quality", report.Quality},
						{"succeeded", len(report.Succeeded)},
						{"failed", len(report.Failed)},
						{"remaining", report.Remaining},
						{"duration", report.Duration},
					})
					if report.Pulled {
						tw.AppendRow(table.Row{"xp", fmt.Sprintf("%d -> %d", report.XPBefore, report.XPAfter)})
					}
				})
			})
		},
	}
	cmd.Flags().BoolVar(&pull, "pull", true, "fetch and reconcile the remote avatar afterwards")
	cmd.Flags().BoolVar(&respectInterval, "respect-interval", false, "skip if the last sync is more recent than sync.min_sync_interval")
	return cmd
}
