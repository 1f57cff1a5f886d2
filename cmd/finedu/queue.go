package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/finedu/finedu-sync/internal/domain/offline"
	"github.com/finedu/finedu-sync/pkg/logger"
)

func (c *cli) queueCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "queue", Short: "Inspect and edit the offline action queue"}
	cmd.AddCommand(c.queueListCmd(), c.queueEnqueueCmd(), c.queueRemoveCmd(), c.queueClearCmd())
	return cmd
}

func (c *cli) queueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending actions, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, app *App) error {
				status, err := app.QueueStatus.Handle(ctx)
				if err != nil {
					return err
				}
				return c.printer(cmd.OutOrStdout()).print(status, func(tw table.Writer) {
					tw.SetTitle(fmt.Sprintf("Queue %d/%d, last sync %s",
						status.Length, status.Capacity, formatTime(status.LastSyncAt)))
					tw.AppendHeader(table.Row{"ID", "Kind", "Target", "Age", "Retries", "Last error"})
					for _, a := range status.Actions {
						target := a.EntityID
						if target == "" {
							target = a.Endpoint
						}
						tw.AppendRow(table.Row{a.ID, a.Kind, target, formatAge(a.Age), a.RetryCount, a.LastError})
					}
					kinds := make([]string, 0, len(status.ByKind))
					for k, n := range status.ByKind {
						kinds = append(kinds, fmt.Sprintf("%s=%d", k, n))
					}
					sort.Strings(kinds)
					tw.AppendFooter(table.Row{"", strings.Join(kinds, " "), "oldest " + formatAge(status.OldestAge), "", status.Retrying, ""})
				})
			})
		},
	}
}

func (c *cli) queueEnqueueCmd() *cobra.Command {
	var (
		kind, entity, method, endpoint, body string
		score                                int
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Add an action to the queue without touching local progress",
		Long: `Adds a raw action. Completions need --entity; GENERIC_CALL needs
--method and --endpoint, with an optional JSON --body.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := offline.ParseActionKind(kind)
			if err != nil {
				return err
			}

			var payload any
			if k == offline.KindGenericCall {
				call := offline.GenericCallPayload{Method: method, Endpoint: endpoint}
				if body != "" {
					if !json.Valid([]byte(body)) {
						return fmt.Errorf("--body is not valid JSON")
					}
					call.Body = json.RawMessage(body)
				}
				if err := call.Validate(); err != nil {
					return err
				}
				payload = call
			} else {
				if entity == "" {
					return fmt.Errorf("--entity is required for %s", k)
				}
				result := offline.CompletionResult{CompletedAt: time.Now().UTC()}
				if cmd.Flags().Changed("score") {
					result.Score = &score
				}
				payload = offline.CompletionPayload{EntityID: entity, Result: result}
			}

			action, err := offline.NewPendingAction(k, payload)
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, app *App) error {
				id, err := app.Queue.Enqueue(ctx, action)
				if err != nil {
					return err
				}
				app.Log.Info("action enqueued", logger.ActionID(id), logger.ActionKind(string(k)))
				return c.printer(cmd.OutOrStdout()).message(map[string]string{"id": id}, "queued %s", id)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&kind, "kind", "", "LESSON_COMPLETION, TASK_COMPLETION, GAME_RESULT or GENERIC_CALL")
	f.StringVar(&entity, "entity", "", "lesson, task or game id")
	f.IntVar(&score, "score", 0, "result score 0..100")
	f.StringVar(&method, "method", "POST", "HTTP method for GENERIC_CALL")
	f.StringVar(&endpoint, "endpoint", "", "path relative to the remote base URL")
	f.StringVar(&body, "body", "", "JSON body for GENERIC_CALL")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func (c *cli) queueRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>...",
		Short: "Drop actions from the queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, app *App) error {
				for _, id := range args {
					if err := app.Queue.Remove(ctx, id); err != nil {
						return fmt.Errorf("remove %s: %w", id, err)
					}
				}
				return c.printer(cmd.OutOrStdout()).message(map[string]any{"removed": args}, "removed %d action(s)", len(args))
			})
		},
	}
}

func (c *cli) queueClearCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every queued action",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear the queue without --yes")
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, app *App) error {
				n, err := app.Queue.Len(ctx)
				if err != nil {
					return err
				}
				if err := app.Queue.Clear(ctx); err != nil {
					return err
				}
				app.Log.Warn("queue cleared", logger.Int("dropped", n))
				return c.printer(cmd.OutOrStdout()).message(map[string]int{"dropped": n}, "dropped %d action(s)", n)
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm")
	return cmd
}
