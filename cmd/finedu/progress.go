package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/finedu/finedu-sync/internal/application/command"
	"github.com/finedu/finedu-sync/internal/application/query"
	"github.com/finedu/finedu-sync/internal/domain/progression"
	"github.com/finedu/finedu-sync/internal/domain/shared"
	"github.com/finedu/finedu-sync/internal/infrastructure/external/remote"
	"github.com/finedu/finedu-sync/internal/infrastructure/persistence/cache"
	"github.com/finedu/finedu-sync/pkg/logger"
)

// remoteAvatarKey caches the remote avatar for `progress show --remote`.
const remoteAvatarKey = "remote_avatar"

func (c *cli) progressCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "progress", Short: "Show or change the learner's progression"}
	cmd.AddCommand(c.progressShowCmd(), c.progressAwardCmd())
	return cmd
}

func (c *cli) progressShowCmd() *cobra.Command {
	var locked, fromRemote, refresh bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show level, XP, health, streak and achievements",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, app *App) error {
				if fromRemote {
					return c.showRemote(ctx, cmd, app, refresh)
				}
				view, err := app.GetProgress.Handle(ctx, query.GetProgressQuery{
					UserID:        shared.UserID(app.Config.App.UserID),
					IncludeLocked: locked,
				})
				if err != nil {
					return err
				}
				return c.printer(cmd.OutOrStdout()).print(view, func(tw table.Writer) {
					renderProgress(tw, view)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&locked, "locked", false, "include achievements not yet unlocked")
	cmd.Flags().BoolVar(&fromRemote, "remote", false, "show the remote's authoritative avatar instead")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "with --remote, bypass the cache")
	return cmd
}

func renderProgress(tw table.Writer, v *query.ProgressView) {
	title := fmt.Sprintf("%s, level %d", v.UserID, v.Level)
	if v.Fresh {
		title += " (new)"
	}
	tw.SetTitle(title)
	tw.AppendRows([]table.Row{
		{"xp", fmt.Sprintf("%d (%d/%d to next, %.0f%%)",
			v.XP, v.LevelProgress.CurrentLevelXP, v.LevelProgress.XPForNext, v.LevelProgress.Percent)},
		{"health", fmt.Sprintf("%d %s", v.Health, colorHealth(v.HealthStatus))},
		{"streak", fmt.Sprintf("%d (best %d)", v.Streak, v.MaxStreak)},
		{"lessons", v.Stats.LessonsCompleted},
		{"tasks", v.Stats.TasksCompleted},
		{"games", v.Stats.GamesPlayed},
		{"last activity", formatTime(v.LastActivityAt)},
		{"last sync", formatTime(v.LastSyncAt)},
	})
	tw.AppendSeparator()
	for _, a := range v.Achievements {
		state := fmt.Sprintf("%d/%d", a.Current, a.Target)
		if a.Unlocked {
			state = "unlocked " + formatTime(a.UnlockedAt)
		}
		tw.AppendRow(table.Row{a.Name, state})
	}
}

func (c *cli) showRemote(ctx context.Context, cmd *cobra.Command, app *App, refresh bool) error {
	strategy := app.Cache.Config().Strategy
	if refresh {
		strategy = cache.NetworkFirst
	}
	res, err := app.Cache.FetchWith(ctx, strategy, remoteAvatarKey, 0, func(ctx context.Context) (any, error) {
		return app.Client.GetAvatar(ctx)
	})
	if err != nil {
		return fmt.Errorf("fetch remote avatar: %w", err)
	}
	var dto remote.AvatarDTO
	if err := res.Decode(&dto); err != nil {
		return err
	}
	if res.IsStale || res.IsExpired {
		app.Log.Info("showing cached remote avatar",
			logger.Bool("stale", res.IsStale), logger.Bool("expired", res.IsExpired))
	}

	return c.printer(cmd.OutOrStdout()).print(dto, func(tw table.Writer) {
		tw.SetTitle(fmt.Sprintf("%s on %s, level %d", dto.UserID, app.Client.BaseURL(), dto.Level))
		tw.AppendRows([]table.Row{
			{"xp", dto.XP},
			{"health", dto.Health},
			{"streak", fmt.Sprintf("%d (best %d)", dto.Streak, dto.MaxStreak)},
			{"updated", formatTime(dto.UpdatedAt)},
		})
		ids := make([]string, 0, len(dto.Achievements))
		for _, a := range dto.Achievements {
			ids = append(ids, a.ID)
		}
		tw.AppendRow(table.Row{"achievements", strings.Join(ids, ", ")})
	})
}

func (c *cli) progressAwardCmd() *cobra.Command {
	var (
		entity, difficulty, taskType string
		score, points                int
	)
	cmd := &cobra.Command{
		Use:   "award <activity>",
		Short: "Record an activity: apply it locally, then push or queue it",
		Long: `Activities: lesson_complete, task_complete, game_complete, quiz_correct,
first_login_today, achievement_unlock. Completions need --entity.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc := command.RecordActivityCommand{
				UserID:     shared.UserID(c.cfg.App.UserID),
				Activity:   progression.ActivityKind(strings.ToLower(args[0])),
				EntityID:   entity,
				Difficulty: progression.Difficulty(difficulty),
				TaskType:   progression.TaskType(taskType),
				Points:     points,
			}
			if cmd.Flags().Changed("score") {
				rc.Score = &score
			}
			if err := rc.Validate(); err != nil {
				return err
			}

			return c.withApp(cmd.Context(), func(ctx context.Context, app *App) error {
				app.Monitor.Check(ctx)
				res, err := app.RecordActivity.Handle(ctx, rc)
				if err != nil {
					return err
				}
				out := map[string]any{
					"delivery":    res.Delivery,
					"xpDelta":     res.XPDelta,
					"healthDelta": res.HealthDelta,
					"leveledUp":   res.LeveledUp,
					"unlocked":    res.Unlocked,
					"level":       res.Avatar.Level.Int(),
					"xp":          res.Avatar.XP.Int(),
					"health":      int(res.Avatar.Health),
					"streak":      res.Avatar.Streak,
				}
				if res.ActionID != "" {
					out["actionId"] = res.ActionID
				}
				if res.RemoteErr != nil {
					out["remoteError"] = res.RemoteErr.Error()
				}
				return c.printer(cmd.OutOrStdout()).print(out, func(tw table.Writer) {
					tw.SetTitle(string(rc.Activity))
					tw.AppendRows([]table.Row{
						{"delivery", res.Delivery},
						{"xp", fmt.Sprintf("%+d -> %d", res.XPDelta, res.Avatar.XP.Int())},
						{"health", fmt.Sprintf("%+d -> %d", res.HealthDelta, int(res.Avatar.Health))},
						{"level", res.Avatar.Level.Int()},
						{"streak", res.Avatar.Streak},
					})
					if res.LeveledUp {
						tw.AppendRow(table.Row{"", "level up!"})
					}
					for _, id := range res.Unlocked {
						tw.AppendRow(table.Row{"unlocked", id})
					}
					if res.ActionID != "" {
						tw.AppendRow(table.Row{"queued as", res.ActionID})
					}
					if res.RemoteErr != nil {
						tw.AppendRow(table.Row{"remote", res.RemoteErr.Error()})
					}
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&entity, "entity", "", "lesson, task or game id")
	f.StringVar(&difficulty, "difficulty", "", "beginner, intermediate or advanced")
	f.StringVar(&taskType, "task-type", "", "daily_habit, learning_goal, practical_exercise, quiz or project")
	f.IntVar(&score, "score", 0, "score 0..100")
	f.IntVar(&points, "points", 0, "points for achievement_unlock")
	return cmd
}
