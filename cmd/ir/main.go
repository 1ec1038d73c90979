package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"impactrun/internal/config"
	"impactrun/internal/db"
	"impactrun/internal/domain"
	"impactrun/internal/engine"
	"impactrun/internal/migrate"
	"impactrun/internal/repo"
	"impactrun/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ir",
	Short: "ImpactRun CLI",
	Long: `ImpactRun tracks the execution of NGO programs against their logical
framework (LFA). An execution walks through ordered levels of planned
actions; each action carries an indicator with a baseline and target.
Submitted measurements are evaluated against the target: meeting it
unlocks the next action, missing it opens a bounded corrective attempt,
and exhausting the attempts escalates the action for review.

Workspace state lives in .impactrun (SQLite); config is read from
.impactrun/impactrun.yml when present.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("IMPACTRUN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(lfaCmd())
	rootCmd.AddCommand(executionCmd())
	rootCmd.AddCommand(levelCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(correctiveCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func lfaCmd() *cobra.Command {
	lfa := &cobra.Command{
		Use:   "lfa",
		Short: "Manage logical framework approaches",
		Long:  "An LFA is the planning document an execution runs against. It starts as a draft, is locked before execution, and is released back to locked if the execution is abandoned.",
	}
	lfa.AddCommand(lfaCreateCmd())
	lfa.AddCommand(lfaLockCmd())
	lfa.AddCommand(lfaShowCmd())
	lfa.AddCommand(lfaListCmd())
	return lfa
}

func lfaCreateCmd() *cobra.Command {
	var org, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft LFA",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.CreateLFA(ctx, org, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "organization id")
	cmd.Flags().StringVar(&name, "name", "", "LFA name")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func lfaLockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock <lfa-id>",
		Short: "Lock an LFA for execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.LockLFA(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	return cmd
}

func lfaShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <lfa-id>",
		Short: "Show an LFA",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.Repo.GetLFA(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	return cmd
}

func lfaListCmd() *cobra.Command {
	var org string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List LFAs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListLFAs(ctx, org)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "NAME", "ORG", "STATUS", "CREATED")
				for _, l := range items {
					t.AppendRow(table.Row{l.ID, l.Name, l.OrganizationID, l.Status, l.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "organization id filter")
	return cmd
}

func executionCmd() *cobra.Command {
	exec := &cobra.Command{
		Use:   "execution",
		Short: "Manage executions",
		Long:  "An execution is one run of a locked LFA. It owns the generated levels and actions, and only one non-abandoned execution may exist per LFA.",
	}
	exec.AddCommand(executionCreateCmd())
	exec.AddCommand(executionListCmd())
	exec.AddCommand(executionShowCmd())
	exec.AddCommand(executionStatsCmd())
	exec.AddCommand(executionLevelsCmd())
	exec.AddCommand(executionCurrentCmd())
	for _, sub := range []struct {
		use   string
		short string
		call  func(e engine.Engine, ctx context.Context, id, actor string) (domain.Execution, error)
	}{
		{"pause", "Pause an execution", func(e engine.Engine, ctx context.Context, id, actor string) (domain.Execution, error) {
			return e.PauseExecution(ctx, id, actor)
		}},
		{"resume", "Resume a paused execution", func(e engine.Engine, ctx context.Context, id, actor string) (domain.Execution, error) {
			return e.ResumeExecution(ctx, id, actor)
		}},
		{"abandon", "Abandon an execution and release its LFA", func(e engine.Engine, ctx context.Context, id, actor string) (domain.Execution, error) {
			return e.AbandonExecution(ctx, id, actor)
		}},
		{"check-complete", "Run the completion sweep", func(e engine.Engine, ctx context.Context, id, actor string) (domain.Execution, error) {
			return e.CheckAndComplete(ctx, id, actor)
		}},
	} {
		call := sub.call
		exec.AddCommand(&cobra.Command{
			Use:   sub.use + " <execution-id>",
			Short: sub.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					out, err := call(e, ctx, args[0], viper.GetString("actor-id"))
					if err != nil {
						return err
					}
					return printJSONOrTable(out)
				})
			},
		})
	}
	return exec
}

func executionCreateCmd() *cobra.Command {
	var lfaID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Start an execution for a locked LFA",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exec, err := e.CreateExecution(ctx, lfaID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(exec)
			})
		},
	}
	cmd.Flags().StringVar(&lfaID, "lfa", "", "LFA id")
	_ = cmd.MarkFlagRequired("lfa")
	return cmd
}

func executionListCmd() *cobra.Command {
	var org, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				filters := repo.ExecutionFilters{OrganizationID: org, Limit: limit}
				for _, s := range strings.Split(status, ",") {
					if s = strings.TrimSpace(s); s != "" {
						filters.Statuses = append(filters.Statuses, domain.ExecutionStatus(s))
					}
				}
				items, err := e.Repo.ListExecutions(ctx, filters)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "LFA", "STATUS", "LEVEL", "PROGRESS", "XP")
				for _, x := range items {
					t.AppendRow(table.Row{
						x.ID, x.LFAID, x.Status, x.CurrentLevelNumber,
						fmt.Sprintf("%d%%", x.OverallCompletionPercent), x.TotalXPEarned,
					})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "organization id filter")
	cmd.Flags().StringVar(&status, "status", "", "comma-separated status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func executionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exec, err := e.Repo.GetExecution(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(exec)
			})
		},
	}
	return cmd
}

func executionStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats <execution-id>",
		Short: "Recompute and show execution stats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exec, err := e.RecomputeStats(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(exec)
			})
		},
	}
	return cmd
}

func executionLevelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "levels <execution-id>",
		Short: "List an execution's levels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListLevels(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "#", "NAME", "STATUS", "ACTIONS", "PROGRESS")
				for _, l := range items {
					t.AppendRow(table.Row{
						l.ID, l.LevelNumber, l.Name, l.Status,
						fmt.Sprintf("%d/%d", l.Progress.CompletedActions, l.Progress.TotalActions),
						fmt.Sprintf("%d%%", l.Progress.CompletionPercentage),
					})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func executionCurrentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "current <execution-id>",
		Short: "Show the execution's current action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				info, err := e.CurrentAction(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(info)
				}
				fmt.Printf("State: %s\n", info.State)
				if info.Level != nil {
					fmt.Printf("Level %d: %s (%s)\n", info.Level.LevelNumber, info.Level.Name, info.Level.Status)
				}
				if info.Action != nil {
					fmt.Printf("Action %d.%d: %s [%s]\n", info.Action.LevelNumber, info.Action.SequenceNumber, info.Action.Description, info.Action.Status)
					fmt.Printf("Indicator: %s (baseline %.2f, target +%.2f)\n",
						info.Action.SuccessCriteria.Indicator,
						info.Action.SuccessCriteria.Baseline,
						info.Action.SuccessCriteria.Target)
				}
				return nil
			})
		},
	}
	return cmd
}

func levelCmd() *cobra.Command {
	level := &cobra.Command{Use: "level", Short: "Manage execution levels"}
	level.AddCommand(&cobra.Command{
		Use:   "complete <level-id>",
		Short: "Complete a level and open the next one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.CompleteLevel(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	})
	level.AddCommand(&cobra.Command{
		Use:   "actions <level-id>",
		Short: "List a level's actions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListActionsByLevel(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "SEQ", "DESCRIPTION", "STATUS", "XP")
				for _, a := range items {
					earned := "-"
					if a.Gamification.XPEarned != nil {
						earned = fmt.Sprintf("%d", *a.Gamification.XPEarned)
					}
					t.AppendRow(table.Row{a.ID, a.SequenceNumber, a.Description, a.Status, earned})
				}
				t.Render()
				return nil
			})
		},
	})
	return level
}

func actionCmd() *cobra.Command {
	action := &cobra.Command{
		Use:   "action",
		Short: "Manage execution actions",
		Long:  "Actions hold an indicator with a baseline and target. Submit measurements with 'ir action submit'; a met target moves the action to pending_validation, a missed one opens a corrective attempt.",
	}
	action.AddCommand(actionShowCmd())
	action.AddCommand(actionSubmitCmd())
	action.AddCommand(actionValidateCmd())
	action.AddCommand(actionReopenCmd())
	action.AddCommand(actionResultsCmd())
	action.AddCommand(actionCorrectivesCmd())
	return action
}

func actionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <action-id>",
		Short: "Show an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAction(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func actionSubmitCmd() *cobra.Command {
	var indicator string
	var baseline, current float64
	cmd := &cobra.Command{
		Use:   "submit <action-id>",
		Short: "Submit a measurement for an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.SubmitResults(ctx, engine.SubmitResultsOptions{
					ActionID:  args[0],
					Indicator: indicator,
					Baseline:  baseline,
					Current:   current,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Achievement: %.2f%% (%s)\n", out.Result.Calculated.AchievementPercentage, out.Result.Evaluation.Result)
				fmt.Printf("Action status: %s\n", out.Action.Status)
				if out.Corrective != nil {
					fmt.Printf("Corrective attempt %d created: %s\n", out.Corrective.AttemptNumber, out.Corrective.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&indicator, "indicator", "", "indicator name (must match the action)")
	cmd.Flags().Float64Var(&baseline, "baseline", 0, "baseline value (must match the action)")
	cmd.Flags().Float64Var(&current, "current", 0, "measured current value")
	_ = cmd.MarkFlagRequired("indicator")
	_ = cmd.MarkFlagRequired("current")
	return cmd
}

func actionValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <action-id>",
		Short: "Validate a pending action and award XP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.ValidateAction(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func actionReopenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reopen <action-id>",
		Short: "Reopen an action to work its accepted corrective",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.ReopenAction(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func actionResultsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results <action-id>",
		Short: "List an action's submitted results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListResultsByAction(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "CURRENT", "ACHIEVEMENT", "RESULT", "CORRECTIVE", "SUBMITTED")
				for _, r := range items {
					t.AppendRow(table.Row{
						r.ID, r.Values.Current,
						fmt.Sprintf("%.2f%%", r.Calculated.AchievementPercentage),
						r.Evaluation.Result, r.IsCorrectiveResult, r.SubmittedAt,
					})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func actionCorrectivesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "correctives <action-id>",
		Short: "List an action's corrective attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListCorrectivesByAction(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "ATTEMPT", "STATUS", "DESCRIPTION", "CREATED")
				for _, c := range items {
					t.AppendRow(table.Row{c.ID, c.AttemptNumber, c.Status, c.Description, c.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func correctiveCmd() *cobra.Command {
	corrective := &cobra.Command{
		Use:   "corrective",
		Short: "Manage corrective attempts",
		Long:  "A corrective attempt is the bounded second chance after a missed target. Accept it, do the work, then complete it with the new measurement; a recovered target completes the parent action at reduced XP.",
	}
	corrective.AddCommand(&cobra.Command{
		Use:   "show <corrective-id>",
		Short: "Show a corrective attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCorrective(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	})
	corrective.AddCommand(&cobra.Command{
		Use:   "accept <corrective-id>",
		Short: "Accept a pending corrective attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.AcceptCorrective(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	})
	corrective.AddCommand(correctiveCompleteCmd())
	return corrective
}

func correctiveCompleteCmd() *cobra.Command {
	var current float64
	cmd := &cobra.Command{
		Use:   "complete <corrective-id>",
		Short: "Complete a corrective attempt with a re-measurement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.CompleteCorrective(ctx, engine.CompleteCorrectiveOptions{
					CorrectiveID: args[0],
					Current:      current,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				if out.Resolved {
					fmt.Printf("Recovered: action %s completed with %d XP\n", out.Action.ID, xpOrZero(out.Action.Gamification.XPEarned))
				} else if out.NextCorrective != nil {
					fmt.Printf("Still below target; corrective attempt %d created: %s\n", out.NextCorrective.AttemptNumber, out.NextCorrective.ID)
				} else {
					fmt.Printf("Attempts exhausted; action %s escalated\n", out.Action.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&current, "current", 0, "measured current value")
	_ = cmd.MarkFlagRequired("current")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var executionID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, executionID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&executionID, "execution", "", "execution id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(&cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the raw key is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw, key, err := server.NewAPIKey(ctx, r, actorID, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": raw})
				}
				fmt.Printf("Key %s created for %s\n", key.ID, key.ActorID)
				fmt.Printf("Secret (store it now, it is not shown again): %s\n", raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "ACTOR", "NAME", "CREATED")
				for _, k := range items {
					t.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              cfg.Auth.JWTSecret,
				AllowLegacyActorHeader: allowLegacy || cfg.Auth.AllowLegacyActorHeader,
				Logger:                 logger,
			}
			if secret := os.Getenv("IMPACTRUN_JWT_SECRET"); secret != "" {
				authCfg.JWTSecret = secret
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     authCfg,
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving ImpactRun API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept X-Actor-Id without credentials")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func newTable(headers ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row(headers))
	return t
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func xpOrZero(xp *int) int {
	if xp == nil {
		return 0
	}
	return *xp
}
