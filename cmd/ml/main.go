package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missionline/internal/app"
	"missionline/internal/config"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/repo"
	"missionline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ml",
	Short: "Missionline CLI",
	Long: `Missionline is the durable state store and safety gate for autonomous work.
Core concepts:
- Workspace: your .missionline directory holding the database, snapshots, and missionline.yml.
- Missions: top-level units of work (exploration, implementation, maintenance, destructive, continuous);
  statuses flow queued -> running -> complete, with blocked, needs_review, failed, and locked as exits.
- Tasks: mission steps with a dependency graph; a task is ready only once every dependency completed.
- Artifacts: typed evidence (finding, verification_report, approval_record, ...) with provenance;
  a mission cannot complete until every required artifact type exists.
- Circuit breaker: repeated failures or immediate executions trip the breaker and lock the mission
  until a human files an approval_record.
- Signals: watchdog observations; duplicates inside the idempotency window reuse the existing mission.
- Snapshots: full-state dumps written before destructive transitions, restorable any time.
- Event log: append-only diary of every mutation, view with 'ml log tail'.`,
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
	viper.SetEnvPrefix("MISSIONLINE")
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
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(signalCmd())
	rootCmd.AddCommand(breakerCmd())
	rootCmd.AddCommand(snapshotCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		Long:  "Creates the .missionline directory, the database, and a default missionline.yml if none exists.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.Init(workspace)
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Printf("Initialized workspace in %s (config at %s)\n", workspace, config.Path(workspace))
			return nil
		},
	}
	return cmd
}

func missionCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "mission",
		Short: "Manage missions",
		Long:  "Missions are the top-level units of work. Destructive-class missions require armed mode and an approval_record before they can execute or complete.",
	}
	m.AddCommand(missionCreateCmd())
	m.AddCommand(missionListCmd())
	m.AddCommand(missionShowCmd())
	m.AddCommand(missionUpdateCmd())
	m.AddCommand(missionCompleteCmd())
	m.AddCommand(missionAuthorizeCmd())
	return m
}

func missionCreateCmd() *cobra.Command {
	var opts engine.MissionCreateOptions
	var maxEstimated, maxPerHour float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("max-estimated-cost") {
				opts.MaxEstimatedCost = &maxEstimated
			}
			if cmd.Flags().Changed("max-cost-per-hour") {
				opts.MaxCostPerHour = &maxPerHour
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				m, err := a.Engine.CreateMission(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "mission name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Class, "class", "", "mission class (exploration, implementation, maintenance, destructive, continuous)")
	cmd.Flags().StringVar(&opts.RiskLevel, "risk", "", "risk level (low, medium, high)")
	cmd.Flags().StringArrayVar(&opts.RequiredArtifacts, "require-artifact", []string{}, "required artifact type (repeatable)")
	cmd.Flags().StringArrayVar(&opts.AllowedTools, "allow-tool", []string{}, "allowed tool (repeatable, empty allows all)")
	cmd.Flags().Float64Var(&maxEstimated, "max-estimated-cost", 0, "budget ceiling for a single execution")
	cmd.Flags().Float64Var(&maxPerHour, "max-cost-per-hour", 0, "hourly spend ceiling")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("class")
	return cmd
}

func missionListCmd() *cobra.Command {
	var f repo.MissionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				missions, err := a.Engine.Repo.ListMissions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(missions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Class", "Status", "Version", "Trigger"})
				for _, m := range missions {
					tw.AppendRow(table.Row{m.ID, m.Name, m.Class, m.Status, m.StateVersion, m.TriggerSource})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Class, "class", "", "class filter")
	cmd.Flags().StringVar(&f.TriggerSource, "trigger", "", "trigger source filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func missionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				m, err := a.Engine.Repo.GetMission(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func missionUpdateCmd() *cobra.Command {
	var name, description, status, blockedReason, risk string
	var requiredArtifacts, allowedTools []string
	var maxEstimated, maxPerHour float64
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch engine.MissionPatch
			if cmd.Flags().Changed("name") {
				patch.Name = &name
			}
			if cmd.Flags().Changed("description") {
				patch.Description = &description
			}
			if cmd.Flags().Changed("status") {
				patch.Status = &status
			}
			if cmd.Flags().Changed("blocked-reason") {
				patch.BlockedReason = &blockedReason
			}
			if cmd.Flags().Changed("risk") {
				patch.RiskLevel = &risk
			}
			if cmd.Flags().Changed("require-artifact") {
				patch.RequiredArtifacts = &requiredArtifacts
			}
			if cmd.Flags().Changed("allow-tool") {
				patch.AllowedTools = &allowedTools
			}
			if cmd.Flags().Changed("max-estimated-cost") {
				patch.MaxEstimatedCost = &maxEstimated
			}
			if cmd.Flags().Changed("max-cost-per-hour") {
				patch.MaxCostPerHour = &maxPerHour
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				m, err := a.Engine.UpdateMission(ctx, args[0], patch, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "mission name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&blockedReason, "blocked-reason", "", "blocked reason")
	cmd.Flags().StringVar(&risk, "risk", "", "risk level")
	cmd.Flags().StringArrayVar(&requiredArtifacts, "require-artifact", []string{}, "required artifact type (replaces the set)")
	cmd.Flags().StringArrayVar(&allowedTools, "allow-tool", []string{}, "allowed tool (replaces the set)")
	cmd.Flags().Float64Var(&maxEstimated, "max-estimated-cost", 0, "budget ceiling for a single execution")
	cmd.Flags().Float64Var(&maxPerHour, "max-cost-per-hour", 0, "hourly spend ceiling")
	return cmd
}

func missionCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a mission",
		Long:  "Requests completion. Rejected with COMPLETION_BLOCKED when any required artifact type is still missing.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := domain.MissionComplete
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				m, err := a.Engine.UpdateMission(ctx, args[0], engine.MissionPatch{Status: &status}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func missionAuthorizeCmd() *cobra.Command {
	var req engine.ExecutionRequest
	cmd := &cobra.Command{
		Use:   "authorize <id>",
		Short: "Run the safety gates for an execution",
		Long:  "Checks breaker, armed mode, approval, tool allow-list, and budget in order. Exits non-zero with the gate's error code when denied.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if err := a.Engine.AuthorizeExecution(ctx, args[0], req, viper.GetString("actor-id")); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"granted": true, "mission_id": args[0], "tool": req.Tool})
				}
				fmt.Println("authorized")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.Tool, "tool", "", "tool to execute")
	cmd.Flags().Float64Var(&req.EstimatedCost, "estimated-cost", 0, "estimated cost of this execution")
	cmd.Flags().Float64Var(&req.CostPerHour, "cost-per-hour", 0, "projected hourly spend")
	cmd.Flags().BoolVar(&req.Immediate, "immediate", false, "count against the immediate execution budget")
	_ = cmd.MarkFlagRequired("tool")
	return cmd
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks decompose a mission. Statuses flow pending -> ready -> running -> complete; a task leaves pending only once every dependency completed.",
	}
	t.AddCommand(taskCreateCmd())
	t.AddCommand(taskListCmd())
	t.AddCommand(taskGetCmd())
	t.AddCommand(taskUpdateCmd())
	return t
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				t, err := a.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.MissionID, "mission", "", "mission id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Type, "type", "work", "task type (work, verification, finalization)")
	cmd.Flags().StringArrayVar(&opts.DependsOn, "depends-on", []string{}, "dependency task id (repeatable)")
	cmd.Flags().StringArrayVar(&opts.RequiredArtifacts, "require-artifact", []string{}, "required artifact type (repeatable)")
	cmd.Flags().StringVar(&opts.AgentID, "agent-id", "", "assigned agent id")
	_ = cmd.MarkFlagRequired("mission")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var missionID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a mission's tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				tasks, err := a.Engine.Repo.ListMissionTasks(ctx, missionID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Type", "Status", "Depends On", "Agent"})
				for _, t := range tasks {
					agent := ""
					if t.AgentID != nil {
						agent = *t.AgentID
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Type, t.Status, strings.Join(t.DependsOn, ","), agent})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&missionID, "mission", "", "mission id")
	_ = cmd.MarkFlagRequired("mission")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				t, err := a.Engine.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var opts engine.TaskUpdateOptions
	var agentID string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("agent-id") {
				opts.AgentID = &agentID
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				t, err := a.Engine.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Status, "status", "", "new status")
	cmd.Flags().StringVar(&agentID, "agent-id", "", "assigned agent id")
	return cmd
}

func artifactCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "artifact",
		Short: "Manage artifacts",
		Long:  "Artifacts are the typed evidence missions accumulate: test results, cost estimates, approval records. Immutable artifacts never change; append-only ones grow entry by entry.",
	}
	a.AddCommand(artifactCreateCmd())
	a.AddCommand(artifactListCmd())
	a.AddCommand(artifactGetCmd())
	a.AddCommand(artifactAppendCmd())
	return a
}

func artifactCreateCmd() *cobra.Command {
	var opts engine.ArtifactCreateOptions
	var payloadJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &opts.Payload); err != nil {
					return fmt.Errorf("parse --payload-json: %w", err)
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.CreateArtifact(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.MissionID, "mission", "", "mission id")
	cmd.Flags().StringVar(&opts.TaskID, "task", "", "task id (optional)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "artifact type")
	cmd.Flags().StringVar(&opts.Label, "label", "", "label (defaults to type)")
	cmd.Flags().StringVar(&payloadJSON, "payload-json", "", "payload JSON object")
	cmd.Flags().StringArrayVar(&opts.Files, "file", []string{}, "referenced file path (repeatable)")
	cmd.Flags().StringVar(&opts.Producer, "producer", "human", "producer (agent, watchdog, system, human)")
	cmd.Flags().StringVar(&opts.AgentID, "agent-id", "", "producing agent id")
	cmd.Flags().StringVar(&opts.Worktree, "worktree", "", "worktree path")
	cmd.Flags().StringVar(&opts.CommitHash, "commit", "", "commit hash")
	_ = cmd.MarkFlagRequired("mission")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func artifactListCmd() *cobra.Command {
	var f repo.ArtifactFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Repo.ListArtifacts(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Mode", "Label", "Producer", "Created"})
				for _, item := range items {
					tw.AppendRow(table.Row{item.ID, item.Type, item.Mode, item.Label, item.Provenance.Producer, item.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.MissionID, "mission", "", "mission id")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task id filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	_ = cmd.MarkFlagRequired("mission")
	return cmd
}

func artifactGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get an artifact with its entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.Repo.GetArtifact(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func artifactAppendCmd() *cobra.Command {
	var payloadJSON string
	cmd := &cobra.Command{
		Use:   "append <id>",
		Short: "Append an entry to an append-only artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload map[string]any
			if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
				return fmt.Errorf("parse --payload-json: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.AppendArtifactEntry(ctx, args[0], payload, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&payloadJSON, "payload-json", "", "entry payload JSON object")
	_ = cmd.MarkFlagRequired("payload-json")
	return cmd
}

func signalCmd() *cobra.Command {
	var sig domain.Signal
	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Ingest a watchdog signal",
		Long:  "Creates a mission from a watchdog observation, or returns the existing one when the same (source, metric) already fired inside the idempotency window.",
		RunE: func(cmd *cobra.Command, args []string) error {
			sig.Triggered = true
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.CreateMissionFromSignal(ctx, sig, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Deduplicated {
					fmt.Printf("duplicate signal; existing mission %s\n", res.Mission.ID)
				} else {
					fmt.Printf("created mission %s\n", res.Mission.ID)
				}
				return printJSONOrTable(res.Mission)
			})
		},
	}
	cmd.Flags().StringVar(&sig.Source, "source", "", "signal source")
	cmd.Flags().StringVar(&sig.Metric, "metric", "", "metric name")
	cmd.Flags().Float64Var(&sig.Value, "value", 0, "observed value")
	cmd.Flags().Float64Var(&sig.PreviousValue, "previous", 0, "previous value")
	cmd.Flags().Float64Var(&sig.Delta, "delta", 0, "delta")
	cmd.Flags().Float64Var(&sig.Threshold, "threshold", 0, "threshold crossed")
	cmd.Flags().StringVar(&sig.Window, "window", "", "observation window")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("metric")
	return cmd
}

func breakerCmd() *cobra.Command {
	b := &cobra.Command{
		Use:   "breaker",
		Short: "Circuit breaker state and counters",
		Long:  "Per-mission safety counters. Recording enough failures or immediate executions trips the breaker, locks the mission, and requires an approval_record artifact to clear.",
	}
	b.AddCommand(breakerShowCmd())
	b.AddCommand(breakerFailureCmd())
	b.AddCommand(breakerImmediateCmd())
	return b
}

func breakerShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <mission-id>",
		Short: "Show breaker state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				state, err := a.Engine.Repo.GetBreaker(ctx, args[0])
				if errors.Is(err, repo.ErrNotFound) {
					state = domain.CircuitBreakerState{MissionID: args[0]}
				} else if err != nil {
					return err
				}
				return printJSONOrTable(state)
			})
		},
	}
	return cmd
}

func breakerFailureCmd() *cobra.Command {
	var cause string
	cmd := &cobra.Command{
		Use:   "record-failure <mission-id>",
		Short: "Record a failure against a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				state, err := a.Engine.RecordFailure(ctx, args[0], cause, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(state)
			})
		},
	}
	cmd.Flags().StringVar(&cause, "cause", "", "failure cause")
	return cmd
}

func breakerImmediateCmd() *cobra.Command {
	var cause string
	cmd := &cobra.Command{
		Use:   "record-immediate <mission-id>",
		Short: "Record an immediate execution against a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				state, err := a.Engine.RecordImmediateExec(ctx, args[0], cause, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(state)
			})
		},
	}
	cmd.Flags().StringVar(&cause, "cause", "", "execution cause")
	return cmd
}

func snapshotCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage state snapshots",
		Long:  "Snapshots are full-state dumps of every mission, task, artifact, and breaker. One is written automatically before any destructive transition.",
	}
	s.AddCommand(snapshotCreateCmd())
	s.AddCommand(snapshotListCmd())
	return s
}

func snapshotCreateCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Write a snapshot now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				s, err := a.Engine.CreateSnapshot(ctx, reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual", "snapshot reason")
	return cmd
}

func snapshotListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Repo.ListSnapshots(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Reason", "Path", "Created"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Reason, s.Path, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is missionline.yml: armed mode, breaker thresholds, cost defaults, the artifact type catalog, and webhook subscribers.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return printJSONOrTable(a.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The append-only diary of every mutation: mission transitions, task changes, artifacts, breaker activity.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var missionID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				events, err := a.Engine.Repo.LatestEvents(ctx, n, missionID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + "/" + ev.EntityID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&missionID, "mission", "", "mission filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
		Long:  "API keys authenticate server clients via the X-Api-Key header. Only the hash is stored; the raw key prints once at creation.",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			raw, err := newRawKey()
			if err != nil {
				return err
			}
			key := domain.APIKey{
				ID:        uuid.New().String(),
				ActorID:   actor,
				Name:      name,
				KeyHash:   repo.HashAPIKey(raw),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				tx, err := a.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := a.Engine.Repo.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": raw})
				}
				fmt.Printf("API key %s created for %s\n", key.ID, key.ActorID)
				fmt.Printf("Key (shown once): %s\n", raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				keys, err := a.Engine.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return a.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowAnonymous bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				authCfg := server.AuthConfig{
					JWTSecret:      os.Getenv("MISSIONLINE_JWT_SECRET"),
					AllowAnonymous: allowAnonymous,
					AnonymousActor: viper.GetString("actor-id"),
				}
				if authCfg.JWTSecret == "" && !allowAnonymous {
					return fmt.Errorf("MISSIONLINE_JWT_SECRET is required unless --allow-anonymous is set")
				}
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Missionline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowAnonymous, "allow-anonymous", false, "accept unauthenticated requests as the local actor")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
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

func newRawKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "ml_" + hex.EncodeToString(buf), nil
}
