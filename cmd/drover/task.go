package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/droverlabs/drover/pkg/config"
	"github.com/droverlabs/drover/pkg/events"
	"github.com/droverlabs/drover/pkg/queue"
	"github.com/droverlabs/drover/pkg/types"
)

// Task commands
var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Enqueue and inspect tasks",
}

var taskEnqueueCmd = &cobra.Command{
	Use:   "enqueue QUEUE",
	Short: "Enqueue a task",
	Long: `Enqueue a code-modification task. The priority comes from --priority,
or from the rules file when one is configured, or defaults to normal.
A task whose fingerprint matches an in-flight duplicate is dropped and
the duplicate's ID is reported instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, st, err := connect(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		flags := cmd.Flags()
		file, _ := flags.GetString("file")
		prompt, _ := flags.GetString("prompt")
		taskType, _ := flags.GetString("type")
		priority, _ := flags.GetString("priority")
		id, _ := flags.GetString("id")
		source, _ := flags.GetString("source")
		if flags.Changed("rules") {
			cfg.RulesFile, _ = flags.GetString("rules")
		}

		task := &types.Task{
			ID:     id,
			File:   file,
			Prompt: prompt,
			Type:   taskType,
			Source: source,
		}

		// Explicit --priority wins; otherwise the rules file classifies.
		switch {
		case priority != "":
			p, err := types.ParsePriority(priority)
			if err != nil {
				return err
			}
			task.Priority = p
		case cfg.RulesFile != "":
			rules, err := config.LoadRules(cfg.RulesFile)
			if err != nil {
				return err
			}
			task.Priority = rules.Classify(task, types.PriorityNormal)
		}

		eng := queue.NewEngine(st, queue.Config{
			DedupTTL: cfg.DedupTTL,
			Recorder: events.NewRecorder(st),
		})

		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		result, err := eng.Enqueue(ctx, args[0], task)
		if err != nil {
			return fmt.Errorf("enqueue failed: %v", err)
		}
		if result.Deduplicated {
			fmt.Printf("Duplicate of in-flight task %s; not enqueued\n", result.TaskID)
			return nil
		}
		fmt.Printf("✓ Task %s enqueued to %s (%s)\n", result.TaskID, args[0], task.Priority)
		return nil
	},
}

var taskStatsCmd = &cobra.Command{
	Use:   "stats QUEUE",
	Short: "Show queue statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := connect(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		eng := queue.NewEngine(st, queue.Config{})
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		stats, err := eng.Stats(ctx, args[0])
		if err != nil {
			return fmt.Errorf("stats failed: %v", err)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Priority", "Pending", "Enqueued", "Dequeued", "Completed", "Avg ms", "Weight"})
		for _, p := range types.Priorities {
			tier := stats.Tiers[p]
			table.Append([]string{
				string(p),
				strconv.FormatInt(tier.Pending, 10),
				strconv.FormatInt(tier.Enqueued, 10),
				strconv.FormatInt(tier.Dequeued, 10),
				strconv.FormatInt(tier.Completed, 10),
				strconv.FormatFloat(tier.AvgTimeMs, 'f', 1, 64),
				strconv.FormatFloat(tier.Weight, 'f', 1, 64),
			})
		}
		table.Render()

		fmt.Printf("\nPending: %d   Failed: %d\n", stats.Pending, stats.Failed)
		return nil
	},
}

var taskFailuresCmd = &cobra.Command{
	Use:   "failures QUEUE",
	Short: "List tasks that exhausted their attempts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := connect(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		limit, _ := cmd.Flags().GetInt64("limit")
		eng := queue.NewEngine(st, queue.Config{})
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		records, err := eng.Failures(ctx, args[0], limit)
		if err != nil {
			return fmt.Errorf("failures lookup failed: %v", err)
		}
		if len(records) == 0 {
			fmt.Println("No failed tasks.")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Task", "File", "Attempts", "Reason", "Failed at"})
		for _, rec := range records {
			table.Append([]string{
				rec.Task.ID,
				rec.Task.File,
				strconv.Itoa(rec.Task.Attempts),
				rec.Reason,
				rec.FailedAt,
			})
		}
		table.Render()
		return nil
	},
}

var taskMigrateCmd = &cobra.Command{
	Use:   "migrate QUEUE",
	Short: "Drain a legacy flat queue list into the normal tier",
	Long: `Move every entry from the legacy single-list queue layout into the
queue's normal-priority tier. Safe to re-run; an empty legacy list is
a no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := connect(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		eng := queue.NewEngine(st, queue.Config{Recorder: events.NewRecorder(st)})
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		moved, err := eng.MigrateLegacy(ctx, args[0])
		if err != nil {
			return fmt.Errorf("migrate failed: %v", err)
		}
		fmt.Printf("✓ Migrated %d tasks from the legacy list\n", moved)
		return nil
	},
}

// Todo pool commands
var taskTodoCmd = &cobra.Command{
	Use:   "todo",
	Short: "Manage the shared todo pool",
}

var taskTodoAddCmd = &cobra.Command{
	Use:   "add ITEM...",
	Short: "Add items to the todo pool",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := connect(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		todos := queue.NewTodoPool(st, events.NewRecorder(st))
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		added, err := todos.Add(ctx, args...)
		if err != nil {
			return fmt.Errorf("todo add failed: %v", err)
		}
		fmt.Printf("✓ Added %d todo items\n", added)
		return nil
	},
}

var taskTodoLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List todo pool items",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := connect(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		todos := queue.NewTodoPool(st, nil)
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		pending, err := todos.List(ctx)
		if err != nil {
			return fmt.Errorf("todo list failed: %v", err)
		}
		inflight, err := todos.InFlight(ctx)
		if err != nil {
			return fmt.Errorf("todo list failed: %v", err)
		}
		if len(pending) == 0 && len(inflight) == 0 {
			fmt.Println("Todo pool is empty.")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Item", "State", "Agent"})
		for _, item := range pending {
			table.Append([]string{item, "pending", ""})
		}
		for _, item := range inflight {
			agent := ""
			if assignment, err := todos.Assignment(ctx, item); err == nil {
				agent = assignment.Agent
			}
			table.Append([]string{item, "in-flight", agent})
		}
		table.Render()
		return nil
	},
}

func init() {
	taskCmd.AddCommand(taskEnqueueCmd)
	taskCmd.AddCommand(taskStatsCmd)
	taskCmd.AddCommand(taskFailuresCmd)
	taskCmd.AddCommand(taskMigrateCmd)
	taskCmd.AddCommand(taskTodoCmd)
	taskTodoCmd.AddCommand(taskTodoAddCmd)
	taskTodoCmd.AddCommand(taskTodoLsCmd)

	taskEnqueueCmd.Flags().String("file", "", "File paths the task mutates, comma-separated")
	taskEnqueueCmd.Flags().String("prompt", "", "Model instruction")
	taskEnqueueCmd.Flags().String("type", "", "Task type, used by priority rules")
	taskEnqueueCmd.Flags().String("priority", "", "Priority: critical, high, normal, low or deferred")
	taskEnqueueCmd.Flags().String("id", "", "Task ID (default generated)")
	taskEnqueueCmd.Flags().String("source", "cli", "Task origin recorded on the task")
	taskEnqueueCmd.Flags().String("rules", "", "Priority rules YAML used to classify (default $RULES_FILE)")
	taskEnqueueCmd.MarkFlagRequired("prompt")

	taskFailuresCmd.Flags().Int64("limit", 20, "Maximum records to show, newest first")
}
