package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/droverlabs/drover/pkg/config"
	"github.com/droverlabs/drover/pkg/consensus"
	"github.com/droverlabs/drover/pkg/events"
	"github.com/droverlabs/drover/pkg/lock"
	"github.com/droverlabs/drover/pkg/queue"
	"github.com/droverlabs/drover/pkg/registry"
	"github.com/droverlabs/drover/pkg/types"
)

var janitorCmd = &cobra.Command{
	Use:   "janitor",
	Short: "Run the recovery sweeper",
	Long: `Run the janitor: declare silent agents unreachable, requeue their
checked-out tasks, release their locks, return their scavenged todos,
prune stale lock indexes, and time out overdue consensus requests.

Sweeps are idempotent, so the janitor is safe to run alongside agent
processes. One per deployment is enough.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, st, err := connect(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		flags := cmd.Flags()
		interval, _ := flags.GetDuration("interval")
		once, _ := flags.GetBool("once")
		if flags.Changed("rules") {
			cfg.RulesFile, _ = flags.GetString("rules")
		}

		// The janitor requeues tasks, so its weight bookkeeping follows the
		// same rules file the agents use.
		watcher, err := config.NewRulesWatcher(cfg.RulesFile)
		if err != nil {
			return fmt.Errorf("failed to load priority rules: %v", err)
		}

		recorder := events.NewRecorder(st)
		eng := queue.NewEngine(st, queue.Config{
			MaxAttempts: cfg.MaxAttempts,
			WeightSource: func() map[types.Priority]float64 {
				return watcher.Rules().WeightLadder()
			},
			Recorder: recorder,
		})
		locks := lock.NewManager(st, recorder)
		reg := registry.NewRegistry(st, registry.Config{
			HeartbeatInterval: cfg.HeartbeatInterval,
			Recorder:          recorder,
		})
		todos := queue.NewTodoPool(st, recorder)
		coord := consensus.NewCoordinator(st, consensus.Config{Recorder: recorder})

		janitor := registry.NewJanitor(reg, st, registry.JanitorConfig{
			Interval:             interval,
			UnreachableThreshold: cfg.UnreachableThreshold(),
			Tasks:                eng,
			Locks:                locks,
			Todos:                todos,
			Consensus:            coord,
		})

		if once {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			report := janitor.Sweep(ctx)
			fmt.Println("Sweep complete:")
			fmt.Printf("  Agents marked unreachable: %d\n", report.AgentsMarkedUnreachable)
			fmt.Printf("  Tasks requeued: %d\n", report.TasksRequeued)
			fmt.Printf("  Orphans recovered: %d\n", report.OrphansRecovered)
			fmt.Printf("  Locks released: %d\n", report.LocksReleased)
			fmt.Printf("  Todos returned: %d\n", report.TodosReturned)
			fmt.Printf("  Lock indexes cleaned: %d\n", report.LockIndexesCleaned)
			fmt.Printf("  Consensus requests expired: %d\n", report.ConsensusExpired)
			return nil
		}

		if err := watcher.Start(); err != nil {
			return fmt.Errorf("failed to watch priority rules: %v", err)
		}
		defer watcher.Stop()

		fmt.Println("Starting drover janitor...")
		fmt.Printf("  Sweep interval: %s\n", interval)
		fmt.Printf("  Unreachable threshold: %s\n", cfg.UnreachableThreshold())
		fmt.Println()

		janitor.Start()
		fmt.Println("✓ Janitor started")
		fmt.Println()
		fmt.Println("Janitor is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nShutting down...")

		janitor.Stop()

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	janitorCmd.Flags().Duration("interval", 30*time.Second, "Sweep cadence")
	janitorCmd.Flags().Bool("once", false, "Run a single sweep and exit")
	janitorCmd.Flags().String("rules", "", "Priority rules YAML for requeue weight bookkeeping (default $RULES_FILE)")
}
