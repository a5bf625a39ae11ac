package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/droverlabs/drover/pkg/api"
	"github.com/droverlabs/drover/pkg/artifact"
	"github.com/droverlabs/drover/pkg/config"
	"github.com/droverlabs/drover/pkg/consensus"
	"github.com/droverlabs/drover/pkg/dispatch"
	"github.com/droverlabs/drover/pkg/events"
	"github.com/droverlabs/drover/pkg/health"
	"github.com/droverlabs/drover/pkg/lock"
	"github.com/droverlabs/drover/pkg/queue"
	"github.com/droverlabs/drover/pkg/registry"
	"github.com/droverlabs/drover/pkg/types"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run one worker agent process",
	Long: `Run one worker agent: register in the fleet, heartbeat, consume tasks
from the configured queues, lock the files each task touches, call the
model gateway, and commit results. When every queue is empty the agent
scavenges the shared todo pool.

The process serves its observability API on --api-addr and shuts down
cleanly on SIGINT/SIGTERM: the in-flight task goes back to its tier,
locks are released, and the agent is marked stopped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, st, err := connect(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		flags := cmd.Flags()
		if flags.Changed("agent-id") {
			cfg.AgentID, _ = flags.GetString("agent-id")
		}
		if flags.Changed("type") {
			cfg.AgentType, _ = flags.GetString("type")
		}
		if flags.Changed("queues") {
			cfg.Queues, _ = flags.GetStringSlice("queues")
		}
		if flags.Changed("api-addr") {
			cfg.APIAddr, _ = flags.GetString("api-addr")
		}
		if flags.Changed("data-dir") {
			cfg.DataDir, _ = flags.GetString("data-dir")
		}
		if flags.Changed("rules") {
			cfg.RulesFile, _ = flags.GetString("rules")
		}
		gatewayURL, _ := flags.GetString("model-gateway")
		gatewayToken, _ := flags.GetString("gateway-token")
		capabilities, _ := flags.GetStringSlice("capabilities")

		if cfg.AgentID == "" {
			cfg.AgentID = config.DefaultAgentID()
		}
		queues := cfg.ActiveQueues()
		if len(queues) == 0 {
			return fmt.Errorf("no queues to serve: set --queues or --type")
		}

		fmt.Println("Starting drover agent...")
		fmt.Printf("  Agent ID: %s\n", cfg.AgentID)
		fmt.Printf("  Type: %s\n", cfg.AgentType)
		fmt.Printf("  Queues: %s\n", strings.Join(queues, ", "))
		fmt.Printf("  Model Gateway: %s\n", gatewayURL)
		fmt.Printf("  API Address: %s\n", cfg.APIAddr)
		fmt.Printf("  Data Directory: %s\n", cfg.DataDir)
		fmt.Println()

		// Priority rules: loaded now, reloaded on SIGHUP or file change.
		watcher, err := config.NewRulesWatcher(cfg.RulesFile)
		if err != nil {
			return fmt.Errorf("failed to load priority rules: %v", err)
		}
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("failed to watch priority rules: %v", err)
		}
		defer watcher.Stop()

		recorder := events.NewRecorder(st)
		eng := queue.NewEngine(st, queue.Config{
			DedupTTL:            cfg.DedupTTL,
			StarvationThreshold: cfg.StarvationThreshold,
			MaxAttempts:         cfg.MaxAttempts,
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

		sink, err := artifact.NewBoltSink(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open artifact store: %v", err)
		}
		defer sink.Close()

		httpInvoker := dispatch.NewHTTPInvoker(gatewayURL, cfg.AgentType)
		if gatewayToken != "" {
			httpInvoker.Headers["Authorization"] = "Bearer " + gatewayToken
		}
		invoker := dispatch.NewBreakerInvoker(httpInvoker, dispatch.BreakerConfig{})

		dispatcher, err := dispatch.New(dispatch.Config{
			AgentID:           cfg.AgentID,
			AgentType:         cfg.AgentType,
			Queues:            queues,
			Capabilities:      capabilities,
			HeartbeatInterval: cfg.HeartbeatInterval,
			TaskTimeout:       cfg.TaskTimeout,
			DequeueBlock:      cfg.DequeueBlock,
			ScavengeInterval:  cfg.ScavengerInterval,
			Recorder:          recorder,
		}, dispatch.Deps{
			Store:    st,
			Engine:   eng,
			Locks:    locks,
			Registry: reg,
			Todos:    todos,
			Sink:     sink,
			Invoker:  invoker,
		})
		if err != nil {
			return err
		}

		if err := dispatcher.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to start agent: %v", err)
		}
		fmt.Println("✓ Agent registered")

		// Readiness probes served on /readyz.
		status := health.NewChecks()
		status.RegisterFunc("store", st.Ping)
		gatewayProbe := health.NewHTTPChecker(gatewayURL)
		if gatewayToken != "" {
			gatewayProbe = gatewayProbe.WithHeader("Authorization", "Bearer "+gatewayToken)
		}
		status.Register("model_gateway", gatewayProbe)
		status.RegisterFunc("artifacts", func(ctx context.Context) error {
			_, err := sink.Get(ctx, "readiness-probe")
			if err != nil && !errors.Is(err, artifact.ErrNotFound) {
				return err
			}
			return nil
		})

		// Start observability API in background
		apiServer := api.NewServer(api.Config{Addr: cfg.APIAddr, Version: Version}, api.Deps{
			Store:     st,
			Queues:    eng,
			Agents:    reg,
			Locks:     locks,
			Consensus: coord,
			Todos:     todos,
			Health:    status,
		})
		errCh := make(chan error, 1)
		go func() {
			if err := apiServer.Start(); err != nil {
				errCh <- fmt.Errorf("API server error: %v", err)
			}
		}()
		fmt.Println("✓ Observability API started")

		fmt.Println()
		fmt.Println("Agent is running. Press Ctrl+C to stop.")

		// Wait for interrupt signal or API server error
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}

		// Shutdown: the dispatcher first so the in-flight task is returned
		// and locks are released while the store is still open.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := dispatcher.Stop(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: agent stop: %v\n", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: API shutdown: %v\n", err)
		}

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	agentCmd.Flags().String("agent-id", "", "Agent ID (default $AGENT_ID, or generated from the hostname)")
	agentCmd.Flags().String("type", "", "Agent type, typically the model backend name (default $AGENT_TYPE)")
	agentCmd.Flags().StringSlice("queues", nil, "Queues to serve, in preference order (default $QUEUES, or the agent type)")
	agentCmd.Flags().StringSlice("capabilities", nil, "Capabilities advertised in the agent registry")
	agentCmd.Flags().String("api-addr", "", "Observability API listen address (default $API_ADDR or :8090)")
	agentCmd.Flags().String("data-dir", "", "Directory for the local artifact store (default $DATA_DIR)")
	agentCmd.Flags().String("rules", "", "Priority rules YAML, reloaded on SIGHUP or file change (default $RULES_FILE)")
	agentCmd.Flags().String("model-gateway", "http://localhost:8801/v1/invoke", "Model gateway URL")
	agentCmd.Flags().String("gateway-token", os.Getenv("GATEWAY_TOKEN"), "Bearer token for the model gateway (default $GATEWAY_TOKEN)")
}
