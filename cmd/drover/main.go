package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/droverlabs/drover/pkg/config"
	"github.com/droverlabs/drover/pkg/log"
	"github.com/droverlabs/drover/pkg/store"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// opTimeout bounds one-shot admin commands so a dead store fails fast.
const opTimeout = 10 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "Drover - coordination core for fleets of code-writing agents",
	Long: `Drover coordinates fleets of LLM-backed worker agents over one shared
store: deduplicated priority queues, leased file locks, agent liveness,
and quorum votes over destructive operations, in a single binary.

Run 'drover agent' on each worker host and one 'drover janitor' per
deployment; the remaining commands are the operator surface.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Drover version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Every command talks to the same store.
	rootCmd.PersistentFlags().String("store", "", "Store URL (default $STORE_URL or redis://localhost:6379/0)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn or error (default $LOG_LEVEL or info)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit JSON logs instead of console output")

	// Add subcommands
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(janitorCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(consensusCmd)
}

// loadConfig resolves process configuration: environment first, flags on top.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("store") {
		cfg.StoreURL, _ = flags.GetString("store")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// connect resolves configuration, initialises logging, and opens the shared
// store. Callers own closing the store.
func connect(cmd *cobra.Command) (config.Config, *store.RedisStore, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return cfg, nil, err
	}

	jsonLogs, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.ParseLevel(cfg.LogLevel), JSONOutput: jsonLogs})

	st, err := store.NewRedis(cfg.StoreURL)
	if err != nil {
		return cfg, nil, fmt.Errorf("failed to connect to store: %v", err)
	}
	return cfg, st, nil
}
