package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/droverlabs/drover/pkg/client"
	"github.com/droverlabs/drover/pkg/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a running process's health and fleet snapshot",
	Long: `Show one process's view of the deployment over its observability API:
liveness, readiness probes, queue depths per tier, the agent fleet, and
the lock and consensus tallies. This command never touches the store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		apiAddr, _ := cmd.Flags().GetString("api")
		if apiAddr == "" {
			apiAddr = os.Getenv("API_ADDR")
		}
		if apiAddr == "" {
			apiAddr = "localhost:8090"
		}
		if strings.HasPrefix(apiAddr, ":") {
			apiAddr = "localhost" + apiAddr
		}

		c := client.New(apiAddr)
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		h, err := c.Healthz(ctx)
		if err != nil {
			return fmt.Errorf("no process answering at %s: %v", apiAddr, err)
		}
		fmt.Printf("Drover %s: %s, up %s\n", h.Version, h.Status, h.Uptime)

		r, err := c.Readyz(ctx)
		if err != nil {
			return fmt.Errorf("readiness check failed: %v", err)
		}
		names := lo.Keys(r.Checks)
		sort.Strings(names)
		for _, name := range names {
			chk := r.Checks[name]
			mark := "✓"
			if !chk.Healthy {
				mark = "✗"
			}
			fmt.Printf("  %s %s: %s (%dms)\n", mark, name, chk.Message, chk.DurationMs)
		}
		fmt.Println()

		snap, err := c.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("snapshot failed: %v", err)
		}

		if len(snap.Queues) == 0 {
			fmt.Println("No live queues.")
		} else {
			queues := lo.Keys(snap.Queues)
			sort.Strings(queues)

			header := []string{"Queue", "Pending", "Failed"}
			for _, p := range types.Priorities {
				header = append(header, string(p))
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader(header)
			for _, name := range queues {
				st := snap.Queues[name]
				row := []string{
					name,
					strconv.FormatInt(st.Pending, 10),
					strconv.FormatInt(st.Failed, 10),
				}
				for _, p := range types.Priorities {
					row = append(row, strconv.FormatInt(st.Tiers[p].Pending, 10))
				}
				table.Append(row)
			}
			table.Render()
		}
		fmt.Println()

		if len(snap.Agents) == 0 {
			fmt.Println("No agents registered.")
		} else {
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"ID", "Type", "Status", "Task", "Queue", "Last beat"})
			for _, agent := range snap.Agents {
				table.Append([]string{
					agent.ID,
					agent.Type,
					string(agent.Status),
					agent.CurrentTask,
					agent.CurrentQueue,
					ago(agent.LastHeartbeat),
				})
			}
			table.Render()
		}
		fmt.Println()

		fmt.Printf("Locks held: %d   Consensus pending: %d   Todos: %d pending, %d in flight\n",
			len(snap.Locks), len(snap.Consensus), snap.Todos.Pending, snap.Todos.InFlight)
		return nil
	},
}

func init() {
	statusCmd.Flags().String("api", "", "Observability API address (default $API_ADDR or localhost:8090)")
}
