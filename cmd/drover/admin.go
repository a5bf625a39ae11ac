package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/droverlabs/drover/pkg/consensus"
	"github.com/droverlabs/drover/pkg/events"
	"github.com/droverlabs/drover/pkg/lock"
	"github.com/droverlabs/drover/pkg/registry"
	"github.com/droverlabs/drover/pkg/store"
)

// Agent fleet commands
var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect the agent fleet",
}

var agentsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List registered agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := connect(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		activeOnly, _ := cmd.Flags().GetBool("active")
		reg := registry.NewRegistry(st, registry.Config{})
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		list := reg.List
		if activeOnly {
			list = reg.ListActive
		}
		agents, err := list(ctx)
		if err != nil {
			return fmt.Errorf("agent listing failed: %v", err)
		}
		if len(agents) == 0 {
			fmt.Println("No agents registered.")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"ID", "Type", "Status", "Task", "Queue", "Last beat"})
		for _, agent := range agents {
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
		return nil
	},
}

// Lock commands
var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect and administer file locks",
}

var lockLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List live file locks",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := connect(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		locks := lock.NewManager(st, nil)
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		held, err := locks.ListLocks(ctx)
		if err != nil {
			return fmt.Errorf("lock listing failed: %v", err)
		}
		if len(held) == 0 {
			fmt.Println("No locks held.")
			return nil
		}

		paths := lo.Keys(held)
		sort.Strings(paths)

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Path", "Owner", "Age", "TTL", "Forced", "Reason"})
		for _, path := range paths {
			lk := held[path]
			table.Append([]string{
				lk.Path,
				lk.Owner,
				ago(lk.AcquiredAt),
				lk.TTL.String(),
				strconv.FormatBool(lk.Forced),
				lk.Reason,
			})
		}
		table.Render()
		return nil
	},
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release PATH",
	Short: "Release a lock on behalf of its holder",
	Long: `Release the lock on PATH as whoever currently holds it. This is
operator surgery for a wedged agent; a healthy agent releases its own
locks when its task resolves.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := connect(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		locks := lock.NewManager(st, events.NewRecorder(st))
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		lk, err := locks.Get(ctx, args[0])
		if errors.Is(err, store.ErrNotFound) {
			fmt.Printf("No lock held on %s\n", args[0])
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock lookup failed: %v", err)
		}

		if err := locks.Release(ctx, lk.Path, lk.Owner, lk.LeaseID); err != nil {
			if errors.Is(err, lock.ErrStaleLease) {
				// The lock changed hands between lookup and release.
				fmt.Printf("Lock on %s changed hands; nothing released\n", args[0])
				return nil
			}
			return fmt.Errorf("release failed: %v", err)
		}
		fmt.Printf("✓ Released %s (was held by %s)\n", lk.Path, lk.Owner)
		return nil
	},
}

var lockForceCmd = &cobra.Command{
	Use:   "force PATH",
	Short: "Force-acquire a lock, evicting the current holder",
	Long: `Take the lock on PATH unconditionally for --agent. The previous holder
is notified on its inbox and must abandon the file; the eviction is also
announced on the shared lock channel.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := connect(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		flags := cmd.Flags()
		agent, _ := flags.GetString("agent")
		reason, _ := flags.GetString("reason")
		ttl, _ := flags.GetDuration("ttl")

		locks := lock.NewManager(st, events.NewRecorder(st))
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		prev, err := locks.Get(ctx, args[0])
		prevOwner := ""
		if err == nil {
			prevOwner = prev.Owner
		}

		result, err := locks.ForceAcquire(ctx, args[0], agent, reason, ttl)
		if err != nil {
			return fmt.Errorf("force acquire failed: %v", err)
		}
		if prevOwner != "" && prevOwner != agent {
			fmt.Printf("✓ %s force-locked by %s, evicting %s (lease %s)\n", args[0], agent, prevOwner, result.LeaseID)
		} else {
			fmt.Printf("✓ %s force-locked by %s (lease %s)\n", args[0], agent, result.LeaseID)
		}
		return nil
	},
}

// Consensus commands
var consensusCmd = &cobra.Command{
	Use:   "consensus",
	Short: "Quorum votes over destructive operations",
}

var consensusRequestCmd = &cobra.Command{
	Use:   "request OPERATION",
	Short: "Open a consensus request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := connect(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		flags := cmd.Flags()
		files, _ := flags.GetStringSlice("files")
		reason, _ := flags.GetString("reason")
		approvals, _ := flags.GetInt("approvals")
		timeout, _ := flags.GetDuration("timeout")
		initiator, _ := flags.GetString("initiator")
		wait, _ := flags.GetBool("wait")

		coord := consensus.NewCoordinator(st, consensus.Config{Recorder: events.NewRecorder(st)})
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		request, err := coord.Request(ctx, consensus.Proposal{
			Operation:         args[0],
			Files:             files,
			Reason:            reason,
			RequiredApprovals: approvals,
			Timeout:           timeout,
			Initiator:         initiator,
		})
		if err != nil {
			return fmt.Errorf("consensus request failed: %v", err)
		}
		fmt.Printf("✓ Request %s opened: %s needs %d approvals, expires %s\n",
			request.ID, request.Operation, request.RequiredApprovals,
			request.ExpiresAt.Format(time.RFC3339))

		if !wait {
			return nil
		}

		fmt.Println("Waiting for the vote to settle...")
		waitCtx, cancelWait := context.WithTimeout(context.Background(), time.Until(request.ExpiresAt)+opTimeout)
		defer cancelWait()

		final, err := coord.WaitFor(waitCtx, request.ID, time.Until(request.ExpiresAt))
		if err != nil {
			return fmt.Errorf("wait failed: %v", err)
		}
		fmt.Printf("Request %s settled: %s (%d approvals, %d rejections)\n",
			final.ID, final.Status, len(final.Approvers), len(final.Rejectors))
		return nil
	},
}

var consensusVoteCmd = &cobra.Command{
	Use:   "vote REQUEST_ID [approve|reject]",
	Short: "Vote on a pending request",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ballot := args[1]
		if ballot != "approve" && ballot != "reject" {
			return fmt.Errorf("ballot must be 'approve' or 'reject'")
		}

		_, st, err := connect(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		flags := cmd.Flags()
		agent, _ := flags.GetString("agent")
		comment, _ := flags.GetString("comment")

		coord := consensus.NewCoordinator(st, consensus.Config{Recorder: events.NewRecorder(st)})
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		request, err := coord.Vote(ctx, args[0], agent, ballot == "approve", comment)
		if err != nil {
			return fmt.Errorf("vote failed: %v", err)
		}
		fmt.Printf("✓ Vote recorded; request %s is %s (%d/%d approvals)\n",
			request.ID, request.Status, len(request.Approvers), request.RequiredApprovals)
		return nil
	},
}

var consensusLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List pending requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := connect(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		coord := consensus.NewCoordinator(st, consensus.Config{})
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		pending, err := coord.ListPending(ctx)
		if err != nil {
			return fmt.Errorf("consensus listing failed: %v", err)
		}
		if len(pending) == 0 {
			fmt.Println("No pending requests.")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"ID", "Operation", "Files", "Votes", "Initiator", "Expires"})
		for _, request := range pending {
			table.Append([]string{
				request.ID,
				request.Operation,
				strings.Join(request.AffectedFiles, ", "),
				fmt.Sprintf("%d/%d", len(request.Approvers), request.RequiredApprovals),
				request.Initiator,
				request.ExpiresAt.Format(time.RFC3339),
			})
		}
		table.Render()
		return nil
	},
}

var consensusCancelCmd = &cobra.Command{
	Use:   "cancel REQUEST_ID",
	Short: "Cancel a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := connect(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		by, _ := cmd.Flags().GetString("by")
		coord := consensus.NewCoordinator(st, consensus.Config{Recorder: events.NewRecorder(st)})
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		if err := coord.Cancel(ctx, args[0], by); err != nil {
			return fmt.Errorf("cancel failed: %v", err)
		}
		fmt.Printf("✓ Request %s canceled\n", args[0])
		return nil
	},
}

// ago renders a timestamp as a coarse age for table output.
func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}

func init() {
	agentsCmd.AddCommand(agentsLsCmd)
	agentsLsCmd.Flags().Bool("active", false, "Only idle and working agents")

	lockCmd.AddCommand(lockLsCmd)
	lockCmd.AddCommand(lockReleaseCmd)
	lockCmd.AddCommand(lockForceCmd)

	lockForceCmd.Flags().String("agent", "", "Agent that takes the lock")
	lockForceCmd.Flags().String("reason", "", "Why the eviction is justified")
	lockForceCmd.Flags().Duration("ttl", 11*time.Minute, "Lease duration for the forced lock")
	lockForceCmd.MarkFlagRequired("agent")
	lockForceCmd.MarkFlagRequired("reason")

	consensusCmd.AddCommand(consensusRequestCmd)
	consensusCmd.AddCommand(consensusVoteCmd)
	consensusCmd.AddCommand(consensusLsCmd)
	consensusCmd.AddCommand(consensusCancelCmd)

	consensusRequestCmd.Flags().StringSlice("files", nil, "Files the operation would touch")
	consensusRequestCmd.Flags().String("reason", "", "Why the operation is needed")
	consensusRequestCmd.Flags().Int("approvals", 2, "Approvals required")
	consensusRequestCmd.Flags().Duration("timeout", 0, "Voting window (default 300s)")
	consensusRequestCmd.Flags().String("initiator", "", "Requesting agent or operator")
	consensusRequestCmd.Flags().Bool("wait", false, "Block until the request settles")

	consensusVoteCmd.Flags().String("agent", "", "Voting agent ID")
	consensusVoteCmd.Flags().String("comment", "", "Optional ballot comment")
	consensusVoteCmd.MarkFlagRequired("agent")
}
