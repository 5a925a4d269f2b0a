package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/breakwater-travel/intake-cli/internal/model"
	"github.com/breakwater-travel/intake-cli/internal/store"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the task queue",
}

// -- queue stats --

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show task counts by status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		now := time.Now().UTC()
		stats, err := st.TaskStats(ctx, now)
		if err != nil {
			return eris.Wrap(err, "queue stats")
		}

		formatQueueStats(os.Stdout, stats, now)
		return nil
	},
}

// -- queue list --

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued tasks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		taskType, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.TaskFilter{
			Status: model.TaskStatus(status),
			Limit:  limit,
		}
		if taskType != "" {
			tt, err := model.ParseTaskType(taskType)
			if err != nil {
				return err
			}
			filter.Type = tt
		}

		tasks, err := st.ListTasks(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "queue list")
		}

		if len(tasks) == 0 {
			fmt.Fprintln(os.Stderr, "No tasks found.")
			return nil
		}

		formatTaskList(os.Stdout, tasks)
		return nil
	},
}

// -- queue requeue --

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue <task-id>",
	Short: "Put a failed task back on the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Errorf("invalid task id %q", args[0])
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		if err := st.RequeueTask(ctx, id); err != nil {
			return eris.Wrapf(err, "requeue task %d", id)
		}

		fmt.Printf("Task %d requeued.\n", id)
		return nil
	},
}

func formatQueueStats(w io.Writer, stats *store.TaskStats, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tCOUNT")
	fmt.Fprintf(tw, "pending\t%d\n", stats.Pending)
	fmt.Fprintf(tw, "processing\t%d\n", stats.Processing)
	fmt.Fprintf(tw, "success\t%d\n", stats.Success)
	fmt.Fprintf(tw, "failed\t%d\n", stats.Failed)
	fmt.Fprintf(tw, "due now\t%d\n", stats.DueNow)
	if stats.OldestPending != nil && stats.OldestPending.Before(now) {
		fmt.Fprintf(tw, "oldest due\t%s ago\n", now.Sub(*stats.OldestPending).Round(time.Second))
	}
	tw.Flush() //nolint:errcheck
}

func formatTaskList(w io.Writer, tasks []model.Task) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tATTEMPTS\tSCHEDULED\tLAST ERROR")
	for _, t := range tasks {
		errMsg := t.LastError
		if len(errMsg) > 60 {
			errMsg = errMsg[:57] + "..."
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n",
			t.ID, t.Type, t.Status, t.Attempts,
			t.ScheduledFor.UTC().Format(time.RFC3339), errMsg)
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	queueListCmd.Flags().String("status", "", "filter by status (pending|processing|success|failed)")
	queueListCmd.Flags().String("type", "", "filter by task type")
	queueListCmd.Flags().Int("limit", 50, "max tasks to list")

	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRequeueCmd)
	rootCmd.AddCommand(queueCmd)
}
