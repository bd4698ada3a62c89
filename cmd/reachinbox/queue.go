package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tumpillipavan/reachinbox/internal/config"
	"github.com/tumpillipavan/reachinbox/internal/store"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the scheduled send backlog",
}

func init() {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled sends",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueueOperations(func(qo *queueOperations) error {
				account, _ := cmd.Flags().GetString("account")
				return qo.listRecords(cmd, account)
			})
		},
	}
	listCmd.Flags().String("account", "", "limit listing to one account")

	queueCmd.AddCommand(listCmd)
	queueCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show record counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueueOperations(func(qo *queueOperations) error {
				return qo.showStats(cmd)
			})
		},
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "show [id]",
		Short: "Show a single send record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueueOperations(func(qo *queueOperations) error {
				return qo.showRecord(cmd, args[0])
			})
		},
	})
}

type queueOperations struct {
	store store.Store
	out   io.Writer
}

// withQueueOperations opens the configured store for the duration of one command
func withQueueOperations(fn func(*queueOperations) error) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	st, err := store.Factory(cfg.StoreConfig())
	if err != nil {
		return err
	}
	if err := st.Connect(); err != nil {
		return fmt.Errorf("failed to connect record store: %w", err)
	}
	defer st.Close()

	return fn(&queueOperations{store: st, out: os.Stdout})
}

func (qo *queueOperations) listRecords(cmd *cobra.Command, accountID string) error {
	ctx := context.Background()

	var records []store.SendRecord
	var err error
	if accountID != "" {
		records, err = qo.store.ListSendRecords(ctx, accountID)
	} else {
		records, err = qo.store.ListActiveSendRecords(ctx)
	}
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No scheduled sends")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAccount\tRecipient\tStatus\tDue\tLast Error")
	fmt.Fprintln(w, "--\t-------\t---------\t------\t---\t----------")

	for _, rec := range records {
		lastError := "-"
		if rec.LastError != "" {
			lastError = rec.LastError
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID,
			rec.AccountID,
			rec.Recipient,
			rec.Status,
			rec.DueAt.Format("2006-01-02 15:04:05"),
			lastError,
		)
	}
	return w.Flush()
}

func (qo *queueOperations) showStats(cmd *cobra.Command) error {
	counts, err := qo.store.CountByStatus(context.Background())
	if err != nil {
		return err
	}

	statuses := make([]string, 0, len(counts))
	for status := range counts {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Status\tCount")
	fmt.Fprintln(w, "------\t-----")
	total := 0
	for _, status := range statuses {
		fmt.Fprintf(w, "%s\t%d\n", status, counts[store.Status(status)])
		total += counts[store.Status(status)]
	}
	fmt.Fprintf(w, "total\t%d\n", total)
	return w.Flush()
}

func (qo *queueOperations) showRecord(cmd *cobra.Command, id string) error {
	rec, err := qo.store.GetSendRecord(context.Background(), id)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
