package standard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ccheshirecat/hostagent/internal/cli/client"
	"github.com/ccheshirecat/hostagent/internal/cli/tui"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Run a reconcile pass and print state changes since the last poll",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			status, err := api.Status(ctx)
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				return encodeAsJSON(cmd.OutOrStdout(), status)
			}
			out := cmd.OutOrStdout()
			rs := status.Reconcile
			fmt.Fprintf(out, "Passes: %d  Last sync: %s\n", rs.Passes, rs.LastSync.Format(time.RFC3339))
			if rs.LastError != "" {
				fmt.Fprintf(out, "Last error: %s\n", rs.LastError)
			}
			if len(status.Changes) == 0 {
				fmt.Fprintln(out, "No state changes")
				return nil
			}
			names := make([]string, 0, len(status.Changes))
			for name := range status.Changes {
				names = append(names, name)
			}
			sort.Strings(names)
			fmt.Fprintf(out, "%-28s %-10s\n", "NAME", "STATE")
			for _, name := range names {
				fmt.Fprintf(out, "%-28s %-10s\n", name, status.Changes[name])
			}
			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var vm string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show journaled command outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			records, err := api.Commands(ctx, vm, limit)
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				return encodeAsJSON(cmd.OutOrStdout(), records)
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No commands recorded")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-18s %-24s %-6s %-8s %s\n", "FINISHED", "KIND", "VM", "OK", "TOOK", "MESSAGE")
			for _, rec := range records {
				took := (time.Duration(rec.DurationMS) * time.Millisecond).String()
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-18s %-24s %-6t %-8s %s\n",
					rec.FinishedAt.Local().Format("2006-01-02 15:04:05"), rec.Kind, rec.VMName, rec.Success, took, rec.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&vm, "vm", "", "Only show commands for this VM")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of records")
	return cmd
}

func newWatchCmd() *cobra.Command {
	var plain bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream VM events (dashboard on a terminal, lines otherwise)",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			if !plain && !wantJSON(cmd) && term.IsTerminal(int(os.Stdout.Fd())) {
				return tui.Run(cmd.Context(), api)
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			err = api.WatchVMEvents(ctx, func(ev client.VMEvent) {
				out := cmd.OutOrStdout()
				if wantJSON(cmd) {
					_ = encodeAsJSON(out, ev)
					return
				}
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\n", ev.Timestamp.Format(time.RFC3339), ev.Type, ev.Name, ev.State, ev.Message)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "Print one line per event even on a terminal")
	return cmd
}
