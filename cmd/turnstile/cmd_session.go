package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/user/turnstile/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionEventsCmd, sessionArchiveCmd)

	sessionListCmd.Flags().String("owner", "", "only sessions owned by this principal")
	sessionEventsCmd.Flags().Int64("after", 0, "only events with a higher sequence number")
	sessionEventsCmd.Flags().Int("limit", 0, "maximum number of events (0 for all)")
	sessionEventsCmd.Flags().Bool("json", false, "print raw wire JSON, one event per line")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(loadConfig())
		if err != nil {
			return err
		}
		defer store.Close()

		owner, _ := cmd.Flags().GetString("owner")
		ctx := context.Background()
		list, err := store.List(ctx, types.Principal(owner))
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}

		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tOWNER\tSTATUS\tEVENTS\tUPDATED")
		for _, s := range list {
			seq, err := store.MaxSeq(ctx, s.ID)
			if err != nil {
				seq = 0
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				s.ID,
				s.Owner,
				s.Status,
				seq,
				s.UpdatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var sessionEventsCmd = &cobra.Command{
	Use:   "events <id>",
	Short: "Print a session's persisted events in sequence order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(loadConfig())
		if err != nil {
			return err
		}
		defer store.Close()

		after, _ := cmd.Flags().GetInt64("after")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		ctx := context.Background()
		id := types.SessionID(args[0])
		if _, err := store.Get(ctx, id); err != nil {
			return fmt.Errorf("session %s: %w", id, err)
		}
		list, err := store.ListEvents(ctx, id, after, limit)
		if err != nil {
			return fmt.Errorf("list events: %w", err)
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			for _, e := range list {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTYPE\tTURN\tAT\tPAYLOAD")
		for _, e := range list {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				seqOf(e),
				e.Type,
				e.TurnID,
				e.At.Format("15:04:05.000"),
				clipPayload(e.Payload, 80),
			)
		}
		return w.Flush()
	},
}

var sessionArchiveCmd = &cobra.Command{
	Use:   "archive <id>",
	Short: "Archive a session so it accepts no new turns",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(loadConfig())
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Archive(context.Background(), types.SessionID(args[0])); err != nil {
			return fmt.Errorf("archive session: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Session %s archived.\n", args[0])
		return nil
	},
}

func clipPayload(raw json.RawMessage, n int) string {
	s := string(raw)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

func seqOf(e *types.Event) int64 {
	if e.Seq == nil {
		return 0
	}
	return *e.Seq
}
