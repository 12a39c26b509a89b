package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/user/turnstile/internal/types"
)

func init() {
	rootCmd.AddCommand(approvalCmd)
	approvalCmd.AddCommand(approvalListCmd)
}

var approvalCmd = &cobra.Command{
	Use:   "approval",
	Short: "Inspect approval requests",
}

var approvalListCmd = &cobra.Command{
	Use:   "list <session>",
	Short: "List a session's approval requests",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(loadConfig())
		if err != nil {
			return err
		}
		defer store.Close()

		list, err := store.ListApprovals(context.Background(), types.SessionID(args[0]))
		if err != nil {
			return fmt.Errorf("list approvals: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No approval requests found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTOOL\tSTATUS\tRESOLVED BY\tREQUESTED\tEXPIRES")
		for _, a := range list {
			by := string(a.ResolvedBy)
			if by == "" {
				by = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				a.ID,
				a.ToolName,
				a.Status,
				by,
				a.RequestedAt.Format("2006-01-02 15:04:05"),
				a.ExpiresAt.Format("15:04:05"),
			)
		}
		return w.Flush()
	},
}
