package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	searchAccount string
	searchLimit   int
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Full-text search over archived subjects, bodies and addresses",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		msgs, err := a.Store.SearchMessages(ctx, searchAccount, strings.Join(args, " "), searchLimit)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No messages found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDATE\tFROM\tFOLDER\tSUBJECT")
		for _, m := range msgs {
			from := ""
			if len(m.From) > 0 {
				from = m.From[0]
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				m.ID, m.SentAt.Local().Format(time.DateTime), from, m.Folder, m.Subject)
		}
		return w.Flush()
	},
}

func init() {
	searchCmd.Flags().StringVar(&searchAccount, "account", "", "Restrict results to one account")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 50, "Maximum number of results")
}
