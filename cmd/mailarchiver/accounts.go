package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nhle/mail-archiver/internal/credential"
	"github.com/nhle/mail-archiver/internal/store"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Inspect configured accounts and manage their secrets",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts with their checkpoint and archive size",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		accts, err := a.Store.GetAccounts(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tENABLED\tCHECKPOINT\tMESSAGES")
		for _, acct := range accts {
			id := acct.ID
			n, err := a.Store.CountMessages(ctx, store.MessageFilter{AccountID: &id})
			if err != nil {
				return err
			}
			checkpoint := "never"
			if acct.Checkpoint != nil {
				checkpoint = acct.Checkpoint.Local().Format(time.DateTime)
			}
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%d\n", acct.ID, acct.Kind, acct.Enabled, checkpoint, n)
		}
		return w.Flush()
	},
}

var accountsResetCmd = &cobra.Command{
	Use:   "reset <account-id>",
	Short: "Clear the checkpoint so the next sync re-reads the whole mailbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Store.ResetCheckpoint(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Checkpoint of %s cleared.\n", args[0])
		return nil
	},
}

var accountsRemoveCmd = &cobra.Command{
	Use:   "remove <account-id>",
	Short: "Delete an account and everything archived for it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.RemoveAccount(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Account %s removed.\n", args[0])
		return nil
	},
}

var accountsSetSecretCmd = &cobra.Command{
	Use:   "set-secret <keyring-key>",
	Short: "Store a password or client secret in the system keyring",
	Long: `Store a secret under the given key. Reference it from an account
with secret_ref: "keyring:<key>". The secret is read from standard input.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := readSecret(cmd)
		if err != nil {
			return err
		}
		if secret == "" {
			return fmt.Errorf("empty secret")
		}
		if err := credential.Set(args[0], secret); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stored secret %q.\n", args[0])
		return nil
	},
}

func init() {
	accountsCmd.AddCommand(accountsListCmd, accountsResetCmd, accountsRemoveCmd, accountsSetSecretCmd)
}

// readSecret reads one line from stdin without echo when it is a terminal.
func readSecret(cmd *cobra.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(cmd.ErrOrStderr(), "Secret: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}
