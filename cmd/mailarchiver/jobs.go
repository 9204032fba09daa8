package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhle/mail-archiver/internal/app"
	"github.com/nhle/mail-archiver/internal/deletion"
	"github.com/nhle/mail-archiver/internal/importer"
	"github.com/nhle/mail-archiver/internal/jobs"
	"github.com/nhle/mail-archiver/internal/restore"
)

var (
	syncFull      bool
	importFolder  string
	restoreFolder string
	deleteAccount string
)

var syncCmd = &cobra.Command{
	Use:   "sync [account-id]",
	Short: "Synchronize one account, or every enabled account, and wait",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		accountID := ""
		if len(args) == 1 {
			accountID = args[0]
		}
		return withWorkers(cmd, func(ctx context.Context, a *app.App) error {
			ids, err := a.SyncNow(ctx, accountID, syncFull)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No enabled accounts to sync.")
				return nil
			}
			var failed []string
			for _, id := range ids {
				job, ok := a.Sync.Get(id)
				if !ok {
					continue
				}
				snap := await(ctx, job, a.Sync.Cancel)
				printSnapshot(cmd.OutOrStdout(), snap)
				if snap.Status != jobs.StatusCompleted {
					failed = append(failed, snap.AccountID)
				}
			}
			if len(failed) > 0 {
				return fmt.Errorf("sync did not complete for %s", strings.Join(failed, ", "))
			}
			return nil
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import <account-id> <path>",
	Short: "Archive .eml files, mbox files or a directory of them",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkers(cmd, func(ctx context.Context, a *app.App) error {
			return submitAndWait(ctx, cmd.OutOrStdout(), a.Import, args[0], importer.Payload{
				AccountID: args[0],
				Path:      args[1],
				Folder:    importFolder,
			})
		})
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <account-id> <message-id>...",
	Short: "Upload archived messages back into a mailbox folder",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkers(cmd, func(ctx context.Context, a *app.App) error {
			return submitAndWait(ctx, cmd.OutOrStdout(), a.Restore, args[0], restore.Payload{
				AccountID:  args[0],
				Folder:     restoreFolder,
				MessageIDs: args[1:],
			})
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <message-id>...",
	Short: "Delete archived messages and their attachments",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkers(cmd, func(ctx context.Context, a *app.App) error {
			return submitAndWait(ctx, cmd.OutOrStdout(), a.Deletion, deleteAccount, deletion.Payload{
				AccountID:  deleteAccount,
				MessageIDs: args,
			})
		})
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncFull, "full", false, "Ignore the checkpoint and re-examine the whole mailbox")
	importCmd.Flags().StringVar(&importFolder, "folder", "", "Folder to file messages under (default: derived from the path)")
	restoreCmd.Flags().StringVar(&restoreFolder, "folder", "INBOX", "Target folder in the remote mailbox")
	deleteCmd.Flags().StringVar(&deleteAccount, "account", "", "Only delete messages that belong to this account")
}

// withWorkers opens the service, runs its job workers for the duration
// of fn and shuts them down afterwards.
func withWorkers(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	workCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Work(workCtx) }()

	err = fn(ctx, a)
	stop()
	if werr := <-done; werr != nil && err == nil {
		err = werr
	}
	return err
}

func submitAndWait[P any](ctx context.Context, out io.Writer, reg *jobs.Registry[P], accountID string, payload P) error {
	id, err := reg.Submit(accountID, payload)
	if err != nil {
		return err
	}
	job, ok := reg.Get(id)
	if !ok {
		return fmt.Errorf("job %s vanished", id)
	}

	snap := await(ctx, job, reg.Cancel)
	printSnapshot(out, snap)
	if snap.Status != jobs.StatusCompleted {
		return fmt.Errorf("%s job %s", snap.Family, snap.Status)
	}
	return nil
}

// await waits for job to finish. An interrupt cancels it and still
// waits for the terminal state.
func await[P any](ctx context.Context, job *jobs.Job[P], cancel func(id string) bool) jobs.Snapshot {
	select {
	case <-job.Done():
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "Cancelling", job.ID)
		cancel(job.ID)
		<-job.Done()
	}
	return job.Snapshot()
}

func printSnapshot(out io.Writer, s jobs.Snapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Job\t%s (%s)\n", s.ID, s.Family)
	if s.AccountID != "" {
		fmt.Fprintf(w, "Account\t%s\n", s.AccountID)
	}
	fmt.Fprintf(w, "Status\t%s\n", s.Status)
	fmt.Fprintf(w, "Processed\t%d of %d\n", s.Processed, s.Total)
	fmt.Fprintf(w, "Succeeded\t%d\n", s.Succeeded)
	fmt.Fprintf(w, "Skipped\t%d\n", s.Skipped)
	fmt.Fprintf(w, "Failed\t%d\n", s.Failed)
	if s.Error != "" {
		fmt.Fprintf(w, "Error\t%s\n", s.Error)
	}
	if !s.CompletedAt.IsZero() && !s.StartedAt.IsZero() {
		fmt.Fprintf(w, "Duration\t%s\n", s.CompletedAt.Sub(s.StartedAt).Round(time.Millisecond))
	}
	w.Flush()
	fmt.Fprintln(out)
}
