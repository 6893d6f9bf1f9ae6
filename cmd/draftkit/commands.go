package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/darkostanimirovic/draftkit"
)

// withApp wires the session, runs fn under a context cancelled by SIGINT or
// SIGTERM, and releases the session's resources afterwards.
func withApp(fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			a.logger.Warn("Shutdown failed", "error", err)
		}
	}()
	return fn(ctx, a)
}

// runResult reports the outcome of a run. A cancelled run is not an error.
func runResult(cmd *cobra.Command, res *draftkit.Result, err error) error {
	if draftkit.IsCancelled(err) {
		fmt.Fprintln(cmd.ErrOrStderr(), "cancelled; continue with `draftkit recover`")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "conversation id: %s\n", res.ConversationID)
	return nil
}

func startCmd() *cobra.Command {
	var req draftkit.StartRequest

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Compose a reply draft for a thread",
		Long: `Start a conversation for a mail thread and stream the reply draft.

The optional prompt steers the draft, for example "decline politely" or
"propose Thursday instead".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				res, err := a.session.Start(ctx, req, newPrinter(cmd.OutOrStdout()))
				return runResult(cmd, res, err)
			})
		},
	}

	cmd.Flags().StringVarP(&req.UserID, "user", "u", "", "mailbox owner")
	cmd.Flags().StringVarP(&req.ThreadID, "thread", "t", "", "thread to reply to")
	cmd.Flags().StringVar(&req.AccountID, "account", "", "account id used for knowledge lookups (default: the thread's account)")
	cmd.Flags().StringVarP(&req.Prompt, "prompt", "p", "", "instruction for the draft")
	cmd.Flags().StringVar(&req.ConversationID, "conversation", "", "reuse a conversation id")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("thread")

	return cmd
}

func resumeCmd() *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "resume <conversation-id>",
		Short: "Revise a draft with feedback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				res, err := a.session.Resume(ctx, args[0], message, newPrinter(cmd.OutOrStdout()))
				return runResult(cmd, res, err)
			})
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "feedback on the previous draft")
	_ = cmd.MarkFlagRequired("message")

	return cmd
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover <conversation-id>",
		Short: "Continue a failed or cancelled run from its last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				res, err := a.session.Recover(ctx, args[0], newPrinter(cmd.OutOrStdout()))
				if errors.Is(err, draftkit.ErrNothingToRecover) {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing to recover: the last run completed")
					return nil
				}
				return runResult(cmd, res, err)
			})
		},
	}
}

func stateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <conversation-id>",
		Short: "Print the dialogue of a conversation as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				state, err := a.session.GetState(ctx, args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(state)
			})
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "List the checkpoints of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				history, err := a.session.History(ctx, args[0])
				if err != nil {
					return err
				}
				printHistory(cmd, history)
				return nil
			})
		},
	}
}

func printHistory(cmd *cobra.Command, history []draftkit.Checkpoint) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tSTEP\tNEXT\tMODE\tRUN\tUPDATED")
	for _, cp := range history {
		next := cp.Next
		if next == "" {
			next = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			cp.Sequence, cp.Step, next, cp.Mode, shortID(cp.RunID), cp.UpdatedAt.Format(time.RFC3339))
	}
	w.Flush()
}

func capabilitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities",
		Short: "List the capabilities the agent can call",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(_ context.Context, a *app) error {
				for _, name := range a.session.Capabilities() {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
