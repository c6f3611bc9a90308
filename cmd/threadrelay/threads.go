package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/threadrelay/internal/threadrelay"
)

func newThreadsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "Inspect the thread registry",
		Args:  cobra.NoArgs,
	}
	cmd.AddCommand(newThreadsGetCmd(opts))
	cmd.AddCommand(newThreadsListCmd(opts))
	return cmd
}

func newThreadsGetCmd(opts *rootOptions) *cobra.Command {
	var thread string
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Resolve a thread key to its note id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if thread == "" {
				_ = writeOutput(out, failure("Missing required field: thread"))
				return exitWith(2, threadrelay.ErrInvalidInput)
			}
			a, err := buildApp(opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := commandContext(cmd, opts.cfg)
			defer cancel()
			found, err := a.pipeline.Resolver().Lookup(ctx, thread)
			if err != nil {
				_ = writeOutput(out, failure(err.Error()))
				if errors.Is(err, threadrelay.ErrNotFound) {
					return exitWith(1, err)
				}
				return exitWith(2, err)
			}
			return writeOutput(out, map[string]any{
				"ok":        true,
				"threadKey": found.ThreadKey,
				"noteId":    found.NoteID,
				"meta":      found.Meta,
			})
		},
	}
	cmd.Flags().StringVar(&thread, "thread", "", "Thread key")
	return cmd
}

func newThreadsListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered threads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			records, err := a.registry.List()
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), map[string]any{"ok": true, "threads": records})
		},
	}
}
