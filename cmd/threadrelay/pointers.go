package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/threadrelay/internal/threadrelay"
)

func newPointersCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pointers",
		Short: "Inspect and update the recent-thread pointers",
		Args:  cobra.NoArgs,
	}
	cmd.AddCommand(newPointersShowCmd(opts))
	cmd.AddCommand(newPointersLatestCmd(opts))
	cmd.AddCommand(newPointersSetActiveCmd(opts))
	cmd.AddCommand(newPointersWatchCmd(opts))
	return cmd
}

func newPointersShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the pointer document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			snapshot, err := a.pointers.Snapshot()
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), snapshot)
		},
	}
}

func newPointersLatestCmd(opts *rootOptions) *cobra.Command {
	var query threadrelay.LatestQuery
	cmd := &cobra.Command{
		Use:   "get-latest",
		Short: "Print the thread key for the most specific known scope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			key, err := a.pointers.Latest(query)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err.Error())
				return exitWith(1, err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
			return err
		},
	}
	cmd.Flags().StringVar(&query.Source, "source", "discord", "Message source")
	cmd.Flags().StringVar(&query.Channel, "channel", "", "Channel id")
	cmd.Flags().StringVar(&query.Guild, "guild", "", "Guild id")
	cmd.Flags().BoolVar(&query.PreferActive, "prefer-active", false, "Prefer the active thread when no scope is given")
	return cmd
}

func newPointersSetActiveCmd(opts *rootOptions) *cobra.Command {
	var thread string
	cmd := &cobra.Command{
		Use:   "set-active",
		Short: "Mark a thread as the active thread",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.pointers.SetActive(thread); err != nil {
				_ = writeOutput(cmd.OutOrStdout(), failure(err.Error()))
				return exitWith(2, err)
			}
			return writeOutput(cmd.OutOrStdout(), map[string]any{"ok": true, "active": thread})
		},
	}
	cmd.Flags().StringVar(&thread, "thread", "", "Thread key to mark active")
	return cmd
}

func newPointersWatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print the pointer document each time it changes",
		Long:  `Watches a file-backed pointer document and prints it after every write.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := threadrelay.BuildDocumentBackendFromDSN(opts.cfg.PointersDSN(), pointersDocKey)
			if err != nil {
				return err
			}
			fileBackend, ok := backend.(*threadrelay.JSONFileDocumentBackend)
			if !ok {
				return errors.New("pointers watch requires a file-backed pointer document")
			}
			store := threadrelay.NewPointerStore(fileBackend)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return watchPointers(ctx, fileBackend.Path, func() error {
				snapshot, err := store.Snapshot()
				if err != nil {
					return err
				}
				return writeOutput(cmd.OutOrStdout(), snapshot)
			})
		},
	}
}

// watchPointers calls emit once up front and again after each change to path.
// Writes land via rename, so the parent directory is watched.
func watchPointers(ctx context.Context, path string, emit func() error) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return err
	}
	if err := emit(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != absPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := emit(); err != nil {
				log.Warn().Err(err).Str("path", absPath).Msg("reading pointer document")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("pointer watcher error")
		}
	}
}
