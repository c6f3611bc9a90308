package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/threadrelay/internal/threadrelay"
)

func newBackendCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Check the note backend",
		Args:  cobra.NoArgs,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ping",
		Short: "Verify the note backend is reachable and the token is accepted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			a, err := buildApp(opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			pinger, ok := a.backend.(threadrelay.Pinger)
			if !ok {
				err := errors.New("note backend does not support ping")
				_ = writeOutput(out, failure(err.Error()))
				return exitWith(1, err)
			}
			ctx, cancel := commandContext(cmd, opts.cfg)
			defer cancel()
			info, err := pinger.Ping(ctx)
			if err != nil {
				_ = writeOutput(out, failure(err.Error()))
				return exitWith(1, err)
			}
			return writeOutput(out, map[string]any{"ok": true, "backend": opts.cfg.Backend.Kind, "info": info})
		},
	})
	return cmd
}
