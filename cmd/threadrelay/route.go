package main

import (
	"bytes"
	"io"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/threadrelay/internal/threadrelay"
)

func newRouteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "route",
		Short: "Route a free-text utterance to the current thread",
		Long: `Reads {"utterance": "...", "text": "...", "source": "discord"} on stdin,
classifies the utterance (show_thread, append, summarize, unknown), resolves
the current thread for the scope named in the utterance, promotes it to
active, and applies the action.

Exit status is 2 for unusable input and 1 when the thread or backend call
fails. Unknown intents and appends without text exit 0 with ok:false.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoute(cmd, opts)
		},
	}
}

func runRoute(cmd *cobra.Command, opts *rootOptions) error {
	out := cmd.OutOrStdout()
	fail := func(code int, message string, err error) error {
		_ = writeOutput(out, failure(message))
		return exitWith(code, err)
	}

	raw, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return fail(2, "failed to read stdin: "+err.Error(), err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return fail(2, "No input. Provide JSON on stdin.", threadrelay.ErrInvalidInput)
	}
	payload, err := threadrelay.DecodeObject(raw)
	if err != nil {
		return fail(2, "Invalid JSON input: "+err.Error(), err)
	}
	if err := threadrelay.ValidateRouteRequest(payload); err != nil {
		return fail(2, err.Error(), err)
	}
	if _, ok := payload["source"]; !ok && opts.cfg != nil {
		payload["source"] = opts.cfg.Router.Source
	}
	req, err := threadrelay.ParseRouteRequest(payload)
	if err != nil {
		return fail(2, err.Error(), err)
	}

	a, err := buildApp(opts.cfg)
	if err != nil {
		return fail(1, err.Error(), err)
	}
	defer a.Close()

	ctx, cancel := commandContext(cmd, opts.cfg)
	defer cancel()
	resp := a.router.Route(ctx, req)
	if err := writeOutput(out, resp); err != nil {
		return err
	}
	if resp.Failed {
		return exitWith(1, threadrelay.ErrBackend)
	}
	return nil
}
