package main

import (
	"bytes"
	"io"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/threadrelay/internal/threadrelay"
)

func newIngestCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Ingest one message event read from stdin",
		Long: `Reads a message event as JSON on stdin, creates or reuses its thread note,
appends follow-up messages, and updates the recent-thread pointers.

Accepted fields: guild_id|guildId, channel_id|channelId (required),
message_id|messageId (required), author|username|user, content|message,
jump_url|url, root_message_id|rootMessageId, force_append, source.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, opts)
		},
	}
}

func runIngest(cmd *cobra.Command, opts *rootOptions) error {
	out := cmd.OutOrStdout()
	fail := func(message string, err error) error {
		_ = writeOutput(out, failure(message))
		return exitWith(2, err)
	}

	raw, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return fail("failed to read stdin: "+err.Error(), err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return fail("No input JSON on stdin", threadrelay.ErrInvalidInput)
	}
	payload, err := threadrelay.DecodeObject(raw)
	if err != nil {
		return fail("Invalid JSON: "+err.Error(), err)
	}
	if err := threadrelay.ValidateIngestPayload(payload); err != nil {
		return fail(err.Error(), err)
	}
	ev := threadrelay.ParseIngestRequest(payload)
	if err := ev.Validate(); err != nil {
		return fail(err.Error(), err)
	}

	a, err := buildApp(opts.cfg)
	if err != nil {
		return fail(err.Error(), err)
	}
	defer a.Close()

	ctx, cancel := commandContext(cmd, opts.cfg)
	defer cancel()
	result, err := a.pipeline.Ingest(ctx, ev)
	if err != nil {
		return fail(err.Error(), err)
	}
	return writeOutput(out, result)
}
