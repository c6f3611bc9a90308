package threadrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

const (
	summaryMaxRunes = 140
	appendMaxRunes  = 500
	ellipsis        = "…"
	noContent       = "(no content)"
)

type IngestResult struct {
	OK        bool   `json:"ok"`
	ThreadKey string `json:"threadKey,omitempty"`
	Created   bool   `json:"created"`
	NoteID    string `json:"noteId,omitempty"`
	Appended  bool   `json:"-"`
	Message   string `json:"message,omitempty"`
}

// MarshalJSON writes failures as {ok:false, message} only.
func (r IngestResult) MarshalJSON() ([]byte, error) {
	if !r.OK {
		return json.Marshal(struct {
			OK      bool   `json:"ok"`
			Message string `json:"message"`
		}{OK: false, Message: r.Message})
	}
	type result IngestResult
	return json.Marshal(result(r))
}

// FailedIngest converts err into the {ok:false, message} result shape.
func FailedIngest(err error) IngestResult {
	return IngestResult{OK: false, Message: err.Error()}
}

type PipelineOptions struct {
	Registry *ThreadRegistry
	Pointers *PointerStore
	Backend  NoteBackend
	Now      func() time.Time
}

// Pipeline handles one inbound event: resolve the thread, append the
// triggering message when it continues a thread, then move the pointers.
// Effects are committed in order and never rolled back.
type Pipeline struct {
	resolver *Resolver
	pointers *PointerStore
	backend  NoteBackend
	now      func() time.Time
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	registry := opts.Registry
	if registry == nil {
		registry = NewThreadRegistry(nil)
	}
	pointers := opts.Pointers
	if pointers == nil {
		pointers = NewPointerStore(nil)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		resolver: NewResolver(registry, opts.Backend),
		pointers: pointers,
		backend:  opts.Backend,
		now:      now,
	}
}

func (p *Pipeline) Resolver() *Resolver {
	return p.resolver
}

func (p *Pipeline) Ingest(ctx context.Context, ev Event) (IngestResult, error) {
	if p == nil || p.backend == nil {
		return IngestResult{}, ErrInvalidInput
	}
	ev = ev.withDefaults()
	if err := ev.Validate(); err != nil {
		return IngestResult{}, err
	}
	threadKey, err := DeriveThreadKey(ev)
	if err != nil {
		return IngestResult{}, err
	}

	noteID, created, err := p.resolver.EnsureThread(ctx, threadKey, p.creationRequest(ev))
	if err != nil {
		return IngestResult{}, err
	}
	result := IngestResult{OK: true, ThreadKey: threadKey, Created: created, NoteID: noteID}

	if ShouldAppend(ev) {
		text := fmt.Sprintf("%s: %s", ev.Author, truncateRunes(ev.Content, appendMaxRunes))
		if err := p.backend.AppendToThread(ctx, noteID, text); err != nil {
			return IngestResult{}, err
		}
		result.Appended = true
	}

	if err := p.pointers.RecordIngest(threadKey, ev.Source, ev.GuildID, ev.ChannelID); err != nil {
		log.Warn().Err(err).Str("thread_key", threadKey).Msg("pointer update failed")
	}
	return result, nil
}

// ShouldAppend reports whether the triggering message is appended to its
// thread: any non-opening message, or a forced one, with content.
func ShouldAppend(ev Event) bool {
	if ev.Content == "" {
		return false
	}
	return !ev.IsThreadOpener() || ev.ForceAppend
}

func (p *Pipeline) creationRequest(ev Event) CreateThreadRequest {
	stamp := p.now().UTC().Format("2006-01-02T15:04:05Z")
	summary := truncateRunes(ev.Content, summaryMaxRunes)
	if summary == "" {
		summary = noContent
	}

	lines := []string{"Channel: " + ev.ChannelID}
	if ev.GuildID != "" {
		lines = append(lines, "Guild: "+ev.GuildID)
	}
	lines = append(lines, "Message ID: "+ev.MessageID)
	if ev.JumpURL != "" {
		lines = append(lines, "Jump URL: "+ev.JumpURL)
	}
	lines = append(lines, "", "Initial Message", fmt.Sprintf("%s: %s", ev.Author, ev.Content))

	return CreateThreadRequest{
		Title:   fmt.Sprintf("Intake: %s %s (%s)", displaySource(ev.Source), ev.ChannelID, stamp),
		Summary: summary,
		Source:  ev.Source,
		Context: strings.Join(lines, "\n"),
	}
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + ellipsis
}

func displaySource(source string) string {
	source = normalizeSource(source)
	r, size := utf8.DecodeRuneInString(source)
	return string(unicode.ToUpper(r)) + source[size:]
}
