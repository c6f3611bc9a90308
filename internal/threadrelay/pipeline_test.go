package threadrelay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSaveBackend struct {
	InMemoryDocumentBackend
}

func (b *failingSaveBackend) Save([]byte) error {
	return errors.New("disk full")
}

func newTestPipeline(t *testing.T) (*Pipeline, *MemoryNoteBackend, *PointerStore, *ThreadRegistry) {
	t.Helper()
	notes := NewMemoryNoteBackend()
	pointers := NewPointerStore(nil)
	registry := NewThreadRegistry(nil)
	pipeline := NewPipeline(PipelineOptions{
		Registry: registry,
		Pointers: pointers,
		Backend:  notes,
		Now:      fixedClock(time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)),
	})
	return pipeline, notes, pointers, registry
}

func TestPipelineCreatesThenReusesThread(t *testing.T) {
	pipeline, notes, pointers, registry := newTestPipeline(t)
	ctx := context.Background()

	opener := Event{ChannelID: "9", MessageID: "5", Author: "ana", Content: "kickoff"}
	first, err := pipeline.Ingest(ctx, opener)
	require.NoError(t, err)
	assert.True(t, first.OK)
	assert.True(t, first.Created)
	assert.False(t, first.Appended, "openers are not appended")
	assert.Equal(t, "discord::9:5", first.ThreadKey)

	reply := Event{ChannelID: "9", MessageID: "6", RootMessageID: "5", Author: "bob", Content: "follow up"}
	second, err := pipeline.Ingest(ctx, reply)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.True(t, second.Appended)
	assert.Equal(t, first.NoteID, second.NoteID)
	assert.Equal(t, 1, notes.CreateCount())
	assert.Equal(t, []string{"bob: follow up"}, notes.Appends())

	record, ok, err := registry.Get("discord::9:5")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Intake: Discord 9 (2026-02-03T04:05:06Z)", record.Metadata["title"])

	key, err := pointers.Latest(LatestQuery{Channel: "9"})
	require.NoError(t, err)
	assert.Equal(t, "discord::9:5", key)

	content, err := notes.GetThreadContent(ctx, first.NoteID)
	require.NoError(t, err)
	assert.Contains(t, content, "# Intake: Discord 9 (2026-02-03T04:05:06Z)")
	assert.Contains(t, content, "Thread: discord::9:5")
	assert.Contains(t, content, "ana: kickoff")
	assert.True(t, strings.HasSuffix(content, "\n\nbob: follow up"))
}

func TestPipelineAppendGating(t *testing.T) {
	tests := []struct {
		name   string
		event  Event
		append bool
	}{
		{name: "opener", event: Event{ChannelID: "1", MessageID: "1", Content: "x"}, append: false},
		{name: "forced opener", event: Event{ChannelID: "1", MessageID: "1", Content: "x", ForceAppend: true}, append: true},
		{name: "reply", event: Event{ChannelID: "1", MessageID: "2", RootMessageID: "1", Content: "x"}, append: true},
		{name: "empty reply", event: Event{ChannelID: "1", MessageID: "2", RootMessageID: "1"}, append: false},
		{name: "empty forced", event: Event{ChannelID: "1", MessageID: "1", ForceAppend: true}, append: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pipeline, notes, _, _ := newTestPipeline(t)
			result, err := pipeline.Ingest(context.Background(), tc.event)
			require.NoError(t, err)
			assert.Equal(t, tc.append, result.Appended)
			assert.Equal(t, tc.append, len(notes.Appends()) == 1)
		})
	}
}

func TestPipelineTruncatesAppendedContent(t *testing.T) {
	pipeline, notes, _, _ := newTestPipeline(t)
	long := strings.Repeat("é", 600)
	_, err := pipeline.Ingest(context.Background(), Event{ChannelID: "1", MessageID: "2", RootMessageID: "1", Author: "ana", Content: long})
	require.NoError(t, err)
	appends := notes.Appends()
	require.Len(t, appends, 1)
	assert.Equal(t, "ana: "+strings.Repeat("é", 500)+"…", appends[0])
}

func TestPipelineRejectsMissingIDs(t *testing.T) {
	pipeline, notes, _, _ := newTestPipeline(t)
	_, err := pipeline.Ingest(context.Background(), Event{ChannelID: "9"})
	require.Error(t, err)
	assert.True(t, IsInputError(err))
	assert.Zero(t, notes.CreateCount())
}

func TestPipelineSwallowsPointerFailure(t *testing.T) {
	notes := NewMemoryNoteBackend()
	pipeline := NewPipeline(PipelineOptions{
		Pointers: NewPointerStore(&failingSaveBackend{}),
		Backend:  notes,
	})
	result, err := pipeline.Ingest(context.Background(), Event{ChannelID: "9", MessageID: "5"})
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.True(t, result.Created)
}

func TestPipelineSurfacesBackendFailure(t *testing.T) {
	pipeline := NewPipeline(PipelineOptions{Backend: NewFailingNoteBackend("Missing env TRILIUM_BASE_URL")})
	_, err := pipeline.Ingest(context.Background(), Event{ChannelID: "9", MessageID: "5"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBackend))
	assert.Equal(t, "create thread failed: Missing env TRILIUM_BASE_URL", FailedIngest(err).Message)
}

func TestResolverEnsureThreadIsIdempotent(t *testing.T) {
	notes := NewMemoryNoteBackend()
	resolver := NewResolver(NewThreadRegistry(nil), notes)
	ctx := context.Background()

	noteID, created, err := resolver.EnsureThread(ctx, "k", CreateThreadRequest{Title: "t"})
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := resolver.EnsureThread(ctx, "k", CreateThreadRequest{Title: "t"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, noteID, again)
	assert.Equal(t, 1, notes.CreateCount())
}

func TestResolverConcurrentFirstSightCreatesOnce(t *testing.T) {
	notes := NewMemoryNoteBackend()
	resolver := NewResolver(NewThreadRegistry(nil), notes)

	const workers = 16
	var wg sync.WaitGroup
	ids := make([]string, workers)
	createdCount := make([]bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			noteID, created, err := resolver.EnsureThread(context.Background(), "k", CreateThreadRequest{})
			assert.NoError(t, err)
			ids[i] = noteID
			createdCount[i] = created
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, notes.CreateCount())
	creators := 0
	for i := range ids {
		assert.Equal(t, ids[0], ids[i])
		if createdCount[i] {
			creators++
		}
	}
	assert.Equal(t, 1, creators)
}

func TestResolverLookupFallsBackToBackend(t *testing.T) {
	notes := NewMemoryNoteBackend()
	ctx := context.Background()
	noteID, err := notes.CreateThread(ctx, CreateThreadRequest{ThreadKey: "k", Title: "Intake"})
	require.NoError(t, err)

	resolver := NewResolver(NewThreadRegistry(nil), notes)
	found, err := resolver.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, noteID, found.NoteID)
	assert.Equal(t, "Intake", found.Meta["title"])

	_, err = resolver.Lookup(ctx, "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, "Could not resolve noteId for thread", err.Error())
}

type capturingNoteBackend struct {
	*MemoryNoteBackend
	mu       sync.Mutex
	requests []CreateThreadRequest
}

func (b *capturingNoteBackend) CreateThread(ctx context.Context, req CreateThreadRequest) (string, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()
	return b.MemoryNoteBackend.CreateThread(ctx, req)
}

func TestPipelineThreadCreationRequest(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		summary string
		context string
	}{
		{
			name:    "long content",
			event:   Event{GuildID: "1", ChannelID: "9", MessageID: "5", Author: "ana", Content: strings.Repeat("a", 141), JumpURL: "https://discord.com/channels/1/9/5"},
			summary: strings.Repeat("a", 140) + "…",
			context: "Channel: 9\nGuild: 1\nMessage ID: 5\nJump URL: https://discord.com/channels/1/9/5\n\nInitial Message\nana: " + strings.Repeat("a", 141),
		},
		{
			name:    "exact limit",
			event:   Event{ChannelID: "9", MessageID: "5", Author: "ana", Content: strings.Repeat("ü", 140)},
			summary: strings.Repeat("ü", 140),
			context: "Channel: 9\nMessage ID: 5\n\nInitial Message\nana: " + strings.Repeat("ü", 140),
		},
		{
			name:    "empty content",
			event:   Event{ChannelID: "9", MessageID: "5"},
			summary: "(no content)",
			context: "Channel: 9\nMessage ID: 5\n\nInitial Message\nunknown: ",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			notes := &capturingNoteBackend{MemoryNoteBackend: NewMemoryNoteBackend()}
			pipeline := NewPipeline(PipelineOptions{
				Backend: notes,
				Now:     fixedClock(time.Date(2026, 2, 3, 4, 5, 6, 0, time.FixedZone("CET", 3600))),
			})
			_, err := pipeline.Ingest(context.Background(), tc.event)
			require.NoError(t, err)

			require.Len(t, notes.requests, 1)
			req := notes.requests[0]
			assert.Equal(t, "Intake: Discord 9 (2026-02-03T03:05:06Z)", req.Title)
			assert.Equal(t, tc.summary, req.Summary)
			assert.Equal(t, tc.context, req.Context)
			assert.Equal(t, "discord", req.Source)
			assert.Equal(t, "discord:"+tc.event.GuildID+":9:5", req.ThreadKey)
		})
	}
}

func TestIngestResultJSON(t *testing.T) {
	data, err := json.Marshal(FailedIngest(errors.New("create thread failed: boom")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":false,"message":"create thread failed: boom"}`, string(data))

	data, err = json.Marshal(IngestResult{OK: true, ThreadKey: "discord::9:5", NoteID: "n1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true,"threadKey":"discord::9:5","created":false,"noteId":"n1"}`, string(data))
}
