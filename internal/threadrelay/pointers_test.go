package threadrelay

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestPointerStoreRecordIngestScopes(t *testing.T) {
	store := NewPointerStoreWithOptions(PointerStoreOptions{
		Now: fixedClock(time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)),
	})
	require.NoError(t, store.RecordIngest("discord:1:9:5", "discord", "1", "9"))

	doc, err := store.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"global:last":       "discord:1:9:5",
		"discord:last":      "discord:1:9:5",
		"discord:channel:9": "discord:1:9:5",
		"discord:guild:1":   "discord:1:9:5",
		"updated_at":        "2026-03-04T05:06:07+00:00",
	}, doc)
}

func TestPointerStoreChannelLastWriteWins(t *testing.T) {
	store := NewPointerStore(nil)
	require.NoError(t, store.RecordIngest("discord::9:5", "discord", "", "9"))
	require.NoError(t, store.RecordIngest("discord::9:7", "discord", "", "9"))
	require.NoError(t, store.RecordIngest("discord::3:1", "discord", "", "3"))

	key, err := store.Latest(LatestQuery{Channel: "9"})
	require.NoError(t, err)
	assert.Equal(t, "discord::9:7", key)

	key, err = store.Latest(LatestQuery{})
	require.NoError(t, err)
	assert.Equal(t, "discord::3:1", key)
}

func TestPointerStoreLatestOrder(t *testing.T) {
	store := NewPointerStore(nil)

	_, err := store.Latest(LatestQuery{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, "No last thread known yet", err.Error())

	require.NoError(t, store.RecordIngest("slack::c:1", "slack", "", "c"))
	key, err := store.Latest(LatestQuery{Source: "discord"})
	require.NoError(t, err)
	assert.Equal(t, "slack::c:1", key, "falls back to global:last")

	require.NoError(t, store.RecordIngest("discord:g:9:5", "discord", "g", "9"))
	require.NoError(t, store.RecordIngest("slack::c:2", "slack", "", "c"))
	key, err = store.Latest(LatestQuery{Source: "discord"})
	require.NoError(t, err)
	assert.Equal(t, "discord:g:9:5", key, "per-source pointer beats global")

	require.NoError(t, store.SetActive("discord:g:9:1"))
	key, err = store.Latest(LatestQuery{Source: "discord"})
	require.NoError(t, err)
	assert.Equal(t, "discord:g:9:5", key, "active ignored unless preferred")

	key, err = store.Latest(LatestQuery{Source: "discord", PreferActive: true})
	require.NoError(t, err)
	assert.Equal(t, "discord:g:9:1", key)

	key, err = store.Latest(LatestQuery{Source: "discord", Guild: "g", PreferActive: true})
	require.NoError(t, err)
	assert.Equal(t, "discord:g:9:5", key, "explicit scope beats active")

	_, err = store.Latest(LatestQuery{Source: "discord", Channel: "404"})
	require.Error(t, err)
	assert.Equal(t, "No thread known for discord channel 404", err.Error())
}

func TestPointerStoreSetActiveRequiresThread(t *testing.T) {
	store := NewPointerStore(nil)
	err := store.SetActive("  ")
	require.Error(t, err)
	assert.Equal(t, "Missing required field: thread", err.Error())
}

func TestPointerDocumentIsSortedAndIndented(t *testing.T) {
	path := filepath.Join(t.TempDir(), "last_thread.json")
	backend := NewJSONFileDocumentBackend(path)
	store := NewPointerStoreWithOptions(PointerStoreOptions{
		Backend: backend,
		Now:     fixedClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
	})
	require.NoError(t, store.RecordIngest("discord::9:5", "discord", "", "9"))

	data, err := backend.Load()
	require.NoError(t, err)
	want := strings.Join([]string{
		"{",
		`  "discord:channel:9": "discord::9:5",`,
		`  "discord:last": "discord::9:5",`,
		`  "global:last": "discord::9:5",`,
		`  "updated_at": "2026-01-02T03:04:05+00:00"`,
		"}",
		"",
	}, "\n")
	assert.Equal(t, want, string(data))
}

func TestPointerStoreIgnoresCorruptDocument(t *testing.T) {
	backend := NewInMemoryDocumentBackend()
	require.NoError(t, backend.Save([]byte("not json")))
	store := NewPointerStore(backend)

	doc, err := store.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, doc)

	require.NoError(t, store.SetActive("k"))
	key, err := store.Latest(LatestQuery{PreferActive: true})
	require.NoError(t, err)
	assert.Equal(t, "k", key)
}

func TestThreadRegistryPutGetList(t *testing.T) {
	registry := NewThreadRegistry(nil)
	require.NoError(t, registry.Put(ThreadRecord{ThreadKey: "b", NoteID: "n2"}))
	require.NoError(t, registry.Put(ThreadRecord{ThreadKey: "a", NoteID: "n1", Metadata: map[string]any{"title": "A"}}))

	record, ok, err := registry.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "n1", record.NoteID)
	assert.NotEmpty(t, record.CreatedAt)

	_, ok, err = registry.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	records, err := registry.List()
	require.NoError(t, err)
	var keys []string
	for _, record := range records {
		keys = append(keys, record.ThreadKey+"="+record.NoteID)
	}
	if diff := cmp.Diff([]string{"a=n1", "b=n2"}, keys); diff != "" {
		t.Fatalf("registry listing mismatch (-want +got):\n%s", diff)
	}
}

func TestThreadRegistryNoteIDIsImmutable(t *testing.T) {
	registry := NewThreadRegistry(nil)
	require.NoError(t, registry.Put(ThreadRecord{ThreadKey: "k", NoteID: "n1", CreatedAt: "2026-01-01T00:00:00Z"}))
	require.NoError(t, registry.Put(ThreadRecord{ThreadKey: "k", NoteID: "n1"}))

	err := registry.Put(ThreadRecord{ThreadKey: "k", NoteID: "n2"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidInput))

	record, _, err := registry.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "n1", record.NoteID)
	assert.Equal(t, "2026-01-01T00:00:00Z", record.CreatedAt)
}

func TestThreadRegistryReadsLegacyFieldNames(t *testing.T) {
	backend := NewInMemoryDocumentBackend()
	require.NoError(t, backend.Save([]byte(`{"k": {"note_id": "n9", "meta": {"title": "old"}}}`)))
	registry := NewThreadRegistry(backend)

	record, ok, err := registry.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "n9", record.NoteID)
	assert.Equal(t, "old", record.Metadata["title"])
}
