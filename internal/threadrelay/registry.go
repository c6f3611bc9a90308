package threadrelay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type ThreadRecord struct {
	ThreadKey string         `json:"threadKey"`
	NoteID    string         `json:"noteId"`
	CreatedAt string         `json:"createdAt,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ThreadRegistry maps thread keys to backend note ids. It is the source of
// truth for whether a thread already exists.
type ThreadRegistry struct {
	backend DocumentBackend
	now     func() time.Time
	mu      sync.Mutex
}

func NewThreadRegistry(backend DocumentBackend) *ThreadRegistry {
	if backend == nil {
		backend = NewInMemoryDocumentBackend()
	}
	return &ThreadRegistry{backend: backend, now: time.Now}
}

func (r *ThreadRegistry) Get(threadKey string) (ThreadRecord, bool, error) {
	if r == nil {
		return ThreadRecord{}, false, ErrInvalidInput
	}
	records, err := r.load()
	if err != nil {
		return ThreadRecord{}, false, err
	}
	record, ok := records[threadKey]
	if !ok || record.NoteID == "" {
		return ThreadRecord{}, false, nil
	}
	return record, true, nil
}

// Put stores record. A key that already maps to a different note id is
// rejected; note ids never change once assigned.
func (r *ThreadRegistry) Put(record ThreadRecord) error {
	if r == nil {
		return ErrInvalidInput
	}
	record.ThreadKey = strings.TrimSpace(record.ThreadKey)
	record.NoteID = strings.TrimSpace(record.NoteID)
	if record.ThreadKey == "" || record.NoteID == "" {
		return &ValidationError{Message: "thread record requires threadKey and noteId"}
	}
	if record.CreatedAt == "" {
		record.CreatedAt = r.now().UTC().Format(time.RFC3339)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	records, err := r.load()
	if err != nil {
		return err
	}
	if existing, ok := records[record.ThreadKey]; ok && existing.NoteID != "" && existing.NoteID != record.NoteID {
		return fmt.Errorf("%w: thread %s already bound to note %s", ErrInvalidInput, record.ThreadKey, existing.NoteID)
	} else if ok && existing.CreatedAt != "" {
		record.CreatedAt = existing.CreatedAt
	}
	records[record.ThreadKey] = record
	return r.save(records)
}

func (r *ThreadRegistry) List() ([]ThreadRecord, error) {
	if r == nil {
		return nil, ErrInvalidInput
	}
	records, err := r.load()
	if err != nil {
		return nil, err
	}
	out := make([]ThreadRecord, 0, len(records))
	for _, record := range records {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ThreadKey < out[j].ThreadKey })
	return out, nil
}

func (r *ThreadRegistry) load() (map[string]ThreadRecord, error) {
	data, err := r.backend.Load()
	if err != nil {
		return nil, err
	}
	records := map[string]ThreadRecord{}
	if len(bytes.TrimSpace(data)) == 0 {
		return records, nil
	}
	var raw map[string]map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		// corrupt registry reads as empty, matching a missing file
		return records, nil
	}
	for key, entry := range raw {
		record := ThreadRecord{
			ThreadKey: firstString(entry, "threadKey", "thread_key"),
			NoteID:    firstString(entry, "noteId", "note_id"),
			CreatedAt: firstString(entry, "createdAt", "created_at"),
		}
		if record.ThreadKey == "" {
			record.ThreadKey = key
		}
		if meta, ok := entry["metadata"].(map[string]any); ok {
			record.Metadata = meta
		} else if meta, ok := entry["meta"].(map[string]any); ok {
			record.Metadata = meta
		}
		records[key] = record
	}
	return records, nil
}

func (r *ThreadRegistry) save(records map[string]ThreadRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return r.backend.Save(append(data, '\n'))
}
