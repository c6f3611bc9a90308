package threadrelay

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type CreateThreadRequest struct {
	ThreadKey string
	Title     string
	Summary   string
	Source    string
	Context   string
}

type ThreadLookup struct {
	ThreadKey string         `json:"threadKey"`
	NoteID    string         `json:"noteId"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// NoteBackend is the narrow contract consumed from the note-taking service.
type NoteBackend interface {
	CreateThread(ctx context.Context, req CreateThreadRequest) (string, error)
	AppendToThread(ctx context.Context, noteID, text string) error
	GetThreadContent(ctx context.Context, noteID string) (string, error)
	GetThreadByKey(ctx context.Context, threadKey string) (ThreadLookup, error)
}

type Pinger interface {
	Ping(ctx context.Context) (map[string]any, error)
}

// RenderThreadNote is the initial markdown body of a thread note.
func RenderThreadNote(req CreateThreadRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", req.Title)
	if req.Summary != "" {
		fmt.Fprintf(&b, "%s\n\n", req.Summary)
	}
	if req.Source != "" {
		fmt.Fprintf(&b, "Source: %s\n", req.Source)
	}
	if req.ThreadKey != "" {
		fmt.Fprintf(&b, "Thread: %s\n", req.ThreadKey)
	}
	if req.Context != "" {
		fmt.Fprintf(&b, "\n## Context\n\n%s\n", req.Context)
	}
	return b.String()
}

type memoryNote struct {
	threadKey string
	title     string
	content   string
}

// MemoryNoteBackend keeps notes in process.
type MemoryNoteBackend struct {
	mu      sync.Mutex
	seq     int
	notes   map[string]*memoryNote
	byKey   map[string]string
	creates int
	appends []string
}

func NewMemoryNoteBackend() *MemoryNoteBackend {
	return &MemoryNoteBackend{
		notes: map[string]*memoryNote{},
		byKey: map[string]string{},
	}
}

func (b *MemoryNoteBackend) CreateThread(ctx context.Context, req CreateThreadRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.creates++
	noteID := fmt.Sprintf("note_%d", b.seq)
	b.notes[noteID] = &memoryNote{threadKey: req.ThreadKey, title: req.Title, content: RenderThreadNote(req)}
	if req.ThreadKey != "" {
		b.byKey[req.ThreadKey] = noteID
	}
	return noteID, nil
}

func (b *MemoryNoteBackend) AppendToThread(ctx context.Context, noteID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	note, ok := b.notes[noteID]
	if !ok {
		return &BackendError{Op: "append note", Status: 404, Message: "note " + noteID + " not found"}
	}
	if note.content != "" {
		note.content += "\n\n"
	}
	note.content += text
	b.appends = append(b.appends, text)
	return nil
}

func (b *MemoryNoteBackend) GetThreadContent(ctx context.Context, noteID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	note, ok := b.notes[noteID]
	if !ok {
		return "", &BackendError{Op: "get note content", Status: 404, Message: "note " + noteID + " not found"}
	}
	return note.content, nil
}

func (b *MemoryNoteBackend) GetThreadByKey(ctx context.Context, threadKey string) (ThreadLookup, error) {
	if err := ctx.Err(); err != nil {
		return ThreadLookup{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	noteID, ok := b.byKey[threadKey]
	if !ok {
		return ThreadLookup{}, &NotFoundError{Message: "Could not resolve noteId for thread"}
	}
	return ThreadLookup{
		ThreadKey: threadKey,
		NoteID:    noteID,
		Meta:      map[string]any{"title": b.notes[noteID].title},
	}, nil
}

func (b *MemoryNoteBackend) Ping(ctx context.Context) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]any{"backend": "memory", "notes": len(b.notes)}, nil
}

// SetContent replaces a note body; it seeds router tests.
func (b *MemoryNoteBackend) SetContent(noteID, content string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if note, ok := b.notes[noteID]; ok {
		note.content = content
		return
	}
	b.notes[noteID] = &memoryNote{content: content}
}

func (b *MemoryNoteBackend) CreateCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.creates
}

func (b *MemoryNoteBackend) Appends() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.appends...)
}

// FailingNoteBackend stands in when no note service is configured. Every
// call fails with a BackendError naming the capability.
type FailingNoteBackend struct {
	Reason string
}

func NewFailingNoteBackend(reason string) *FailingNoteBackend {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "note backend disabled"
	}
	return &FailingNoteBackend{Reason: reason}
}

func (b *FailingNoteBackend) fail(op string) error {
	return &BackendError{Op: op, Message: b.Reason}
}

func (b *FailingNoteBackend) CreateThread(context.Context, CreateThreadRequest) (string, error) {
	return "", b.fail("create thread")
}

func (b *FailingNoteBackend) AppendToThread(context.Context, string, string) error {
	return b.fail("append to thread")
}

func (b *FailingNoteBackend) GetThreadContent(context.Context, string) (string, error) {
	return "", b.fail("get thread content")
}

func (b *FailingNoteBackend) GetThreadByKey(context.Context, string) (ThreadLookup, error) {
	return ThreadLookup{}, b.fail("get thread by key")
}

func (b *FailingNoteBackend) Ping(context.Context) (map[string]any, error) {
	return nil, b.fail("ping")
}
