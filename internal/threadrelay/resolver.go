package threadrelay

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// DeriveThreadKey builds <source>:<guild>:<channel>:<root>. Content, author
// and jump url never contribute.
func DeriveThreadKey(ev Event) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}
	root := ev.RootMessageID
	if root == "" {
		root = ev.MessageID
	}
	return strings.Join([]string{normalizeSource(ev.Source), ev.GuildID, ev.ChannelID, root}, ":"), nil
}

type Resolver struct {
	registry *ThreadRegistry
	backend  NoteBackend
	inflight singleflight.Group
}

func NewResolver(registry *ThreadRegistry, backend NoteBackend) *Resolver {
	return &Resolver{registry: registry, backend: backend}
}

type ensureResult struct {
	noteID  string
	created bool
}

// EnsureThread returns the note bound to threadKey, creating it on first
// sight. Calls for the same key inside one process share a single create;
// separate processes can still race and the last registry write wins.
func (r *Resolver) EnsureThread(ctx context.Context, threadKey string, req CreateThreadRequest) (string, bool, error) {
	if r == nil || r.registry == nil || r.backend == nil {
		return "", false, ErrInvalidInput
	}
	if record, ok, err := r.registry.Get(threadKey); err != nil {
		return "", false, err
	} else if ok {
		return record.NoteID, false, nil
	}

	ran := false
	value, err, _ := r.inflight.Do(threadKey, func() (any, error) {
		ran = true
		if record, ok, err := r.registry.Get(threadKey); err != nil {
			return nil, err
		} else if ok {
			return ensureResult{noteID: record.NoteID}, nil
		}
		req.ThreadKey = threadKey
		noteID, createErr := r.backend.CreateThread(ctx, req)
		if noteID == "" {
			if createErr == nil {
				createErr = &BackendError{Op: "create thread", Message: "backend returned an empty note id"}
			}
			return nil, createErr
		}
		record := ThreadRecord{
			ThreadKey: threadKey,
			NoteID:    noteID,
			Metadata: map[string]any{
				"title":  req.Title,
				"source": req.Source,
			},
		}
		// a note created despite a failed follow-up step is still recorded;
		// retries must reuse it
		if err := r.registry.Put(record); err != nil {
			if createErr != nil {
				log.Error().Err(err).Str("thread_key", threadKey).Str("note_id", noteID).Msg("registry write failed after partial create")
				return nil, createErr
			}
			return nil, err
		}
		if createErr != nil {
			return nil, createErr
		}
		return ensureResult{noteID: noteID, created: true}, nil
	})
	if err != nil {
		return "", false, err
	}
	result := value.(ensureResult)
	// callers that joined an in-flight create did not create anything
	return result.noteID, result.created && ran, nil
}

// Lookup resolves a thread key to its note id: the registry first, then a
// direct backend search.
func (r *Resolver) Lookup(ctx context.Context, threadKey string) (ThreadLookup, error) {
	if r == nil || r.registry == nil {
		return ThreadLookup{}, ErrInvalidInput
	}
	record, ok, err := r.registry.Get(threadKey)
	if err != nil {
		return ThreadLookup{}, err
	}
	if ok {
		return ThreadLookup{ThreadKey: threadKey, NoteID: record.NoteID, Meta: record.Metadata}, nil
	}
	if r.backend == nil {
		return ThreadLookup{}, &NotFoundError{Message: "Could not resolve noteId for thread"}
	}
	found, err := r.backend.GetThreadByKey(ctx, threadKey)
	if err != nil {
		return ThreadLookup{}, &NotFoundError{Message: "Could not resolve noteId for thread"}
	}
	if found.NoteID == "" {
		return ThreadLookup{}, &NotFoundError{Message: "Could not resolve noteId for thread"}
	}
	found.ThreadKey = threadKey
	return found, nil
}
