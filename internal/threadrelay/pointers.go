package threadrelay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	PointerGlobalLast = "global:last"
	PointerActive     = "active"
	PointerUpdatedAt  = "updated_at"

	localTimestampLayout = "2006-01-02T15:04:05-07:00"
)

func SourceLastScope(source string) string {
	return normalizeSource(source) + ":last"
}

func ChannelScope(source, channelID string) string {
	return normalizeSource(source) + ":channel:" + channelID
}

func GuildScope(source, guildID string) string {
	return normalizeSource(source) + ":guild:" + guildID
}

type LatestQuery struct {
	Source       string
	Channel      string
	Guild        string
	PreferActive bool
}

type PointerStoreOptions struct {
	Backend DocumentBackend
	Now     func() time.Time
}

// PointerStore tracks the most recent thread key per scope plus the
// explicitly promoted active thread. Every mutation rewrites the whole
// document through the backend.
type PointerStore struct {
	backend DocumentBackend
	now     func() time.Time
	mu      sync.Mutex
}

func NewPointerStore(backend DocumentBackend) *PointerStore {
	return NewPointerStoreWithOptions(PointerStoreOptions{Backend: backend})
}

func NewPointerStoreWithOptions(opts PointerStoreOptions) *PointerStore {
	backend := opts.Backend
	if backend == nil {
		backend = NewInMemoryDocumentBackend()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &PointerStore{backend: backend, now: now}
}

// RecordIngest points the global, per-source, and (when known) per-channel
// and per-guild scopes at threadKey in one rewrite.
func (s *PointerStore) RecordIngest(threadKey, source, guildID, channelID string) error {
	if s == nil {
		return ErrInvalidInput
	}
	threadKey = strings.TrimSpace(threadKey)
	if threadKey == "" {
		return &ValidationError{Message: "thread key is required"}
	}
	return s.mutate(func(doc map[string]string) {
		doc[PointerGlobalLast] = threadKey
		doc[SourceLastScope(source)] = threadKey
		if channelID != "" {
			doc[ChannelScope(source, channelID)] = threadKey
		}
		if guildID != "" {
			doc[GuildScope(source, guildID)] = threadKey
		}
	})
}

func (s *PointerStore) SetActive(threadKey string) error {
	if s == nil {
		return ErrInvalidInput
	}
	threadKey = strings.TrimSpace(threadKey)
	if threadKey == "" {
		return &ValidationError{Message: "Missing required field: thread"}
	}
	return s.mutate(func(doc map[string]string) {
		doc[PointerActive] = threadKey
	})
}

// Latest resolves the most specific scope for q. An explicit channel or
// guild restricts the lookup to those scopes; otherwise the active pointer
// (when preferred) wins over the per-source and global pointers.
func (s *PointerStore) Latest(q LatestQuery) (string, error) {
	if s == nil {
		return "", ErrInvalidInput
	}
	doc, err := s.Snapshot()
	if err != nil {
		return "", err
	}
	source := normalizeSource(q.Source)
	channel := strings.TrimSpace(q.Channel)
	guild := strings.TrimSpace(q.Guild)

	var candidates []string
	if channel != "" || guild != "" {
		if channel != "" {
			candidates = append(candidates, ChannelScope(source, channel))
		}
		if guild != "" {
			candidates = append(candidates, GuildScope(source, guild))
		}
	} else {
		if q.PreferActive {
			candidates = append(candidates, PointerActive)
		}
		candidates = append(candidates, SourceLastScope(source), PointerGlobalLast)
	}
	for _, scope := range candidates {
		if key := strings.TrimSpace(doc[scope]); key != "" {
			return key, nil
		}
	}
	if channel != "" || guild != "" {
		return "", &NotFoundError{Message: fmt.Sprintf("No thread known for %s", describeScope(source, channel, guild))}
	}
	return "", &NotFoundError{Message: "No last thread known yet"}
}

// Snapshot returns the stored document; an unreadable document is empty.
func (s *PointerStore) Snapshot() (map[string]string, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	data, err := s.backend.Load()
	if err != nil {
		return nil, err
	}
	return decodePointerDocument(data), nil
}

func (s *PointerStore) mutate(apply func(doc map[string]string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.Snapshot()
	if err != nil {
		return err
	}
	apply(doc)
	doc[PointerUpdatedAt] = s.now().Format(localTimestampLayout)
	data, err := encodePointerDocument(doc)
	if err != nil {
		return err
	}
	return s.backend.Save(data)
}

func decodePointerDocument(data []byte) map[string]string {
	doc := map[string]string{}
	if len(bytes.TrimSpace(data)) == 0 {
		return doc
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return doc
	}
	for key, value := range raw {
		if text, ok := value.(string); ok {
			doc[key] = text
		}
	}
	return doc
}

// encodePointerDocument writes sorted keys with a two-space indent so the
// file diffs cleanly.
func encodePointerDocument(doc map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func normalizeSource(source string) string {
	source = strings.ToLower(strings.TrimSpace(source))
	if source == "" {
		return DefaultSource
	}
	return source
}

func describeScope(source, channel, guild string) string {
	parts := []string{source}
	if channel != "" {
		parts = append(parts, "channel "+channel)
	}
	if guild != "" {
		parts = append(parts, "guild "+guild)
	}
	return strings.Join(parts, " ")
}
