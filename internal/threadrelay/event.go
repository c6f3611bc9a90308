package threadrelay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	DefaultSource = "discord"
	DefaultAuthor = "unknown"
)

type Event struct {
	Source        string `json:"source"`
	GuildID       string `json:"guild_id"`
	ChannelID     string `json:"channel_id"`
	MessageID     string `json:"message_id"`
	RootMessageID string `json:"root_message_id"`
	Author        string `json:"author"`
	Content       string `json:"content"`
	JumpURL       string `json:"jump_url"`
	ForceAppend   bool   `json:"force_append,omitempty"`
}

func (e Event) Validate() error {
	if strings.TrimSpace(e.ChannelID) == "" || strings.TrimSpace(e.MessageID) == "" {
		return &ValidationError{Message: "Missing required fields: channel_id and message_id"}
	}
	return nil
}

func (e Event) IsThreadOpener() bool {
	return e.MessageID == e.RootMessageID
}

// DecodeObject parses a JSON object, keeping numbers as json.Number so
// large snowflake ids survive unchanged.
func DecodeObject(data []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, &MalformedInputError{Message: err.Error(), Err: err}
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, &MalformedInputError{Message: "unexpected data after top-level value"}
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		return nil, &MalformedInputError{Message: fmt.Sprintf("expected a JSON object, got %s", jsonKind(payload))}
	}
	return obj, nil
}

// ParseIngestRequest resolves the accepted field aliases of an ingest
// request into an Event.
func ParseIngestRequest(payload map[string]any) Event {
	ev := Event{
		Source:        firstString(payload, "source"),
		GuildID:       firstString(payload, "guild_id", "guildId"),
		ChannelID:     firstString(payload, "channel_id", "channelId"),
		MessageID:     firstString(payload, "message_id", "messageId"),
		RootMessageID: firstString(payload, "root_message_id", "rootMessageId"),
		Author:        firstString(payload, "author", "username", "user"),
		Content:       firstString(payload, "content", "message"),
		JumpURL:       firstString(payload, "jump_url", "url"),
	}
	if flag, ok := payload["force_append"].(bool); ok && flag {
		ev.ForceAppend = true
	}
	return ev.withDefaults()
}

func (e Event) withDefaults() Event {
	e.Source = strings.ToLower(strings.TrimSpace(e.Source))
	if e.Source == "" {
		e.Source = DefaultSource
	}
	if e.Author == "" {
		e.Author = DefaultAuthor
	}
	if e.RootMessageID == "" {
		e.RootMessageID = e.MessageID
	}
	return e
}

// firstString returns the first key whose value is present and non-empty.
func firstString(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if value := stringValue(payload[key]); value != "" {
			return value
		}
	}
	return ""
}

func stringValue(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return typed
	case json.Number:
		if f, err := typed.Float64(); err == nil && f == 0 {
			return ""
		}
		return typed.String()
	case float64:
		if typed == 0 {
			return ""
		}
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int:
		if typed == 0 {
			return ""
		}
		return strconv.Itoa(typed)
	case int64:
		if typed == 0 {
			return ""
		}
		return strconv.FormatInt(typed, 10)
	case bool:
		if !typed {
			return ""
		}
		return "true"
	case map[string]any, []any:
		if isEmptyContainer(typed) {
			return ""
		}
		data, err := json.Marshal(typed)
		if err != nil {
			return ""
		}
		return string(data)
	default:
		return fmt.Sprint(typed)
	}
}

func isEmptyContainer(v any) bool {
	switch typed := v.(type) {
	case map[string]any:
		return len(typed) == 0
	case []any:
		return len(typed) == 0
	}
	return false
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number, float64:
		return "number"
	case []any:
		return "array"
	default:
		return "value"
	}
}
