package threadrelay

// Normalize maps a provider payload onto an Event. Payloads already using
// ingest names (snake or camel case) pass through alias resolution
// unchanged; anything else is read as a gateway message object. Missing
// fields default.
func Normalize(payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	if nested, ok := payload["message"].(map[string]any); ok {
		payload = nested
	}
	if hasCanonicalIDs(payload) {
		ev := ParseIngestRequest(payload)
		if author, ok := payload["author"].(map[string]any); ok {
			ev.Author = firstString(author, "username", "name")
			ev = ev.withDefaults()
		}
		return ev
	}

	ev := Event{
		Source:    firstString(payload, "source"),
		MessageID: firstString(payload, "id", "messageId"),
		ChannelID: firstString(payload, "channelId", "channel_id"),
		GuildID:   firstString(payload, "guildId", "guild_id"),
		Content:   firstString(payload, "content", "message"),
		JumpURL:   firstString(payload, "url", "jump_url"),
	}
	if author, ok := payload["author"].(map[string]any); ok {
		ev.Author = firstString(author, "username", "name")
	} else {
		ev.Author = firstString(payload, "username", "user")
	}

	switch {
	case firstString(payload, "rootMessageId", "root_message_id") != "":
		ev.RootMessageID = firstString(payload, "rootMessageId", "root_message_id")
	case referencedMessageID(payload) != "":
		ev.RootMessageID = referencedMessageID(payload)
	default:
		ev.RootMessageID = ev.MessageID
	}
	return ev.withDefaults()
}

// hasCanonicalIDs reports whether payload names its ids the way an ingest
// request does. A bare channelId next to an id field is a gateway message.
func hasCanonicalIDs(payload map[string]any) bool {
	for _, key := range []string{"channel_id", "message_id", "messageId"} {
		if _, ok := payload[key]; ok {
			return true
		}
	}
	_, hasChannel := payload["channelId"]
	_, hasID := payload["id"]
	return hasChannel && !hasID
}

func referencedMessageID(payload map[string]any) string {
	if ref, ok := payload["reference"].(map[string]any); ok {
		if id := firstString(ref, "messageId", "message_id"); id != "" {
			return id
		}
	}
	if ref, ok := payload["message_reference"].(map[string]any); ok {
		return firstString(ref, "message_id", "messageId")
	}
	return ""
}

// EventRecord is the event log representation of a normalized event.
func (e Event) EventRecord() map[string]any {
	record := map[string]any{
		"source":          e.Source,
		"guild_id":        e.GuildID,
		"channel_id":      e.ChannelID,
		"message_id":      e.MessageID,
		"root_message_id": e.RootMessageID,
		"author":          e.Author,
		"content":         e.Content,
		"jump_url":        e.JumpURL,
	}
	if e.ForceAppend {
		record["force_append"] = true
	}
	return record
}
