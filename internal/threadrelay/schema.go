package threadrelay

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Request shapes accepted at the transport boundary. Identifiers may arrive
// as strings or numbers; anything else is rejected before normalization.
const (
	ingestSchemaURL = "threadrelay-ingest.json"
	routeSchemaURL  = "threadrelay-route.json"

	ingestSchemaDoc = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"$defs": {
		"id": {"type": ["string", "number", "null"]},
		"text": {"type": ["string", "number", "boolean", "null"]}
	},
	"properties": {
		"source": {"type": ["string", "null"]},
		"guild_id": {"$ref": "#/$defs/id"},
		"guildId": {"$ref": "#/$defs/id"},
		"channel_id": {"$ref": "#/$defs/id"},
		"channelId": {"$ref": "#/$defs/id"},
		"message_id": {"$ref": "#/$defs/id"},
		"messageId": {"$ref": "#/$defs/id"},
		"id": {"$ref": "#/$defs/id"},
		"root_message_id": {"$ref": "#/$defs/id"},
		"rootMessageId": {"$ref": "#/$defs/id"},
		"jump_url": {"$ref": "#/$defs/text"},
		"url": {"$ref": "#/$defs/text"},
		"content": {"$ref": "#/$defs/text"}
	}
}`

	routeSchemaDoc = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"utterance": {"type": ["string", "number", "null"]},
		"text": {"type": ["string", "number", "null"]},
		"source": {"type": ["string", "null"]}
	}
}`
)

var requestSchemas struct {
	once   sync.Once
	ingest *jsonschema.Schema
	route  *jsonschema.Schema
	err    error
}

func loadRequestSchemas() error {
	requestSchemas.once.Do(func() {
		compiler := jsonschema.NewCompiler()
		for url, doc := range map[string]string{ingestSchemaURL: ingestSchemaDoc, routeSchemaURL: routeSchemaDoc} {
			parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
			if err != nil {
				requestSchemas.err = err
				return
			}
			if err := compiler.AddResource(url, parsed); err != nil {
				requestSchemas.err = err
				return
			}
		}
		requestSchemas.ingest, requestSchemas.err = compiler.Compile(ingestSchemaURL)
		if requestSchemas.err != nil {
			return
		}
		requestSchemas.route, requestSchemas.err = compiler.Compile(routeSchemaURL)
	})
	return requestSchemas.err
}

// ValidateIngestPayload checks the top-level field types of an ingest or
// webhook payload. A nested message object is checked in place of its
// envelope.
func ValidateIngestPayload(payload map[string]any) error {
	if err := loadRequestSchemas(); err != nil {
		return err
	}
	if nested, ok := payload["message"].(map[string]any); ok {
		payload = nested
	}
	return schemaError(requestSchemas.ingest.Validate(any(payload)))
}

func ValidateRouteRequest(payload map[string]any) error {
	if err := loadRequestSchemas(); err != nil {
		return err
	}
	return schemaError(requestSchemas.route.Validate(any(payload)))
}

func schemaError(err error) error {
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return &ValidationError{Message: fmt.Sprintf("invalid request: %v", err)}
	}
	// first line names the schema url; the rest are "- at '/field': reason"
	var causes []string
	for _, line := range strings.Split(verr.Error(), "\n")[1:] {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-"))
		if line != "" {
			causes = append(causes, line)
		}
	}
	if len(causes) == 0 {
		return &ValidationError{Message: "invalid request"}
	}
	return &ValidationError{Message: "invalid request: " + strings.Join(causes, "; ")}
}
