package threadrelay

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		utterance string
		want      Intent
	}{
		{"show last discord thread", IntentShowThread},
		{"append this to the thread", IntentAppend},
		{"summarize decisions", IntentSummarize},
		{"what's the weather", IntentUnknown},
		{"Pull the LATEST notes", IntentShowThread},
		{"open the active thread", IntentShowThread},
		{"what did we do in the last discord convo", IntentShowThread},
		{"please log it", IntentAppend},
		{"list the action items", IntentSummarize},
		{"go back to that thread", IntentShowThread},
		{"showcase", IntentUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.utterance, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.utterance))
		})
	}
}

func TestClassifyFirstRuleWins(t *testing.T) {
	intent, rule := classify("show the last note")
	assert.Equal(t, IntentShowThread, intent)
	assert.Equal(t, "display-recent", rule)

	intent, rule = classify("add a summary")
	assert.Equal(t, IntentAppend, intent)
	assert.Equal(t, "append-verb", rule)
}

func TestExtractScope(t *testing.T) {
	scope := ExtractScope("show last thread in Channel 42 of guild 7")
	require.NotNil(t, scope.Channel)
	require.NotNil(t, scope.Guild)
	assert.Equal(t, "42", *scope.Channel)
	assert.Equal(t, "7", *scope.Guild)

	scope = ExtractScope("show channel general")
	assert.Nil(t, scope.Channel)
	assert.Nil(t, scope.Guild)
}

func TestBuildSummaryStub(t *testing.T) {
	content := strings.Join([]string{
		"# Intake",
		"Decision: ship on friday   ",
		"  action - write the changelog",
		"TODO: tag the release",
		"Risk: flaky CI",
		"blocker: none",
		"next steps are unclear",
		"decisions were made",
	}, "\r\n")
	stub := BuildSummaryStub(content)
	assert.Equal(t, []string{"Decision: ship on friday"}, stub.Decisions)
	assert.Equal(t, []string{"  action - write the changelog", "TODO: tag the release"}, stub.Actions)
	assert.Equal(t, []string{"Risk: flaky CI", "blocker: none"}, stub.Risks)
	assert.Equal(t, "", stub.Summary)
	assert.NotEmpty(t, stub.Notes)
}

func TestBuildSummaryStubCaps(t *testing.T) {
	var lines []string
	for i := 0; i < 60; i++ {
		lines = append(lines, "action: item", "decision: d", "risk: r")
	}
	stub := BuildSummaryStub(strings.Join(lines, "\n"))
	assert.Len(t, stub.Actions, 50)
	assert.Len(t, stub.Decisions, 20)
	assert.Len(t, stub.Risks, 20)

	empty := BuildSummaryStub("")
	data, err := json.Marshal(empty)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"decisions":[]`)
}

func TestFormatTimestampedAppend(t *testing.T) {
	at := time.Date(2026, 5, 6, 7, 8, 9, 0, time.FixedZone("CEST", 2*60*60))
	got := FormatTimestampedAppend("  hello  ", "", at)
	assert.Equal(t, "\n\n---\n[2026-05-06T07:08:09+02:00] (via OpenClaw)\nhello\n", got)
}

func TestParseRouteRequest(t *testing.T) {
	_, err := ParseRouteRequest(map[string]any{"text": "x"})
	require.Error(t, err)
	assert.Equal(t, "Missing required field: utterance", err.Error())

	req, err := ParseRouteRequest(map[string]any{"utterance": " show last ", "source": "SLACK"})
	require.NoError(t, err)
	assert.Equal(t, RouteRequest{Utterance: "show last", Source: "slack"}, req)
}

type routerFixture struct {
	router   *Router
	notes    *MemoryNoteBackend
	pointers *PointerStore
	noteID   string
}

func newRouterFixture(t *testing.T) routerFixture {
	t.Helper()
	notes := NewMemoryNoteBackend()
	pointers := NewPointerStore(nil)
	registry := NewThreadRegistry(nil)
	pipeline := NewPipeline(PipelineOptions{Registry: registry, Pointers: pointers, Backend: notes})
	result, err := pipeline.Ingest(context.Background(), Event{GuildID: "1", ChannelID: "9", MessageID: "5", Author: "ana", Content: "kickoff"})
	require.NoError(t, err)
	notes.SetContent(result.NoteID, "Decision: keep it\nAction: ship it\nRisk: none")

	router := NewRouter(RouterOptions{
		Pointers: pointers,
		Resolver: pipeline.Resolver(),
		Backend:  notes,
		Now:      fixedClock(time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)),
	})
	return routerFixture{router: router, notes: notes, pointers: pointers, noteID: result.NoteID}
}

func TestRouteShowThread(t *testing.T) {
	fx := newRouterFixture(t)
	resp := fx.router.Route(context.Background(), RouteRequest{Utterance: "show last discord thread"})
	assert.True(t, resp.OK)
	assert.Equal(t, IntentShowThread, resp.Intent)
	assert.Equal(t, "discord", resp.Source)
	assert.Equal(t, "discord:1:9:5", resp.ThreadKey)
	assert.Equal(t, fx.noteID, resp.NoteID)
	require.NotNil(t, resp.Content)
	assert.Contains(t, *resp.Content, "Decision: keep it")

	key, err := fx.pointers.Latest(LatestQuery{PreferActive: true})
	require.NoError(t, err)
	assert.Equal(t, "discord:1:9:5", key, "routing promotes the thread to active")
}

func TestRouteAppend(t *testing.T) {
	fx := newRouterFixture(t)
	resp := fx.router.Route(context.Background(), RouteRequest{Utterance: "append this", Text: " hello "})
	assert.True(t, resp.OK)
	assert.True(t, resp.Appended)
	require.NotNil(t, resp.Bytes)
	assert.Equal(t, 5, *resp.Bytes)

	content, err := fx.notes.GetThreadContent(context.Background(), fx.noteID)
	require.NoError(t, err)
	envelope := regexp.MustCompile(`\n---\n\[\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}[+-]\d{2}:\d{2}\] \(via OpenClaw\)\nhello\n$`)
	assert.Regexp(t, envelope, content)
}

func TestRouteAppendWithoutText(t *testing.T) {
	fx := newRouterFixture(t)
	resp := fx.router.Route(context.Background(), RouteRequest{Utterance: "append this"})
	assert.False(t, resp.OK)
	assert.False(t, resp.Failed)
	assert.Equal(t, IntentAppend, resp.Intent)
	assert.Equal(t, "Append intent requires 'text' field", resp.Message)
	assert.Empty(t, fx.notes.Appends())
}

func TestRouteSummarize(t *testing.T) {
	fx := newRouterFixture(t)
	resp := fx.router.Route(context.Background(), RouteRequest{Utterance: "summarize decisions"})
	assert.True(t, resp.OK)
	require.NotNil(t, resp.SummaryStub)
	assert.Equal(t, []string{"Decision: keep it"}, resp.SummaryStub.Decisions)
	assert.Equal(t, []string{"Action: ship it"}, resp.SummaryStub.Actions)
	assert.Equal(t, []string{"Risk: none"}, resp.SummaryStub.Risks)
}

func TestRouteUnknownIntent(t *testing.T) {
	fx := newRouterFixture(t)
	resp := fx.router.Route(context.Background(), RouteRequest{Utterance: "what's the weather"})
	assert.False(t, resp.OK)
	assert.False(t, resp.Failed)
	assert.Equal(t, IntentUnknown, resp.Intent)
	require.NotNil(t, resp.Hints)
	assert.Equal(t, "what's the weather", resp.Hints.Utterance)
	assert.Equal(t, "discord", resp.Hints.ExpectedInput.Source)
}

func TestRouteScopedToUnknownChannel(t *testing.T) {
	fx := newRouterFixture(t)
	resp := fx.router.Route(context.Background(), RouteRequest{Utterance: "show last thread in channel 404"})
	assert.False(t, resp.OK)
	assert.True(t, resp.Failed)
	assert.Equal(t, "No thread known for discord channel 404", resp.Message)
}

func TestRouteWithoutAnyThread(t *testing.T) {
	notes := NewMemoryNoteBackend()
	router := NewRouter(RouterOptions{
		Pointers: NewPointerStore(nil),
		Resolver: NewResolver(NewThreadRegistry(nil), notes),
		Backend:  notes,
	})
	resp := router.Route(context.Background(), RouteRequest{Utterance: "what's the weather"})
	assert.True(t, resp.Failed, "thread resolution happens before dispatch")
	assert.Equal(t, "No last thread known yet", resp.Message)
}

func TestRouteBackendFailure(t *testing.T) {
	pointers := NewPointerStore(nil)
	require.NoError(t, pointers.RecordIngest("discord::9:5", "discord", "", "9"))
	registry := NewThreadRegistry(nil)
	require.NoError(t, registry.Put(ThreadRecord{ThreadKey: "discord::9:5", NoteID: "n1"}))
	backend := NewFailingNoteBackend("connection refused")
	router := NewRouter(RouterOptions{
		Pointers: pointers,
		Resolver: NewResolver(registry, backend),
		Backend:  backend,
	})
	resp := router.Route(context.Background(), RouteRequest{Utterance: "show last discord thread"})
	assert.True(t, resp.Failed)
	assert.Equal(t, "get thread content failed: connection refused", resp.Message)
}

func TestRouteResponseJSONShape(t *testing.T) {
	fx := newRouterFixture(t)
	resp := fx.router.Route(context.Background(), RouteRequest{Utterance: "append this", Text: "hello"})
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, true, decoded["ok"])
	assert.Equal(t, "append", decoded["intent"])
	assert.Equal(t, float64(5), decoded["bytes"])
	_, hasFailed := decoded["Failed"]
	assert.False(t, hasFailed)
}
