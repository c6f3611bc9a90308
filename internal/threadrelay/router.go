package threadrelay

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"
)

type Intent string

const (
	IntentShowThread Intent = "show_thread"
	IntentAppend     Intent = "append"
	IntentSummarize  Intent = "summarize"
	IntentUnknown    Intent = "unknown"
)

const (
	DefaultAppendTag = "via OpenClaw"

	unknownIntentMessage = "Could not confidently route utterance. Try: 'show last discord thread', 'append this', or 'summarize decisions'."
	appendNeedsText      = "Append intent requires 'text' field"
	summaryStubNote      = "Router produced a stub. For a full NL summary, have OpenClaw run an LLM pass over content."
)

type intentRule struct {
	name   string
	match  func(u string) bool
	intent Intent
}

func allOf(patterns ...*regexp.Regexp) func(string) bool {
	return func(u string) bool {
		for _, p := range patterns {
			if !p.MatchString(u) {
				return false
			}
		}
		return true
	}
}

func anyOf(patterns ...*regexp.Regexp) func(string) bool {
	return func(u string) bool {
		for _, p := range patterns {
			if p.MatchString(u) {
				return true
			}
		}
		return false
	}
}

var (
	reDisplayVerb  = regexp.MustCompile(`\b(show|open|fetch|get|display|pull)\b`)
	reRecency      = regexp.MustCompile(`\b(last|latest|active)\b`)
	reLast         = regexp.MustCompile(`\blast\b`)
	reDiscord      = regexp.MustCompile(`\bdiscord\b`)
	reActive       = regexp.MustCompile(`\bactive\b`)
	reThread       = regexp.MustCompile(`\bthread\b`)
	reAppendVerb   = regexp.MustCompile(`\b(append|add|log|note|save)\b`)
	reAppendPhrase = regexp.MustCompile(`\b(add this|append this|put this)\b`)
	reSummarize    = regexp.MustCompile(`\b(summarize|summary)\b`)
	reSummaryTopic = regexp.MustCompile(`\b(decisions|next steps|action items)\b`)
	reThatThread   = regexp.MustCompile(`\b(last convo|last conversation|that thread|that convo)\b`)
	reChannelScope = regexp.MustCompile(`\bchannel\s+(\d+)\b`)
	reGuildScope   = regexp.MustCompile(`\bguild\s+(\d+)\b`)
	reActionLine   = regexp.MustCompile(`(?i)^\s*(action|todo|next)\s*[:\-]`)
	reDecisionLine = regexp.MustCompile(`(?i)^\s*(decision)\s*[:\-]`)
	reRiskLine     = regexp.MustCompile(`(?i)^\s*(risk|blocker)\s*[:\-]`)
)

const (
	maxSummaryActions   = 50
	maxSummaryDecisions = 20
	maxSummaryRisks     = 20
)

// intentRules are evaluated in order and the first match wins; an utterance
// that both displays and appends is a show.
var intentRules = []intentRule{
	{name: "display-recent", match: allOf(reDisplayVerb, reRecency), intent: IntentShowThread},
	{name: "last-discord", match: allOf(reLast, reDiscord), intent: IntentShowThread},
	{name: "active-thread", match: allOf(reActive, reThread), intent: IntentShowThread},
	{name: "append-verb", match: anyOf(reAppendVerb), intent: IntentAppend},
	{name: "append-phrase", match: anyOf(reAppendPhrase), intent: IntentAppend},
	{name: "summarize", match: anyOf(reSummarize, reSummaryTopic), intent: IntentSummarize},
	{name: "that-thread", match: anyOf(reThatThread), intent: IntentShowThread},
}

func Classify(utterance string) Intent {
	intent, _ := classify(utterance)
	return intent
}

func classify(utterance string) (Intent, string) {
	u := strings.ToLower(strings.TrimSpace(utterance))
	for _, rule := range intentRules {
		if rule.match(u) {
			return rule.intent, rule.name
		}
	}
	return IntentUnknown, ""
}

type Scope struct {
	Channel *string `json:"channel"`
	Guild   *string `json:"guild"`
}

func ExtractScope(utterance string) Scope {
	u := strings.ToLower(utterance)
	var scope Scope
	if m := reChannelScope.FindStringSubmatch(u); m != nil {
		scope.Channel = &m[1]
	}
	if m := reGuildScope.FindStringSubmatch(u); m != nil {
		scope.Guild = &m[1]
	}
	return scope
}

type SummaryStub struct {
	Summary   string   `json:"summary"`
	Decisions []string `json:"decisions"`
	Actions   []string `json:"actions"`
	Risks     []string `json:"risks"`
	Notes     string   `json:"notes"`
}

func BuildSummaryStub(content string) SummaryStub {
	stub := SummaryStub{
		Decisions: []string{},
		Actions:   []string{},
		Risks:     []string{},
		Notes:     summaryStubNote,
	}
	for _, line := range splitLines(content) {
		line = strings.TrimRightFunc(line, unicode.IsSpace)
		if reActionLine.MatchString(line) && len(stub.Actions) < maxSummaryActions {
			stub.Actions = append(stub.Actions, line)
		}
		if reDecisionLine.MatchString(line) && len(stub.Decisions) < maxSummaryDecisions {
			stub.Decisions = append(stub.Decisions, line)
		}
		if reRiskLine.MatchString(line) && len(stub.Risks) < maxSummaryRisks {
			stub.Risks = append(stub.Risks, line)
		}
	}
	return stub
}

func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	return strings.Split(strings.TrimSuffix(content, "\n"), "\n")
}

// FormatTimestampedAppend wraps text in the router's append envelope.
func FormatTimestampedAppend(text, tag string, at time.Time) string {
	if tag == "" {
		tag = DefaultAppendTag
	}
	return fmt.Sprintf("\n\n---\n[%s] (%s)\n%s\n", at.Format(localTimestampLayout), tag, strings.TrimSpace(text))
}

type RouteRequest struct {
	Utterance string `json:"utterance"`
	Text      string `json:"text,omitempty"`
	Source    string `json:"source,omitempty"`
}

func ParseRouteRequest(payload map[string]any) (RouteRequest, error) {
	req := RouteRequest{
		Utterance: strings.TrimSpace(stringValue(payload["utterance"])),
		Text:      strings.TrimSpace(stringValue(payload["text"])),
		Source:    normalizeSource(stringValue(payload["source"])),
	}
	if req.Utterance == "" {
		return RouteRequest{}, &ValidationError{Message: "Missing required field: utterance"}
	}
	return req, nil
}

type ExpectedInput struct {
	Utterance string `json:"utterance"`
	Text      string `json:"text"`
	Source    string `json:"source"`
}

type RouteHints struct {
	Utterance     string        `json:"utterance"`
	ExpectedInput ExpectedInput `json:"expected_input"`
}

type RouteResponse struct {
	OK          bool         `json:"ok"`
	Intent      Intent       `json:"intent,omitempty"`
	Source      string       `json:"source,omitempty"`
	ThreadKey   string       `json:"threadKey,omitempty"`
	NoteID      string       `json:"noteId,omitempty"`
	Content     *string      `json:"content,omitempty"`
	Appended    bool         `json:"appended,omitempty"`
	Bytes       *int         `json:"bytes,omitempty"`
	SummaryStub *SummaryStub `json:"summary_stub,omitempty"`
	Message     string       `json:"message,omitempty"`
	Hints       *RouteHints  `json:"hints,omitempty"`
	// Failed marks a routing or backend failure, as opposed to a normal
	// ok:false outcome such as an unknown intent.
	Failed bool `json:"-"`
}

type RouterOptions struct {
	Pointers *PointerStore
	Resolver *Resolver
	Backend  NoteBackend
	Tag      string
	Now      func() time.Time
}

// Router turns an utterance into an action on the current thread:
// classify, resolve scope, resolve thread, dispatch.
type Router struct {
	pointers *PointerStore
	resolver *Resolver
	backend  NoteBackend
	tag      string
	now      func() time.Time
}

func NewRouter(opts RouterOptions) *Router {
	tag := strings.TrimSpace(opts.Tag)
	if tag == "" {
		tag = DefaultAppendTag
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Router{
		pointers: opts.Pointers,
		resolver: opts.Resolver,
		backend:  opts.Backend,
		tag:      tag,
		now:      now,
	}
}

func (r *Router) Route(ctx context.Context, req RouteRequest) RouteResponse {
	intent, rule := classify(req.Utterance)
	scope := ExtractScope(req.Utterance)
	source := normalizeSource(req.Source)
	log.Debug().Str("intent", string(intent)).Str("rule", rule).Str("source", source).Msg("classified utterance")

	target, err := r.resolveThread(ctx, source, scope)
	if err != nil {
		return failedRoute(intent, err)
	}

	switch intent {
	case IntentShowThread:
		content, err := r.backend.GetThreadContent(ctx, target.NoteID)
		if err != nil {
			return failedRoute(intent, err)
		}
		return RouteResponse{OK: true, Intent: intent, Source: source, ThreadKey: target.ThreadKey, NoteID: target.NoteID, Content: &content}

	case IntentAppend:
		text := strings.TrimSpace(req.Text)
		if text == "" {
			return RouteResponse{OK: false, Intent: intent, Message: appendNeedsText}
		}
		if err := r.backend.AppendToThread(ctx, target.NoteID, FormatTimestampedAppend(text, r.tag, r.now())); err != nil {
			return failedRoute(intent, err)
		}
		size := len(text)
		return RouteResponse{OK: true, Intent: intent, Source: source, ThreadKey: target.ThreadKey, NoteID: target.NoteID, Appended: true, Bytes: &size}

	case IntentSummarize:
		content, err := r.backend.GetThreadContent(ctx, target.NoteID)
		if err != nil {
			return failedRoute(intent, err)
		}
		stub := BuildSummaryStub(content)
		return RouteResponse{OK: true, Intent: intent, Source: source, ThreadKey: target.ThreadKey, NoteID: target.NoteID, SummaryStub: &stub}
	}

	return RouteResponse{
		OK:      false,
		Intent:  IntentUnknown,
		Message: unknownIntentMessage,
		Hints: &RouteHints{
			Utterance: req.Utterance,
			ExpectedInput: ExpectedInput{
				Utterance: "...",
				Text:      "(optional for append)",
				Source:    DefaultSource,
			},
		},
	}
}

// resolveThread finds the scoped thread and promotes it to active on every
// routed request, whatever the intent.
func (r *Router) resolveThread(ctx context.Context, source string, scope Scope) (ThreadLookup, error) {
	if r == nil || r.pointers == nil || r.resolver == nil || r.backend == nil {
		return ThreadLookup{}, ErrInvalidInput
	}
	q := LatestQuery{Source: source, PreferActive: true}
	if scope.Channel != nil {
		q.Channel = *scope.Channel
	}
	if scope.Guild != nil {
		q.Guild = *scope.Guild
	}
	threadKey, err := r.pointers.Latest(q)
	if err != nil {
		return ThreadLookup{}, err
	}
	if err := r.pointers.SetActive(threadKey); err != nil {
		return ThreadLookup{}, fmt.Errorf("set active pointer: %w", err)
	}
	return r.resolver.Lookup(ctx, threadKey)
}

func failedRoute(intent Intent, err error) RouteResponse {
	return RouteResponse{OK: false, Intent: intent, Message: err.Error(), Failed: true}
}
