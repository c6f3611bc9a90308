package threadrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	triliumThreadKeyLabel = "threadKey"
	triliumNoteMime       = "text/x-markdown"
)

type TriliumTokenProvider func(ctx context.Context) (string, error)

func StaticTriliumToken(token string) TriliumTokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

type TriliumClientOptions struct {
	BaseURL       string
	TokenProvider TriliumTokenProvider
	HTTPClient    *http.Client
	Timeout       time.Duration
	ParentNoteID  string
	UserAgent     string
	// LabelThreads tags created notes with a threadKey label and enables
	// GetThreadByKey searches.
	LabelThreads bool
	// MaxRetries of zero disables retries.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// TriliumClient talks to a TriliumNext server over ETAPI.
type TriliumClient struct {
	baseURL       string
	tokenProvider TriliumTokenProvider
	httpClient    *http.Client
	parentNoteID  string
	userAgent     string
	labelThreads  bool
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

func NewTriliumClient(opts TriliumClientOptions) *TriliumClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	parent := strings.TrimSpace(opts.ParentNoteID)
	if parent == "" {
		parent = "root"
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &TriliumClient{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		parentNoteID:  parent,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		labelThreads:  opts.LabelThreads,
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}
}

func (c *TriliumClient) CreateThread(ctx context.Context, req CreateThreadRequest) (string, error) {
	body := map[string]any{
		"parentNoteId": c.parentNoteID,
		"title":        req.Title,
		"type":         "code",
		"mime":         triliumNoteMime,
		"content":      RenderThreadNote(req),
	}
	resp, err := c.doJSON(ctx, "create note", http.MethodPost, "/etapi/create-note", body)
	if err != nil {
		return "", err
	}
	noteID := extractCreatedNoteID(resp)
	if noteID == "" {
		return "", &BackendError{Op: "create note", Message: "Could not extract noteId from create-note response"}
	}
	if c.labelThreads && req.ThreadKey != "" {
		label := map[string]any{
			"noteId": noteID,
			"type":   "label",
			"name":   triliumThreadKeyLabel,
			"value":  req.ThreadKey,
		}
		if _, err := c.doJSON(ctx, "label note", http.MethodPost, "/etapi/attributes", label); err != nil {
			return noteID, err
		}
	}
	return noteID, nil
}

// AppendToThread reads the note, joins text after a blank line, and writes
// the whole body back; ETAPI has no append primitive.
func (c *TriliumClient) AppendToThread(ctx context.Context, noteID, text string) error {
	existing, err := c.GetThreadContent(ctx, noteID)
	if err != nil {
		return err
	}
	next := text
	if existing != "" {
		next = existing + "\n\n" + text
	}
	_, err = c.do(ctx, "set note content", http.MethodPut, c.contentPath(noteID), "text/plain; charset=utf-8", []byte(next))
	return err
}

func (c *TriliumClient) GetThreadContent(ctx context.Context, noteID string) (string, error) {
	if strings.TrimSpace(noteID) == "" {
		return "", &ValidationError{Message: "note id is required"}
	}
	body, err := c.do(ctx, "get note content", http.MethodGet, c.contentPath(noteID), "", nil)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (c *TriliumClient) GetThreadByKey(ctx context.Context, threadKey string) (ThreadLookup, error) {
	if !c.labelThreads {
		return ThreadLookup{}, fmt.Errorf("%w: thread lookup by key requires label threads", ErrNotImplemented)
	}
	query := url.Values{}
	query.Set("search", fmt.Sprintf("#%s=%q", triliumThreadKeyLabel, threadKey))
	query.Set("limit", "1")
	resp, err := c.doJSON(ctx, "search notes", http.MethodGet, "/etapi/notes?"+query.Encode(), nil)
	if err != nil {
		return ThreadLookup{}, err
	}
	results, _ := resp["results"].([]any)
	for _, item := range results {
		note, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if noteID := firstString(note, "noteId", "id"); noteID != "" {
			return ThreadLookup{ThreadKey: threadKey, NoteID: noteID, Meta: note}, nil
		}
	}
	return ThreadLookup{}, &NotFoundError{Message: "Could not resolve noteId for thread"}
}

func (c *TriliumClient) Ping(ctx context.Context) (map[string]any, error) {
	return c.doJSON(ctx, "app info", http.MethodGet, "/etapi/app-info", nil)
}

func (c *TriliumClient) contentPath(noteID string) string {
	return "/etapi/notes/" + url.PathEscape(noteID) + "/content"
}

func (c *TriliumClient) doJSON(ctx context.Context, op, method, path string, payload any) (map[string]any, error) {
	var body []byte
	contentType := ""
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = encoded
		contentType = "application/json"
	}
	respBody, err := c.do(ctx, op, method, path, contentType, body)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return map[string]any{"raw": string(respBody)}, nil
	}
	return out, nil
}

func (c *TriliumClient) do(ctx context.Context, op, method, path, contentType string, body []byte) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("trilium client is nil")
	}
	if c.tokenProvider == nil {
		return nil, &BackendError{Op: op, Message: "Missing env TRILIUM_API_TOKEN"}
	}
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return nil, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, &BackendError{Op: op, Message: "Missing env TRILIUM_API_TOKEN"}
	}
	target := c.baseURL + path

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", token)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, &BackendError{Op: op, Message: err.Error()}
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return respBody, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		return nil, parseTriliumError(op, resp.StatusCode, respBody)
	}
}

func parseTriliumError(op string, status int, body []byte) error {
	backendErr := &BackendError{Op: op, Status: status, Message: strings.TrimSpace(string(body))}
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if code, ok := parsed["code"].(string); ok {
			backendErr.Code = code
		}
		if message := firstString(parsed, "message", "error"); strings.TrimSpace(message) != "" {
			backendErr.Message = message
		}
	}
	if backendErr.Message == "" {
		backendErr.Message = "HTTP " + strconv.Itoa(status)
	}
	return backendErr
}

func extractCreatedNoteID(resp map[string]any) string {
	if note, ok := resp["note"].(map[string]any); ok {
		if id := firstString(note, "noteId", "id"); id != "" {
			return id
		}
	}
	return firstString(resp, "noteId", "id")
}

func (c *TriliumClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
