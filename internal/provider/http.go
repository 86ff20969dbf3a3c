package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DefaultTimeout bounds every provider call. The engine has no other
// per-call cancellation, so a hung request must not stall a cycle forever.
const DefaultTimeout = 30 * time.Second

// HTTPClient implements Client against a Google-style REST provider.
type HTTPClient struct {
	baseURL string
	tokens  oauth2.TokenSource
	http    *http.Client
}

// NewHTTPClient creates a provider client.
//
// tokens supplies OAuth access tokens; the refresh flow itself lives in a
// separate client, this one only consumes whatever the source returns.
// A nil httpClient gets a default with DefaultTimeout.
func NewHTTPClient(baseURL string, tokens oauth2.TokenSource, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http:    httpClient,
	}
}

// StaticTokenSource wraps a fixed token string, mainly for tests and
// simple deployments where the token file is refreshed out of band.
func StaticTokenSource(accessToken string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
}

// ListEvents implements Client.
func (c *HTTPClient) ListEvents(ctx context.Context, calendarID string, q EventQuery) (*EventPage, error) {
	params := url.Values{}
	if q.SyncToken != "" {
		params.Set("syncToken", q.SyncToken)
	} else if !q.TimeMin.IsZero() {
		params.Set("timeMin", q.TimeMin.UTC().Format(time.RFC3339))
	}
	if q.ShowDeleted {
		params.Set("showDeleted", "true")
	}
	params.Set("singleEvents", "false")

	var page EventPage
	path := fmt.Sprintf("/calendars/%s/events?%s", url.PathEscape(calendarID), params.Encode())
	if err := c.do(ctx, http.MethodGet, path, nil, &page, true); err != nil {
		return nil, err
	}
	return &page, nil
}

// CreateEvent implements Client.
func (c *HTTPClient) CreateEvent(ctx context.Context, calendarID string, ev *Event) (*Event, error) {
	var created Event
	path := fmt.Sprintf("/calendars/%s/events", url.PathEscape(calendarID))
	if err := c.do(ctx, http.MethodPost, path, ev, &created, false); err != nil {
		return nil, err
	}
	return &created, nil
}

// PatchEvent implements Client.
func (c *HTTPClient) PatchEvent(ctx context.Context, calendarID, eventID string, ev *Event) (*Event, error) {
	var patched Event
	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(calendarID), url.PathEscape(eventID))
	if err := c.do(ctx, http.MethodPatch, path, ev, &patched, false); err != nil {
		return nil, err
	}
	return &patched, nil
}

// DeleteEvent implements Client.
func (c *HTTPClient) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(calendarID), url.PathEscape(eventID))
	return c.do(ctx, http.MethodDelete, path, nil, nil, false)
}

// ListTaskLists implements Client.
func (c *HTTPClient) ListTaskLists(ctx context.Context) ([]TaskList, error) {
	var out struct {
		Items []TaskList `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/users/@me/lists", nil, &out, false); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// ListTasks implements Client.
func (c *HTTPClient) ListTasks(ctx context.Context, listID string, updatedMin time.Time, showDeleted bool) (*TaskPage, error) {
	params := url.Values{}
	if !updatedMin.IsZero() {
		params.Set("updatedMin", updatedMin.UTC().Format(time.RFC3339))
	}
	if showDeleted {
		params.Set("showDeleted", "true")
		params.Set("showHidden", "true")
	}

	var page TaskPage
	path := fmt.Sprintf("/lists/%s/tasks?%s", url.PathEscape(listID), params.Encode())
	if err := c.do(ctx, http.MethodGet, path, nil, &page, false); err != nil {
		return nil, err
	}
	return &page, nil
}

// CreateTask implements Client.
func (c *HTTPClient) CreateTask(ctx context.Context, listID string, t *Task) (*Task, error) {
	var created Task
	path := fmt.Sprintf("/lists/%s/tasks", url.PathEscape(listID))
	if err := c.do(ctx, http.MethodPost, path, t, &created, false); err != nil {
		return nil, err
	}
	return &created, nil
}

// PatchTask implements Client.
func (c *HTTPClient) PatchTask(ctx context.Context, listID, taskID string, t *Task) (*Task, error) {
	var patched Task
	path := fmt.Sprintf("/lists/%s/tasks/%s", url.PathEscape(listID), url.PathEscape(taskID))
	if err := c.do(ctx, http.MethodPatch, path, t, &patched, false); err != nil {
		return nil, err
	}
	return &patched, nil
}

// DeleteTask implements Client.
func (c *HTTPClient) DeleteTask(ctx context.Context, listID, taskID string) error {
	path := fmt.Sprintf("/lists/%s/tasks/%s", url.PathEscape(listID), url.PathEscape(taskID))
	return c.do(ctx, http.MethodDelete, path, nil, nil, false)
}

// do performs one request with token injection and status classification.
// listCall toggles 410 interpretation: on list endpoints 410 means the
// sync token expired, on resource endpoints it means the resource is gone.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}, listCall bool) error {
	if c.tokens == nil {
		return ErrNoAccessToken
	}
	token, err := c.tokens.Token()
	if err != nil || token == nil || token.AccessToken == "" {
		return ErrNoAccessToken
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp, listCall); err != nil {
		return err
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode provider response: %w", err)
	}
	return nil
}

func classifyStatus(resp *http.Response, listCall bool) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode == http.StatusForbidden:
		// Quota exhaustion surfaces as 403 with a rate-limit reason.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if bytes.Contains(body, []byte("rateLimitExceeded")) ||
			bytes.Contains(body, []byte("quotaExceeded")) ||
			bytes.Contains(body, []byte("userRateLimitExceeded")) {
			return ErrRateLimited
		}
		return fmt.Errorf("provider returned 403: %s", strings.TrimSpace(string(body)))
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrNoAccessToken
	case resp.StatusCode == http.StatusBadRequest:
		return ErrInvalidPayload
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusGone:
		if listCall {
			return ErrTokenExpired
		}
		return ErrNotFound
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
