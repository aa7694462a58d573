package taiwa

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Taiwa server (e.g. "http://localhost:8080").
	BaseURL string

	// TeamID identifies the participating team.
	TeamID string

	// APIKey is the secret used to obtain a JWT token.
	APIKey string

	// Debug switches the client to the rehearsal endpoints. Rehearsal
	// turns never reach the submission log.
	Debug bool

	// HTTPClient is an optional custom HTTP client. If nil, a default
	// client with a 60-second timeout is used; simulated-user turns can
	// take a while when an LLM persona is behind them.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 60 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Taiwa conversational evaluation API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	prefix   string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	prefix := "/run"
	if cfg.Debug {
		prefix = "/debug"
	}

	return &Client{
		baseURL:  baseURL,
		prefix:   prefix,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.TeamID, cfg.APIKey, httpClient),
	}
}

// Start opens a new run and returns the simulated user's first question.
func (c *Client) Start(ctx context.Context, meta RunMeta) (*UserUtterance, error) {
	var resp UserUtterance
	if err := c.post(ctx, c.prefix+"/start", meta, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Continue submits an answer and returns the user's next utterance. When
// the returned utterance closes the current topic, the following Continue
// call opens the next one and its submitted answer is dropped.
func (c *Client) Continue(ctx context.Context, reply AssistantReply) (*UserUtterance, error) {
	var resp UserUtterance
	if err := c.post(ctx, c.prefix+"/continue", reply, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Session re-fetches the pending utterance of the run's live session
// without advancing the dialogue. Useful after a dropped response.
func (c *Client) Session(ctx context.Context, runID string) (*UserUtterance, error) {
	var resp UserUtterance
	path := c.prefix + "/session?" + url.Values{"run_id": {runID}}.Encode()
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status reports a run's progress over its topic queue.
func (c *Client) Status(ctx context.Context, runID string) (*RunStatus, error) {
	var resp RunStatus
	path := "/run/status?" + url.Values{"run_id": {runID}}.Encode()
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Dump downloads the run's logged turns in submission format, one export
// record per topic visit.
func (c *Client) Dump(ctx context.Context, runID string) ([]ExportRecord, error) {
	path := "/run/dump?" + url.Values{"run_id": {runID}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("taiwa: create request: %w", err)
	}

	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("taiwa: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, parseErrorResponse(resp.StatusCode, body)
	}

	// The dump endpoint streams NDJSON, one record per line.
	var records []ExportRecord
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec ExportRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("taiwa: decode dump record: %w", err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("taiwa: read dump stream: %w", err)
	}
	return records, nil
}

// BudgetCheck reports the team's remaining request credits per API mode,
// keyed by mode name ("run" and "debug").
func (c *Client) BudgetCheck(ctx context.Context) (map[string]BudgetStatus, error) {
	var resp struct {
		Remaining map[string]BudgetStatus `json:"remaining"`
	}
	if err := c.get(ctx, "/budget/check", &resp); err != nil {
		return nil, err
	}
	return resp.Remaining, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("taiwa: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("taiwa: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("taiwa: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("taiwa: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("taiwa: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("taiwa: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
