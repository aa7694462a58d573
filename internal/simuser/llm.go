package simuser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
)

// Chat roles. The transcript roles in model.Turn cover only the two
// dialogue parties; the system role exists only inside prompts.
const (
	roleSystem    = "system"
	roleUser      = "user"
	roleAssistant = "assistant"
)

// Message is one chat-completion message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenOptions bound a single completion call.
type GenOptions struct {
	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
	// Candidates is the number of alternative completions to request.
	// Zero means one.
	Candidates int
}

// ChatClient generates chat completions. Implementations must be safe
// for concurrent use.
type ChatClient interface {
	// Complete returns one completion per requested candidate, in
	// provider order.
	Complete(ctx context.Context, messages []Message, opts GenOptions) ([]string, error)
}

// Embedder turns texts into vectors for candidate selection.
type Embedder interface {
	// EmbedBatch returns one vector per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// OpenAIClient implements ChatClient and Embedder against the OpenAI
// HTTP API.
type OpenAIClient struct {
	apiKey     string
	chatModel  string
	embedModel string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIClient creates a client for the given models. baseURL may be
// empty to use the public API endpoint.
func NewOpenAIClient(apiKey, chatModel, embedModel, baseURL string) *OpenAIClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIClient{
		apiKey:     apiKey,
		chatModel:  chatModel,
		embedModel: embedModel,
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

type chatRequest struct {
	Model               string    `json:"model"`
	Messages            []Message `json:"messages"`
	N                   int       `json:"n,omitempty"`
	MaxCompletionTokens int       `json:"max_completion_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error"`
}

type embedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Complete requests opts.Candidates completions in a single call.
func (c *OpenAIClient) Complete(ctx context.Context, messages []Message, opts GenOptions) ([]string, error) {
	n := opts.Candidates
	if n <= 0 {
		n = 1
	}
	req := chatRequest{
		Model:               c.chatModel,
		Messages:            messages,
		N:                   n,
		MaxCompletionTokens: opts.MaxTokens,
	}

	var result chatResponse
	if err := c.post(ctx, "/chat/completions", req, &result, func() *apiError { return result.Error }); err != nil {
		return nil, err
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("simuser: completion returned no choices")
	}

	out := make([]string, 0, len(result.Choices))
	for _, ch := range result.Choices {
		out = append(out, ch.Message.Content)
	}
	return out, nil
}

// EmbedBatch embeds the texts in a single call, preserving input order.
func (c *OpenAIClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var result embedResponse
	req := embedRequest{Input: texts, Model: c.embedModel}
	if err := c.post(ctx, "/embeddings", req, &result, func() *apiError { return result.Error }); err != nil {
		return nil, err
	}

	vecs := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("simuser: invalid index %d in embedding response", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

func (c *OpenAIClient) post(ctx context.Context, path string, payload, result any, apiErr func() *apiError) error {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("simuser: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("simuser: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("simuser: send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("simuser: read response: %w", err)
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("simuser: unmarshal response: %w", err)
	}

	if e := apiErr(); e != nil {
		return fmt.Errorf("simuser: openai error: %s: %s", e.Type, e.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("simuser: unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Cosine returns the cosine similarity of two vectors. Mismatched or
// empty vectors score zero.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
