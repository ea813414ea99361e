// Package triage implements the lightweight JSON-over-HTTPS client used to
// gate and title agent turns without paying for a full LLM-CLI subprocess
// spawn.
package triage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"
	defaultModel   = "claude-haiku-4-5"
)

// Client makes short, cheap completions for the turn manager's triage gate
// and the control surface's session-title generation. It deliberately has no
// streaming, no tool use, and no conversation state.
type Client struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

func WithBaseURL(url string) Option { return func(c *Client) { c.baseURL = url } }
func WithModel(model string) Option { return func(c *Client) { c.model = model } }
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// New returns a Client authenticated with apiKey.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		http:    &http.Client{Timeout: 20 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) complete(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	body := map[string]interface{}{
		"model":      c.model,
		"max_tokens": maxTokens,
		"system":     system,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("triage: request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("triage: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("triage: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var envelope struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return "", fmt.Errorf("triage: decode response: %w", err)
	}
	var out strings.Builder
	for _, block := range envelope.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	return out.String(), nil
}

// Decision is the triage gate's verdict for one batch of inbound messages.
type Decision struct {
	Accept bool
	Reason string
}

// Triage asks whether the batch summarized by prompt warrants running a full
// agent turn. The model is instructed to answer YES/NO on the first line;
// a first line starting with NO rejects, anything else accepts.
func (c *Client) Triage(ctx context.Context, agentDescription, prompt string) (Decision, error) {
	system := "You are a triage gate for an autonomous agent named with this description: " +
		agentDescription + ". Reply with YES or NO on the first line, optionally followed " +
		"by a one-sentence reason on the next line."
	text, err := c.complete(ctx, system, prompt, 64)
	if err != nil {
		return Decision{}, err
	}
	lines := strings.SplitN(strings.TrimSpace(text), "\n", 2)
	first := strings.ToUpper(strings.TrimSpace(lines[0]))
	decision := Decision{Accept: !strings.HasPrefix(first, "NO")}
	if len(lines) > 1 {
		decision.Reason = strings.TrimSpace(lines[1])
	}
	return decision, nil
}

// Title asks for an eight-word-or-fewer session title derived from prompt.
// Falls back to the first 100 characters of prompt on any error ("title generation").
func (c *Client) Title(ctx context.Context, prompt string) string {
	system := "Produce a title of 8 words or fewer summarizing the user's request. " +
		"Reply with the title only, no quotes, no punctuation at the end."
	text, err := c.complete(ctx, system, prompt, 24)
	if err != nil || strings.TrimSpace(text) == "" {
		return fallbackTitle(prompt)
	}
	return strings.TrimSpace(text)
}

func fallbackTitle(prompt string) string {
	p := strings.TrimSpace(prompt)
	if r := []rune(p); len(r) > 100 {
		return string(r[:100])
	}
	return p
}
