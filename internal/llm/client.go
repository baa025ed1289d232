// Package llm adapts chat-completion providers behind a single Complete
// call. Adapters are built from llm_configs rows; OpenAI-compatible and
// Anthropic endpoints are spoken natively, Ollama for local models, and
// any other provider is tried through the OpenAI wire format against its
// base_url. Errors carry the shared taxonomy so callers can tell a
// retryable provider hiccup from a broken config.
package llm

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/stratoforge/quantra/internal/database"
	"github.com/stratoforge/quantra/internal/errkind"
	"github.com/stratoforge/quantra/internal/logging"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"

	openAIBaseURL    = "https://api.openai.com/v1"
	anthropicBaseURL = "https://api.anthropic.com"
	ollamaBaseURL    = "http://localhost:11434"

	anthropicVersion = "2023-06-01"

	defaultMaxTokens = 4096
	defaultTimeout   = 120 * time.Second
)

// Request is one system+user exchange. When Schema is set it is inlined
// into the system prompt as an output contract and the reply is expected
// to be a single JSON document.
type Request struct {
	System      string
	Prompt      string
	Schema      string
	Temperature float64
	MaxTokens   int
}

// Response carries the reply text plus whatever usage metadata the
// provider reports.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Client is a single chat-completion backend.
type Client interface {
	// Name identifies the backing config row in logs.
	Name() string
	// Complete sends one exchange and returns the reply.
	Complete(ctx context.Context, req Request) (*Response, error)
}

type client struct {
	name      string
	provider  string
	model     string
	maxTokens int
	timeout   time.Duration
	http      *resty.Client
	log       zerolog.Logger
}

// New builds an adapter from an llm_configs row.
func New(cfg *database.LLMConfig) (Client, error) {
	if cfg == nil {
		return nil, errkind.New(errkind.Configuration, "llm config is nil")
	}
	if cfg.ModelName == "" {
		return nil, errkind.Newf(errkind.Configuration, "llm config %q has no model name", cfg.Name)
	}

	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	switch provider {
	case ProviderOpenAI:
		if baseURL == "" {
			baseURL = openAIBaseURL
		}
	case ProviderAnthropic:
		if baseURL == "" {
			baseURL = anthropicBaseURL
		}
	case ProviderOllama:
		if baseURL == "" {
			baseURL = ollamaBaseURL
		}
	default:
		// Unknown providers (deepseek, openrouter, vllm, ...) speak the
		// OpenAI wire format against their own base URL.
		if baseURL == "" {
			return nil, errkind.Newf(errkind.Configuration,
				"llm config %q: provider %q needs an explicit base_url", cfg.Name, cfg.Provider)
		}
	}

	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	switch provider {
	case ProviderAnthropic:
		httpClient.
			SetHeader("x-api-key", cfg.APIKey).
			SetHeader("anthropic-version", anthropicVersion)
	case ProviderOllama:
		// Local daemon, no auth.
	default:
		if cfg.APIKey != "" {
			httpClient.SetAuthToken(cfg.APIKey)
		}
	}

	return &client{
		name:      cfg.Name,
		provider:  provider,
		model:     cfg.ModelName,
		maxTokens: maxTokens,
		timeout:   timeout,
		http:      httpClient,
		log: logging.Component("llm").With().
			Str("llm", cfg.Name).
			Str("provider", provider).
			Str("model", cfg.ModelName).
			Logger(),
	}, nil
}

func (c *client) Name() string { return c.name }

func (c *client) Complete(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	var resp *Response
	var err error
	switch c.provider {
	case ProviderAnthropic:
		resp, err = c.completeAnthropic(ctx, req)
	case ProviderOllama:
		resp, err = c.completeOllama(ctx, req)
	default:
		resp, err = c.completeOpenAI(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	c.log.Debug().
		Dur("elapsed", time.Since(start)).
		Int("input_tokens", resp.InputTokens).
		Int("output_tokens", resp.OutputTokens).
		Msg("completion")
	return resp, nil
}

// systemPrompt appends the output contract when the request carries one.
func systemPrompt(req Request) string {
	if req.Schema == "" {
		return req.System
	}
	var b strings.Builder
	b.WriteString(req.System)
	b.WriteString("\n\nRespond with a single JSON document matching this schema. Output the JSON only, with no prose and no code fences:\n")
	b.WriteString(req.Schema)
	return b.String()
}

func (c *client) capTokens(requested int) int {
	if requested > 0 && requested < c.maxTokens {
		return requested
	}
	return c.maxTokens
}

// ==================== OPENAI-COMPATIBLE ====================

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *apiError `json:"error,omitempty"`
}

func (c *client) completeOpenAI(ctx context.Context, req Request) (*Response, error) {
	body := openAIRequest{
		Model:       c.model,
		Temperature: req.Temperature,
		MaxTokens:   c.capTokens(req.MaxTokens),
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(req)},
			{Role: "user", Content: req.Prompt},
		},
	}

	var out openAIResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&out).
		Post("/chat/completions")
	if err != nil {
		return nil, errkind.Wrapf(errkind.Transient, err, "%s request", c.name)
	}
	if resp.IsError() {
		return nil, c.httpError(resp, out.Error.text())
	}
	if len(out.Choices) == 0 {
		return nil, errkind.Newf(errkind.Transient, "%s returned no choices", c.name)
	}

	return &Response{
		Text:         out.Choices[0].Message.Content,
		Model:        out.Model,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
	}, nil
}

// ==================== ANTHROPIC MESSAGES ====================

type anthropicRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *apiError `json:"error,omitempty"`
}

func (c *client) completeAnthropic(ctx context.Context, req Request) (*Response, error) {
	body := anthropicRequest{
		Model:       c.model,
		System:      systemPrompt(req),
		MaxTokens:   c.capTokens(req.MaxTokens),
		Temperature: req.Temperature,
		Messages: []chatMessage{
			{Role: "user", Content: req.Prompt},
		},
	}

	var out anthropicResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&out).
		Post("/v1/messages")
	if err != nil {
		return nil, errkind.Wrapf(errkind.Transient, err, "%s request", c.name)
	}
	if resp.IsError() {
		return nil, c.httpError(resp, out.Error.text())
	}
	for _, block := range out.Content {
		if block.Type == "text" {
			return &Response{
				Text:         block.Text,
				Model:        out.Model,
				InputTokens:  out.Usage.InputTokens,
				OutputTokens: out.Usage.OutputTokens,
			}, nil
		}
	}
	return nil, errkind.Newf(errkind.Transient, "%s returned no text content", c.name)
}

// ==================== OLLAMA ====================

type ollamaRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
	Error           string      `json:"error,omitempty"`
}

func (c *client) completeOllama(ctx context.Context, req Request) (*Response, error) {
	body := ollamaRequest{
		Model:  c.model,
		Stream: false,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  c.capTokens(req.MaxTokens),
		},
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(req)},
			{Role: "user", Content: req.Prompt},
		},
	}

	var out ollamaResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&out).
		Post("/api/chat")
	if err != nil {
		return nil, errkind.Wrapf(errkind.Transient, err, "%s request", c.name)
	}
	if resp.IsError() {
		return nil, c.httpError(resp, out.Error)
	}
	if out.Message.Content == "" {
		return nil, errkind.Newf(errkind.Transient, "%s returned an empty message", c.name)
	}

	return &Response{
		Text:         out.Message.Content,
		Model:        out.Model,
		InputTokens:  out.PromptEvalCount,
		OutputTokens: out.EvalCount,
	}, nil
}

// ==================== ERRORS ====================

// apiError is the error envelope shared by the OpenAI and Anthropic
// wire formats.
type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *apiError) text() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func (c *client) httpError(resp *resty.Response, apiMsg string) error {
	msg := apiMsg
	if msg == "" {
		msg = snippet(resp.String())
	}
	return errkind.Newf(classifyStatus(resp.StatusCode()),
		"%s: http %d: %s", c.name, resp.StatusCode(), msg)
}

func classifyStatus(status int) errkind.Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errkind.Configuration
	case status == http.StatusBadRequest || status == http.StatusNotFound || status == http.StatusUnprocessableEntity:
		return errkind.Validation
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return errkind.Transient
	default:
		return errkind.Unknown
	}
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 240 {
		return s[:240] + "..."
	}
	return s
}
