// Package llm talks to an Ollama-compatible chat endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"syscall"
	"time"

	"insight-pipeline/internal/telemetry"
)

const (
	DefaultTimeout = 120 * time.Second
	healthTimeout  = 5 * time.Second
	maxBodyBytes   = 8 << 20
)

// ErrUnavailable is returned when the model server refuses connections.
var ErrUnavailable = errors.New("AI service is currently unavailable")

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response is the assistant reply plus token accounting.
type Response struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	TotalDuration    int64  `json:"totalDuration"`
	PromptTokens     int    `json:"promptEvalCount"`
	CompletionTokens int    `json:"evalCount"`
	FromCache        bool   `json:"-"`
}

// Chatter is anything that can answer a chat request.
type Chatter interface {
	Chat(ctx context.Context, messages []Message) (Response, error)
}

// Options are sampling parameters passed through to the model.
type Options struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	NumPredict  int     `json:"num_predict"`
}

// DefaultOptions mirror the values the analysis prompt was tuned with.
var DefaultOptions = Options{Temperature: 0.7, TopP: 0.9, NumPredict: 2048}

// Client is a non-streaming Ollama chat client.
type Client struct {
	baseURL string
	model   string
	opts    Options
	http    *http.Client
	log     *slog.Logger
}

// NewClient builds a client. A non-positive timeout selects DefaultTimeout.
func NewClient(baseURL, model string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = telemetry.Discard()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		opts:    DefaultOptions,
		http:    &http.Client{Timeout: timeout},
		log:     logger,
	}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  Options   `json:"options"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	TotalDuration   int64  `json:"total_duration"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

// Chat posts the conversation to /api/chat and returns the assistant message.
func (c *Client) Chat(ctx context.Context, messages []Message) (Response, error) {
	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages, Stream: false, Options: c.opts})
	if err != nil {
		return Response{}, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		telemetry.LLMRequests.WithLabelValues("error").Inc()
		c.log.Error("llm request failed", "error", err)
		if errors.Is(err, syscall.ECONNREFUSED) {
			return Response{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return Response{}, fmt.Errorf("AI service error: %w", err)
	}
	defer resp.Body.Close()

	var out chatResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&out)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		telemetry.LLMRequests.WithLabelValues("error").Inc()
		msg := out.Error
		if msg == "" {
			msg = resp.Status
		}
		return Response{}, fmt.Errorf("AI service error: status %d: %s", resp.StatusCode, msg)
	}
	if decodeErr != nil {
		telemetry.LLMRequests.WithLabelValues("error").Inc()
		return Response{}, fmt.Errorf("decode chat response: %w", decodeErr)
	}

	telemetry.LLMRequests.WithLabelValues("ok").Inc()
	return Response{
		Content:          out.Message.Content,
		Model:            out.Model,
		TotalDuration:    out.TotalDuration,
		PromptTokens:     out.PromptEvalCount,
		CompletionTokens: out.EvalCount,
	}, nil
}

// Health is the result of a model server health check.
type Health struct {
	Status string   `json:"status"`
	Models []string `json:"models,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// HealthCheck lists the installed models. Failures are reported in the result, not as an error.
func (c *Client) HealthCheck(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return Health{Status: "unhealthy", Error: err.Error()}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Health{Status: "unhealthy", Error: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Health{Status: "unhealthy", Error: resp.Status}
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&tags); err != nil {
		return Health{Status: "unhealthy", Error: err.Error()}
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return Health{Status: "healthy", Models: names}
}
