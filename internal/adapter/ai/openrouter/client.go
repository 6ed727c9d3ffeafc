// Package openrouter implements the completion client against an
// OpenRouter-compatible chat completions API.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"log/slog"

	"github.com/fairyhunter13/ai-chat-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-gateway/internal/config"
	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
)

// Client implements domain.CompletionClient against OpenRouter.
type Client struct {
	cfg config.Config
	hc  *http.Client
}

// New constructs a client with the configured per-call timeout.
func New(cfg config.Config) *Client {
	timeout := cfg.CompletionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{cfg: cfg, hc: &http.Client{Timeout: timeout}}
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Complete calls the chat completions endpoint once per attempt from the
// caller's point of view; transport-level 429/5xx retries inside this call
// are handled by backoff and are opaque to the generator's own retry loop.
func (c *Client) Complete(ctx domain.Context, msgs []domain.Turn, model string, params domain.CompletionParams) (string, error) {
	if c.cfg.OpenRouterAPIKey == "" {
		return "", fmt.Errorf("%w: OPENROUTER_API_KEY missing", domain.ErrInvalidArgument)
	}

	wire := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wire = append(wire, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	body := map[string]any{
		"model":             model,
		"messages":          wire,
		"temperature":       params.Temperature,
		"max_tokens":        params.MaxTokens,
		"top_p":             params.TopP,
		"frequency_penalty": params.FrequencyPenalty,
		"presence_penalty":  params.PresencePenalty,
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("op=openrouter.Complete: %w", err)
	}

	var out struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}

	op := func() error {
		start := time.Now()
		// Recreate the request each attempt to avoid reusing consumed bodies.
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.OpenRouterBaseURL+"/chat/completions", bytes.NewReader(b))
		if err != nil {
			return backoff.Permanent(err)
		}
		r.Header.Set("Authorization", "Bearer "+c.cfg.OpenRouterAPIKey)
		r.Header.Set("Content-Type", "application/json")
		if c.cfg.OpenRouterReferer != "" {
			r.Header.Set("HTTP-Referer", c.cfg.OpenRouterReferer)
		}
		if c.cfg.OpenRouterTitle != "" {
			r.Header.Set("X-Title", c.cfg.OpenRouterTitle)
		}
		resp, err := c.hc.Do(r)
		observability.CompletionRequestsTotal.WithLabelValues(model).Inc()
		observability.CompletionRequestDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			slog.Warn("completion provider rate limited",
				slog.String("model", model),
				slog.String("x_request_id", resp.Header.Get("X-Request-Id")))
			return fmt.Errorf("rate limited: 429")
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			slog.Warn("completion provider 4xx",
				slog.String("model", model),
				slog.Int("status", resp.StatusCode),
				slog.String("body", snippet(bodyBytes, 512)))
			return backoff.Permanent(fmt.Errorf("chat status %d", resp.StatusCode))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			slog.Error("completion provider non-2xx",
				slog.String("model", model),
				slog.Int("status", resp.StatusCode),
				slog.String("body", snippet(bodyBytes, 512)))
			return fmt.Errorf("chat status %d", resp.StatusCode)
		}
		if err := json.Unmarshal(bodyBytes, &out); err != nil {
			slog.Error("completion provider decode error", slog.String("model", model), slog.Any("error", err))
			return err
		}
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = 5 * time.Second
	expo.MaxElapsedTime = c.hc.Timeout
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
		}
		return "", fmt.Errorf("%w: %v", domain.ErrUpstreamError, err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices", domain.ErrUpstreamError)
	}
	if out.Model != "" && out.Model != model {
		slog.Warn("model substitution detected",
			slog.String("requested_model", model),
			slog.String("actual_model", out.Model))
	}
	return out.Choices[0].Message.Content, nil
}

func snippet(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
