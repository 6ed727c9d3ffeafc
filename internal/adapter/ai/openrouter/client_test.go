package openrouter_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-chat-gateway/internal/adapter/ai/openrouter"
	"github.com/fairyhunter13/ai-chat-gateway/internal/config"
	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
)

func testCfg(baseURL string) config.Config {
	return config.Config{
		OpenRouterAPIKey:  "test-key",
		OpenRouterBaseURL: baseURL,
		CompletionTimeout: 3 * time.Second,
	}
}

func msgs() []domain.Turn {
	return []domain.Turn{
		{Role: domain.RoleSystem, Content: "Eres un asistente."},
		{Role: domain.RoleUser, Content: "hola"},
	}
}

func TestComplete_Success(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"model":"m1","choices":[{"message":{"content":"Hola, ¿qué tal?"}}]}`))
	}))
	defer ts.Close()

	c := openrouter.New(testCfg(ts.URL))
	got, err := c.Complete(context.Background(), msgs(), "m1", domain.CompletionParams{Temperature: 0.7})
	require.NoError(t, err)
	assert.Equal(t, "Hola, ¿qué tal?", got)
}

func TestComplete_RetriesOn429(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"despacio pero llega"}}]}`))
	}))
	defer ts.Close()

	c := openrouter.New(testCfg(ts.URL))
	got, err := c.Complete(context.Background(), msgs(), "m1", domain.CompletionParams{})
	require.NoError(t, err)
	assert.Equal(t, "despacio pero llega", got)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestComplete_4xxIsPermanent(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	c := openrouter.New(testCfg(ts.URL))
	_, err := c.Complete(context.Background(), msgs(), "m1", domain.CompletionParams{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstreamError)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestComplete_EmptyChoicesIsUpstreamError(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer ts.Close()

	c := openrouter.New(testCfg(ts.URL))
	_, err := c.Complete(context.Background(), msgs(), "m1", domain.CompletionParams{})
	assert.ErrorIs(t, err, domain.ErrUpstreamError)
}

func TestComplete_ContextCancellationIsTimeout(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"tarde"}}]}`))
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := openrouter.New(testCfg(ts.URL))
	_, err := c.Complete(ctx, msgs(), "m1", domain.CompletionParams{})
	assert.ErrorIs(t, err, domain.ErrUpstreamTimeout)
}

func TestComplete_MissingKeyIsInvalidArgument(t *testing.T) {
	t.Parallel()
	c := openrouter.New(config.Config{OpenRouterBaseURL: "http://localhost:0"})
	_, err := c.Complete(context.Background(), msgs(), "m1", domain.CompletionParams{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
