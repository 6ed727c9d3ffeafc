package usecase_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-chat-gateway/internal/config"
	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
	"github.com/fairyhunter13/ai-chat-gateway/internal/service/cache"
	"github.com/fairyhunter13/ai-chat-gateway/internal/service/conversation"
	"github.com/fairyhunter13/ai-chat-gateway/internal/service/ratelimiter"
	"github.com/fairyhunter13/ai-chat-gateway/internal/usecase"
)

// fakeCompleter returns scripted responses in order; once the script runs
// out it repeats the last entry.
type fakeCompleter struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
	lastMsgs  []domain.Turn
	panics    bool
}

func (f *fakeCompleter) Complete(_ domain.Context, msgs []domain.Turn, _ string, _ domain.CompletionParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("completer wiring broken")
	}
	i := f.calls
	f.calls++
	f.lastMsgs = msgs
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return f.responses[i], err
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeEvents struct {
	mu     sync.Mutex
	events []domain.OutcomeEvent
}

func (f *fakeEvents) PublishOutcome(_ domain.Context, ev domain.OutcomeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func testConfig() config.Config {
	return config.Config{
		AppEnv:             "test",
		PrimaryModel:       "primary",
		FallbackModels:     []string{"secondary"},
		BaseTemperature:    0.7,
		TemperatureStep:    0.1,
		MaxAttempts:        3,
		RateBucketCapacity: 100,
		GlobalWindowLimit:  1000,
		MaxInFlight:        100,
		ResponseCacheTTL:   time.Hour,
		SearchCacheTTL:     time.Hour,
		NegativeCacheTTL:   time.Minute,
		MaxHistoryPairs:    6,
	}
}

func newService(cfg config.Config, completer domain.CompletionClient, events domain.EventPublisher) (*usecase.GenerateService, *cache.Cache) {
	persona := config.DefaultPersona()
	limiter := ratelimiter.New(ratelimiter.Options{
		BucketCapacity: cfg.RateBucketCapacity,
		GlobalLimit:    cfg.GlobalWindowLimit,
		MaxInFlight:    cfg.MaxInFlight,
	})
	convs := conversation.NewManager(persona, cfg.MaxHistoryPairs, 100)
	knowledge := usecase.NewKnowledgeService(nil, nil, time.Second, time.Hour, time.Minute)
	replies := cache.New("replies", 64)
	return usecase.NewGenerateService(cfg, persona, limiter, convs, completer, knowledge, replies, nil, events), replies
}

func TestGenerate_SuccessFirstAttempt(t *testing.T) {
	t.Parallel()
	fc := &fakeCompleter{responses: []string{"Claro, puedo ayudarte con eso"}}
	svc, _ := newService(testConfig(), fc, nil)

	reply, err := svc.Generate(context.Background(), "alice", "¿Me ayudas?")
	require.NoError(t, err)
	assert.Equal(t, "Claro, puedo ayudarte con eso.", reply.Text)
	assert.Equal(t, "primary", reply.ModelUsed)
	assert.Equal(t, 1, reply.Attempt)
	assert.False(t, reply.Fallback)
	assert.False(t, reply.FromCache)
	assert.Equal(t, 1, fc.callCount())
}

func TestGenerate_AlwaysCorrupt_FallbackNeverCached(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	fc := &fakeCompleter{responses: []string{"a a a a a a a"}}
	svc, replies := newService(cfg, fc, nil)

	reply, err := svc.Generate(context.Background(), "bob", "pregunta difícil")
	require.NoError(t, err, "exhaustion is a designed fallback, not an error")
	assert.True(t, reply.Fallback)
	assert.Equal(t, cfg.MaxAttempts, reply.Attempt)
	assert.Equal(t, cfg.MaxAttempts, fc.callCount())
	assert.Equal(t, 0, replies.Len(), "fallback replies are never cached")

	// A repeat of the same question must hit the completer again.
	_, err = svc.Generate(context.Background(), "bob", "pregunta difícil")
	require.NoError(t, err)
	assert.Equal(t, 2*cfg.MaxAttempts, fc.callCount())
}

func TestGenerate_CachedRepeatSkipsCompletion(t *testing.T) {
	t.Parallel()
	fc := &fakeCompleter{responses: []string{"La capital de Francia es París."}}
	svc, _ := newService(testConfig(), fc, nil)

	first, err := svc.Generate(context.Background(), "carol", "¿Capital de Francia?")
	require.NoError(t, err)
	require.False(t, first.FromCache)
	require.Equal(t, 1, fc.callCount())

	second, err := svc.Generate(context.Background(), "carol", "¿Capital de Francia?")
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, 1, fc.callCount(), "cached repeat must not call the completion service")
}

func TestGenerate_RetryAfterTransportError(t *testing.T) {
	t.Parallel()
	fc := &fakeCompleter{
		responses: []string{"", "Segunda vez funciona bien."},
		errs:      []error{domain.ErrUpstreamTimeout, nil},
	}
	svc, _ := newService(testConfig(), fc, nil)

	reply, err := svc.Generate(context.Background(), "dave", "¿Sigues ahí?")
	require.NoError(t, err)
	assert.Equal(t, 2, reply.Attempt)
	assert.Equal(t, "secondary", reply.ModelUsed, "second attempt rotates to the next model")
	assert.Equal(t, "Segunda vez funciona bien.", reply.Text)
}

func TestGenerate_DirectiveStrengthenedAfterReject(t *testing.T) {
	t.Parallel()
	fc := &fakeCompleter{responses: []string{"�", "Ahora sí respondo con claridad."}}
	svc, _ := newService(testConfig(), fc, nil)

	reply, err := svc.Generate(context.Background(), "erin", "explícame algo")
	require.NoError(t, err)
	assert.Equal(t, 2, reply.Attempt)

	// The retry saw the strengthened system instruction.
	directive := config.DefaultPersona().CoherenceDirective
	require.NotEmpty(t, fc.lastMsgs)
	assert.Equal(t, domain.RoleSystem, fc.lastMsgs[0].Role)
	assert.Contains(t, fc.lastMsgs[0].Content, directive)
}

func TestGenerate_AdmissionDenied(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.RateBucketCapacity = 1
	fc := &fakeCompleter{responses: []string{"Respuesta válida y completa."}}
	svc, _ := newService(cfg, fc, nil)

	_, err := svc.Generate(context.Background(), "frank", "primera")
	require.NoError(t, err)

	_, err = svc.Generate(context.Background(), "frank", "segunda")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAdmissionDenied)
}

func TestGenerate_InvalidArguments(t *testing.T) {
	t.Parallel()
	fc := &fakeCompleter{responses: []string{"no debería llamarse"}}
	svc, _ := newService(testConfig(), fc, nil)

	_, err := svc.Generate(context.Background(), "", "hola")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.Generate(context.Background(), "grace", "   ")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Equal(t, 0, fc.callCount())
}

func TestGenerate_PanicRecoveryResetsState(t *testing.T) {
	t.Parallel()
	fc := &fakeCompleter{panics: true}
	svc, replies := newService(testConfig(), fc, nil)

	reply, err := svc.Generate(context.Background(), "henry", "hola qué tal")
	require.NoError(t, err, "state corruption surfaces as a fallback, not a crash")
	assert.True(t, reply.Fallback)
	assert.Equal(t, config.DefaultPersona().FallbackGeneric, reply.Text)
	assert.Equal(t, 0, replies.Len())

	// The principal is usable again right away.
	fc2 := &fakeCompleter{responses: []string{"Todo en orden otra vez."}}
	svc2, _ := newService(testConfig(), fc2, nil)
	_, err = svc2.Generate(context.Background(), "henry", "hola qué tal")
	require.NoError(t, err)
}

func TestGenerate_PublishesOutcome(t *testing.T) {
	t.Parallel()
	fc := &fakeCompleter{responses: []string{"Aquí tienes la respuesta."}}
	events := &fakeEvents{}
	svc, _ := newService(testConfig(), fc, events)

	ctx := context.WithValue(context.Background(), usecase.RequestIDKey, "req-1")
	_, err := svc.Generate(ctx, "iris", "cuéntame algo")
	require.NoError(t, err)

	require.Len(t, events.events, 1)
	assert.Equal(t, "req-1", events.events[0].RequestID)
	assert.Equal(t, "iris", events.events[0].PrincipalID)
	assert.Equal(t, "primary", events.events[0].Model)
}

func TestGenerate_AssistantTurnAppendedOnlyOnSuccess(t *testing.T) {
	t.Parallel()
	fc := &fakeCompleter{responses: []string{"a a a a a a a"}}
	svc, _ := newService(testConfig(), fc, nil)

	_, err := svc.Generate(context.Background(), "judy", "pregunta")
	require.NoError(t, err)

	// Next request: the prepared context holds the user turn from the failed
	// request but no assistant turn for it.
	fc.mu.Lock()
	fc.responses = []string{"Ahora respondo correctamente."}
	fc.errs = nil
	fc.calls = 0
	fc.mu.Unlock()
	_, err = svc.Generate(context.Background(), "judy", "otra pregunta")
	require.NoError(t, err)

	var users, assistants int
	for _, m := range fc.lastMsgs {
		switch m.Role {
		case domain.RoleUser:
			users++
		case domain.RoleAssistant:
			assistants++
		}
	}
	assert.Equal(t, 2, users)
	assert.Equal(t, 0, assistants)
}

func TestGenerate_ReleaseFreesInFlightSlot(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxInFlight = 1
	fc := &fakeCompleter{responses: []string{"Una respuesta perfectamente válida."}}
	svc, _ := newService(cfg, fc, nil)

	for i := 0; i < 3; i++ {
		_, err := svc.Generate(context.Background(), "kate", "hola de nuevo")
		require.NoError(t, err, "sequential requests must not exhaust the in-flight cap")
	}
}

func TestGenerate_ErrUpstreamExhaustionIsFallback(t *testing.T) {
	t.Parallel()
	fc := &fakeCompleter{
		responses: []string{"", "", ""},
		errs:      []error{errors.New("boom"), errors.New("boom"), errors.New("boom")},
	}
	svc, _ := newService(testConfig(), fc, nil)

	reply, err := svc.Generate(context.Background(), "leo", "¿hola?")
	require.NoError(t, err)
	assert.True(t, reply.Fallback)
	assert.NotEmpty(t, reply.Text)
}
