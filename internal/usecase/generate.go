// Package usecase contains application business logic services.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/ai-chat-gateway/internal/adapter/ai"
	"github.com/fairyhunter13/ai-chat-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-gateway/internal/config"
	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
	"github.com/fairyhunter13/ai-chat-gateway/internal/service/cache"
	"github.com/fairyhunter13/ai-chat-gateway/internal/service/conversation"
	"github.com/fairyhunter13/ai-chat-gateway/internal/service/ratelimiter"
	"github.com/fairyhunter13/ai-chat-gateway/pkg/textx"
)

// genState is the generation state machine. Succeeded and fallbackUsed are
// terminal.
type genState int

const (
	stateIdle genState = iota
	stateAttempting
	stateSucceeded
	stateFallbackUsed
)

func (s genState) String() string {
	switch s {
	case stateAttempting:
		return "attempting"
	case stateSucceeded:
		return "succeeded"
	case stateFallbackUsed:
		return "fallback_used"
	default:
		return "idle"
	}
}

// modelChoice pairs a model with the temperature used for it. Secondary
// models run hotter, trading determinism for variety once the primary keeps
// failing.
type modelChoice struct {
	model       string
	temperature float64
}

// GenerateService drives admission, context assembly, the bounded
// retry/fallback loop, validation, and the success-path side effects.
type GenerateService struct {
	cfg       config.Config
	persona   config.Persona
	limiter   *ratelimiter.Limiter
	convs     *conversation.Manager
	validator *ai.ResponseValidator
	completer domain.CompletionClient
	knowledge *KnowledgeService
	replies   *cache.Cache

	repo   domain.InteractionRepo // optional
	events domain.EventPublisher  // optional

	chain []modelChoice
	sleep func(time.Duration) // injectable for tests
}

// NewGenerateService wires the generator and its collaborators. repo and
// events may be nil; the pipeline degrades without them.
func NewGenerateService(
	cfg config.Config,
	persona config.Persona,
	limiter *ratelimiter.Limiter,
	convs *conversation.Manager,
	completer domain.CompletionClient,
	knowledge *KnowledgeService,
	replies *cache.Cache,
	repo domain.InteractionRepo,
	events domain.EventPublisher,
) *GenerateService {
	chain := make([]modelChoice, 0, 1+len(cfg.FallbackModels))
	chain = append(chain, modelChoice{model: cfg.PrimaryModel, temperature: cfg.BaseTemperature})
	for i, m := range cfg.FallbackModels {
		chain = append(chain, modelChoice{
			model:       m,
			temperature: cfg.BaseTemperature + float64(i+1)*cfg.TemperatureStep,
		})
	}
	return &GenerateService{
		cfg:       cfg,
		persona:   persona,
		limiter:   limiter,
		convs:     convs,
		validator: ai.NewResponseValidator(),
		completer: completer,
		knowledge: knowledge,
		replies:   replies,
		repo:      repo,
		events:    events,
		chain:     chain,
		sleep:     time.Sleep,
	}
}

// Generate runs one request end to end. Admission denial comes back as
// ErrAdmissionDenied with a wait hint; every other path terminates in a
// successful or fallback Reply, never a hard failure.
func (s *GenerateService) Generate(ctx context.Context, principalID, message string) (domain.Reply, error) {
	message = textx.SanitizeText(message)
	if principalID == "" || message == "" {
		return domain.Reply{}, fmt.Errorf("%w: principal and message required", domain.ErrInvalidArgument)
	}

	adm := s.limiter.Allow(principalID)
	if !adm.Allowed {
		observability.AdmissionDeniedTotal.Inc()
		return domain.Reply{}, fmt.Errorf("%w: retry after %s", domain.ErrAdmissionDenied, adm.RetryAfter.Round(time.Second))
	}
	// The concurrency slot is released exactly once, on every exit path.
	defer s.limiter.Release()

	reply, err := s.generateAdmitted(ctx, principalID, message)
	if err == nil {
		s.publishOutcome(ctx, principalID, reply)
	}
	return reply, err
}

// ResetPrincipal clears all per-principal state: conversation history,
// pending directive, and rate bucket.
func (s *GenerateService) ResetPrincipal(principalID string) {
	s.convs.Reset(principalID)
	s.limiter.Reset(principalID)
}

// generateAdmitted is the pipeline after admission. A panic anywhere inside
// is state corruption: the principal's conversation and rate state are
// reset and a generic apology is returned.
func (s *GenerateService) generateAdmitted(ctx context.Context, principalID, message string) (reply domain.Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("generation pipeline panicked",
				slog.String("principal_id", principalID),
				slog.Any("panic", r))
			s.convs.Reset(principalID)
			s.limiter.Reset(principalID)
			reply = domain.Reply{Text: s.persona.FallbackGeneric, Fallback: true}
			err = nil
		}
	}()

	// Cached replies bypass the completion service entirely.
	cacheKey := cache.Key(principalID, message)
	if v, ok := s.replies.Get(ctx, cacheKey); ok && v != nil {
		observability.CacheHitsTotal.WithLabelValues("response").Inc()
		return domain.Reply{Text: *v, FromCache: true}, nil
	}
	observability.CacheMissesTotal.WithLabelValues("response").Inc()

	info := s.knowledge.Lookup(ctx, message)
	s.convs.Append(principalID, domain.RoleUser, message)
	defer s.convs.ClearDirective(principalID)

	state := stateIdle
	maxAttempts := s.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		state = stateAttempting
		choice := s.chain[(attempt-1)%len(s.chain)]
		msgs := s.convs.Prepare(ctx, principalID, info)

		observability.GenerationAttemptsTotal.WithLabelValues(choice.model).Inc()
		raw, cerr := s.completer.Complete(ctx, msgs, choice.model, s.params(choice.temperature))
		if cerr != nil {
			slog.Warn("completion attempt failed",
				slog.String("principal_id", principalID),
				slog.String("model", choice.model),
				slog.Int("attempt", attempt),
				slog.Any("error", cerr))
			if attempt < maxAttempts {
				// Linear backoff: base * attemptNumber.
				s.sleep(s.cfg.GetRetryBackoffBase() * time.Duration(attempt))
			}
			continue
		}

		res := s.validator.Validate(raw)
		if !res.Valid {
			slog.Warn("generated text rejected",
				slog.String("principal_id", principalID),
				slog.String("model", choice.model),
				slog.Int("attempt", attempt),
				slog.String("reason", string(res.Reason)))
			observability.ValidationRejectsTotal.WithLabelValues(string(res.Reason)).Inc()
			if attempt < maxAttempts {
				s.convs.StrengthenDirective(principalID, s.persona.CoherenceDirective)
			}
			continue
		}

		// Success path: exactly one cache write and one history append.
		state = stateSucceeded
		s.replies.Set(ctx, cacheKey, res.Corrected, s.cfg.ResponseCacheTTL)
		s.convs.Append(principalID, domain.RoleAssistant, res.Corrected)
		s.saveInteraction(ctx, principalID, message, res.Corrected, choice.model)
		slog.Debug("generation terminal", slog.String("state", state.String()), slog.Int("attempt", attempt))
		return domain.Reply{Text: res.Corrected, ModelUsed: choice.model, Attempt: attempt}, nil
	}

	// Exhaustion: deterministic fallback, never cached, never appended.
	state = stateFallbackUsed
	slog.Info("generation terminal",
		slog.String("state", state.String()),
		slog.String("principal_id", principalID),
		slog.Int("attempts", maxAttempts))
	observability.FallbacksTotal.Inc()
	return domain.Reply{Text: s.fallbackText(info), Attempt: maxAttempts, Fallback: true}, nil
}

// fallbackText prefers a templated fallback surfacing the looked-up
// title/source over a generic apology.
func (s *GenerateService) fallbackText(info []domain.ExternalInfo) string {
	if len(info) == 0 {
		return s.persona.FallbackGeneric
	}
	t := s.persona.FallbackWithInfo
	t = strings.ReplaceAll(t, "{{title}}", info[0].Title)
	t = strings.ReplaceAll(t, "{{source}}", info[0].Source)
	return t
}

func (s *GenerateService) params(temperature float64) domain.CompletionParams {
	return domain.CompletionParams{
		Temperature:      temperature,
		MaxTokens:        s.cfg.MaxTokens,
		TopP:             s.cfg.TopP,
		FrequencyPenalty: s.cfg.FrequencyPen,
		PresencePenalty:  s.cfg.PresencePen,
	}
}

func (s *GenerateService) saveInteraction(ctx context.Context, principalID, question, answer, model string) {
	if s.repo == nil {
		return
	}
	it := domain.Interaction{
		ID:          ulid.Make().String(),
		PrincipalID: principalID,
		Question:    question,
		Answer:      answer,
		Model:       model,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.repo.Save(ctx, it); err != nil {
		slog.Warn("interaction save failed", slog.String("principal_id", principalID), slog.Any("error", err))
	}
}

func (s *GenerateService) publishOutcome(ctx context.Context, principalID string, r domain.Reply) {
	if s.events == nil {
		return
	}
	ev := domain.OutcomeEvent{
		RequestID:   requestIDFrom(ctx),
		PrincipalID: principalID,
		Model:       r.ModelUsed,
		Attempt:     r.Attempt,
		FromCache:   r.FromCache,
		Fallback:    r.Fallback,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.events.PublishOutcome(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("outcome publish failed", slog.Any("error", err))
	}
}

type ctxKey string

// RequestIDKey carries the per-request ID assigned at the HTTP boundary.
const RequestIDKey ctxKey = "request_id"

func requestIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(RequestIDKey).(string); ok {
		return v
	}
	return ""
}
