package usecase

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"log/slog"

	"github.com/fairyhunter13/ai-chat-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
	"github.com/fairyhunter13/ai-chat-gateway/internal/service/cache"
)

// KnowledgeService fans a search term out to every configured source
// concurrently with best-effort joining: one source failing or timing out
// never fails the others. Results and confirmed misses go through the
// search cache.
type KnowledgeService struct {
	sources     []domain.KnowledgeSource
	cache       *cache.Cache
	timeout     time.Duration
	positiveTTL time.Duration
	negativeTTL time.Duration
}

// NewKnowledgeService constructs the fan-out service. cache may be nil.
func NewKnowledgeService(sources []domain.KnowledgeSource, c *cache.Cache, timeout, positiveTTL, negativeTTL time.Duration) *KnowledgeService {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KnowledgeService{
		sources:     sources,
		cache:       c,
		timeout:     timeout,
		positiveTTL: positiveTTL,
		negativeTTL: negativeTTL,
	}
}

// Lookup returns whatever the sources produced for term, in source order.
// Failures are isolated per source, not per request.
func (s *KnowledgeService) Lookup(ctx context.Context, term string) []domain.ExternalInfo {
	if term == "" || len(s.sources) == 0 {
		return nil
	}

	results := make([]*domain.ExternalInfo, len(s.sources))
	var wg sync.WaitGroup
	for i, src := range s.sources {
		wg.Add(1)
		go func(i int, src domain.KnowledgeSource) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("knowledge source panicked", slog.String("source", src.Name()), slog.Any("panic", r))
				}
			}()
			results[i] = s.lookupOne(ctx, src, term)
		}(i, src)
	}
	wg.Wait()

	out := make([]domain.ExternalInfo, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// lookupOne consults the cache first. A negative-cached entry means the
// source was already asked and had nothing, so it is not asked again.
func (s *KnowledgeService) lookupOne(ctx context.Context, src domain.KnowledgeSource, term string) *domain.ExternalInfo {
	key := cache.Key(src.Name(), term)
	if s.cache != nil {
		if v, ok := s.cache.Get(ctx, key); ok {
			observability.CacheHitsTotal.WithLabelValues("search").Inc()
			if v == nil {
				return nil
			}
			var info domain.ExternalInfo
			if err := json.Unmarshal([]byte(*v), &info); err == nil {
				return &info
			}
			s.cache.Delete(ctx, key)
		}
		observability.CacheMissesTotal.WithLabelValues("search").Inc()
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	info, err := src.Search(cctx, term)
	if err != nil {
		// Recoverable: a timeout or upstream error in one source must not
		// affect the request or the other sources.
		slog.Warn("knowledge lookup failed",
			slog.String("source", src.Name()),
			slog.String("term", term),
			slog.Any("error", err))
		return nil
	}
	if info == nil {
		if s.cache != nil {
			s.cache.SetNegative(ctx, key, s.negativeTTL)
		}
		return nil
	}
	if s.cache != nil {
		if b, err := json.Marshal(info); err == nil {
			s.cache.Set(ctx, key, string(b), s.positiveTTL)
		}
	}
	return info
}
