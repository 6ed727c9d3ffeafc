package httpserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-chat-gateway/internal/config"
	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
	"github.com/fairyhunter13/ai-chat-gateway/internal/usecase"
	"github.com/fairyhunter13/ai-chat-gateway/pkg/textx"
)

// Generator is the slice of the use case layer the webhook needs.
type Generator interface {
	Generate(ctx domain.Context, principalID, message string) (domain.Reply, error)
	ResetPrincipal(principalID string)
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg       config.Config
	Persona   config.Persona
	Generator Generator

	// emitted remembers the ids of replies this instance produced, so an
	// inbound message can be verified as a reply to our own output.
	emitted *emittedSet
}

// NewServer constructs a Server with all handlers wired.
func NewServer(cfg config.Config, persona config.Persona, gen Generator) *Server {
	return &Server{Cfg: cfg, Persona: persona, Generator: gen, emitted: newEmittedSet(4096)}
}

var _ Generator = (*usecase.GenerateService)(nil)

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type messageRequest struct {
	PrincipalID string `json:"principal_id" validate:"required,min=1,max=128"`
	Text        string `json:"text" validate:"required,min=1,max=4096"`
	RepliedToID string `json:"replied_to_id" validate:"omitempty,max=128"`
}

type messageResponse struct {
	ReplyID   string `json:"reply_id,omitempty"`
	Text      string `json:"text,omitempty"`
	ModelUsed string `json:"model_used,omitempty"`
	FromCache bool   `json:"from_cache,omitempty"`
	Fallback  bool   `json:"fallback,omitempty"`
	Ignored   bool   `json:"ignored,omitempty"`
}

// MessageHandler receives an inbound chat-platform message. The generator is
// invoked only when the message replies to one of our own prior outputs, or
// when it carries the configured greeting trigger; everything else is
// acknowledged and ignored.
func (s *Server) MessageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
			writeError(w, r, fmt.Errorf("%w: content-type must be application/json", domain.ErrInvalidArgument), nil)
			return
		}
		var req messageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json body", domain.ErrInvalidArgument), nil)
			return
		}
		req.Text = textx.SanitizeText(req.Text)
		if err := getValidator().Struct(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}

		if s.isGreeting(req.Text) {
			id := uuid.NewString()
			s.emitted.add(id)
			writeJSON(w, http.StatusOK, messageResponse{ReplyID: id, Text: s.Persona.Greeting})
			return
		}
		if req.RepliedToID == "" || !s.emitted.has(req.RepliedToID) {
			slog.Debug("webhook message ignored", slog.String("principal_id", req.PrincipalID))
			writeJSON(w, http.StatusOK, messageResponse{Ignored: true})
			return
		}

		reply, err := s.Generator.Generate(r.Context(), req.PrincipalID, req.Text)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		id := uuid.NewString()
		s.emitted.add(id)
		writeJSON(w, http.StatusOK, messageResponse{
			ReplyID:   id,
			Text:      reply.Text,
			ModelUsed: reply.ModelUsed,
			FromCache: reply.FromCache,
			Fallback:  reply.Fallback,
		})
	}
}

func (s *Server) isGreeting(text string) bool {
	trigger := s.Cfg.GreetingTrigger
	return trigger != "" && strings.EqualFold(strings.TrimSpace(text), trigger)
}

// emittedSet is a bounded FIFO set of reply ids.
type emittedSet struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	cap   int
}

func newEmittedSet(capacity int) *emittedSet {
	return &emittedSet{ids: make(map[string]struct{}), cap: capacity}
}

func (e *emittedSet) add(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.ids[id]; ok {
		return
	}
	for len(e.order) >= e.cap {
		oldest := e.order[0]
		e.order = e.order[1:]
		delete(e.ids, oldest)
	}
	e.ids[id] = struct{}{}
	e.order = append(e.order, id)
}

func (e *emittedSet) has(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.ids[id]
	return ok
}
