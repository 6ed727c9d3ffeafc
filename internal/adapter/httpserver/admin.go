package httpserver

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
)

// AdminResetHandler wipes a principal's conversation history and rate
// bucket. Used by operators when a conversation has gone off the rails.
func (s *Server) AdminResetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal := chi.URLParam(r, "principal")
		if principal == "" {
			writeError(w, r, fmt.Errorf("%w: principal required", domain.ErrInvalidArgument), nil)
			return
		}
		s.Generator.ResetPrincipal(principal)
		LoggerFrom(r).Info("principal state reset", "principal_id", principal)
		writeJSON(w, http.StatusOK, map[string]any{"reset": principal})
	}
}
