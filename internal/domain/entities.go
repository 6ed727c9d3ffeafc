package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrAdmissionDenied    = errors.New("admission denied")
	ErrValidationRejected = errors.New("validation rejected")
	ErrUpstreamTimeout    = errors.New("upstream timeout")
	ErrUpstreamError      = errors.New("upstream error")
	ErrExhausted          = errors.New("attempts exhausted")
	ErrStateCorruption    = errors.New("state corruption")
	ErrInternal           = errors.New("internal error")
)

// Role enumerates conversation turn roles.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a conversation's ordered history.
// Invariant: a conversation always begins with exactly one system turn.
type Turn struct {
	Role      Role
	Content   string
	Timestamp time.Time
}

// ExternalInfo is an opaque knowledge-lookup result. The generator treats
// Content as context text; Title and Source feed templated fallbacks.
type ExternalInfo struct {
	Source  string `json:"source"`
	Title   string `json:"title"`
	Content string `json:"content"`
	URL     string `json:"url"`
}

// CompletionParams are generation parameters passed through to the
// completion service. Exposed as configuration, never hardcoded per-call.
type CompletionParams struct {
	Temperature      float64
	MaxTokens        int
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
}

// Reply is the outcome of a generation request. Fallback replies are
// terminal and never cached.
type Reply struct {
	Text      string
	ModelUsed string
	Attempt   int
	FromCache bool
	Fallback  bool
}

// Interaction is a durably stored question/answer pair used to summarize
// prior history into the system turn.
type Interaction struct {
	ID          string
	PrincipalID string
	Question    string
	Answer      string
	Model       string
	CreatedAt   time.Time
}

// CompletionClient (port)
//
// Complete must honor ctx deadlines; transient upstream retries inside an
// implementation are opaque to callers.
type CompletionClient interface {
	Complete(ctx Context, msgs []Turn, model string, params CompletionParams) (string, error)
}

// KnowledgeSource (port)
//
// Search returns (nil, nil) on "not found"; it must be safe to call
// concurrently.
type KnowledgeSource interface {
	Name() string
	Search(ctx Context, term string) (*ExternalInfo, error)
}

// InteractionRepo (port, optional)
//
// The core degrades, not crashes, when no implementation is wired.
type InteractionRepo interface {
	Save(ctx Context, it Interaction) error
	RecentByPrincipal(ctx Context, principalID string, limit int) ([]Interaction, error)
	DeleteExpired(ctx Context, olderThan time.Time) (int64, error)
}

// EventPublisher (port, optional)
//
// Publish is fire-and-forget; failures are logged, never propagated.
type EventPublisher interface {
	PublishOutcome(ctx Context, ev OutcomeEvent) error
}

// OutcomeEvent records how a generation request terminated.
type OutcomeEvent struct {
	RequestID   string    `json:"request_id"`
	PrincipalID string    `json:"principal_id"`
	Model       string    `json:"model"`
	Attempt     int       `json:"attempt"`
	FromCache   bool      `json:"from_cache"`
	Fallback    bool      `json:"fallback"`
	CreatedAt   time.Time `json:"created_at"`
}

// Context is an alias to decouple the domain from std context; adapters and
// usecases pass context.Context through.
type Context = context.Context
