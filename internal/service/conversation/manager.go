// Package conversation manages bounded, ordered per-principal message
// history and system-prompt injection.
package conversation

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/fairyhunter13/ai-chat-gateway/internal/config"
	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
)

// Clock abstracts time for deterministic tests.
type Clock func() time.Time

const (
	historyMarker = "{{history_summary}}"
	infoMarker    = "{{external_info}}"
)

type conversation struct {
	mu         sync.Mutex
	turns      []domain.Turn
	directive  string // extra system instruction after a validation reject
	lastActive time.Time
}

// Manager owns every principal's conversation state. Mutations are
// serialized per principal; cross-principal operations need no coordination.
type Manager struct {
	persona       config.Persona
	maxPairs      int
	summaryBudget int
	repo          domain.InteractionRepo // optional
	now           Clock

	mu    sync.Mutex
	convs map[string]*conversation

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// Option configures a Manager.
type Option func(*Manager)

// WithRepo wires the optional durable interaction store used for the
// history-summary section of the system turn.
func WithRepo(repo domain.InteractionRepo) Option {
	return func(m *Manager) { m.repo = repo }
}

// WithClock injects a clock, used by tests.
func WithClock(now Clock) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager constructs a Manager keeping at most maxPairs user/assistant
// pairs per principal, plus the system turn.
func NewManager(persona config.Persona, maxPairs, summaryBudget int, opts ...Option) *Manager {
	if maxPairs <= 0 {
		maxPairs = 6
	}
	if summaryBudget <= 0 {
		summaryBudget = 300
	}
	m := &Manager{
		persona:       persona,
		maxPairs:      maxPairs,
		summaryBudget: summaryBudget,
		now:           time.Now,
		convs:         make(map[string]*conversation),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Append adds a turn to principalID's history, creating the conversation on
// first reference. The cap 1 + 2*maxPairs is enforced by dropping the oldest
// user/assistant pairs; the system turn is never dropped.
func (m *Manager) Append(principalID string, role domain.Role, content string) {
	c := m.get(principalID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, domain.Turn{Role: role, Content: content, Timestamp: m.now()})
	c.lastActive = m.now()
	m.truncateLocked(c)
}

// StrengthenDirective appends an extra instruction to the system turn for
// every subsequent Prepare of this principal, used after a validation reject.
func (m *Manager) StrengthenDirective(principalID, directive string) {
	c := m.get(principalID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if directive != "" && !strings.Contains(c.directive, directive) {
		c.directive = strings.TrimSpace(c.directive + " " + directive)
	}
}

// ClearDirective drops any strengthened instruction, called once a request
// terminates.
func (m *Manager) ClearDirective(principalID string) {
	c := m.get(principalID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.directive = ""
}

// Prepare returns the ordered turn sequence for a completion call. The
// system turn content is rebuilt on every call: the persona template with
// the history-summary and external-info sections interpolated, never leaving
// an unresolved marker behind.
func (m *Manager) Prepare(ctx domain.Context, principalID string, info []domain.ExternalInfo) []domain.Turn {
	system := m.renderSystem(ctx, principalID, info)

	c := m.get(principalID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.directive != "" {
		system += "\n" + c.directive
	}
	out := make([]domain.Turn, 0, len(c.turns)+1)
	out = append(out, domain.Turn{Role: domain.RoleSystem, Content: system, Timestamp: m.now()})
	out = append(out, c.turns...)
	return out
}

// History returns a copy of principalID's stored turns (without the
// regenerated system turn). Intended for diagnostics and tests.
func (m *Manager) History(principalID string) []domain.Turn {
	c := m.get(principalID)
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Reset discards principalID's conversation, used on unrecoverable error.
func (m *Manager) Reset(principalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.convs, principalID)
}

// SweepIdle evicts conversations idle longer than maxIdle and returns the
// number removed.
func (m *Manager) SweepIdle(maxIdle time.Duration) int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, c := range m.convs {
		c.mu.Lock()
		idle := now.Sub(c.lastActive)
		c.mu.Unlock()
		if idle > maxIdle {
			delete(m.convs, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("conversation sweep", slog.Int("removed", removed))
	}
	return removed
}

func (m *Manager) get(principalID string) *conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[principalID]
	if !ok {
		c = &conversation{lastActive: m.now()}
		m.convs[principalID] = c
	}
	return c
}

// truncateLocked keeps at most the 2*maxPairs most recent turns. Overflow is
// dropped from the front only, whole pairs at a time: the cut advances to the
// next user turn so an assistant reply is never left at the front without the
// message it answers.
func (m *Manager) truncateLocked(c *conversation) {
	max := 2 * m.maxPairs
	if len(c.turns) <= max {
		return
	}
	drop := len(c.turns) - max
	for drop < len(c.turns) && c.turns[drop].Role != domain.RoleUser {
		drop++
	}
	c.turns = append(c.turns[:0], c.turns[drop:]...)
}

func (m *Manager) renderSystem(ctx domain.Context, principalID string, info []domain.ExternalInfo) string {
	s := m.persona.SystemTemplate
	s = strings.ReplaceAll(s, historyMarker, m.historySummary(ctx, principalID))
	s = strings.ReplaceAll(s, infoMarker, m.renderInfo(info))
	return s
}

// historySummary condenses durably stored interactions into a short section,
// trimmed to the configured token budget.
func (m *Manager) historySummary(ctx domain.Context, principalID string) string {
	if m.repo == nil {
		return m.persona.NoHistoryPlaceholder
	}
	its, err := m.repo.RecentByPrincipal(ctx, principalID, 5)
	if err != nil {
		slog.Warn("history summary lookup failed", slog.String("principal_id", principalID), slog.Any("error", err))
		return m.persona.NoHistoryPlaceholder
	}
	if len(its) == 0 {
		return m.persona.NoHistoryPlaceholder
	}
	var b strings.Builder
	for _, it := range its {
		fmt.Fprintf(&b, "Q: %s A: %s. ", snippet(it.Question, 80), snippet(it.Answer, 120))
	}
	return m.trimToBudget(strings.TrimSpace(b.String()))
}

func (m *Manager) renderInfo(info []domain.ExternalInfo) string {
	if len(info) == 0 {
		return m.persona.NoInfoPlaceholder
	}
	var b strings.Builder
	for i, in := range info {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%s] %s: %s", in.Source, in.Title, in.Content)
		if in.URL != "" {
			fmt.Fprintf(&b, " (%s)", in.URL)
		}
	}
	return b.String()
}

// trimToBudget cuts s down to the summary token budget using the cl100k
// encoding, falling back to a characters/4 estimate when the encoding is
// unavailable.
func (m *Manager) trimToBudget(s string) string {
	m.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tiktoken encoding unavailable, using length estimate", slog.Any("error", err))
			return
		}
		m.enc = enc
	})
	if m.enc == nil {
		limit := m.summaryBudget * 4
		if len(s) > limit {
			return s[:limit]
		}
		return s
	}
	tokens := m.enc.Encode(s, nil, nil)
	if len(tokens) <= m.summaryBudget {
		return s
	}
	return m.enc.Decode(tokens[:m.summaryBudget])
}

func snippet(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	if i := strings.LastIndexByte(cut, ' '); i > n/2 {
		cut = cut[:i]
	}
	return cut + "…"
}
