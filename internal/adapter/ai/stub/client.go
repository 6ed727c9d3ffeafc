// Package stub provides a fast, deterministic completion client for local
// development when no provider key is configured.
package stub

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
)

// Client echoes a canned completion derived from the last user turn.
type Client struct{}

// New constructs a stub client.
func New() *Client { return &Client{} }

// Complete returns a deterministic reply without calling any provider.
func (c *Client) Complete(_ domain.Context, msgs []domain.Turn, model string, _ domain.CompletionParams) (string, error) {
	// Simulate a tiny bit of processing latency to resemble real work.
	time.Sleep(20 * time.Millisecond)
	last := ""
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleUser {
			last = msgs[i].Content
			break
		}
	}
	return fmt.Sprintf("Respuesta de prueba (%s): he recibido tu mensaje \"%s\".", model, last), nil
}
