package stub_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-chat-gateway/internal/adapter/ai/stub"
	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
)

func TestComplete_EchoesLastUserTurn(t *testing.T) {
	t.Parallel()
	c := stub.New()
	msgs := []domain.Turn{
		{Role: domain.RoleSystem, Content: "sistema"},
		{Role: domain.RoleUser, Content: "primera"},
		{Role: domain.RoleAssistant, Content: "respuesta"},
		{Role: domain.RoleUser, Content: "segunda"},
	}
	out, err := c.Complete(context.Background(), msgs, "stub-model", domain.CompletionParams{})
	require.NoError(t, err)
	assert.Contains(t, out, "segunda")
	assert.Contains(t, out, "stub-model")
}
