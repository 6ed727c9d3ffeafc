package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-chat-gateway/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
)

// poolStub implements postgres.PgxPool for tests.
type poolStub struct {
	execTag  pgconn.CommandTag
	execErr  error
	queryErr error
	rows     *rowsStub

	lastSQL  string
	lastArgs []any
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.lastSQL, p.lastArgs = sql, args
	return p.execTag, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return nil
}

func (p *poolStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.lastSQL, p.lastArgs = sql, args
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	if p.rows == nil {
		p.rows = &rowsStub{}
	}
	return p.rows, nil
}

// rowsStub implements the pgx.Rows methods the repo touches; the rest are
// inert.
type rowsStub struct {
	data [][]any
	idx  int
}

func (r *rowsStub) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *rowsStub) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = row[i].(string)
		case *time.Time:
			*v = row[i].(time.Time)
		}
	}
	return nil
}

func (r *rowsStub) Close()                                       {}
func (r *rowsStub) Err() error                                   { return nil }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Values() ([]any, error)                       { return nil, nil }
func (r *rowsStub) RawValues() [][]byte                          { return nil }
func (r *rowsStub) Conn() *pgx.Conn                              { return nil }

func TestInteractionRepo_Save(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := postgres.NewInteractionRepo(pool)

	it := domain.Interaction{
		ID:          "01J0000000000000000000000",
		PrincipalID: "alice",
		Question:    "¿hola?",
		Answer:      "Hola.",
		Model:       "primary",
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, repo.Save(context.Background(), it))
	assert.Contains(t, pool.lastSQL, "INSERT INTO interactions")
	assert.Len(t, pool.lastArgs, 6)

	pool.execErr = assert.AnError
	err := repo.Save(context.Background(), it)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=interaction.save")
}

func TestInteractionRepo_RecentByPrincipal(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	pool := &poolStub{rows: &rowsStub{data: [][]any{
		{"id2", "alice", "q2", "a2", "m", now},
		{"id1", "alice", "q1", "a1", "m", now.Add(-time.Hour)},
	}}}
	repo := postgres.NewInteractionRepo(pool)

	out, err := repo.RecentByPrincipal(context.Background(), "alice", 5)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "q2", out[0].Question)
	assert.Equal(t, "a1", out[1].Answer)
	assert.Contains(t, pool.lastSQL, "ORDER BY created_at DESC")

	pool.queryErr = assert.AnError
	_, err = repo.RecentByPrincipal(context.Background(), "alice", 5)
	assert.Error(t, err)
}

func TestInteractionRepo_DeleteExpired(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execTag: pgconn.NewCommandTag("DELETE 3")}
	repo := postgres.NewInteractionRepo(pool)

	n, err := repo.DeleteExpired(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
