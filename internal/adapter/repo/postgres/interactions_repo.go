package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// InteractionRepo persists question/answer pairs used for history summaries.
type InteractionRepo struct{ Pool PgxPool }

// NewInteractionRepo constructs an InteractionRepo with the given pool.
func NewInteractionRepo(p PgxPool) *InteractionRepo { return &InteractionRepo{Pool: p} }

// Save inserts one interaction.
func (r *InteractionRepo) Save(ctx domain.Context, it domain.Interaction) error {
	tracer := otel.Tracer("repo.interactions")
	ctx, span := tracer.Start(ctx, "interactions.Save")
	defer span.End()
	q := `INSERT INTO interactions (id, principal_id, question, answer, model, created_at) VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := r.Pool.Exec(ctx, q, it.ID, it.PrincipalID, it.Question, it.Answer, it.Model, it.CreatedAt)
	if err != nil {
		return fmt.Errorf("op=interaction.save: %w", err)
	}
	return nil
}

// RecentByPrincipal loads the newest interactions for a principal, newest
// first.
func (r *InteractionRepo) RecentByPrincipal(ctx domain.Context, principalID string, limit int) ([]domain.Interaction, error) {
	tracer := otel.Tracer("repo.interactions")
	ctx, span := tracer.Start(ctx, "interactions.RecentByPrincipal")
	defer span.End()
	if limit <= 0 {
		limit = 5
	}
	q := `SELECT id, principal_id, question, answer, model, created_at FROM interactions WHERE principal_id=$1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, principalID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=interaction.recent: %w", err)
	}
	defer rows.Close()
	var out []domain.Interaction
	for rows.Next() {
		var it domain.Interaction
		if err := rows.Scan(&it.ID, &it.PrincipalID, &it.Question, &it.Answer, &it.Model, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=interaction.recent: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// DeleteExpired removes interactions created before olderThan and returns
// the number deleted.
func (r *InteractionRepo) DeleteExpired(ctx domain.Context, olderThan time.Time) (int64, error) {
	tracer := otel.Tracer("repo.interactions")
	ctx, span := tracer.Start(ctx, "interactions.DeleteExpired")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM interactions WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("op=interaction.delete_expired: %w", err)
	}
	return tag.RowsAffected(), nil
}
