package publictoken

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/screening/screening/internal/platform/db"
)

type tokenRepoPG struct{ pool db.Queryable }

func NewRepoPG(pool db.Queryable) Repository {
	return &tokenRepoPG{pool: pool}
}

func (r *tokenRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

func (r *tokenRepoPG) Create(ctx context.Context, t *Token) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Purpose == "" {
		t.Purpose = PurposeAssessment
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO public_access_token (id, order_id, token_hash, purpose, expires_at,
			bound_ip, bound_user_agent)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`,
		t.ID, t.OrderID, t.TokenHash, t.Purpose, t.ExpiresAt, t.BoundIP, t.BoundUserAgent,
	).Scan(&t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert public token: %w", err)
	}
	return nil
}

func (r *tokenRepoPG) GetByHashForUpdate(ctx context.Context, hash string) (*Token, error) {
	var t Token
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT t.id, t.order_id, o.org_id, t.token_hash, t.purpose, t.expires_at, t.is_used,
			t.failed_attempts, t.is_locked, t.bound_ip, t.bound_user_agent, t.last_used_at, t.created_at
		FROM public_access_token t
		JOIN assessment_order o ON o.id = t.order_id
		WHERE t.token_hash = $1
		FOR UPDATE OF t`, hash,
	).Scan(&t.ID, &t.OrderID, &t.OrgID, &t.TokenHash, &t.Purpose, &t.ExpiresAt, &t.IsUsed,
		&t.FailedAttempts, &t.IsLocked, &t.BoundIP, &t.BoundUserAgent, &t.LastUsedAt, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select public token: %w", err)
	}
	return &t, nil
}

func (r *tokenRepoPG) Update(ctx context.Context, t *Token) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE public_access_token
		SET is_used = $2, failed_attempts = $3, is_locked = $4,
			bound_ip = $5, bound_user_agent = $6, last_used_at = $7
		WHERE id = $1`,
		t.ID, t.IsUsed, t.FailedAttempts, t.IsLocked, t.BoundIP, t.BoundUserAgent, t.LastUsedAt)
	if err != nil {
		return fmt.Errorf("update public token: %w", err)
	}
	return nil
}

func (r *tokenRepoPG) RetireUnused(ctx context.Context, orderID uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE public_access_token SET is_used = TRUE WHERE order_id = $1 AND NOT is_used`, orderID)
	if err != nil {
		return 0, fmt.Errorf("retire public tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *tokenRepoPG) DeleteByOrder(ctx context.Context, orderID uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM public_access_token WHERE order_id = $1`, orderID)
	if err != nil {
		return 0, fmt.Errorf("delete public tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}
