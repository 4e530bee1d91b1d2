package publictoken

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("public token not found")

type Repository interface {
	Create(ctx context.Context, t *Token) error
	// GetByHashForUpdate locks the row; it must run inside a transaction.
	GetByHashForUpdate(ctx context.Context, hash string) (*Token, error)
	Update(ctx context.Context, t *Token) error
	// RetireUnused marks every unused token of the order as used.
	RetireUnused(ctx context.Context, orderID uuid.UUID) (int64, error)
	DeleteByOrder(ctx context.Context, orderID uuid.UUID) (int64, error)
}
