package report

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("report not found")

// Repository has no statement that rewrites a stored document.
type Repository interface {
	Create(ctx context.Context, r *Report) error
	// GetActive returns the order's active report, or ErrNotFound.
	GetActive(ctx context.Context, orderID uuid.UUID) (*Report, error)
	// GetActiveForUpdate locks the active row; it must run inside a
	// transaction.
	GetActiveForUpdate(ctx context.Context, orderID uuid.UUID) (*Report, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
	UpdateSignoff(ctx context.Context, r *Report) error
	UpdateReview(ctx context.Context, r *Report) error
	SetPDF(ctx context.Context, id uuid.UUID, key, sha256 string, size int64) error
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Report, error)
	// DeleteByOrder removes every version and returns the PDF keys they held.
	DeleteByOrder(ctx context.Context, orderID uuid.UUID) (int64, []string, error)
}
