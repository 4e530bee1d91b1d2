package order

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, orgID string, id uuid.UUID) (*Patient, error)
}

type OrderRepository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, orgID string, id uuid.UUID) (*Order, error)
	// GetForUpdate locks the order row; orgID may be empty for public callers
	// whose order id came from a validated token.
	GetForUpdate(ctx context.Context, orgID string, id uuid.UUID) (*Order, error)
	Update(ctx context.Context, o *Order) error
	List(ctx context.Context, orgID string, statuses []string, limit, offset int) ([]*Order, int, error)
	ListInbox(ctx context.Context, orgID string, limit, offset int) ([]*InboxItem, int, error)
	ListLinkExpired(ctx context.Context, now time.Time, limit int) ([]*Order, error)
	ListRetentionDue(ctx context.Context, now time.Time, limit int) ([]*Order, error)
}

type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	GetByOrder(ctx context.Context, orderID uuid.UUID) (*Session, error)
	GetByOrderForUpdate(ctx context.Context, orderID uuid.UUID) (*Session, error)
	Update(ctx context.Context, s *Session) error
	DeleteByOrder(ctx context.Context, orderID uuid.UUID) (int64, error)
}

type ResponseRepository interface {
	Create(ctx context.Context, r *TestResponse) error
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]TestResponse, error)
	DeleteByOrder(ctx context.Context, orderID uuid.UUID) (int64, error)
}

type ResultRepository interface {
	Create(ctx context.Context, r *Result) error
	GetByOrder(ctx context.Context, orderID uuid.UUID) (*Result, error)
	DeleteByOrder(ctx context.Context, orderID uuid.UUID) (int64, error)
}

type IdempotencyRepository interface {
	// Get returns the cached response for (session, key), or ErrNotFound.
	Get(ctx context.Context, sessionID uuid.UUID, key string) ([]byte, error)
	Put(ctx context.Context, sessionID uuid.UUID, key string, response []byte) error
	DeleteByOrder(ctx context.Context, orderID uuid.UUID) (int64, error)
}

type ConsentRepository interface {
	Create(ctx context.Context, c *Consent) error
	GetByOrder(ctx context.Context, orderID uuid.UUID) (*Consent, error)
	DeleteByOrder(ctx context.Context, orderID uuid.UUID) (int64, error)
}

type DeletionRepository interface {
	Create(ctx context.Context, d *DeletionRequest) error
	GetForUpdate(ctx context.Context, orgID string, id uuid.UUID) (*DeletionRequest, error)
	Update(ctx context.Context, d *DeletionRequest) error
	HasOpen(ctx context.Context, orderID uuid.UUID) (bool, error)
}

// Stores groups the repositories the service works with.
type Stores struct {
	Patients    PatientRepository
	Orders      OrderRepository
	Sessions    SessionRepository
	Responses   ResponseRepository
	Results     ResultRepository
	Idempotency IdempotencyRepository
	Consents    ConsentRepository
	Deletions   DeletionRepository
}
