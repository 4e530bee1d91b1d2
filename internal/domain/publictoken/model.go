package publictoken

import (
	"time"

	"github.com/google/uuid"
)

const PurposeAssessment = "ASSESSMENT"

// Token maps to the public_access_token table. Only the SHA-256 of the secret
// is stored; the plaintext exists once, in the response that minted it.
type Token struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	OrderID        uuid.UUID  `db:"order_id" json:"order_id"`
	OrgID          string     `db:"org_id" json:"org_id"`
	TokenHash      string     `db:"token_hash" json:"-"`
	Purpose        string     `db:"purpose" json:"purpose"`
	ExpiresAt      time.Time  `db:"expires_at" json:"expires_at"`
	IsUsed         bool       `db:"is_used" json:"is_used"`
	FailedAttempts int        `db:"failed_attempts" json:"failed_attempts"`
	IsLocked       bool       `db:"is_locked" json:"is_locked"`
	BoundIP        *string    `db:"bound_ip" json:"-"`
	BoundUserAgent *string    `db:"bound_user_agent" json:"-"`
	LastUsedAt     *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// Issued is a freshly minted secret. Secret must reach the client exactly once.
type Issued struct {
	TokenID   uuid.UUID `json:"-"`
	OrderID   uuid.UUID `json:"order_id"`
	Secret    string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Client identifies the caller presenting a token.
type Client struct {
	IP        string
	UserAgent string
}

// Access is the outcome of a successful validation: the order the caller may
// act on and the successor secret to hand back.
type Access struct {
	OrderID uuid.UUID
	OrgID   string
	TokenID uuid.UUID
	Next    Issued
}
