// Package publictoken implements the single-use, rotating secrets that gate
// every public (patient-facing) call on an order.
package publictoken

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/screening/screening/internal/platform/apperr"
	"github.com/screening/screening/internal/platform/audit"
	"github.com/screening/screening/internal/platform/db"
	"github.com/screening/screening/internal/platform/metrics"
)

// InvalidLinkMessage is the only thing a rejected caller learns.
const InvalidLinkMessage = "invalid or expired link"

const secretBytes = 32

const (
	OutcomeOK              = "ok"
	OutcomeNotFound        = "not_found"
	OutcomeLocked          = "locked"
	OutcomeExpired         = "expired"
	OutcomeUsed            = "used"
	OutcomeBindingMismatch = "binding_mismatch"
)

type Config struct {
	TTL               time.Duration
	MaxFailedAttempts int
}

type Service struct {
	repo    Repository
	tx      db.TxRunner
	audit   audit.Sink
	metrics *metrics.Metrics
	logger  zerolog.Logger
	cfg     Config
	now     func() time.Time
	rand    io.Reader
}

func NewService(repo Repository, tx db.TxRunner, sink audit.Sink, m *metrics.Metrics, logger zerolog.Logger, cfg Config) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = 5
	}
	return &Service{
		repo:    repo,
		tx:      tx,
		audit:   sink,
		metrics: m,
		logger:  logger.With().Str("component", "publictoken").Logger(),
		cfg:     cfg,
		now:     time.Now,
		rand:    rand.Reader,
	}
}

// HashSecret returns the stored form of a secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func (s *Service) newSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := io.ReadFull(s.rand, buf); err != nil {
		return "", fmt.Errorf("generate token secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// mint stores a new token row for the order and returns its secret.
func (s *Service) mint(ctx context.Context, orderID uuid.UUID, ip, ua *string) (Issued, error) {
	secret, err := s.newSecret()
	if err != nil {
		return Issued{}, err
	}
	t := &Token{
		OrderID:        orderID,
		TokenHash:      HashSecret(secret),
		Purpose:        PurposeAssessment,
		ExpiresAt:      s.now().Add(s.cfg.TTL).UTC(),
		BoundIP:        ip,
		BoundUserAgent: ua,
	}
	if err := s.repo.Create(ctx, t); err != nil {
		return Issued{}, err
	}
	return Issued{TokenID: t.ID, OrderID: orderID, Secret: secret, ExpiresAt: t.ExpiresAt}, nil
}

// Issue mints an additional token for the order. Callers creating an order
// run it inside their own transaction.
func (s *Service) Issue(ctx context.Context, orderID uuid.UUID) (*Issued, error) {
	var out Issued
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if out, err = s.mint(ctx, orderID, nil, nil); err != nil {
			return err
		}
		return s.audit.Record(ctx, audit.New(ctx, audit.EventPublicTokenIssued, "assessment_order", orderID.String(), audit.SeveritySecurity).
			With("token_id", out.TokenID.String()).
			With("expires_at", out.ExpiresAt))
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Reissue retires every unused token of the order and mints a fresh one.
func (s *Service) Reissue(ctx context.Context, orderID uuid.UUID) (*Issued, error) {
	var out Issued
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		retired, err := s.repo.RetireUnused(ctx, orderID)
		if err != nil {
			return err
		}
		if out, err = s.mint(ctx, orderID, nil, nil); err != nil {
			return err
		}
		return s.audit.Record(ctx, audit.New(ctx, audit.EventPublicTokenIssued, "assessment_order", orderID.String(), audit.SeveritySecurity).
			With("token_id", out.TokenID.String()).
			With("expires_at", out.ExpiresAt).
			With("reissue", true).
			With("retired", retired))
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type validation struct {
	outcome string
	locked  bool
	token   *Token
	access  *Access
}

// Validate consumes secret and rotates it. A rejected secret yields a
// PermissionDenied error with a generic message; the reason is only logged.
// Failed-attempt counting on a binding mismatch is committed even though the
// caller is rejected.
func (s *Service) Validate(ctx context.Context, secret string, client Client) (*Access, error) {
	if secret == "" {
		s.reject(ctx, &validation{outcome: OutcomeNotFound})
		return nil, apperr.Denied(InvalidLinkMessage, errors.New("public token: missing"))
	}

	var v validation
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		t, err := s.repo.GetByHashForUpdate(ctx, HashSecret(secret))
		if errors.Is(err, ErrNotFound) {
			v.outcome = OutcomeNotFound
			return nil
		}
		if err != nil {
			return err
		}
		v.token = t

		now := s.now().UTC()
		switch {
		case t.IsLocked:
			v.outcome = OutcomeLocked
			return nil
		case !now.Before(t.ExpiresAt):
			v.outcome = OutcomeExpired
			return nil
		case t.IsUsed:
			v.outcome = OutcomeUsed
			return nil
		}

		if mismatch(t.BoundIP, client.IP) || mismatch(t.BoundUserAgent, client.UserAgent) {
			v.outcome = OutcomeBindingMismatch
			t.FailedAttempts++
			if t.FailedAttempts >= s.cfg.MaxFailedAttempts {
				t.IsLocked = true
				v.locked = true
			}
			return s.repo.Update(ctx, t)
		}

		if t.BoundIP == nil {
			t.BoundIP = strPtr(client.IP)
		}
		if t.BoundUserAgent == nil {
			t.BoundUserAgent = strPtr(client.UserAgent)
		}
		t.IsUsed = true
		t.LastUsedAt = &now
		if err := s.repo.Update(ctx, t); err != nil {
			return err
		}

		next, err := s.mint(ctx, t.OrderID, t.BoundIP, t.BoundUserAgent)
		if err != nil {
			return err
		}
		ev := audit.New(ctx, audit.EventPublicTokenRotated, "assessment_order", t.OrderID.String(), audit.SeveritySecurity).
			With("previous_token_id", t.ID.String()).
			With("token_id", next.TokenID.String())
		ev.OrgID = t.OrgID
		if err := s.audit.Record(ctx, ev); err != nil {
			return err
		}

		v.outcome = OutcomeOK
		v.access = &Access{OrderID: t.OrderID, OrgID: t.OrgID, TokenID: t.ID, Next: next}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if v.outcome != OutcomeOK {
		s.reject(ctx, &v)
		return nil, apperr.Denied(InvalidLinkMessage, fmt.Errorf("public token: %s", v.outcome))
	}
	s.metrics.TokenValidated(OutcomeOK)
	return v.access, nil
}

// reject records a failed validation. The lock event is written here, after
// the transaction that counted the attempt has committed.
func (s *Service) reject(ctx context.Context, v *validation) {
	s.metrics.TokenValidated(v.outcome)

	ev := s.logger.Warn().Str("outcome", v.outcome)
	if v.token != nil {
		ev = ev.Str("token_id", v.token.ID.String()).
			Str("order_id", v.token.OrderID.String()).
			Int("failed_attempts", v.token.FailedAttempts)
	}
	ev.Msg("public token rejected")

	if !v.locked {
		return
	}
	lock := audit.New(ctx, audit.EventPublicTokenLocked, "assessment_order", v.token.OrderID.String(), audit.SeveritySecurity).
		With("token_id", v.token.ID.String()).
		With("failed_attempts", v.token.FailedAttempts)
	lock.OrgID = v.token.OrgID
	if err := s.audit.Record(ctx, lock); err != nil {
		s.logger.Error().Err(err).Str("token_id", v.token.ID.String()).Msg("record token lock")
	}
}

// DeleteForOrder removes every token of the order; used by data deletion.
func (s *Service) DeleteForOrder(ctx context.Context, orderID uuid.UUID) (int64, error) {
	return s.repo.DeleteByOrder(ctx, orderID)
}

func mismatch(bound *string, got string) bool {
	return bound != nil && *bound != got
}

func strPtr(s string) *string {
	return &s
}
