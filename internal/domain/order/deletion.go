package order

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/screening/screening/internal/platform/apperr"
	"github.com/screening/screening/internal/platform/audit"
	"github.com/screening/screening/internal/platform/auth"
	"github.com/screening/screening/internal/platform/db"
)

const (
	entityDeletion = "deletion_request"
	sweepBatchSize = 500
)

// RequestDeletion opens a manual deletion request and marks the order
// PENDING_DELETE. An order has at most one open request.
func (s *Service) RequestDeletion(ctx context.Context, orderID uuid.UUID, reason string) (*DeletionRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation("reason is required")
	}
	var d *DeletionRequest
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		o, err := s.lockStaffOrder(ctx, orderID)
		if err != nil {
			return err
		}
		d, err = s.openDeletion(ctx, o, reason, SourceManual, strPtr(auth.UserIDFromContext(ctx)))
		if err != nil {
			return err
		}
		return s.audit.Record(ctx, audit.New(ctx, audit.EventDeletionRequested, entityOrder, o.ID.String(), audit.SeverityWarning).
			With("deletion_request_id", d.ID.String()).
			With("source", d.Source).
			With("reason", d.Reason))
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) openDeletion(ctx context.Context, o *Order, reason, source string, by *string) (*DeletionRequest, error) {
	if o.DeletionStatus != DeletionActive {
		return nil, apperr.Conflict("order deletion status is %s", o.DeletionStatus)
	}
	open, err := s.store.Deletions.HasOpen(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, apperr.Conflict("order already has an open deletion request")
	}
	d := &DeletionRequest{
		OrgID:       o.OrgID,
		OrderID:     o.ID,
		Reason:      reason,
		Source:      source,
		Status:      DeletionRequested,
		RequestedBy: by,
		RequestedAt: s.now().UTC(),
	}
	if err := s.store.Deletions.Create(ctx, d); err != nil {
		if db.IsUniqueViolation(err, "uniq_open_deletion_request") {
			return nil, apperr.Conflict("order already has an open deletion request")
		}
		return nil, err
	}
	o.DeletionStatus = DeletionPendingDelete
	if err := s.store.Orders.Update(ctx, o); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) lockDeletion(ctx context.Context, id uuid.UUID) (*DeletionRequest, *Order, error) {
	d, err := s.store.Deletions.GetForUpdate(ctx, auth.OrgIDFromContext(ctx), id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, apperr.NotFound("deletion request")
	}
	if err != nil {
		return nil, nil, err
	}
	if d.Status != DeletionRequested {
		return nil, nil, apperr.Conflict("deletion request is %s", d.Status).
			WithData(map[string]string{"current_status": d.Status})
	}
	o, err := s.lockStaffOrder(ctx, d.OrderID)
	if err != nil {
		return nil, nil, err
	}
	return d, o, nil
}

// Purged counts the rows removed by an executed deletion.
type Purged struct {
	Responses       int64 `json:"responses"`
	Results         int64 `json:"results"`
	Reports         int64 `json:"reports"`
	Consents        int64 `json:"consents"`
	IdempotencyKeys int64 `json:"idempotency_keys"`
	Tokens          int64 `json:"tokens"`
	Sessions        int64 `json:"sessions"`
}

// ApproveDeletion approves and executes the request in one transaction.
// Clinical data, reports and their blobs are removed; the order row stays as
// a DELETED shell and audit events are kept.
func (s *Service) ApproveDeletion(ctx context.Context, id uuid.UUID) (*DeletionRequest, *Purged, error) {
	var d *DeletionRequest
	var purged Purged
	var blobKeys []string
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var o *Order
		var err error
		if d, o, err = s.lockDeletion(ctx, id); err != nil {
			return err
		}
		now := s.now().UTC()
		d.Status = DeletionApproved
		d.DecidedBy = strPtr(auth.UserIDFromContext(ctx))
		d.DecidedAt = &now

		if purged.IdempotencyKeys, err = s.store.Idempotency.DeleteByOrder(ctx, o.ID); err != nil {
			return err
		}
		if purged.Responses, err = s.store.Responses.DeleteByOrder(ctx, o.ID); err != nil {
			return err
		}
		if purged.Results, err = s.store.Results.DeleteByOrder(ctx, o.ID); err != nil {
			return err
		}
		if purged.Reports, blobKeys, err = s.reports.DeleteForOrder(ctx, o.ID); err != nil {
			return err
		}
		if purged.Consents, err = s.store.Consents.DeleteByOrder(ctx, o.ID); err != nil {
			return err
		}
		if purged.Tokens, err = s.tokens.DeleteForOrder(ctx, o.ID); err != nil {
			return err
		}
		if purged.Sessions, err = s.store.Sessions.DeleteByOrder(ctx, o.ID); err != nil {
			return err
		}

		o.DeletionStatus = DeletionDeleted
		o.AccessCodeHash = nil
		o.AccessCodeExpiresAt = nil
		o.DeliveryTarget = nil
		if err := s.store.Orders.Update(ctx, o); err != nil {
			return err
		}
		d.Status = DeletionExecuted
		d.ExecutedAt = &now
		if err := s.store.Deletions.Update(ctx, d); err != nil {
			return err
		}
		return s.audit.Record(ctx, audit.New(ctx, audit.EventDeletionExecuted, entityDeletion, d.ID.String(), audit.SeverityWarning).
			With("order_id", o.ID.String()).
			With("source", d.Source).
			With("purged", purged))
	})
	if err != nil {
		return nil, nil, err
	}
	s.reports.PurgeBlobs(ctx, blobKeys)
	s.logger.Warn().Str("order_id", d.OrderID.String()).Str("deletion_request_id", d.ID.String()).Msg("order data deleted")
	return d, &purged, nil
}

// RejectDeletion closes the request and returns the order to ACTIVE.
func (s *Service) RejectDeletion(ctx context.Context, id uuid.UUID, reason string) (*DeletionRequest, error) {
	var d *DeletionRequest
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var o *Order
		var err error
		if d, o, err = s.lockDeletion(ctx, id); err != nil {
			return err
		}
		now := s.now().UTC()
		d.Status = DeletionRejected
		d.DecidedBy = strPtr(auth.UserIDFromContext(ctx))
		d.DecidedAt = &now
		if err := s.store.Deletions.Update(ctx, d); err != nil {
			return err
		}
		o.DeletionStatus = DeletionActive
		if err := s.store.Orders.Update(ctx, o); err != nil {
			return err
		}
		return s.audit.Record(ctx, audit.New(ctx, audit.EventDeletionRejected, entityDeletion, d.ID.String(), audit.SeverityInfo).
			With("order_id", o.ID.String()).
			With("reason", reason))
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// SweepReport summarizes one sweep run.
type SweepReport struct {
	DryRun            bool        `json:"dry_run"`
	Cancelled         []uuid.UUID `json:"cancelled"`
	DeletionRequested []uuid.UUID `json:"deletion_requested"`
	Failed            int         `json:"failed"`
}

// Sweep cancels orders whose public link expired before completion and opens
// RETENTION_SWEEP deletion requests for orders past their retention date.
// Each order is handled in its own transaction; a failure is logged and the
// sweep moves on.
func (s *Service) Sweep(ctx context.Context, dryRun bool) (*SweepReport, error) {
	rep := &SweepReport{DryRun: dryRun, Cancelled: []uuid.UUID{}, DeletionRequested: []uuid.UUID{}}
	now := s.now().UTC()

	expired, err := s.store.Orders.ListLinkExpired(ctx, now, sweepBatchSize)
	if err != nil {
		return nil, err
	}
	for _, o := range expired {
		if dryRun {
			rep.Cancelled = append(rep.Cancelled, o.ID)
			continue
		}
		done, err := s.sweepExpired(ctx, o.ID)
		if err != nil {
			rep.Failed++
			s.logger.Error().Err(err).Str("order_id", o.ID.String()).Msg("sweep: cancel expired order")
			continue
		}
		if done {
			rep.Cancelled = append(rep.Cancelled, o.ID)
		}
	}

	due, err := s.store.Orders.ListRetentionDue(ctx, now, sweepBatchSize)
	if err != nil {
		return nil, err
	}
	for _, o := range due {
		if dryRun {
			rep.DeletionRequested = append(rep.DeletionRequested, o.ID)
			continue
		}
		done, err := s.sweepRetention(ctx, o.ID)
		if err != nil {
			rep.Failed++
			s.logger.Error().Err(err).Str("order_id", o.ID.String()).Msg("sweep: open retention request")
			continue
		}
		if done {
			rep.DeletionRequested = append(rep.DeletionRequested, o.ID)
		}
	}

	s.logger.Info().
		Bool("dry_run", dryRun).
		Int("cancelled", len(rep.Cancelled)).
		Int("deletion_requested", len(rep.DeletionRequested)).
		Int("failed", rep.Failed).
		Msg("sweep finished")
	return rep, nil
}

func systemEvent(ctx context.Context, o *Order, eventType, entityType, entityID string, sev audit.Severity) *audit.Event {
	e := audit.New(ctx, eventType, entityType, entityID, sev)
	e.OrgID = o.OrgID
	e.ActorRole = "system"
	return e
}

// sweepExpired re-checks the order under lock; it may have progressed since
// it was listed.
func (s *Service) sweepExpired(ctx context.Context, id uuid.UUID) (bool, error) {
	var done bool
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		o, err := s.store.Orders.GetForUpdate(ctx, "", id)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if s.linkOpen(o) || (o.Status != StatusCreated && o.Status != StatusInProgress) {
			return nil
		}
		if err := Cancel(o, now); err != nil {
			return err
		}
		if err := s.store.Orders.Update(ctx, o); err != nil {
			return err
		}
		done = true
		return s.audit.Record(ctx, systemEvent(ctx, o, audit.EventOrderCancelled, entityOrder, o.ID.String(), audit.SeverityInfo).
			With("reason", "public link expired").
			With("source", "sweep"))
	})
	return done, err
}

func (s *Service) sweepRetention(ctx context.Context, id uuid.UUID) (bool, error) {
	var done bool
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		o, err := s.store.Orders.GetForUpdate(ctx, "", id)
		if err != nil {
			return err
		}
		if o.DeletionStatus != DeletionActive || s.now().UTC().Before(o.DataRetentionUntil) {
			return nil
		}
		if open, err := s.store.Deletions.HasOpen(ctx, o.ID); err != nil || open {
			return err
		}
		d, err := s.openDeletion(ctx, o, "retention period elapsed", SourceRetentionSweep, nil)
		if err != nil {
			return err
		}
		done = true
		return s.audit.Record(ctx, systemEvent(ctx, o, audit.EventDeletionRequested, entityOrder, o.ID.String(), audit.SeverityWarning).
			With("deletion_request_id", d.ID.String()).
			With("source", d.Source).
			With("retention_until", o.DataRetentionUntil))
	})
	return done, err
}
