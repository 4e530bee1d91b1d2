// Package report builds the frozen report document of a completed order,
// runs the signoff and review workflow and stores the rendered PDF with its
// digest.
package report

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/screening/screening/internal/domain/order"
	"github.com/screening/screening/internal/domain/scoring"
	"github.com/screening/screening/internal/platform/apperr"
	"github.com/screening/screening/internal/platform/audit"
	"github.com/screening/screening/internal/platform/auth"
	"github.com/screening/screening/internal/platform/blobstore"
	"github.com/screening/screening/internal/platform/db"
	"github.com/screening/screening/internal/platform/feed"
	"github.com/screening/screening/internal/platform/metrics"
	"github.com/screening/screening/internal/platform/renderer"
)

const (
	entityReport   = "assessment_report"
	pdfContentType = "application/pdf"

	IntegrityMessage = "report integrity check failed"
)

// Renderer turns a frozen document into PDF bytes.
type Renderer interface {
	Render(ctx context.Context, req renderer.Request) ([]byte, error)
}

type Config struct {
	OrgName string
}

type Deps struct {
	Repo     Repository
	Orders   order.OrderRepository
	Patients order.PatientRepository
	Results  order.ResultRepository
	Registry *scoring.Registry
	Renderer Renderer
	Blobs    blobstore.Store
	Tx       db.TxRunner
	Audit    audit.Sink
	Metrics  *metrics.Metrics
	Feed     feed.Publisher
	Logger   zerolog.Logger
}

type Service struct {
	repo     Repository
	orders   order.OrderRepository
	patients order.PatientRepository
	results  order.ResultRepository
	reg      *scoring.Registry
	renderer Renderer
	blobs    blobstore.Store
	tx       db.TxRunner
	audit    audit.Sink
	metrics  *metrics.Metrics
	feed     feed.Publisher
	logger   zerolog.Logger
	cfg      Config
	now      func() time.Time
}

func NewService(d Deps, cfg Config) *Service {
	return &Service{
		repo:     d.Repo,
		orders:   d.Orders,
		patients: d.Patients,
		results:  d.Results,
		reg:      d.Registry,
		renderer: d.Renderer,
		blobs:    d.Blobs,
		tx:       d.Tx,
		audit:    d.Audit,
		metrics:  d.Metrics,
		feed:     d.Feed,
		logger:   d.Logger.With().Str("component", "report").Logger(),
		cfg:      cfg,
		now:      time.Now,
	}
}

var _ order.Reports = (*Service)(nil)

func (s *Service) event(ctx context.Context, r *Report, eventType string, sev audit.Severity) *audit.Event {
	e := audit.New(ctx, eventType, entityReport, r.ID.String(), sev).
		With("order_id", r.OrderID.String())
	e.OrgID = r.OrgID
	if e.ActorRole == "" {
		e.ActorRole = "patient"
	}
	return e
}

func (s *Service) lockOrder(ctx context.Context, orderID uuid.UUID) (*order.Order, error) {
	o, err := s.orders.GetForUpdate(ctx, auth.OrgIDFromContext(ctx), orderID)
	if errors.Is(err, order.ErrNotFound) {
		return nil, apperr.NotFound("order")
	}
	if err != nil {
		return nil, err
	}
	if o.DeletionStatus != order.DeletionActive {
		return nil, apperr.Conflict("order data is %s", strings.ToLower(o.DeletionStatus))
	}
	return o, nil
}

func (s *Service) activeForUpdate(ctx context.Context, orderID uuid.UUID) (*Report, error) {
	r, err := s.repo.GetActiveForUpdate(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("report")
	}
	return r, err
}

// Generated is the outcome of Generate. Created is false when an existing
// report was returned unchanged.
type Generated struct {
	Report  *Report `json:"report"`
	Created bool    `json:"created"`
}

// Generate freezes the report of a completed order. Without a correction it
// is idempotent and returns the active report. A correction deactivates the
// active report and inserts a successor that points at it.
func (s *Service) Generate(ctx context.Context, orderID uuid.UUID, correctionReason *string) (*Generated, error) {
	correcting := correctionReason != nil
	if correcting {
		reason := strings.TrimSpace(*correctionReason)
		if reason == "" {
			return nil, apperr.Validation("correction_reason must not be empty")
		}
		correctionReason = &reason
	}

	out := &Generated{}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		o, err := s.lockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		current, err := s.repo.GetActiveForUpdate(ctx, o.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			current = nil
		case err != nil:
			return err
		}
		if current != nil && !correcting {
			out.Report = current
			return nil
		}
		if current == nil && correcting {
			return apperr.Conflict("order has no report to correct")
		}

		res, err := s.results.GetByOrder(ctx, o.ID)
		if errors.Is(err, order.ErrNotFound) {
			return apperr.Conflict("order has no result yet")
		}
		if err != nil {
			return err
		}
		p, err := s.patients.GetByID(ctx, o.OrgID, o.PatientID)
		if err != nil {
			return fmt.Errorf("load patient: %w", err)
		}

		now := s.now().UTC()
		r := &Report{
			ID:            uuid.New(),
			OrderID:       o.ID,
			OrgID:         o.OrgID,
			SchemaVersion: SchemaVersion,
			EngineVersion: res.Result.EngineVersion,
			SignoffStatus: SignoffPending,
			ReviewStatus:  ReviewNotRequired,
			IsActive:      true,
		}
		if scoring.HasCritical(res.Result.Summary.RedFlags) {
			r.ReviewStatus = ReviewPending
		}
		r.Document, err = buildDocument(s.reg, buildInput{
			ReportID:     r.ID,
			Organization: Organization{ID: o.OrgID, Name: s.cfg.OrgName},
			Order:        o,
			Patient:      p,
			Result:       res,
			ReviewStatus: r.ReviewStatus,
			Now:          now,
		})
		if err != nil {
			return err
		}

		eventType := audit.EventReportGenerated
		if current != nil {
			if err := s.repo.Deactivate(ctx, current.ID); err != nil {
				return err
			}
			r.SupersedesReportID = &current.ID
			r.CorrectionReason = correctionReason
			eventType = audit.EventReportCorrected
		}
		if err := s.repo.Create(ctx, r); err != nil {
			if db.IsUniqueViolation(err, "uniq_active_report_per_order") {
				return apperr.Conflict("order already has an active report")
			}
			return err
		}

		automatedSignoff(r, now)
		if err := s.repo.UpdateSignoff(ctx, r); err != nil {
			return err
		}

		out.Report, out.Created = r, true
		ev := s.event(ctx, r, eventType, audit.SeverityInfo).
			With("signoff_status", r.SignoffStatus).
			With("review_status", r.ReviewStatus)
		if current != nil {
			ev.With("supersedes_report_id", current.ID.String()).With("reason", *correctionReason)
		}
		return s.audit.Record(ctx, ev)
	})
	if err != nil {
		return nil, err
	}
	if out.Created {
		kind := "generated"
		if correcting {
			kind = "corrected"
		}
		s.metrics.ReportGenerated(kind)
		s.logger.Info().
			Str("order_id", orderID.String()).
			Str("report_id", out.Report.ID.String()).
			Str("signoff_status", out.Report.SignoffStatus).
			Str("review_status", out.Report.ReviewStatus).
			Msg("report generated")
	}
	return out, nil
}

// automatedSignoff moves a PENDING report to SYSTEM_SIGNED when the summary
// carries every required field, and to SYSTEM_REJECTED otherwise.
func automatedSignoff(r *Report, now time.Time) {
	if r.SignoffStatus != SignoffPending {
		return
	}
	r.SignoffMethod = strPtr(MethodAutomated)
	r.SignedByName = strPtr(automatedSigner)
	r.SignedByRole = strPtr("system")
	r.SignedAt = &now
	if missing := missingSummaryFields(r.Document); len(missing) > 0 {
		r.SignoffStatus = SignoffSystemRejected
		r.SignoffReason = strPtr(fmt.Sprintf("Missing: [%s]", strings.Join(missing, ", ")))
		return
	}
	r.SignoffStatus = SignoffSystemSigned
	r.SignoffReason = nil
}

// Get returns the active report of an order in the caller's org.
func (s *Service) Get(ctx context.Context, orderID uuid.UUID) (*Report, error) {
	if _, err := s.orders.GetByID(ctx, auth.OrgIDFromContext(ctx), orderID); err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return nil, apperr.NotFound("order")
		}
		return nil, err
	}
	r, err := s.repo.GetActive(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("report")
	}
	return r, err
}

type OverrideInput struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// Override records a clinician's signoff decision on the active report.
func (s *Service) Override(ctx context.Context, orderID uuid.UUID, in OverrideInput) (*Report, error) {
	status := strings.ToUpper(strings.TrimSpace(in.Status))
	if status != SignoffSigned && status != SignoffRejected {
		return nil, apperr.Validation("status must be SIGNED or REJECTED")
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return nil, apperr.Validation("reason is required")
	}
	name := auth.UserNameFromContext(ctx)
	if name == "" {
		name = auth.UserIDFromContext(ctx)
	}

	var r *Report
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		o, err := s.lockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !order.CanOverrideSignoff(o.Status) {
			return apperr.Conflict("signoff cannot be overridden while the order is %s", o.Status).
				WithData(map[string]string{"current_status": o.Status})
		}
		if r, err = s.activeForUpdate(ctx, o.ID); err != nil {
			return err
		}
		previous := r.SignoffStatus
		now := s.now().UTC()
		r.SignoffStatus = status
		r.SignoffMethod = strPtr(MethodClinicianOverride)
		r.SignedByName = strPtr(name)
		r.SignedByRole = strPtr(auth.PrimaryRole(ctx))
		r.SignoffReason = &reason
		r.SignedAt = &now
		if err := s.repo.UpdateSignoff(ctx, r); err != nil {
			return err
		}
		return s.audit.Record(ctx, s.event(ctx, r, audit.EventReportSignoff, audit.SeverityWarning).
			With("previous_status", previous).
			With("status", status).
			With("reason", reason))
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// MarkReviewed clears the review gate of a report with a critical flag.
func (s *Service) MarkReviewed(ctx context.Context, orderID uuid.UUID) (*Report, error) {
	var r *Report
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		o, err := s.lockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if r, err = s.activeForUpdate(ctx, o.ID); err != nil {
			return err
		}
		switch r.ReviewStatus {
		case ReviewNotRequired:
			return apperr.Conflict("report does not require review")
		case ReviewReviewed:
			return apperr.Conflict("report already reviewed")
		}
		now := s.now().UTC()
		r.ReviewStatus = ReviewReviewed
		r.ReviewedBy = strPtr(auth.UserNameFromContext(ctx))
		if r.ReviewedBy == nil {
			r.ReviewedBy = strPtr(auth.UserIDFromContext(ctx))
		}
		r.ReviewedAt = &now
		if err := s.repo.UpdateReview(ctx, r); err != nil {
			return err
		}
		return s.audit.Record(ctx, s.event(ctx, r, audit.EventReportReviewed, audit.SeverityWarning))
	})
	if err != nil {
		return nil, err
	}
	if s.feed != nil {
		s.feed.Publish(ctx, feed.Event{
			Type:      feed.EventReportReviewed,
			OrgID:     r.OrgID,
			OrderID:   r.OrderID.String(),
			Timestamp: *r.ReviewedAt,
		})
	}
	return r, nil
}

// PDFKey is the blob key of a report's rendered PDF.
func PDFKey(r *Report) string {
	return fmt.Sprintf("reports/%s/%s/%s.pdf", r.OrgID, r.OrderID, r.ID)
}

// RenderPDF renders the active report and stores the bytes with their
// digest. When the metadata cannot be committed the blob is restored to its
// previous content, or removed if there was none.
func (s *Service) RenderPDF(ctx context.Context, orderID uuid.UUID) (*Report, error) {
	var r *Report
	var written string
	var previous []byte
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		o, err := s.lockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if r, err = s.activeForUpdate(ctx, o.ID); err != nil {
			return err
		}
		pdf, err := s.renderer.Render(ctx, renderer.Request{Report: r.Document, Signoff: r.signoff()})
		if err != nil {
			return fmt.Errorf("render report: %w", err)
		}
		if len(pdf) == 0 {
			return errors.New("render report: renderer returned no bytes")
		}
		sum := sha256.Sum256(pdf)
		digest := hex.EncodeToString(sum[:])
		key := PDFKey(r)

		if r.PDFKey != nil && *r.PDFKey == key {
			if previous, err = s.blobs.Get(ctx, key); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
				return fmt.Errorf("read previous pdf: %w", err)
			}
		}
		info, err := s.blobs.Put(ctx, key, pdf, pdfContentType)
		if err != nil {
			return fmt.Errorf("store pdf: %w", err)
		}
		written = key
		if err := s.repo.SetPDF(ctx, r.ID, key, digest, info.Size); err != nil {
			return err
		}
		r.PDFKey, r.PDFSHA256, r.PDFSize = &key, &digest, &info.Size
		return s.audit.Record(ctx, s.event(ctx, r, audit.EventReportRendered, audit.SeverityInfo).
			With("sha256", digest).
			With("size", info.Size))
	})
	if err != nil {
		if written != "" {
			s.restoreBlob(ctx, written, previous)
		}
		return nil, err
	}
	s.metrics.ReportGenerated("rendered")
	return r, nil
}

func (s *Service) restoreBlob(ctx context.Context, key string, previous []byte) {
	ctx = context.WithoutCancel(ctx)
	var err error
	if previous != nil {
		_, err = s.blobs.Put(ctx, key, previous, pdfContentType)
	} else {
		err = s.blobs.Delete(ctx, key)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("failed to clean up pdf after rollback")
	}
}

// StaffDownload serves the active PDF to staff of the order's org.
func (s *Service) StaffDownload(ctx context.Context, orderID uuid.UUID) (*order.Download, error) {
	if _, err := s.orders.GetByID(ctx, auth.OrgIDFromContext(ctx), orderID); err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return nil, apperr.NotFound("order")
		}
		return nil, err
	}
	return s.Download(ctx, orderID, order.ChannelStaff)
}

// Download returns the stored PDF after recomputing its digest. The patient
// channel is also subject to the review gate.
func (s *Service) Download(ctx context.Context, orderID uuid.UUID, channel string) (*order.Download, error) {
	r, err := s.repo.GetActive(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.Conflict("report is not available yet")
	}
	if err != nil {
		return nil, err
	}
	if channel == order.ChannelPatient && r.ReviewStatus == ReviewPending {
		return nil, apperr.Conflict(ReviewRequiredMessage)
	}
	if !r.HasPDF() {
		return nil, apperr.Conflict("report PDF has not been rendered")
	}

	data, err := s.blobs.Get(ctx, *r.PDFKey)
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, s.tampered(ctx, r, channel, "", "blob missing")
	}
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if digest != *r.PDFSHA256 {
		return nil, s.tampered(ctx, r, channel, digest, "digest mismatch")
	}

	if err := s.audit.Record(ctx, s.event(ctx, r, audit.EventReportDownloaded, audit.SeverityInfo).
		With("channel", channel)); err != nil {
		return nil, err
	}
	return &order.Download{
		Filename:    fmt.Sprintf("report-%s.pdf", r.ID),
		ContentType: pdfContentType,
		Data:        data,
		SHA256:      digest,
	}, nil
}

// tampered records a CRITICAL integrity event and returns the error the
// caller sees. Nothing is served.
func (s *Service) tampered(ctx context.Context, r *Report, channel, actual, cause string) error {
	s.metrics.IntegrityFailure()
	s.logger.Error().
		Str("report_id", r.ID.String()).
		Str("key", deref(r.PDFKey)).
		Str("expected_sha256", deref(r.PDFSHA256)).
		Str("actual_sha256", actual).
		Msg("report integrity check failed: " + cause)
	ev := s.event(ctx, r, audit.EventReportTamperDetected, audit.SeverityCritical).
		With("channel", channel).
		With("expected_sha256", deref(r.PDFSHA256)).
		With("actual_sha256", actual).
		With("cause", cause)
	if err := s.audit.Record(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Error().Err(err).Msg("failed to record tamper event")
	}
	return apperr.Integrity(IntegrityMessage, fmt.Errorf("report %s: %s", r.ID, cause))
}

// CheckReleasable fails while the order's report, or its result when no
// report exists yet, carries a critical flag that no clinician has reviewed.
func (s *Service) CheckReleasable(ctx context.Context, orderID uuid.UUID) error {
	r, err := s.repo.GetActive(ctx, orderID)
	switch {
	case err == nil:
		if r.ReviewStatus == ReviewPending {
			return apperr.Conflict(ReviewRequiredMessage)
		}
		return nil
	case !errors.Is(err, ErrNotFound):
		return err
	}
	res, err := s.results.GetByOrder(ctx, orderID)
	switch {
	case errors.Is(err, order.ErrNotFound):
		return nil
	case err != nil:
		return err
	}
	if scoring.HasCritical(res.Result.Summary.RedFlags) {
		return apperr.Conflict(ReviewRequiredMessage)
	}
	return nil
}

// CheckDeliverable requires a releasable and signed report.
func (s *Service) CheckDeliverable(ctx context.Context, orderID uuid.UUID) error {
	if err := s.CheckReleasable(ctx, orderID); err != nil {
		return err
	}
	r, err := s.repo.GetActive(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		return apperr.Conflict("order has no report")
	}
	if err != nil {
		return err
	}
	if !r.Signed() {
		return apperr.Conflict("report must be signed before delivery").
			WithData(map[string]string{"signoff_status": r.SignoffStatus})
	}
	return nil
}

func (s *Service) ActiveSummary(ctx context.Context, orderID uuid.UUID) (*order.ReportSummary, error) {
	r, err := s.repo.GetActive(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.Summary(), nil
}

func (s *Service) ActiveDocument(ctx context.Context, orderID uuid.UUID) (json.RawMessage, error) {
	r, err := s.repo.GetActive(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.Document, nil
}

// DeleteForOrder removes every report version of the order and returns the
// PDF keys they referenced. It runs inside the deletion transaction and
// leaves the blobs alone, so a rollback keeps rows and bytes consistent.
func (s *Service) DeleteForOrder(ctx context.Context, orderID uuid.UUID) (int64, []string, error) {
	return s.repo.DeleteByOrder(ctx, orderID)
}

// PurgeBlobs removes PDFs whose rows were deleted by a committed
// transaction. Failures are logged; an orphaned blob is unreachable.
func (s *Service) PurgeBlobs(ctx context.Context, keys []string) {
	ctx = context.WithoutCancel(ctx)
	for _, key := range keys {
		if err := s.blobs.Delete(ctx, key); err != nil {
			s.logger.Error().Err(err).Str("key", key).Msg("failed to delete pdf after data deletion")
		}
	}
}
