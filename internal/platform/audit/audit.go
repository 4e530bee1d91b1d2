// Package audit records append-only security and clinical-workflow events.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/screening/screening/internal/platform/db"
)

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeveritySecurity Severity = "SECURITY"
	SeverityCritical Severity = "CRITICAL"
)

// Event types written by the domain services.
const (
	EventOrderCreated         = "ORDER_CREATED"
	EventOrderCancelled       = "ORDER_CANCELLED"
	EventConsentRecorded      = "CONSENT_RECORDED"
	EventBatteryCompleted     = "BATTERY_COMPLETED"
	EventPatientAcceptance    = "PATIENT_ACCEPTANCE"
	EventPublicTokenIssued    = "PUBLIC_TOKEN_ISSUED"
	EventPublicTokenRotated   = "PUBLIC_TOKEN_ROTATED"
	EventPublicTokenLocked    = "PUBLIC_TOKEN_LOCKED"
	EventReportGenerated      = "REPORT_GENERATED"
	EventReportCorrected      = "REPORT_CORRECTED"
	EventReportSignoff        = "REPORT_SIGNOFF"
	EventReportReviewed       = "REPORT_REVIEWED"
	EventReportRendered       = "REPORT_RENDERED"
	EventReportDownloaded     = "REPORT_DOWNLOADED"
	EventReportTamperDetected = "REPORT_TAMPER_DETECTED"
	EventAccessCodeIssued     = "ACCESS_CODE_ISSUED"
	EventOrderDelivered       = "ORDER_DELIVERED"
	EventDataExport           = "DATA_EXPORT"
	EventDeletionRequested    = "DELETION_REQUESTED"
	EventDeletionRejected     = "DELETION_REJECTED"
	EventDeletionExecuted     = "DELETION_EXECUTED"
)

type Event struct {
	ID          uuid.UUID      `json:"id"`
	OrgID       string         `json:"org_id,omitempty"`
	EventType   string         `json:"event_type"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id,omitempty"`
	ActorUserID string         `json:"actor_user_id,omitempty"`
	ActorName   string         `json:"actor_name,omitempty"`
	ActorRole   string         `json:"actor_role,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	IP          string         `json:"ip,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty"`
	RequestPath string         `json:"request_path,omitempty"`
	Severity    Severity       `json:"severity"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Sink stores audit events. Implementations never update or delete.
type Sink interface {
	Record(ctx context.Context, e *Event) error
}

func prepare(e *Event) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
}

// PGSink writes to audit_event, joining the caller's transaction when one is
// on ctx so the event commits or rolls back with the change it describes.
type PGSink struct {
	pool db.Queryable
}

func NewPGSink(pool db.Queryable) *PGSink {
	return &PGSink{pool: pool}
}

func (s *PGSink) Record(ctx context.Context, e *Event) error {
	prepare(e)
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("audit: marshal details: %w", err)
	}
	if e.Details == nil {
		details = []byte("{}")
	}

	_, err = db.Conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO audit_event (
			id, org_id, event_type, entity_type, entity_id,
			actor_user_id, actor_name, actor_role, details,
			ip_address, user_agent, request_path, severity, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		e.ID, nullIfEmpty(e.OrgID), e.EventType, e.EntityType, nullIfEmpty(e.EntityID),
		nullIfEmpty(e.ActorUserID), nullIfEmpty(e.ActorName), nullIfEmpty(e.ActorRole), details,
		nullIfEmpty(e.IP), nullIfEmpty(e.UserAgent), nullIfEmpty(e.RequestPath), string(e.Severity), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("audit: insert %s: %w", e.EventType, err)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// LogSink writes events as structured log lines. Used when no database is
// attached, e.g. in the sweep dry run.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Record(_ context.Context, e *Event) error {
	prepare(e)
	level := zerolog.InfoLevel
	switch e.Severity {
	case SeverityWarning, SeveritySecurity:
		level = zerolog.WarnLevel
	case SeverityCritical:
		level = zerolog.ErrorLevel
	}
	s.logger.WithLevel(level).
		Str("event_type", e.EventType).
		Str("severity", string(e.Severity)).
		Str("org_id", e.OrgID).
		Str("entity_type", e.EntityType).
		Str("entity_id", e.EntityID).
		Str("actor_user_id", e.ActorUserID).
		Str("actor_role", e.ActorRole).
		Str("ip", e.IP).
		Str("request_path", e.RequestPath).
		Interface("details", e.Details).
		Msg("audit event")
	return nil
}

// Tee records to every sink and returns the first error.
type Tee []Sink

func (t Tee) Record(ctx context.Context, e *Event) error {
	var first error
	for _, s := range t {
		if err := s.Record(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
