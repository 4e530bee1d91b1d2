package report

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/screening/screening/internal/domain/order"
	"github.com/screening/screening/internal/platform/renderer"
)

const SchemaVersion = "v1"

// Signoff statuses.
const (
	SignoffPending        = "PENDING"
	SignoffSystemSigned   = "SYSTEM_SIGNED"
	SignoffSystemRejected = "SYSTEM_REJECTED"
	SignoffSigned         = "SIGNED"
	SignoffRejected       = "REJECTED"
)

const (
	MethodAutomated         = "AUTOMATED"
	MethodClinicianOverride = "CLINICIAN_OVERRIDE"

	automatedSigner = "Automated Signoff"
)

// Review statuses.
const (
	ReviewNotRequired = "NOT_REQUIRED"
	ReviewPending     = "PENDING_REVIEW"
	ReviewReviewed    = "REVIEWED"
)

// ReviewRequiredMessage is returned by every external release while a
// critical flag awaits clinician review.
const ReviewRequiredMessage = "critical flag requires clinician review"

// Report maps to the assessment_report table. Document is frozen at insert;
// only signoff, review, pdf and is_active columns change afterwards.
type Report struct {
	ID                 uuid.UUID       `db:"id" json:"id"`
	OrderID            uuid.UUID       `db:"order_id" json:"order_id"`
	OrgID              string          `db:"org_id" json:"org_id"`
	SchemaVersion      string          `db:"schema_version" json:"schema_version"`
	EngineVersion      string          `db:"engine_version" json:"engine_version"`
	Document           json.RawMessage `db:"document" json:"document"`
	SignoffStatus      string          `db:"signoff_status" json:"signoff_status"`
	SignoffMethod      *string         `db:"signoff_method" json:"signoff_method,omitempty"`
	SignedByName       *string         `db:"signed_by_name" json:"signed_by_name,omitempty"`
	SignedByRole       *string         `db:"signed_by_role" json:"signed_by_role,omitempty"`
	SignoffReason      *string         `db:"signoff_reason" json:"signoff_reason,omitempty"`
	SignedAt           *time.Time      `db:"signed_at" json:"signed_at,omitempty"`
	ReviewStatus       string          `db:"review_status" json:"review_status"`
	ReviewedBy         *string         `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewedAt         *time.Time      `db:"reviewed_at" json:"reviewed_at,omitempty"`
	PDFKey             *string         `db:"pdf_key" json:"-"`
	PDFSHA256          *string         `db:"pdf_sha256" json:"pdf_sha256,omitempty"`
	PDFSize            *int64          `db:"pdf_size" json:"pdf_size,omitempty"`
	IsActive           bool            `db:"is_active" json:"is_active"`
	SupersedesReportID *uuid.UUID      `db:"supersedes_report_id" json:"supersedes_report_id,omitempty"`
	CorrectionReason   *string         `db:"correction_reason" json:"correction_reason,omitempty"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
}

// Signed reports whether the report may leave the clinic.
func (r *Report) Signed() bool {
	return r.SignoffStatus == SignoffSystemSigned || r.SignoffStatus == SignoffSigned
}

func (r *Report) HasPDF() bool { return r.PDFKey != nil && r.PDFSHA256 != nil }

// Summary is the metadata the order workflow sees.
func (r *Report) Summary() *order.ReportSummary {
	return &order.ReportSummary{
		ID:                 r.ID,
		SignoffStatus:      r.SignoffStatus,
		SignoffMethod:      r.SignoffMethod,
		ReviewStatus:       r.ReviewStatus,
		HasPDF:             r.HasPDF(),
		PDFSHA256:          r.PDFSHA256,
		SupersedesReportID: r.SupersedesReportID,
		CreatedAt:          r.CreatedAt,
	}
}

func (r *Report) signoff() renderer.Signoff {
	return renderer.Signoff{
		Status:       r.SignoffStatus,
		Method:       deref(r.SignoffMethod),
		SignedBy:     deref(r.SignedByName),
		Role:         deref(r.SignedByRole),
		Reason:       deref(r.SignoffReason),
		SignedAt:     r.SignedAt,
		ReviewStatus: r.ReviewStatus,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
