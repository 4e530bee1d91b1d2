package order

import (
	"time"

	"github.com/google/uuid"

	"github.com/screening/screening/internal/domain/scoring"
)

// Order statuses.
const (
	StatusCreated        = "CREATED"
	StatusInProgress     = "IN_PROGRESS"
	StatusCompleted      = "COMPLETED"
	StatusAwaitingReview = "AWAITING_REVIEW"
	StatusAccepted       = "ACCEPTED"
	StatusRejected       = "REJECTED"
	StatusDelivered      = "DELIVERED"
	StatusCancelled      = "CANCELLED"
)

// Session statuses.
const (
	SessionNotStarted = "NOT_STARTED"
	SessionInProgress = "IN_PROGRESS"
	SessionCompleted  = "COMPLETED"
)

const (
	EncounterOPD      = "OPD"
	EncounterIPD      = "IPD"
	EncounterWellness = "WELLNESS"

	ModeKiosk    = "KIOSK"
	ModeQRPhone  = "QR_PHONE"
	ModeAssisted = "ASSISTED"

	DeliveryHospitalOnly         = "HOSPITAL_ONLY"
	DeliveryAllowPatientDownload = "ALLOW_PATIENT_DOWNLOAD"
	DeliveryEmail                = "EMAIL"
	DeliverySMS                  = "SMS"
	DeliveryPrint                = "PRINT"

	DeletionActive        = "ACTIVE"
	DeletionPendingDelete = "PENDING_DELETE"
	DeletionDeleted       = "DELETED"

	AcceptancePending  = "PENDING"
	AcceptanceAccepted = "ACCEPTED"
	AcceptanceRejected = "REJECTED"
)

var (
	validEncounters = map[string]bool{EncounterOPD: true, EncounterIPD: true, EncounterWellness: true}
	validModes      = map[string]bool{ModeKiosk: true, ModeQRPhone: true, ModeAssisted: true}
	validDelivery   = map[string]bool{
		DeliveryHospitalOnly: true, DeliveryAllowPatientDownload: true,
		DeliveryEmail: true, DeliverySMS: true, DeliveryPrint: true,
	}
)

// Patient maps to the patient table.
type Patient struct {
	ID        uuid.UUID `db:"id" json:"id"`
	OrgID     string    `db:"org_id" json:"org_id"`
	FullName  string    `db:"full_name" json:"full_name"`
	Age       *int      `db:"age" json:"age,omitempty"`
	Sex       *string   `db:"sex" json:"sex,omitempty"`
	MRN       *string   `db:"mrn" json:"mrn,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Order maps to the assessment_order table.
type Order struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	OrgID               string     `db:"org_id" json:"org_id"`
	PatientID           uuid.UUID  `db:"patient_id" json:"patient_id"`
	BatteryCode         string     `db:"battery_code" json:"battery_code"`
	BatteryVersion      string     `db:"battery_version" json:"battery_version"`
	EncounterType       string     `db:"encounter_type" json:"encounter_type"`
	ReferringUnit       *string    `db:"referring_unit" json:"referring_unit,omitempty"`
	AdministrationMode  string     `db:"administration_mode" json:"administration_mode"`
	Status              string     `db:"status" json:"status"`
	CreatedBy           *string    `db:"created_by" json:"created_by,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	StartedAt           *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt         *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	DeliveredAt         *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	PublicLinkExpiresAt *time.Time `db:"public_link_expires_at" json:"public_link_expires_at,omitempty"`
	DeliveryMode        string     `db:"delivery_mode" json:"delivery_mode"`
	DeliveryTarget      *string    `db:"delivery_target" json:"delivery_target,omitempty"`
	AccessCodeHash      *string    `db:"access_code_hash" json:"-"`
	AccessCodeExpiresAt *time.Time `db:"access_code_expires_at" json:"-"`
	DataRetentionUntil  time.Time  `db:"data_retention_until" json:"data_retention_until"`
	DeletionStatus      string     `db:"deletion_status" json:"deletion_status"`
	AcceptanceStatus    string     `db:"acceptance_status" json:"acceptance_status"`
	AcceptanceAt        *time.Time `db:"acceptance_at" json:"acceptance_at,omitempty"`
	AcceptanceNotes     *string    `db:"acceptance_notes" json:"acceptance_notes,omitempty"`
}

// Session maps to the battery_session table.
type Session struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	OrderID          uuid.UUID  `db:"order_id" json:"order_id"`
	Status           string     `db:"status" json:"status"`
	CurrentTestIndex int        `db:"current_test_index" json:"current_test_index"`
	StartedAt        *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt      *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// TestResponse maps to the test_response table; one row per (session, test).
type TestResponse struct {
	ID              uuid.UUID        `db:"id" json:"id"`
	SessionID       uuid.UUID        `db:"session_id" json:"session_id"`
	OrderID         uuid.UUID        `db:"order_id" json:"order_id"`
	TestCode        string           `db:"test_code" json:"test_code"`
	Answers         []scoring.Answer `db:"answers" json:"answers"`
	Score           int              `db:"score" json:"score"`
	Severity        string           `db:"severity" json:"severity"`
	RedFlags        []string         `db:"red_flags" json:"red_flags"`
	Detail          map[string]any   `db:"detail" json:"detail,omitempty"`
	DurationSeconds int              `db:"duration_seconds" json:"duration_seconds"`
	SubmittedAt     time.Time        `db:"submitted_at" json:"submitted_at"`
}

// Result maps to the assessment_result table: the battery-level score of a
// completed order.
type Result struct {
	ID              uuid.UUID             `db:"id" json:"id"`
	OrderID         uuid.UUID             `db:"order_id" json:"order_id"`
	SessionID       uuid.UUID             `db:"-" json:"session_id"`
	PrimarySeverity string                `db:"primary_severity" json:"primary_severity"`
	HasRedFlags     bool                  `db:"has_red_flags" json:"has_red_flags"`
	Result          scoring.BatteryResult `db:"result_json" json:"result"`
	Quality         scoring.Quality       `db:"quality_json" json:"quality"`
	ComputedAt      time.Time             `db:"computed_at" json:"computed_at"`
}

// Consent maps to the consent_record table.
type Consent struct {
	ID                      uuid.UUID `db:"id" json:"id"`
	OrderID                 uuid.UUID `db:"order_id" json:"order_id"`
	Version                 string    `db:"version" json:"version"`
	Language                string    `db:"language" json:"language"`
	GivenBy                 string    `db:"given_by" json:"given_by"`
	GuardianName            *string   `db:"guardian_name" json:"guardian_name,omitempty"`
	AllowDataProcessing     bool      `db:"allow_data_processing" json:"allow_data_processing"`
	AllowReportGeneration   bool      `db:"allow_report_generation" json:"allow_report_generation"`
	AllowShareWithClinician bool      `db:"allow_share_with_clinician" json:"allow_share_with_clinician"`
	AllowPatientCopy        bool      `db:"allow_patient_copy" json:"allow_patient_copy"`
	TextSnapshot            string    `db:"text_snapshot" json:"-"`
	ConsentedAt             time.Time `db:"consented_at" json:"consented_at"`
	IPAddress               *string   `db:"ip_address" json:"-"`
	UserAgent               *string   `db:"user_agent" json:"-"`
}

// Deletion request statuses and sources.
const (
	DeletionRequested = "REQUESTED"
	DeletionApproved  = "APPROVED"
	DeletionRejected  = "REJECTED"
	DeletionExecuted  = "EXECUTED"

	SourceManual         = "MANUAL"
	SourceRetentionSweep = "RETENTION_SWEEP"
)

// DeletionRequest maps to the deletion_request table.
type DeletionRequest struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	OrgID       string     `db:"org_id" json:"org_id"`
	OrderID     uuid.UUID  `db:"order_id" json:"order_id"`
	Reason      string     `db:"reason" json:"reason"`
	Source      string     `db:"source" json:"source"`
	Status      string     `db:"status" json:"status"`
	RequestedBy *string    `db:"requested_by" json:"requested_by,omitempty"`
	RequestedAt time.Time  `db:"requested_at" json:"requested_at"`
	DecidedBy   *string    `db:"decided_by" json:"decided_by,omitempty"`
	DecidedAt   *time.Time `db:"decided_at" json:"decided_at,omitempty"`
	ExecutedAt  *time.Time `db:"executed_at" json:"executed_at,omitempty"`
}

// InboxItem is one row of the clinician inbox.
type InboxItem struct {
	OrderID         uuid.UUID  `json:"order_id"`
	PatientName     string     `json:"patient_name"`
	PatientMRN      *string    `json:"patient_mrn,omitempty"`
	BatteryCode     string     `json:"battery_code"`
	Status          string     `json:"status"`
	PrimarySeverity string     `json:"primary_severity"`
	HasRedFlags     bool       `json:"has_red_flags"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// ReportSummary is the metadata of an order's active report.
type ReportSummary struct {
	ID                 uuid.UUID  `json:"id"`
	SignoffStatus      string     `json:"signoff_status"`
	SignoffMethod      *string    `json:"signoff_method,omitempty"`
	ReviewStatus       string     `json:"review_status"`
	HasPDF             bool       `json:"has_pdf"`
	PDFSHA256          *string    `json:"pdf_sha256,omitempty"`
	SupersedesReportID *uuid.UUID `json:"supersedes_report_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// ReviewDetail is everything a clinician needs to review an order.
type ReviewDetail struct {
	Order   *Order         `json:"order"`
	Patient *Patient       `json:"patient"`
	Result  *Result        `json:"result,omitempty"`
	Tests   []TestResponse `json:"tests"`
	Report  *ReportSummary `json:"report,omitempty"`
}

// Download is a verified artifact ready to stream.
type Download struct {
	Filename    string
	ContentType string
	Data        []byte
	SHA256      string
}
