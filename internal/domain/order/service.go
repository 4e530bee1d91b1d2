package order

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/screening/screening/internal/domain/publictoken"
	"github.com/screening/screening/internal/domain/scoring"
	"github.com/screening/screening/internal/platform/apperr"
	"github.com/screening/screening/internal/platform/audit"
	"github.com/screening/screening/internal/platform/auth"
	"github.com/screening/screening/internal/platform/db"
	"github.com/screening/screening/internal/platform/feed"
	"github.com/screening/screening/internal/platform/metrics"
)

// Download channels passed to Reports.Download.
const (
	ChannelStaff   = "staff"
	ChannelPatient = "patient"
)

const entityOrder = "assessment_order"

// TokenIssuer mints public access tokens for an order.
type TokenIssuer interface {
	Issue(ctx context.Context, orderID uuid.UUID) (*publictoken.Issued, error)
	Reissue(ctx context.Context, orderID uuid.UUID) (*publictoken.Issued, error)
	DeleteForOrder(ctx context.Context, orderID uuid.UUID) (int64, error)
}

// Reports is the view of the report pipeline the order workflow depends on.
type Reports interface {
	// CheckReleasable fails with StateConflict while the active report
	// awaits clinician review of a critical flag.
	CheckReleasable(ctx context.Context, orderID uuid.UUID) error
	// CheckDeliverable applies CheckReleasable and also requires a signed
	// report.
	CheckDeliverable(ctx context.Context, orderID uuid.UUID) error
	// ActiveSummary returns nil when the order has no report yet.
	ActiveSummary(ctx context.Context, orderID uuid.UUID) (*ReportSummary, error)
	ActiveDocument(ctx context.Context, orderID uuid.UUID) (json.RawMessage, error)
	Download(ctx context.Context, orderID uuid.UUID, channel string) (*Download, error)
	// DeleteForOrder removes the report rows and returns the blob keys they
	// referenced. The blobs stay until PurgeBlobs runs after commit.
	DeleteForOrder(ctx context.Context, orderID uuid.UUID) (int64, []string, error)
	PurgeBlobs(ctx context.Context, keys []string)
}

type Config struct {
	LinkTTL       time.Duration
	AccessCodeTTL time.Duration
	Retention     time.Duration
}

type Deps struct {
	Stores  Stores
	Tokens  TokenIssuer
	Reports Reports
	Engine  *scoring.Engine
	Quality *scoring.QualityAnalyzer
	Tx      db.TxRunner
	Audit   audit.Sink
	Metrics *metrics.Metrics
	Feed    feed.Publisher
	Logger  zerolog.Logger
}

type Service struct {
	store    Stores
	tokens   TokenIssuer
	reports  Reports
	engine   *scoring.Engine
	quality  *scoring.QualityAnalyzer
	tx       db.TxRunner
	audit    audit.Sink
	metrics  *metrics.Metrics
	feed     feed.Publisher
	logger   zerolog.Logger
	cfg      Config
	now      func() time.Time
	rand     io.Reader
	codeCost int
}

func NewService(d Deps, cfg Config) *Service {
	if cfg.LinkTTL <= 0 {
		cfg.LinkTTL = 48 * time.Hour
	}
	if cfg.AccessCodeTTL <= 0 {
		cfg.AccessCodeTTL = 15 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 5 * 365 * 24 * time.Hour
	}
	q := d.Quality
	if q == nil {
		q = scoring.NewQualityAnalyzer()
	}
	return &Service{
		store:    d.Stores,
		tokens:   d.Tokens,
		reports:  d.Reports,
		engine:   d.Engine,
		quality:  q,
		tx:       d.Tx,
		audit:    d.Audit,
		metrics:  d.Metrics,
		feed:     d.Feed,
		logger:   d.Logger.With().Str("component", "order").Logger(),
		cfg:      cfg,
		now:      time.Now,
		rand:     rand.Reader,
		codeCost: bcrypt.DefaultCost,
	}
}

// -- Patients --

type CreatePatientInput struct {
	FullName string  `json:"full_name"`
	Age      *int    `json:"age"`
	Sex      *string `json:"sex"`
	MRN      *string `json:"mrn"`
}

func (s *Service) CreatePatient(ctx context.Context, in CreatePatientInput) (*Patient, error) {
	name := strings.TrimSpace(in.FullName)
	if name == "" {
		return nil, apperr.Validation("full_name is required")
	}
	if in.Age != nil && (*in.Age < 0 || *in.Age > 130) {
		return nil, apperr.Validation("age must be between 0 and 130")
	}
	p := &Patient{
		OrgID:    auth.OrgIDFromContext(ctx),
		FullName: name,
		Age:      in.Age,
		Sex:      in.Sex,
		MRN:      in.MRN,
	}
	if err := s.store.Patients.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// -- Orders --

type CreateOrderInput struct {
	PatientID          uuid.UUID `json:"patient_id"`
	BatteryCode        string    `json:"battery_code"`
	EncounterType      string    `json:"encounter_type"`
	ReferringUnit      *string   `json:"referring_unit"`
	AdministrationMode string    `json:"administration_mode"`
	DeliveryMode       string    `json:"delivery_mode"`
}

// CreatedOrder carries the first public secret. It is shown once.
type CreatedOrder struct {
	Order *Order              `json:"order"`
	Token *publictoken.Issued `json:"public_token"`
}

func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*CreatedOrder, error) {
	if in.PatientID == uuid.Nil {
		return nil, apperr.Validation("patient_id is required")
	}
	battery, ok := s.engine.Registry().Battery(in.BatteryCode)
	if !ok {
		return nil, apperr.Validation("unknown battery %q", in.BatteryCode)
	}
	if in.EncounterType == "" {
		in.EncounterType = EncounterOPD
	}
	if in.AdministrationMode == "" {
		in.AdministrationMode = ModeKiosk
	}
	if in.DeliveryMode == "" {
		in.DeliveryMode = DeliveryHospitalOnly
	}
	if !validEncounters[in.EncounterType] {
		return nil, apperr.Validation("invalid encounter_type %q", in.EncounterType)
	}
	if !validModes[in.AdministrationMode] {
		return nil, apperr.Validation("invalid administration_mode %q", in.AdministrationMode)
	}
	if !validDelivery[in.DeliveryMode] {
		return nil, apperr.Validation("invalid delivery_mode %q", in.DeliveryMode)
	}

	orgID := auth.OrgIDFromContext(ctx)
	now := s.now().UTC()
	linkExpiry := now.Add(s.cfg.LinkTTL)
	o := &Order{
		OrgID:               orgID,
		PatientID:           in.PatientID,
		BatteryCode:         battery.Code,
		BatteryVersion:      battery.Version,
		EncounterType:       in.EncounterType,
		ReferringUnit:       in.ReferringUnit,
		AdministrationMode:  in.AdministrationMode,
		Status:              StatusCreated,
		CreatedBy:           strPtr(auth.UserIDFromContext(ctx)),
		CreatedAt:           now,
		PublicLinkExpiresAt: &linkExpiry,
		DeliveryMode:        in.DeliveryMode,
		DataRetentionUntil:  now.Add(s.cfg.Retention),
		DeletionStatus:      DeletionActive,
		AcceptanceStatus:    AcceptancePending,
	}

	out := &CreatedOrder{Order: o}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.store.Patients.GetByID(ctx, orgID, in.PatientID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return apperr.NotFound("patient")
			}
			return err
		}
		if err := s.store.Orders.Create(ctx, o); err != nil {
			return err
		}
		if err := s.store.Sessions.Create(ctx, &Session{OrderID: o.ID, Status: SessionNotStarted}); err != nil {
			return err
		}
		tok, err := s.tokens.Issue(ctx, o.ID)
		if err != nil {
			return err
		}
		out.Token = tok
		return s.audit.Record(ctx, audit.New(ctx, audit.EventOrderCreated, entityOrder, o.ID.String(), audit.SeverityInfo).
			With("battery_code", o.BatteryCode).
			With("battery_version", o.BatteryVersion).
			With("administration_mode", o.AdministrationMode))
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("order_id", o.ID.String()).Str("battery", o.BatteryCode).Msg("order created")
	return out, nil
}

func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := s.store.Orders.GetByID(ctx, auth.OrgIDFromContext(ctx), id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("order")
	}
	return o, err
}

// ListOrders is the clinic queue. An empty filter lists every status.
func (s *Service) ListOrders(ctx context.Context, statuses []string, limit, offset int) ([]*Order, int, error) {
	for _, st := range statuses {
		if !IsKnownStatus(st) {
			return nil, 0, apperr.Validation("unknown status %q", st)
		}
	}
	return s.store.Orders.List(ctx, auth.OrgIDFromContext(ctx), statuses, limit, offset)
}

// IsKnownStatus reports whether st is an order status.
func IsKnownStatus(st string) bool {
	switch st {
	case StatusCreated, StatusInProgress, StatusCompleted, StatusAwaitingReview,
		StatusAccepted, StatusRejected, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

func (s *Service) Inbox(ctx context.Context, limit, offset int) ([]*InboxItem, int, error) {
	return s.store.Orders.ListInbox(ctx, auth.OrgIDFromContext(ctx), limit, offset)
}

func (s *Service) ReviewDetail(ctx context.Context, id uuid.UUID) (*ReviewDetail, error) {
	o, err := s.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := s.store.Patients.GetByID(ctx, o.OrgID, o.PatientID)
	if err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}
	d := &ReviewDetail{Order: o, Patient: p, Tests: []TestResponse{}}

	if sess, err := s.store.Sessions.GetByOrder(ctx, o.ID); err == nil {
		tests, err := s.store.Responses.ListBySession(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		if tests != nil {
			d.Tests = tests
		}
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	res, err := s.store.Results.GetByOrder(ctx, o.ID)
	switch {
	case err == nil:
		d.Result = res
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	if d.Report, err = s.reports.ActiveSummary(ctx, o.ID); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*Order, error) {
	var o *Order
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if o, err = s.lockStaffOrder(ctx, id); err != nil {
			return err
		}
		if err := Cancel(o, s.now().UTC()); err != nil {
			return err
		}
		if err := s.store.Orders.Update(ctx, o); err != nil {
			return err
		}
		return s.audit.Record(ctx, audit.New(ctx, audit.EventOrderCancelled, entityOrder, o.ID.String(), audit.SeverityInfo).
			With("reason", reason).
			With("source", "staff"))
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// ReissueLink extends the public link and replaces every unused token.
func (s *Service) ReissueLink(ctx context.Context, id uuid.UUID) (*CreatedOrder, error) {
	out := &CreatedOrder{}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		o, err := s.lockStaffOrder(ctx, id)
		if err != nil {
			return err
		}
		if o.Status != StatusCreated && o.Status != StatusInProgress {
			return apperr.Conflict("public link can only be reissued before completion").
				WithData(map[string]string{"current_status": o.Status})
		}
		exp := s.now().UTC().Add(s.cfg.LinkTTL)
		o.PublicLinkExpiresAt = &exp
		if err := s.store.Orders.Update(ctx, o); err != nil {
			return err
		}
		tok, err := s.tokens.Reissue(ctx, o.ID)
		if err != nil {
			return err
		}
		out.Order, out.Token = o, tok
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type DeliverInput struct {
	DeliveryMode   string  `json:"delivery_mode"`
	DeliveryTarget *string `json:"delivery_target"`
}

// Deliver releases the report outside the clinic. The active report must be
// signed and, when it carries a critical flag, reviewed.
func (s *Service) Deliver(ctx context.Context, id uuid.UUID, in DeliverInput) (*Order, error) {
	if in.DeliveryMode != "" && !validDelivery[in.DeliveryMode] {
		return nil, apperr.Validation("invalid delivery_mode %q", in.DeliveryMode)
	}
	if (in.DeliveryMode == DeliveryEmail || in.DeliveryMode == DeliverySMS) &&
		(in.DeliveryTarget == nil || strings.TrimSpace(*in.DeliveryTarget) == "") {
		return nil, apperr.Validation("delivery_target is required for %s delivery", in.DeliveryMode)
	}

	var o *Order
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if o, err = s.lockStaffOrder(ctx, id); err != nil {
			return err
		}
		if o.DeletionStatus != DeletionActive {
			return apperr.Conflict("order data is %s", strings.ToLower(o.DeletionStatus))
		}
		if err := s.reports.CheckDeliverable(ctx, o.ID); err != nil {
			return err
		}
		if in.DeliveryMode != "" {
			o.DeliveryMode = in.DeliveryMode
		}
		o.DeliveryTarget = in.DeliveryTarget
		if err := MarkDelivered(o, s.now().UTC()); err != nil {
			return err
		}
		if err := s.store.Orders.Update(ctx, o); err != nil {
			return err
		}
		return s.audit.Record(ctx, audit.New(ctx, audit.EventOrderDelivered, entityOrder, o.ID.String(), audit.SeverityInfo).
			With("delivery_mode", o.DeliveryMode).
			With("has_target", o.DeliveryTarget != nil))
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Export is the JSON bundle handed to external systems.
type Export struct {
	Order      *Order          `json:"order"`
	Result     *Result         `json:"result"`
	Report     json.RawMessage `json:"report"`
	ExportedAt time.Time       `json:"exported_at"`
}

func (s *Service) Export(ctx context.Context, id uuid.UUID) (*Export, error) {
	o, err := s.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.DeletionStatus != DeletionActive {
		return nil, apperr.Conflict("order data is %s", strings.ToLower(o.DeletionStatus))
	}
	if err := s.reports.CheckReleasable(ctx, o.ID); err != nil {
		return nil, err
	}
	res, err := s.store.Results.GetByOrder(ctx, o.ID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.Conflict("order has no result yet")
	}
	if err != nil {
		return nil, err
	}
	doc, err := s.reports.ActiveDocument(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	out := &Export{Order: o, Result: res, Report: doc, ExportedAt: s.now().UTC()}
	if err := s.audit.Record(ctx, audit.New(ctx, audit.EventDataExport, entityOrder, o.ID.String(), audit.SeverityWarning).
		With("format", "json")); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) lockStaffOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := s.store.Orders.GetForUpdate(ctx, auth.OrgIDFromContext(ctx), id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("order")
	}
	return o, err
}

// -- Public (token-gated) operations --

// lockPublicOrder locks the order named by a validated token.
func (s *Service) lockPublicOrder(ctx context.Context, acc *publictoken.Access) (*Order, error) {
	o, err := s.store.Orders.GetForUpdate(ctx, "", acc.OrderID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.Denied(publictoken.InvalidLinkMessage, errors.New("order of token not found"))
	}
	if err != nil {
		return nil, err
	}
	if err := checkPublicOrder(o); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Service) loadPublicOrder(ctx context.Context, acc *publictoken.Access) (*Order, error) {
	o, err := s.store.Orders.GetByID(ctx, acc.OrgID, acc.OrderID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.Denied(publictoken.InvalidLinkMessage, errors.New("order of token not found"))
	}
	if err != nil {
		return nil, err
	}
	if err := checkPublicOrder(o); err != nil {
		return nil, err
	}
	return o, nil
}

func checkPublicOrder(o *Order) error {
	if o.DeletionStatus != DeletionActive {
		return apperr.Denied(publictoken.InvalidLinkMessage, fmt.Errorf("order deletion status %s", o.DeletionStatus))
	}
	if o.Status == StatusCancelled {
		return apperr.Denied(publictoken.InvalidLinkMessage, errors.New("order cancelled"))
	}
	return nil
}

// linkOpen reports whether the public link still admits answering.
func (s *Service) linkOpen(o *Order) bool {
	return o.PublicLinkExpiresAt == nil || s.now().UTC().Before(*o.PublicLinkExpiresAt)
}

// publicEvent stamps an event with the org of the token, since public
// callers carry no staff identity.
func publicEvent(ctx context.Context, acc *publictoken.Access, eventType string, sev audit.Severity) *audit.Event {
	e := audit.New(ctx, eventType, entityOrder, acc.OrderID.String(), sev)
	e.OrgID = acc.OrgID
	e.ActorRole = "patient"
	return e
}

// Bootstrap is what the patient app needs on first load.
type Bootstrap struct {
	OrderID        uuid.UUID  `json:"order_id"`
	Status         string     `json:"status"`
	BatteryCode    string     `json:"battery_code"`
	BatteryName    string     `json:"battery_name"`
	TestIndex      int        `json:"test_index"`
	TotalTests     int        `json:"total_tests"`
	ConsentGiven   bool       `json:"consent_given"`
	LinkExpiresAt  *time.Time `json:"link_expires_at,omitempty"`
	DeliveryMode   string     `json:"delivery_mode"`
	CanAcceptOrder bool       `json:"can_accept"`
}

func (s *Service) PublicBootstrap(ctx context.Context, acc *publictoken.Access) (*Bootstrap, error) {
	o, err := s.loadPublicOrder(ctx, acc)
	if err != nil {
		return nil, err
	}
	if !s.linkOpen(o) && (o.Status == StatusCreated || o.Status == StatusInProgress) {
		return nil, apperr.Denied(publictoken.InvalidLinkMessage, errors.New("public link expired"))
	}
	b := &Bootstrap{
		OrderID:        o.ID,
		Status:         o.Status,
		BatteryCode:    o.BatteryCode,
		LinkExpiresAt:  o.PublicLinkExpiresAt,
		DeliveryMode:   o.DeliveryMode,
		CanAcceptOrder: o.Status == StatusAwaitingReview && o.AcceptanceStatus == AcceptancePending,
	}
	if bat, ok := s.engine.Registry().Battery(o.BatteryCode); ok {
		b.BatteryName = bat.Name
		b.TotalTests = len(bat.Tests)
	}
	if sess, err := s.store.Sessions.GetByOrder(ctx, o.ID); err == nil {
		b.TestIndex = sess.CurrentTestIndex
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	switch _, err := s.store.Consents.GetByOrder(ctx, o.ID); {
	case err == nil:
		b.ConsentGiven = true
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	return b, nil
}

// Acceptance decisions.
const (
	DecisionAccept = "ACCEPT"
	DecisionReject = "REJECT"
)

type AcceptanceInput struct {
	Decision string  `json:"decision"`
	Notes    *string `json:"notes"`
}

// RecordAcceptance stores the patient's decision on a completed assessment.
// It is accepted once, while the order awaits review.
func (s *Service) RecordAcceptance(ctx context.Context, acc *publictoken.Access, in AcceptanceInput) (*Order, error) {
	var to, status string
	switch strings.ToUpper(strings.TrimSpace(in.Decision)) {
	case DecisionAccept:
		to, status = StatusAccepted, AcceptanceAccepted
	case DecisionReject:
		to, status = StatusRejected, AcceptanceRejected
	default:
		return nil, apperr.Validation("decision must be ACCEPT or REJECT")
	}

	var o *Order
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if o, err = s.lockPublicOrder(ctx, acc); err != nil {
			return err
		}
		if o.AcceptanceStatus != AcceptancePending {
			return apperr.Conflict("acceptance already recorded")
		}
		if o.Status != StatusAwaitingReview {
			return apperr.Conflict("order is not awaiting acceptance").
				WithData(map[string]string{"current_status": o.Status})
		}
		now := s.now().UTC()
		if err := Transition(o, to, now); err != nil {
			return err
		}
		o.AcceptanceStatus = status
		o.AcceptanceAt = &now
		o.AcceptanceNotes = in.Notes
		if err := s.store.Orders.Update(ctx, o); err != nil {
			return err
		}
		return s.audit.Record(ctx, publicEvent(ctx, acc, audit.EventPatientAcceptance, audit.SeverityInfo).
			With("decision", status))
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// AccessCode is returned to the patient directly; no SMS gateway is wired.
type AccessCode struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
	Channel   string    `json:"channel"`
}

const accessCodeDigits = 6

// IssueAccessCode mints the short code that unlocks the patient PDF
// download. Only the bcrypt hash is stored.
func (s *Service) IssueAccessCode(ctx context.Context, acc *publictoken.Access) (*AccessCode, error) {
	var out *AccessCode
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		o, err := s.lockPublicOrder(ctx, acc)
		if err != nil {
			return err
		}
		if o.DeliveryMode != DeliveryAllowPatientDownload {
			return apperr.Conflict("patient download is not enabled for this order")
		}
		if err := s.reports.CheckReleasable(ctx, o.ID); err != nil {
			return err
		}
		sum, err := s.reports.ActiveSummary(ctx, o.ID)
		if err != nil {
			return err
		}
		if sum == nil || !sum.HasPDF {
			return apperr.Conflict("report is not available yet")
		}

		code, err := s.newAccessCode()
		if err != nil {
			return err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(code), s.codeCost)
		if err != nil {
			return fmt.Errorf("hash access code: %w", err)
		}
		exp := s.now().UTC().Add(s.cfg.AccessCodeTTL)
		h := string(hash)
		o.AccessCodeHash = &h
		o.AccessCodeExpiresAt = &exp
		if err := s.store.Orders.Update(ctx, o); err != nil {
			return err
		}
		out = &AccessCode{Code: code, ExpiresAt: exp, Channel: "RESPONSE"}
		return s.audit.Record(ctx, publicEvent(ctx, acc, audit.EventAccessCodeIssued, audit.SeveritySecurity).
			With("expires_at", exp))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) newAccessCode() (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < accessCodeDigits; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(s.rand, limit)
	if err != nil {
		return "", fmt.Errorf("generate access code: %w", err)
	}
	return fmt.Sprintf("%0*d", accessCodeDigits, n.Int64()), nil
}

// InvalidCodeMessage is returned for any wrong, missing or expired code.
const InvalidCodeMessage = "invalid or expired access code"

// PublicDownload serves the PDF to the patient after checking the access
// code. The report service re-verifies the stored digest.
func (s *Service) PublicDownload(ctx context.Context, acc *publictoken.Access, code string) (*Download, error) {
	o, err := s.loadPublicOrder(ctx, acc)
	if err != nil {
		return nil, err
	}
	if o.DeliveryMode != DeliveryAllowPatientDownload {
		return nil, apperr.Conflict("patient download is not enabled for this order")
	}
	switch {
	case code == "":
		return nil, apperr.Denied(InvalidCodeMessage, errors.New("access code missing"))
	case o.AccessCodeHash == nil || o.AccessCodeExpiresAt == nil:
		return nil, apperr.Denied(InvalidCodeMessage, errors.New("no access code issued"))
	case !s.now().UTC().Before(*o.AccessCodeExpiresAt):
		return nil, apperr.Denied(InvalidCodeMessage, errors.New("access code expired"))
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*o.AccessCodeHash), []byte(code)); err != nil {
		return nil, apperr.Denied(InvalidCodeMessage, errors.New("access code mismatch"))
	}
	return s.reports.Download(ctx, o.ID, ChannelPatient)
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
