package report

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screening/screening/internal/domain/order"
	"github.com/screening/screening/internal/domain/scoring"
	"github.com/screening/screening/internal/platform/apperr"
	"github.com/screening/screening/internal/platform/audit"
	"github.com/screening/screening/internal/platform/auth"
	"github.com/screening/screening/internal/platform/blobstore"
	"github.com/screening/screening/internal/platform/feed"
	"github.com/screening/screening/internal/platform/metrics"
)

const testOrg = "org-1"

type fixture struct {
	t       *testing.T
	store   *memStore
	tx      *fakeTx
	blobs   *blobstore.MemoryStore
	render  *fakeRenderer
	metrics *metrics.Metrics
	hub     *feed.Hub
	reg     *scoring.Registry
	svc     *Service
	now     time.Time
	ctx     context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := scoring.DefaultRegistry()
	require.NoError(t, err)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	store := newMemStore(now)
	f := &fixture{
		t:       t,
		store:   store,
		tx:      &fakeTx{store: store},
		blobs:   blobstore.NewMemoryStore(),
		render:  &fakeRenderer{},
		metrics: metrics.New(),
		hub:     feed.NewHub(zerolog.Nop()),
		reg:     reg,
		now:     now,
	}
	f.svc = NewService(Deps{
		Repo:     memReports{store},
		Orders:   memOrders{m: store},
		Patients: memPatients{m: store},
		Results:  memResults{m: store},
		Registry: reg,
		Renderer: f.render,
		Blobs:    f.blobs,
		Tx:       f.tx,
		Audit:    store,
		Metrics:  f.metrics,
		Feed:     f.hub,
		Logger:   zerolog.Nop(),
	}, Config{OrgName: "Lakeside Clinic"})
	f.svc.now = func() time.Time { return f.now }
	f.ctx = auth.WithIdentity(context.Background(), auth.Identity{
		OrgID: testOrg, UserID: "user-1", Name: "Dr. Rao", Roles: []string{auth.RoleClinician},
	})
	return f
}

// completedOrder stores a completed MENTAL_HEALTH_CORE_V1 order with its
// scored result. A critical order answers phq9_q9 with 1.
func (f *fixture) completedOrder(critical bool) *order.Order {
	f.t.Helper()
	var answers []scoring.Answer
	for i := 1; i <= 9; i++ {
		v := 1
		if critical {
			v = 3
			if i == 9 {
				v = 1
			}
		} else if i == 9 {
			v = 0
		}
		answers = append(answers, scoring.Answer{QuestionID: fmt.Sprintf("phq9_q%d", i), Value: v})
	}
	for i := 1; i <= 7; i++ {
		answers = append(answers, scoring.Answer{QuestionID: fmt.Sprintf("gad7_q%d", i), Value: 0})
	}
	br, err := scoring.NewEngine(f.reg).ScoreBattery("MENTAL_HEALTH_CORE_V1", answers)
	require.NoError(f.t, err)

	mrn := "MRN-77"
	p := order.Patient{ID: uuid.New(), OrgID: testOrg, FullName: "Asha K", MRN: &mrn}
	completed := f.now.Add(-time.Hour)
	o := order.Order{
		ID:                 uuid.New(),
		OrgID:              testOrg,
		PatientID:          p.ID,
		BatteryCode:        br.BatteryCode,
		BatteryVersion:     br.BatteryVersion,
		EncounterType:      "OPD",
		AdministrationMode: "SELF",
		Status:             order.StatusCompleted,
		CompletedAt:        &completed,
		DeletionStatus:     order.DeletionActive,
	}
	f.store.patients[p.ID] = p
	f.store.orders[o.ID] = o
	f.store.results[o.ID] = order.Result{
		ID:              uuid.New(),
		OrderID:         o.ID,
		SessionID:       uuid.New(),
		PrimarySeverity: br.Summary.PrimarySeverity,
		HasRedFlags:     br.Summary.HasRedFlags,
		Result:          *br,
		Quality:         scoring.Quality{DurationSeconds: 120, AnswerCount: len(answers)},
		ComputedAt:      completed,
	}
	return &o
}

func (f *fixture) generate(orderID uuid.UUID) *Report {
	f.t.Helper()
	out, err := f.svc.Generate(f.ctx, orderID, nil)
	require.NoError(f.t, err)
	return out.Report
}

func (f *fixture) rendered(orderID uuid.UUID) *Report {
	f.t.Helper()
	f.generate(orderID)
	r, err := f.svc.RenderPDF(f.ctx, orderID)
	require.NoError(f.t, err)
	return r
}

func assertKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, apperr.KindOf(err), "error: %v", err)
}

func TestGenerate_Idempotent(t *testing.T) {
	f := newFixture(t)
	o := f.completedOrder(false)

	first, err := f.svc.Generate(f.ctx, o.ID, nil)
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, SignoffSystemSigned, first.Report.SignoffStatus)
	assert.Equal(t, MethodAutomated, deref(first.Report.SignoffMethod))
	assert.Equal(t, automatedSigner, deref(first.Report.SignedByName))
	assert.Equal(t, ReviewNotRequired, first.Report.ReviewStatus)
	assert.True(t, first.Report.IsActive)

	second, err := f.svc.Generate(f.ctx, o.ID, nil)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Report.ID, second.Report.ID)
	assert.Len(t, f.store.versions(o.ID), 1)
	assert.Len(t, f.store.ofType(audit.EventReportGenerated), 1)
	series, err := testutil.GatherAndCount(f.metrics.Registry(), "screening_reports_generated_total")
	require.NoError(t, err)
	assert.Equal(t, 1, series)
}

func TestGenerate_Document(t *testing.T) {
	f := newFixture(t)
	o := f.completedOrder(false)
	r := f.generate(o.ID)

	var doc Document
	require.NoError(t, json.Unmarshal(r.Document, &doc))
	assert.Equal(t, SchemaVersion, doc.Meta.SchemaVersion)
	assert.Equal(t, f.reg.EngineVersion(), doc.Meta.EngineVersion)
	assert.True(t, doc.Meta.Immutable)
	assert.Equal(t, r.ID.String(), doc.ReportID)
	assert.Equal(t, Organization{ID: testOrg, Name: "Lakeside Clinic"}, doc.Organization)
	assert.Equal(t, "Asha K", doc.Patient.FullName)
	assert.Equal(t, "MRN-77", doc.Patient.MRN)
	assert.Equal(t, []string{"PHQ9", "GAD7"}, doc.Battery.Sequence)
	require.Len(t, doc.Summary.Rows, 2)
	assert.Equal(t, 8, *doc.Summary.Rows[0].Score)
	assert.Equal(t, "MILD", doc.Summary.Rows[0].Severity)
	assert.Equal(t, "MILD", doc.Summary.PrimarySeverity)
	assert.False(t, doc.RedFlags.Present)
	assert.Empty(t, doc.RedFlags.Descriptions)
	assert.NotEmpty(t, doc.Legal.DisclaimerText)
	assert.Equal(t, o.ID.String(), doc.Traceability.OrderID)
	assert.Equal(t, 16, doc.Quality.AnswerCount)
}

func TestGenerate_CriticalRequiresReview(t *testing.T) {
	f := newFixture(t)
	o := f.completedOrder(true)
	r := f.generate(o.ID)

	assert.Equal(t, ReviewPending, r.ReviewStatus)
	assert.Equal(t, SignoffSystemSigned, r.SignoffStatus)

	var doc Document
	require.NoError(t, json.Unmarshal(r.Document, &doc))
	assert.Equal(t, "SEVERE", doc.Summary.PrimarySeverity)
	assert.True(t, doc.Summary.OverrideApplied)
	assert.Equal(t, []string{scoring.FlagSuicideRisk}, doc.RedFlags.Flags)
	assert.Equal(t, []string{f.reg.Text("suicide_risk")}, doc.RedFlags.Descriptions)
	assert.Equal(t, ReviewPending, doc.Signoff.ReviewStatus)
}

func TestGenerate_Rejects(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Generate(f.ctx, uuid.New(), nil)
	assertKind(t, err, apperr.KindNotFound)

	o := f.completedOrder(false)
	delete(f.store.results, o.ID)
	_, err = f.svc.Generate(f.ctx, o.ID, nil)
	assertKind(t, err, apperr.KindStateConflict)

	other := f.completedOrder(false)
	foreign := auth.WithIdentity(context.Background(), auth.Identity{OrgID: "org-2", UserID: "u", Roles: []string{auth.RoleStaff}})
	_, err = f.svc.Generate(foreign, other.ID, nil)
	assertKind(t, err, apperr.KindNotFound)

	deleted := f.completedOrder(false)
	stored := f.store.orders[deleted.ID]
	stored.DeletionStatus = order.DeletionDeleted
	f.store.orders[deleted.ID] = stored
	_, err = f.svc.Generate(f.ctx, deleted.ID, nil)
	assertKind(t, err, apperr.KindStateConflict)

	assert.Empty(t, f.store.reports)
}

func TestGenerate_Correction(t *testing.T) {
	f := newFixture(t)
	o := f.completedOrder(false)

	blank := "  "
	_, err := f.svc.Generate(f.ctx, o.ID, &blank)
	assertKind(t, err, apperr.KindValidation)

	reason := "wrong encounter type"
	_, err = f.svc.Generate(f.ctx, o.ID, &reason)
	assertKind(t, err, apperr.KindStateConflict)

	original := f.generate(o.ID)
	frozen := append(json.RawMessage(nil), original.Document...)

	out, err := f.svc.Generate(f.ctx, o.ID, &reason)
	require.NoError(t, err)
	require.True(t, out.Created)
	assert.NotEqual(t, original.ID, out.Report.ID)
	require.NotNil(t, out.Report.SupersedesReportID)
	assert.Equal(t, original.ID, *out.Report.SupersedesReportID)
	assert.Equal(t, reason, deref(out.Report.CorrectionReason))

	versions := f.store.versions(o.ID)
	require.Len(t, versions, 2)
	assert.False(t, versions[0].IsActive)
	assert.True(t, versions[1].IsActive)
	assert.JSONEq(t, string(frozen), string(versions[0].Document))

	events := f.store.ofType(audit.EventReportCorrected)
	require.Len(t, events, 1)
	assert.Equal(t, original.ID.String(), events[0].Details["supersedes_report_id"])
	assert.Equal(t, testOrg, events[0].OrgID)
}

func TestAutomatedSignoff_MissingFields(t *testing.T) {
	r := &Report{
		SignoffStatus: SignoffPending,
		Document:      json.RawMessage(`{"assessment_summary":{"primary_severity":"MILD","red_flags":null}}`),
	}
	automatedSignoff(r, time.Now())
	assert.Equal(t, SignoffSystemRejected, r.SignoffStatus)
	assert.Equal(t, "Missing: [has_red_flags, red_flags]", deref(r.SignoffReason))
	assert.Equal(t, MethodAutomated, deref(r.SignoffMethod))

	signed := &Report{SignoffStatus: SignoffSigned}
	automatedSignoff(signed, time.Now())
	assert.Equal(t, SignoffSigned, signed.SignoffStatus)

	assert.Equal(t, []string{"primary_severity", "has_red_flags", "red_flags"}, missingSummaryFields(json.RawMessage(`{}`)))
	assert.Empty(t, missingSummaryFields(json.RawMessage(
		`{"assessment_summary":{"primary_severity":"SEVERE","has_red_flags":false,"red_flags":[]}}`)))
}

func TestOverride(t *testing.T) {
	f := newFixture(t)
	o := f.completedOrder(false)
	f.generate(o.ID)

	_, err := f.svc.Override(f.ctx, o.ID, OverrideInput{Status: "APPROVED", Reason: "x"})
	assertKind(t, err, apperr.KindValidation)
	_, err = f.svc.Override(f.ctx, o.ID, OverrideInput{Status: "SIGNED"})
	assertKind(t, err, apperr.KindValidation)

	r, err := f.svc.Override(f.ctx, o.ID, OverrideInput{Status: "rejected", Reason: "scores disputed"})
	require.NoError(t, err)
	assert.Equal(t, SignoffRejected, r.SignoffStatus)
	assert.Equal(t, MethodClinicianOverride, deref(r.SignoffMethod))
	assert.Equal(t, "Dr. Rao", deref(r.SignedByName))
	assert.Equal(t, auth.RoleClinician, deref(r.SignedByRole))
	assert.Equal(t, "scores disputed", deref(r.SignoffReason))

	events := f.store.ofType(audit.EventReportSignoff)
	require.Len(t, events, 1)
	assert.Equal(t, SignoffSystemSigned, events[0].Details["previous_status"])
	assert.Equal(t, SignoffRejected, events[0].Details["status"])
}

func TestOverride_GatedByOrderStatus(t *testing.T) {
	f := newFixture(t)
	o := f.completedOrder(false)
	f.generate(o.ID)

	stored := f.store.orders[o.ID]
	stored.Status = order.StatusInProgress
	f.store.orders[o.ID] = stored

	_, err := f.svc.Override(f.ctx, o.ID, OverrideInput{Status: SignoffSigned, Reason: "ok"})
	assertKind(t, err, apperr.KindStateConflict)
	active, _ := memReports{f.store}.GetActive(f.ctx, o.ID)
	assert.Equal(t, SignoffSystemSigned, active.SignoffStatus)
	assert.Empty(t, f.store.ofType(audit.EventReportSignoff))
}

func TestMarkReviewed(t *testing.T) {
	f := newFixture(t)
	plain := f.completedOrder(false)
	f.generate(plain.ID)
	_, err := f.svc.MarkReviewed(f.ctx, plain.ID)
	assertKind(t, err, apperr.KindStateConflict)

	inbox := feed.NewClient(testOrg, "user-2")
	other := feed.NewClient("org-2", "user-3")
	f.hub.Register(inbox)
	f.hub.Register(other)

	critical := f.completedOrder(true)
	f.generate(critical.ID)
	r, err := f.svc.MarkReviewed(f.ctx, critical.ID)
	require.NoError(t, err)
	assert.Equal(t, ReviewReviewed, r.ReviewStatus)
	assert.Equal(t, "Dr. Rao", deref(r.ReviewedBy))
	require.NotNil(t, r.ReviewedAt)
	assert.Len(t, f.store.ofType(audit.EventReportReviewed), 1)

	require.Len(t, inbox.Send, 1)
	var ev map[string]any
	require.NoError(t, json.Unmarshal(<-inbox.Send, &ev))
	assert.Equal(t, feed.EventReportReviewed, ev["type"])
	assert.Equal(t, critical.ID.String(), ev["order_id"])
	assert.Empty(t, other.Send)

	_, err = f.svc.MarkReviewed(f.ctx, critical.ID)
	assertKind(t, err, apperr.KindStateConflict)
}

func TestCheckReleasable(t *testing.T) {
	f := newFixture(t)
	o := f.completedOrder(true)

	err := f.svc.CheckReleasable(f.ctx, o.ID)
	assertKind(t, err, apperr.KindStateConflict)
	assert.Equal(t, ReviewRequiredMessage, err.(*apperr.Error).Message)

	f.generate(o.ID)
	assertKind(t, f.svc.CheckReleasable(f.ctx, o.ID), apperr.KindStateConflict)

	_, err = f.svc.MarkReviewed(f.ctx, o.ID)
	require.NoError(t, err)
	assert.NoError(t, f.svc.CheckReleasable(f.ctx, o.ID))
	assert.NoError(t, f.svc.CheckDeliverable(f.ctx, o.ID))

	assert.NoError(t, f.svc.CheckReleasable(f.ctx, uuid.New()))
}

func TestCheckDeliverable(t *testing.T) {
	f := newFixture(t)
	o := f.completedOrder(false)

	assertKind(t, f.svc.CheckDeliverable(f.ctx, o.ID), apperr.KindStateConflict)

	f.generate(o.ID)
	require.NoError(t, f.svc.CheckDeliverable(f.ctx, o.ID))

	_, err := f.svc.Override(f.ctx, o.ID, OverrideInput{Status: SignoffRejected, Reason: "redo"})
	require.NoError(t, err)
	err = f.svc.CheckDeliverable(f.ctx, o.ID)
	assertKind(t, err, apperr.KindStateConflict)
	assert.Contains(t, err.Error(), "signed")
}

func TestActiveSummaryAndDocument(t *testing.T) {
	f := newFixture(t)
	o := f.completedOrder(false)

	sum, err := f.svc.ActiveSummary(f.ctx, o.ID)
	require.NoError(t, err)
	assert.Nil(t, sum)
	doc, err := f.svc.ActiveDocument(f.ctx, o.ID)
	require.NoError(t, err)
	assert.Nil(t, doc)

	r := f.generate(o.ID)
	sum, err = f.svc.ActiveSummary(f.ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, sum.ID)
	assert.False(t, sum.HasPDF)
	doc, err = f.svc.ActiveDocument(f.ctx, o.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(r.Document), string(doc))
}

func TestRenderPDF(t *testing.T) {
	f := newFixture(t)
	o := f.completedOrder(false)
	r := f.rendered(o.ID)

	require.True(t, r.HasPDF())
	assert.Equal(t, PDFKey(r), *r.PDFKey)
	assert.True(t, strings.HasPrefix(*r.PDFKey, "reports/"+testOrg+"/"))
	data, err := f.blobs.Get(f.ctx, *r.PDFKey)
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), *r.PDFSHA256)
	assert.Equal(t, int64(len(data)), *r.PDFSize)

	require.Len(t, f.render.calls, 1)
	assert.Equal(t, SignoffSystemSigned, f.render.calls[0].Signoff.Status)
	assert.JSONEq(t, string(r.Document), string(f.render.calls[0].Report))
	assert.Len(t, f.store.ofType(audit.EventReportRendered), 1)
}

func TestRenderPDF_RendererFailure(t *testing.T) {
	f := newFixture(t)
	o := f.completedOrder(false)
	f.generate(o.ID)
	f.render.err = errors.New("renderer unavailable")

	_, err := f.svc.RenderPDF(f.ctx, o.ID)
	require.Error(t, err)
	assert.Equal(t, 0, f.blobs.Len())
	active, _ := memReports{f.store}.GetActive(f.ctx, o.ID)
	assert.False(t, active.HasPDF())
	assert.Empty(t, f.store.ofType(audit.EventReportRendered))
}

func TestRenderPDF_MetadataFailure(t *testing.T) {
	f := newFixture(t)

	fresh := f.completedOrder(false)
	f.generate(fresh.ID)
	f.store.setPDFErr = errors.New("connection reset")
	_, err := f.svc.RenderPDF(f.ctx, fresh.ID)
	require.Error(t, err)
	assert.Equal(t, 0, f.blobs.Len(), "orphaned blob must be removed")
	f.store.setPDFErr = nil

	o := f.completedOrder(false)
	r := f.rendered(o.ID)
	before, err := f.blobs.Get(f.ctx, *r.PDFKey)
	require.NoError(t, err)

	_, err = f.svc.Override(f.ctx, o.ID, OverrideInput{Status: SignoffSigned, Reason: "confirmed"})
	require.NoError(t, err)
	f.store.setPDFErr = errors.New("connection reset")
	_, err = f.svc.RenderPDF(f.ctx, o.ID)
	require.Error(t, err)

	after, err := f.blobs.Get(f.ctx, *r.PDFKey)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestDownload(t *testing.T) {
	f := newFixture(t)
	o := f.completedOrder(false)

	_, err := f.svc.Download(f.ctx, o.ID, order.ChannelStaff)
	assertKind(t, err, apperr.KindStateConflict)

	f.generate(o.ID)
	_, err = f.svc.Download(f.ctx, o.ID, order.ChannelStaff)
	assertKind(t, err, apperr.KindStateConflict)

	r, err := f.svc.RenderPDF(f.ctx, o.ID)
	require.NoError(t, err)
	dl, err := f.svc.StaffDownload(f.ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, *r.PDFSHA256, dl.SHA256)
	assert.Equal(t, "application/pdf", dl.ContentType)
	assert.Equal(t, fmt.Sprintf("report-%s.pdf", r.ID), dl.Filename)

	events := f.store.ofType(audit.EventReportDownloaded)
	require.Len(t, events, 1)
	assert.Equal(t, order.ChannelStaff, events[0].Details["channel"])
}

func TestDownload_ReviewGate(t *testing.T) {
	f := newFixture(t)
	o := f.completedOrder(true)
	f.rendered(o.ID)

	_, err := f.svc.Download(context.Background(), o.ID, order.ChannelPatient)
	assertKind(t, err, apperr.KindStateConflict)

	_, err = f.svc.Download(f.ctx, o.ID, order.ChannelStaff)
	require.NoError(t, err)

	_, err = f.svc.MarkReviewed(f.ctx, o.ID)
	require.NoError(t, err)
	_, err = f.svc.Download(context.Background(), o.ID, order.ChannelPatient)
	require.NoError(t, err)

	events := f.store.ofType(audit.EventReportDownloaded)
	require.Len(t, events, 2)
	assert.Equal(t, "patient", events[1].ActorRole)
	assert.Equal(t, testOrg, events[1].OrgID)
}

func TestDownload_TamperDetected(t *testing.T) {
	f := newFixture(t)
	o := f.completedOrder(false)
	r := f.rendered(o.ID)

	f.blobs.Overwrite(*r.PDFKey, []byte("%PDF-1.4 forged"))
	dl, err := f.svc.Download(f.ctx, o.ID, order.ChannelStaff)
	assert.Nil(t, dl)
	assertKind(t, err, apperr.KindIntegrityFailure)

	events := f.store.ofType(audit.EventReportTamperDetected)
	require.Len(t, events, 1)
	assert.Equal(t, audit.SeverityCritical, events[0].Severity)
	assert.Equal(t, *r.PDFSHA256, events[0].Details["expected_sha256"])
	assert.Empty(t, f.store.ofType(audit.EventReportDownloaded))

	expected := `
# HELP screening_integrity_failures_total Report downloads whose stored digest did not match.
# TYPE screening_integrity_failures_total counter
screening_integrity_failures_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(f.metrics.Registry(),
		strings.NewReader(expected), "screening_integrity_failures_total"))
}

func TestDownload_MissingBlob(t *testing.T) {
	f := newFixture(t)
	o := f.completedOrder(false)
	r := f.rendered(o.ID)

	require.NoError(t, f.blobs.Delete(f.ctx, *r.PDFKey))
	_, err := f.svc.Download(f.ctx, o.ID, order.ChannelStaff)
	assertKind(t, err, apperr.KindIntegrityFailure)
	assert.Len(t, f.store.ofType(audit.EventReportTamperDetected), 1)
}

func TestDeleteForOrder(t *testing.T) {
	f := newFixture(t)
	o := f.completedOrder(false)
	f.rendered(o.ID)
	reason := "typo in referring unit"
	_, err := f.svc.Generate(f.ctx, o.ID, &reason)
	require.NoError(t, err)
	_, err = f.svc.RenderPDF(f.ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, 2, f.blobs.Len())

	keep := f.completedOrder(false)
	f.rendered(keep.ID)

	n, keys, err := f.svc.DeleteForOrder(f.ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Len(t, keys, 2)
	assert.Empty(t, f.store.versions(o.ID))
	assert.Equal(t, 3, f.blobs.Len(), "blobs stay until the deletion commits")

	f.svc.PurgeBlobs(f.ctx, keys)
	assert.Equal(t, 1, f.blobs.Len())
	assert.Len(t, f.store.versions(keep.ID), 1)
}

func TestDeleteForOrder_RollbackKeepsPDF(t *testing.T) {
	f := newFixture(t)
	o := f.completedOrder(false)
	f.rendered(o.ID)

	err := f.tx.InTx(f.ctx, func(ctx context.Context) error {
		if _, _, err := f.svc.DeleteForOrder(ctx, o.ID); err != nil {
			return err
		}
		return errors.New("later deletion step failed")
	})
	require.Error(t, err)
	require.Len(t, f.store.versions(o.ID), 1)

	dl, err := f.svc.StaffDownload(f.ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(dl.Data), "%PDF-"))
	assert.Empty(t, f.store.ofType(audit.EventReportTamperDetected))
}
