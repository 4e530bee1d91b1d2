package report

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/screening/screening/internal/domain/order"
	"github.com/screening/screening/internal/domain/scoring"
)

// Document is the frozen report body. Field names are part of the stored
// format; renderers read them.
type Document struct {
	Meta         Meta            `json:"meta"`
	ReportID     string          `json:"report_id"`
	Organization Organization    `json:"organization"`
	Patient      PatientBlock    `json:"patient"`
	Encounter    EncounterBlock  `json:"encounter"`
	Battery      BatteryBlock    `json:"battery"`
	Summary      SummaryBlock    `json:"assessment_summary"`
	Tests        []TestBlock     `json:"tests"`
	RedFlags     RedFlagBlock    `json:"red_flags"`
	Quality      scoring.Quality `json:"quality"`
	Legal        LegalBlock      `json:"legal"`
	Traceability Traceability    `json:"traceability"`
	Signoff      SignoffBlock    `json:"signoff"`
}

type Meta struct {
	SchemaVersion string    `json:"schema_version"`
	EngineVersion string    `json:"engine_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Immutable     bool      `json:"immutable"`
}

type Organization struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type PatientBlock struct {
	PatientID string `json:"patient_id"`
	FullName  string `json:"full_name"`
	AgeYears  *int   `json:"age_years"`
	Sex       string `json:"sex"`
	MRN       string `json:"mrn"`
}

type EncounterBlock struct {
	Type               string     `json:"type"`
	AdministrationMode string     `json:"administration_mode"`
	ReferringUnit      string     `json:"referring_unit"`
	AssessmentDate     *time.Time `json:"assessment_date"`
}

type BatteryBlock struct {
	Code     string   `json:"code"`
	Version  string   `json:"version"`
	Name     string   `json:"name"`
	Sequence []string `json:"sequence"`
}

type SummaryRow struct {
	TestCode string `json:"test_code"`
	TestName string `json:"test_name"`
	Score    *int   `json:"score"`
	Severity string `json:"severity"`
}

type SummaryBlock struct {
	Rows            []SummaryRow `json:"rows"`
	PrimarySeverity string       `json:"primary_severity"`
	HasRedFlags     bool         `json:"has_red_flags"`
	RedFlags        []string     `json:"red_flags"`
	OverrideApplied bool         `json:"override_applied"`
}

type TestBlock struct {
	TestCode   string         `json:"test_code"`
	TestName   string         `json:"test_name"`
	Version    string         `json:"version"`
	Score      *int           `json:"score"`
	ScoreRange string         `json:"score_range"`
	Reference  string         `json:"reference"`
	Severity   string         `json:"severity"`
	RedFlags   []string       `json:"red_flags"`
	Detail     map[string]any `json:"detail,omitempty"`
}

type RedFlagBlock struct {
	Present      bool     `json:"present"`
	Flags        []string `json:"flags"`
	Descriptions []string `json:"descriptions"`
}

type LegalBlock struct {
	DisclaimerKey  string `json:"disclaimer_key"`
	DisclaimerText string `json:"disclaimer_text"`
}

type Traceability struct {
	OrderID          string    `json:"order_id"`
	ResultID         string    `json:"result_id"`
	ResultComputedAt time.Time `json:"result_computed_at"`
	SourceSessionID  string    `json:"source_session_id"`
	SkippedQuestions []string  `json:"skipped_question_ids"`
}

// SignoffBlock records the signoff state at freeze time. Later signoff
// decisions live on the report row.
type SignoffBlock struct {
	Required      bool   `json:"required"`
	InitialStatus string `json:"initial_status"`
	ReviewStatus  string `json:"review_status"`
}

type buildInput struct {
	ReportID     uuid.UUID
	Organization Organization
	Order        *order.Order
	Patient      *order.Patient
	Result       *order.Result
	ReviewStatus string
	Now          time.Time
}

// buildDocument assembles the frozen document from the stored result only;
// nothing is re-scored.
func buildDocument(reg *scoring.Registry, in buildInput) (json.RawMessage, error) {
	br := in.Result.Result
	o, p := in.Order, in.Patient

	doc := Document{
		Meta: Meta{
			SchemaVersion: SchemaVersion,
			EngineVersion: br.EngineVersion,
			GeneratedAt:   in.Now,
			Immutable:     true,
		},
		ReportID:     in.ReportID.String(),
		Organization: in.Organization,
		Patient: PatientBlock{
			PatientID: p.ID.String(),
			FullName:  p.FullName,
			AgeYears:  p.Age,
			Sex:       deref(p.Sex),
			MRN:       deref(p.MRN),
		},
		Encounter: EncounterBlock{
			Type:               o.EncounterType,
			AdministrationMode: o.AdministrationMode,
			ReferringUnit:      deref(o.ReferringUnit),
			AssessmentDate:     o.CompletedAt,
		},
		Battery: BatteryBlock{
			Code:     br.BatteryCode,
			Version:  br.BatteryVersion,
			Sequence: make([]string, 0, len(br.PerTest)),
		},
		Summary: SummaryBlock{
			Rows:            make([]SummaryRow, 0, len(br.PerTest)),
			PrimarySeverity: br.Summary.PrimarySeverity,
			HasRedFlags:     br.Summary.HasRedFlags,
			RedFlags:        nonNil(br.Summary.RedFlags),
			OverrideApplied: br.Summary.OverrideApplied,
		},
		Tests: make([]TestBlock, 0, len(br.PerTest)),
		RedFlags: RedFlagBlock{
			Present:      br.Summary.HasRedFlags,
			Flags:        nonNil(br.Summary.RedFlags),
			Descriptions: []string{},
		},
		Quality: in.Result.Quality,
		Legal: LegalBlock{
			DisclaimerKey:  reg.Text("disclaimer_key"),
			DisclaimerText: reg.Text("disclaimer"),
		},
		Traceability: Traceability{
			OrderID:          o.ID.String(),
			ResultID:         in.Result.ID.String(),
			ResultComputedAt: in.Result.ComputedAt,
			SourceSessionID:  in.Result.SessionID.String(),
			SkippedQuestions: nonNil(br.SkippedQuestionIDs),
		},
		Signoff: SignoffBlock{
			Required:      true,
			InitialStatus: SignoffPending,
			ReviewStatus:  in.ReviewStatus,
		},
	}
	if b, ok := reg.Battery(br.BatteryCode); ok {
		doc.Battery.Name = b.Name
	}

	for _, t := range br.PerTest {
		doc.Battery.Sequence = append(doc.Battery.Sequence, t.TestCode)
		score := scoreOf(reg, t)
		doc.Summary.Rows = append(doc.Summary.Rows, SummaryRow{
			TestCode: t.TestCode,
			TestName: t.TestName,
			Score:    score,
			Severity: t.Severity,
		})
		doc.Tests = append(doc.Tests, TestBlock{
			TestCode:   t.TestCode,
			TestName:   t.TestName,
			Version:    t.Version,
			Score:      score,
			ScoreRange: t.ScoreRange,
			Reference:  fmt.Sprintf("%d-%d", t.MinScore, t.MaxScore),
			Severity:   t.Severity,
			RedFlags:   nonNil(t.RedFlags),
			Detail:     t.Detail,
		})
	}
	for _, f := range doc.RedFlags.Flags {
		if text := reg.Text(strings.ToLower(f)); text != "" {
			doc.RedFlags.Descriptions = append(doc.RedFlags.Descriptions, text)
		}
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode report document: %w", err)
	}
	return raw, nil
}

// scoreOf hides the score of classification instruments, whose outcome is a
// label rather than a total.
func scoreOf(reg *scoring.Registry, t scoring.TestResult) *int {
	if in, ok := reg.Instrument(t.TestCode); ok && in.Kind == scoring.KindMDQ {
		return nil
	}
	s := t.Score
	return &s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// missingSummaryFields lists the assessment_summary fields the automated
// signoff requires but the document lacks or mistypes.
func missingSummaryFields(doc json.RawMessage) []string {
	var d struct {
		Summary map[string]json.RawMessage `json:"assessment_summary"`
	}
	if err := json.Unmarshal(doc, &d); err != nil || d.Summary == nil {
		return []string{"primary_severity", "has_red_flags", "red_flags"}
	}
	var missing []string

	var severity string
	if raw, ok := d.Summary["primary_severity"]; !ok || json.Unmarshal(raw, &severity) != nil || severity == "" {
		missing = append(missing, "primary_severity")
	}
	var flagged bool
	if raw, ok := d.Summary["has_red_flags"]; !ok || json.Unmarshal(raw, &flagged) != nil {
		missing = append(missing, "has_red_flags")
	}
	var flags []string
	if raw, ok := d.Summary["red_flags"]; !ok || string(raw) == "null" || json.Unmarshal(raw, &flags) != nil {
		missing = append(missing, "red_flags")
	}
	return missing
}
