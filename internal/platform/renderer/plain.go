package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// document is the subset of the frozen report that the plain layout prints.
type document struct {
	ReportID string `json:"report_id"`
	Meta     struct {
		SchemaVersion string `json:"schema_version"`
		EngineVersion string `json:"engine_version"`
		GeneratedAt   string `json:"generated_at"`
	} `json:"meta"`
	Organization struct {
		Name string `json:"name"`
	} `json:"organization"`
	Patient struct {
		FullName string `json:"full_name"`
		AgeYears *int   `json:"age_years"`
		Sex      string `json:"sex"`
		MRN      string `json:"mrn"`
	} `json:"patient"`
	Encounter struct {
		Type               string `json:"type"`
		AdministrationMode string `json:"administration_mode"`
		AssessmentDate     string `json:"assessment_date"`
	} `json:"encounter"`
	Battery struct {
		Code    string `json:"code"`
		Version string `json:"version"`
	} `json:"battery"`
	Summary struct {
		Rows []struct {
			TestName string `json:"test_name"`
			Score    *int   `json:"score"`
			Severity string `json:"severity"`
		} `json:"rows"`
		PrimarySeverity string `json:"primary_severity"`
	} `json:"assessment_summary"`
	Tests []struct {
		TestName   string   `json:"test_name"`
		Score      *int     `json:"score"`
		Severity   string   `json:"severity"`
		ScoreRange string   `json:"score_range"`
		RedFlags   []string `json:"red_flags"`
	} `json:"tests"`
	RedFlags struct {
		Present      bool     `json:"present"`
		Descriptions []string `json:"descriptions"`
	} `json:"red_flags"`
	Legal struct {
		DisclaimerText string `json:"disclaimer_text"`
	} `json:"legal"`
	Traceability struct {
		OrderID string `json:"order_id"`
	} `json:"traceability"`
}

// PlainRenderer lays the report out as text on A4 pages using the standard
// Helvetica font.
type PlainRenderer struct{}

func NewPlainRenderer() *PlainRenderer { return &PlainRenderer{} }

func (PlainRenderer) Render(_ context.Context, req Request) ([]byte, error) {
	var doc document
	if err := json.Unmarshal(req.Report, &doc); err != nil {
		return nil, fmt.Errorf("decode report document: %w", err)
	}
	if doc.ReportID == "" {
		return nil, fmt.Errorf("report document has no report_id")
	}
	return writePDF(compose(doc, req.Signoff)), nil
}

type line struct {
	text string
	bold bool
	size int
}

func compose(doc document, s Signoff) []line {
	var out []line
	title := func(t string) { out = append(out, line{}, line{text: t, bold: true, size: 12}) }
	text := func(format string, args ...any) { out = append(out, line{text: fmt.Sprintf(format, args...), size: 10}) }

	out = append(out, line{text: doc.Organization.Name, bold: true, size: 14})
	text("Screening Assessment Report")
	text("Report ID: %s", doc.ReportID)
	text("Generated: %s", doc.Meta.GeneratedAt)

	title("Patient & Encounter")
	age := "-"
	if doc.Patient.AgeYears != nil {
		age = fmt.Sprint(*doc.Patient.AgeYears)
	}
	text("Name: %s", doc.Patient.FullName)
	text("Age / Sex: %s / %s", age, orDash(doc.Patient.Sex))
	if doc.Patient.MRN != "" {
		text("MRN: %s", doc.Patient.MRN)
	}
	text("Encounter: %s, %s", humanize(doc.Encounter.Type), humanize(doc.Encounter.AdministrationMode))
	text("Battery: %s v%s", doc.Battery.Code, doc.Battery.Version)

	title("Assessment Summary")
	for _, r := range doc.Summary.Rows {
		text("%-24s %6s   %s", r.TestName, scoreText(r.Score), humanize(r.Severity))
	}
	text("Overall: %s", humanize(doc.Summary.PrimarySeverity))

	title("Individual Test Results")
	for _, t := range doc.Tests {
		text("%s: %s (%s)", t.TestName, scoreText(t.Score), humanize(t.Severity))
		if t.ScoreRange != "" {
			text("  Band range: %s", t.ScoreRange)
		}
		if len(t.RedFlags) > 0 {
			text("  Flags: %s", strings.Join(t.RedFlags, ", "))
		}
	}

	if doc.RedFlags.Present {
		title("Important Safety Information")
		for _, d := range doc.RedFlags.Descriptions {
			text("%s", d)
		}
	}

	title("Clinical Sign-off")
	text("Status: %s", humanize(s.Status))
	if s.SignedBy != "" {
		text("Signed by: %s %s", s.SignedBy, parens(s.Role))
	}
	if s.SignedAt != nil {
		text("Signed at: %s", s.SignedAt.UTC().Format("2006-01-02 15:04 MST"))
	}
	if s.Reason != "" {
		text("Note: %s", s.Reason)
	}

	if doc.Legal.DisclaimerText != "" {
		title("Disclaimer")
		text("%s", doc.Legal.DisclaimerText)
	}

	out = append(out, line{})
	text("Order %s / engine %s / schema %s", doc.Traceability.OrderID, doc.Meta.EngineVersion, doc.Meta.SchemaVersion)
	return wrap(out, 95)
}

func scoreText(p *int) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprint(*p)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func parens(s string) string {
	if s == "" {
		return ""
	}
	return "(" + s + ")"
}

// humanize turns MODERATELY_SEVERE into "Moderately Severe".
func humanize(s string) string {
	words := strings.Fields(strings.ReplaceAll(strings.ToLower(s), "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func wrap(lines []line, width int) []line {
	var out []line
	for _, l := range lines {
		text := l.text
		for len(text) > width {
			cut := strings.LastIndex(text[:width], " ")
			if cut <= 0 {
				cut = width
			}
			out = append(out, line{text: text[:cut], bold: l.bold, size: l.size})
			text = strings.TrimLeft(text[cut:], " ")
		}
		out = append(out, line{text: text, bold: l.bold, size: l.size})
	}
	return out
}

const (
	pageW       = 595
	pageH       = 842
	marginX     = 50
	marginTop   = 60
	lineHeight  = 15
	linesByPage = (pageH - 2*marginTop) / lineHeight
)

// writePDF emits an uncompressed PDF 1.4 file with one content stream per
// page. Only WinAnsi-safe ASCII is written; other runes become '?'.
func writePDF(lines []line) []byte {
	var pages [][]line
	for len(lines) > linesByPage {
		pages = append(pages, lines[:linesByPage])
		lines = lines[linesByPage:]
	}
	pages = append(pages, lines)

	var buf bytes.Buffer
	var offsets []int
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")
	// 1 catalog, 2 pages, 3 regular font, 4 bold font, then page/content pairs
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	kids := make([]string, len(pages))
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", 5+2*i)
	}
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(pages)))
	obj("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>")
	obj("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica-Bold /Encoding /WinAnsiEncoding >>")

	for i, pl := range pages {
		var content bytes.Buffer
		content.WriteString("BT\n")
		y := pageH - marginTop
		for _, l := range pl {
			if l.text != "" {
				font, size := "F1", l.size
				if l.bold {
					font = "F2"
				}
				if size == 0 {
					size = 10
				}
				fmt.Fprintf(&content, "/%s %d Tf 1 0 0 1 %d %d Tm (%s) Tj\n", font, size, marginX, y, escape(l.text))
			}
			y -= lineHeight
		}
		fmt.Fprintf(&content, "/F1 8 Tf 1 0 0 1 %d %d Tm (Page %d of %d) Tj\n", pageW-marginX-60, marginTop/2, i+1, len(pages))
		content.WriteString("ET")

		obj(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %d %d] /Resources << /Font << /F1 3 0 R /F2 4 0 R >> >> /Contents %d 0 R >>",
			pageW, pageH, 6+2*i))
		obj(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", content.Len(), content.String()))
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

func escape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '(' || r == ')' || r == '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case r >= 32 && r < 127:
			b.WriteRune(r)
		default:
			b.WriteByte('?')
		}
	}
	return b.String()
}
