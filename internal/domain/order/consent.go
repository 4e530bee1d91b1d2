package order

import (
	"context"
	"errors"
	"strings"

	"github.com/screening/screening/internal/domain/publictoken"
	"github.com/screening/screening/internal/platform/apperr"
	"github.com/screening/screening/internal/platform/audit"
)

const (
	ConsentVersionV1  = "V1"
	ConsentLanguageEN = "en"

	GivenBySelf     = "SELF"
	GivenByGuardian = "GUARDIAN"
)

var consentTexts = map[string]string{
	ConsentVersionV1 + "/" + ConsentLanguageEN: `CONSENT FOR PSYCHIATRIC ASSESSMENT (DIGITAL)

By proceeding, I confirm:
1) I consent to the collection and processing of my responses to standardized mental health questionnaires.
2) I understand this produces a standardized assessment summary report. It is NOT a standalone medical diagnosis.
3) I consent to sharing the report with the healthcare provider / facility conducting this assessment.
4) In case I report self-harm thoughts, the facility may initiate safety escalation as per their protocol.
5) I can request deletion where legally applicable, subject to clinical/legal retention requirements.

I confirm I have read and understood this consent.
`,
}

// ConsentText returns the text for version and language. Unknown pairs fall
// back to V1/en and report false.
func ConsentText(version, language string) (string, bool) {
	if t, ok := consentTexts[version+"/"+language]; ok {
		return t, true
	}
	return consentTexts[ConsentVersionV1+"/"+ConsentLanguageEN], false
}

type ConsentDocument struct {
	Version  string `json:"version"`
	Language string `json:"language"`
	Text     string `json:"text"`
	Given    bool   `json:"given"`
}

func (s *Service) GetConsent(ctx context.Context, acc *publictoken.Access, language string) (*ConsentDocument, error) {
	o, err := s.loadPublicOrder(ctx, acc)
	if err != nil {
		return nil, err
	}
	if language == "" {
		language = ConsentLanguageEN
	}
	text, ok := ConsentText(ConsentVersionV1, language)
	if !ok {
		language = ConsentLanguageEN
	}
	doc := &ConsentDocument{Version: ConsentVersionV1, Language: language, Text: text}
	switch _, err := s.store.Consents.GetByOrder(ctx, o.ID); {
	case err == nil:
		doc.Given = true
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	return doc, nil
}

type ConsentInput struct {
	Version                 string  `json:"version"`
	Language                string  `json:"language"`
	GivenBy                 string  `json:"given_by"`
	GuardianName            *string `json:"guardian_name"`
	AllowDataProcessing     bool    `json:"allow_data_processing"`
	AllowReportGeneration   bool    `json:"allow_report_generation"`
	AllowShareWithClinician bool    `json:"allow_share_with_clinician"`
	AllowPatientCopy        bool    `json:"allow_patient_copy"`
}

// RecordConsent stores the consent once per order, with a snapshot of the
// exact text shown.
func (s *Service) RecordConsent(ctx context.Context, acc *publictoken.Access, client publictoken.Client, in ConsentInput) (*Consent, error) {
	if in.Version == "" {
		in.Version = ConsentVersionV1
	}
	if in.Language == "" {
		in.Language = ConsentLanguageEN
	}
	text, ok := ConsentText(in.Version, in.Language)
	if !ok {
		return nil, apperr.Validation("unknown consent version %s/%s", in.Version, in.Language)
	}
	if in.GivenBy == "" {
		in.GivenBy = GivenBySelf
	}
	switch in.GivenBy {
	case GivenBySelf:
	case GivenByGuardian:
		if in.GuardianName == nil || strings.TrimSpace(*in.GuardianName) == "" {
			return nil, apperr.Validation("guardian_name is required when consent is given by a guardian")
		}
	default:
		return nil, apperr.Validation("given_by must be SELF or GUARDIAN")
	}
	if !in.AllowDataProcessing || !in.AllowReportGeneration || !in.AllowShareWithClinician {
		return nil, apperr.Validation("data processing, report generation and clinician sharing must be allowed")
	}

	c := &Consent{
		Version:                 in.Version,
		Language:                in.Language,
		GivenBy:                 in.GivenBy,
		GuardianName:            in.GuardianName,
		AllowDataProcessing:     in.AllowDataProcessing,
		AllowReportGeneration:   in.AllowReportGeneration,
		AllowShareWithClinician: in.AllowShareWithClinician,
		AllowPatientCopy:        in.AllowPatientCopy,
		TextSnapshot:            text,
		IPAddress:               strPtr(client.IP),
		UserAgent:               strPtr(client.UserAgent),
	}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		o, err := s.lockPublicOrder(ctx, acc)
		if err != nil {
			return err
		}
		if o.Status != StatusCreated && o.Status != StatusInProgress {
			return apperr.Conflict("consent can only be recorded before the assessment is completed")
		}
		switch _, err := s.store.Consents.GetByOrder(ctx, o.ID); {
		case err == nil:
			return apperr.Conflict("consent already recorded")
		case !errors.Is(err, ErrNotFound):
			return err
		}

		c.OrderID = o.ID
		c.ConsentedAt = s.now().UTC()
		if err := s.store.Consents.Create(ctx, c); err != nil {
			return err
		}
		if in.AllowPatientCopy && o.DeliveryMode != DeliveryAllowPatientDownload {
			o.DeliveryMode = DeliveryAllowPatientDownload
			if err := s.store.Orders.Update(ctx, o); err != nil {
				return err
			}
		}
		return s.audit.Record(ctx, publicEvent(ctx, acc, audit.EventConsentRecorded, audit.SeverityInfo).
			With("version", c.Version).
			With("language", c.Language).
			With("given_by", c.GivenBy).
			With("allow_patient_copy", c.AllowPatientCopy))
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}
