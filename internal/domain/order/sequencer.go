package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/screening/screening/internal/domain/publictoken"
	"github.com/screening/screening/internal/domain/scoring"
	"github.com/screening/screening/internal/platform/apperr"
	"github.com/screening/screening/internal/platform/audit"
	"github.com/screening/screening/internal/platform/db"
	"github.com/screening/screening/internal/platform/feed"
)

const maxIdempotencyKeyLen = 128

// QuestionSet is the current test of the battery as shown to the patient.
type QuestionSet struct {
	OrderID     string         `json:"order_id"`
	BatteryCode string         `json:"battery_code"`
	Completed   bool           `json:"completed"`
	Index       int            `json:"index"`
	Total       int            `json:"total"`
	TestCode    string         `json:"test_code,omitempty"`
	TestName    string         `json:"test_name,omitempty"`
	Items       []scoring.Item `json:"items,omitempty"`
}

// Questions returns the items of the test the session expects next.
func (s *Service) Questions(ctx context.Context, acc *publictoken.Access) (*QuestionSet, error) {
	o, err := s.loadPublicOrder(ctx, acc)
	if err != nil {
		return nil, err
	}
	battery, err := s.pinnedBattery(o)
	if err != nil {
		return nil, err
	}
	sess, err := s.store.Sessions.GetByOrder(ctx, o.ID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	qs := &QuestionSet{
		OrderID:     o.ID.String(),
		BatteryCode: battery.Code,
		Index:       sess.CurrentTestIndex,
		Total:       len(battery.Tests),
	}
	if sess.Status == SessionCompleted || sess.CurrentTestIndex >= len(battery.Tests) {
		qs.Completed = true
		return qs, nil
	}
	if !s.linkOpen(o) {
		return nil, apperr.Denied(publictoken.InvalidLinkMessage, errors.New("public link expired"))
	}
	in, ok := s.engine.Registry().Instrument(battery.Tests[sess.CurrentTestIndex])
	if !ok {
		return nil, fmt.Errorf("instrument %s missing from registry", battery.Tests[sess.CurrentTestIndex])
	}
	qs.TestCode, qs.TestName, qs.Items = in.Code, in.Name, in.Items
	return qs, nil
}

func (s *Service) pinnedBattery(o *Order) (scoring.Battery, error) {
	b, ok := s.engine.Registry().Battery(o.BatteryCode)
	if !ok || b.Version != o.BatteryVersion {
		return scoring.Battery{}, apperr.Conflict("battery %s version %s is not available", o.BatteryCode, o.BatteryVersion)
	}
	return b, nil
}

type Submission struct {
	TestCode        string           `json:"test_code"`
	Answers         []scoring.Answer `json:"answers"`
	DurationSeconds int              `json:"duration_seconds"`
}

// SubmitResult is the response to a submission. It is cached under the
// idempotency key and replayed verbatim on retry.
type SubmitResult struct {
	OrderID            string   `json:"order_id"`
	TestCode           string   `json:"test_code"`
	Index              int      `json:"index"`
	Total              int      `json:"total"`
	NextTestCode       *string  `json:"next_test_code"`
	Completed          bool     `json:"completed"`
	SkippedQuestionIDs []string `json:"skipped_question_ids"`
}

// SubmitTest scores and stores one test of the battery. The whole submission,
// including battery completion and the idempotency record, is one
// transaction holding the order and session locks.
func (s *Service) SubmitTest(ctx context.Context, acc *publictoken.Access, sub Submission, idempotencyKey string) (*SubmitResult, error) {
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if len(idempotencyKey) > maxIdempotencyKeyLen {
		return nil, apperr.Validation("Idempotency-Key must be at most %d characters", maxIdempotencyKeyLen)
	}
	if sub.TestCode == "" {
		return nil, apperr.Validation("test_code is required")
	}
	if sub.DurationSeconds < 0 {
		return nil, apperr.Validation("duration_seconds must not be negative")
	}

	var (
		out       *SubmitResult
		completed *Result
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		o, err := s.lockPublicOrder(ctx, acc)
		if err != nil {
			return err
		}
		sess, err := s.store.Sessions.GetByOrderForUpdate(ctx, o.ID)
		if err != nil {
			return fmt.Errorf("lock session: %w", err)
		}

		if idempotencyKey != "" {
			cached, err := s.store.Idempotency.Get(ctx, sess.ID, idempotencyKey)
			switch {
			case err == nil:
				out = &SubmitResult{}
				if err := json.Unmarshal(cached, out); err != nil {
					return fmt.Errorf("decode cached response: %w", err)
				}
				s.logger.Info().Str("order_id", o.ID.String()).Msg("submission replayed from idempotency key")
				return nil
			case !errors.Is(err, ErrNotFound):
				return err
			}
		}

		if out, completed, err = s.submit(ctx, acc, o, sess, sub); err != nil {
			return err
		}
		if idempotencyKey == "" {
			return nil
		}
		body, err := json.Marshal(out)
		if err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
		return s.store.Idempotency.Put(ctx, sess.ID, idempotencyKey, body)
	})
	if err != nil {
		return nil, err
	}
	if completed != nil && s.feed != nil {
		s.feed.Publish(ctx, feed.Event{
			Type:            feed.EventBatteryCompleted,
			OrgID:           acc.OrgID,
			OrderID:         completed.OrderID.String(),
			PrimarySeverity: completed.PrimarySeverity,
			RedFlags:        completed.Result.Summary.RedFlags,
			Timestamp:       completed.ComputedAt,
		})
	}
	return out, nil
}

func (s *Service) submit(ctx context.Context, acc *publictoken.Access, o *Order, sess *Session, sub Submission) (*SubmitResult, *Result, error) {
	battery, err := s.pinnedBattery(o)
	if err != nil {
		return nil, nil, err
	}
	if sess.Status == SessionCompleted || sess.CurrentTestIndex >= len(battery.Tests) {
		return nil, nil, apperr.Conflict("battery already completed")
	}
	if o.Status != StatusCreated && o.Status != StatusInProgress {
		return nil, nil, apperr.Conflict("order is not accepting responses").
			WithData(map[string]string{"current_status": o.Status})
	}
	if !s.linkOpen(o) {
		return nil, nil, apperr.Denied(publictoken.InvalidLinkMessage, errors.New("public link expired"))
	}
	switch _, err := s.store.Consents.GetByOrder(ctx, o.ID); {
	case errors.Is(err, ErrNotFound):
		return nil, nil, apperr.Conflict("consent is required before answering")
	case err != nil:
		return nil, nil, err
	}

	expected := battery.Tests[sess.CurrentTestIndex]
	if sub.TestCode != expected {
		for _, done := range battery.Tests[:sess.CurrentTestIndex] {
			if done == sub.TestCode {
				return nil, nil, apperr.Conflict("test %s already submitted", sub.TestCode)
			}
		}
		return nil, nil, apperr.Conflict("expected %s, got %s", expected, sub.TestCode).
			WithData(map[string]string{"expected_test_code": expected})
	}

	res, skipped, err := s.engine.ScoreTest(expected, sub.Answers)
	if err != nil {
		return nil, nil, err
	}

	now := s.now().UTC()
	tr := &TestResponse{
		SessionID:       sess.ID,
		OrderID:         o.ID,
		TestCode:        expected,
		Answers:         sub.Answers,
		Score:           res.Score,
		Severity:        res.Severity,
		RedFlags:        res.RedFlags,
		Detail:          res.Detail,
		DurationSeconds: sub.DurationSeconds,
		SubmittedAt:     now,
	}
	if err := s.store.Responses.Create(ctx, tr); err != nil {
		if db.IsUniqueViolation(err, "test_response_session_test_uniq") {
			return nil, nil, apperr.Conflict("test %s already submitted", expected)
		}
		return nil, nil, err
	}

	if sess.Status == SessionNotStarted {
		sess.Status = SessionInProgress
		sess.StartedAt = &now
	}
	sess.CurrentTestIndex++
	MarkStarted(o, now)

	var result *Result
	out := &SubmitResult{
		OrderID:            o.ID.String(),
		TestCode:           expected,
		Index:              sess.CurrentTestIndex,
		Total:              len(battery.Tests),
		SkippedQuestionIDs: skipped,
	}
	if out.SkippedQuestionIDs == nil {
		out.SkippedQuestionIDs = []string{}
	}
	if sess.CurrentTestIndex < len(battery.Tests) {
		next := battery.Tests[sess.CurrentTestIndex]
		out.NextTestCode = &next
	} else {
		if result, err = s.completeBattery(ctx, acc, o, sess, now); err != nil {
			return nil, nil, err
		}
		out.Completed = true
	}

	if err := s.store.Sessions.Update(ctx, sess); err != nil {
		return nil, nil, err
	}
	if err := s.store.Orders.Update(ctx, o); err != nil {
		return nil, nil, err
	}
	return out, result, nil
}

// completeBattery closes the session, moves the order to AWAITING_REVIEW and
// persists the battery result computed from every stored answer.
func (s *Service) completeBattery(ctx context.Context, acc *publictoken.Access, o *Order, sess *Session, now time.Time) (*Result, error) {
	sess.Status = SessionCompleted
	sess.CompletedAt = &now
	if err := MarkCompleted(o, now); err != nil {
		return nil, err
	}
	if err := Transition(o, StatusAwaitingReview, now); err != nil {
		return nil, err
	}

	responses, err := s.store.Responses.ListBySession(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	reg := s.engine.Registry()
	var answers []scoring.Answer
	skipped := []string{}
	seenSkip := map[string]bool{}
	declared := 0
	for _, r := range responses {
		declared += r.DurationSeconds
		for _, a := range r.Answers {
			if code, ok := reg.InstrumentFor(a.QuestionID); ok && code == r.TestCode {
				answers = append(answers, a)
				continue
			}
			if !seenSkip[a.QuestionID] {
				seenSkip[a.QuestionID] = true
				skipped = append(skipped, a.QuestionID)
			}
		}
	}

	br, err := s.engine.ScoreBattery(o.BatteryCode, answers)
	if err != nil {
		return nil, fmt.Errorf("score battery: %w", err)
	}
	br.SkippedQuestionIDs = skipped

	duration := time.Duration(declared) * time.Second
	if declared == 0 && sess.StartedAt != nil {
		duration = now.Sub(*sess.StartedAt)
	}
	quality := s.quality.Analyze(answers, duration)

	result := &Result{
		OrderID:         o.ID,
		SessionID:       sess.ID,
		PrimarySeverity: br.Summary.PrimarySeverity,
		HasRedFlags:     br.Summary.HasRedFlags,
		Result:          *br,
		Quality:         quality,
		ComputedAt:      now,
	}
	if err := s.store.Results.Create(ctx, result); err != nil {
		return nil, err
	}

	s.metrics.BatteryScored(br.BatteryCode, br.Summary.PrimarySeverity, br.Summary.RedFlags)
	sev := audit.SeverityInfo
	if scoring.HasCritical(br.Summary.RedFlags) {
		sev = audit.SeverityCritical
	}
	s.logger.Info().
		Str("order_id", o.ID.String()).
		Str("battery", br.BatteryCode).
		Str("primary_severity", br.Summary.PrimarySeverity).
		Bool("has_red_flags", br.Summary.HasRedFlags).
		Msg("battery completed")
	err = s.audit.Record(ctx, publicEvent(ctx, acc, audit.EventBatteryCompleted, sev).
		With("battery_code", br.BatteryCode).
		With("primary_severity", br.Summary.PrimarySeverity).
		With("red_flags", br.Summary.RedFlags).
		With("override_applied", br.Summary.OverrideApplied).
		With("straight_lining", quality.StraightLining).
		With("too_fast", quality.TooFast))
	if err != nil {
		return nil, err
	}
	return result, nil
}
