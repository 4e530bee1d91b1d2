package scoring

import "time"

const FlagSuicideRisk = "SUICIDE_RISK"

// Answer is one questionnaire response as submitted by the patient.
type Answer struct {
	QuestionID string `json:"question_id"`
	Value      int    `json:"value"`
}

// TestResult is the scored output of a single instrument.
type TestResult struct {
	TestCode   string         `json:"test_code"`
	TestName   string         `json:"test_name"`
	Version    string         `json:"version"`
	Score      int            `json:"score"`
	MinScore   int            `json:"min_score"`
	MaxScore   int            `json:"max_score"`
	ScoreRange string         `json:"score_range"`
	Severity   string         `json:"severity"`
	RedFlags   []string       `json:"red_flags"`
	Detail     map[string]any `json:"detail,omitempty"`
}

type Summary struct {
	PrimarySeverity string   `json:"primary_severity"`
	HasRedFlags     bool     `json:"has_red_flags"`
	RedFlags        []string `json:"red_flags"`
	OverrideApplied bool     `json:"override_applied"`
}

// BatteryResult is the full output of one battery scoring run. It is a pure
// function of the battery code, the answers and the registry.
type BatteryResult struct {
	BatteryCode        string       `json:"battery_code"`
	BatteryVersion     string       `json:"battery_version"`
	EngineVersion      string       `json:"engine_version"`
	PerTest            []TestResult `json:"per_test"`
	Summary            Summary      `json:"summary"`
	SkippedQuestionIDs []string     `json:"skipped_question_ids"`
}

// Quality holds advisory response-quality flags. Scoring never reads it.
type Quality struct {
	DurationSeconds int       `json:"duration_seconds"`
	AnswerCount     int       `json:"answer_count"`
	ModalShare      float64   `json:"modal_share"`
	StraightLining  bool      `json:"straight_lining_flag"`
	TooFast         bool      `json:"too_fast_flag"`
	Inconsistency   bool      `json:"inconsistency_flag"`
	Notes           string    `json:"notes"`
	AnalyzedAt      time.Time `json:"analyzed_at"`
}
