package scoring

import (
	"github.com/screening/screening/internal/platform/apperr"
)

// Engine scores batteries against an immutable Registry. It holds no other
// state and is safe for concurrent use.
type Engine struct {
	reg     *Registry
	scorers map[string]Scorer
}

func NewEngine(reg *Registry) *Engine {
	e := &Engine{reg: reg, scorers: make(map[string]Scorer, len(reg.instruments))}
	for code, in := range reg.instruments {
		e.scorers[code] = newScorer(in)
	}
	return e
}

func (e *Engine) Registry() *Registry { return e.reg }

// ScoreTest scores one instrument. Answers that do not belong to it are not
// scored and are returned as skipped.
func (e *Engine) ScoreTest(testCode string, answers []Answer) (TestResult, []string, error) {
	s, ok := e.scorers[testCode]
	if !ok {
		return TestResult{}, nil, apperr.Validation("unknown test %q", testCode)
	}
	var own []Answer
	skipped := newSkipList()
	for _, a := range answers {
		if code, ok := e.reg.InstrumentFor(a.QuestionID); ok && code == testCode {
			own = append(own, a)
			continue
		}
		skipped.add(a.QuestionID)
	}
	res, err := s.Score(own)
	if err != nil {
		return TestResult{}, nil, err
	}
	return res, skipped.ids, nil
}

// ScoreBattery runs the full pipeline: group answers by instrument, validate
// and score each instrument in battery order, aggregate, then apply the
// critical-flag override.
func (e *Engine) ScoreBattery(batteryCode string, answers []Answer) (*BatteryResult, error) {
	b, ok := e.reg.Battery(batteryCode)
	if !ok {
		return nil, apperr.Validation("unknown battery %q", batteryCode)
	}

	inBattery := make(map[string]bool, len(b.Tests))
	for _, code := range b.Tests {
		inBattery[code] = true
	}
	groups := make(map[string][]Answer, len(b.Tests))
	skipped := newSkipList()
	for _, a := range answers {
		code, ok := e.reg.InstrumentFor(a.QuestionID)
		if !ok || !inBattery[code] {
			skipped.add(a.QuestionID)
			continue
		}
		groups[code] = append(groups[code], a)
	}

	results := make([]TestResult, 0, len(b.Tests))
	for _, code := range b.Tests {
		if len(groups[code]) == 0 {
			return nil, apperr.Validation("%s: no answers", code)
		}
		res, err := e.scorers[code].Score(groups[code])
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}

	return &BatteryResult{
		BatteryCode:        b.Code,
		BatteryVersion:     b.Version,
		EngineVersion:      e.reg.EngineVersion(),
		PerTest:            results,
		Summary:            e.Aggregate(results),
		SkippedQuestionIDs: skipped.ids,
	}, nil
}

// Aggregate picks the highest-ranked severity (earliest test wins a tie) and
// unions the red flags. A critical flag forces the registry's top label no
// matter what the per-test severities are.
func (e *Engine) Aggregate(results []TestResult) Summary {
	sum := Summary{RedFlags: []string{}}
	best := -2
	seen := make(map[string]bool)
	for _, r := range results {
		if rank := e.reg.Rank(r.Severity); rank > best {
			best = rank
			sum.PrimarySeverity = r.Severity
		}
		for _, f := range r.RedFlags {
			if !seen[f] {
				seen[f] = true
				sum.RedFlags = append(sum.RedFlags, f)
			}
		}
	}
	sum.HasRedFlags = len(sum.RedFlags) > 0
	if HasCritical(sum.RedFlags) {
		sum.PrimarySeverity = e.reg.TopLabel()
		sum.OverrideApplied = true
	}
	return sum
}

type skipList struct {
	ids  []string
	seen map[string]bool
}

func newSkipList() *skipList {
	return &skipList{ids: []string{}, seen: make(map[string]bool)}
}

func (s *skipList) add(id string) {
	if !s.seen[id] {
		s.seen[id] = true
		s.ids = append(s.ids, id)
	}
}
