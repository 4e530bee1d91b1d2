package scoring

import (
	"fmt"
	"strings"

	"github.com/screening/screening/internal/platform/apperr"
)

// Scorer turns the answers of one instrument into a TestResult.
type Scorer interface {
	Code() string
	Score(answers []Answer) (TestResult, error)
}

func newScorer(in *Instrument) Scorer {
	switch in.Kind {
	case KindMDQ:
		return &mdqScorer{in: in}
	default:
		s := &bandScorer{in: in}
		if in.Code == "PHQ9" {
			s.flags = suicideFlag
		}
		return s
	}
}

// collect validates answers against the instrument's items: every id must
// belong to the instrument, appear once, lie within its range, and every
// item must be answered.
func collect(in *Instrument, answers []Answer) (map[string]int, error) {
	if len(answers) == 0 {
		return nil, apperr.Validation("%s: no answers", in.Code)
	}
	items := make(map[string]Item, len(in.Items))
	for _, it := range in.Items {
		items[it.ID] = it
	}

	values := make(map[string]int, len(answers))
	for _, a := range answers {
		it, ok := items[a.QuestionID]
		if !ok {
			return nil, apperr.Validation("%s: unknown question %q", in.Code, a.QuestionID)
		}
		if _, dup := values[a.QuestionID]; dup {
			return nil, apperr.Validation("%s: duplicate answer for %q", in.Code, a.QuestionID)
		}
		if a.Value < it.Min || a.Value > it.Max {
			return nil, apperr.Validation("%s: value %d for %q is outside %d..%d", in.Code, a.Value, a.QuestionID, it.Min, it.Max)
		}
		values[a.QuestionID] = a.Value
	}

	var missing []string
	for _, it := range in.Items {
		if _, ok := values[it.ID]; !ok {
			missing = append(missing, it.ID)
		}
	}
	if len(missing) > 0 {
		return nil, apperr.Validation("%s: missing answers for %s", in.Code, strings.Join(missing, ", ")).
			WithData(map[string]any{"missing_question_ids": missing})
	}
	return values, nil
}

type bandScorer struct {
	in    *Instrument
	flags func(values map[string]int) []string
}

func (s *bandScorer) Code() string { return s.in.Code }

func (s *bandScorer) Score(answers []Answer) (TestResult, error) {
	values, err := collect(s.in, answers)
	if err != nil {
		return TestResult{}, err
	}

	total := 0
	var reversed []string
	for _, it := range s.in.Items {
		v := values[it.ID]
		if it.Reverse {
			v = it.Min + it.Max - v
			reversed = append(reversed, it.ID)
		}
		total += v
	}

	label := ""
	for _, b := range s.in.Bands {
		if total >= b.Min && total <= b.Max {
			label = b.Label
			break
		}
	}
	if label == "" {
		// Unreachable for a validated registry.
		return TestResult{}, apperr.Internal(fmt.Errorf("%s: score %d matches no band", s.in.Code, total))
	}

	res := newResult(s.in, total, label)
	if s.flags != nil {
		res.RedFlags = append(res.RedFlags, s.flags(values)...)
	}
	if len(reversed) > 0 {
		res.Detail = map[string]any{"reverse_scored": reversed}
	}
	return res, nil
}

func suicideFlag(values map[string]int) []string {
	if values[suicideItemID] > 0 {
		return []string{FlagSuicideRisk}
	}
	return nil
}

// mdqScorer applies the MDQ screening rule: enough symptom items endorsed,
// co-occurring, and causing at least moderate problems.
type mdqScorer struct {
	in *Instrument
}

func (s *mdqScorer) Code() string { return s.in.Code }

func (s *mdqScorer) Score(answers []Answer) (TestResult, error) {
	values, err := collect(s.in, answers)
	if err != nil {
		return TestResult{}, err
	}

	cluster, _ := findRole(s.in, roleCluster)
	impairment, _ := findRole(s.in, roleImpairment)

	yes, symptoms := 0, 0
	for _, it := range s.in.Items {
		if it.Role != "" {
			continue
		}
		symptoms++
		if values[it.ID] == it.Max {
			yes++
		}
	}
	clusterYes := values[cluster.ID] == cluster.Max
	impairmentYes := values[impairment.ID] == impairment.Max

	label := "NEGATIVE"
	if yes >= s.in.Threshold && clusterYes && impairmentYes {
		label = "POSITIVE"
	}

	res := newResult(s.in, yes, label)
	res.MinScore, res.MaxScore = 0, symptoms
	res.ScoreRange = fmt.Sprintf("0-%d", symptoms)
	res.Detail = map[string]any{
		"yes_count":  yes,
		"threshold":  s.in.Threshold,
		"cluster":    clusterYes,
		"impairment": impairmentYes,
	}
	return res, nil
}

func newResult(in *Instrument, score int, label string) TestResult {
	lo, hi := in.ScoreBounds()
	return TestResult{
		TestCode:   in.Code,
		TestName:   in.Name,
		Version:    in.Version,
		Score:      score,
		MinScore:   lo,
		MaxScore:   hi,
		ScoreRange: fmt.Sprintf("%d-%d", lo, hi),
		Severity:   label,
		RedFlags:   []string{},
	}
}

// CriticalFlags are red flags that force the top severity and require a
// clinician to review the report before it leaves the hospital.
var CriticalFlags = []string{FlagSuicideRisk}

func IsCritical(flag string) bool {
	for _, f := range CriticalFlags {
		if f == flag {
			return true
		}
	}
	return false
}

func HasCritical(flags []string) bool {
	for _, f := range flags {
		if IsCritical(f) {
			return true
		}
	}
	return false
}
