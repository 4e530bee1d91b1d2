package scoring

import "time"

const (
	qualityNote          = "Auto quality flags. Does not affect scoring. Clinician review only."
	straightLineMinItems = 8
	straightLineShare    = 0.9
	tooFastThreshold     = 60 * time.Second
)

// QualityAnalyzer computes advisory response-quality flags. Its output is
// stored next to the battery result and never feeds back into scoring.
type QualityAnalyzer struct {
	now func() time.Time
}

func NewQualityAnalyzer() *QualityAnalyzer {
	return &QualityAnalyzer{now: time.Now}
}

// Analyze inspects a copy of the answers. A zero duration means unknown and
// never sets the too-fast flag.
func (q *QualityAnalyzer) Analyze(answers []Answer, duration time.Duration) Quality {
	values := make([]int, len(answers))
	for i, a := range answers {
		values[i] = a.Value
	}

	out := Quality{
		DurationSeconds: int(duration / time.Second),
		AnswerCount:     len(values),
		TooFast:         duration > 0 && duration < tooFastThreshold,
		Inconsistency:   false,
		Notes:           qualityNote,
		AnalyzedAt:      q.now().UTC(),
	}

	if len(values) > 0 {
		counts := make(map[int]int)
		modal, modalCount := 0, 0
		for _, v := range values {
			counts[v]++
		}
		for v, n := range counts {
			if n > modalCount || (n == modalCount && v < modal) {
				modal, modalCount = v, n
			}
		}
		out.ModalShare = float64(modalCount) / float64(len(values))
		out.StraightLining = len(values) >= straightLineMinItems && out.ModalShare >= straightLineShare
	}
	return out
}
