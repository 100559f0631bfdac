package focus

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// Summary describes the scores collected since the last report.
type Summary struct {
	Samples int
	Mean    float64
	StdDev  float64
	Best    float64 // highest score since the tracker was created
}

// Tracker accumulates blur scores between reports.
type Tracker struct {
	mu     sync.Mutex
	scores []float64
	best   float64
	seen   bool
}

// Add records one score.
func (t *Tracker) Add(score float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scores = append(t.scores, score)
	if !t.seen || score > t.best {
		t.best = score
		t.seen = true
	}
}

// Report summarises the scores since the previous report and resets them.
func (t *Tracker) Report() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Summary{Samples: len(t.scores), Best: t.best}
	switch len(t.scores) {
	case 0:
		return s
	case 1:
		s.Mean = t.scores[0]
	default:
		s.Mean, s.StdDev = stat.MeanStdDev(t.scores, nil)
	}
	if math.IsNaN(s.StdDev) {
		s.StdDev = 0
	}
	t.scores = t.scores[:0]
	return s
}
