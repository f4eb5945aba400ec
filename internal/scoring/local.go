package scoring

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/leadscore/models"
)

const (
	defaultLearningRate = 0.1
	defaultMemorySize   = 10000
)

// LocalScorer is an in-process weighted factor model. It remembers the last
// features scored per subject so that outcome feedback can be attributed to
// the factors that produced the score.
type LocalScorer struct {
	mu      sync.RWMutex
	weights map[string]FactorWeight
	rate    float64

	memMu   sync.Mutex
	memory  map[string]map[string]float64
	order   []string
	memSize int

	logger zerolog.Logger
}

// LocalOptions tune the local scorer.
type LocalOptions struct {
	LearningRate float64
	MemorySize   int
}

// NewLocalScorer creates a scorer seeded with the default factor weights.
func NewLocalScorer(opts LocalOptions) *LocalScorer {
	if opts.LearningRate <= 0 {
		opts.LearningRate = defaultLearningRate
	}
	if opts.MemorySize <= 0 {
		opts.MemorySize = defaultMemorySize
	}
	return &LocalScorer{
		weights: defaultWeights(),
		rate:    opts.LearningRate,
		memory:  make(map[string]map[string]float64),
		memSize: opts.MemorySize,
		logger:  log.With().Str("component", "local_scorer").Logger(),
	}
}

// Score computes a 0-100 score and a 0-1 confidence for the record.
func (s *LocalScorer) Score(ctx context.Context, subjectID string, record models.FeatureRecord) (models.Score, error) {
	if err := ctx.Err(); err != nil {
		return models.Score{}, err
	}
	factors, groups := extractFactors(record)
	if len(factors) == 0 {
		return models.Score{}, &models.ValidationError{Field: "record", Reason: "no numeric attributes to score"}
	}

	s.mu.RLock()
	raw := s.evaluate(factors)
	s.mu.RUnlock()

	s.remember(subjectID, factors)

	score := 50 + 50*raw
	// Confidence grows with how many attribute groups were supplied and how
	// decisive the factors were.
	confidence := 0.6*float64(groups)/4 + 0.4*math.Abs(raw)

	s.logger.Debug().Str("subject_id", subjectID).Int("factors", len(factors)).Float64("score", score).Msg("Scored subject")
	return models.Score{Value: clamp(score, 0, 100), Confidence: clamp(confidence, 0, 1)}, nil
}

// Train adjusts factor weights from outcome feedback and reports the change
// in mean absolute error over the subjects it could attribute.
func (s *LocalScorer) Train(ctx context.Context, feedback []models.FeedbackRecord) (float64, error) {
	type sample struct {
		factors map[string]float64
		target  float64
	}
	var samples []sample
	s.memMu.Lock()
	for _, fb := range feedback {
		if f, ok := s.memory[fb.SubjectID]; ok {
			samples = append(samples, sample{factors: f, target: outcomeTarget(fb)})
		}
	}
	s.memMu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(samples) == 0 {
		s.logger.Debug().Int("feedback", len(feedback)).Msg("No feedback could be attributed to scored subjects")
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	before := 0.0
	for _, sm := range samples {
		predicted := (1 + s.evaluate(sm.factors)) / 2
		before += math.Abs(sm.target - predicted)

		errSign := sm.target - predicted
		for name, v := range sm.factors {
			w, ok := s.weights[name]
			if !ok {
				w = FactorWeight{Weight: 1.0}
			}
			helped := w.Weight*v*errSign > 0
			s.weights[name] = w.adjust(helped, s.rate)
		}
	}

	after := 0.0
	for _, sm := range samples {
		after += math.Abs(sm.target - (1+s.evaluate(sm.factors))/2)
	}

	n := float64(len(samples))
	improvement := (before - after) / n
	s.logger.Info().
		Int("samples", len(samples)).
		Float64("mae_before", before/n).
		Float64("mae_after", after/n).
		Msg("Factor weights updated")
	return improvement, nil
}

// Weights returns a snapshot of the current factor weights.
func (s *LocalScorer) Weights() map[string]FactorWeight {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]FactorWeight, len(s.weights))
	for k, v := range s.weights {
		out[k] = v
	}
	return out
}

// evaluate returns the weighted factor average in [-1, 1]. Callers hold s.mu.
func (s *LocalScorer) evaluate(factors map[string]float64) float64 {
	names := make([]string, 0, len(factors))
	for name := range factors {
		names = append(names, name)
	}
	// Fixed summation order keeps scores bit-for-bit reproducible.
	sort.Strings(names)

	var sum, norm float64
	for _, name := range names {
		v := factors[name]
		w := 1.0
		if fw, ok := s.weights[name]; ok {
			w = fw.Weight
		}
		sum += w * v
		norm += math.Abs(w)
	}
	if norm == 0 {
		return 0
	}
	return sum / norm
}

func (s *LocalScorer) remember(subjectID string, factors map[string]float64) {
	s.memMu.Lock()
	defer s.memMu.Unlock()
	if _, ok := s.memory[subjectID]; !ok {
		s.order = append(s.order, subjectID)
	}
	s.memory[subjectID] = factors
	for len(s.order) > s.memSize {
		delete(s.memory, s.order[0])
		s.order = s.order[1:]
	}
}

// extractFactors flattens numeric attributes into squashed "group.name"
// factors and counts the groups that contributed at least one.
func extractFactors(record models.FeatureRecord) (map[string]float64, int) {
	factors := make(map[string]float64)
	groups := 0
	for g, attrs := range record.Groups() {
		contributed := false
		for k, raw := range attrs {
			v, ok := toFloat(raw)
			if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			factors[g+"."+k] = squash(v)
			contributed = true
		}
		if contributed {
			groups++
		}
	}
	return factors, groups
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

// outcomeTarget converts feedback into a 0-1 training target.
func outcomeTarget(fb models.FeedbackRecord) float64 {
	if fb.FeedbackType == models.FeedbackRejection {
		return 0
	}
	return clamp(fb.ActualOutcome, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
