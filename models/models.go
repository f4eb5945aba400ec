package models

import (
	"time"
)

// Attributes is one group of subject attributes (e.g. firmographic data).
type Attributes map[string]any

// Clone returns a shallow copy of the attribute set.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// FeatureRecord holds everything known about one subject to be scored.
// Records are treated as values: the service clones them on entry.
type FeatureRecord struct {
	Firmographic Attributes `json:"firmographic,omitempty"`
	Behavioral   Attributes `json:"behavioral,omitempty"`
	Intent       Attributes `json:"intent,omitempty"`
	Timing       Attributes `json:"timing,omitempty"`
}

// Clone returns a copy that shares no maps with r.
func (r FeatureRecord) Clone() FeatureRecord {
	return FeatureRecord{
		Firmographic: r.Firmographic.Clone(),
		Behavioral:   r.Behavioral.Clone(),
		Intent:       r.Intent.Clone(),
		Timing:       r.Timing.Clone(),
	}
}

// Groups returns the attribute groups keyed by their group name.
func (r FeatureRecord) Groups() map[string]Attributes {
	return map[string]Attributes{
		"firmographic": r.Firmographic,
		"behavioral":   r.Behavioral,
		"intent":       r.Intent,
		"timing":       r.Timing,
	}
}

// Validate reports whether the record carries at least one attribute.
func (r *FeatureRecord) Validate() error {
	if r == nil {
		return &ValidationError{Field: "record", Reason: "feature record is required"}
	}
	if len(r.Firmographic)+len(r.Behavioral)+len(r.Intent)+len(r.Timing) == 0 {
		return &ValidationError{Field: "record", Reason: "feature record has no attributes"}
	}
	return nil
}

// Source tells whether a prediction was computed or served from cache.
type Source string

const (
	SourceFresh Source = "fresh"
	SourceCache Source = "cache"
)

// PredictionResult is the outcome of one resolved prediction request.
type PredictionResult struct {
	SubjectID        string    `json:"subjectId"`
	Score            float64   `json:"score"`
	Confidence       float64   `json:"confidence"`
	Source           Source    `json:"source"`
	LatencyMs        float64   `json:"latencyMs"`
	StreamingEnabled bool      `json:"streamingEnabled"`
	ComputedAt       time.Time `json:"computedAt"`
}

// CacheEntry is a cached prediction together with its expiry.
type CacheEntry struct {
	SubjectID string           `json:"subjectId"`
	Result    PredictionResult `json:"result"`
	ExpiresAt time.Time        `json:"expiresAt"`
}

// Expired reports whether the entry is stale at the given instant.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// PredictOptions tune a single prediction request.
type PredictOptions struct {
	ForceRefresh    bool   `json:"forceRefresh"`
	EnableStreaming bool   `json:"enableStreaming"`
	ClientID        string `json:"clientId,omitempty"`
}

// StreamFilters restrict which tick results are pushed to a client.
type StreamFilters struct {
	MinScore      float64 `json:"minScore,omitempty" yaml:"min_score"`
	MinConfidence float64 `json:"minConfidence,omitempty" yaml:"min_confidence"`
	OnlyOnChange  bool    `json:"onlyOnChange,omitempty" yaml:"only_on_change"`
}

// Allows reports whether result passes the filters given the last pushed result.
func (f StreamFilters) Allows(result *PredictionResult, last *PredictionResult) bool {
	if result.Score < f.MinScore || result.Confidence < f.MinConfidence {
		return false
	}
	if f.OnlyOnChange && last != nil && last.Score == result.Score && last.Confidence == result.Confidence {
		return false
	}
	return true
}

// StreamOptions configure a prediction stream.
type StreamOptions struct {
	UpdateInterval time.Duration  `json:"updateInterval,omitempty"`
	Filters        StreamFilters  `json:"filters"`
	Record         *FeatureRecord `json:"record,omitempty"`
}

// StreamSubscription describes one client's stream for one subject.
// Durations travel as milliseconds on the wire.
type StreamSubscription struct {
	ID         string        `json:"id"`
	SubjectID  string        `json:"subjectId"`
	ClientID   string        `json:"clientId"`
	Interval   time.Duration `json:"-"`
	IntervalMs int64         `json:"intervalMs"`
	Filters    StreamFilters `json:"filters"`
	Active     bool          `json:"active"`
	StartedAt  time.Time     `json:"startedAt"`
}

// FeedbackType classifies an outcome report.
type FeedbackType string

const (
	FeedbackConversion FeedbackType = "conversion"
	FeedbackDealSize   FeedbackType = "deal_size"
	FeedbackTiming     FeedbackType = "timing"
	FeedbackRejection  FeedbackType = "rejection"
)

// FeedbackRecord reports the real outcome of a previously scored subject.
type FeedbackRecord struct {
	SubjectID      string       `json:"subjectId"`
	PredictedScore float64      `json:"predictedScore"`
	ActualOutcome  float64      `json:"actualOutcome"`
	DealSize       *float64     `json:"dealSize,omitempty"`
	TimeToClose    *float64     `json:"timeToClose,omitempty"`
	FeedbackType   FeedbackType `json:"feedbackType"`
}

// Valid reports whether the record may be forwarded to the scoring engine.
func (f FeedbackRecord) Valid() bool {
	return f.SubjectID != "" && f.PredictedScore > 0
}

// LearningResult summarises one incremental model update.
type LearningResult struct {
	FeedbackProcessed      int       `json:"feedbackProcessed"`
	ModelUpdated           bool      `json:"modelUpdated"`
	PerformanceImprovement float64   `json:"performanceImprovement"`
	UpdatedAt              time.Time `json:"updatedAt"`
	// Error is set when the scoring engine rejected the update.
	Error string `json:"error,omitempty"`
}

// BatchRequest is one item of a batch prediction call.
type BatchRequest struct {
	SubjectID string         `json:"subjectId"`
	Record    *FeatureRecord `json:"record"`
}

// BatchOptions tune a batch prediction call.
type BatchOptions struct {
	MaxConcurrency int  `json:"maxConcurrency,omitempty"`
	ForceRefresh   bool `json:"forceRefresh,omitempty"`
}

// BatchError describes the failure of one batch item.
type BatchError struct {
	Index     int    `json:"index"`
	SubjectID string `json:"subjectId"`
	Error     string `json:"error"`
}

// BatchResult reports the outcome of a batch call. Results[i] belongs to
// request i and is nil when that item failed.
type BatchResult struct {
	BatchID          string              `json:"batchId"`
	TotalProcessed   int                 `json:"totalProcessed"`
	SuccessCount     int                 `json:"successCount"`
	ErrorCount       int                 `json:"errorCount"`
	Results          []*PredictionResult `json:"results"`
	Errors           []BatchError        `json:"errors"`
	ProcessingTime   time.Duration       `json:"-"`
	ProcessingTimeMs float64             `json:"processingTimeMs"`
}

// ServiceStatus is derived on demand from live state.
type ServiceStatus struct {
	IsInitialized bool          `json:"isInitialized"`
	State         string        `json:"state"`
	ActiveStreams int           `json:"activeStreams"`
	CacheSize     int           `json:"cacheSize"`
	Uptime        time.Duration `json:"-"`
	UptimeMs      int64         `json:"uptimeMs"`
}

// Metrics are derived counters over the recent window.
type Metrics struct {
	PredictionsPerMinute float64       `json:"predictionsPerMinute"`
	AverageLatencyMs     float64       `json:"averageLatencyMs"`
	CacheHitRate         float64       `json:"cacheHitRate"`
	ActiveConnections    int           `json:"activeConnections"`
	ModelAccuracy        float64       `json:"modelAccuracy"`
	WindowSamples        int           `json:"windowSamples"`
	Window               time.Duration `json:"-"`
	WindowMs             int64         `json:"windowMs"`
}
