// Package api exposes the prediction service over REST.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/leadscore/models"
)

const maxBodyBytes = 10 << 20

// Facade is the set of operations served over HTTP.
type Facade interface {
	Predict(ctx context.Context, subjectID string, record *models.FeatureRecord, opts models.PredictOptions) (*models.PredictionResult, error)
	StartStream(subjectID, clientID string, opts models.StreamOptions) (*models.StreamSubscription, error)
	StopStream(subjectID, clientID string) bool
	BatchPredict(ctx context.Context, requests []models.BatchRequest, opts models.BatchOptions) (*models.BatchResult, error)
	UpdateModel(ctx context.Context, feedback []models.FeedbackRecord) (*models.LearningResult, error)
	GetStatus(ctx context.Context) models.ServiceStatus
	GetMetrics() models.Metrics
}

type predictRequest struct {
	SubjectID string                `json:"subjectId"`
	Record    *models.FeatureRecord `json:"record"`
	Options   models.PredictOptions `json:"options"`
}

type batchRequest struct {
	Requests []models.BatchRequest `json:"requests"`
	Options  models.BatchOptions   `json:"options"`
}

type streamRequest struct {
	SubjectID        string                `json:"subjectId"`
	ClientID         string                `json:"clientId"`
	UpdateIntervalMs int64                 `json:"updateIntervalMs,omitempty"`
	Filters          models.StreamFilters  `json:"filters"`
	Record           *models.FeatureRecord `json:"record,omitempty"`
}

type feedbackRequest struct {
	Feedback []models.FeedbackRecord `json:"feedback"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves the REST routes.
type Handler struct {
	svc    Facade
	logger zerolog.Logger
}

func NewHandler(svc Facade) *Handler {
	return &Handler{
		svc:    svc,
		logger: log.With().Str("component", "api").Logger(),
	}
}

// Routes returns the REST routes wrapped in request logging.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/predict", h.predict)
	mux.HandleFunc("POST /v1/batch", h.batch)
	mux.HandleFunc("POST /v1/streams", h.startStream)
	mux.HandleFunc("DELETE /v1/streams", h.stopStream)
	mux.HandleFunc("POST /v1/feedback", h.feedback)
	mux.HandleFunc("GET /v1/status", h.status)
	mux.HandleFunc("GET /v1/metrics", h.metrics)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		status := h.svc.GetStatus(r.Context())
		code := http.StatusOK
		if !status.IsInitialized {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]string{"status": status.State})
	})
	return h.logRequests(mux)
}

func (h *Handler) predict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Predict(r.Context(), req.SubjectID, req.Record, req.Options)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) batch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.BatchPredict(r.Context(), req.Requests, req.Options)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) startStream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if !h.decode(w, r, &req) {
		return
	}
	sub, err := h.svc.StartStream(req.SubjectID, req.ClientID, models.StreamOptions{
		UpdateInterval: time.Duration(req.UpdateIntervalMs) * time.Millisecond,
		Filters:        req.Filters,
		Record:         req.Record,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *Handler) stopStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	stopped := h.svc.StopStream(q.Get("subjectId"), q.Get("clientId"))
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (h *Handler) feedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.UpdateModel(r.Context(), req.Feedback)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.GetStatus(r.Context()))
}

func (h *Handler) metrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.GetMetrics())
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("Malformed request body")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body: " + err.Error()})
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Int("status", code).Msg("Request failed")
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotInitialized), errors.Is(err, models.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrInvalidBatch),
		errors.Is(err, models.ErrInvalidFeedback):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, models.ErrScoring):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
