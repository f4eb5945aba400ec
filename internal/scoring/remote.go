package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	httpClient "github.com/Alias1177/leadscore/internal/platform/http"
	"github.com/Alias1177/leadscore/models"
)

// RemoteClient talks to an external scoring engine over HTTP.
type RemoteClient struct {
	apiKey     string
	baseURL    string
	httpClient *httpClient.Client
	logger     zerolog.Logger
}

// RemoteOptions holds options for creating a new RemoteClient
type RemoteOptions struct {
	BaseURL         string
	APIKey          string
	RequestTimeout  time.Duration
	RequestsPerSec  int
	MaxRetries      int
	MaxRetryTimeout time.Duration
}

type scoreRequest struct {
	SubjectID string               `json:"subjectId"`
	Features  models.FeatureRecord `json:"features"`
}

type trainRequest struct {
	Feedback []models.FeedbackRecord `json:"feedback"`
}

type trainResponse struct {
	Improvement float64 `json:"improvement"`
}

// NewRemoteClient creates a new scoring engine client
func NewRemoteClient(options RemoteOptions) *RemoteClient {
	httpOpts := httpClient.ClientOptions{
		Timeout:         options.RequestTimeout,
		RequestsPerSec:  options.RequestsPerSec,
		MaxRetries:      options.MaxRetries,
		MaxRetryTimeout: options.MaxRetryTimeout,
	}

	return &RemoteClient{
		apiKey:     options.APIKey,
		baseURL:    strings.TrimRight(options.BaseURL, "/"),
		httpClient: httpClient.NewClient(httpOpts),
		logger:     log.With().Str("component", "scoring_client").Logger(),
	}
}

// Score asks the engine for a subject's score.
func (c *RemoteClient) Score(ctx context.Context, subjectID string, record models.FeatureRecord) (models.Score, error) {
	var out models.Score
	if err := c.post(ctx, "/v1/score", scoreRequest{SubjectID: subjectID, Features: record}, &out); err != nil {
		return models.Score{}, err
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return models.Score{}, fmt.Errorf("engine returned confidence %.3f outside [0,1]", out.Confidence)
	}
	c.logger.Debug().Str("subject_id", subjectID).Float64("score", out.Value).Msg("Scored subject")
	return out, nil
}

// Train forwards feedback to the engine's online adjustment endpoint.
func (c *RemoteClient) Train(ctx context.Context, feedback []models.FeedbackRecord) (float64, error) {
	var out trainResponse
	if err := c.post(ctx, "/v1/train", trainRequest{Feedback: feedback}, &out); err != nil {
		return 0, err
	}
	return out.Improvement, nil
}

// Ping checks that the engine is reachable.
func (c *RemoteClient) Ping(ctx context.Context) error {
	resp, err := c.httpClient.Do(ctx, http.MethodGet, c.baseURL+"/healthz", nil, c.header())
	if err != nil {
		return fmt.Errorf("scoring engine unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (c *RemoteClient) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	resp, err := c.httpClient.Do(ctx, http.MethodPost, c.baseURL+path, payload, c.header())
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		c.logger.Error().Err(err).Str("response", string(body)).Msg("Error parsing JSON")
		return fmt.Errorf("parsing JSON: %w", err)
	}
	return nil
}

func (c *RemoteClient) header() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		h.Set("Authorization", "Bearer "+c.apiKey)
	}
	return h
}
