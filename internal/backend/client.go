package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/repolens/analysis-client/internal/progress"
)

// Audience profiles accepted by the analysis service.
var AudienceProfiles = []string{
	"executive",
	"engineer",
	"security_analyst",
	"sales_engineer",
	"new_hire",
}

// ValidAudience reports whether the profile is known to the service.
func ValidAudience(audience string) bool {
	for _, a := range AudienceProfiles {
		if a == audience {
			return true
		}
	}
	return false
}

// AnalyzeRequest creates a new analysis job.
type AnalyzeRequest struct {
	RepoURL  string `json:"repo_url"`
	Branch   string `json:"branch,omitempty"`
	Audience string `json:"audience"`
}

// AnalyzeResponse is returned after a job is accepted.
type AnalyzeResponse struct {
	AnalysisID string `json:"analysis_id"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	StreamURL  string `json:"stream_url"`
}

// AnalysisRecord is the synchronous status view of a job: the same
// terminal-state fields the completed/failed stream event carries.
type AnalysisRecord struct {
	AnalysisID    string                 `json:"analysis_id"`
	Status        progress.Stage         `json:"status"`
	RepoURL       string                 `json:"repo_url"`
	Branch        string                 `json:"branch,omitempty"`
	Audience      string                 `json:"audience,omitempty"`
	StartedAt     string                 `json:"started_at,omitempty"`
	CompletedAt   string                 `json:"completed_at,omitempty"`
	Architecture  map[string]interface{} `json:"architecture,omitempty"`
	Runtime       map[string]interface{} `json:"runtime,omitempty"`
	Documentation map[string]interface{} `json:"documentation,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// SubmissionError means the job could not be created. The message is the
// verbatim backend response and is surfaced as-is to the user.
type SubmissionError struct {
	StatusCode int
	Message    string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("analysis service returned status %d: %s", e.StatusCode, e.Message)
}

// Client handles communication with the analysis service.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	tracer     trace.Tracer
	breaker    *gobreaker.CircuitBreaker
}

// NewClient creates an analysis service client. token may be empty when the
// service runs without authentication.
func NewClient(baseURL, token string) *Client {
	settings := gobreaker.Settings{
		Name:        "analysis-service",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s changed from %s to %s", name, from, to)
		},
	}

	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		tracer:  otel.Tracer("analysis-service-client"),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// BaseURL returns the configured service base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Token returns the configured bearer token, if any.
func (c *Client) Token() string {
	return c.token
}

// Submit creates a new analysis job and returns its identity and stream
// locator.
func (c *Client) Submit(ctx context.Context, req AnalyzeRequest) (*AnalyzeResponse, error) {
	ctx, span := c.tracer.Start(ctx, "analysis_service.submit")
	defer span.End()

	span.SetAttributes(
		attribute.String("repo_url", req.RepoURL),
		attribute.String("audience", req.Audience),
	)

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.submitInternal(ctx, req)
	})

	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	resp := result.(*AnalyzeResponse)
	span.SetAttributes(attribute.String("analysis_id", resp.AnalysisID))

	return resp, nil
}

func (c *Client) submitInternal(ctx context.Context, req AnalyzeRequest) (*AnalyzeResponse, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/analyze", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	c.setAuth(httpReq)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		bodyBytes, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, &SubmissionError{StatusCode: resp.StatusCode, Message: "failed to read response body"}
		}
		return nil, &SubmissionError{StatusCode: resp.StatusCode, Message: string(bodyBytes)}
	}

	var analyzeResp AnalyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&analyzeResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &analyzeResp, nil
}

// GetAnalysis retrieves the status and any results for a job. This is the
// synchronous fallback path used by the poller.
func (c *Client) GetAnalysis(ctx context.Context, analysisID string) (*AnalysisRecord, error) {
	ctx, span := c.tracer.Start(ctx, "analysis_service.get_analysis")
	defer span.End()

	span.SetAttributes(attribute.String("analysis_id", analysisID))

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.getAnalysisInternal(ctx, analysisID)
	})

	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}

	return result.(*AnalysisRecord), nil
}

func (c *Client) getAnalysisInternal(ctx context.Context, analysisID string) (*AnalysisRecord, error) {
	url := fmt.Sprintf("%s/api/analyze/%s", c.baseURL, analysisID)
	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.setAuth(httpReq)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("analysis service returned status %d (failed to read body: %w)", resp.StatusCode, readErr)
		}
		return nil, fmt.Errorf("analysis service returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var record AnalysisRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &record, nil
}

// DeleteAnalysis removes a finished analysis and its cached data.
func (c *Client) DeleteAnalysis(ctx context.Context, analysisID string) error {
	ctx, span := c.tracer.Start(ctx, "analysis_service.delete_analysis")
	defer span.End()

	span.SetAttributes(attribute.String("analysis_id", analysisID))

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.deleteAnalysisInternal(ctx, analysisID)
	})

	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete analysis: %w", err)
	}

	return nil
}

func (c *Client) deleteAnalysisInternal(ctx context.Context, analysisID string) error {
	url := fmt.Sprintf("%s/api/analyze/%s", c.baseURL, analysisID)
	httpReq, err := http.NewRequestWithContext(ctx, "DELETE", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	c.setAuth(httpReq)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("analysis service returned status %d (failed to read body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("analysis service returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	return nil
}

// IsHealthy checks if the analysis service is reachable.
func (c *Client) IsHealthy(ctx context.Context) bool {
	ctx, span := c.tracer.Start(ctx, "analysis_service.health_check")
	defer span.End()

	if c.breaker.State() == gobreaker.StateOpen {
		span.SetAttributes(attribute.Bool("healthy", false), attribute.String("reason", "circuit_breaker_open"))
		return false
	}

	url := fmt.Sprintf("%s/health", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		span.RecordError(err)
		return false
	}

	// Short timeout for health checks
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return false
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode == http.StatusOK
	span.SetAttributes(attribute.Bool("healthy", healthy))

	return healthy
}

func (c *Client) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Request-ID", uuid.New().String())
}
