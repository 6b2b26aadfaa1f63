package training

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	plotEndpoint   = "/api/plot"
	healthEndpoint = "/health"
	userAgent      = "go-detect-training"

	// RunIDHeader carries the run id with every plot so the sidecar can
	// group the plots of one run.
	RunIDHeader = "X-Run-ID"
)

// errDisabled is returned by CheckHealth on a disabled service.
var errDisabled = errors.New("plotting service is disabled")

// PlottingService handles communication with the sidecar plotting application
type PlottingService struct {
	config     PlottingServiceConfig
	httpClient *http.Client
	enabled    bool
}

// PlottingServiceConfig contains configuration for the plotting service
type PlottingServiceConfig struct {
	BaseURL       string        `json:"base_url"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`

	// RunID, when set, is sent in the RunIDHeader of every request
	RunID string `json:"run_id,omitempty"`
}

// PlottingResponse represents the response from the plotting service
type PlottingResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	PlotURL   string `json:"plot_url,omitempty"`
	ViewURL   string `json:"view_url,omitempty"`
	PlotID    string `json:"plot_id,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// DefaultPlottingServiceConfig returns default configuration for the plotting service
func DefaultPlottingServiceConfig() PlottingServiceConfig {
	return PlottingServiceConfig{
		BaseURL:       "http://localhost:8080",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
	}
}

// NewPlottingService creates a new plotting service client. It starts
// enabled when a base URL is configured.
func NewPlottingService(config PlottingServiceConfig) *PlottingService {
	return &PlottingService{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		enabled: config.BaseURL != "",
	}
}

// Disable disables the plotting service
func (ps *PlottingService) Disable() {
	ps.enabled = false
}

// IsEnabled returns whether the plotting service is enabled
func (ps *PlottingService) IsEnabled() bool {
	return ps.enabled
}

func disabledResponse() *PlottingResponse {
	return &PlottingResponse{Success: false, Message: "Plotting service is disabled"}
}

func (ps *PlottingService) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	url := strings.TrimSuffix(ps.config.BaseURL, "/") + endpoint
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create request for %s", endpoint)
	}
	req.Header.Set("User-Agent", userAgent)
	if ps.config.RunID != "" {
		req.Header.Set(RunIDHeader, ps.config.RunID)
	}
	return req, nil
}

// SendPlotData posts one plot to the sidecar. On a non-200 status the
// decoded response is returned together with the error.
func (ps *PlottingService) SendPlotData(ctx context.Context, plotData PlotData) (*PlottingResponse, error) {
	if !ps.enabled {
		return disabledResponse(), nil
	}

	payload, err := json.Marshal(plotData)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal plot data")
	}
	req, err := ps.newRequest(ctx, http.MethodPost, plotEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ps.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send plot")
	}
	defer resp.Body.Close()

	var out PlottingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrapf(err, "failed to decode sidecar response (status %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return &out, fmt.Errorf("sidecar answered %d: %s", resp.StatusCode, out.Message)
	}
	return &out, nil
}

// SendPlotDataWithRetry calls SendPlotData up to RetryAttempts times,
// waiting RetryDelay between attempts.
func (ps *PlottingService) SendPlotDataWithRetry(ctx context.Context, plotData PlotData) (*PlottingResponse, error) {
	if !ps.enabled {
		return disabledResponse(), nil
	}

	attempts := max(ps.config.RetryAttempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := ps.SendPlotData(ctx, plotData)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		select {
		case <-time.After(ps.config.RetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, errors.WithMessagef(lastErr, "giving up after %d attempts", attempts)
}

// CheckHealth checks if the plotting service is available
func (ps *PlottingService) CheckHealth(ctx context.Context) error {
	if !ps.enabled {
		return errDisabled
	}
	req, err := ps.newRequest(ctx, http.MethodGet, healthEndpoint, nil)
	if err != nil {
		return err
	}
	resp, err := ps.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "health check failed")
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}
