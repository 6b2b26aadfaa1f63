package training

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestDefaultPlottingServiceConfig(t *testing.T) {
	config := DefaultPlottingServiceConfig()

	if config.BaseURL != "http://localhost:8080" {
		t.Errorf("Expected BaseURL http://localhost:8080, got %s", config.BaseURL)
	}
	if config.Timeout != 30*time.Second {
		t.Errorf("Expected timeout 30s, got %v", config.Timeout)
	}
	if config.RetryAttempts != 3 {
		t.Errorf("Expected retry attempts 3, got %d", config.RetryAttempts)
	}
	if config.RetryDelay != 1*time.Second {
		t.Errorf("Expected retry delay 1s, got %v", config.RetryDelay)
	}
}

func TestPlottingServiceEnabledState(t *testing.T) {
	if NewPlottingService(PlottingServiceConfig{}).IsEnabled() {
		t.Error("Service without base URL should start disabled")
	}

	ps := NewPlottingService(DefaultPlottingServiceConfig())
	if !ps.IsEnabled() {
		t.Error("Service with base URL should start enabled")
	}
	ps.Disable()
	if ps.IsEnabled() {
		t.Error("Service should be disabled after Disable()")
	}
}

// mockPlottingServer answers /api/plot and /health. The first failures
// requests to /api/plot get a 500.
func mockPlottingServer(t *testing.T, failures int32, received chan<- PlotData) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/plot", func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if ua := r.Header.Get("User-Agent"); ua != userAgent {
			t.Errorf("unexpected User-Agent %q", ua)
		}
		if id := r.Header.Get(RunIDHeader); id != "" && id != "run-1" {
			t.Errorf("unexpected run id %q", id)
		}
		var pd PlotData
		if err := json.NewDecoder(r.Body).Decode(&pd); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(PlottingResponse{Message: err.Error()})
			return
		}
		if n <= failures {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(PlottingResponse{Message: "busy", ErrorCode: "E_BUSY"})
			return
		}
		if received != nil {
			received <- pd
		}
		json.NewEncoder(w).Encode(PlottingResponse{Success: true, Message: "ok", PlotID: "p1"})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestSendPlotData(t *testing.T) {
	received := make(chan PlotData, 1)
	srv, _ := mockPlottingServer(t, 0, received)

	ps := NewPlottingService(PlottingServiceConfig{BaseURL: srv.URL + "/", Timeout: 5 * time.Second, RunID: "run-1"})
	pd := MAPCurvePlot([]EpochRecord{{Epoch: 1, MAP: 0.2}, {Epoch: 2, MAP: 0.3}}, "n", 2)

	resp, err := ps.SendPlotData(context.Background(), pd)
	if err != nil {
		t.Fatalf("SendPlotData: %v", err)
	}
	if !resp.Success || resp.PlotID != "p1" {
		t.Errorf("unexpected response %+v", resp)
	}

	got := <-received
	if got.PlotType != MAPCurve || got.Title != "mAP vs. Epochs" || len(got.Series) != 2 {
		t.Errorf("server received %+v", got)
	}
}

func TestSendPlotDataHTTPError(t *testing.T) {
	srv, _ := mockPlottingServer(t, 100, nil)
	ps := NewPlottingService(PlottingServiceConfig{BaseURL: srv.URL, Timeout: 5 * time.Second})

	resp, err := ps.SendPlotData(context.Background(), PlotData{Title: "x"})
	if err == nil {
		t.Fatal("expected error for HTTP 500")
	}
	if resp == nil || resp.ErrorCode != "E_BUSY" {
		t.Errorf("expected decoded error response, got %+v", resp)
	}
}

func TestSendPlotDataWithRetry(t *testing.T) {
	srv, calls := mockPlottingServer(t, 2, nil)
	ps := NewPlottingService(PlottingServiceConfig{
		BaseURL:       srv.URL,
		Timeout:       5 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
	})

	if _, err := ps.SendPlotDataWithRetry(context.Background(), PlotData{Title: "x"}); err != nil {
		t.Fatalf("SendPlotDataWithRetry: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestSendPlotDataWithRetryGivesUp(t *testing.T) {
	srv, calls := mockPlottingServer(t, 100, nil)
	ps := NewPlottingService(PlottingServiceConfig{
		BaseURL:       srv.URL,
		Timeout:       5 * time.Second,
		RetryAttempts: 2,
		RetryDelay:    time.Millisecond,
	})

	if _, err := ps.SendPlotDataWithRetry(context.Background(), PlotData{Title: "x"}); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestDisabledServiceSendsNothing(t *testing.T) {
	srv, calls := mockPlottingServer(t, 0, nil)
	ps := NewPlottingService(PlottingServiceConfig{BaseURL: srv.URL})
	ps.Disable()

	resp, err := ps.SendPlotData(context.Background(), PlotData{})
	if err != nil {
		t.Fatalf("SendPlotData: %v", err)
	}
	if resp.Success {
		t.Error("disabled service reported success")
	}
	if calls.Load() != 0 {
		t.Errorf("disabled service issued %d requests", calls.Load())
	}
	if err := ps.CheckHealth(context.Background()); err == nil {
		t.Error("expected health check error when disabled")
	}
}

func TestCheckHealth(t *testing.T) {
	srv, _ := mockPlottingServer(t, 0, nil)
	ps := NewPlottingService(PlottingServiceConfig{BaseURL: srv.URL, Timeout: 5 * time.Second})
	if err := ps.CheckHealth(context.Background()); err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}

	down := NewPlottingService(PlottingServiceConfig{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
	if err := down.CheckHealth(context.Background()); err == nil {
		t.Error("expected error for unreachable service")
	}
}
