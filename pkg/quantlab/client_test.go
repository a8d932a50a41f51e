package quantlab

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"quantlab/internal/domain"
)

func TestNewClient(t *testing.T) {
	baseURL := "http://localhost:8080"
	c := NewClient(baseURL + "/")

	if c.baseURL != baseURL {
		t.Errorf("baseURL = %q, want %q", c.baseURL, baseURL)
	}
	if c.httpClient == nil {
		t.Fatal("expected non-nil httpClient")
	}
}

func TestRunBacktest(t *testing.T) {
	var got domain.BacktestRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/backtests" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Write([]byte(`{"runId":"r1","result":{"strategyId":"sma-cross","status":"completed","metrics":{"profitFactor":"Infinity"}}}`))
	}))
	defer ts.Close()

	req := domain.BacktestRequest{
		StrategyID: "sma-cross",
		Symbol:     "SPY",
		Start:      time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		End:        time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	rep, err := NewClient(ts.URL).RunBacktest(context.Background(), req)
	if err != nil {
		t.Fatalf("RunBacktest: %v", err)
	}
	if got.StrategyID != "sma-cross" || !got.End.Equal(req.End) {
		t.Errorf("server got %+v", got)
	}
	if rep.RunID != "r1" || rep.Result.Status != domain.RunCompleted {
		t.Errorf("report = %+v", rep)
	}
}

func TestAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"run not found: x"}`))
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL).GetRun(context.Background(), "x")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("GetRun error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "run not found: x" {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestListStrategies(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/strategies" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`[{"id":"buy-and-hold","name":"Buy and Hold","params":[{"name":"size","type":"float","default":0.99,"min":0.01,"max":1}]}]`))
	}))
	defer ts.Close()

	defs, err := NewClient(ts.URL).ListStrategies(context.Background())
	if err != nil {
		t.Fatalf("ListStrategies: %v", err)
	}
	if len(defs) != 1 || defs[0].ID != "buy-and-hold" || defs[0].Params[0].Default != 0.99 {
		t.Errorf("defs = %+v", defs)
	}
}

func TestResumeTask(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/tasks/t1/resume" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"taskId":"t1","runId":"r2","resumedFrom":20,"result":{"status":"completed"}}`))
	}))
	defer ts.Close()

	rep, err := NewClient(ts.URL).ResumeTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("ResumeTask: %v", err)
	}
	if rep.TaskID != "t1" || rep.ResumedFrom != 20 || rep.Result.Status != domain.RunCompleted {
		t.Errorf("report = %+v", rep)
	}
}
