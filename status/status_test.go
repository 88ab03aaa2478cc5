package status

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fixedProvider struct {
	snap Snapshot
}

func (f fixedProvider) Status() Snapshot {
	return f.snap
}

func TestEvaluate(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		snap Snapshot
		want string
	}{
		{"idle disconnected", Snapshot{}, Healthy},
		{"fresh capture", Snapshot{Connected: true, Running: true, IntervalSeconds: 1, LastCapture: now.Add(-2 * time.Second)}, Healthy},
		{"stale capture", Snapshot{Connected: true, Running: true, IntervalSeconds: 1, LastCapture: now.Add(-9 * time.Second)}, Unhealthy},
		{"paused stays healthy", Snapshot{Connected: true, Running: false, IntervalSeconds: 1, LastCapture: now.Add(-time.Hour)}, Healthy},
		{"memory only", Snapshot{PersistenceError: "read-only file system"}, Degraded},
		{"write failures", Snapshot{WriteFailures: 3}, Degraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.snap, now)
			if got.Status != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got.Status)
			}
		})
	}
}

func TestValues_NaNBecomesNull(t *testing.T) {
	out := Values([]float64{1.5, math.NaN(), math.Inf(1)})
	if out[0] == nil || *out[0] != 1.5 {
		t.Errorf("Expected 1.5, got %v", out[0])
	}
	if out[1] != nil || out[2] != nil {
		t.Error("Expected NaN and Inf to be null")
	}

	data, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if string(data) != "[1.5,null,null]" {
		t.Errorf("Unexpected JSON: %s", data)
	}
}

func TestHealthHandler(t *testing.T) {
	now := time.Now()
	provider := fixedProvider{snap: Snapshot{
		Source:          "Simulation",
		Connected:       true,
		Running:         true,
		IntervalSeconds: 1,
		LastCapture:     now.Add(-time.Minute),
		BufferedSamples: 42,
		Latest:          Values([]float64{1, math.NaN()}),
	}}

	s := NewServer(provider, 0, zap.NewNop())
	s.now = func() time.Time { return now }

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 for stale capture, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %s", ct)
	}

	var got Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if got.Status != Unhealthy || got.BufferedSamples != 42 {
		t.Errorf("Unexpected body: %+v", got)
	}
	if len(got.Latest) != 2 || got.Latest[1] != nil {
		t.Errorf("Expected latest [1, null], got %v", got.Latest)
	}

	s.now = func() time.Time { return now.Add(-time.Minute + time.Second) }
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 for fresh capture, got %d", rec.Code)
	}
}

func TestProcessStats(t *testing.T) {
	stats, err := NewProcessStats()
	if err != nil {
		t.Skipf("process stats unavailable: %v", err)
	}
	rss, _, err := stats.Sample()
	if err != nil {
		t.Skipf("process stats unavailable: %v", err)
	}
	if rss == 0 {
		t.Error("Expected non-zero resident memory")
	}
}
