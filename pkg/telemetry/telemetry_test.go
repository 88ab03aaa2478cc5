package telemetry

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/mjasion/balena-home/balkon/pkg/config"
)

func TestInitProviders_Disabled(t *testing.T) {
	providers, err := InitProviders(context.Background(), &config.OpenTelemetryConfig{}, zap.NewNop())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if providers != nil {
		t.Errorf("Expected nil providers when disabled, got %v", providers)
	}

	// Shutdown on nil providers is a no-op
	if err := providers.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
}

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders("Authorization=Basic abc, X-Scope-OrgID=42,broken,=empty")

	if len(headers) != 2 {
		t.Fatalf("Expected 2 headers, got %d: %v", len(headers), headers)
	}
	if headers["Authorization"] != "Basic abc" {
		t.Errorf("Expected Authorization header, got %q", headers["Authorization"])
	}
	if headers["X-Scope-OrgID"] != "42" {
		t.Errorf("Expected X-Scope-OrgID 42, got %q", headers["X-Scope-OrgID"])
	}
}

func TestWithTrace_NoSpan(t *testing.T) {
	logger := zap.NewNop()
	if got := WithTrace(context.Background(), logger); got != logger {
		t.Error("Expected the same logger when no span is recording")
	}
}
