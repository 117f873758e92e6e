package telemetry

import (
	"context"
	"testing"

	"github.com/ashureev/datalab/internal/config"
)

func TestInitDisabled(t *testing.T) {
	t.Parallel()

	for _, cfg := range []config.TelemetryConfig{
		{},
		{Enabled: true},
		{OTLPEndpoint: "localhost:4317"},
	} {
		shutdown, err := Init(context.Background(), cfg)
		if err != nil {
			t.Fatalf("Init(%+v): %v", cfg, err)
		}
		if err := shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	}
	if Tracer() == nil {
		t.Fatal("nil tracer")
	}
}
