package tracing

import (
	"context"
	"testing"
	"time"
)

func shutdownProvider(t *testing.T, p *Provider) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestNewProvider_DisabledIsInert(t *testing.T) {
	provider, err := NewProvider(Config{ServiceName: "evidencepack", Enabled: false})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if provider.IsEnabled() {
		t.Error("disabled config reported enabled")
	}

	// Shutdown of an inert provider must be a no-op, so CLI paths can
	// defer it unconditionally.
	shutdownProvider(t, provider)

	if provider.Tracer("evidence.pipeline") == nil {
		t.Error("expected the global fallback tracer, got nil")
	}
}

func TestNewProvider_RejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{
			name: "missing service name",
			cfg:  Config{Enabled: true, SamplingRate: 0.1},
		},
		{
			name: "negative sampling rate",
			cfg:  Config{ServiceName: "evidencepack", Enabled: true, SamplingRate: -0.1},
		},
		{
			name: "sampling rate above one",
			cfg:  Config{ServiceName: "evidencepack", Enabled: true, SamplingRate: 1.5},
		},
		{
			name: "unsupported exporter",
			cfg:  Config{ServiceName: "evidencepack", Enabled: true, SamplingRate: 0.1, ExporterType: "jaeger"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewProvider(tt.cfg); err == nil {
				t.Fatal("expected error, got none")
			}
		})
	}
}

func TestNewProvider_Exporters(t *testing.T) {
	tests := []struct {
		name         string
		exporterType string
		samplingRate float64
		endpoint     string
	}{
		{"otlp-http sampled", "otlp-http", 0.1, "localhost:4318"},
		{"otlp-grpc always", "otlp-grpc", 1.0, "localhost:4317"},
		{"default exporter never", "", 0.0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewProvider(Config{
				ServiceName:  "evidencepack",
				Enabled:      true,
				Environment:  "test",
				ExporterType: tt.exporterType,
				OTLPEndpoint: tt.endpoint,
				SamplingRate: tt.samplingRate,
				InsecureMode: true,
			})
			if err != nil {
				t.Fatalf("NewProvider() error = %v", err)
			}
			defer shutdownProvider(t, provider)

			if !provider.IsEnabled() {
				t.Error("enabled config reported disabled")
			}

			tracer := provider.Tracer("evidence.pipeline")
			if tracer == nil {
				t.Fatal("expected non-nil tracer")
			}
			_, span := tracer.Start(context.Background(), "seal_evidence_pack")
			if span == nil {
				t.Fatal("expected non-nil span")
			}
			span.End()
		})
	}
}
