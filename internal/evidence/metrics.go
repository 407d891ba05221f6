package evidence

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricPacksSealedTotal    = "evidence_packs_sealed_total"
	MetricArtifactsTotal      = "evidence_artifacts_total"
	MetricPipelineDuration    = "evidence_pipeline_duration_seconds"
	MetricPipelineErrorsTotal = "evidence_pipeline_errors_total"
)

// Artifact outcome constants for labeling.
const (
	ArtifactUploaded = "uploaded"
	ArtifactSkipped  = "skipped"
	ArtifactFailed   = "failed"
)

// Pipeline stage constants for error labeling.
const (
	StageEnsurePack = "ensure_pack"
	StageArtifact   = "artifact"
	StageManifest   = "manifest"
	StageSeal       = "seal"
)

// Metrics contains Prometheus metrics for pipeline runs.
// All operations are thread-safe.
type Metrics struct {
	packsSealed      prometheus.Counter
	artifacts        *prometheus.CounterVec
	pipelineDuration *prometheus.HistogramVec
	pipelineErrors   *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors
// initialized. The metrics are not registered; call Register to register them
// with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		packsSealed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricPacksSealedTotal,
				Help: "Total number of evidence packs sealed",
			},
		),
		artifacts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricArtifactsTotal,
				Help: "Total number of pipeline artifacts by outcome",
			},
			[]string{"outcome"},
		),
		pipelineDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricPipelineDuration,
				Help:    "Histogram of pipeline run duration in seconds by control family",
				Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0, 120.0},
			},
			[]string{"control_family"},
		),
		pipelineErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricPipelineErrorsTotal,
				Help: "Total number of pipeline failures by stage",
			},
			[]string{"stage"},
		),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncPacksSealed increments the sealed pack counter.
func (m *Metrics) IncPacksSealed() {
	m.packsSealed.Inc()
}

// IncArtifacts increments the artifact counter for an outcome
// (ArtifactUploaded, ArtifactSkipped, or ArtifactFailed).
func (m *Metrics) IncArtifacts(outcome string) {
	m.artifacts.WithLabelValues(outcome).Inc()
}

// ObservePipelineDuration records a pipeline run duration sample.
func (m *Metrics) ObservePipelineDuration(controlFamily string, seconds float64) {
	m.pipelineDuration.WithLabelValues(controlFamily).Observe(seconds)
}

// IncPipelineErrors increments the pipeline error counter for a stage.
func (m *Metrics) IncPipelineErrors(stage string) {
	m.pipelineErrors.WithLabelValues(stage).Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.packsSealed,
		m.artifacts,
		m.pipelineDuration,
		m.pipelineErrors,
	}
}

// LogGathered writes the gathered counter totals and histogram summaries to
// the logger. Short-lived CLI runs have no scrape endpoint, so the numbers
// are emitted at the end of the run instead.
func LogGathered(logger *slog.Logger, g prometheus.Gatherer) {
	families, err := g.Gather()
	if err != nil {
		logger.Warn("failed to gather metrics", "error", err)
		return
	}

	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			args := make([]any, 0, 8)
			for _, lp := range m.GetLabel() {
				args = append(args, lp.GetName(), lp.GetValue())
			}
			switch {
			case m.GetCounter() != nil:
				args = append(args, "total", m.GetCounter().GetValue())
			case m.GetHistogram() != nil:
				args = append(args,
					"count", m.GetHistogram().GetSampleCount(),
					"sum_seconds", m.GetHistogram().GetSampleSum(),
				)
			default:
				continue
			}
			logger.Info(mf.GetName(), args...)
		}
	}
}
