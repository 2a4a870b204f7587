// Copyright 2025 Mipos Authors
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	StageTxTotal       = "tx_total"
	StageApply         = "apply"
	StageLedgerLookup  = "ledger_lookup"
	StageConflictFetch = "conflict_fetch"
)

type StageTiming struct {
	Stage    string
	Duration time.Duration
	Error    bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

func (s *MutationService) stageStart() time.Time {
	if s == nil || s.config == nil || s.config.StageMetrics == nil {
		return time.Time{}
	}
	return time.Now()
}

func (s *MutationService) observeStage(ctx context.Context, stage string, start time.Time, hadError bool) {
	if start.IsZero() || s == nil || s.config == nil || s.config.StageMetrics == nil {
		return
	}
	s.config.StageMetrics.ObserveStage(ctx, StageTiming{
		Stage:    stage,
		Duration: time.Since(start),
		Error:    hadError,
	})
}

// PrometheusRecorder implements StageMetricsRecorder on top of
// prometheus/client_golang. Register it on a registry and pass it via
// ServiceConfig.StageMetrics.
type PrometheusRecorder struct {
	durations *prometheus.HistogramVec
	errors    *prometheus.CounterVec
}

// NewPrometheusRecorder creates and registers the possync stage collectors.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	r := &PrometheusRecorder{
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "possync",
			Name:      "stage_duration_seconds",
			Help:      "Duration of mutation service stages.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "possync",
			Name:      "stage_errors_total",
			Help:      "Count of mutation service stage errors.",
		}, []string{"stage"}),
	}
	for _, c := range []prometheus.Collector{r.durations, r.errors} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *PrometheusRecorder) ObserveStage(_ context.Context, timing StageTiming) {
	r.durations.WithLabelValues(timing.Stage).Observe(timing.Duration.Seconds())
	if timing.Error {
		r.errors.WithLabelValues(timing.Stage).Inc()
	}
}
