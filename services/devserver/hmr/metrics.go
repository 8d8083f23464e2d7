// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hmr

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level tracer and meter for HMR dispatch.
var (
	tracer = otel.Tracer("minivite.hmr")
	meter  = otel.Meter("minivite.hmr")
)

var (
	dispatchTotal   metric.Int64Counter
	boundaryTotal   metric.Int64Counter
	dispatchLatency metric.Float64Histogram

	metricsOnce    sync.Once
	metricsInitErr error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		dispatchTotal, err = meter.Int64Counter(
			"minivite_hmr_dispatch_total",
			metric.WithDescription("Total number of HMR dispatches, by result"),
		)
		if err != nil {
			metricsInitErr = err
			return
		}

		boundaryTotal, err = meter.Int64Counter(
			"minivite_hmr_boundaries_total",
			metric.WithDescription("Total number of update boundaries sent to clients"),
		)
		if err != nil {
			metricsInitErr = err
			return
		}

		dispatchLatency, err = meter.Float64Histogram(
			"minivite_hmr_dispatch_duration_seconds",
			metric.WithDescription("Duration of boundary propagation and invalidation"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsInitErr = err
			return
		}
	})
	return metricsInitErr
}

// result labels a finished dispatch in metrics.
type result string

const (
	resultUpdate     result = "update"
	resultFullReload result = "full-reload"
	resultNoop       result = "noop"
	resultPrune      result = "prune"
	resultRestart    result = "restart"
)

// recordDispatch records one dispatch and the boundaries it produced.
func recordDispatch(ctx context.Context, r result, boundaries int, d time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("result", string(r)))
	dispatchTotal.Add(ctx, 1, attrs)
	dispatchLatency.Record(ctx, d.Seconds(), attrs)
	if boundaries > 0 {
		boundaryTotal.Add(ctx, int64(boundaries))
	}
}
