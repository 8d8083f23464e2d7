// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transform

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level tracer and meter for request transforms.
var (
	tracer = otel.Tracer("minivite.transform")
	meter  = otel.Meter("minivite.transform")
)

var (
	requestTotal   metric.Int64Counter
	requestLatency metric.Float64Histogram

	metricsOnce    sync.Once
	metricsInitErr error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		requestTotal, err = meter.Int64Counter(
			"minivite_transform_requests_total",
			metric.WithDescription("Total number of module transform requests"),
		)
		if err != nil {
			metricsInitErr = err
			return
		}

		requestLatency, err = meter.Float64Histogram(
			"minivite_transform_duration_seconds",
			metric.WithDescription("Duration of module transform requests"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsInitErr = err
			return
		}
	})
	return metricsInitErr
}

// outcome labels a finished request in metrics.
type outcome string

const (
	outcomeCached   outcome = "cached"
	outcomeComputed outcome = "computed"
	outcomeMissing  outcome = "missing"
	outcomeError    outcome = "error"
)

// recordRequest records one transform request.
func recordRequest(ctx context.Context, o outcome, d time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", string(o)))
	requestTotal.Add(ctx, 1, attrs)
	requestLatency.Record(ctx, d.Seconds(), attrs)
}
