// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plugin

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level tracer and meter for plugin container operations.
var (
	tracer = otel.Tracer("minivite.plugin")
	meter  = otel.Meter("minivite.plugin")
)

var (
	hookLatency metric.Float64Histogram
	hookTotal   metric.Int64Counter

	metricsOnce    sync.Once
	metricsInitErr error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		hookLatency, err = meter.Float64Histogram(
			"minivite_plugin_hook_duration_seconds",
			metric.WithDescription("Duration of plugin hook invocations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsInitErr = err
			return
		}

		hookTotal, err = meter.Int64Counter(
			"minivite_plugin_hook_total",
			metric.WithDescription("Total number of plugin hook invocations"),
		)
		if err != nil {
			metricsInitErr = err
			return
		}
	})
	return metricsInitErr
}

// recordHook records one hook invocation.
func recordHook(ctx context.Context, plugin, hook string, d time.Duration, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("plugin", plugin),
		attribute.String("hook", hook),
		attribute.Bool("success", success),
	)
	hookLatency.Record(ctx, d.Seconds(), attrs)
	hookTotal.Add(ctx, 1, attrs)
}
