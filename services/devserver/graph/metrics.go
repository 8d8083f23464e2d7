// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level tracer and meter for module graph operations.
var (
	tracer = otel.Tracer("minivite.graph")
	meter  = otel.Meter("minivite.graph")
)

// Metrics for module graph operations.
var (
	nodesTotal    metric.Int64Counter
	ensureLatency metric.Float64Histogram
	prunedTotal   metric.Int64Counter

	metricsOnce    sync.Once
	metricsInitErr error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		nodesTotal, err = meter.Int64Counter(
			"minivite_graph_nodes_created_total",
			metric.WithDescription("Total number of module graph nodes created"),
		)
		if err != nil {
			metricsInitErr = err
			return
		}

		ensureLatency, err = meter.Float64Histogram(
			"minivite_graph_ensure_duration_seconds",
			metric.WithDescription("Duration of URL resolution for new graph entries"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsInitErr = err
			return
		}

		prunedTotal, err = meter.Int64Counter(
			"minivite_graph_pruned_total",
			metric.WithDescription("Total number of modules left without importers"),
		)
		if err != nil {
			metricsInitErr = err
			return
		}
	})
	return metricsInitErr
}

// recordNodeCreated records a new graph entry.
func recordNodeCreated(ctx context.Context, typ ModuleType, d time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("type", typ.String()))
	nodesTotal.Add(ctx, 1, attrs)
	ensureLatency.Record(ctx, d.Seconds(), attrs)
}

// recordPruned records modules dropped from every importer.
func recordPruned(ctx context.Context, count int) {
	if err := initMetrics(); err != nil {
		return
	}
	prunedTotal.Add(ctx, int64(count))
}
