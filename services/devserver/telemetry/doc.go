// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires the OpenTelemetry SDK for the dev server.
//
// Every devserver package creates its tracer and meter through otel.Tracer
// and otel.Meter. Init installs the providers those calls resolve to, so
// spans and metrics are dropped until it runs.
//
// Traces go to an OTLP gRPC collector or stdout. Metrics go to the default
// Prometheus registry, scraped from the handler returned by MetricsHandler,
// or to stdout.
package telemetry

import "errors"

var (
	// ErrNilContext indicates Init was called with a nil context.
	ErrNilContext = errors.New("context must not be nil")

	// ErrUnknownExporter indicates an unsupported exporter name.
	ErrUnknownExporter = errors.New("unknown exporter")
)
