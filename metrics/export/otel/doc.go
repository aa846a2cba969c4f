// Package otel publishes authcore metrics through an OpenTelemetry Meter.
//
// Each counter becomes an Int64ObservableCounter. Each latency histogram
// becomes one Int64ObservableGauge of cumulative bucket counts labelled
// with "le", plus a _count gauge. One callback reads the engine snapshot per
// collection. The caller owns the MeterProvider.
package otel
