// Package otel publishes authchain counters through an OpenTelemetry Meter.
//
// [NewExporter] registers one Int64ObservableCounter per counter and, for the
// login latency histogram, a bucket gauge labelled by "le" plus a count gauge.
// A single callback reads [authchain.Provider.MetricsSnapshot] on every
// collection. Callers own the MeterProvider.
package otel
