// Package prometheus renders authchain counters in the Prometheus text
// exposition format.
//
// Counters are named authchain_*_total and login latency is exported as the
// authchain_login_latency_seconds histogram. Nothing is registered globally;
// callers mount [Exporter.Handler] themselves.
package prometheus
