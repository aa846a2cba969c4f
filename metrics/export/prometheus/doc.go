// Package prometheus renders authcore metrics in the Prometheus text
// exposition format.
//
// Counters are named authcore_*_total. Login and session validation latency
// are published as the authcore_login_latency_seconds and
// authcore_validate_latency_seconds histograms once latency histograms are
// enabled in the engine configuration. Nothing is registered globally;
// mount [Exporter.Handler] where it is needed.
package prometheus
