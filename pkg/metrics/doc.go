// Package metrics defines the Prometheus instrumentation and the health
// checker.
//
// Metric variables are registered at package init and exported for callers
// to update directly; the Collector additionally snapshots entity and queue
// gauges from the record store on a fixed cadence. Health is component
// based: subsystems report in through RegisterComponent and the readiness
// handler holds the server not-ready until every critical component has
// come up.
package metrics
