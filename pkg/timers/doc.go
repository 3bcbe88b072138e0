// Package timers runs the periodic drivers and the internal queue
// consumers.
//
// Each driver owns a disjoint slice of work: workers advances pools, nodes
// and scalesets; tasks advances tasks and jobs and runs the scheduler;
// proxy and repro drive their VM lifecycles; daily and retention do the
// slow housekeeping. A driver's handler runs to completion or until its
// next tick is due, whichever comes first, and ticks that fire while a
// handler is still running are dropped.
//
// The queue consumers drain the reserved internal queues on a short
// cadence: heartbeats stamp entity liveness, file changes raise crash
// events for monitored containers, webhook delivery pointers feed the
// webhook engine, and custom metric samples land in the Prometheus
// registry.
package timers
