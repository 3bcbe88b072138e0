// Package events provides the in-memory broker that fans control-plane
// events out to webhook delivery and the realtime stream.
//
// Every state transition of interest publishes a typed payload. The broker
// wraps it in an envelope carrying an event id, the instance identity and a
// timestamp, hands the envelope to registered sinks synchronously (webhook
// enqueueing must happen before the publishing request returns), then
// broadcasts it to subscriber channels without blocking. A subscriber that
// falls behind misses events; the stream is telemetry, not a ledger.
package events
