// Package api serves the HTTP control surface: the agent protocol, the
// user and admin endpoints, the signed queue and container handles, and
// the realtime event stream.
//
// Handlers follow one shape: parse, validate, authorize, load under the
// stored version stamp, mutate, save, emit an event. Failures leave in the
// standard error envelope; concurrent writers surface as 409 conflicts the
// caller retries against a fresh read.
package api
