// Package registry provides typed repositories over the record store.
//
// Each repository wraps one entity kind with its keyed lookups, attribute
// searches and state-set queries. Mutations pass straight through to the
// store so its optimistic concurrency semantics apply unchanged: Create
// fails on existing rows, Replace and Delete are conditional on the ETag
// the entity was loaded with.
//
// Task lookups are keyed by (job_id, task_id) only. The wire protocol
// carries job_id on every agent message, so no repository offers a
// cross-partition task scan by task id alone.
package registry
