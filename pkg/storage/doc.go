// Package storage provides the replicated record store backing all
// control-plane entities.
//
// Records live in BoltDB buckets, one bucket per entity kind, keyed by
// (partition, row). Every mutation travels through the Raft log: the FSM
// applies committed entries to the BoltDB backend and stamps each written
// record with the Raft log index as its ETag. Log indexes are strictly
// increasing, so ETags are too, and conditional Replace or Delete can be
// checked inside the FSM where application is serialized.
//
// Reads (Get, Scan) go straight to the local BoltDB state. The server runs
// a single-node Raft cluster, so local state is always the committed state.
//
// The FSM records the last applied log index in a meta bucket inside the
// same BoltDB transaction as each mutation. On restart, replayed log
// entries at or below that index are skipped, making log replay idempotent.
package storage
