// Package queue implements named FIFO message queues on a local BoltDB
// database.
//
// Each queue is a bucket; messages are keyed by a monotonically increasing
// sequence so iteration order is arrival order. A popped message is not
// removed: it is hidden for the visibility timeout and handed out with a
// fresh pop receipt. Deleting requires the receipt from the most recent
// pop, so a consumer that lost its claim to a redelivered message cannot
// delete it. Messages popped more than the dequeue limit move to the
// queue's poison companion.
//
// Queue state is dispatch state, not record state. It stays node-local and
// outside the replicated record store: on loss, pending work is rebuilt by
// the periodic drivers.
package queue
