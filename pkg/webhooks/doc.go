// Package webhooks delivers control-plane events to user-registered HTTP
// endpoints.
//
// Publishing an event writes one delivery log per subscribed webhook and
// pushes a pointer message onto the webhooks queue. The delivery worker pops
// pointers, posts the signed payload, and either commits the message or
// requeues it with exponential backoff. The queue's dequeue limit bounds the
// attempt chain; the log records how it ended.
package webhooks
