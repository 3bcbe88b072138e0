package queue

import (
	"encoding/binary"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

const (
	// MaxDequeueCount is how many deliveries a message gets before it is
	// moved to the poison queue.
	MaxDequeueCount = 5

	// PoisonSuffix names the dead-letter companion of a queue.
	PoisonSuffix = "-poison"

	backoffCap       = 48 * time.Hour
	backoffCapJitter = 6 * time.Hour
)

var (
	// ErrQueueNotFound is returned when popping from a queue that does
	// not exist.
	ErrQueueNotFound = errors.New("queue not found")

	// ErrMessageNotFound is returned when the message id is absent,
	// usually because another consumer already deleted it.
	ErrMessageNotFound = errors.New("message not found")

	// ErrReceiptMismatch is returned when the pop receipt is stale: the
	// message timed out and was handed to another consumer.
	ErrReceiptMismatch = errors.New("pop receipt mismatch")
)

// Message is one queued item. PopReceipt rotates on every delivery; only
// the holder of the latest receipt may delete or requeue the message.
type Message struct {
	ID           uuid.UUID       `json:"id"`
	Body         json.RawMessage `json:"body"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	VisibleAt    time.Time       `json:"visible_at"`
	DequeueCount int             `json:"dequeue_count"`
	PopReceipt   uuid.UUID       `json:"pop_receipt,omitempty"`
}

// PoisonName returns the dead-letter queue name for a queue.
func PoisonName(name string) string { return name + PoisonSuffix }

// Backoff returns the requeue delay for the nth failed attempt: 5^n
// minutes, capped at 48h with the cap jittered by up to six hours either
// way so stalled messages do not thunder back together.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Minute
	for i := 0; i < attempt; i++ {
		delay *= 5
		if delay > backoffCap+backoffCapJitter {
			break
		}
	}
	limit := backoffCap + time.Duration(rand.Int63n(int64(2*backoffCapJitter)+1)) - backoffCapJitter
	if delay > limit {
		return limit
	}
	return delay
}

// Queues manages all named queues in one BoltDB database.
type Queues struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens (or creates) the queue database at path.
func Open(path string) (*Queues, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open queue database")
	}
	return &Queues{db: db, now: time.Now}, nil
}

// Close closes the queue database.
func (q *Queues) Close() error {
	return q.db.Close()
}

// Create creates the queue if it does not exist.
func (q *Queues) Create(name string) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	return errors.Wrapf(err, "failed to create queue %s", name)
}

// Remove deletes the queue and its poison companion with all messages.
func (q *Queues) Remove(name string) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		for _, n := range []string{name, PoisonName(name)} {
			if err := tx.DeleteBucket([]byte(n)); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
		}
		return nil
	})
	return errors.Wrapf(err, "failed to remove queue %s", name)
}

// Exists reports whether the queue exists.
func (q *Queues) Exists(name string) bool {
	var found bool
	_ = q.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket([]byte(name)) != nil
		return nil
	})
	return found
}

// Push enqueues a message visible immediately. The queue is created if
// missing so producers never race queue setup.
func (q *Queues) Push(name string, body []byte) error {
	return q.PushDelayed(name, body, 0)
}

// PushDelayed enqueues a message that becomes visible after delay.
func (q *Queues) PushDelayed(name string, body []byte, delay time.Duration) error {
	now := q.now().UTC()
	msg := Message{
		ID:         uuid.New(),
		Body:       append(json.RawMessage(nil), body...),
		EnqueuedAt: now,
		VisibleAt:  now.Add(delay),
	}

	err := q.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return err
		}
		return putMessage(bkt, &msg)
	})
	return errors.Wrapf(err, "failed to push to queue %s", name)
}

// Pop returns the oldest visible message and hides it for the visibility
// timeout. Messages over the dequeue limit move to the poison queue
// during the scan. Returns (nil, nil) when no message is ready.
func (q *Queues) Pop(name string, visibility time.Duration) (*Message, error) {
	now := q.now().UTC()
	var popped *Message

	err := q.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(name))
		if bkt == nil {
			return errors.Wrapf(ErrQueueNotFound, "%s", name)
		}

		c := bkt.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return errors.Wrapf(err, "corrupt message in queue %s", name)
			}
			if msg.VisibleAt.After(now) {
				continue
			}

			if msg.DequeueCount >= MaxDequeueCount {
				poison, err := tx.CreateBucketIfNotExists([]byte(PoisonName(name)))
				if err != nil {
					return err
				}
				msg.VisibleAt = now
				msg.PopReceipt = uuid.Nil
				if err := putMessage(poison, &msg); err != nil {
					return err
				}
				if err := bkt.Delete(k); err != nil {
					return err
				}
				continue
			}

			msg.DequeueCount++
			msg.VisibleAt = now.Add(visibility)
			msg.PopReceipt = uuid.New()
			raw, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			if err := bkt.Put(k, raw); err != nil {
				return err
			}
			popped = &msg
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return popped, nil
}

// Delete commits consumption of a message. The receipt must be from the
// latest pop.
func (q *Queues) Delete(name string, id, receipt uuid.UUID) error {
	return q.withMessage(name, id, func(bkt *bolt.Bucket, key []byte, msg *Message) error {
		if msg.PopReceipt != receipt {
			return errors.Wrapf(ErrReceiptMismatch, "queue %s message %s", name, id)
		}
		return bkt.Delete(key)
	})
}

// Requeue makes a popped message visible again after delay, keeping its
// dequeue count. Used by handlers that failed to process the message.
func (q *Queues) Requeue(name string, id, receipt uuid.UUID, delay time.Duration) error {
	now := q.now().UTC()
	return q.withMessage(name, id, func(bkt *bolt.Bucket, key []byte, msg *Message) error {
		if msg.PopReceipt != receipt {
			return errors.Wrapf(ErrReceiptMismatch, "queue %s message %s", name, id)
		}
		msg.VisibleAt = now.Add(delay)
		msg.PopReceipt = uuid.Nil
		raw, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return bkt.Put(key, raw)
	})
}

// Len returns the number of messages in the queue, visible or not.
func (q *Queues) Len(name string) (int, error) {
	var n int
	err := q.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(name))
		if bkt == nil {
			return errors.Wrapf(ErrQueueNotFound, "%s", name)
		}
		n = bkt.Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Names lists all queues, poison companions included.
func (q *Queues) Names() ([]string, error) {
	var names []string
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	return names, err
}

func (q *Queues) withMessage(name string, id uuid.UUID, fn func(*bolt.Bucket, []byte, *Message) error) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(name))
		if bkt == nil {
			return errors.Wrapf(ErrQueueNotFound, "%s", name)
		}
		c := bkt.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return errors.Wrapf(err, "corrupt message in queue %s", name)
			}
			if msg.ID == id {
				return fn(bkt, k, &msg)
			}
		}
		return errors.Wrapf(ErrMessageNotFound, "queue %s message %s", name, id)
	})
}

func putMessage(bkt *bolt.Bucket, msg *Message) error {
	seq, err := bkt.NextSequence()
	if err != nil {
		return err
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return bkt.Put(key, raw)
}
