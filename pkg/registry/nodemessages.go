package registry

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// NewMessageID builds a row key that sorts by creation time, so partition
// scans hand messages back in the order they were sent. The uuid suffix
// breaks ties between messages created in the same nanosecond.
func NewMessageID(now time.Time) string {
	return fmt.Sprintf("%020d-%s", now.UnixNano(), uuid.New())
}

// NodeMessageRepo wraps the per-machine command mailbox.
type NodeMessageRepo struct {
	store storage.Store
}

// Send appends a command to the machine's mailbox.
func (r *NodeMessageRepo) Send(machineID uuid.UUID, cmd types.NodeCommand, now time.Time) error {
	m := &types.NodeMessage{
		MachineID: machineID,
		MessageID: NewMessageID(now),
		Command:   cmd,
		CreatedAt: now,
	}
	return errors.Wrapf(r.store.Insert(m), "send message to %s", machineID)
}

// GetMessages returns the machine's pending commands, oldest first.
func (r *NodeMessageRepo) GetMessages(machineID uuid.UUID) ([]*types.NodeMessage, error) {
	return scanInto(r.store, types.KindNodeMessage, machineID.String(), func() *types.NodeMessage { return &types.NodeMessage{} }, nil)
}

// Oldest returns the machine's oldest pending command, or nil when the
// mailbox is empty.
func (r *NodeMessageRepo) Oldest(machineID uuid.UUID) (*types.NodeMessage, error) {
	msgs, err := r.GetMessages(machineID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0], nil
}

// Delete acknowledges one command. Acknowledging a message that is already
// gone is not an error; agents retry acks after network failures.
func (r *NodeMessageRepo) Delete(machineID uuid.UUID, messageID string) error {
	m := &types.NodeMessage{MachineID: machineID, MessageID: messageID}
	err := r.store.Delete(m)
	if err != nil && !storage.IsNotFound(err) {
		return errors.Wrapf(err, "ack message %s/%s", machineID, messageID)
	}
	return nil
}

// ClearMessages drops every pending command for one machine.
func (r *NodeMessageRepo) ClearMessages(machineID uuid.UUID) error {
	msgs, err := r.GetMessages(machineID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := r.Delete(machineID, m.MessageID); err != nil {
			return err
		}
	}
	return nil
}
