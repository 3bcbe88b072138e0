package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/types"
)

type captureSink struct {
	events []*Event
	err    error
}

func (s *captureSink) HandleEvent(e *Event) error {
	s.events = append(s.events, e)
	return s.err
}

func TestPublishReachesSubscribers(t *testing.T) {
	b := NewBroker("inst-1", "hutch-test")
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	jobID := uuid.New()
	published := b.Publish(JobCreated{JobID: jobID, Config: types.JobConfig{Project: "demo"}})
	require.NotNil(t, published)
	assert.Equal(t, types.EventTypeJobCreated, published.EventType)
	assert.NotEqual(t, uuid.Nil, published.EventID)
	assert.Equal(t, "inst-1", published.InstanceID)

	select {
	case got := <-sub:
		assert.Equal(t, published.EventID, got.EventID)
		payload, ok := got.Event.(JobCreated)
		require.True(t, ok)
		assert.Equal(t, jobID, payload.JobID)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSinksRunBeforePublishReturns(t *testing.T) {
	b := NewBroker("inst-1", "hutch-test")
	b.Start()
	defer b.Stop()

	sink := &captureSink{}
	b.AddSink(sink)

	b.Publish(Ping{PingID: uuid.New()})
	require.Len(t, sink.events, 1)
	assert.Equal(t, types.EventTypePing, sink.events[0].EventType)
}

func TestSinkFailureDoesNotStopDelivery(t *testing.T) {
	b := NewBroker("inst-1", "hutch-test")
	b.Start()
	defer b.Stop()

	failing := &captureSink{err: assert.AnError}
	working := &captureSink{}
	b.AddSink(failing)
	b.AddSink(working)

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(Ping{PingID: uuid.New()})
	assert.Len(t, failing.events, 1)
	assert.Len(t, working.events, 1)

	select {
	case <-sub:
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker("inst-1", "hutch-test")
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)

	// Unsubscribing twice must not panic.
	b.Unsubscribe(sub)
}

func TestEnvelopeMarshalsPayloadInline(t *testing.T) {
	b := NewBroker("inst-1", "hutch-test")
	b.Start()
	defer b.Stop()

	taskID := uuid.New()
	jobID := uuid.New()
	e := b.Publish(TaskStateUpdated{
		JobID:  jobID,
		TaskID: taskID,
		State:  types.TaskStateRunning,
	})

	raw, err := json.Marshal(e)
	require.NoError(t, err)

	var decoded struct {
		EventType types.EventType `json:"event_type"`
		Event     struct {
			JobID  uuid.UUID       `json:"job_id"`
			TaskID uuid.UUID       `json:"task_id"`
			State  types.TaskState `json:"state"`
		} `json:"event"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, types.EventTypeTaskStateUpdated, decoded.EventType)
	assert.Equal(t, taskID, decoded.Event.TaskID)
	assert.Equal(t, types.TaskStateRunning, decoded.Event.State)
}
