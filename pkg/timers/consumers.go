package timers

import (
	"context"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/queue"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// maxConsumerInFlight bounds concurrent message handlers per queue drain.
const maxConsumerInFlight = 10

// maxReportBytes bounds how much of a report blob is attached to a crash
// event.
const maxReportBytes = 64 * 1024

// tickQueues drains the reserved internal queues. The drains are
// independent, so they run concurrently.
func (t *Timers) tickQueues(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.drainNodeHeartbeats(gctx) })
	g.Go(func() error { return t.drainTaskHeartbeats(gctx) })
	g.Go(func() error { return t.drainProxyHeartbeats(gctx) })
	g.Go(func() error { return t.drainFileChanges(gctx) })
	g.Go(func() error { return t.drainCustomMetrics(gctx) })
	g.Go(func() error { return t.webhooks.ProcessQueued(gctx) })
	return g.Wait()
}

// consumeLoop pops name until it is empty, handing messages to handle with
// at most maxConsumerInFlight running at once. handle owns deleting or
// requeueing its message.
func (t *Timers) consumeLoop(ctx context.Context, name string, handle func(*queue.Message)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConsumerInFlight)

	var popErr error
	for {
		if gctx.Err() != nil {
			break
		}
		msg, err := t.queues.Pop(name, t.visibility)
		if err != nil {
			popErr = errors.Wrapf(err, "pop %s", name)
			break
		}
		if msg == nil {
			break
		}
		g.Go(func() error {
			handle(msg)
			return nil
		})
	}
	_ = g.Wait()
	return multierr.Append(popErr, ctx.Err())
}

// drainNodeHeartbeats stamps node liveness. Heartbeats are cheap and
// frequent: anything that cannot be applied is dropped rather than retried.
func (t *Timers) drainNodeHeartbeats(ctx context.Context) error {
	return t.consumeLoop(ctx, types.QueueNodeHeartbeat, func(msg *queue.Message) {
		t.handleNodeHeartbeat(msg)
	})
}

func (t *Timers) handleNodeHeartbeat(msg *queue.Message) {
	drop := func(outcome string) {
		metrics.QueueMessagesTotal.WithLabelValues(types.QueueNodeHeartbeat, outcome).Inc()
		_ = t.queues.Delete(types.QueueNodeHeartbeat, msg.ID, msg.PopReceipt)
	}

	var entry types.NodeHeartbeatEntry
	if err := json.Unmarshal(msg.Body, &entry); err != nil {
		timersLog := log.WithComponent("timers")
		timersLog.Warn().Err(err).Msg("Corrupt node heartbeat")
		drop("dropped")
		return
	}

	now := t.now().UTC()
	for attempt := 0; attempt < 2; attempt++ {
		node, err := t.registry.Nodes.GetByMachineID(entry.MachineID)
		if err != nil {
			if !storage.IsNotFound(err) {
				machineLog := log.WithMachineID(entry.MachineID)
				machineLog.Warn().Err(err).Msg("could not load node for heartbeat")
			}
			drop("dropped")
			return
		}
		node.Heartbeat = &now
		err = t.registry.Nodes.Save(node)
		if err == nil {
			t.broker.Publish(events.NodeHeartbeat{
				MachineID:  node.MachineID,
				ScalesetID: node.ScalesetID,
				PoolName:   node.PoolName,
			})
			drop("processed")
			return
		}
		if !storage.IsVersionConflict(err) {
			machineLog := log.WithMachineID(entry.MachineID)
			machineLog.Warn().Err(err).Msg("could not stamp node heartbeat")
			drop("dropped")
			return
		}
	}
	// Two conflicts in a row: the record is churning, the next heartbeat
	// will land.
	drop("dropped")
}

// drainTaskHeartbeats stamps task liveness.
func (t *Timers) drainTaskHeartbeats(ctx context.Context) error {
	return t.consumeLoop(ctx, types.QueueTaskHeartbeat, func(msg *queue.Message) {
		t.handleTaskHeartbeat(msg)
	})
}

func (t *Timers) handleTaskHeartbeat(msg *queue.Message) {
	drop := func(outcome string) {
		metrics.QueueMessagesTotal.WithLabelValues(types.QueueTaskHeartbeat, outcome).Inc()
		_ = t.queues.Delete(types.QueueTaskHeartbeat, msg.ID, msg.PopReceipt)
	}

	var entry types.TaskHeartbeatEntry
	if err := json.Unmarshal(msg.Body, &entry); err != nil {
		timersLog := log.WithComponent("timers")
		timersLog.Warn().Err(err).Msg("Corrupt task heartbeat")
		drop("dropped")
		return
	}

	now := t.now().UTC()
	for attempt := 0; attempt < 2; attempt++ {
		task, err := t.registry.Tasks.Get(entry.JobID, entry.TaskID)
		if err != nil {
			if !storage.IsNotFound(err) {
				taskLog := log.WithTaskID(entry.TaskID)
				taskLog.Warn().Err(err).Msg("could not load task for heartbeat")
			}
			drop("dropped")
			return
		}
		task.Heartbeat = &now
		err = t.registry.Tasks.Save(task)
		if err == nil {
			t.broker.Publish(events.TaskHeartbeat{
				JobID:  task.JobID,
				TaskID: task.TaskID,
				Config: task.Config,
			})
			drop("processed")
			return
		}
		if !storage.IsVersionConflict(err) {
			taskLog := log.WithTaskID(entry.TaskID)
			taskLog.Warn().Err(err).Msg("could not stamp task heartbeat")
			drop("dropped")
			return
		}
	}
	drop("dropped")
}

// drainProxyHeartbeats stamps proxy VM liveness. Proxies are not nodes, so
// their agents report through their own queue.
func (t *Timers) drainProxyHeartbeats(ctx context.Context) error {
	return t.consumeLoop(ctx, types.QueueProxy, func(msg *queue.Message) {
		t.handleProxyHeartbeat(msg)
	})
}

func (t *Timers) handleProxyHeartbeat(msg *queue.Message) {
	drop := func(outcome string) {
		metrics.QueueMessagesTotal.WithLabelValues(types.QueueProxy, outcome).Inc()
		_ = t.queues.Delete(types.QueueProxy, msg.ID, msg.PopReceipt)
	}

	var entry types.ProxyHeartbeatEntry
	if err := json.Unmarshal(msg.Body, &entry); err != nil {
		timersLog := log.WithComponent("timers")
		timersLog.Warn().Err(err).Msg("Corrupt proxy heartbeat")
		drop("dropped")
		return
	}

	now := t.now().UTC()
	for attempt := 0; attempt < 2; attempt++ {
		proxy, err := t.registry.Proxies.Get(entry.Region, entry.ProxyID)
		if err != nil {
			if !storage.IsNotFound(err) {
				timersLog := log.WithComponent("timers")
				timersLog.Warn().Err(err).Str("region", entry.Region).Msg("could not load proxy for heartbeat")
			}
			drop("dropped")
			return
		}
		proxy.Heartbeat = &now
		err = t.registry.Proxies.Save(proxy)
		if err == nil {
			drop("processed")
			return
		}
		if !storage.IsVersionConflict(err) {
			timersLog := log.WithComponent("timers")
			timersLog.Warn().Err(err).Str("region", entry.Region).Msg("could not stamp proxy heartbeat")
			drop("dropped")
			return
		}
	}
	drop("dropped")
}

// drainFileChanges turns new files in monitored containers into crash
// events. Unlike heartbeats, a rejected file change is requeued with
// backoff until the dequeue limit poisons it.
func (t *Timers) drainFileChanges(ctx context.Context) error {
	return t.consumeLoop(ctx, types.QueueFileChanges, func(msg *queue.Message) {
		t.handleFileChange(msg)
	})
}

func (t *Timers) handleFileChange(msg *queue.Message) {
	requeue := func(err error) {
		metrics.QueueMessagesTotal.WithLabelValues(types.QueueFileChanges, "requeued").Inc()
		timersLog := log.WithComponent("timers")
		timersLog.Warn().
			Err(err).
			Str("message_id", msg.ID.String()).
			Int("dequeue_count", msg.DequeueCount).
			Msg("File change rejected")
		if rqErr := t.queues.Requeue(types.QueueFileChanges, msg.ID, msg.PopReceipt, queue.Backoff(msg.DequeueCount)); rqErr != nil {
			timersLog.Error().Err(rqErr).Msg("could not requeue file change")
		}
	}
	done := func(outcome string) {
		metrics.QueueMessagesTotal.WithLabelValues(types.QueueFileChanges, outcome).Inc()
		_ = t.queues.Delete(types.QueueFileChanges, msg.ID, msg.PopReceipt)
	}

	var change types.FileChange
	if err := json.Unmarshal(msg.Body, &change); err != nil {
		requeue(errors.Wrap(err, "parse file change"))
		return
	}
	if change.Container == "" || change.Filename == "" {
		requeue(errors.New("file change missing container or filename"))
		return
	}

	watchers, err := t.registry.Notifications.SearchByContainer(change.Container)
	if err != nil {
		requeue(errors.Wrap(err, "look up container notifications"))
		return
	}
	if len(watchers) == 0 {
		done("ignored")
		return
	}

	t.broker.Publish(events.CrashReported{
		Container: change.Container,
		Filename:  change.Filename,
		Report:    t.readReport(change.Container, change.Filename),
	})
	done("processed")
}

// readReport attaches the blob body to the crash event when it is small
// valid JSON. Anything else ships as a bare container/filename reference.
func (t *Timers) readReport(container, filename string) json.RawMessage {
	rc, err := t.blobs.Open(container, filename)
	if err != nil {
		return nil
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxReportBytes+1))
	if err != nil || len(data) > maxReportBytes || !json.Valid(data) {
		return nil
	}
	return json.RawMessage(data)
}

// drainCustomMetrics forwards agent-reported samples to the Prometheus
// registry.
func (t *Timers) drainCustomMetrics(ctx context.Context) error {
	return t.consumeLoop(ctx, types.QueueCustomMetrics, func(msg *queue.Message) {
		outcome := "processed"

		var sample types.MetricSample
		if err := json.Unmarshal(msg.Body, &sample); err != nil || sample.Name == "" {
			outcome = "dropped"
		} else {
			metrics.CustomMetric.WithLabelValues(sample.Name).Set(sample.Value)
		}

		metrics.QueueMessagesTotal.WithLabelValues(types.QueueCustomMetrics, outcome).Inc()
		_ = t.queues.Delete(types.QueueCustomMetrics, msg.ID, msg.PopReceipt)
	})
}
