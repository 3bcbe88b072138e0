package reconciler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/blob"
	"github.com/cuemby/hutch/pkg/cloud"
	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/queue"
	"github.com/cuemby/hutch/pkg/registry"
	"github.com/cuemby/hutch/pkg/secrets"
	"github.com/cuemby/hutch/pkg/security"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/cuemby/hutch/pkg/version"
)

// captureSink records published events for assertions. Driver passes fan
// out over entities, so sinks see concurrent publishes.
type captureSink struct {
	mu     sync.Mutex
	events []*events.Event
}

func (c *captureSink) HandleEvent(e *events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureSink) byType(t types.EventType) []*events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*events.Event
	for _, e := range c.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	t        *testing.T
	registry *registry.Registry
	queues   *queue.Queues
	cloud    *cloud.Fake
	blobs    *blob.Store
	secrets  *secrets.Store
	sink     *captureSink
	rec      *Reconciler
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := storage.NewMemoryStore()
	reg := registry.New(store)

	q, err := queue.Open(filepath.Join(t.TempDir(), "queues.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	signer := security.NewSigner([]byte("reconciler-test-secret"))
	blobs, err := blob.New(t.TempDir(), signer, "http://localhost:8443")
	require.NoError(t, err)

	sec, err := secrets.NewFromSecret([]byte("reconciler-test-key"), store)
	require.NoError(t, err)

	broker := events.NewBroker(uuid.NewString(), "hutch-test")
	sink := &captureSink{}
	broker.AddSink(sink)

	fake := cloud.NewFake()
	r := New(reg, q, fake, blobs, sec, broker)

	f := &fixture{
		t:        t,
		registry: reg,
		queues:   q,
		cloud:    fake,
		blobs:    blobs,
		secrets:  sec,
		sink:     sink,
		rec:      r,
	}
	f.setNow(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	return f
}

func (f *fixture) setNow(now time.Time) {
	f.now = now
	f.rec.now = func() time.Time { return now }
}

func (f *fixture) advance(d time.Duration) {
	f.setNow(f.now.Add(d))
}

func (f *fixture) addJob(state types.JobState) *types.Job {
	f.t.Helper()
	job := &types.Job{
		JobID:     uuid.New(),
		State:     state,
		Config:    types.JobConfig{Project: "demo", Name: "fuzz-target", Build: "1", Duration: 24},
		CreatedAt: f.now,
	}
	require.NoError(f.t, f.registry.Jobs.Create(job))
	return job
}

func (f *fixture) addTask(job *types.Job, state types.TaskState) *types.Task {
	f.t.Helper()
	task := &types.Task{
		JobID:  job.JobID,
		TaskID: uuid.New(),
		State:  state,
		OS:     types.OSLinux,
		Config: types.TaskConfig{
			Task: types.TaskDetails{Type: types.TaskTypeLibfuzzerFuzz, Duration: 24, TargetExe: "fuzz.exe"},
			Pool: types.TaskPool{PoolName: "demo-pool", Count: 1},
			Containers: []types.TaskContainer{
				{Type: types.ContainerTypeSetup, Name: "task-setup"},
				{Type: types.ContainerTypeCrashes, Name: "task-crashes"},
			},
		},
		CreatedAt: f.now,
	}
	require.NoError(f.t, f.registry.Tasks.Create(task))
	return task
}

func (f *fixture) addTaskContainers() {
	f.t.Helper()
	require.NoError(f.t, f.blobs.CreateContainer("task-setup"))
	require.NoError(f.t, f.blobs.CreateContainer("task-crashes"))
}

func (f *fixture) addPool(name string, state types.PoolState) *types.Pool {
	f.t.Helper()
	pool := &types.Pool{
		PoolID:    uuid.New(),
		Name:      name,
		OS:        types.OSLinux,
		Arch:      types.ArchitectureX86_64,
		Managed:   true,
		State:     state,
		CreatedAt: f.now,
	}
	require.NoError(f.t, f.registry.Pools.Create(pool))
	return pool
}

func (f *fixture) addScaleset(poolName string, state types.ScalesetState, size int) *types.Scaleset {
	f.t.Helper()
	ss := &types.Scaleset{
		ScalesetID: uuid.New(),
		PoolName:   poolName,
		State:      state,
		Region:     "eastus",
		VMSku:      "Standard_D2s_v3",
		Image:      "Canonical:0001-com-ubuntu-server-focal:20_04-lts:latest",
		Size:       size,
		CreatedAt:  f.now,
	}
	require.NoError(f.t, f.registry.Scalesets.Create(ss))
	return ss
}

func (f *fixture) addNode(poolName string, scalesetID *uuid.UUID, state types.NodeState) *types.Node {
	f.t.Helper()
	hb := f.now
	node := &types.Node{
		PoolName:   poolName,
		MachineID:  uuid.New(),
		State:      state,
		ScalesetID: scalesetID,
		Version:    version.Version,
		OS:         types.OSLinux,
		Managed:    true,
		Heartbeat:  &hb,
		CreatedAt:  f.now,
	}
	require.NoError(f.t, f.registry.Nodes.Create(node))
	return node
}

// provisionScaleset creates the backing cloud scale-set and registers one
// node record per instance, the way agents would after boot.
func (f *fixture) provisionScaleset(ss *types.Scaleset) []*types.Node {
	f.t.Helper()
	require.NoError(f.t, f.cloud.CreateScaleset(context.Background(), cloud.ScalesetSpec{
		ScalesetID: ss.ScalesetID,
		PoolName:   ss.PoolName,
		Region:     ss.Region,
		VMSku:      ss.VMSku,
		Image:      ss.Image,
		Size:       ss.Size,
	}))
	return f.registerNodes(ss)
}

// registerNodes creates a node record for every cloud instance.
func (f *fixture) registerNodes(ss *types.Scaleset) []*types.Node {
	f.t.Helper()
	instances, err := f.cloud.ListInstances(context.Background(), ss.ScalesetID)
	require.NoError(f.t, err)

	var nodes []*types.Node
	for machineID, inst := range instances {
		instanceID := inst.InstanceID
		hb := f.now
		node := &types.Node{
			PoolName:   ss.PoolName,
			MachineID:  machineID,
			State:      types.NodeStateFree,
			ScalesetID: &ss.ScalesetID,
			InstanceID: &instanceID,
			Version:    version.Version,
			OS:         types.OSLinux,
			Managed:    true,
			Heartbeat:  &hb,
			CreatedAt:  f.now,
		}
		require.NoError(f.t, f.registry.Nodes.Create(node))
		nodes = append(nodes, node)
	}
	return nodes
}

func (f *fixture) addNodeTask(node *types.Node, task *types.Task, state types.NodeTaskState) *types.NodeTasks {
	f.t.Helper()
	nt := &types.NodeTasks{
		MachineID: node.MachineID,
		TaskID:    task.TaskID,
		JobID:     task.JobID,
		State:     state,
	}
	require.NoError(f.t, f.registry.NodeTasks.Upsert(nt))
	return nt
}

func (f *fixture) reloadNode(node *types.Node) *types.Node {
	f.t.Helper()
	got, err := f.registry.Nodes.Get(node.PoolName, node.MachineID)
	require.NoError(f.t, err)
	return got
}

func (f *fixture) reloadTask(task *types.Task) *types.Task {
	f.t.Helper()
	got, err := f.registry.Tasks.Get(task.JobID, task.TaskID)
	require.NoError(f.t, err)
	return got
}

func (f *fixture) reloadJob(job *types.Job) *types.Job {
	f.t.Helper()
	got, err := f.registry.Jobs.Get(job.JobID)
	require.NoError(f.t, err)
	return got
}

func (f *fixture) reloadScaleset(ss *types.Scaleset) *types.Scaleset {
	f.t.Helper()
	got, err := f.registry.Scalesets.Get(ss.ScalesetID)
	require.NoError(f.t, err)
	return got
}

// pendingCommands returns the queued commands for one machine in order.
func (f *fixture) pendingCommands(machineID uuid.UUID) []types.NodeCommand {
	f.t.Helper()
	msgs, err := f.registry.NodeMessages.GetMessages(machineID)
	require.NoError(f.t, err)
	out := make([]types.NodeCommand, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Command)
	}
	return out
}
