package metrics

import (
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/queue"
	"github.com/cuemby/hutch/pkg/registry"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

func TestTimerMeasuresElapsedTime(t *testing.T) {
	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)

	assert.GreaterOrEqual(t, timer.Duration(), 10*time.Millisecond)
}

func TestTimerObservesHistogram(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_timer_duration_seconds",
		Help: "test histogram",
	})

	timer := NewTimer()
	timer.ObserveDuration(h)

	assert.Equal(t, 1, testutil.CollectAndCount(h))
}

func TestTimerObservesHistogramVec(t *testing.T) {
	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_timer_vec_duration_seconds",
		Help: "test histogram vec",
	}, []string{"timer"})

	timer := NewTimer()
	timer.ObserveDurationVec(v, "workers")

	assert.Equal(t, 1, testutil.CollectAndCount(v))
}

func TestCollectorSnapshotsEntitiesAndQueues(t *testing.T) {
	store := storage.NewMemoryStore()
	reg := registry.New(store)

	q, err := queue.Open(filepath.Join(t.TempDir(), "queues.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	require.NoError(t, reg.Jobs.Create(&types.Job{
		JobID:  uuid.New(),
		State:  types.JobStateEnabled,
		Config: types.JobConfig{Project: "p", Name: "n", Build: "b", Duration: 1},
	}))
	for i := 0; i < 2; i++ {
		require.NoError(t, reg.Nodes.Create(&types.Node{
			PoolName:  "demo-pool",
			MachineID: uuid.New(),
			State:     types.NodeStateFree,
			Version:   "1.0.0",
		}))
	}

	poolQueue := "pool-" + uuid.NewString()
	require.NoError(t, q.Create(types.QueueNodeHeartbeat))
	require.NoError(t, q.Create(poolQueue))
	require.NoError(t, q.Create(uuid.NewString()))
	require.NoError(t, q.Push(types.QueueNodeHeartbeat, []byte(`{}`)))
	require.NoError(t, q.Push(types.QueueNodeHeartbeat, []byte(`{}`)))
	require.NoError(t, q.Push(poolQueue, []byte(`{}`)))

	c := NewCollector(reg, q)
	c.Collect()

	assert.Equal(t, 1.0, testutil.ToFloat64(JobsTotal.WithLabelValues(string(types.JobStateEnabled))))
	assert.Equal(t, 2.0, testutil.ToFloat64(NodesTotal.WithLabelValues("demo-pool", string(types.NodeStateFree))))
	assert.Equal(t, 2.0, testutil.ToFloat64(QueueDepth.WithLabelValues(types.QueueNodeHeartbeat)))
	assert.Equal(t, 1.0, testutil.ToFloat64(QueueDepth.WithLabelValues(poolQueue)))

	// Unprefixed per-task queues stay out of the gauge.
	assert.Equal(t, 2, testutil.CollectAndCount(QueueDepth))
}

func TestReadinessTracksCriticalComponents(t *testing.T) {
	ready := GetReadiness()
	assert.Equal(t, "not_ready", ready.Status)

	RegisterComponent("store", true, "")
	RegisterComponent("queues", true, "")
	RegisterComponent("api", true, "")

	ready = GetReadiness()
	assert.Equal(t, "ready", ready.Status)

	UpdateComponent("queues", false, "database closed")
	ready = GetReadiness()
	assert.Equal(t, "not_ready", ready.Status)
	assert.Contains(t, ready.Components["queues"], "database closed")

	UpdateComponent("queues", true, "")
}

func TestHealthHandlerReportsStatus(t *testing.T) {
	SetVersion("1.2.3")
	RegisterComponent("store", true, "")

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `"1.2.3"`)

	UpdateComponent("store", false, "bolt file corrupt")
	rec = httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 503, rec.Code)
	assert.Contains(t, rec.Body.String(), "bolt file corrupt")

	UpdateComponent("store", true, "")
}

func TestLivenessAlwaysAnswers(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest("GET", "/livez", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "alive")
}
