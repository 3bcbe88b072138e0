package metrics

import (
	"strings"
	"time"

	"github.com/cuemby/hutch/pkg/queue"
	"github.com/cuemby/hutch/pkg/registry"
	"github.com/cuemby/hutch/pkg/types"
)

// Collector periodically snapshots entity and queue gauges from the record
// store.
type Collector struct {
	registry *registry.Registry
	queues   *queue.Queues
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector over the shared stores.
func NewCollector(reg *registry.Registry, queues *queue.Queues) *Collector {
	return &Collector{
		registry: reg,
		queues:   queues,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting in the background.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect takes one snapshot. Exposed so a driver can force a refresh.
func (c *Collector) Collect() {
	c.collectJobs()
	c.collectTasks()
	c.collectPools()
	c.collectScalesets()
	c.collectNodes()
	c.collectQueues()
}

func (c *Collector) collectJobs() {
	jobs, err := c.registry.Jobs.SearchStates()
	if err != nil {
		return
	}
	counts := make(map[types.JobState]int)
	for _, j := range jobs {
		counts[j.State]++
	}
	JobsTotal.Reset()
	for state, n := range counts {
		JobsTotal.WithLabelValues(string(state)).Set(float64(n))
	}
}

func (c *Collector) collectTasks() {
	tasks, err := c.registry.Tasks.SearchStates()
	if err != nil {
		return
	}
	counts := make(map[types.TaskState]int)
	for _, t := range tasks {
		counts[t.State]++
	}
	TasksTotal.Reset()
	for state, n := range counts {
		TasksTotal.WithLabelValues(string(state)).Set(float64(n))
	}
}

func (c *Collector) collectPools() {
	pools, err := c.registry.Pools.SearchStates()
	if err != nil {
		return
	}
	counts := make(map[types.PoolState]int)
	for _, p := range pools {
		counts[p.State]++
	}
	PoolsTotal.Reset()
	for state, n := range counts {
		PoolsTotal.WithLabelValues(string(state)).Set(float64(n))
	}
}

func (c *Collector) collectScalesets() {
	scalesets, err := c.registry.Scalesets.SearchStates()
	if err != nil {
		return
	}
	counts := make(map[types.ScalesetState]int)
	for _, s := range scalesets {
		counts[s.State]++
	}
	ScalesetsTotal.Reset()
	for state, n := range counts {
		ScalesetsTotal.WithLabelValues(string(state)).Set(float64(n))
	}
}

func (c *Collector) collectNodes() {
	nodes, err := c.registry.Nodes.SearchStates()
	if err != nil {
		return
	}
	type key struct {
		pool  string
		state types.NodeState
	}
	counts := make(map[key]int)
	for _, n := range nodes {
		counts[key{n.PoolName, n.State}]++
	}
	NodesTotal.Reset()
	for k, n := range counts {
		NodesTotal.WithLabelValues(k.pool, string(k.state)).Set(float64(n))
	}
}

// collectQueues reports depth for the reserved queues and the per-pool
// dispatch queues. Per-task queues are skipped to keep label cardinality
// bounded.
func (c *Collector) collectQueues() {
	names, err := c.queues.Names()
	if err != nil {
		return
	}
	reserved := make(map[string]bool)
	for _, name := range types.ReservedQueues() {
		reserved[name] = true
	}

	QueueDepth.Reset()
	for _, name := range names {
		if !reserved[name] && !strings.HasPrefix(name, "pool-") {
			continue
		}
		depth, err := c.queues.Len(name)
		if err != nil {
			continue
		}
		QueueDepth.WithLabelValues(name).Set(float64(depth))
	}
}
