package scheduler

import (
	"github.com/google/uuid"

	"github.com/cuemby/hutch/pkg/types"
)

// bucketKey groups tasks that may share a work-set. Non-colocated tasks
// carry a unique discriminator so they never merge.
type bucketKey struct {
	jobID    uuid.UUID
	poolName string
	os       types.OS
	setup    string
	unique   uuid.UUID
}

// bucket is an ordered group of schedulable tasks bound for one pool.
type bucket struct {
	key   bucketKey
	tasks []*types.Task
}

// bucketTasks groups ready tasks, preserving their selection order both
// across buckets and within each bucket.
func bucketTasks(tasks []*types.Task) []*bucket {
	var order []*bucket
	index := map[bucketKey]*bucket{}
	for _, task := range tasks {
		key := bucketKey{
			jobID:    task.JobID,
			poolName: task.Config.Pool.PoolName,
			os:       task.OS,
		}
		if setup, ok := task.Config.ContainerByType(types.ContainerTypeSetup); ok {
			key.setup = setup.Name
		}
		if !task.Config.Colocate {
			key.unique = uuid.New()
		}

		b, ok := index[key]
		if !ok {
			b = &bucket{key: key}
			index[key] = b
			order = append(order, b)
		}
		b.tasks = append(b.tasks, task)
	}
	return order
}

// packGroups splits a bucket into work-set sized groups, packing
// consecutive tasks while the summed vm counts fit the limit. A single
// task over the limit still ships alone.
func packGroups(tasks []*types.Task, limit int) [][]*types.Task {
	var groups [][]*types.Task
	var cur []*types.Task
	total := 0
	for _, task := range tasks {
		count := task.Config.Pool.Count
		if count < 1 {
			count = 1
		}
		if len(cur) > 0 && total+count > limit {
			groups = append(groups, cur)
			cur, total = nil, 0
		}
		cur = append(cur, task)
		total += count
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}
