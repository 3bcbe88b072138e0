package scheduler

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cuemby/hutch/pkg/blob"
	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/queue"
	"github.com/cuemby/hutch/pkg/registry"
	"github.com/cuemby/hutch/pkg/security"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// Scheduler buckets ready tasks into work-sets and dispatches them onto
// pool queues.
type Scheduler struct {
	registry *registry.Registry
	queues   *queue.Queues
	blobs    *blob.Store
	signer   *security.Signer
	broker   *events.Broker
	baseURL  string
	now      func() time.Time
}

// New creates a scheduler. baseURL is the externally reachable address
// baked into the signed queue and container handles agents receive.
func New(reg *registry.Registry, queues *queue.Queues, blobs *blob.Store, signer *security.Signer, broker *events.Broker, baseURL string) *Scheduler {
	return &Scheduler{
		registry: reg,
		queues:   queues,
		blobs:    blobs,
		signer:   signer,
		broker:   broker,
		baseURL:  baseURL,
		now:      time.Now,
	}
}

// Schedule runs one scheduling cycle. Dispatch failures are logged per
// work-set and do not stop the cycle.
func (s *Scheduler) Schedule(ctx context.Context) error {
	ready, err := s.selectReady()
	if err != nil {
		return err
	}
	if len(ready) == 0 {
		return nil
	}

	pools := map[string]*types.Pool{}
	for _, b := range bucketTasks(ready) {
		if err := ctx.Err(); err != nil {
			return err
		}
		pool, err := s.resolvePool(pools, b.key.poolName)
		if err != nil {
			return err
		}
		if pool == nil {
			log.WithPool(b.key.poolName).Info().Msg("no such pool for waiting tasks")
			continue
		}
		if !pool.State.Available() {
			continue
		}
		for _, group := range packGroups(b.tasks, pool.WorksetLimit()) {
			if err := s.dispatch(pool, group); err != nil {
				log.WithPool(pool.Name).Error().Err(err).Msg("work-set dispatch failed")
			}
		}
	}
	return nil
}

// selectReady returns Waiting tasks whose job accepts work and whose
// prerequisites are all satisfied, oldest first.
func (s *Scheduler) selectReady() ([]*types.Task, error) {
	waiting, err := s.registry.Tasks.SearchStates(types.TaskStateWaiting)
	if err != nil {
		return nil, err
	}
	sort.Slice(waiting, func(i, j int) bool {
		return waiting[i].CreatedAt.Before(waiting[j].CreatedAt)
	})

	jobs := map[uuid.UUID]*types.Job{}
	ready := make([]*types.Task, 0, len(waiting))
	for _, task := range waiting {
		job, seen := jobs[task.JobID]
		if !seen {
			job, err = s.lookupJob(task.JobID)
			if err != nil {
				return nil, err
			}
			jobs[task.JobID] = job
		}
		if job == nil {
			s.failTask(task, types.NewTaskError(types.ErrorUnableToFind, "job not found: "+task.JobID.String()))
			continue
		}
		if !job.State.Available() {
			continue
		}

		ok, err := s.prereqsReady(task)
		if err != nil {
			return nil, err
		}
		if ok {
			ready = append(ready, task)
		}
	}
	return ready, nil
}

// lookupJob fetches a job, mapping absence to nil.
func (s *Scheduler) lookupJob(jobID uuid.UUID) (*types.Job, error) {
	job, err := s.registry.Jobs.Get(jobID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

// prereqsReady reports whether every prerequisite is Running or finished
// cleanly. A missing or failed prerequisite fails the task instead of
// holding it in Waiting forever.
func (s *Scheduler) prereqsReady(task *types.Task) (bool, error) {
	for _, prereqID := range task.Config.PrereqTasks {
		prereq, err := s.registry.Tasks.Get(task.JobID, prereqID)
		if err != nil {
			if storage.IsNotFound(err) {
				s.failTask(task, types.NewTaskError(types.ErrorUnableToFind, "prerequisite task not found: "+prereqID.String()))
				return false, nil
			}
			return false, err
		}
		switch {
		case prereq.State == types.TaskStateRunning:
		case prereq.State == types.TaskStateStopped && prereq.Error == nil:
		case prereq.State == types.TaskStateStopped:
			s.failTask(task, types.NewTaskError(types.ErrorTaskFailed, "prerequisite task failed: "+prereqID.String()))
			return false, nil
		default:
			return false, nil
		}
	}
	return true, nil
}

// resolvePool caches pool lookups for one cycle. A missing pool is cached
// as nil so each name is fetched once.
func (s *Scheduler) resolvePool(cache map[string]*types.Pool, name string) (*types.Pool, error) {
	if pool, seen := cache[name]; seen {
		return pool, nil
	}
	pool, err := s.registry.Pools.GetByName(name)
	if err != nil {
		if storage.IsNotFound(err) {
			cache[name] = nil
			return nil, nil
		}
		return nil, err
	}
	cache[name] = pool
	return pool, nil
}

// dispatch ships one group of tasks as a work-set. Members transition to
// Scheduled first so a version conflict abandons the group before the
// record or the queue envelope exists.
func (s *Scheduler) dispatch(pool *types.Pool, group []*types.Task) error {
	now := s.now().UTC()
	workSet, members, err := s.buildWorkSet(pool, group, now)
	if err != nil || len(members) == 0 {
		return err
	}

	workSetID := uuid.New()
	ref, err := json.Marshal(types.WorkSetRef{WorkSetID: workSetID, PoolName: pool.Name})
	if err != nil {
		return errors.Wrap(err, "marshal work-set reference")
	}

	// The job may have stopped between selection and now; its tasks will
	// be handled by the task processor's shutdown path.
	job, err := s.lookupJob(members[0].JobID)
	if err != nil {
		return err
	}
	if job == nil || !job.State.Available() {
		return nil
	}

	moved := make([]*types.Task, 0, len(members))
	for _, task := range members {
		task.State = types.TaskStateScheduled
		if err := s.registry.Tasks.Save(task); err != nil {
			s.rollback(moved)
			if storage.IsVersionConflict(err) {
				log.WithTaskID(task.TaskID).Info().Msg("task changed under scheduler, abandoning work-set")
				return nil
			}
			return err
		}
		moved = append(moved, task)
	}

	stored := &types.StoredWorkSet{
		WorkSetID: workSetID,
		PoolName:  pool.Name,
		WorkSet:   workSet,
		CreatedAt: now,
	}
	if err := s.registry.WorkSets.Create(stored); err != nil {
		s.rollback(moved)
		return err
	}
	if err := s.queues.Push(pool.QueueName(), ref); err != nil {
		_ = s.registry.WorkSets.Delete(pool.Name, workSetID)
		s.rollback(moved)
		return errors.Wrapf(err, "enqueue work-set %s", workSetID)
	}

	for _, task := range moved {
		s.broker.Publish(events.TaskStateUpdated{
			JobID:   task.JobID,
			TaskID:  task.TaskID,
			State:   task.State,
			EndTime: task.EndTime,
			Config:  task.Config,
		})
	}
	log.WithPool(pool.Name).Info().
		Str("work_set_id", workSetID.String()).
		Int("tasks", len(moved)).
		Msg("work-set dispatched")
	return nil
}

// rollback returns already-moved members to Waiting after an abandoned
// dispatch. Tasks stuck in Scheduled by a rollback failure are recovered
// by the heartbeat timeout.
func (s *Scheduler) rollback(moved []*types.Task) {
	for _, task := range moved {
		task.State = types.TaskStateWaiting
		if err := s.registry.Tasks.Save(task); err != nil {
			log.WithTaskID(task.TaskID).Error().Err(err).Msg("could not return task to waiting")
		}
	}
}

// failTask stops a task that can never be scheduled.
func (s *Scheduler) failTask(task *types.Task, taskErr *types.TaskError) {
	if task.State.ShuttingDown() {
		return
	}
	task.Error = taskErr
	task.State = types.TaskStateStopping
	if err := s.registry.Tasks.Save(task); err != nil {
		log.WithTaskID(task.TaskID).Warn().Err(err).Msg("could not mark task failed")
		return
	}
	// The task processor publishes the terminal TaskFailed event once the
	// task reaches Stopped.
	s.broker.Publish(events.TaskStateUpdated{
		JobID:   task.JobID,
		TaskID:  task.TaskID,
		State:   task.State,
		EndTime: task.EndTime,
		Config:  task.Config,
	})
	log.WithTaskID(task.TaskID).Info().Str("code", string(taskErr.Code)).Msg("task failed before dispatch")
}
