package types

import (
	"time"

	"github.com/google/uuid"
)

// WorkUnit is one task's slice of a WorkSet: everything an agent needs to set
// up and run the task.
type WorkUnit struct {
	JobID  uuid.UUID `json:"job_id"`
	TaskID uuid.UUID `json:"task_id"`
	Type   TaskType  `json:"task_type"`
	// Config is the agent-facing task configuration, serialized so that the
	// control plane never has to re-derive it after dispatch.
	Config string `json:"config"`
}

// WorkSet is one unit of dispatch: one or more colocated tasks pulled by a
// single node from the pool queue.
type WorkSet struct {
	Reboot    bool       `json:"reboot"`
	SetupURL  string     `json:"setup_url"`
	Script    bool       `json:"script"`
	WorkUnits []WorkUnit `json:"work_units"`
}

// TaskIDs returns the task ids contained in the work-set.
func (w *WorkSet) TaskIDs() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(w.WorkUnits))
	for _, u := range w.WorkUnits {
		out = append(out, u.TaskID)
	}
	return out
}

// StoredWorkSet is the dispatch record a pool-queue envelope points at. The
// queue message carries only the reference; the record carries the work.
type StoredWorkSet struct {
	Meta
	WorkSetID uuid.UUID `json:"work_set_id"`
	PoolName  string    `json:"pool_name"`
	WorkSet   WorkSet   `json:"work_set"`
	CreatedAt time.Time `json:"created_at"`
}

func (w *StoredWorkSet) Kind() Kind { return KindWorkSet }

func (w *StoredWorkSet) Keys() (string, string) {
	return w.PoolName, w.WorkSetID.String()
}

// WorkSetRef is the pool-queue envelope referencing a stored work-set.
type WorkSetRef struct {
	WorkSetID uuid.UUID `json:"work_set_id"`
	PoolName  string    `json:"pool_name"`
}
