package types

import (
	"time"

	"github.com/google/uuid"
)

// JobState represents the lifecycle state of a Job.
type JobState string

const (
	JobStateInit     JobState = "init"
	JobStateEnabled  JobState = "enabled"
	JobStateStopping JobState = "stopping"
	JobStateStopped  JobState = "stopped"
)

// JobStatesAvailable are the states in which a Job accepts new Tasks.
func JobStatesAvailable() []JobState {
	return []JobState{JobStateInit, JobStateEnabled}
}

// JobStatesNeedsWork are the non-terminal states the job processor advances.
func JobStatesNeedsWork() []JobState {
	return []JobState{JobStateInit, JobStateEnabled, JobStateStopping}
}

// Available reports whether the Job accepts new Tasks.
func (s JobState) Available() bool {
	return s == JobStateInit || s == JobStateEnabled
}

// ShuttingDown reports whether the Job is in the shutdown subset.
func (s JobState) ShuttingDown() bool {
	return s == JobStateStopping || s == JobStateStopped
}

// UserInfo stamps an entity with the identity that created it. Scrubbed by
// the retention timer after the PII window elapses.
type UserInfo struct {
	ApplicationID *uuid.UUID `json:"application_id,omitempty"`
	ObjectID      *uuid.UUID `json:"object_id,omitempty"`
	UPN           *string    `json:"upn,omitempty"`
}

// JobConfig is the user-supplied portion of a Job.
type JobConfig struct {
	Project  string `json:"project"`
	Name     string `json:"name"`
	Build    string `json:"build"`
	Duration int    `json:"duration"` // hours
	Logs     string `json:"logs,omitempty"`
}

// Job groups Tasks under a shared duration and labeling.
type Job struct {
	Meta
	JobID     uuid.UUID  `json:"job_id"`
	State     JobState   `json:"state"`
	Config    JobConfig  `json:"config"`
	Error     *string    `json:"error,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UserInfo  *UserInfo  `json:"user_info,omitempty"`
}

func (j *Job) Kind() Kind { return KindJob }

func (j *Job) Keys() (string, string) { return j.JobID.String(), j.JobID.String() }

// Expired reports whether the job duration has elapsed.
func (j *Job) Expired(now time.Time) bool {
	return j.EndTime != nil && now.After(*j.EndTime)
}
