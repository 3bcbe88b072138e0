package types

// ErrorCode is the stable wire identifier for a control-plane failure. Codes
// are part of the public API and never change meaning.
type ErrorCode string

const (
	// ErrorInvalidRequest flags malformed or semantically invalid input.
	ErrorInvalidRequest ErrorCode = "INVALID_REQUEST"
	// ErrorUnableToFind flags a missing referent.
	ErrorUnableToFind ErrorCode = "UNABLE_TO_FIND"
	// ErrorInvalidJob flags a job in the wrong state for the operation.
	ErrorInvalidJob ErrorCode = "INVALID_JOB"
	// ErrorInvalidContainer flags a container reference of the wrong kind
	// or state.
	ErrorInvalidContainer ErrorCode = "INVALID_CONTAINER"
	// ErrorUnableToCreate flags failed downstream provisioning.
	ErrorUnableToCreate ErrorCode = "UNABLE_TO_CREATE"
	// ErrorUnableToCreateContainer flags failed container provisioning.
	ErrorUnableToCreateContainer ErrorCode = "UNABLE_TO_CREATE_CONTAINER"
	// ErrorUnableToAddTaskToJob flags a job whose state forbids new tasks.
	ErrorUnableToAddTaskToJob ErrorCode = "UNABLE_TO_ADD_TASK_TO_JOB"
	// ErrorUnableToUpdate flags an optimistic-concurrency or invariant
	// violation.
	ErrorUnableToUpdate ErrorCode = "UNABLE_TO_UPDATE"
	// ErrorTaskFailed carries an agent-reported task failure.
	ErrorTaskFailed ErrorCode = "TASK_FAILED"
	// ErrorTaskCancelled carries an agent-reported task cancellation.
	ErrorTaskCancelled ErrorCode = "TASK_CANCELLED"
	// ErrorNotificationFailure flags a downstream notifier rejecting a
	// payload.
	ErrorNotificationFailure ErrorCode = "NOTIFICATION_FAILURE"
	// ErrorTimeout flags a missed heartbeat deadline.
	ErrorTimeout ErrorCode = "TIMEOUT"
	// ErrorProxyFailed carries a proxy provisioning or liveness failure.
	ErrorProxyFailed ErrorCode = "PROXY_FAILED"
)

// NewTaskError builds a TaskError from a code and messages.
func NewTaskError(code ErrorCode, msgs ...string) *TaskError {
	return &TaskError{Code: code, Errors: msgs}
}
