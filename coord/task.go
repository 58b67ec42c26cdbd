package coord

import (
	"fmt"
	"strings"
	"time"
)

// TaskState is the closed set of states a task record moves through:
//
//	pending -> claimed -> running -> completed
//	                              \-> failed
//
// No transition skips a state and claimed never returns to pending.
type TaskState string

const (
	Pending   TaskState = "pending"
	Claimed   TaskState = "claimed"
	Running   TaskState = "running"
	Completed TaskState = "completed"
	Failed    TaskState = "failed"
)

// AllStates in lifecycle order.
var AllStates = []TaskState{Pending, Claimed, Running, Completed, Failed}

func (s TaskState) IsTerminal() bool {
	return s == Completed || s == Failed
}

func (s TaskState) Valid() bool {
	switch s {
	case Pending, Claimed, Running, Completed, Failed:
		return true
	}
	return false
}

// ValidTransition is the single source of truth for record state changes.
// Every writer checks it before issuing a conditional write.
func ValidTransition(from, to TaskState) bool {
	switch from {
	case Pending:
		return to == Claimed
	case Claimed:
		return to == Running
	case Running:
		return to == Completed || to == Failed
	case Completed, Failed:
		return false
	}
	return false
}

// ErrorKind classifies why a task ended in Failed.
type ErrorKind string

const (
	KindTaskExecutionFault ErrorKind = "TaskExecutionFault"
	KindSessionExpired     ErrorKind = "SessionExpired"
)

// TaskError is the failure recorded on a task. It is data, returned to
// callers of Collect, and never crashes the worker that recorded it.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// BootstrapPrefix marks the ids of bootstrap records. User task ids are uuids
// and never carry it.
const BootstrapPrefix = "bootstrap-"

// BootstrapTaskID names the bootstrap record written for the i'th launched worker.
func BootstrapTaskID(i int) string {
	return fmt.Sprintf("%s%04d", BootstrapPrefix, i)
}

// IsBootstrapID reports whether id names a bootstrap record.
func IsBootstrapID(id string) bool {
	return strings.HasPrefix(id, BootstrapPrefix)
}

// TaskRecord is the durable status of one unit of work. Ownership is decided
// solely by winning the conditional write that moves it to Claimed.
type TaskRecord struct {
	TaskID     string     `json:"taskId"`
	SessionID  string     `json:"sessionId"`
	State      TaskState  `json:"state"`
	Owner      string     `json:"owner,omitempty"`
	Bootstrap  bool       `json:"bootstrap,omitempty"`
	PayloadRef string     `json:"payloadRef"`
	ResultRef  string     `json:"resultRef,omitempty"`
	Error      *TaskError `json:"error,omitempty"`

	SubmittedAt time.Time  `json:"submittedAt"`
	ClaimedAt   *time.Time `json:"claimedAt,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeatAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// Copy returns a deep copy; records are never mutated in place once read.
func (r *TaskRecord) Copy() *TaskRecord {
	c := *r
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	c.ClaimedAt = copyTime(r.ClaimedAt)
	c.StartedAt = copyTime(r.StartedAt)
	c.HeartbeatAt = copyTime(r.HeartbeatAt)
	c.FinishedAt = copyTime(r.FinishedAt)
	return &c
}

func (r *TaskRecord) String() string {
	return fmt.Sprintf("TaskRecord: TaskID: %s, SessionID: %s, State: %s, Owner: %s, Bootstrap: %t",
		r.TaskID, r.SessionID, r.State, r.Owner, r.Bootstrap)
}

// LastSeen is the latest liveness timestamp the owner wrote.
func (r *TaskRecord) LastSeen() time.Time {
	for _, t := range []*time.Time{r.HeartbeatAt, r.StartedAt, r.ClaimedAt} {
		if t != nil {
			return *t
		}
	}
	return r.SubmittedAt
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// BootstrapPayload is stored as the payload of every bootstrap record.
type BootstrapPayload struct {
	SessionID   string `json:"sessionId"`
	WorkerIndex int    `json:"workerIndex"`
}
