package coord

import (
	"fmt"
	"time"
)

// CurrentSchemaVersion is written into every new manifest.
const CurrentSchemaVersion = 1

// WorkerSpec describes what a launcher should start for one worker. Launchers
// read the fields that apply to them and ignore the rest.
type WorkerSpec struct {
	Image         string            `json:"image,omitempty"`
	Command       []string          `json:"command,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	InstanceType  string            `json:"instanceType,omitempty"`
	Region        string            `json:"region,omitempty"`
	ResourceClass string            `json:"resourceClass,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	// Session-wide index of the first worker of a launch. Worker i of the
	// launch gets FirstIndex+i.
	FirstIndex int `json:"firstIndex,omitempty"`
}

// WorkerHandle identifies one launched worker so it can be stopped later,
// possibly by a different process that reattached to the session.
type WorkerHandle struct {
	Launcher string `json:"launcher"`
	ID       string `json:"id"`
	Index    int    `json:"index"`
}

// BackendConfig holds enough to rebuild a session manager from the session id alone.
type BackendConfig struct {
	Launcher string     `json:"launcher"`
	Workers  int        `json:"workers"`
	Spec     WorkerSpec `json:"spec"`
}

// ManifestCounters are advisory totals kept by session managers.
type ManifestCounters struct {
	Submitted int `json:"submitted"`
	Launched  int `json:"launched"`
}

// Manifest is the session record. It is readable independently of task
// records and is only ever changed through UpdateManifest.
type Manifest struct {
	SchemaVersion int              `json:"schemaVersion"`
	SessionID     string           `json:"sessionId"`
	CreatedAt     time.Time        `json:"createdAt"`
	ExpiresAt     time.Time        `json:"expiresAt"`
	Backend       BackendConfig    `json:"backend"`
	Terminated    bool             `json:"terminated"`
	TerminatedAt  *time.Time       `json:"terminatedAt,omitempty"`
	Counters      ManifestCounters `json:"counters"`
	WorkerHandles []WorkerHandle   `json:"workerHandles,omitempty"`
}

// Expired reports whether the session's absolute timeout has passed at now.
func (m *Manifest) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

func (m *Manifest) String() string {
	return fmt.Sprintf("Manifest: SessionID: %s, CreatedAt: %s, ExpiresAt: %s, Launcher: %s, Workers: %d, Terminated: %t, Submitted: %d",
		m.SessionID, m.CreatedAt.Format(time.RFC3339), m.ExpiresAt.Format(time.RFC3339),
		m.Backend.Launcher, m.Backend.Workers, m.Terminated, m.Counters.Submitted)
}
