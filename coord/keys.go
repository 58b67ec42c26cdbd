package coord

import (
	"path"
	"strings"

	"github.com/pkg/errors"
)

// Store layout:
//
//	sessions/{session}/manifest
//	sessions/{session}/tasks/{task}/status
//	sessions/{session}/tasks/{task}/payload
//	sessions/{session}/tasks/{task}/result
const (
	SessionsPrefix = "sessions/"
	manifestName   = "manifest"
	tasksDir       = "tasks"
	statusName     = "status"
	payloadName    = "payload"
	resultName     = "result"
)

func SessionPrefix(sessionID string) string {
	return SessionsPrefix + sessionID + "/"
}

func ManifestKey(sessionID string) string {
	return path.Join(SessionsPrefix, sessionID, manifestName)
}

func TasksPrefix(sessionID string) string {
	return path.Join(SessionsPrefix, sessionID, tasksDir) + "/"
}

func StatusKey(sessionID, taskID string) string {
	return path.Join(SessionsPrefix, sessionID, tasksDir, taskID, statusName)
}

func PayloadKey(sessionID, taskID string) string {
	return path.Join(SessionsPrefix, sessionID, tasksDir, taskID, payloadName)
}

func ResultKey(sessionID, taskID string) string {
	return path.Join(SessionsPrefix, sessionID, tasksDir, taskID, resultName)
}

// taskIDFromStatusKey extracts the task id from a status key under prefix.
func taskIDFromStatusKey(prefix, key string) (string, bool) {
	rest := strings.TrimPrefix(key, prefix)
	if rest == key || !strings.HasSuffix(rest, "/"+statusName) {
		return "", false
	}
	id := strings.TrimSuffix(rest, "/"+statusName)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// sessionIDFromManifestKey extracts the session id from a manifest key.
func sessionIDFromManifestKey(key string) (string, bool) {
	rest := strings.TrimPrefix(key, SessionsPrefix)
	if rest == key || !strings.HasSuffix(rest, "/"+manifestName) {
		return "", false
	}
	id := strings.TrimSuffix(rest, "/"+manifestName)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// ValidateID rejects ids that would escape their place in the key layout.
func ValidateID(kind, id string) error {
	if id == "" || strings.ContainsAny(id, "/\\") || id == "." || id == ".." || strings.HasPrefix(id, ".") {
		return errors.Errorf("invalid %s id %q", kind, id)
	}
	return nil
}
