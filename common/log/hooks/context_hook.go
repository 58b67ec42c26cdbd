package hooks

import (
	"runtime/debug"
	"strings"

	log "github.com/sirupsen/logrus"
)

// contextHook tags every entry with the file:line of the caller that logged it.
type contextHook struct {
	trimPrefix string
}

// NewContextHook returns a hook that records the logging call site relative to the corral tree.
func NewContextHook() log.Hook {
	return contextHook{trimPrefix: "corral/"}
}

func (hook contextHook) Levels() []log.Level {
	return log.AllLevels
}

func (hook contextHook) Fire(entry *log.Entry) error {
	if loc := callSite(string(debug.Stack()), hook.trimPrefix); loc != "" {
		entry.Data["file:line"] = loc
	}
	return nil
}

// callSite walks a goroutine stack dump and returns the first source location
// below logrus itself. Stack dumps alternate function lines with tab-indented
// file:line lines.
func callSite(stack, trimPrefix string) string {
	lines := strings.Split(stack, "\n")
	for i := 1; i < len(lines); i += 1 {
		line := lines[i]
		if !strings.HasPrefix(line, "\t") {
			continue
		}
		if strings.Contains(line, "/sirupsen/logrus/") ||
			strings.Contains(line, "context_hook.go:") ||
			strings.Contains(line, "runtime/debug/") {
			continue
		}
		ctx := strings.Split(strings.TrimSpace(line), trimPrefix)
		loc := ctx[len(ctx)-1]
		// drop the " +0x1f" program counter suffix
		if idx := strings.Index(loc, " +0x"); idx > 0 {
			loc = loc[:idx]
		}
		return loc
	}
	return ""
}
