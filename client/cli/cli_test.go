package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corralerrors "github.com/twitter/corral/common/errors"
	"github.com/twitter/corral/coord"
	"github.com/twitter/corral/session"
	"github.com/twitter/corral/statestore/filestore"
)

// writeConfig returns a config file coordinating through a file store in a
// temp dir, launching nothing.
func writeConfig(t *testing.T) (string, string) {
	dir := t.TempDir()
	storeDir := filepath.Join(dir, "store")
	path := filepath.Join(dir, "corral.json")
	cfg := fmt.Sprintf(`{
 "Store": {"Type": "file", "Directory": %q},
 "Launcher": {"Type": "noop"},
 "Quota": {"Type": "static", "Static": 2},
 "Session": {"PollInterval": "10ms"}
}`, storeDir)
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0644))
	return path, storeDir
}

func run(t *testing.T, args ...string) (string, error) {
	cl, err := NewCorralCLIClient()
	require.NoError(t, err)
	c := cl.(*CorralCLIClient)
	out := &bytes.Buffer{}
	c.RootCmd.SetOut(out)
	c.RootCmd.SetErr(io.Discard)
	c.RootCmd.SetArgs(args)
	err = c.Exec()
	return out.String(), err
}

func TestSessionLifecycle(t *testing.T) {
	cfg, storeDir := writeConfig(t)

	out, err := run(t, "create-session", "--config", cfg, "--workers", "2", "--timeout", "1h")
	require.NoError(t, err)
	sid := strings.TrimSpace(out)
	require.NoError(t, coord.ValidateID("session", sid))

	out, err = run(t, "submit-task", sid, "--config", cfg, "--", "echo", "hi")
	require.NoError(t, err)
	cmdTask := strings.TrimSpace(out)
	out, err = run(t, "submit-task", sid, "--config", cfg, "--payload", "raw")
	require.NoError(t, err)
	rawTask := strings.TrimSpace(out)
	assert.NotEqual(t, cmdTask, rawTask)

	_, err = run(t, "submit-task", sid, "--config", cfg)
	assert.Equal(t, corralerrors.UsageFailureExitCode, corralerrors.ExitCodeOf(err))

	out, err = run(t, "session-status", sid, "--config", cfg, "--json")
	require.NoError(t, err)
	var st session.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 2, st.Pending)
	assert.Equal(t, 0, st.WorkersJoined)

	// finish the raw task the way a worker would
	store, err := filestore.MakeFileStore(storeDir)
	require.NoError(t, err)
	proto := coord.NewProtocol(store, nil, nil)
	ctx := context.Background()
	lease, err := proto.Claim(ctx, sid, rawTask, "w1")
	require.NoError(t, err)
	require.NoError(t, proto.StartRun(ctx, lease))
	require.NoError(t, proto.Complete(ctx, lease, []byte("out")))

	out, err = run(t, "collect-results", sid, "--config", cfg, "--json")
	require.NoError(t, err)
	var results []resultView
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)
	assert.Equal(t, resultView{TaskID: rawTask, Value: "out"}, results[0])

	out, err = run(t, "collect-results", sid, "--config", cfg, "--wait", "--timeout", "50ms")
	assert.Equal(t, corralerrors.CollectTimeoutExitCode, corralerrors.ExitCodeOf(err))
	assert.Contains(t, out, rawTask+"\tok\tout")

	_, err = run(t, "extend-session", sid, "--config", cfg, "--by", "2h")
	require.NoError(t, err)

	out, err = run(t, "list-sessions", "--config", cfg, "--json")
	require.NoError(t, err)
	var summaries []session.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, sid, summaries[0].SessionID)
	assert.Equal(t, 2, summaries[0].Submitted)
	assert.False(t, summaries[0].Terminated)

	_, err = run(t, "cleanup-session", sid, "--config", cfg, "--delete")
	require.NoError(t, err)
	_, err = run(t, "session-status", sid, "--config", cfg)
	assert.Equal(t, corralerrors.SessionNotFoundExitCode, corralerrors.ExitCodeOf(err))
}

func TestSubmitToTerminatedSession(t *testing.T) {
	cfg, _ := writeConfig(t)
	out, err := run(t, "create-session", "--config", cfg, "--workers", "0")
	require.NoError(t, err)
	sid := strings.TrimSpace(out)
	_, err = run(t, "cleanup-session", sid, "--config", cfg)
	require.NoError(t, err)
	_, err = run(t, "submit-task", sid, "--config", cfg, "--payload", "late")
	assert.Equal(t, corralerrors.SessionTerminatedExitCode, corralerrors.ExitCodeOf(err))
}

func TestBadInvocations(t *testing.T) {
	cfg, _ := writeConfig(t)

	_, err := run(t, "session-status", "--config", "no.such.preset", "abc")
	assert.Equal(t, corralerrors.ConfigFailureExitCode, corralerrors.ExitCodeOf(err))

	_, err = run(t, "session-status", "--config", cfg, "--log_level", "chatty", "abc")
	assert.Equal(t, corralerrors.UsageFailureExitCode, corralerrors.ExitCodeOf(err))

	_, err = run(t, "session-status", "--config", cfg)
	assert.Equal(t, corralerrors.UsageFailureExitCode, corralerrors.ExitCodeOf(err))

	_, err = run(t, "session-status", "--config", cfg, "missing-session")
	assert.Equal(t, corralerrors.SessionNotFoundExitCode, corralerrors.ExitCodeOf(err))

	_, err = run(t, "run-waves", "--config", cfg)
	assert.Equal(t, corralerrors.UsageFailureExitCode, corralerrors.ExitCodeOf(err))
}

func TestRunWavesInProcess(t *testing.T) {
	cfg, _ := writeConfig(t)
	file := filepath.Join(t.TempDir(), "commands.txt")
	require.NoError(t, os.WriteFile(file, []byte(`# three items, two per wave
echo a
{"argv": ["sh", "-c", "echo oops >&2; exit 3"]}

echo b
`), 0644))

	out, err := run(t, "run-waves", "--config", cfg, "--file", file, "--json")
	require.NoError(t, err)
	var views []outcomeView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 3)
	assert.Equal(t, outcomeView{Index: 0, Wave: 0, Value: "a\n"}, views[0])
	assert.Equal(t, 0, views[1].Wave)
	assert.Contains(t, views[1].Error, "command exited 3")
	assert.Contains(t, views[1].Error, "oops")
	assert.Equal(t, outcomeView{Index: 2, Wave: 1, Value: "b\n"}, views[2])
}

func TestReadCommands(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.txt")
	require.NoError(t, os.WriteFile(bad, []byte("echo ok\n{not json\n"), 0644))
	_, err := readCommands(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.txt:2")

	empty := filepath.Join(dir, "empty.txt")
	require.NoError(t, os.WriteFile(empty, []byte(`{"argv": []}`), 0644))
	_, err = readCommands(empty)
	assert.Error(t, err)
}
