package hooks

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const sampleStack = `goroutine 1 [running]:
runtime/debug.Stack()
	/usr/local/go/src/runtime/debug/stack.go:24 +0x5e
github.com/twitter/corral/common/log/hooks.contextHook.Fire(...)
	/src/github.com/twitter/corral/common/log/hooks/context_hook.go:26 +0x25
github.com/sirupsen/logrus.LevelHooks.Fire(...)
	/go/pkg/mod/github.com/sirupsen/logrus@v1.9.3/hooks.go:28 +0x8f
github.com/twitter/corral/worker.(*Agent).step(...)
	/src/github.com/twitter/corral/worker/agent.go:211 +0x1a4
`

func TestCallSite(t *testing.T) {
	assert.Equal(t, "worker/agent.go:211", callSite(sampleStack, "corral/"))
	assert.Equal(t, "", callSite("goroutine 1 [running]:\n", "corral/"))
}
