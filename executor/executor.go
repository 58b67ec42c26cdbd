//go:generate mockgen -source=executor.go -package=executor -destination=executor_mock.go

// Package executor runs the payload of one task. The agent treats execution
// as opaque: it hands over the payload bytes and stores whatever comes back.
package executor

import (
	"context"
)

// Executor runs one task payload and returns its result bytes. A returned
// error is recorded on the task as a TaskExecutionFault.
type Executor interface {
	Execute(ctx context.Context, payload []byte) ([]byte, error)
}

// Func adapts an ordinary function to Executor.
type Func func(ctx context.Context, payload []byte) ([]byte, error)

func (f Func) Execute(ctx context.Context, payload []byte) ([]byte, error) {
	return f(ctx, payload)
}
