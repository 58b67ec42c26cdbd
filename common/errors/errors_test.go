package errors

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestNilError(t *testing.T) {
	assert.Nil(t, NewError(nil, SessionExpiredExitCode))
	var e *ExitCodeError
	assert.Equal(t, ExitCode(0), e.GetExitCode())
	assert.Equal(t, ExitCode(0), ExitCodeOf(nil))
}

func TestExitCodeOfWrapped(t *testing.T) {
	base := NewError(errors.New("store down"), StoreUnavailableExitCode)
	wrapped := errors.Wrap(base, "reading manifest")
	assert.Equal(t, StoreUnavailableExitCode, ExitCodeOf(wrapped))
	assert.Equal(t, GenericFailureExitCode, ExitCodeOf(errors.New("plain")))
}
