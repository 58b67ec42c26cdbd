package memory

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/twitter/corral/statestore"
	"github.com/twitter/corral/statestore/storetest"
)

func TestConformance(t *testing.T) {
	storetest.RunConformance(t, func(t *testing.T) statestore.Store { return NewStore() })
}

func TestInjectedFault(t *testing.T) {
	s := NewStore()
	s.InjectFault(func(op, key string) error {
		if op == "get" {
			return errors.New("connection reset")
		}
		return nil
	})
	_, err := s.PutIfMatch(context.Background(), "k", []byte("v"), statestore.NoVersion)
	assert.NoError(t, err)
	_, _, err = s.Get(context.Background(), "k")
	assert.True(t, statestore.IsUnavailable(err))

	s.InjectFault(nil)
	_, _, err = s.Get(context.Background(), "k")
	assert.NoError(t, err)
	assert.Equal(t, 1, s.Len())
}
