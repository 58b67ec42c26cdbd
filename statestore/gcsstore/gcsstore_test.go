package gcsstore

import (
	"context"
	"fmt"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"

	"github.com/twitter/corral/statestore"
)

func TestClassify(t *testing.T) {
	assert.Nil(t, classify("get", "k", nil))
	assert.True(t, statestore.IsNotFound(classify("get", "k", storage.ErrObjectNotExist)))
	assert.True(t, statestore.IsNotFound(classify("get", "k", fmt.Errorf("wrapped: %w", storage.ErrObjectNotExist))))
	assert.True(t, statestore.IsConflict(classify("put", "k", &googleapi.Error{Code: 412})))
	assert.True(t, statestore.IsUnavailable(classify("put", "k", &googleapi.Error{Code: 503})))
	assert.True(t, statestore.IsUnavailable(classify("put", "k", &googleapi.Error{Code: 429})))
	other := classify("put", "k", &googleapi.Error{Code: 403})
	assert.False(t, statestore.IsUnavailable(other))
	assert.False(t, statestore.IsConflict(other))
}

func TestKeyMapping(t *testing.T) {
	s := &Store{prefix: "corral"}
	assert.Equal(t, "corral/sessions/x/manifest", s.objectName("sessions/x/manifest"))
	assert.Equal(t, "sessions/x/manifest", s.storeKey("corral/sessions/x/manifest"))
	assert.Equal(t, statestore.Version("42"), versionOf(42))
}

func TestPutRejectsForeignVersion(t *testing.T) {
	s := &Store{}
	_, err := s.PutIfMatch(context.Background(), "k", []byte("v"), statestore.Version(`"etag"`))
	assert.True(t, statestore.IsConflict(err))
}
