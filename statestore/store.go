// Package statestore defines the minimal key/value contract every coordination
// component is built on: read with version, conditional write, prefix list and
// delete. Correctness of task claiming rests entirely on PutIfMatch being
// atomic in the backend.
package statestore

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Version is an opaque token identifying one revision of a key's value.
// Backends choose the representation (ETag, generation number, row version).
type Version string

// NoVersion passed to PutIfMatch means "create only if the key is absent".
const NoVersion Version = ""

// Store is a shared, eventually consistent object store that offers
// read-after-write consistency for a single key and an atomic compare-and-set.
type Store interface {
	// Get returns the current value and its version, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, Version, error)

	// PutIfMatch writes value only if the key's current version equals v,
	// or, when v is NoVersion, only if the key does not exist. On success it
	// returns the new version. A mismatch returns ErrConflict and writes nothing.
	PutIfMatch(ctx context.Context, key string, value []byte, v Version) (Version, error)

	// List returns all keys beginning with prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("statestore: key not found")

	// ErrConflict is returned by PutIfMatch when the version precondition failed.
	ErrConflict = errors.New("statestore: version conflict")
)

// UnavailableError wraps a transient backend fault (network, throttling, 5xx).
// Callers may retry operations that fail with it.
type UnavailableError struct {
	Op  string
	Key string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("statestore: %s %q unavailable: %v", e.Op, e.Key, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Unavailable builds an UnavailableError, returning nil for a nil err.
func Unavailable(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &UnavailableError{Op: op, Key: key, Err: err}
}

// IsUnavailable reports whether err is, or wraps, a transient store fault.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is, or wraps, ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
