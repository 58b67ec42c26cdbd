// Package memory is an in-process statestore.Store. It is safe for concurrent
// use and is what tests and single-process sessions run against.
package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/twitter/corral/statestore"
)

type entry struct {
	value   []byte
	version statestore.Version
}

// Store keeps every key in a map guarded by one mutex. Versions come from a
// store-wide counter so a deleted and recreated key never reuses a version.
type Store struct {
	mu      sync.Mutex
	data    map[string]entry
	counter uint64
	fault   func(op, key string) error
}

func NewStore() *Store {
	return &Store{data: make(map[string]entry)}
}

// InjectFault installs fn to run before every operation. A non-nil return
// fails the operation as a transient store fault. Pass nil to remove it.
func (s *Store) InjectFault(fn func(op, key string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

func (s *Store) checkFault(op, key string) error {
	if s.fault == nil {
		return nil
	}
	return statestore.Unavailable(op, key, s.fault(op, key))
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, statestore.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFault("get", key); err != nil {
		return nil, statestore.NoVersion, err
	}
	e, ok := s.data[key]
	if !ok {
		return nil, statestore.NoVersion, statestore.ErrNotFound
	}
	return append([]byte(nil), e.value...), e.version, nil
}

func (s *Store) PutIfMatch(ctx context.Context, key string, value []byte, v statestore.Version) (statestore.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFault("put", key); err != nil {
		return statestore.NoVersion, err
	}
	cur, exists := s.data[key]
	switch {
	case v == statestore.NoVersion && exists:
		return statestore.NoVersion, statestore.ErrConflict
	case v != statestore.NoVersion && (!exists || cur.version != v):
		return statestore.NoVersion, statestore.ErrConflict
	}
	s.counter++
	newV := statestore.Version(strconv.FormatUint(s.counter, 10))
	s.data[key] = entry{value: append([]byte(nil), value...), version: newV}
	return newV, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFault("list", prefix); err != nil {
		return nil, err
	}
	keys := []string{}
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFault("delete", key); err != nil {
		return err
	}
	delete(s.data, key)
	return nil
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
