package statestore

import (
	"context"
	"time"

	"github.com/twitter/corral/common/stats"
)

type instrumentedStore struct {
	store Store
	stat  stats.StatsReceiver
}

// NewInstrumentedStore records call counts, conflicts, transient faults and
// per-operation latency for store under the "store" scope of stat.
func NewInstrumentedStore(store Store, stat stats.StatsReceiver) Store {
	return &instrumentedStore{store: store, stat: stat.Scope("store").Precision(time.Millisecond)}
}

func (s *instrumentedStore) observe(err error) {
	if IsUnavailable(err) {
		s.stat.Counter(stats.StoreUnavailableCounter).Inc(1)
	}
}

func (s *instrumentedStore) Get(ctx context.Context, key string) ([]byte, Version, error) {
	defer s.stat.Latency(stats.StoreGetLatency_ms).Time().Stop()
	s.stat.Counter(stats.StoreGetCounter).Inc(1)
	value, v, err := s.store.Get(ctx, key)
	s.observe(err)
	return value, v, err
}

func (s *instrumentedStore) PutIfMatch(ctx context.Context, key string, value []byte, v Version) (Version, error) {
	defer s.stat.Latency(stats.StorePutLatency_ms).Time().Stop()
	s.stat.Counter(stats.StorePutCounter).Inc(1)
	newV, err := s.store.PutIfMatch(ctx, key, value, v)
	if IsConflict(err) {
		s.stat.Counter(stats.StorePutConflictCounter).Inc(1)
	}
	s.observe(err)
	return newV, err
}

func (s *instrumentedStore) List(ctx context.Context, prefix string) ([]string, error) {
	defer s.stat.Latency(stats.StoreListLatency_ms).Time().Stop()
	s.stat.Counter(stats.StoreListCounter).Inc(1)
	keys, err := s.store.List(ctx, prefix)
	s.observe(err)
	return keys, err
}

func (s *instrumentedStore) Delete(ctx context.Context, key string) error {
	defer s.stat.Latency(stats.StoreDeleteLatency_ms).Time().Stop()
	s.stat.Counter(stats.StoreDeleteCounter).Inc(1)
	err := s.store.Delete(ctx, key)
	s.observe(err)
	return err
}
