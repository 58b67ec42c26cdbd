package statestore

import (
	"bytes"
	"context"
	"time"

	"github.com/cenkalti/backoff"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/corral/common/stats"
)

// Defaults for NewDefaultBackOff, roughly half a minute of retrying in total.
const (
	DefaultRetryInitialInterval = 100 * time.Millisecond
	DefaultRetryMaxInterval     = 5 * time.Second
	DefaultRetryMaxElapsedTime  = 30 * time.Second
)

// NewDefaultBackOff returns the exponential policy used by RetryingStore when none is given.
func NewDefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = DefaultRetryInitialInterval
	b.MaxInterval = DefaultRetryMaxInterval
	b.MaxElapsedTime = DefaultRetryMaxElapsedTime
	return b
}

// retryingStore retries operations that fail with an UnavailableError.
// ErrNotFound and ErrConflict are answers, not faults, and are returned at once.
type retryingStore struct {
	store      Store
	newBackOff func() backoff.BackOff
	stat       stats.StatsReceiver
}

// NewRetryingStore wraps store so transient faults are retried with the policy
// produced by newBackOff (NewDefaultBackOff if nil). A fresh policy is built
// per call.
func NewRetryingStore(store Store, newBackOff func() backoff.BackOff, stat stats.StatsReceiver) Store {
	if newBackOff == nil {
		newBackOff = NewDefaultBackOff
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &retryingStore{store: store, newBackOff: newBackOff, stat: stat.Scope("store")}
}

// retry runs op until it succeeds, fails with a non-transient error, or the
// policy gives up. The last error seen is returned.
func (s *retryingStore) retry(ctx context.Context, opName, key string, op func() error) error {
	try := 1
	var err error
	backoff.Retry(func() error {
		err = op()
		if err == nil || !IsUnavailable(err) {
			return nil
		}
		log.WithFields(
			log.Fields{
				"op":    opName,
				"key":   key,
				"try":   try,
				"error": err,
			}).Info("Retrying state store operation")
		s.stat.Counter(stats.StoreRetryCounter).Inc(1)
		try += 1
		return err
	}, backoff.WithContext(s.newBackOff(), ctx))
	if err != nil && ctx.Err() != nil && IsUnavailable(err) {
		return Unavailable(opName, key, ctx.Err())
	}
	return err
}

func (s *retryingStore) Get(ctx context.Context, key string) (value []byte, v Version, err error) {
	err = s.retry(ctx, "get", key, func() error {
		var e error
		value, v, e = s.store.Get(ctx, key)
		return e
	})
	return value, v, err
}

// PutIfMatch retries transient faults. A fault is ambiguous: the write may
// have landed before the connection failed, in which case the retry sees a
// conflict against our own write. When that happens the stored value is read
// back and, if it is byte-identical to ours, the put is reported as successful.
// If another writer replaced our landed write in between, the caller sees
// ErrConflict although its write did happen.
func (s *retryingStore) PutIfMatch(ctx context.Context, key string, value []byte, v Version) (newV Version, err error) {
	attempts := 0
	err = s.retry(ctx, "put", key, func() error {
		var e error
		attempts++
		newV, e = s.store.PutIfMatch(ctx, key, value, v)
		return e
	})
	if attempts > 1 && IsConflict(err) {
		current, curV, gerr := s.Get(ctx, key)
		if gerr == nil && bytes.Equal(current, value) {
			log.Infof("Conditional put of %s landed before a transient fault, treating as success", key)
			return curV, nil
		}
	}
	return newV, err
}

func (s *retryingStore) List(ctx context.Context, prefix string) (keys []string, err error) {
	err = s.retry(ctx, "list", prefix, func() error {
		var e error
		keys, e = s.store.List(ctx, prefix)
		return e
	})
	return keys, err
}

func (s *retryingStore) Delete(ctx context.Context, key string) error {
	return s.retry(ctx, "delete", key, func() error {
		return s.store.Delete(ctx, key)
	})
}
