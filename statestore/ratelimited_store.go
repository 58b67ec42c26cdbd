package statestore

import (
	"context"

	"golang.org/x/time/rate"
)

type rateLimitedStore struct {
	store   Store
	limiter *rate.Limiter
}

// NewRateLimitedStore caps the request rate a single process issues against
// store. Many agents polling one bucket would otherwise trip the backend's
// request throttling. A limit <= 0 returns store unchanged.
func NewRateLimitedStore(store Store, perSecond float64, burst int) Store {
	if perSecond <= 0 {
		return store
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimitedStore{store: store, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (s *rateLimitedStore) wait(ctx context.Context, op, key string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return Unavailable(op, key, err)
	}
	return nil
}

func (s *rateLimitedStore) Get(ctx context.Context, key string) ([]byte, Version, error) {
	if err := s.wait(ctx, "get", key); err != nil {
		return nil, NoVersion, err
	}
	return s.store.Get(ctx, key)
}

func (s *rateLimitedStore) PutIfMatch(ctx context.Context, key string, value []byte, v Version) (Version, error) {
	if err := s.wait(ctx, "put", key); err != nil {
		return NoVersion, err
	}
	return s.store.PutIfMatch(ctx, key, value, v)
}

func (s *rateLimitedStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := s.wait(ctx, "list", prefix); err != nil {
		return nil, err
	}
	return s.store.List(ctx, prefix)
}

func (s *rateLimitedStore) Delete(ctx context.Context, key string) error {
	if err := s.wait(ctx, "delete", key); err != nil {
		return err
	}
	return s.store.Delete(ctx, key)
}
