//go:generate mockgen -source=quota.go -package=quota -destination=quota_mock.go

// Package quota reports how many workers can be started right now. Answers
// are advisory: schedulers size their waves by them but never depend on them
// for correctness.
package quota

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// ErrQuotaExceeded is returned by Check when fewer workers are available than wanted.
var ErrQuotaExceeded = errors.New("quota exceeded")

// Oracle answers capacity questions for a resource class.
type Oracle interface {
	// Available returns how many more workers of class can be started now.
	Available(ctx context.Context, class string) (int, error)
	// RequestIncrease asks for the quota of class to be raised so that desired
	// workers fit. It returns an id for the request.
	RequestIncrease(ctx context.Context, class string, desired int) (string, error)
}

// Check returns the available count and ErrQuotaExceeded if want does not fit.
func Check(ctx context.Context, o Oracle, class string, want int) (int, error) {
	n, err := o.Available(ctx, class)
	if err != nil {
		return 0, errors.Wrapf(err, "reading quota for %q", class)
	}
	if want > n {
		return n, errors.Wrapf(ErrQuotaExceeded, "want %d workers of %q, %d available", want, class, n)
	}
	return n, nil
}

// IncreaseRequest is one call to Static.RequestIncrease.
type IncreaseRequest struct {
	ID      string
	Class   string
	Desired int
}

// Static reports fixed numbers and records increase requests without acting on them.
type Static struct {
	mu       sync.Mutex
	def      int
	classes  map[string]int
	requests []IncreaseRequest
}

// NewStatic returns an oracle reporting n for every class.
func NewStatic(n int) *Static {
	return &Static{def: n, classes: map[string]int{}}
}

// Set overrides the number reported for class.
func (s *Static) Set(class string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classes[class] = n
}

func (s *Static) Available(ctx context.Context, class string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.classes[class]; ok {
		return n, nil
	}
	return s.def, nil
}

func (s *Static) RequestIncrease(ctx context.Context, class string, desired int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("static-%d", len(s.requests)+1)
	s.requests = append(s.requests, IncreaseRequest{ID: id, Class: class, Desired: desired})
	return id, nil
}

// Requests returns every increase request received so far.
func (s *Static) Requests() []IncreaseRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]IncreaseRequest(nil), s.requests...)
}
