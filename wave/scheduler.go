package wave

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/corral/common/stats"
	"github.com/twitter/corral/quota"
)

// DefaultRequestTimeout bounds one advisory quota increase request.
const DefaultRequestTimeout = time.Minute

// Item is one unit of work in a batch.
type Item struct {
	Index   int
	Payload []byte
}

// Outcome is how one item resolved. An item's error never stops other items
// or later waves.
type Outcome struct {
	Index int
	Wave  int
	Value []byte
	Err   error
}

// Runner runs the items of a single wave. RunWave returns only once every item
// has resolved, with one outcome per item in the order given.
type Runner interface {
	RunWave(ctx context.Context, wave int, items []Item) []Outcome
}

// Scheduler sizes waves from a quota oracle and runs them in sequence.
type Scheduler struct {
	oracle     quota.Oracle
	runner     Runner
	class      string
	minPerWave int
	clock      clockwork.Clock
	stat       stats.StatsReceiver

	// RequestTimeout bounds each advisory increase request.
	RequestTimeout time.Duration

	mu       sync.Mutex
	plan     *Plan
	inflight map[string]bool
	requests sync.WaitGroup
}

// NewScheduler returns a scheduler for workers of class. A nil oracle always
// falls back to minPerWave; nil stat and clock use no-op stats and the real clock.
func NewScheduler(
	oracle quota.Oracle,
	runner Runner,
	class string,
	minPerWave int,
	clock clockwork.Clock,
	stat stats.StatsReceiver,
) *Scheduler {
	if minPerWave < 1 {
		minPerWave = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Scheduler{
		oracle:         oracle,
		runner:         runner,
		class:          class,
		minPerWave:     minPerWave,
		clock:          clock,
		stat:           stat.Scope("wave").Precision(time.Millisecond),
		RequestTimeout: DefaultRequestTimeout,
		inflight:       map[string]bool{},
	}
}

// Plan returns a copy of the plan of the current or most recent run, or nil
// before the first run.
func (s *Scheduler) Plan() *Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plan == nil {
		return nil
	}
	return s.plan.copy()
}

// WaitRequests blocks until every advisory increase request sent so far has returned.
func (s *Scheduler) WaitRequests() {
	s.requests.Wait()
}

func (s *Scheduler) available(ctx context.Context) int {
	if s.oracle == nil {
		return -1
	}
	n, err := s.oracle.Available(ctx, s.class)
	if err != nil {
		log.WithFields(
			log.Fields{
				"class": s.class,
				"error": err,
			}).Warn("Error reading quota, falling back to minimum wave size")
		return -1
	}
	return n
}

// Run splits payloads into waves and runs them in order, returning one
// outcome per payload in index order. If ctx ends between waves the items not
// yet started resolve with ctx's error, which is also returned.
func (s *Scheduler) Run(ctx context.Context, payloads [][]byte) ([]Outcome, error) {
	plan := ComputePlan(len(payloads), s.available(ctx), s.minPerWave)
	s.mu.Lock()
	s.plan = plan.copy()
	s.mu.Unlock()

	log.WithFields(
		log.Fields{
			"class": s.class,
		}).Info(plan)
	if plan.Degraded {
		s.stat.Counter(stats.WaveDegradedCounter).Inc(1)
		if plan.Quota > 0 {
			s.requestIncrease(ctx, plan.Total)
		}
	}

	outcomes := make([]Outcome, plan.Total)
	for n := 0; n < plan.NumWaves; n++ {
		lo, hi := plan.Bounds(n)
		if err := ctx.Err(); err != nil {
			for i := lo; i < plan.Total; i++ {
				outcomes[i] = Outcome{Index: i, Wave: -1, Err: err}
			}
			log.WithFields(
				log.Fields{
					"class": s.class,
					"wave":  n,
					"error": err,
				}).Warn("Run cancelled before all waves started")
			return outcomes, err
		}
		items := make([]Item, 0, hi-lo)
		for i := lo; i < hi; i++ {
			items = append(items, Item{Index: i, Payload: payloads[i]})
		}
		s.runWave(ctx, n, items, outcomes)
	}
	return outcomes, nil
}

func (s *Scheduler) runWave(ctx context.Context, n int, items []Item, outcomes []Outcome) {
	s.mu.Lock()
	s.plan.start(n)
	s.mu.Unlock()
	s.stat.Counter(stats.WaveCounter).Inc(1)
	s.stat.Gauge(stats.WaveSizeGauge).Update(int64(len(items)))
	start := s.clock.Now()
	lat := s.stat.Latency(stats.WaveLatency_ms).Time()

	results := s.runner.RunWave(ctx, n, items)

	lat.Stop()
	failed := 0
	for i, item := range items {
		o := Outcome{Index: item.Index, Wave: n, Err: errors.Errorf("no outcome for item %d", item.Index)}
		if i < len(results) {
			o = results[i]
			o.Index, o.Wave = item.Index, n
		}
		if o.Err != nil {
			failed++
		}
		outcomes[item.Index] = o
	}
	s.stat.Counter(stats.WaveItemErrorCounter).Inc(int64(failed))
	s.mu.Lock()
	s.plan.finish()
	s.mu.Unlock()
	log.WithFields(
		log.Fields{
			"class":   s.class,
			"wave":    n,
			"items":   len(items),
			"failed":  failed,
			"elapsed": s.clock.Since(start),
		}).Info("Wave resolved")
}

// requestIncrease asks the oracle for room for desired workers in the
// background. Only one request per class is in flight; failures are logged.
func (s *Scheduler) requestIncrease(ctx context.Context, desired int) {
	s.mu.Lock()
	if s.inflight[s.class] {
		s.mu.Unlock()
		log.WithFields(
			log.Fields{
				"class": s.class,
			}).Debug("Quota increase already requested")
		return
	}
	s.inflight[s.class] = true
	s.mu.Unlock()

	s.stat.Counter(stats.WaveQuotaRequestCounter).Inc(1)
	s.requests.Add(1)
	go func() {
		defer s.requests.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, s.class)
			s.mu.Unlock()
		}()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.RequestTimeout)
		defer cancel()
		id, err := s.oracle.RequestIncrease(rctx, s.class, desired)
		if err != nil {
			log.WithFields(
				log.Fields{
					"class":   s.class,
					"desired": desired,
					"error":   err,
				}).Warn("Quota increase request failed")
			return
		}
		log.WithFields(
			log.Fields{
				"class":     s.class,
				"desired":   desired,
				"requestID": id,
			}).Info("Requested quota increase")
	}()
}
