package fhirclient

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// facilityLimits bounds the request rate and the number of in-flight
// requests per facility so one slow endpoint cannot be flooded by parallel
// work items.
type facilityLimits struct {
	limiter *rate.Limiter
	sem     *semaphore.Weighted
}

type limiterSet struct {
	mu            sync.Mutex
	byFacility    map[string]*facilityLimits
	rate          rate.Limit
	burst         int
	maxConcurrent int64
}

func newLimiterSet(rps float64, burst int, maxConcurrent int) *limiterSet {
	r := rate.Inf
	if rps > 0 {
		r = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &limiterSet{
		byFacility:    make(map[string]*facilityLimits),
		rate:          r,
		burst:         burst,
		maxConcurrent: int64(maxConcurrent),
	}
}

// get returns the limits for a facility. An override > 0 sets the
// concurrency cap the first time the facility is seen.
func (s *limiterSet) get(facilityID string, override int) *facilityLimits {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.byFacility[facilityID]
	if !ok {
		n := s.maxConcurrent
		if override > 0 {
			n = int64(override)
		}
		l = &facilityLimits{
			limiter: rate.NewLimiter(s.rate, s.burst),
			sem:     semaphore.NewWeighted(n),
		}
		s.byFacility[facilityID] = l
	}
	return l
}

// acquire waits for a rate token and a concurrency slot. The returned func
// releases the slot.
func (s *limiterSet) acquire(ctx context.Context, facilityID string, override int) (func(), error) {
	l := s.get(facilityID, override)
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { l.sem.Release(1) }, nil
}
