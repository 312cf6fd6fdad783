// Package sample implements the sampling/profiling hooks: a per-thread
// byte-countdown Sampler, a lock-free sampled-allocation recorder, and
// the profile snapshot types external observers iterate.
package sample

import "math"
import "math/rand"

// Sampler decides, for one thread's allocation stream, when the next
// allocation should be recorded. Countdown-based: each
// ShouldSampleAllocation call decrements countdown by the allocation's
// size; once it goes non-positive, the call reports a weight and resets.
type Sampler struct {
	countdown    int64
	meanInterval int64
	rnd          *rand.Rand
}

// NewSampler builds a sampler whose samples average one every
// meanInterval bytes allocated. meanInterval <= 0 disables sampling
// entirely.
func NewSampler(meanInterval int64, seed int64) *Sampler {
	s := &Sampler{meanInterval: meanInterval, rnd: rand.New(rand.NewSource(seed))}
	s.countdown = s.nextInterval()
	return s
}

// ShouldSampleAllocation decrements the countdown by size and, if it
// has gone non-positive, returns the weight to attribute to this
// sample (an estimate of how many similar allocations this one
// sample stands in for) and resets the countdown.
func (s *Sampler) ShouldSampleAllocation(size int64) (weight int64, sampled bool) {
	if s.meanInterval <= 0 {
		return 0, false
	}
	s.countdown -= size
	if s.countdown > 0 {
		return 0, false
	}
	weight = s.meanInterval
	if size > weight {
		weight = size
	}
	s.countdown = s.nextInterval()
	return weight, true
}

// nextInterval draws from an exponential distribution with the
// configured mean, the same memoryless-process model tcmalloc.cc uses
// so that sampling rate is independent of allocation size
// distribution.
func (s *Sampler) nextInterval() int64 {
	if s.meanInterval <= 0 {
		return math.MaxInt64
	}
	u := s.rnd.Float64()
	if u <= 0 {
		u = 1e-12
	}
	interval := -math.Log(u) * float64(s.meanInterval)
	if interval < 1 {
		interval = 1
	}
	return int64(interval)
}
