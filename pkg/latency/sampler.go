package latency

import (
	"errors"
	"time"
)

var errNoSendInFlight = errors.New("completion without a send in flight")

// Sampler turns closed-loop round trips into nanosecond samples. There is at
// most one request in flight, so one timestamp is enough.
type Sampler struct {
	now      func() time.Time
	target   int
	lastSent time.Time
	inFlight bool
	samples  []uint64
}

// NewSampler collects target samples using now as its clock.
func NewSampler(target int, now func() time.Time) *Sampler {
	if now == nil {
		now = time.Now
	}
	return &Sampler{
		now:     now,
		target:  target,
		samples: make([]uint64, 0, target),
	}
}

// MarkSent records the submission time of the request now in flight.
func (s *Sampler) MarkSent() {
	s.lastSent = s.now()
	s.inFlight = true
}

// Complete appends the time since MarkSent as one sample.
func (s *Sampler) Complete() (time.Duration, error) {
	if !s.inFlight {
		return 0, errNoSendInFlight
	}
	d := s.now().Sub(s.lastSent)
	if d < 0 {
		d = 0
	}
	s.inFlight = false
	s.samples = append(s.samples, uint64(d))
	return d, nil
}

// Done reports whether the target sample count was reached.
func (s *Sampler) Done() bool { return len(s.samples) >= s.target }

func (s *Sampler) Len() int { return len(s.samples) }

// Samples returns the collected samples. The sampler must not be used after.
func (s *Sampler) Samples() []uint64 { return s.samples }
