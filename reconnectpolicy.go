package signalr

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// defaultReconnectDelays are the backoff waits before consecutive reconnect
// attempts; after the last entry every further attempt repeats it.
var defaultReconnectDelays = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

// sequenceBackOff walks an ordered delay sequence, clamping at the last
// entry. It implements backoff.BackOff so callers can swap in any policy
// from the backoff package instead.
type sequenceBackOff struct {
	mx     sync.Mutex
	delays []time.Duration
	index  int
}

func newSequenceBackOff(delays []time.Duration) backoff.BackOff {
	if len(delays) == 0 {
		delays = defaultReconnectDelays
	}
	return &sequenceBackOff{delays: delays}
}

func (s *sequenceBackOff) NextBackOff() time.Duration {
	defer s.mx.Unlock()
	s.mx.Lock()
	i := s.index
	if i >= len(s.delays) {
		i = len(s.delays) - 1
	}
	s.index++
	return s.delays[i]
}

func (s *sequenceBackOff) Reset() {
	defer s.mx.Unlock()
	s.mx.Lock()
	s.index = 0
}
