package rpcpool

import (
	"sync"
	"time"
)

// State is the circuit state of a breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker counts consecutive failures and slow responses of one endpoint and
// stops traffic to it for a cooldown once the threshold is reached.
type Breaker struct {
	mu sync.Mutex

	state     State
	threshold int
	cooldown  time.Duration
	streak    int
	openedAt  time.Time
	trial     bool

	now    func() time.Time
	onTrip func(reason string)
}

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &Breaker{
		state:     StateClosed,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// WithClock replaces the time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// WithTripCallback sets a function called each time the circuit opens.
func (b *Breaker) WithTripCallback(fn func(reason string)) *Breaker {
	b.onTrip = fn
	return b
}

// Allow reports whether a request may be sent. Once the cooldown has passed
// an open breaker turns half-open and admits one trial request at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.trial = true
		return true
	case StateHalfOpen:
		if b.trial {
			return false
		}
		b.trial = true
		return true
	}
	return false
}

// Cancel releases an admitted request that was never sent.
func (b *Breaker) Cancel() {
	b.mu.Lock()
	b.trial = false
	b.mu.Unlock()
}

// Success closes the circuit and clears the streak.
func (b *Breaker) Success() {
	b.mu.Lock()
	b.state = StateClosed
	b.streak = 0
	b.trial = false
	b.mu.Unlock()
}

// Failure records a failed request.
func (b *Breaker) Failure(reason string) {
	b.strike(reason)
}

// Slow records a request that answered above the latency threshold.
func (b *Breaker) Slow(reason string) {
	b.strike(reason)
}

func (b *Breaker) strike(reason string) {
	b.mu.Lock()
	b.trial = false
	tripped := false
	switch b.state {
	case StateOpen:
	case StateHalfOpen:
		b.open()
		tripped = true
	case StateClosed:
		b.streak++
		if b.streak >= b.threshold {
			b.open()
			tripped = true
		}
	}
	callback := b.onTrip
	b.mu.Unlock()

	if tripped && callback != nil {
		callback(reason)
	}
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.streak = 0
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Streak returns the current run of consecutive failures and slow answers.
func (b *Breaker) Streak() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streak
}
