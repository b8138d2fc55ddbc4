// Package breaker implements the circuit breaker that guards a backing store.
//
// States and transitions:
//
//	Closed(failures) --failures reach MaxFailures--> Open(reopenAt)
//	Open             --now >= reopenAt--------------> HalfOpen
//	HalfOpen         --trial succeeds---------------> Closed(0)
//	HalfOpen         --trial fails------------------> Open(now + ResetTimeout)
//
// A Breaker is not safe for concurrent use: the store bridge that owns it
// calls it from a single goroutine. State and Failures may be read by that
// goroutine only; observers use the OnStateChange callback.
package breaker

import (
	"errors"
	"fmt"
	"time"
)

// ErrOpen is returned without calling the protected function while the
// breaker is open or a half-open trial is already running.
var ErrOpen = errors.New("breaker: circuit open")

// State is the breaker state.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Clock provides time in UnixNano; tests swap in a fake.
type Clock interface{ NowUnixNano() int64 }

// Config configures a Breaker. Zero values fall back to the defaults below.
type Config struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures int
	// ResetTimeout is how long the circuit stays open before a trial call.
	ResetTimeout time.Duration
	// Clock overrides time.Now.
	Clock Clock
	// OnStateChange is called after every transition.
	OnStateChange func(from, to State)
}

const (
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 10 * time.Second
)

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	cfg Config

	state    State
	failures int
	reopenAt int64 // UnixNano; meaningful while Open
	trial    bool  // a half-open trial call is running
}

// New returns a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	return &Breaker{cfg: cfg}
}

// Do runs fn if the breaker admits a call and records its outcome.
// It returns ErrOpen without calling fn when the call is rejected.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}

// Allow reports whether a call may proceed. A nil result obliges the caller
// to report the outcome with Success or Failure.
func (b *Breaker) Allow() error {
	switch b.state {
	case Open:
		if b.now() < b.reopenAt {
			return ErrOpen
		}
		b.transition(HalfOpen)
		b.trial = true
		return nil
	case HalfOpen:
		if b.trial {
			return ErrOpen
		}
		b.trial = true
		return nil
	default:
		return nil
	}
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.trial = false
	b.failures = 0
	if b.state != Closed {
		b.transition(Closed)
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	switch b.state {
	case HalfOpen:
		// The count stays at the threshold; only the reopen time moves.
		b.trial = false
		b.open()
	case Closed:
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			b.open()
		}
	}
}

// State returns the current state. An open breaker whose timeout elapsed is
// still reported Open until the next Allow moves it to HalfOpen.
func (b *Breaker) State() State { return b.state }

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int { return b.failures }

// ReopenAt returns when an open breaker admits its trial call.
func (b *Breaker) ReopenAt() time.Time { return time.Unix(0, b.reopenAt) }

func (b *Breaker) open() {
	b.reopenAt = b.now() + int64(b.cfg.ResetTimeout)
	b.transition(Open)
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if cb := b.cfg.OnStateChange; cb != nil && from != to {
		cb(from, to)
	}
}

func (b *Breaker) now() int64 {
	if b.cfg.Clock != nil {
		return b.cfg.Clock.NowUnixNano()
	}
	return time.Now().UnixNano()
}
