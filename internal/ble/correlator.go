package ble

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/bklight/internal/ble/protocol"
)

// Outcome is how a PendingWait was resolved.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeMatched
	OutcomeTimeout
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMatched:
		return "matched"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "pending"
	}
}

// PendingWait is an outstanding expectation of a notification. It resolves
// exactly once.
type PendingWait struct {
	c          *Correlator
	signatures []protocol.Signature
	deadline   time.Time
	timer      *time.Timer
	done       chan struct{}

	// guarded by c.mu
	outcome Outcome
	payload []byte
}

// Done is closed once the wait is resolved.
func (w *PendingWait) Done() <-chan struct{} {
	return w.done
}

// Deadline returns when the wait times out.
func (w *PendingWait) Deadline() time.Time {
	return w.deadline
}

// Outcome returns the current resolution state.
func (w *PendingWait) Outcome() Outcome {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	return w.outcome
}

// Cancel resolves the wait as cancelled if it is still pending.
func (w *PendingWait) Cancel() {
	w.c.resolve(w, OutcomeCancelled, nil)
}

// Wait blocks until the wait resolves or ctx is done. A matched wait returns
// the full notification payload. If ctx ends first the wait is cancelled.
func (w *PendingWait) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-w.done:
	case <-ctx.Done():
		w.Cancel()
		<-w.done
	}

	w.c.mu.Lock()
	outcome, payload := w.outcome, w.payload
	w.c.mu.Unlock()

	switch outcome {
	case OutcomeMatched:
		return payload, nil
	case OutcomeTimeout:
		return nil, ErrTimeout
	default:
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrCancelled
	}
}

// Correlator matches incoming notifications to the single wait currently
// outstanding on a session.
type Correlator struct {
	mu     sync.Mutex
	active *PendingWait
}

// NewCorrelator returns a correlator with no active wait.
func NewCorrelator() *Correlator {
	return &Correlator{}
}

// Expect registers a wait for a notification starting with any of sigs.
// It must be called before the write that provokes the reply.
func (c *Correlator) Expect(timeout time.Duration, sigs ...protocol.Signature) (*PendingWait, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return nil, ErrWaitActive
	}

	w := &PendingWait{
		c:          c,
		signatures: sigs,
		deadline:   time.Now().Add(timeout),
		done:       make(chan struct{}),
	}
	w.timer = time.AfterFunc(timeout, func() {
		c.resolve(w, OutcomeTimeout, nil)
	})
	c.active = w
	return w, nil
}

// Dispatch offers a notification to the active wait. It reports whether the
// notification resolved it. Notifications with no active wait, or that match
// none of its signatures, are discarded.
func (c *Correlator) Dispatch(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.active
	if w == nil || !protocol.MatchAny(w.signatures, data) {
		return false
	}
	payload := make([]byte, len(data))
	copy(payload, data)
	return c.resolveLocked(w, OutcomeMatched, payload)
}

// Cancel resolves the active wait, if any, as cancelled.
func (c *Correlator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		c.resolveLocked(c.active, OutcomeCancelled, nil)
	}
}

// Run feeds notifications to Dispatch until ctx is done. It is the single
// consumer of a session's notification stream.
func (c *Correlator) Run(ctx context.Context, notifications <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-notifications:
			slog.Debug("[BLE] notification", "data", hex.EncodeToString(data))
			if !c.Dispatch(data) {
				slog.Debug("[BLE] notification discarded", "data", hex.EncodeToString(data))
			}
		}
	}
}

func (c *Correlator) resolve(w *PendingWait, outcome Outcome, payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolveLocked(w, outcome, payload)
}

// resolveLocked is a no-op for an already resolved wait (caller must hold mu).
func (c *Correlator) resolveLocked(w *PendingWait, outcome Outcome, payload []byte) bool {
	if w.outcome != OutcomePending {
		return false
	}
	w.outcome = outcome
	w.payload = payload
	w.timer.Stop()
	close(w.done)
	if c.active == w {
		c.active = nil
	}
	return true
}
