package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/bklight/internal/ble/protocol"
)

// HandshakeState is a step of the two-stage negotiation.
type HandshakeState int

const (
	HandshakeIdle HandshakeState = iota
	HandshakeStage1Sent
	HandshakeStage1Acked
	HandshakeStage2Sent
	HandshakeStage2AckedOrTimedOut
	HandshakeReady
	HandshakeFailed
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeIdle:
		return "idle"
	case HandshakeStage1Sent:
		return "stage1-sent"
	case HandshakeStage1Acked:
		return "stage1-acked"
	case HandshakeStage2Sent:
		return "stage2-sent"
	case HandshakeStage2AckedOrTimedOut:
		return "stage2-acked-or-timed-out"
	case HandshakeReady:
		return "ready"
	case HandshakeFailed:
		return "failed"
	default:
		return fmt.Sprintf("HandshakeState(%d)", int(s))
	}
}

// StagePolicy says what a missing reply means for a stage.
type StagePolicy int

const (
	// StageRequired fails the handshake when the reply times out.
	StageRequired StagePolicy = iota
	// StageAdvisory logs the timeout and moves on.
	StageAdvisory
)

// Stage is one request/reply exchange of the handshake.
type Stage struct {
	Name    string
	Request []byte
	Expect  []protocol.Signature
	Timeout time.Duration
	Policy  StagePolicy

	sent, acked HandshakeState
}

// HandshakeOptions configures stage timeouts and pacing.
type HandshakeOptions struct {
	Stage1Timeout time.Duration
	Stage2Timeout time.Duration
	StageDelay    time.Duration // pause after each stage
}

// DefaultHandshakeOptions returns the timings the firmware is known to need.
func DefaultHandshakeOptions() HandshakeOptions {
	return HandshakeOptions{
		Stage1Timeout: 5 * time.Second,
		Stage2Timeout: 2 * time.Second,
		StageDelay:    200 * time.Millisecond,
	}
}

// StageError reports the stage a handshake failed at.
type StageError struct {
	Stage   string
	Timeout time.Duration
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("handshake %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// WriteFunc sends one handshake request to the device.
type WriteFunc func(data []byte) error

// Handshake drives the fixed stage 1 / stage 2 negotiation. A Handshake is
// single-use: every new connection runs a fresh one.
type Handshake struct {
	stages [2]Stage
	delay  time.Duration

	state        HandshakeState
	onTransition func(HandshakeState)
}

// NewHandshake builds the ACT1026 handshake: stage 1 is required, stage 2 is
// advisory because some firmware never answers it.
func NewHandshake(opts HandshakeOptions) *Handshake {
	return &Handshake{
		stages: [2]Stage{
			{
				Name:    "stage1",
				Request: protocol.Stage1Request,
				Expect:  []protocol.Signature{protocol.Stage1Ack, protocol.Stage1AckAlt},
				Timeout: opts.Stage1Timeout,
				Policy:  StageRequired,
				sent:    HandshakeStage1Sent,
				acked:   HandshakeStage1Acked,
			},
			{
				Name:    "stage2",
				Request: protocol.Stage2Request,
				Expect:  []protocol.Signature{protocol.Stage2Ack},
				Timeout: opts.Stage2Timeout,
				Policy:  StageAdvisory,
				sent:    HandshakeStage2Sent,
				acked:   HandshakeStage2AckedOrTimedOut,
			},
		},
		delay: opts.StageDelay,
	}
}

// OnTransition registers fn to observe every state change.
func (h *Handshake) OnTransition(fn func(HandshakeState)) {
	h.onTransition = fn
}

// State returns the current state.
func (h *Handshake) State() HandshakeState {
	return h.state
}

// Stages returns the stage table.
func (h *Handshake) Stages() []Stage {
	return h.stages[:]
}

// Run executes the stages in order. Replies are awaited through corr, which
// must be fed the device's notifications.
func (h *Handshake) Run(ctx context.Context, write WriteFunc, corr *Correlator) error {
	if h.state != HandshakeIdle {
		return fmt.Errorf("handshake already run (state %s)", h.state)
	}

	for _, st := range h.stages {
		if err := h.runStage(ctx, st, write, corr); err != nil {
			h.transition(HandshakeFailed)
			return err
		}
		if err := sleepCtx(ctx, h.delay); err != nil {
			h.transition(HandshakeFailed)
			return &StageError{Stage: st.Name, Err: err}
		}
	}

	h.transition(HandshakeReady)
	return nil
}

func (h *Handshake) runStage(ctx context.Context, st Stage, write WriteFunc, corr *Correlator) error {
	wait, err := corr.Expect(st.Timeout, st.Expect...)
	if err != nil {
		return &StageError{Stage: st.Name, Err: err}
	}

	if err := write(st.Request); err != nil {
		wait.Cancel()
		return &StageError{Stage: st.Name, Err: fmt.Errorf("write: %w", err)}
	}
	h.transition(st.sent)

	_, err = wait.Wait(ctx)
	switch {
	case err == nil:
		slog.Debug("[BLE] handshake ack", "stage", st.Name)
	case errors.Is(err, ErrTimeout) && st.Policy == StageAdvisory:
		slog.Warn("[BLE] handshake reply missing, continuing degraded", "stage", st.Name, "timeout", st.Timeout)
	default:
		return &StageError{Stage: st.Name, Timeout: st.Timeout, Err: err}
	}

	h.transition(st.acked)
	return nil
}

func (h *Handshake) transition(s HandshakeState) {
	h.state = s
	if h.onTransition != nil {
		h.onTransition(s)
	}
}

// sleepCtx pauses for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
