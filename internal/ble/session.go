package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/semaphore"

	"github.com/chaz8081/bklight/internal/ble/protocol"
)

// State is the connection state of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshakePending
	StateReady
	StateDisconnecting
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshakePending:
		return "handshake-pending"
	case StateReady:
		return "ready"
	case StateDisconnecting:
		return "disconnecting"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// connected reports whether the state holds a live link.
func (s State) connected() bool {
	return s == StateHandshakePending || s == StateReady
}

// SessionOptions configures protocol timing and the reconnect policy.
type SessionOptions struct {
	Handshake  HandshakeOptions
	AckTimeout time.Duration // frame acknowledgement timeout

	// MTU overrides the link MTU. 0 asks the link, falling back to
	// protocol.DefaultMTU.
	MTU int

	ReconnectAttempts  int
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration

	NotifyBuffer int // queued notifications before dropping
}

// DefaultSessionOptions returns sensible defaults.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		Handshake:          DefaultHandshakeOptions(),
		AckTimeout:         5 * time.Second,
		ReconnectAttempts:  3,
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  30 * time.Second,
		NotifyBuffer:       16,
	}
}

func (o SessionOptions) withDefaults() SessionOptions {
	d := DefaultSessionOptions()
	if o.Handshake.Stage1Timeout <= 0 {
		o.Handshake.Stage1Timeout = d.Handshake.Stage1Timeout
	}
	if o.Handshake.Stage2Timeout <= 0 {
		o.Handshake.Stage2Timeout = d.Handshake.Stage2Timeout
	}
	if o.Handshake.StageDelay < 0 {
		o.Handshake.StageDelay = 0
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = d.AckTimeout
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = d.ReconnectAttempts
	}
	if o.ReconnectBaseDelay < 0 {
		o.ReconnectBaseDelay = 0
	}
	if o.ReconnectMaxDelay < o.ReconnectBaseDelay {
		o.ReconnectMaxDelay = o.ReconnectBaseDelay
	}
	if o.NotifyBuffer <= 0 {
		o.NotifyBuffer = d.NotifyBuffer
	}
	return o
}

// Stats are running counters for one Session.
type Stats struct {
	FramesSent           int64
	AckTimeouts          int64
	Reconnects           int64
	DroppedNotifications int64
}

// errLinkLost marks a send interrupted by a lost connection.
var errLinkLost = errors.New("link lost")

// Session is the live relationship with one display. All protocol operations
// on it are serialized by a single operation lock: the device has no request
// IDs, so replies are only meaningful while exactly one request is in flight.
type Session struct {
	id      string
	adapter Adapter
	device  Device
	opts    SessionOptions
	onState func(StateEvent)

	op   *semaphore.Weighted
	corr *Correlator

	mu           sync.Mutex
	state        State
	conn         Connection
	writeChar    Characteristic
	notifyChar   Characteristic
	mtu          int
	stopDispatch context.CancelFunc
	abort        chan struct{} // closed by Disconnect

	generation atomic.Uint64 // bumped by every SendImage
	relinked   atomic.Uint64 // bumped by every successful reconnect

	framesSent  *xsync.Counter
	ackTimeouts *xsync.Counter
	reconnects  *xsync.Counter
	dropped     *xsync.Counter
}

// NewSession creates a disconnected Session for device.
func NewSession(adapter Adapter, device Device, opts SessionOptions) *Session {
	return &Session{
		id:          uuid.NewString(),
		adapter:     adapter,
		device:      device,
		opts:        opts.withDefaults(),
		op:          semaphore.NewWeighted(1),
		corr:        NewCorrelator(),
		abort:       make(chan struct{}),
		framesSent:  xsync.NewCounter(),
		ackTimeouts: xsync.NewCounter(),
		reconnects:  xsync.NewCounter(),
		dropped:     xsync.NewCounter(),
	}
}

// ID returns the unique identifier of this session.
func (s *Session) ID() string { return s.id }

// Device returns the display this session talks to.
func (s *Session) Device() Device { return s.device }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MTU returns the MTU frames are currently chunked for.
func (s *Session) MTU() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mtu
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		FramesSent:           s.framesSent.Value(),
		AckTimeouts:          s.ackTimeouts.Value(),
		Reconnects:           s.reconnects.Value(),
		DroppedNotifications: s.dropped.Value(),
	}
}

// Connect opens the link, subscribes to notifications and runs the
// handshake. Connecting a Ready session is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.op.Acquire(ctx, 1); err != nil {
		return s.connectionError(ctx, err, "connect", "Connection attempt was cancelled.")
	}
	defer s.op.Release(1)

	if s.State() == StateReady {
		return nil
	}

	ctx, cancel := s.withAbort(ctx)
	defer cancel()

	if err := s.establish(ctx); err != nil {
		s.setState(StateDisconnected)
		return err
	}
	return nil
}

// SendImage delivers one PNG payload and waits for the frame ack.
// ErrAckTimeout is soft: the session stays usable and the caller may resend.
// If the link drops mid-send the session reconnects and replays the image
// once, unless a newer SendImage is already waiting. Sends that queued
// across a reconnect are dropped with ErrSuperseded except the newest.
func (s *Session) SendImage(ctx context.Context, payload []byte) error {
	frame, err := protocol.EncodeFrame(payload)
	if err != nil {
		return classify(ctx, ErrEncoding, err,
			"The image could not be encoded into a frame.",
			"address", s.device.MAC, "payload_bytes", fmt.Sprint(len(payload)))
	}

	if s.State() == StateDisconnected {
		return s.connectionError(ctx, nil, "send", "Session is not connected; call Connect first.")
	}

	epoch := s.relinked.Load()
	gen := s.generation.Add(1)

	if err := s.op.Acquire(ctx, 1); err != nil {
		return s.connectionError(ctx, err, "send", "Send was cancelled while waiting for the previous operation.")
	}
	defer s.op.Release(1)

	ctx, cancel := s.withAbort(ctx)
	defer cancel()

	switch s.State() {
	case StateReady:
	case StateReconnecting:
		if err := s.reconnect(ctx); err != nil {
			return err
		}
	default:
		return s.connectionError(ctx, nil, "send", "Session is not connected; call Connect first.")
	}

	if s.relinked.Load() != epoch && s.generation.Load() != gen {
		slog.Info("[BLE] newer image queued across reconnect, dropping", "mac", s.device.MAC)
		return classify(ctx, ErrSuperseded, nil,
			"A newer image replaced this one after reconnecting.",
			"address", s.device.MAC, "stage", "queued")
	}

	err = s.transmit(ctx, frame)
	if !errors.Is(err, errLinkLost) {
		return err
	}

	slog.Warn("[BLE] link lost during send", "mac", s.device.MAC, "session", s.id)
	if err := s.reconnect(ctx); err != nil {
		return err
	}
	if s.generation.Load() != gen {
		slog.Info("[BLE] newer image queued, skipping replay", "mac", s.device.MAC)
		return classify(ctx, ErrSuperseded, nil,
			"A newer image replaced this one after reconnecting.",
			"address", s.device.MAC)
	}

	slog.Info("[BLE] replaying image after reconnect", "mac", s.device.MAC, "bytes", len(payload))
	err = s.transmit(ctx, frame)
	if errors.Is(err, errLinkLost) {
		return s.connectionError(ctx, err, "send", "The display dropped the connection again while receiving the image.")
	}
	return err
}

// Disconnect releases the link. It cancels any pending wait, never fails and
// is safe to call repeatedly.
func (s *Session) Disconnect() {
	s.mu.Lock()
	prev := s.state
	if prev != StateDisconnected {
		s.state = StateDisconnecting
	}
	select {
	case <-s.abort:
	default:
		close(s.abort)
	}
	s.mu.Unlock()
	if prev != StateDisconnected {
		s.publish(prev, StateDisconnecting)
	}

	s.corr.Cancel()

	// Everything in flight has been aborted, so this does not block for long.
	_ = s.op.Acquire(context.Background(), 1)
	defer s.op.Release(1)

	s.teardown()

	s.mu.Lock()
	s.abort = make(chan struct{})
	s.mu.Unlock()
	s.setState(StateDisconnected)

	if prev != StateDisconnected {
		slog.Info("[BLE] disconnected", "mac", s.device.MAC, "session", s.id)
	}
}

// establish runs connect → subscribe → handshake (caller holds the op lock).
// On failure the link is torn down and the state is left for the caller.
func (s *Session) establish(ctx context.Context) error {
	mac := s.device.MAC
	s.teardown()
	s.setState(StateConnecting)

	if err := s.adapter.Enable(); err != nil {
		return s.connectionError(ctx, err, "enable", "Bluetooth adapter is unavailable.")
	}

	conn, err := s.adapter.Connect(ctx, mac)
	if err != nil {
		return s.connectionError(ctx, err, "connect",
			fmt.Sprintf("Could not connect to %s; check it is powered on, in range and not paired with another host.", mac))
	}

	writeChar, err := conn.DiscoverCharacteristic(WriteCharUUID)
	if err != nil {
		_ = conn.Disconnect()
		return s.connectionError(ctx, err, "discover", "Write characteristic fa02 not found; the device may not be an ACT1026.")
	}
	notifyChar, err := conn.DiscoverCharacteristic(NotifyCharUUID)
	if err != nil {
		_ = conn.Disconnect()
		return s.connectionError(ctx, err, "discover", "Notify characteristic fa03 not found; the device may not be an ACT1026.")
	}

	notifications := make(chan []byte, s.opts.NotifyBuffer)
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	go s.corr.Run(dispatchCtx, notifications)

	mtu := s.opts.MTU
	if mtu <= 0 {
		mtu = writeChar.MTU()
	}
	if mtu <= protocol.ATTWriteOverhead {
		mtu = protocol.DefaultMTU
	}

	s.mu.Lock()
	s.conn = conn
	s.writeChar = writeChar
	s.notifyChar = notifyChar
	s.mtu = mtu
	s.stopDispatch = stopDispatch
	s.mu.Unlock()

	conn.OnDisconnect(func() { s.handleLinkLoss(conn) })

	if err := notifyChar.Subscribe(func(data []byte) {
		cp := make([]byte, len(data))
		copy(cp, data)
		select {
		case notifications <- cp:
		default:
			s.dropped.Inc()
			slog.Warn("[BLE] notification queue full, dropping", "mac", mac)
		}
	}); err != nil {
		s.teardown()
		return s.connectionError(ctx, err, "subscribe", "Could not subscribe to display notifications.")
	}

	s.setState(StateHandshakePending)

	hs := NewHandshake(s.opts.Handshake)
	hs.OnTransition(func(st HandshakeState) {
		slog.Debug("[BLE] handshake", "state", st.String(), "mac", mac)
	})
	if err := hs.Run(ctx, writeChar.Write, s.corr); err != nil {
		s.teardown()
		return s.handshakeError(ctx, err)
	}

	s.setState(StateReady)
	slog.Info("[BLE] connected", "mac", mac, "mtu", mtu, "session", s.id)
	return nil
}

// transmit writes one frame and awaits its ack (caller holds the op lock).
func (s *Session) transmit(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	char, mtu := s.writeChar, s.mtu
	s.mu.Unlock()
	if char == nil {
		return errLinkLost
	}

	wait, err := s.corr.Expect(s.opts.AckTimeout, protocol.FrameAck)
	if err != nil {
		return s.connectionError(ctx, err, "send", "Internal error: another reply is still awaited.")
	}

	if err := s.writeChunked(char, frame, mtu); err != nil {
		wait.Cancel()
		return err
	}

	_, err = wait.Wait(ctx)
	switch {
	case err == nil:
		s.framesSent.Inc()
		slog.Debug("[BLE] frame acknowledged", "mac", s.device.MAC, "bytes", len(frame))
		return nil
	case errors.Is(err, ErrTimeout):
		s.ackTimeouts.Inc()
		slog.Warn("[BLE] frame ack timeout", "mac", s.device.MAC, "timeout", s.opts.AckTimeout)
		return classify(ctx, ErrAckTimeout, err,
			"The display did not confirm the image; it may still show it. Resending is safe.",
			"address", s.device.MAC, "stage", "frame", "timeout", s.opts.AckTimeout.String())
	case errors.Is(err, ErrCancelled) && s.State() == StateReconnecting:
		return errLinkLost
	default:
		return s.connectionError(ctx, err, "frame", "The send was interrupted.")
	}
}

// writeChunked writes frame in MTU-sized chunks with write response. A
// rejected chunk and everything after it is re-split at the next smaller size.
func (s *Session) writeChunked(char Characteristic, frame []byte, mtu int) error {
	ladder := protocol.ChunkSizeLadder(mtu)
	offset := 0
	var lastErr error
	for rung := 0; rung < len(ladder); rung++ {
		rejected := false
		for _, chunk := range protocol.ChunkBytes(frame[offset:], ladder[rung]) {
			if s.linkDown() {
				return errLinkLost
			}
			if err := char.WriteWithResponse(chunk); err != nil {
				if s.linkDown() {
					return errLinkLost
				}
				if rung+1 < len(ladder) {
					slog.Warn("[BLE] write rejected, shrinking chunk", "mac", s.device.MAC, "error", err, "chunk", ladder[rung+1])
					s.mu.Lock()
					s.mtu = ladder[rung+1] + protocol.ATTWriteOverhead
					s.mu.Unlock()
				}
				lastErr = err
				rejected = true
				break
			}
			offset += len(chunk)
		}
		if !rejected {
			return nil
		}
	}

	slog.Warn("[BLE] write rejected at smallest chunk, treating link as lost", "mac", s.device.MAC, "error", lastErr)
	s.markLinkLost()
	return errLinkLost
}

// reconnect tears the link down and re-establishes it with exponential
// backoff (caller holds the op lock).
func (s *Session) reconnect(ctx context.Context) error {
	s.setState(StateReconnecting)
	s.reconnects.Inc()

	var lastErr error
	for attempt := 0; attempt < s.opts.ReconnectAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, s.opts.ReconnectBaseDelay, s.opts.ReconnectMaxDelay)
			slog.Info("[BLE] reconnect backoff", "attempt", attempt+1, "delay", delay)
			if err := sleepCtx(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}

		if lastErr = s.establish(ctx); lastErr == nil {
			s.relinked.Add(1)
			slog.Info("[BLE] reconnected", "mac", s.device.MAC, "attempt", attempt+1)
			return nil
		}
		slog.Warn("[BLE] reconnect failed", "error", lastErr, "attempt", attempt+1)
		s.setState(StateReconnecting)
	}

	s.setState(StateDisconnected)
	return classify(ctx, ErrConnection, lastErr,
		fmt.Sprintf("Lost connection to %s and could not reconnect.", s.device.MAC),
		"address", s.device.MAC, "stage", "reconnect", "attempts", fmt.Sprint(s.opts.ReconnectAttempts))
}

// teardown drops the link and its notification plumbing. Errors are logged.
func (s *Session) teardown() {
	s.mu.Lock()
	conn, notifyChar, stop := s.conn, s.notifyChar, s.stopDispatch
	s.conn, s.writeChar, s.notifyChar, s.stopDispatch = nil, nil, nil, nil
	s.mu.Unlock()

	s.corr.Cancel()
	if stop != nil {
		stop()
	}
	if notifyChar != nil {
		if err := notifyChar.Unsubscribe(); err != nil {
			slog.Debug("[BLE] unsubscribe", "mac", s.device.MAC, "error", err)
		}
	}
	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect", "mac", s.device.MAC, "error", err)
		}
	}
}

// handleLinkLoss runs on the transport's disconnect callback.
func (s *Session) handleLinkLoss(conn Connection) {
	s.mu.Lock()
	if s.conn != conn || !s.state.connected() {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = StateReconnecting
	s.mu.Unlock()

	slog.Warn("[BLE] connection lost", "mac", s.device.MAC, "session", s.id)
	s.publish(prev, StateReconnecting)
	s.corr.Cancel()
}

func (s *Session) markLinkLost() {
	s.mu.Lock()
	prev := s.state
	s.state = StateReconnecting
	s.mu.Unlock()
	if prev != StateReconnecting {
		s.publish(prev, StateReconnecting)
	}
}

func (s *Session) linkDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateReconnecting || s.state == StateDisconnecting || s.conn == nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.publish(prev, st)
	}
}

func (s *Session) publish(from, to State) {
	if s.onState == nil {
		return
	}
	s.onState(StateEvent{
		SessionID: s.id,
		Address:   s.device.MAC,
		From:      from,
		To:        to,
		At:        time.Now(),
	})
}

// withAbort derives a context that is also cancelled by Disconnect.
func (s *Session) withAbort(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	abort := s.abort
	s.mu.Unlock()
	go func() {
		select {
		case <-abort:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (s *Session) connectionError(ctx context.Context, cause error, stage, issue string) error {
	return classify(ctx, ErrConnection, cause, issue,
		"address", s.device.MAC, "stage", stage)
}

func (s *Session) handshakeError(ctx context.Context, err error) error {
	var se *StageError
	if !errors.As(err, &se) {
		return s.connectionError(ctx, err, "handshake", "Handshake failed.")
	}
	if !errors.Is(se.Err, ErrTimeout) {
		return s.connectionError(ctx, err, se.Stage, "The connection failed during the handshake.")
	}
	return classify(ctx, ErrHandshake, err,
		fmt.Sprintf("%s did not answer handshake %s within %s; power-cycle the display and retry.", s.device.MAC, se.Stage, se.Timeout),
		"address", s.device.MAC, "stage", se.Stage, "timeout", se.Timeout.String())
}

// backoffDelay returns the reconnect delay for attempt n: base doubled per
// attempt, capped at maxDelay.
func backoffDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 30 {
		return maxDelay
	}
	delay := base << uint(attempt)
	if delay <= 0 || delay > maxDelay {
		return maxDelay
	}
	return delay
}
