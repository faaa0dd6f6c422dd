package ble

import (
	"context"
	"errors"
	"fmt"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
)

// Error kinds surfaced by discovery and the session manager. Match them with
// errors.Is.
var (
	ErrDiscovery  = errors.New("discovery failed")
	ErrConnection = errors.New("connection failed")
	ErrHandshake  = errors.New("handshake failed")
	ErrAckTimeout = errors.New("frame not acknowledged")
	ErrEncoding   = errors.New("invalid image payload")
	ErrSuperseded = errors.New("superseded by a newer image")
)

// Pending wait outcomes.
var (
	ErrTimeout    = errors.New("timed out waiting for notification")
	ErrCancelled  = errors.New("wait cancelled")
	ErrWaitActive = errors.New("a notification wait is already active")
)

// ftag kinds attached to classified errors.
const (
	KindDiscovery  ftag.Kind = "BLE_DISCOVERY"
	KindConnection ftag.Kind = "BLE_CONNECTION"
	KindHandshake  ftag.Kind = "BLE_HANDSHAKE"
	KindAckTimeout ftag.Kind = "BLE_ACK_TIMEOUT"
	KindEncoding   ftag.Kind = "BLE_ENCODING"
	KindSuperseded ftag.Kind = "BLE_SUPERSEDED"
)

var kinds = map[error]ftag.Kind{
	ErrDiscovery:  KindDiscovery,
	ErrConnection: KindConnection,
	ErrHandshake:  KindHandshake,
	ErrAckTimeout: KindAckTimeout,
	ErrEncoding:   KindEncoding,
	ErrSuperseded: KindSuperseded,
}

// Kind returns the classification tag of err, or an empty kind for errors
// that did not pass through the session boundary.
func Kind(err error) ftag.Kind {
	tag := ftag.Get(err)
	for _, k := range kinds {
		if k == tag {
			return tag
		}
	}
	return ""
}

// Issue returns the user-facing description attached to err.
func Issue(err error) string {
	return fmsg.GetIssue(err)
}

// classify wraps cause under one of the exported kinds. kv is attached as
// diagnostic metadata (address, stage, timeout...). The kind's own text
// already leads the message, so the fmsg layer only adds the package prefix.
func classify(ctx context.Context, kind, cause error, issue string, kv ...string) error {
	err := kind
	if cause != nil {
		err = fmt.Errorf("%w: %w", kind, cause)
	}
	return fault.Wrap(err,
		fctx.With(ctx, kv...),
		ftag.With(kinds[kind]),
		fmsg.WithDesc("ble", issue),
	)
}
