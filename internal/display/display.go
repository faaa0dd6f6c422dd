// Package display shows images on an ACT1026 matrix through a BLE session.
package display

import (
	"context"
	"errors"
	"image"
	"log/slog"

	"github.com/chaz8081/bklight/internal/ble"
	"github.com/chaz8081/bklight/internal/render"
)

// Sender is the interface the BLE session exposes for delivering a payload.
type Sender interface {
	SendImage(ctx context.Context, payload []byte) error
}

// Display renders images and sends them to a display.
type Display struct {
	sender  Sender
	opts    render.Options
	retries int
}

// Compile-time interface satisfaction check.
var _ Sender = (*ble.Session)(nil)

// New creates a Display backed by the given sender. ackRetries is the number
// of resends after a frame the display did not acknowledge.
// Panics if sender is nil (programmer error).
func New(sender Sender, opts render.Options, ackRetries int) *Display {
	if sender == nil {
		panic("display: New called with nil sender")
	}
	if ackRetries < 0 {
		ackRetries = 0
	}
	return &Display{sender: sender, opts: opts, retries: ackRetries}
}

// Show renders img and sends it.
func (d *Display) Show(ctx context.Context, img image.Image) error {
	payload, err := render.Prepare(img, d.opts)
	if err != nil {
		return err
	}
	return d.ShowPNG(ctx, payload)
}

// ShowPNG sends an already encoded 32x32 PNG. An unacknowledged frame is
// resent up to the configured number of times; the last ErrAckTimeout is
// returned if none is confirmed.
func (d *Display) ShowPNG(ctx context.Context, payload []byte) error {
	var err error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			slog.Info("[display] resending unacknowledged image", "attempt", attempt+1, "bytes", len(payload))
		}
		err = d.sender.SendImage(ctx, payload)
		if !errors.Is(err, ble.ErrAckTimeout) {
			return err
		}
	}
	slog.Warn("[display] image never acknowledged", "attempts", d.retries+1)
	return err
}
