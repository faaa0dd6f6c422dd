package ble

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ProbeResult reports what a probe found on a device.
type ProbeResult struct {
	Address   string
	HasWrite  bool
	HasNotify bool
	MTU       int
}

// Valid reports whether the device exposes both ACT1026 characteristics.
func (r *ProbeResult) Valid() bool {
	return r.HasWrite && r.HasNotify
}

// ProbeOptions configures probing behavior.
type ProbeOptions struct {
	Timeout time.Duration // connection timeout
}

// DefaultProbeOptions returns sensible defaults for production use.
func DefaultProbeOptions() ProbeOptions {
	return ProbeOptions{
		Timeout: 20 * time.Second,
	}
}

// Probe connects to mac, checks for the write and notify characteristics and
// disconnects. It runs no handshake and sends nothing.
func Probe(ctx context.Context, adapter Adapter, mac string, opts ProbeOptions) (*ProbeResult, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultProbeOptions().Timeout
	}

	if err := adapter.Enable(); err != nil {
		return nil, classify(ctx, ErrConnection, err, "Bluetooth adapter is unavailable.",
			"address", mac, "stage", "enable")
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	conn, err := adapter.Connect(ctx, mac)
	if err != nil {
		return nil, classify(ctx, ErrConnection, err,
			fmt.Sprintf("Could not connect to %s; it may be off, out of range or connected elsewhere.", mac),
			"address", mac, "stage", "connect", "timeout", opts.Timeout.String())
	}
	defer func() {
		if err := conn.Disconnect(); err != nil {
			slog.Warn("[BLE] probe disconnect", "mac", mac, "error", err)
		}
	}()

	result := &ProbeResult{Address: mac}
	if char, err := conn.DiscoverCharacteristic(WriteCharUUID); err == nil {
		result.HasWrite = true
		result.MTU = char.MTU()
	} else {
		slog.Debug("[BLE] probe: write characteristic missing", "mac", mac, "error", err)
	}
	if _, err := conn.DiscoverCharacteristic(NotifyCharUUID); err == nil {
		result.HasNotify = true
	} else {
		slog.Debug("[BLE] probe: notify characteristic missing", "mac", mac, "error", err)
	}
	return result, nil
}
