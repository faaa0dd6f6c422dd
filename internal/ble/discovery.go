package ble

import (
	"context"
	"fmt"
	"iter"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ScanResults is a lazy, finite, single-use sequence of displays in the
// order they were discovered.
type ScanResults struct {
	ch       chan Device
	cancel   context.CancelFunc
	consumed atomic.Bool

	mu  sync.Mutex
	err error
}

// Discover starts an active scan for timeout and yields devices whose
// advertised name starts with one of prefixes (DefaultNamePrefix when none
// are given). Each address is reported once.
func Discover(ctx context.Context, adapter Adapter, timeout time.Duration, prefixes ...string) (*ScanResults, error) {
	if len(prefixes) == 0 {
		prefixes = []string{DefaultNamePrefix}
	}
	if err := adapter.Enable(); err != nil {
		return nil, classify(ctx, ErrDiscovery, err,
			"Bluetooth adapter is unavailable; check it is powered on and you have permission to use it.",
			"stage", "enable")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	r := &ScanResults{
		ch:     make(chan Device),
		cancel: cancel,
	}

	go func() {
		defer close(r.ch)
		defer cancel()

		seen := make(map[string]bool)
		var seenMu sync.Mutex
		err := adapter.Scan(ctx, func(d Device) {
			if !MatchesPrefix(d.Name, prefixes) {
				return
			}
			if mac, err := CanonicalMAC(d.MAC); err == nil {
				d.MAC = mac
			}
			seenMu.Lock()
			dup := seen[d.MAC]
			seen[d.MAC] = true
			seenMu.Unlock()
			if dup {
				return
			}
			select {
			case r.ch <- d:
			case <-ctx.Done():
			}
		})
		if err != nil && ctx.Err() == nil {
			r.mu.Lock()
			r.err = classify(ctx, ErrDiscovery, err,
				"The BLE scan failed; retry the scan.",
				"stage", "scan", "timeout", timeout.String())
			r.mu.Unlock()
		}
	}()

	return r, nil
}

// Devices returns the sequence. It can be ranged over once; later calls
// yield nothing. Breaking out early stops the scan.
func (r *ScanResults) Devices() iter.Seq[Device] {
	return func(yield func(Device) bool) {
		if !r.consumed.CompareAndSwap(false, true) {
			return
		}
		defer r.cancel()
		for d := range r.ch {
			if !yield(d) {
				return
			}
		}
	}
}

// Err returns the scan failure, if any. It is only meaningful once the
// sequence is exhausted.
func (r *ScanResults) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Stop ends the scan early.
func (r *ScanResults) Stop() {
	r.cancel()
}

// ScanForDevices scans for timeout and collects every matching display.
func ScanForDevices(ctx context.Context, adapter Adapter, timeout time.Duration, prefixes ...string) ([]Device, error) {
	results, err := Discover(ctx, adapter, timeout, prefixes...)
	if err != nil {
		return nil, err
	}
	devices := slices.Collect(results.Devices())
	if err := results.Err(); err != nil {
		return nil, err
	}
	return devices, nil
}

// MatchesPrefix reports whether name starts with any of prefixes.
func MatchesPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// CanonicalMAC validates a six-octet colon-hex address and returns it in
// upper case.
func CanonicalMAC(s string) (string, error) {
	if len(s) != 17 || strings.Count(s, ":") != 5 {
		return "", fmt.Errorf("ble: %q is not a colon-separated MAC address", s)
	}
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return "", fmt.Errorf("ble: %q is not a colon-separated MAC address", s)
	}
	return strings.ToUpper(hw.String()), nil
}

// SignalQuality buckets an RSSI reading.
func SignalQuality(rssi int) string {
	switch {
	case rssi > -60:
		return "Excellent"
	case rssi > -75:
		return "Good"
	case rssi > -85:
		return "Fair"
	default:
		return "Weak"
	}
}
