package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"tinygo.org/x/bluetooth"
)

// TinygoAdapter wraps tinygo-org/bluetooth (BlueZ on Linux, CoreBluetooth on
// macOS, WinRT on Windows). On macOS device addresses are CoreBluetooth
// UUIDs rather than MACs; they pass through unchanged.
type TinygoAdapter struct {
	adapter *bluetooth.Adapter

	enableMu sync.Mutex
	enabled  bool

	connections *xsync.MapOf[string, *tinygoConnection] // keyed by address
}

// NewTinygoAdapter creates an adapter on the system default controller.
func NewTinygoAdapter() *TinygoAdapter {
	return &TinygoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: xsync.NewMapOf[string, *tinygoConnection](),
	}
}

func (a *TinygoAdapter) Enable() error {
	a.enableMu.Lock()
	defer a.enableMu.Unlock()
	if a.enabled {
		return nil
	}
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// The stack reports peripheral disconnects here rather than per device.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		if conn, ok := a.connections.LoadAndDelete(addressKey(device.Address.String())); ok {
			conn.fireDisconnect()
		}
	})

	a.enabled = true
	return nil
}

func (a *TinygoAdapter) Scan(ctx context.Context, found func(Device)) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		found(Device{
			Name: result.LocalName(),
			MAC:  result.Address.String(),
			RSSI: int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *TinygoAdapter) Connect(ctx context.Context, mac string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(mac)

	// tinygo/bluetooth's Connect blocks with its own timeout; we also
	// return early on ctx cancellation.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			// Drop a connection that completes after we gave up on it.
			if result := <-ch; result.err == nil {
				_ = result.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", mac, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", mac, result.err)
		}
		conn := &tinygoConnection{device: &result.device, address: mac}
		a.connections.Store(addressKey(mac), conn)
		return conn, nil
	}
}

// Compile-time check that TinygoAdapter implements Adapter.
var _ Adapter = (*TinygoAdapter)(nil)

func addressKey(address string) string {
	return strings.ToUpper(address)
}

type tinygoConnection struct {
	device  *bluetooth.Device
	address string

	mu           sync.Mutex
	services     []bluetooth.DeviceService
	disconnectCb func()
}

func (c *tinygoConnection) DiscoverCharacteristic(charUUID string) (Characteristic, error) {
	uuid, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse characteristic UUID: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.services == nil {
		svcs, err := c.device.DiscoverServices(nil)
		if err != nil {
			return nil, fmt.Errorf("ble: discover services: %w", err)
		}
		c.services = svcs
	}

	// The characteristic UUIDs are unique on the device, so search every
	// service instead of hard-coding the vendor service UUID.
	for _, svc := range c.services {
		chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{uuid})
		if err != nil || len(chars) == 0 {
			continue
		}
		return &tinygoCharacteristic{char: chars[0], address: c.address, uuid: charUUID}, nil
	}
	return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
}

func (c *tinygoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinygoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinygoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinygoCharacteristic struct {
	char    bluetooth.DeviceCharacteristic
	address string
	uuid    string
	rw      responseWriter
}

func (c *tinygoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinygoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}

func (c *tinygoCharacteristic) Unsubscribe() error {
	return c.char.EnableNotifications(nil)
}

func (c *tinygoCharacteristic) MTU() int {
	mtu, err := c.char.GetMTU()
	if err != nil {
		return 0
	}
	return int(mtu)
}
