//go:build linux

package ble

import (
	"fmt"
	"strings"
	"sync"

	dbus "github.com/godbus/dbus/v5"
)

const (
	bluezService    = "org.bluez"
	deviceIface     = "org.bluez.Device1"
	gattCharIface   = "org.bluez.GattCharacteristic1"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
)

// responseWriter issues acknowledged writes on BlueZ. tinygo-org/bluetooth
// only exposes write-without-response there, so the GATT characteristic is
// looked up on the system bus and written with type=request.
type responseWriter struct {
	mu  sync.Mutex
	obj dbus.BusObject
}

func (c *tinygoCharacteristic) WriteWithResponse(data []byte) error {
	c.rw.mu.Lock()
	obj := c.rw.obj
	if obj == nil {
		var err error
		obj, err = findGattCharacteristic(c.address, c.uuid)
		if err != nil {
			c.rw.mu.Unlock()
			return err
		}
		c.rw.obj = obj
	}
	c.rw.mu.Unlock()

	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
	if err := obj.Call(gattCharIface+".WriteValue", 0, data, opts).Err; err != nil {
		return fmt.Errorf("ble: write with response: %w", err)
	}
	return nil
}

// findGattCharacteristic returns the BlueZ object for charUUID on the device
// with the given address.
func findGattCharacteristic(address, charUUID string) (dbus.BusObject, error) {
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: system bus: %w", err)
	}

	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if call := bus.Object(bluezService, dbus.ObjectPath("/")).Call(objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("ble: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("ble: decode GetManagedObjects: %w", err)
	}

	var devicePath dbus.ObjectPath
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		if addr, _ := props["Address"].Value().(string); strings.EqualFold(addr, address) {
			devicePath = path
			break
		}
	}
	if devicePath == "" {
		return nil, fmt.Errorf("ble: device %s not known to bluez", address)
	}

	for path, ifaces := range objs {
		props, ok := ifaces[gattCharIface]
		if !ok || !strings.HasPrefix(string(path), string(devicePath)+"/") {
			continue
		}
		if u, _ := props["UUID"].Value().(string); strings.EqualFold(u, charUUID) {
			return bus.Object(bluezService, path), nil
		}
	}
	return nil, fmt.Errorf("ble: characteristic %s not found on %s", charUUID, address)
}
