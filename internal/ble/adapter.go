// Package ble drives a BK Light ACT1026 LED matrix over Bluetooth Low Energy.
// It handles discovery, the connect/handshake lifecycle, and frame delivery
// with notification-based acknowledgement.
package ble

import "context"

// ACT1026 GATT characteristics.
const (
	WriteCharUUID  = "0000fa02-0000-1000-8000-00805f9b34fb"
	NotifyCharUUID = "0000fa03-0000-1000-8000-00805f9b34fb"
)

// DefaultNamePrefix is the advertised name prefix of ACT1026 displays.
const DefaultNamePrefix = "LED_BLE_"

// AlternateNamePrefixes are advertised by other firmware builds of the same
// hardware. They are not matched unless configured.
var AlternateNamePrefixes = []string{"BK_LIGHT", "BJ_LED"}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data without waiting for a write response.
	Write(data []byte) error
	// WriteWithResponse sends data and waits for the peripheral to confirm it.
	WriteWithResponse(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe stops notifications.
	Unsubscribe() error
	// MTU returns the negotiated ATT MTU, or 0 if the stack does not know it.
	MTU() int
}

// Device is a discovered display.
type Device struct {
	Name string
	MAC  string
	RSSI int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID in any service.
	DiscoverCharacteristic(charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports advertisements to found until ctx is done.
	Scan(ctx context.Context, found func(Device)) error
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, mac string) (Connection, error)
}
