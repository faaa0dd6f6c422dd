//go:build !linux

package ble

// responseWriter is unused where the stack has a native acknowledged write.
type responseWriter struct{}

func (c *tinygoCharacteristic) WriteWithResponse(data []byte) error {
	_, err := c.char.Write(data)
	return err
}
