package ble

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestScanForDevicesFiltersByPrefix(t *testing.T) {
	adapter := newMockAdapter([]Device{
		{Name: "LED_BLE_7A3F", MAC: "cc:42:de:9a:b7:3b", RSSI: -58},
		{Name: "Headphones", MAC: "11:22:33:44:55:66", RSSI: -40},
		{Name: "", MAC: "11:22:33:44:55:67", RSSI: -40},
		{Name: "LED_BLE_0001", MAC: "AA:BB:CC:DD:EE:01", RSSI: -80},
	})

	devices, err := ScanForDevices(context.Background(), adapter, time.Second)
	if err != nil {
		t.Fatalf("ScanForDevices: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2: %+v", len(devices), devices)
	}
	if devices[0].MAC != "CC:42:DE:9A:B7:3B" {
		t.Errorf("MAC = %q, want canonical upper case", devices[0].MAC)
	}
	if devices[1].Name != "LED_BLE_0001" {
		t.Errorf("second device = %q, want discovery order", devices[1].Name)
	}
}

func TestScanForDevicesDeduplicates(t *testing.T) {
	adapter := newMockAdapter([]Device{
		{Name: "LED_BLE_7A3F", MAC: "CC:42:DE:9A:B7:3B", RSSI: -58},
		{Name: "LED_BLE_7A3F", MAC: "cc:42:de:9a:b7:3b", RSSI: -61},
	})

	devices, err := ScanForDevices(context.Background(), adapter, time.Second)
	if err != nil {
		t.Fatalf("ScanForDevices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("got %d devices, want 1", len(devices))
	}
	if devices[0].RSSI != -58 {
		t.Errorf("RSSI = %d, want the first sighting", devices[0].RSSI)
	}
}

func TestScanForDevicesCustomPrefixes(t *testing.T) {
	adapter := newMockAdapter([]Device{
		{Name: "LED_BLE_7A3F", MAC: "CC:42:DE:9A:B7:3B"},
		{Name: "BK_LIGHT_22", MAC: "CC:42:DE:9A:B7:3C"},
		{Name: "BJ_LED_9", MAC: "CC:42:DE:9A:B7:3D"},
	})

	devices, err := ScanForDevices(context.Background(), adapter, time.Second, AlternateNamePrefixes...)
	if err != nil {
		t.Fatalf("ScanForDevices: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(devices))
	}
}

func TestScanForDevicesEmpty(t *testing.T) {
	devices, err := ScanForDevices(context.Background(), newMockAdapter(nil), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("ScanForDevices: %v", err)
	}
	if len(devices) != 0 {
		t.Errorf("got %d devices, want 0", len(devices))
	}
}

func TestDiscoverAdapterUnavailable(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.enableErr = errors.New("adapter powered off")

	_, err := Discover(context.Background(), adapter, time.Second)
	if !errors.Is(err, ErrDiscovery) {
		t.Fatalf("Discover error = %v, want ErrDiscovery", err)
	}
	if Kind(err) != KindDiscovery {
		t.Errorf("Kind = %q, want %q", Kind(err), KindDiscovery)
	}
}

func TestDiscoverScanFailure(t *testing.T) {
	adapter := newMockAdapter([]Device{{Name: "LED_BLE_1", MAC: "CC:42:DE:9A:B7:3B"}})
	adapter.scanErr = errors.New("scan aborted by stack")

	_, err := ScanForDevices(context.Background(), adapter, time.Second)
	if !errors.Is(err, ErrDiscovery) {
		t.Fatalf("ScanForDevices error = %v, want ErrDiscovery", err)
	}
}

func TestDiscoverEarlyBreak(t *testing.T) {
	adapter := newMockAdapter([]Device{
		{Name: "LED_BLE_1", MAC: "CC:42:DE:9A:B7:01"},
		{Name: "LED_BLE_2", MAC: "CC:42:DE:9A:B7:02"},
		{Name: "LED_BLE_3", MAC: "CC:42:DE:9A:B7:03"},
	})

	results, err := Discover(context.Background(), adapter, 5*time.Second)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	var first Device
	for d := range results.Devices() {
		first = d
		break
	}
	if first.Name != "LED_BLE_1" {
		t.Errorf("first device = %q, want LED_BLE_1", first.Name)
	}

	// The sequence is single-use.
	n := 0
	for range results.Devices() {
		n++
	}
	if n != 0 {
		t.Errorf("second iteration yielded %d devices, want 0", n)
	}
	if err := results.Err(); err != nil {
		t.Errorf("Err after early break = %v, want nil", err)
	}
}

func TestMatchesPrefix(t *testing.T) {
	tests := []struct {
		name     string
		prefixes []string
		want     bool
	}{
		{"LED_BLE_7A3F", []string{DefaultNamePrefix}, true},
		{"LED_BLE_", []string{DefaultNamePrefix}, true},
		{"led_ble_7a3f", []string{DefaultNamePrefix}, false},
		{"", []string{DefaultNamePrefix}, false},
		{"BK_LIGHT1", AlternateNamePrefixes, true},
		{"anything", []string{""}, false},
	}
	for _, tt := range tests {
		if got := MatchesPrefix(tt.name, tt.prefixes); got != tt.want {
			t.Errorf("MatchesPrefix(%q, %v) = %v, want %v", tt.name, tt.prefixes, got, tt.want)
		}
	}
}

func TestCanonicalMAC(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"cc:42:de:9a:b7:3b", "CC:42:DE:9A:B7:3B", false},
		{"CC:42:DE:9A:B7:3B", "CC:42:DE:9A:B7:3B", false},
		{"CC-42-DE-9A-B7-3B", "", true},
		{"CC:42:DE:9A:B7", "", true},
		{"CC:42:DE:9A:B7:ZZ", "", true},
		{"3F2504E0-4F89-11D3-9A0C-0305E82C3301", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := CanonicalMAC(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("CanonicalMAC(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("CanonicalMAC(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSignalQuality(t *testing.T) {
	tests := []struct {
		rssi int
		want string
	}{
		{-40, "Excellent"},
		{-59, "Excellent"},
		{-60, "Good"},
		{-74, "Good"},
		{-75, "Fair"},
		{-84, "Fair"},
		{-85, "Weak"},
		{-100, "Weak"},
	}
	for _, tt := range tests {
		if got := SignalQuality(tt.rssi); got != tt.want {
			t.Errorf("SignalQuality(%d) = %q, want %q", tt.rssi, got, tt.want)
		}
	}
}
