package main

import (
	"io"

	"github.com/ugorji/go/codec"

	"github.com/chaz8081/bklight/internal/ble"
)

type deviceEntry struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	RSSI    int    `json:"rssi"`
	Signal  string `json:"signal"`
}

type probeEntry struct {
	Address   string `json:"address"`
	HasWrite  bool   `json:"has_write"`
	HasNotify bool   `json:"has_notify"`
	MTU       int    `json:"mtu,omitempty"`
	Valid     bool   `json:"valid"`
}

var jsonHandle = func() *codec.JsonHandle {
	h := &codec.JsonHandle{}
	h.Indent = 2
	h.TypeInfos = codec.NewTypeInfos([]string{"json"})
	return h
}()

// writeJSON encodes v to w followed by a newline.
func writeJSON(w io.Writer, v any) error {
	if err := codec.NewEncoder(w, jsonHandle).Encode(v); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func scanReport(devices []ble.Device) []deviceEntry {
	out := make([]deviceEntry, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceEntry{
			Name:    d.Name,
			Address: d.MAC,
			RSSI:    d.RSSI,
			Signal:  ble.SignalQuality(d.RSSI),
		})
	}
	return out
}

func probeReport(r *ble.ProbeResult) probeEntry {
	return probeEntry{
		Address:   r.Address,
		HasWrite:  r.HasWrite,
		HasNotify: r.HasNotify,
		MTU:       r.MTU,
		Valid:     r.Valid(),
	}
}
