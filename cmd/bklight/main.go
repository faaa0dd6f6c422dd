// Command bklight drives a BK Light ACT1026 32x32 LED matrix over BLE.
//
// Usage:
//
//	bklight [-config path] scan [-timeout 10s] [-json]
//	bklight [-config path] probe [-address MAC] [-json]
//	bklight [-config path] send [-address MAC] [-rotation 0] [-brightness 1] <image>
//	bklight [-config path] fill [-address MAC] <#RRGGBB>
//	bklight init
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/bklight/internal/ble"
	"github.com/chaz8081/bklight/internal/config"
	"github.com/chaz8081/bklight/internal/display"
	"github.com/chaz8081/bklight/internal/render"
)

// errUsage marks a command-line mistake; usage has already been printed.
var errUsage = errors.New("usage")

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/bklight/config.yaml)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, *configPath, flag.Arg(0), flag.Args()[1:])
	stop()

	if errors.Is(err, errUsage) {
		os.Exit(2)
	}
	if err != nil {
		printError(err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, command string, args []string) error {
	if command == "init" {
		return runInit()
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	app := newApp(cfg, ble.NewTinygoAdapter())
	defer app.close()

	switch command {
	case "scan":
		return app.scan(ctx, args)
	case "probe":
		return app.probe(ctx, args)
	case "send":
		return app.send(ctx, args)
	case "fill":
		return app.fill(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", command)
		usage()
		return errUsage
	}
}

// app carries the shared state of one CLI invocation.
type app struct {
	cfg     *config.Config
	adapter ble.Adapter
	manager *ble.Manager
}

func newApp(cfg *config.Config, adapter ble.Adapter) *app {
	m := ble.NewManager(adapter, cfg.SessionOptions())
	// The channel closes when the manager shuts its event bus down.
	events, _ := m.Subscribe(ble.AllDevices)
	go func() {
		for ev := range events {
			slog.Info("[BLE] state", "mac", ev.Address, "from", ev.From.String(), "to", ev.To.String(), "session", ev.SessionID)
		}
	}()
	return &app{cfg: cfg, adapter: adapter, manager: m}
}

func (a *app) close() {
	a.manager.Close()
}

func (a *app) scan(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	timeout := fs.Duration("timeout", a.cfg.BLE.ScanTimeout, "how long to scan")
	asJSON := fs.Bool("json", false, "print results as JSON")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	if !*asJSON {
		fmt.Printf("Scanning for %s...\n", timeout.String())
	}
	devices, err := ble.ScanForDevices(ctx, a.adapter, *timeout, a.cfg.Device.NamePrefixes...)
	if err != nil {
		return err
	}

	if *asJSON {
		return writeJSON(os.Stdout, scanReport(devices))
	}
	if len(devices) == 0 {
		fmt.Println("No displays found.")
		return nil
	}
	for _, d := range devices {
		fmt.Printf("  %-18s %-16s %4d dBm  %s\n", d.MAC, d.Name, d.RSSI, ble.SignalQuality(d.RSSI))
	}
	return nil
}

func (a *app) probe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	address := fs.String("address", a.cfg.Device.Address, "display MAC address")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	dev, err := a.resolveDevice(ctx, *address)
	if err != nil {
		return err
	}
	result, err := ble.Probe(ctx, a.adapter, dev.MAC, ble.DefaultProbeOptions())
	if err != nil {
		return err
	}

	if *asJSON {
		return writeJSON(os.Stdout, probeReport(result))
	}
	fmt.Printf("Device:  %s\n", result.Address)
	fmt.Printf("  Write  (fa02): %s\n", found(result.HasWrite))
	fmt.Printf("  Notify (fa03): %s\n", found(result.HasNotify))
	if result.MTU > 0 {
		fmt.Printf("  MTU:           %d\n", result.MTU)
	}
	if !result.Valid() {
		return fmt.Errorf("%s does not look like an ACT1026 display", result.Address)
	}
	fmt.Println("Display looks compatible.")
	return nil
}

func (a *app) send(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	address := fs.String("address", a.cfg.Device.Address, "display MAC address")
	rotation := fs.Int("rotation", a.cfg.Display.Rotation, "clockwise rotation: 0, 90, 180 or 270")
	brightness := fs.Float64("brightness", a.cfg.Display.Brightness, "brightness from 0.1 to 1.0")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "send: expected one image path")
		return errUsage
	}

	img, err := render.Load(fs.Arg(0))
	if err != nil {
		return err
	}
	return a.show(ctx, *address, img, render.Options{Rotation: *rotation, Brightness: *brightness})
}

func (a *app) fill(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fill", flag.ContinueOnError)
	address := fs.String("address", a.cfg.Device.Address, "display MAC address")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "fill: expected one colour such as #FF8000")
		return errUsage
	}

	c, err := render.ParseHexColor(fs.Arg(0))
	if err != nil {
		return err
	}
	return a.show(ctx, *address, render.Solid(c), render.Options{Brightness: a.cfg.Display.Brightness})
}

// show connects to the display, sends img and disconnects.
func (a *app) show(ctx context.Context, address string, img image.Image, opts render.Options) error {
	dev, err := a.resolveDevice(ctx, address)
	if err != nil {
		return err
	}

	start := time.Now()
	session, err := a.manager.Connect(ctx, dev)
	if err != nil {
		return err
	}
	defer a.manager.Disconnect(dev.MAC)
	fmt.Printf("Connected to %s in %s\n", dev.MAC, time.Since(start).Round(time.Millisecond))

	d := display.New(session, opts, a.cfg.Display.AckRetries)
	if err := d.Show(ctx, img); err != nil {
		return err
	}

	stats := session.Stats()
	fmt.Printf("Image delivered (mtu %d, %d ack timeouts, %d reconnects)\n", session.MTU(), stats.AckTimeouts, stats.Reconnects)
	return nil
}

// resolveDevice returns the display at address, or the first one a scan
// finds when address is empty.
func (a *app) resolveDevice(ctx context.Context, address string) (ble.Device, error) {
	if address != "" {
		mac, err := ble.CanonicalMAC(address)
		if err != nil {
			return ble.Device{}, err
		}
		return ble.Device{MAC: mac}, nil
	}

	slog.Info("[BLE] no address configured, scanning", "timeout", a.cfg.BLE.ScanTimeout)
	results, err := ble.Discover(ctx, a.adapter, a.cfg.BLE.ScanTimeout, a.cfg.Device.NamePrefixes...)
	if err != nil {
		return ble.Device{}, err
	}
	for dev := range results.Devices() {
		fmt.Fprintf(os.Stderr, "Found %s (%s, %s)\n", dev.Name, dev.MAC, ble.SignalQuality(dev.RSSI))
		return dev, nil
	}
	if err := results.Err(); err != nil {
		return ble.Device{}, err
	}
	return ble.Device{}, fmt.Errorf("no display found within %s; set device.address or move closer", a.cfg.BLE.ScanTimeout)
}

func runInit() error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		return nil
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.LoadOrDefault(config.DefaultConfigPath())
}

func printError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if issue := ble.Issue(err); issue != "" {
		fmt.Fprintf(os.Stderr, "  %s\n", issue)
	}
}

func found(ok bool) string {
	if ok {
		return "found"
	}
	return "missing"
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: bklight [-config path] <command> [flags]

Commands:
  scan    list nearby displays
  probe   check a display exposes the expected characteristics
  send    show an image file (PNG, JPEG, GIF, BMP, WebP)
  fill    fill the display with one colour
  init    write a default config file`)
}
