// Command vson-scan lists nearby VSON sensors with their signal strength,
// to find the address to put in the vson-monitor config.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chaz8081/vson-monitor/internal/ble"
	"github.com/chaz8081/vson-monitor/internal/ble/protocol"
)

func main() {
	duration := flag.Duration("duration", 0, "stop after this long (default: until Ctrl+C)")
	list := flag.Bool("list", false, "scan once for -duration (default 10s) and print each sensor once")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	adapter := ble.NewTinygoAdapter()

	if *list {
		window := *duration
		if window <= 0 {
			window = 10 * time.Second
		}
		fmt.Fprintf(os.Stderr, "Scanning for VSON sensors for %s...\n", window)
		devices, err := ble.ScanForDevices(adapter, window)
		if err != nil {
			log.Fatalf("Scan failed: %v", err)
		}
		printDeviceList(os.Stdout, devices)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	if err := adapter.Enable(); err != nil {
		log.Fatalf("Failed to enable Bluetooth adapter: %v", err)
	}

	fmt.Fprintln(os.Stderr, "Scanning for VSON sensors... press Ctrl+C to stop.")
	table := newDeviceTable(os.Stdout)
	table.header()
	if err := ble.WatchDevices(ctx, adapter, table.observe); err != nil {
		log.Fatalf("Scan failed: %v", err)
	}
	fmt.Fprintf(os.Stderr, "\nFound %d sensor(s).\n", table.len())
}

// deviceTable prints one row per sensor, and again whenever its signal
// category changes.
type deviceTable struct {
	w    io.Writer
	mu   sync.Mutex
	seen map[string]string // MAC -> last printed signal category
}

func newDeviceTable(w io.Writer) *deviceTable {
	return &deviceTable{w: w, seen: make(map[string]string)}
}

func (t *deviceTable) header() {
	fmt.Fprintf(t.w, "%-8s  %-36s  %-10s  %-8s  %5s  %s\n", "TIME", "ADDRESS", "MODEL", "SERIAL", "RSSI", "SIGNAL")
}

// printDeviceList prints the result of a one-shot scan, ready to paste
// into the devices list of the config file.
func printDeviceList(w io.Writer, devices []ble.Device) {
	if len(devices) == 0 {
		fmt.Fprintln(w, "No VSON sensors found.")
		return
	}
	fmt.Fprintf(w, "%-36s  %-20s  %5s  %s\n", "ADDRESS", "NAME", "RSSI", "SIGNAL")
	for _, d := range devices {
		fmt.Fprintf(w, "%-36s  %-20s  %5d  %s\n", strings.ToUpper(d.MAC), d.Name, d.RSSI, signalQuality(d.RSSI))
	}
	fmt.Fprintf(w, "\nFound %d sensor(s).\n", len(devices))
}

func (t *deviceTable) observe(d ble.Device, id protocol.Identity) {
	mac := strings.ToUpper(d.MAC)
	quality := signalQuality(d.RSSI)

	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.seen[mac]; ok && prev == quality {
		return
	}
	t.seen[mac] = quality
	fmt.Fprintf(t.w, "%-8s  %-36s  %-10s  %-8s  %5d  %s\n",
		time.Now().Format("15:04:05"), mac, id.Model, id.Serial, d.RSSI, quality)
}

func (t *deviceTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

// signalQuality buckets an RSSI reading in dBm.
func signalQuality(rssi int) string {
	switch {
	case rssi >= -50:
		return "excellent"
	case rssi >= -60:
		return "good"
	case rssi >= -70:
		return "fair"
	case rssi >= -80:
		return "weak"
	default:
		return "very weak"
	}
}
