// Command vson-monitor streams readings from VSON WP6810 air-quality
// sensors over BLE and forwards them to the console, MQTT, NATS and
// Prometheus.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/vson-monitor/internal/ble"
	"github.com/chaz8081/vson-monitor/internal/ble/protocol"
	"github.com/chaz8081/vson-monitor/internal/config"
	"github.com/chaz8081/vson-monitor/internal/sink"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the whole program. It returns the exit code instead of exiting so
// that deferred cleanup (MQTT offline status, NATS drain, log file) always
// runs.
func run(args []string) int {
	// CLI flags
	fs := flag.NewFlagSet("vson-monitor", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file (default: ~/.config/vson-monitor/config.yaml)")
	device := fs.String("device", "", "sensor MAC address (replaces devices from the config file)")
	output := fs.String("output", "", "console output: text, json or none")
	includeHistory := fs.Bool("include-history", false, "also output records replayed from device memory")
	timeout := fs.Duration("timeout", 0, "reconnect after this long without data (default 300s)")
	debug := fs.Bool("debug", false, "enable debug logging")
	writeConfig := fs.Bool("write-config", false, "write a default config file and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *writeConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Printf("config: %v", err)
			return 1
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		} else {
			fmt.Printf("Wrote default config to %s\n", path)
		}
		return 0
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Printf("config: %v", err)
		return 1
	}
	applyFlags(cfg, *device, *output, *includeHistory, *timeout)

	if err := cfg.Validate(); err != nil {
		log.Printf("config validation: %v", err)
		return 1
	}
	if len(cfg.Devices) == 0 {
		log.Printf("no devices configured: pass -device or list devices in %s", config.DefaultConfigPath())
		return 1
	}

	logger, closeLog, err := newLogger(cfg, *debug, os.Stderr)
	if err != nil {
		log.Printf("logging: %v", err)
		return 1
	}
	defer closeLog()
	slog.SetDefault(logger)

	if cfg.Output.Format != "json" {
		printBanner(cfg)
	}

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	out, cleanup, err := buildSinks(cfg, reg)
	if err != nil {
		slog.Error("Failed to set up outputs", "error", err)
		return 1
	}
	defer cleanup()

	adapter := ble.NewTinygoAdapter()
	if err := adapter.Enable(); err != nil {
		slog.Error("Failed to enable Bluetooth adapter; check that Bluetooth is powered on and this process may use it", "error", err)
		return 1
	}
	slog.Info("[BLE] adapter enabled")

	identities := resolveIdentities(ctx, adapter, cfg)

	opts := ble.SupervisorOptions{
		InactivityTimeout: cfg.InactivityTimeout,
		RetryInterval:     cfg.RetryInterval,
		Session: ble.SessionOptions{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.Metrics.Addr, reg) })
	}
	g.Go(func() error { return ble.RunAll(gctx, adapter, identities, out, opts) })

	if err := g.Wait(); err != nil {
		slog.Error("Monitor stopped", "error", err)
		return 1
	}
	slog.Info("Goodbye!")
	return 0
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	return config.Default(), nil
}

// applyFlags lets command-line flags override the config file.
func applyFlags(cfg *config.Config, device, output string, includeHistory bool, timeout time.Duration) {
	if device != "" {
		cfg.Devices = []config.DeviceConfig{{MAC: strings.ToUpper(device)}}
	}
	if output != "" {
		cfg.Output.Format = output
	}
	if includeHistory {
		cfg.Output.IncludeHistory = true
	}
	if timeout > 0 {
		cfg.InactivityTimeout = timeout
	}
}

// buildSinks wires the configured outputs. Console and MQTT skip history
// records unless include_history is set; NATS and metrics see everything.
func buildSinks(cfg *config.Config, reg prometheus.Registerer) (ble.Sink, func(), error) {
	var filtered, all sink.Multi
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.Output.Format {
	case "text":
		filtered = append(filtered, sink.NewText(os.Stdout))
	case "json":
		filtered = append(filtered, sink.NewJSON(os.Stdout))
	}

	if cfg.MQTT.Enabled {
		client, err := sink.ConnectMQTT(sink.MQTTClientOptions{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		})
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, func() { sink.DisconnectMQTT(client, cfg.MQTT.TopicPrefix, cfg.MQTT.QoS) })
		filtered = append(filtered, sink.NewMQTT(client, sink.MQTTOptions{
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
			Discovery:   cfg.MQTT.HomeAssistantDiscovery,
		}))
	}

	if cfg.NATS.Enabled {
		nc, err := sink.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, func() {
			if err := nc.Drain(); err != nil {
				slog.Warn("[NATS] drain failed", "error", err)
			}
		})
		all = append(all, sink.NewNATS(nc, cfg.NATS.SubjectPrefix))
	}

	if cfg.Metrics.Addr != "" {
		m, err := sink.NewMetrics(reg)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("registering metrics: %w", err)
		}
		all = append(all, m)
	}

	var front ble.Sink = filtered
	if !cfg.Output.IncludeHistory {
		front = sink.HistoryFilter(filtered)
	}
	return append(sink.Multi{front}, all...), cleanup, nil
}

// resolveIdentities reads each device's advertised name to learn its
// model and serial. Configured names skip the scan.
func resolveIdentities(ctx context.Context, adapter ble.Adapter, cfg *config.Config) []protocol.Identity {
	ids := make([]protocol.Identity, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		if d.Name != "" || cfg.ResolveTimeout == 0 {
			ids = append(ids, protocol.NewIdentity(d.MAC, d.Name))
			continue
		}
		slog.Info("[BLE] scanning for device", "device", d.MAC, "timeout", cfg.ResolveTimeout)
		ids = append(ids, ble.ResolveIdentity(ctx, adapter, d.MAC, cfg.ResolveTimeout))
	}
	return ids
}

// serveMetrics serves /metrics until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("[Metrics] serving", "addr", addr, "path", "/metrics")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	macs := make([]string, len(cfg.Devices))
	for i, d := range cfg.Devices {
		macs[i] = d.MAC
	}
	fmt.Fprintln(os.Stderr, "=== vson-monitor ===")
	fmt.Fprintf(os.Stderr, "  Devices:  %s\n", strings.Join(macs, ", "))
	fmt.Fprintf(os.Stderr, "  Timeout:  %s (retry every %s)\n", cfg.InactivityTimeout, cfg.RetryInterval)
	fmt.Fprintf(os.Stderr, "  Output:   %s (history: %v)\n", cfg.Output.Format, cfg.Output.IncludeHistory)
	if cfg.MQTT.Enabled {
		fmt.Fprintf(os.Stderr, "  MQTT:     %s (prefix %s, discovery: %v)\n", cfg.MQTT.Broker, cfg.MQTT.TopicPrefix, cfg.MQTT.HomeAssistantDiscovery)
	}
	if cfg.NATS.Enabled {
		fmt.Fprintf(os.Stderr, "  NATS:     %s (prefix %s)\n", cfg.NATS.URL, cfg.NATS.SubjectPrefix)
	}
	if cfg.Metrics.Addr != "" {
		fmt.Fprintf(os.Stderr, "  Metrics:  %s/metrics\n", cfg.Metrics.Addr)
	}
	fmt.Fprintf(os.Stderr, "  Log:      %s\n", cfg.LogLevel)
	fmt.Fprintln(os.Stderr, "====================")
}
