package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/tbox/agent/internal/backlog"
	"github.com/tbox/agent/internal/candecoder"
	"github.com/tbox/agent/internal/configstore"
	"github.com/tbox/agent/internal/decodedlog"
	"github.com/tbox/agent/internal/mcuserial"
	"github.com/tbox/agent/internal/metrics"
	"github.com/tbox/agent/internal/metricsnapshot"
	"github.com/tbox/agent/internal/serial"
	"github.com/tbox/agent/internal/signaltable"
	"github.com/tbox/agent/internal/supervisor"
	"github.com/tbox/agent/internal/telemetry"
	"github.com/tbox/agent/internal/uplink"
)

// Exit codes per §6.
const (
	exitMissingVIN   = 1
	exitLoggerInit   = 2
	exitParserInit   = 3
	exitCANInit      = 4
	stmBaud          = 115200
	stmReadTimeoutMS = 50
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("tbox-agent %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(exitLoggerInit)
	}
	if cfg.vin == "" || cfg.iccid == "" {
		fmt.Println("--vin and --iccid are required")
		os.Exit(exitMissingVIN)
	}

	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	table, err := signaltable.Load(filepath.Join(cfg.configPath, "signals.xml"))
	if err != nil {
		l.Error("signal_table_load_failed", "error", err)
		os.Exit(exitParserInit)
	}

	store, err := configstore.Load(
		filepath.Join(cfg.configPath, "settings.conf"),
		cfg.vin, cfg.iccid, version, commit,
		cfg.fallbackServer(),
	)
	if err != nil {
		l.Error("configstore_load_failed", "error", err)
		os.Exit(exitLoggerInit)
	}

	snap := metricsnapshot.New()
	decoder := candecoder.New(table, candecoder.NewClassifier(), snap, l)

	logDir := filepath.Join(cfg.logStoragePath, "decoded")
	decodedLog, err := decodedlog.New(logDir, l)
	if err != nil {
		l.Error("decodedlog_init_failed", "error", err)
		os.Exit(exitLoggerInit)
	}

	backlogDir := filepath.Join(cfg.logStoragePath, "backlog")
	backlogStore, err := backlog.New(backlogDir, l)
	if err != nil {
		l.Error("backlog_init_failed", "error", err)
		os.Exit(exitLoggerInit)
	}

	encoder := telemetry.NewEncoder(cfg.vin, nil) // GPS collaborator wired externally, per §1

	uplinkClient := uplink.NewClient(store, backlogStore, uplink.WithLogger(l))

	sup := supervisor.New(l)
	sup.Snapshot = snap
	sup.Decoder = decoder
	sup.DecodedLog = decodedLog
	sup.Backlog = backlogStore
	sup.Uplink = uplinkClient
	sup.Encoder = encoder
	sup.Cfg = store

	mcuPort, err := serial.Open(cfg.stmSerialPort, stmBaud, stmReadTimeoutMS*1_000_000) // ns
	if err != nil {
		l.Warn("mcu_serial_open_failed", "error", err, "device", cfg.stmSerialPort)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	if mcuPort != nil {
		mcuClient := mcuserial.NewClient(ctx, mcuPort, mcuserial.Callbacks{
			OnPowerOffConfirmed: sup.ConfirmPowerOff,
			OnLowVoltage:        sup.RequestShutdownOnLowVoltage,
			OnAccelEvent: func(x, y, z int16) {
				l.Info("accel_event", "x", x, "y", y, "z", z)
			},
		})
		sup.MCU = mcuClient
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mcuClient.Run(ctx); err != nil {
				l.Error("mcu_client_error", "error", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := decoder.Run(ctx, cfg.canIfaceList(), openSocketCANDevice); err != nil {
			l.Error("can_decoder_error", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := decodedLog.Run(ctx); err != nil {
			l.Error("decodedlog_run_error", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := backlogStore.Run(ctx); err != nil {
			l.Error("backlog_run_error", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := uplinkClient.Run(ctx); err != nil {
			l.Error("uplink_run_error", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sup.Run(ctx); err != nil {
			l.Error("supervisor_run_error", "error", err)
		}
		cancel()
	}()

	if cfg.mdnsEnable {
		metricsPort := 0
		if cfg.metricsAddr != "" {
			if _, p, err := splitHostPort(cfg.metricsAddr); err == nil {
				metricsPort = p
			}
		}
		cleanupMDNS, err := startMDNS(ctx, cfg, cfg.vin, metricsPort)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
		} else {
			l.Info("mdns_started", "service", mdnsServiceType)
			go func() { <-ctx.Done(); cleanupMDNS() }()
		}
	}

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-ctx.Done():
		l.Info("supervisor_requested_shutdown")
	}
	cancel()
	wg.Wait()
}

func splitHostPort(addr string) (string, int, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr, 0, fmt.Errorf("no port in %q", addr)
	}
	p, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return addr[:idx], 0, err
	}
	return addr[:idx], p, nil
}

var _ = exitCANInit // referenced only for documentation parity with §6's exit-code table
