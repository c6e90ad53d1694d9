// Package supervisor wires the agent's components together and owns the
// two periodic reactor ticks (decoded-log enqueue, telemetry build+backlog
// append) plus the graceful-shutdown path of §4.9, grounded on the
// teacher's cmd/can-server construct-then-wire-then-serve main.go and its
// SIGINT/SIGTERM handling.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tbox/agent/internal/backlog"
	"github.com/tbox/agent/internal/candecoder"
	"github.com/tbox/agent/internal/decodedlog"
	"github.com/tbox/agent/internal/logging"
	"github.com/tbox/agent/internal/mcuserial"
	"github.com/tbox/agent/internal/metricsnapshot"
	"github.com/tbox/agent/internal/telemetry"
	"github.com/tbox/agent/internal/uplink"
)

// emergencyFaultLevel is the upward-crossing threshold from §4.7 ("≥3")
// that triggers bulk promotion of backlog history into the priority tree.
const emergencyFaultLevel = 3

// canSilenceLimit is the §4.9 CAN-silence shutdown trigger.
const canSilenceLimit = 180 * time.Second

// mcuPowerOffFallback is the §4.9 fallback timer: if the MCU hasn't
// confirmed power-off within this long after the shutdown command, the
// main loop exits anyway.
const mcuPowerOffFallback = 180 * time.Second

const (
	tickInterval = 200 * time.Millisecond
)

// Config is what the Supervisor needs from persisted settings to schedule
// its ticks; a narrow slice of uplink.Config so tests don't need the full
// interface.
type Config interface {
	Params() uplink.Params
}

// PowerOff is the last step of graceful shutdown; swapped out in tests.
type PowerOff func() error

// ExecPowerOff invokes /sbin/poweroff, matching the teacher's pattern of
// keeping destructive OS actions behind a narrow, replaceable function.
func ExecPowerOff() error {
	return exec.Command("/sbin/poweroff").Run()
}

// Supervisor holds explicit component handles (no package-level mutable
// state) and drives the reactor ticks plus shutdown sequence.
type Supervisor struct {
	logger *slog.Logger

	Snapshot   *metricsnapshot.Snapshot
	Decoder    *candecoder.Decoder
	DecodedLog *decodedlog.Store
	Backlog    *backlog.Store
	Uplink     *uplink.Client
	MCU        *mcuserial.Client
	Encoder    *telemetry.Encoder
	Cfg        Config
	PowerOff   PowerOff

	lastFaultLevel byte
	lastLogTick    time.Time
	lastReportTick time.Time

	mu                 sync.Mutex
	shutdownReason     string
	lowVoltage         bool
	powerOffConfirmed  chan struct{}
	powerOffConfirmOne sync.Once
}

// New constructs a Supervisor. Component handles are expected to already
// be wired to a shared ctx-derived lifecycle by the caller (cmd/tbox-agent);
// Supervisor only drives the reactor ticks and the shutdown path.
func New(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = logging.L()
	}
	return &Supervisor{logger: logger, PowerOff: ExecPowerOff, powerOffConfirmed: make(chan struct{})}
}

// ConfirmPowerOff is wired as the mcuserial.Callbacks.OnPowerOffConfirmed
// hook: the MCU has acknowledged GracefulShutdown/LowVoltageShutdown and
// the main loop may exit without waiting for the fallback timer.
func (s *Supervisor) ConfirmPowerOff() {
	s.powerOffConfirmOne.Do(func() { close(s.powerOffConfirmed) })
}

// RequestShutdownOnLowVoltage is wired as the mcuserial.Callbacks.OnLowVoltage
// hook: per §4.8/§4.9, a LowVoltage notification from the MCU requests a
// graceful shutdown.
func (s *Supervisor) RequestShutdownOnLowVoltage() {
	s.mu.Lock()
	s.lowVoltage = true
	if s.shutdownReason == "" {
		s.shutdownReason = "mcu_low_voltage"
	}
	s.mu.Unlock()
}

func (s *Supervisor) shutdownRequested() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdownReason, s.shutdownReason != ""
}

// Run drives the reactor loop until ctx is cancelled or a shutdown
// condition fires, then executes the graceful shutdown sequence.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.onTick(ctx)
			if reason, ok := s.shutdownRequested(); ok {
				return s.gracefulShutdown(ctx, reason)
			}
			if s.Decoder != nil && s.Decoder.SilenceDuration() >= canSilenceLimit {
				return s.gracefulShutdown(ctx, "can_silence")
			}
		}
	}
}

func (s *Supervisor) onTick(ctx context.Context) {
	if s.Snapshot == nil {
		return
	}
	now := time.Now()
	params := uplink.Params{ReportNormalS: 1, LogUpdateMS: 10000}
	if s.Cfg != nil {
		params = s.Cfg.Params()
	}

	values, _ := s.Snapshot.Get()
	faultLevel := telemetry.FaultLevel(values)

	reportEvery := time.Duration(params.ReportNormalS) * time.Second
	if faultLevel >= emergencyFaultLevel {
		reportEvery = time.Duration(params.ReportEmergencyMS) * time.Millisecond
	}
	if reportEvery <= 0 {
		reportEvery = time.Second
	}
	if s.lastReportTick.IsZero() || now.Sub(s.lastReportTick) >= reportEvery {
		s.lastReportTick = now
		s.buildAndAppend(values, now)
	}

	if s.lastFaultLevel < emergencyFaultLevel && faultLevel >= emergencyFaultLevel && s.Backlog != nil {
		s.Backlog.PromoteHistoryOnEmergency(now.Unix())
		s.logger.Warn("fault_level_emergency", "level", faultLevel)
	}
	s.lastFaultLevel = faultLevel

	logEvery := time.Duration(params.LogUpdateMS) * time.Millisecond
	if logEvery <= 0 {
		logEvery = 10 * time.Second
	}
	if s.DecodedLog != nil && (s.lastLogTick.IsZero() || now.Sub(s.lastLogTick) >= logEvery) {
		s.lastLogTick = now
		s.DecodedLog.Enqueue(values, now)
	}
}

func (s *Supervisor) buildAndAppend(values map[string]*metricsnapshot.MetricValue, at time.Time) {
	if s.Encoder == nil || s.Backlog == nil {
		return
	}
	body := s.Encoder.BuildBody(values, at)
	s.Backlog.RecordHistory(at.Unix(), body)
	s.Backlog.Add(at.Unix(), body)
}

// gracefulShutdown implements §4.9's sequence: stop net/gps/can/decoder-
// log/signal-table (via ctx cancellation propagated to every component's
// Run goroutine by the caller), sync(), send the matching MCU shutdown
// command, then wait up to mcuPowerOffFallback for confirmation before
// exiting the loop; optionally powers off the machine.
func (s *Supervisor) gracefulShutdown(ctx context.Context, reason string) error {
	s.logger.Warn("graceful_shutdown_begin", "reason", reason)

	unix.Sync()

	if s.MCU != nil {
		s.mu.Lock()
		lowVoltage := s.lowVoltage
		s.mu.Unlock()
		if lowVoltage {
			s.MCU.SendLowVoltageShutdown()
		} else {
			s.MCU.SendGracefulShutdown()
		}

		select {
		case <-s.powerOffConfirmed:
			s.logger.Info("mcu_poweroff_confirmed")
		case <-time.After(mcuPowerOffFallback):
			s.logger.Warn("mcu_poweroff_fallback_timeout")
		case <-ctx.Done():
		}
	}

	if s.PowerOff != nil {
		if err := s.PowerOff(); err != nil && !errors.Is(err, exec.ErrNotFound) {
			s.logger.Error("poweroff_failed", "error", err)
			return err
		}
	}
	return nil
}
