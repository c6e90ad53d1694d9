package mcuserial

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tbox/agent/internal/logging"
	"github.com/tbox/agent/internal/metrics"
	"github.com/tbox/agent/internal/transport"
)

// Port abstracts the serial device, mirroring the teacher's
// internal/serial.Port interface for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

const (
	heartbeatInterval  = 5 * time.Second
	ackRetryInterval   = 5 * time.Second
	ackRetryMaximum    = 3
	rtcRetryInterval   = 120 * time.Second
	rtcEpoch           = "2017-01-01T00:00:00"
	tickInterval       = 100 * time.Millisecond
	txQueueDepth       = 16
	readChunkSize      = 256
)

var rtcNotBefore = mustParseLocal(rtcEpoch)

func mustParseLocal(s string) time.Time {
	t, err := time.ParseInLocation("2006-01-02T15:04:05", s, time.Local)
	if err != nil {
		panic(err)
	}
	return t
}

// Callbacks are invoked from the Client's own goroutine as inbound frames
// are dispatched; implementations must not block.
type Callbacks struct {
	OnPowerOffConfirmed func()
	OnLowVoltage        func()
	OnAccelEvent        func(x, y, z int16)
}

// Client drives the MCU serial protocol: TX funneled through a single
// goroutine via transport.AsyncTx, RX via a resync byte-stream parser,
// heartbeats, RTC sync scheduling, and the ack/retry policy of §4.8.
type Client struct {
	port   Port
	logger *slog.Logger
	cb     Callbacks
	tx     *transport.AsyncTx[[]byte]

	mu               sync.Mutex
	lastHeartbeat    time.Time
	rtcSynced        bool
	lastRtcAttempt   time.Time
	pendingCmd       byte
	pendingFrame     []byte
	pendingSentAt    time.Time
	pendingRetries   int
	wakeTimeRequest  *time.Time
	gravityRequest   *byte

	wg sync.WaitGroup
}

// ErrTxOverflow mirrors the teacher's serial TX overflow sentinel.
var ErrTxOverflow = errors.New("mcuserial tx overflow")

// NewClient constructs a Client. port is typically opened via
// internal/serial.Open, reused here through the Port interface.
func NewClient(ctx context.Context, port Port, cb Callbacks) *Client {
	c := &Client{port: port, logger: logging.L(), cb: cb}
	c.tx = transport.NewAsyncTx(ctx, txQueueDepth, func(frame []byte) error {
		_, err := port.Write(frame)
		return err
	}, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrMCUWrite)
			c.logger.Error("mcu_write_error", "error", err)
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrMCUWrite)
			return ErrTxOverflow
		},
	})
	return c
}

// RequestWakeTime schedules a SetWakeTime command at the next tick.
func (c *Client) RequestWakeTime(t time.Time) {
	c.mu.Lock()
	c.wakeTimeRequest = &t
	c.mu.Unlock()
}

// RequestGravityThreshold schedules a SetGravityThreshold command at the
// next tick.
func (c *Client) RequestGravityThreshold(threshold byte) {
	c.mu.Lock()
	c.gravityRequest = &threshold
	c.mu.Unlock()
}

// SendGracefulShutdown transmits GracefulShutdown(0x03), entering the
// generic ack/retry slot.
func (c *Client) SendGracefulShutdown() {
	c.sendAckRequired(CmdGracefulShutdown, gracefulShutdownFrame())
}

// SendLowVoltageShutdown transmits LowVoltageShutdown(0x07), entering the
// generic ack/retry slot.
func (c *Client) SendLowVoltageShutdown() {
	c.sendAckRequired(CmdLowVoltageShutdown, lowVoltageShutdownFrame())
}

func (c *Client) sendAckRequired(cmd byte, frame []byte) {
	c.mu.Lock()
	c.pendingCmd = cmd
	c.pendingFrame = frame
	c.pendingSentAt = time.Now()
	c.pendingRetries = 0
	c.mu.Unlock()
	_ = c.tx.SendFrame(frame)
}

// Run drives the reader goroutine and the periodic heartbeat/RTC-sync/
// ack-retry ticker until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	c.wg.Add(1)
	readDone := make(chan struct{})
	inFrames := make(chan Frame, 16)
	go func() {
		defer c.wg.Done()
		defer close(readDone)
		var buf bytes.Buffer
		chunk := make([]byte, readChunkSize)
		for {
			n, err := c.port.Read(chunk)
			if n > 0 {
				buf.Write(chunk[:n])
				DecodeStream(&buf, func(fr Frame) {
					select {
					case inFrames <- fr:
					case <-readDone:
					}
				})
			}
			if err != nil {
				metrics.IncError(metrics.ErrMCURead)
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.port.Close()
			c.tx.Close()
			return nil
		case fr := <-inFrames:
			c.handleFrame(fr)
		case <-ticker.C:
			c.onTick()
		}
	}
}

func (c *Client) onTick() {
	now := time.Now()

	c.mu.Lock()
	needHeartbeat := c.lastHeartbeat.IsZero() || now.Sub(c.lastHeartbeat) >= heartbeatInterval
	if needHeartbeat {
		c.lastHeartbeat = now
	}
	needRtc := !c.rtcSynced && now.After(rtcNotBefore) &&
		(c.lastRtcAttempt.IsZero() || now.Sub(c.lastRtcAttempt) >= rtcRetryInterval)
	if needRtc {
		c.lastRtcAttempt = now
	}
	wakeReq := c.wakeTimeRequest
	c.wakeTimeRequest = nil
	gravityReq := c.gravityRequest
	c.gravityRequest = nil

	var resend []byte
	if c.pendingFrame != nil && now.Sub(c.pendingSentAt) >= ackRetryInterval {
		c.pendingRetries++
		if c.pendingRetries > ackRetryMaximum {
			c.logger.Warn("mcu_command_dropped", "cmd", c.pendingCmd, "retries", c.pendingRetries-1)
			c.pendingFrame = nil
		} else {
			metrics.IncMCUCommandRetry()
			resend = c.pendingFrame
			c.pendingSentAt = now
		}
	}
	c.mu.Unlock()

	if needHeartbeat {
		_ = c.tx.SendFrame(heartbeatFrame())
	}
	if needRtc {
		_ = c.tx.SendFrame(rtcSyncFrame(now))
	}
	if wakeReq != nil {
		_ = c.tx.SendFrame(setWakeTimeFrame(*wakeReq))
	}
	if gravityReq != nil {
		_ = c.tx.SendFrame(setGravityThresholdFrame(*gravityReq))
	}
	if resend != nil {
		_ = c.tx.SendFrame(resend)
	}
}

func (c *Client) handleFrame(fr Frame) {
	c.clearPendingIfAcked(fr.Command)

	switch fr.Command {
	case CmdPowerOffA, CmdPowerOffB:
		if c.cb.OnPowerOffConfirmed != nil {
			c.cb.OnPowerOffConfirmed()
		}
	case CmdLowVoltage:
		if c.cb.OnLowVoltage != nil {
			c.cb.OnLowVoltage()
		}
	case CmdRtcSyncAck:
		c.mu.Lock()
		c.rtcSynced = true
		c.mu.Unlock()
	case CmdAccelEvent:
		if x, y, z, ok := decodeAccelEvent(fr.Payload); ok && c.cb.OnAccelEvent != nil {
			c.cb.OnAccelEvent(x, y, z)
		}
	}
}

// clearPendingIfAcked clears the generic ack/retry slot when an inbound
// frame's command is the successor of the pending command, per §4.8's
// "responses for command N arrive on command N+1" pairing.
func (c *Client) clearPendingIfAcked(inboundCmd byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingFrame != nil && inboundCmd == c.pendingCmd+1 {
		c.pendingFrame = nil
	}
}
