package uplink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/tbox/agent/internal/backlog"
	"github.com/tbox/agent/internal/logging"
	"github.com/tbox/agent/internal/metrics"
	"github.com/tbox/agent/internal/telemetry"
)

const (
	defaultDialTimeout      = 60 * time.Second
	defaultRetryCycle       = 10 * time.Second
	defaultRetryMaximum     = 3
	defaultHeartbeatTimeout = 10 * time.Second
	defaultAnswerTimeout    = 60 * time.Second
	tickInterval            = 200 * time.Millisecond
	readBufMax              = 1 << 16
)

// Client drives the UplinkClient state machine of §4.6: one instance walks
// the whole configured server list in failover order, a cooperative event loop that owns sockets and
// timers, backstopped by a single reader goroutine doing blocking I/O —
// grounded on the teacher's internal/server.Server accept/reader/writer
// split, adapted from listen-side to dial-side.
type Client struct {
	cfg     Config
	backlog *backlog.Store
	sysctl  SystemControl
	logger  *slog.Logger

	dialTimeout      time.Duration
	retryCycle       time.Duration
	retryMaximum     int
	heartbeatTimeout time.Duration
	answerTimeout    time.Duration

	mu             sync.RWMutex
	state          State
	conn           net.Conn
	serverIdx      int
	retryCount     int
	firstConnected bool

	lastActivity      time.Time
	lastLoginSent     time.Time
	loginDeadline     time.Time
	forceReconnectAt  time.Time
	answerDeadline    time.Time
	answerRetryCount  int
	answerPendingBuf  []byte
	answerPendingPrev State

	dialResult chan dialResult
	inFrames   chan telemetry.Frame
	readErr    chan error
	readDone   chan struct{}

	wg sync.WaitGroup
}

type dialResult struct {
	conn net.Conn
	err  error
}

// ClientOption configures a Client at construction, per the teacher's
// functional-options pattern.
type ClientOption func(*Client)

func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

func WithRetryCycle(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.retryCycle = d
		}
	}
}

func WithRetryMaximum(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.retryMaximum = n
		}
	}
}

func WithHeartbeatTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.heartbeatTimeout = d
		}
	}
}

func WithAnswerTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.answerTimeout = d
		}
	}
}

func WithSystemControl(s SystemControl) ClientOption {
	return func(c *Client) { c.sysctl = s }
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient constructs a Client bound to cfg (VIN/server list/session
// counter) and store (the shared uplink priority tree).
func NewClient(cfg Config, store *backlog.Store, opts ...ClientOption) *Client {
	c := &Client{
		cfg:              cfg,
		backlog:          store,
		sysctl:           NoopSystemControl{},
		logger:           logging.L(),
		dialTimeout:      defaultDialTimeout,
		retryCycle:       defaultRetryCycle,
		retryMaximum:     defaultRetryMaximum,
		heartbeatTimeout: defaultHeartbeatTimeout,
		answerTimeout:    defaultAnswerTimeout,
		state:            StateIdle,
		dialResult:       make(chan dialResult, 1),
		inFrames:         make(chan telemetry.Frame, 16),
		readErr:          make(chan error, 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the client's current state machine node.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Run drives the event loop until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	tick := time.NewTicker(tickInterval)
	defer tick.Stop()
	defer c.closeConn()

	for {
		select {
		case <-ctx.Done():
			return nil
		case res := <-c.dialResult:
			c.handleDialResult(res)
		case fr := <-c.inFrames:
			c.handleFrame(fr)
		case err := <-c.readErr:
			c.logger.Warn("uplink_conn_lost", "error", err)
			c.toIdle()
		case <-tick.C:
			c.onTick(ctx)
		}
	}
}

func (c *Client) onTick(ctx context.Context) {
	switch c.State() {
	case StateIdle:
		c.tryConnect(ctx)
	case StateConnected:
		if c.lastLoginSent.IsZero() || time.Since(c.lastLoginSent) >= c.retryCycle {
			c.sendLogin()
		}
	case StateLoggingIn:
		if time.Now().After(c.loginDeadline) {
			c.logger.Warn("uplink_login_timeout")
			c.mu.Lock()
			c.state = StateConnected
			c.lastLoginSent = time.Time{} // force immediate re-login next tick
			c.mu.Unlock()
		}
	case StateLoggedIn:
		c.onLoggedInTick()
	case StateAnswerPending:
		c.onAnswerPendingTick()
	}
}

func (c *Client) tryConnect(ctx context.Context) {
	servers := c.cfg.Servers()
	if len(servers) == 0 {
		c.logger.Warn("uplink_no_servers")
		return
	}
	c.mu.Lock()
	if c.serverIdx >= len(servers) {
		c.serverIdx = len(servers) - 1
	}
	addr := servers[c.serverIdx]
	c.state = StateConnecting
	c.mu.Unlock()

	go func() {
		conn, err := net.DialTimeout("tcp", addr, c.dialTimeout)
		select {
		case c.dialResult <- dialResult{conn: conn, err: err}:
		case <-ctx.Done():
			if conn != nil {
				_ = conn.Close()
			}
		}
	}()
}

func (c *Client) handleDialResult(res dialResult) {
	if res.err != nil {
		wrap := fmt.Errorf("%w: %v", ErrDial, res.err)
		metrics.IncError(mapErrToMetric(wrap))
		c.mu.Lock()
		c.retryCount++
		if c.retryCount >= c.retryMaximum {
			c.advanceServerLocked()
		}
		c.state = StateIdle
		c.mu.Unlock()
		return
	}
	c.mu.Lock()
	c.conn = res.conn
	c.retryCount = 0
	c.state = StateConnected
	c.lastActivity = time.Now()
	c.mu.Unlock()
	c.startReader()
}

// advanceServerLocked moves to the next server in the failover list,
// "wrap-avoidance — do not advance past the last", per §4.6. c.mu must be
// held.
func (c *Client) advanceServerLocked() {
	servers := c.cfg.Servers()
	if c.serverIdx < len(servers)-1 {
		c.serverIdx++
		metrics.IncUplinkFailover()
	}
	c.retryCount = 0
}

func (c *Client) startReader() {
	conn := c.conn
	c.readDone = make(chan struct{})
	done := c.readDone
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(done)
		var buf bytes.Buffer
		chunk := make([]byte, 4096)
		for {
			n, err := conn.Read(chunk)
			if n > 0 {
				buf.Write(chunk[:n])
				for {
					fr, consumed, ok := telemetry.ParseFrame(buf.Bytes())
					if consumed == 0 {
						break
					}
					buf.Next(consumed)
					if ok {
						select {
						case c.inFrames <- fr:
						case <-done:
							return
						}
					} else {
						metrics.IncMalformed()
						c.logger.Warn("uplink_frame_resync")
					}
					if buf.Len() == 0 {
						break
					}
				}
				if buf.Len() > readBufMax {
					c.logger.Warn("uplink_resync_buffer_overflow")
					buf.Reset()
				}
			}
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				select {
				case c.readErr <- wrap:
				default:
				}
				return
			}
		}
	}()
}

func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) toIdle() {
	c.closeConn()
	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
}

func (c *Client) write(frame []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("%w: no connection", ErrConnWrite)
	}
	if _, err := conn.Write(frame); err != nil {
		wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
		metrics.IncError(mapErrToMetric(wrap))
		return wrap
	}
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *Client) sendLogin() {
	payload := encodeVehicleLogin(time.Now(), c.cfg.NextSession(), c.cfg.ICCID(), c.cfg.BatteryCodes())
	frame, err := telemetry.EncodeFrame(CmdVehicleLogin, telemetry.AnsOuter, c.cfg.VIN(), 0x01, payload)
	if err != nil {
		c.logger.Error("uplink_login_encode_failed", "error", err)
		return
	}
	if err := c.write(frame); err != nil {
		c.logger.Warn("uplink_login_write_failed", "error", err)
		return
	}
	c.mu.Lock()
	c.state = StateLoggingIn
	c.lastLoginSent = time.Now()
	c.loginDeadline = time.Now().Add(c.answerTimeout)
	c.mu.Unlock()
}

func (c *Client) sendHeartbeat() {
	frame, err := telemetry.EncodeFrame(CmdClientHeartbeat, telemetry.AnsOuter, c.cfg.VIN(), 0x01, nil)
	if err != nil {
		return
	}
	_ = c.write(frame)
}

func (c *Client) onLoggedInTick() {
	c.mu.RLock()
	forceAt := c.forceReconnectAt
	lastActivity := c.lastActivity
	c.mu.RUnlock()

	if !forceAt.IsZero() && time.Now().After(forceAt) {
		c.logger.Info("uplink_forced_reconnect")
		c.mu.Lock()
		c.forceReconnectAt = time.Time{}
		c.mu.Unlock()
		c.toIdle()
		return
	}
	if time.Since(lastActivity) >= c.answerTimeout {
		c.logger.Warn("uplink_idle_timeout_disconnect")
		c.toIdle()
		return
	}
	if time.Since(lastActivity) >= c.heartbeatTimeout {
		c.sendHeartbeat()
	}
	c.drainDueBacklogEntries()
}

// drainDueBacklogEntries sends every backlog entry due as of now, oldest
// first, in one pass — per §4.6, the write queue is walked and flushed in
// full whenever it's empty, not throttled to one entry per tick. Each send
// stops early on a write error so a dead connection doesn't spin through
// the rest of the due set.
func (c *Client) drainDueBacklogEntries() {
	if c.backlog == nil {
		return
	}
	now := time.Now()
	for _, e := range c.backlog.PeekAllDue(now.Unix()) {
		cmd := telemetry.CmdRealtime
		if time.Unix(e.Timestamp, 0).Before(now.Add(-c.answerTimeout)) {
			cmd = telemetry.CmdRepeat
		}
		frame, err := telemetry.EncodeFrame(cmd, telemetry.AnsOuter, c.cfg.VIN(), 0x01, e.Payload)
		if err != nil {
			c.logger.Error("uplink_report_encode_failed", "error", err)
			continue
		}
		if err := c.write(frame); err != nil {
			return
		}
		metrics.IncTelemetryFrameSent()
	}
}

// sendAnswerExpected transmits frame and enters AnswerPending, retrying up
// to retryMaximum times on timeout before dropping, per §4.6. Reserved
// infrastructure: none of the frame types this client currently sends
// (Login, Heartbeat, ReportData) use answer-expected=true semantics per
// spec.md's own text, so nothing in this repository calls it, tests
// included.
func (c *Client) sendAnswerExpected(frame []byte) error {
	if err := c.write(frame); err != nil {
		return err
	}
	c.mu.Lock()
	c.answerPendingPrev = c.state
	c.state = StateAnswerPending
	c.answerDeadline = time.Now().Add(c.answerTimeout)
	c.answerRetryCount = 0
	c.answerPendingBuf = frame
	c.mu.Unlock()
	return nil
}

func (c *Client) onAnswerPendingTick() {
	c.mu.Lock()
	if time.Now().Before(c.answerDeadline) {
		c.mu.Unlock()
		return
	}
	c.answerRetryCount++
	if c.answerRetryCount > c.retryMaximum {
		c.state = c.answerPendingPrev
		c.answerPendingBuf = nil
		c.mu.Unlock()
		return
	}
	buf := c.answerPendingBuf
	c.answerDeadline = time.Now().Add(c.answerTimeout)
	c.mu.Unlock()
	_ = c.write(buf)
}

func (c *Client) handleFrame(fr telemetry.Frame) {
	c.mu.Lock()
	c.lastActivity = time.Now()
	state := c.state
	c.mu.Unlock()

	switch {
	case state == StateLoggingIn && fr.Cmd == CmdVehicleLogin:
		c.handleLoginAnswer(fr)
	case fr.Ans == AnsServerCmd:
		c.handleServerCommand(fr)
	case fr.Cmd == telemetry.CmdRealtime || fr.Cmd == telemetry.CmdRepeat:
		c.handleReportAck(fr)
	case state == StateAnswerPending:
		c.mu.Lock()
		c.state = c.answerPendingPrev
		c.answerPendingBuf = nil
		c.mu.Unlock()
	}
}

func (c *Client) handleLoginAnswer(fr telemetry.Frame) {
	switch fr.Ans {
	case AnsSucceed:
		c.mu.Lock()
		c.state = StateLoggedIn
		c.firstConnected = true
		c.mu.Unlock()
		metrics.IncUplinkConnect()
	case AnsError, AnsVinDuplicate:
		metrics.IncUplinkLoginFailure()
		c.mu.Lock()
		c.state = StateConnected
		c.lastLoginSent = time.Time{}
		c.mu.Unlock()
	}
}

func (c *Client) handleReportAck(fr telemetry.Frame) {
	if fr.Ans != AnsSucceed {
		return
	}
	ts, ok := decodeAckTimestamp(fr.Payload)
	if !ok || c.backlog == nil {
		return
	}
	c.backlog.Remove(ts)
}

func (c *Client) handleServerCommand(fr telemetry.Frame) {
	switch fr.Cmd {
	case CmdQuery:
		resp := buildQueryResponse(c.cfg.Params(), c.cfg.HWVersion(), c.cfg.FWVersion())
		c.replyTo(CmdQuery, AnsSucceed, resp)
	case CmdSetup:
		c.handleSetup(fr.Payload)
	case CmdTerminalControl:
		c.handleTerminalControl(fr.Payload)
	}
}

func (c *Client) handleSetup(payload []byte) {
	p, ok := parseSetupPayload(payload)
	if !ok {
		c.replyTo(CmdSetup, AnsError, nil)
		return
	}
	c.cfg.ApplyParams(p)
	if p.RemoteHost != "" {
		c.cfg.PromoteServer(fmt.Sprintf("%s:%d", p.RemoteHost, p.RemotePort))
		c.mu.Lock()
		c.forceReconnectAt = time.Now().Add(5 * time.Second)
		c.serverIdx = 0
		c.mu.Unlock()
	}
	c.replyTo(CmdSetup, AnsSucceed, nil)
}

func (c *Client) handleTerminalControl(payload []byte) {
	if len(payload) == 0 {
		return
	}
	var err error
	switch payload[0] {
	case TermUpdate:
		if err = c.sysctl.WriteUpdateDescriptor(); err == nil {
			err = c.sysctl.RunUpdate()
		}
	case TermPowerOff:
		err = c.sysctl.PowerOff()
	case TermReboot:
		err = c.sysctl.Reboot()
	case TermResetDefaults:
		err = c.sysctl.ResetDefaults()
	case TermPPPDisconnect:
		err = c.sysctl.DisconnectPPP()
	}
	if err != nil {
		c.logger.Error("uplink_terminal_control_failed", "subcommand", payload[0], "error", err)
	}
}

func (c *Client) replyTo(cmd, ans byte, payload []byte) {
	frame, err := telemetry.EncodeFrame(cmd, ans, c.cfg.VIN(), 0x01, payload)
	if err != nil {
		return
	}
	_ = c.write(frame)
}
