package uplink

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/tbox/agent/internal/backlog"
	"github.com/tbox/agent/internal/telemetry"
)

type fakeConfig struct {
	vin        string
	iccid      string
	codes      []string
	session    uint16
	servers    []string
	params     Params
	promoted   string
	appliedAll []Params
}

func (f *fakeConfig) VIN() string             { return f.vin }
func (f *fakeConfig) ICCID() string           { return f.iccid }
func (f *fakeConfig) BatteryCodes() []string  { return f.codes }
func (f *fakeConfig) NextSession() uint16     { f.session++; return f.session }
func (f *fakeConfig) Servers() []string       { return f.servers }
func (f *fakeConfig) PromoteServer(addr string) {
	f.promoted = addr
	f.servers = append([]string{addr}, f.servers...)
}
func (f *fakeConfig) HWVersion() string { return "1.0.0" }
func (f *fakeConfig) FWVersion() string { return "2.0.0" }
func (f *fakeConfig) Params() Params    { return f.params }
func (f *fakeConfig) ApplyParams(p Params) {
	f.params = p
	f.appliedAll = append(f.appliedAll, p)
}

func TestClient_AdvanceServerLocked_StopsAtLastEntry(t *testing.T) {
	cfg := &fakeConfig{servers: []string{"a:1", "b:1"}}
	c := NewClient(cfg, nil)

	c.mu.Lock()
	c.advanceServerLocked()
	idx1 := c.serverIdx
	c.advanceServerLocked()
	idx2 := c.serverIdx
	c.mu.Unlock()

	if idx1 != 1 {
		t.Fatalf("after first advance idx = %d, want 1", idx1)
	}
	if idx2 != 1 {
		t.Fatalf("after second advance idx = %d, want 1 (clamped at last)", idx2)
	}
}

func TestClient_FullLoginHeartbeatReportAckFlow(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	store, err := backlog.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("backlog.New: %v", err)
	}
	store.Add(time.Now().Unix(), []byte("telemetry-body"))

	cfg := &fakeConfig{vin: "VIN12345678901234", iccid: "89860000000000012345", servers: []string{ln.Addr().String()}}
	c := NewClient(cfg, store,
		WithRetryCycle(10*time.Millisecond),
		WithAnswerTimeout(2*time.Second),
		WithHeartbeatTimeout(time.Hour), // keep heartbeats out of the way of this test
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()

		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		if err != nil {
			serverDone <- err
			return
		}
		loginFr, _, ok := telemetry.ParseFrame(buf[:n])
		if !ok || loginFr.Cmd != CmdVehicleLogin {
			serverDone <- nil
			return
		}
		ack, _ := telemetry.EncodeFrame(CmdVehicleLogin, AnsSucceed, cfg.vin, 0x01, nil)
		if _, err := conn.Write(ack); err != nil {
			serverDone <- err
			return
		}

		n, err = conn.Read(buf)
		if err != nil {
			serverDone <- err
			return
		}
		reportFr, _, ok := telemetry.ParseFrame(buf[:n])
		if !ok || reportFr.Cmd != telemetry.CmdRealtime {
			serverDone <- nil
			return
		}
		ackBody := []byte{26, 7, 31, 0, 0, 0}
		reportAck, _ := telemetry.EncodeFrame(telemetry.CmdRealtime, AnsSucceed, cfg.vin, 0x01, ackBody)
		serverDone <- nil
		_, _ = conn.Write(reportAck)
	}()

	go c.Run(ctx)

	select {
	case err := <-serverDone:
		if err != nil {
			t.Fatalf("server goroutine error: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for server exchange")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == StateLoggedIn {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if c.State() != StateLoggedIn {
		t.Fatalf("state = %v, want LoggedIn", c.State())
	}
}

func TestClient_HandleServerCommand_QueryRepliesWithParams(t *testing.T) {
	serverSide, agentSide := net.Pipe()
	defer serverSide.Close()
	defer agentSide.Close()

	cfg := &fakeConfig{vin: "VIN", params: Params{LogUpdateMS: 500, AnswerS: 30, HeartbeatS: 8}}
	c := NewClient(cfg, nil)
	c.conn = agentSide

	queryFrame, _ := telemetry.EncodeFrame(CmdQuery, AnsServerCmd, cfg.vin, 0x01, nil)
	fr, _, ok := telemetry.ParseFrame(queryFrame)
	if !ok {
		t.Fatal("failed to build query frame for test")
	}

	readDone := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := serverSide.Read(buf)
		readDone <- buf[:n]
	}()

	c.handleServerCommand(fr)

	resp := <-readDone
	respFr, _, ok := telemetry.ParseFrame(resp)
	if !ok || respFr.Cmd != CmdQuery || respFr.Ans != AnsSucceed {
		t.Fatalf("unexpected query response frame: %+v ok=%v", respFr, ok)
	}
}

func TestClient_HandleSetup_AppliesParamsAndPromotesServer(t *testing.T) {
	serverSide, agentSide := net.Pipe()
	defer serverSide.Close()
	defer agentSide.Close()

	cfg := &fakeConfig{vin: "VIN", servers: []string{"old:1"}}
	c := NewClient(cfg, nil)
	c.conn = agentSide

	go func() {
		buf := make([]byte, 4096)
		_, _ = serverSide.Read(buf)
	}()

	setupPayload := buildSetupPayloadForTest(Params{
		LogUpdateMS: 1000, ReportNormalS: 30, ReportEmergencyMS: 500,
		RemoteHost: "new.example.com", RemotePort: 9001, HeartbeatS: 10, AnswerS: 60,
	})
	c.handleSetup(setupPayload)

	if cfg.promoted != "new.example.com:9001" {
		t.Fatalf("promoted = %q, want new.example.com:9001", cfg.promoted)
	}
	if cfg.params.RemoteHost != "new.example.com" {
		t.Fatalf("applied params host = %q", cfg.params.RemoteHost)
	}
}

func TestClient_HandleTerminalControl_DispatchesPowerOff(t *testing.T) {
	sc := &countingSystemControl{}
	cfg := &fakeConfig{vin: "VIN"}
	c := NewClient(cfg, nil, WithSystemControl(sc))

	c.handleTerminalControl([]byte{TermPowerOff})

	if sc.powerOffCalls != 1 {
		t.Fatalf("powerOffCalls = %d, want 1", sc.powerOffCalls)
	}
}

type countingSystemControl struct {
	NoopSystemControl
	powerOffCalls int
}

func (c *countingSystemControl) PowerOff() error {
	c.powerOffCalls++
	return nil
}
