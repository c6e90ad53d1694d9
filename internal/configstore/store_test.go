package configstore

import (
	"path/filepath"
	"testing"

	"github.com/tbox/agent/internal/uplink"
)

func TestLoad_MissingFileAppliesDefaultsAndWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.conf")

	s, err := Load(path, "VIN0000000000001", "8900000000000000001", "HW01", "FW01", "fallback.example:20000")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.VIN() != "VIN0000000000001" {
		t.Fatalf("VIN = %q", s.VIN())
	}
	p := s.Params()
	if p.AnswerS != defaultAnswerTimeout || p.HeartbeatS != defaultHeartbeatTimeout {
		t.Fatalf("unexpected default params: %+v", p)
	}
	if got := s.Servers(); len(got) != 1 || got[0] != "fallback.example:20000" {
		t.Fatalf("servers = %v", got)
	}
}

func TestNextSession_IncrementsAndPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.conf")
	s, err := Load(path, "VIN", "ICCID", "HW", "FW", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	a := s.NextSession()
	b := s.NextSession()
	if b != a+1 {
		t.Fatalf("sessions not monotonic: %d then %d", a, b)
	}

	reloaded, err := Load(path, "VIN", "ICCID", "HW", "FW", "")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := reloaded.NextSession(); got != b+1 {
		t.Fatalf("reloaded session = %d, want %d", got, b+1)
	}
}

func TestPromoteServer_MovesToHeadAndDedups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.conf")
	s, err := Load(path, "VIN", "ICCID", "HW", "FW", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s.ApplyParams(s.Params())
	s.mu.Lock()
	s.servers = []string{"a:1", "b:2", "c:3"}
	s.mu.Unlock()

	s.PromoteServer("b:2")
	got := s.Servers()
	want := []string{"b:2", "a:1", "c:3"}
	if len(got) != len(want) {
		t.Fatalf("servers = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("servers = %v, want %v", got, want)
		}
	}
}

func TestApplyParams_ClampedOnReloadFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.conf")
	s, err := Load(path, "VIN", "ICCID", "HW", "FW", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s.ApplyParams(uplink.Params{AnswerS: 900, HeartbeatS: 1, LogUpdateMS: 10, ReportNormalS: 3, ReportEmergencyMS: 1000})

	reloaded, err := Load(path, "VIN", "ICCID", "HW", "FW", "")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	p := reloaded.Params()
	if p.AnswerS != 600 {
		t.Fatalf("AnswerS = %d, want clamped 600", p.AnswerS)
	}
	if p.HeartbeatS != 1 {
		t.Fatalf("HeartbeatS = %d, want 1", p.HeartbeatS)
	}
}

func TestGravityThreshold_ClampsAbove100(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.conf")
	s, err := Load(path, "VIN", "ICCID", "HW", "FW", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s.SetGravityThreshold(255)
	if got := s.GravityThreshold(); got != 100 {
		t.Fatalf("GravityThreshold = %d, want 100", got)
	}
}
