// Package configstore persists the agent's tunables and server list to
// settings.conf (INI), per §6: write-through on every change, defaults
// applied when a key is absent or unparsable, current in-memory values kept
// on parse failure.
package configstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/ini.v1"

	"github.com/tbox/agent/internal/logging"
	"github.com/tbox/agent/internal/uplink"
)

const (
	secNetwork    = "Network"
	secConnection = "Connnection" // matches spec.md's section name, typo and all
	secServer     = "Server"
	secConfig     = "Config"

	maxServers = 5
)

// defaults mirror the §6 settings table.
const (
	defaultAnswerTimeout          = 60
	defaultHeartbeatTimeout       = 10
	defaultReportNormalTimeout    = 5
	defaultReportEmergencyTimeout = 1
	defaultLocalLogUpdateMS       = 10000
	defaultGravityThreshold       = 0
)

// Store is an ini.v1-backed, mutex-guarded settings.conf reader/writer. It
// implements uplink.Config.
type Store struct {
	mu   sync.Mutex
	path string

	vin          string
	iccid        string
	batteryCodes []string
	session      uint16
	servers      []string
	hwVersion    string
	fwVersion    string
	params       uplink.Params

	gravityThreshold byte
}

var _ uplink.Config = (*Store)(nil)

// Load reads path (creating a defaulted file if absent) into a Store.
func Load(path, vin, iccid, hwVersion, fwVersion string, fallbackServer string) (*Store, error) {
	s := &Store{
		path:      path,
		vin:       vin,
		iccid:     iccid,
		hwVersion: hwVersion,
		fwVersion: fwVersion,
		params: uplink.Params{
			LogUpdateMS:       defaultLocalLogUpdateMS,
			ReportNormalS:     defaultReportNormalTimeout,
			ReportEmergencyMS: defaultReportEmergencyTimeout * 1000,
			HeartbeatS:        defaultHeartbeatTimeout,
			AnswerS:           defaultAnswerTimeout,
		},
		gravityThreshold: defaultGravityThreshold,
	}
	if fallbackServer != "" {
		s.servers = []string{fallbackServer}
	}

	cfg, err := ini.LoadSources(ini.LoadOptions{Loose: true, AllowNonUniqueSections: false}, path)
	if err != nil {
		logging.L().Warn("configstore_load_failed", "path", path, "error", err)
		return s, s.writeLocked()
	}
	s.applyFrom(cfg)
	return s, nil
}

func (s *Store) applyFrom(cfg *ini.File) {
	net := cfg.Section(secNetwork)
	if v := net.Key("LastVIN").String(); v != "" {
		s.vin = v
	}
	s.session = uint16(net.Key("LastSession").MustUint(0))

	conn := cfg.Section(secConnection)
	s.params.AnswerS = clampInt(conn.Key("AnswerTimeout").MustInt(defaultAnswerTimeout), 1, 600)
	s.params.HeartbeatS = clampInt(conn.Key("HeartbeatTimeout").MustInt(defaultHeartbeatTimeout), 1, 240)
	s.params.ReportNormalS = clampInt(conn.Key("ReportNormalTimeout").MustInt(defaultReportNormalTimeout), 1, 600)
	s.params.ReportEmergencyMS = clampInt(conn.Key("ReportEmergencyTimeout").MustInt(defaultReportEmergencyTimeout), 1, 600) * 1000
	s.params.LogUpdateMS = clampInt(conn.Key("LocalLogUpdateTimeout").MustInt(defaultLocalLogUpdateMS), 1, 60000)

	srv := cfg.Section(secServer)
	var servers []string
	for i := 1; i <= maxServers; i++ {
		v := strings.TrimSpace(srv.Key(fmt.Sprintf("Host%d", i)).String())
		if v != "" {
			servers = append(servers, v)
		}
	}
	if len(servers) > 0 {
		s.servers = servers
	}

	cfgSec := cfg.Section(secConfig)
	s.gravityThreshold = byte(clampInt(cfgSec.Key("GravityThreshold").MustInt(defaultGravityThreshold), 0, 100))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// writeLocked serializes the current in-memory state to s.path. Callers
// must hold s.mu.
func (s *Store) writeLocked() error {
	cfg := ini.Empty()

	net, _ := cfg.NewSection(secNetwork)
	_, _ = net.NewKey("LastVIN", s.vin)
	_, _ = net.NewKey("LastSession", fmt.Sprintf("%d", s.session))

	conn, _ := cfg.NewSection(secConnection)
	_, _ = conn.NewKey("AnswerTimeout", fmt.Sprintf("%d", s.params.AnswerS))
	_, _ = conn.NewKey("HeartbeatTimeout", fmt.Sprintf("%d", s.params.HeartbeatS))
	_, _ = conn.NewKey("ReportNormalTimeout", fmt.Sprintf("%d", s.params.ReportNormalS))
	_, _ = conn.NewKey("ReportEmergencyTimeout", fmt.Sprintf("%d", s.params.ReportEmergencyMS/1000))
	_, _ = conn.NewKey("LocalLogUpdateTimeout", fmt.Sprintf("%d", s.params.LogUpdateMS))

	srv, _ := cfg.NewSection(secServer)
	for i, addr := range s.servers {
		if i >= maxServers {
			break
		}
		_, _ = srv.NewKey(fmt.Sprintf("Host%d", i+1), addr)
	}

	cfgSec, _ := cfg.NewSection(secConfig)
	_, _ = cfgSec.NewKey("GravityThreshold", fmt.Sprintf("%d", s.gravityThreshold))

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("configstore mkdir: %w", err)
	}
	if err := cfg.SaveTo(s.path); err != nil {
		return fmt.Errorf("configstore save: %w", err)
	}
	return nil
}

// VIN implements uplink.Config.
func (s *Store) VIN() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vin
}

// ICCID implements uplink.Config.
func (s *Store) ICCID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iccid
}

// BatteryCodes implements uplink.Config.
func (s *Store) BatteryCodes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.batteryCodes...)
}

// SetBatteryCodes is not part of uplink.Config. Nothing in this repository
// calls it, so BatteryCodes returns an empty list unless a caller sets it.
func (s *Store) SetBatteryCodes(codes []string) {
	s.mu.Lock()
	s.batteryCodes = append([]string(nil), codes...)
	s.mu.Unlock()
}

// NextSession implements uplink.Config: increments and persists the login
// session counter, per §4.6's "session+1 persisted to config".
func (s *Store) NextSession() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session++
	_ = s.writeLocked()
	return s.session
}

// Servers implements uplink.Config.
func (s *Store) Servers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.servers...)
}

// PromoteServer implements uplink.Config: moves addr to the head of the
// server list (inserting it if new), persisting the change.
func (s *Store) PromoteServer(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	filtered := s.servers[:0:0]
	for _, v := range s.servers {
		if v != addr {
			filtered = append(filtered, v)
		}
	}
	s.servers = append([]string{addr}, filtered...)
	if len(s.servers) > maxServers {
		s.servers = s.servers[:maxServers]
	}
	_ = s.writeLocked()
}

// HWVersion implements uplink.Config.
func (s *Store) HWVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hwVersion
}

// FWVersion implements uplink.Config.
func (s *Store) FWVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fwVersion
}

// Params implements uplink.Config.
func (s *Store) Params() uplink.Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// ApplyParams implements uplink.Config: write-through, per §5 "Config
// persistence is write-through — every change syncs the config file."
func (s *Store) ApplyParams(p uplink.Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = p
	_ = s.writeLocked()
}

// GravityThreshold returns the persisted MCU gravity-event threshold.
func (s *Store) GravityThreshold() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gravityThreshold
}

// SetGravityThreshold persists a new MCU gravity-event threshold.
func (s *Store) SetGravityThreshold(v byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v > 100 {
		v = 100
	}
	s.gravityThreshold = v
	_ = s.writeLocked()
}
