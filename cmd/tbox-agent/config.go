package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// appConfig is the CLI/env surface of §6, generalized from the teacher's
// CAN_SERVER_* env-override pattern to TBOX_AGENT_*.
type appConfig struct {
	daemon bool

	vin   string
	iccid string

	logStoragePath string
	configPath     string

	fallbackHost string
	fallbackPort int

	stmSerialPort string

	canBackend string
	canIfaces  string

	logFormat   string
	logLevel    string
	metricsAddr string

	mdnsEnable bool
	mdnsName   string

	showVersion bool
}

const (
	defaultLogStoragePath = "/var/lib/tbox/log"
	defaultConfigPath     = "/var/lib/tbox/conf"
	defaultSTMSerialPort  = "/dev/ttymxc3"
)

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	daemon := flag.Bool("daemon", false, "Run detached as a background daemon (process-management only; no effect on agent logic)")
	vin := flag.String("vin", "", "Vehicle VIN (17 characters)")
	iccid := flag.String("iccid", "", "SIM ICCID")
	logStoragePath := flag.String("log-storage-path", defaultLogStoragePath, "Decoded-log and backlog storage directory")
	configPath := flag.String("config-path", defaultConfigPath, "settings.conf directory")
	fallbackHost := flag.String("fallback-vehicle-server-host", "", "Fallback fleet server host (used when settings.conf has no server list)")
	fallbackPort := flag.Int("fallback-vehicle-server-port", 0, "Fallback fleet server port")
	stmSerialPort := flag.String("stm-serial-port", defaultSTMSerialPort, "Companion MCU serial device path")
	canBackend := flag.String("can-backend", "socketcan", "CAN backend: socketcan")
	canIfaces := flag.String("can-ifaces", "can0", "Comma-separated CAN interface names")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default tbox-agent-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.daemon = *daemon
	cfg.vin = *vin
	cfg.iccid = *iccid
	cfg.logStoragePath = *logStoragePath
	cfg.configPath = *configPath
	cfg.fallbackHost = *fallbackHost
	cfg.fallbackPort = *fallbackPort
	cfg.stmSerialPort = *stmSerialPort
	cfg.canBackend = *canBackend
	cfg.canIfaces = *canIfaces
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.showVersion = *showVersion

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if *showVersion {
		return cfg, true
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, false
	}
	return cfg, false
}

func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.canBackend != "socketcan" {
		return fmt.Errorf("invalid can-backend: %s (only socketcan supported)", c.canBackend)
	}
	if strings.TrimSpace(c.canIfaces) == "" {
		return errors.New("can-ifaces must name at least one interface")
	}
	return nil
}

func (c *appConfig) canIfaceList() []string {
	var out []string
	for _, p := range strings.Split(c.canIfaces, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// applyEnvOverrides maps TBOX_AGENT_* environment variables, unless a
// corresponding flag was explicitly set (flags always win), per the
// teacher's applyEnvOverrides pattern.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["vin"]; !ok {
		if v, ok := get("TBOX_AGENT_VIN"); ok && v != "" {
			c.vin = v
		}
	}
	if _, ok := set["iccid"]; !ok {
		if v, ok := get("TBOX_AGENT_ICCID"); ok && v != "" {
			c.iccid = v
		}
	}
	if _, ok := set["log-storage-path"]; !ok {
		if v, ok := get("TBOX_AGENT_LOG_STORAGE_PATH"); ok && v != "" {
			c.logStoragePath = v
		}
	}
	if _, ok := set["config-path"]; !ok {
		if v, ok := get("TBOX_AGENT_CONFIG_PATH"); ok && v != "" {
			c.configPath = v
		}
	}
	if _, ok := set["fallback-vehicle-server-host"]; !ok {
		if v, ok := get("TBOX_AGENT_FALLBACK_HOST"); ok && v != "" {
			c.fallbackHost = v
		}
	}
	if _, ok := set["fallback-vehicle-server-port"]; !ok {
		if v, ok := get("TBOX_AGENT_FALLBACK_PORT"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.fallbackPort = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid TBOX_AGENT_FALLBACK_PORT: %w", err)
			}
		}
	}
	if _, ok := set["stm-serial-port"]; !ok {
		if v, ok := get("TBOX_AGENT_STM_SERIAL_PORT"); ok && v != "" {
			c.stmSerialPort = v
		}
	}
	if _, ok := set["can-ifaces"]; !ok {
		if v, ok := get("TBOX_AGENT_CAN_IFACES"); ok && v != "" {
			c.canIfaces = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("TBOX_AGENT_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("TBOX_AGENT_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("TBOX_AGENT_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("TBOX_AGENT_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("TBOX_AGENT_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}

func (c *appConfig) fallbackServer() string {
	if c.fallbackHost == "" {
		return ""
	}
	if c.fallbackPort > 0 {
		return fmt.Sprintf("%s:%d", c.fallbackHost, c.fallbackPort)
	}
	return c.fallbackHost
}
