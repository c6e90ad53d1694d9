package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
)

// mdnsServiceType advertises the T-Box agent on the vehicle LAN; a
// discoverable diagnostic endpoint is a plausible deployment aid and
// exercises the teacher's zeroconf dependency in the new domain.
const mdnsServiceType = "_tbox-agent._tcp"

func startMDNS(ctx context.Context, cfg *appConfig, vin string, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	if port <= 0 {
		port = 1 // agent has no inbound listener; advertised only for TXT-record discovery
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("tbox-agent-%s", host)
	}
	meta := []string{
		"vin=" + vin,
		"version=" + version,
		"commit=" + commit,
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}
