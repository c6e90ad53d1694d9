//go:build linux

package main

import (
	"github.com/tbox/agent/internal/candecoder"
	"github.com/tbox/agent/internal/socketcan"
)

// openSocketCANDevice is a hook for tests.
var openSocketCANDevice candecoder.OpenFunc = func(iface string) (candecoder.Device, error) {
	dev, err := socketcan.Open(iface)
	if err != nil {
		return nil, err
	}
	return dev, nil
}
