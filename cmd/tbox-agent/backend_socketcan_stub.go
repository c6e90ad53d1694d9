//go:build !linux

package main

import (
	"fmt"

	"github.com/tbox/agent/internal/candecoder"
)

// openSocketCANDevice is unsupported outside linux; placeholder so
// non-linux builds (CI, dev laptops) still compile.
var openSocketCANDevice candecoder.OpenFunc = func(iface string) (candecoder.Device, error) {
	return nil, fmt.Errorf("socketcan backend unsupported on this platform")
}
