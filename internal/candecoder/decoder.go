// Package candecoder reads raw CAN frames from kernel SocketCAN interfaces,
// extracts bit-fields per the signal table, and feeds the decoded metric
// updates into a MetricSnapshot.
package candecoder

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tbox/agent/internal/can"
	"github.com/tbox/agent/internal/logging"
	"github.com/tbox/agent/internal/metrics"
	"github.com/tbox/agent/internal/metricsnapshot"
	"github.com/tbox/agent/internal/signaltable"
)

// Device is the minimal read side of a bound CAN interface. Implemented by
// *socketcan.Device in production (linux-only) and by fakes in tests; kept
// local (rather than importing internal/socketcan's interface directly) so
// this package stays buildable on every platform.
type Device interface {
	ReadFrame(*can.Frame) error
	Close() error
}

// OpenFunc opens one SocketCAN interface by name. Interface enumeration
// ("which can* devices exist on this box") is an external collaborator per
// spec scope; the Decoder is handed the interface names to bind.
type OpenFunc func(iface string) (Device, error)

// Decoder owns the per-interface read loops and the CAN-silence watchdog
// used by the Supervisor to decide when to shut down.
type Decoder struct {
	table      *signaltable.Table
	classifier *Classifier
	snapshot   *metricsnapshot.Snapshot
	logger     *slog.Logger

	lastFrameUnixNano atomic.Int64
}

// New constructs a Decoder bound to the given signal table and snapshot.
func New(table *signaltable.Table, classifier *Classifier, snap *metricsnapshot.Snapshot, logger *slog.Logger) *Decoder {
	if classifier == nil {
		classifier = NewClassifier()
	}
	if logger == nil {
		logger = logging.L()
	}
	d := &Decoder{table: table, classifier: classifier, snapshot: snap, logger: logger}
	d.lastFrameUnixNano.Store(time.Now().UnixNano())
	return d
}

// SilenceDuration reports how long it has been since the last successfully
// decoded CAN frame on any interface.
func (d *Decoder) SilenceDuration() time.Duration {
	last := time.Unix(0, d.lastFrameUnixNano.Load())
	return time.Since(last)
}

// Run opens every named interface via open and decodes frames until ctx is
// cancelled. It returns once all interface goroutines have exited.
func (d *Decoder) Run(ctx context.Context, ifaces []string, open OpenFunc) error {
	var wg sync.WaitGroup
	var firstErr error
	var mu sync.Mutex
	for i, iface := range ifaces {
		dev, err := open(iface)
		if err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			continue
		}
		source := byte(i + 1)
		wg.Add(1)
		go func(dev Device, source byte, iface string) {
			defer wg.Done()
			defer dev.Close()
			d.runInterface(ctx, dev, source, iface)
		}(dev, source, iface)
	}
	wg.Wait()
	return firstErr
}

const (
	rxBackoffMin = 20 * time.Millisecond
	rxBackoffMax = 500 * time.Millisecond
)

func (d *Decoder) runInterface(ctx context.Context, dev Device, source byte, iface string) {
	backoff := rxBackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var fr can.Frame
		if err := dev.ReadFrame(&fr); err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.IncError(metrics.ErrSocketCANRead)
			d.logger.Warn("can_read_error", "iface", iface, "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
			continue
		}
		backoff = rxBackoffMin
		d.lastFrameUnixNano.Store(time.Now().UnixNano())
		metrics.IncSocketCANRx()
		d.decodeFrame(fr, source)
	}
}

func (d *Decoder) decodeFrame(fr can.Frame, source byte) {
	id := int(fr.CANID & can.CAN_EFF_MASK)
	descs := d.table.Lookup(id)
	if len(descs) == 0 {
		return
	}
	payload := fr.Data[:fr.Len]
	for _, desc := range descs {
		if desc.Source != 0 && desc.Source != source {
			continue
		}
		raw, ok := ExtractBits(payload, desc.FirstBit, desc.BitLength, desc.Endian)
		if !ok {
			continue // bit-range violation: skip silently per spec
		}
		shape, parent := d.classifier.Classify(desc.Name)
		d.snapshot.Apply(metricsnapshot.Update{
			Name:       desc.Name,
			Raw:        int64(raw),
			Unit:       desc.Unit,
			Offset:     desc.Offset,
			Source:     desc.Source,
			Shape:      shape,
			ListParent: parent,
		})
	}
}
