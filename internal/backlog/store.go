package backlog

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/tbox/agent/internal/logging"
	"github.com/tbox/agent/internal/metrics"
)

const (
	// spillTrigger is TL_NET_LOG_TO_DISK_TRIGGER from §4.7.
	spillTrigger = 2048
	refillBatch  = 1024
	maxFileAge   = 8 * 24 * time.Hour
	fileDateFmt  = "20060102"
	sweepPeriod  = 1 * time.Second
)

// Store is the uplink priority tree plus its disk spill/reload worker and
// pre-connection history ring, per §4.7.
type Store struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	tree    *priorityTree
	history *historyRing

	check chan struct{}
	sched gocron.Scheduler
}

// New constructs a Store rooted at dir (the agent's log storage base).
func New(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.L()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmtErr("create storage dir", err)
	}
	return &Store{
		dir:     dir,
		logger:  logger,
		tree:    newPriorityTree(),
		history: newHistoryRing(),
		check:   make(chan struct{}, 1),
	}, nil
}

// Add inserts a pending realtime frame into the priority tree, keyed by its
// event timestamp, and wakes the spill/reload worker to re-check size.
func (s *Store) Add(ts int64, payload []byte) {
	s.mu.Lock()
	s.tree.Push(ts, payload)
	n := s.tree.Len()
	s.mu.Unlock()
	metrics.SetBacklogDepth(n)
	s.wake()
}

func (s *Store) wake() {
	select {
	case s.check <- struct{}{}:
	default:
	}
}

// RecordHistory appends to the small pre-connection ring, independent of
// the priority tree.
func (s *Store) RecordHistory(ts int64, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Push(ts, payload)
}

// PromoteHistoryOnEmergency bulk-promotes the last 30 seconds of history
// into the priority tree, per §4.7's "fault-level upward crossing into
// emergency" trigger.
func (s *Store) PromoteHistoryOnEmergency(nowTS int64) {
	s.mu.Lock()
	promote := s.history.Since(nowTS - 30)
	for _, e := range promote {
		s.tree.Push(e.Timestamp, e.Payload)
	}
	n := s.tree.Len()
	s.mu.Unlock()
	metrics.SetBacklogDepth(n)
	if len(promote) > 0 {
		s.wake()
	}
}

// Len returns the current priority-tree depth.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Len()
}

// PeekOldest returns the lowest-timestamp pending entry without removing
// it, for the uplink drain loop to encode and send.
func (s *Store) PeekOldest() (ts int64, payload []byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tree.Peek()
	if !ok {
		return 0, nil, false
	}
	return e.Timestamp, e.Payload, true
}

// Entry is one pending wire payload, keyed by its event timestamp, as
// returned by PeekAllDue.
type Entry struct {
	Timestamp int64
	Payload   []byte
}

// PeekAllDue returns every pending entry with Timestamp <= cutoff, ordered
// ascending, without removing them — per §4.6, the uplink client walks and
// sends the whole due set in one pass whenever its write queue is empty,
// rather than draining one entry per tick. Entries are only ever removed
// from the tree via Remove, once the server echoes their acknowledgement.
func (s *Store) PeekAllDue(cutoff int64) []Entry {
	s.mu.Lock()
	raw := s.tree.PeekAllDue(cutoff)
	s.mu.Unlock()
	out := make([]Entry, len(raw))
	for i, e := range raw {
		out[i] = Entry{Timestamp: e.Timestamp, Payload: e.Payload}
	}
	return out
}

// Remove deletes the entry keyed by ts (the server's echoed acknowledgement
// timestamp), per §5/§8's "no other removal path" invariant.
func (s *Store) Remove(ts int64) bool {
	s.mu.Lock()
	removed := s.tree.Remove(ts)
	n := s.tree.Len()
	s.mu.Unlock()
	if removed {
		metrics.SetBacklogDepth(n)
		s.wake()
	}
	return removed
}

// Run drives the spill/reload worker until ctx is cancelled: when the tree
// exceeds spillTrigger it drains roughly half to per-date files; when the
// tree is empty it refills from the oldest non-stale file. A gocron job
// provides the periodic sweep (matching the scheduler choice used for the
// decoded-log archiver), backstopped by an immediate wake on Add/Remove so
// a crossing of spillTrigger doesn't wait out a full tick.
func (s *Store) Run(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmtErr("create scheduler", err)
	}
	s.sched = sched
	if _, err := sched.NewJob(
		gocron.DurationJob(sweepPeriod),
		gocron.NewTask(func() { s.sweep() }),
	); err != nil {
		return fmtErr("schedule sweep", err)
	}
	sched.Start()
	defer func() { _ = sched.Shutdown() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.check:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	if err := s.spillIfNeeded(); err != nil {
		s.logger.Warn("backlog_spill_failed", "error", err)
	}
	if err := s.refillIfEmpty(); err != nil {
		s.logger.Warn("backlog_refill_failed", "error", err)
	}
}

func (s *Store) spillIfNeeded() error {
	s.mu.Lock()
	n := s.tree.Len()
	if n <= spillTrigger {
		s.mu.Unlock()
		return nil
	}
	batch := s.tree.Drain(n / 2)
	s.mu.Unlock()
	return s.writeBatch(batch)
}

func (s *Store) writeBatch(batch []entry) error {
	byDate := make(map[string][]entry)
	for _, e := range batch {
		date := time.Unix(e.Timestamp, 0).UTC().Format(fileDateFmt)
		byDate[date] = append(byDate[date], e)
	}
	for date, es := range byDate {
		path := filepath.Join(s.dir, "tn-"+date+".tn")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmtErr("open "+path, err)
		}
		for _, e := range es {
			if _, err := f.Write(EncodeRecord(e.Timestamp, e.Payload)); err != nil {
				f.Close()
				return fmtErr("write "+path, err)
			}
		}
		if err := f.Sync(); err != nil {
			s.logger.Warn("backlog_spill_fsync_failed", "file", path, "error", err)
		}
		f.Close()
	}
	return nil
}

func (s *Store) refillIfEmpty() error {
	s.mu.Lock()
	empty := s.tree.Len() == 0
	s.mu.Unlock()
	if !empty {
		return nil
	}
	return s.refillSweep()
}

func (s *Store) refillSweep() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmtErr("read storage dir", err)
	}

	now := time.Now().UTC()
	var candidates []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "tn-") || !strings.HasSuffix(e.Name(), ".tn") {
			continue
		}
		datePart := strings.TrimSuffix(strings.TrimPrefix(e.Name(), "tn-"), ".tn")
		t, err := time.Parse(fileDateFmt, datePart)
		if err != nil {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if now.Sub(t) > maxFileAge {
			if err := os.Remove(path); err != nil {
				s.logger.Warn("backlog_stale_remove_failed", "file", e.Name(), "error", err)
			}
			continue
		}
		candidates = append(candidates, e.Name())
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Strings(candidates) // tn-YYYYMMDD.tn: lexicographic == chronological

	return s.refillFrom(filepath.Join(s.dir, candidates[0]))
}

func (s *Store) refillFrom(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmtErr("read "+path, err)
	}

	count := 0
	for len(data) > 0 && count < refillBatch {
		ts, pkt, consumed, ok := DecodeRecord(data)
		if !ok {
			if consumed == 0 {
				break // truncated tail: stop, leave remainder on disk
			}
			data = data[consumed:]
			continue
		}
		data = data[consumed:]
		s.mu.Lock()
		s.tree.Push(ts, pkt)
		s.mu.Unlock()
		count++
	}

	if len(data) == 0 {
		return os.Remove(path)
	}
	return os.WriteFile(path, data, 0o644)
}
