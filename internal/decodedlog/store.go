package decodedlog

import (
	"bytes"
	"compress/zlib"
	"context"
	"fmt"
	"io"
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
	"github.com/tbox/agent/internal/metricsnapshot"
	"golang.org/x/sys/unix"
)

const (
	maxFileSize       = 8 * 1024 * 1024
	archiveInterval    = 60 * time.Second
	minFreeBytes       = 200 * 1024 * 1024
	minFreeInodes      = 2048
	writeInProgressExt = ".tlw"
	closedExt          = ".tl"
	archiveExt         = ".tlz"
	fileNameLayout     = "20060102150405"
	queueDepth         = 64
	tailCacheLimit     = 512
)

// enqueued is one pending write handed from the Supervisor-tick producer to
// the writer goroutine.
type enqueued struct {
	values map[string]*metricsnapshot.MetricValue
	at     time.Time
}

// tailEntry is a decoded record kept in memory so Query can serve the most
// recent records without reopening the write-in-progress file.
type tailEntry struct {
	at     time.Time
	values map[string]*metricsnapshot.MetricValue
}

// Store owns the decoded-log writer, archiver and query path described in
// §4.4: periodic snapshots are framed as LocalLogItem records, rotated by
// size, compressed on a schedule, and pruned by free-space/inode policy.
type Store struct {
	dir    string
	logger *slog.Logger

	queue chan enqueued

	mu       sync.Mutex
	curFile  *os.File
	curPath  string
	curSize  int
	lastTime time.Time
	tail     []tailEntry

	sched gocron.Scheduler
	wg    sync.WaitGroup
}

// New constructs a Store rooted at dir, performing crash recovery on any
// leftover write-in-progress file (renaming it to closed so it is picked up
// by the next archive sweep, per §4.4).
func New(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.L()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("decodedlog: create storage dir: %w", err)
	}
	s := &Store{dir: dir, logger: logger, queue: make(chan enqueued, queueDepth)}
	if err := s.recoverWriteInProgress(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) recoverWriteInProgress() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("decodedlog: read storage dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), writeInProgressExt) {
			continue
		}
		old := filepath.Join(s.dir, e.Name())
		newName := strings.TrimSuffix(e.Name(), writeInProgressExt) + closedExt
		if err := os.Rename(old, filepath.Join(s.dir, newName)); err != nil {
			s.logger.Warn("decodedlog_recover_rename_failed", "file", e.Name(), "error", err)
			continue
		}
		s.logger.Info("decodedlog_recovered", "from", e.Name(), "to", newName)
	}
	return nil
}

// Enqueue hands a cloned snapshot plus timestamp to the writer goroutine.
// The send is non-blocking: a saturated queue means the writer has fallen
// behind filesystem I/O, and the record is dropped rather than stalling the
// Supervisor tick that calls Enqueue.
func (s *Store) Enqueue(values map[string]*metricsnapshot.MetricValue, at time.Time) {
	select {
	case s.queue <- enqueued{values: values, at: at}:
	default:
		metrics.IncError(metrics.ErrLogWrite)
		s.logger.Warn("decodedlog_queue_full_dropped_record")
	}
}

// Run drives the writer goroutine and the archive/retention scheduler until
// ctx is cancelled, then flushes and closes the current write-in-progress
// file.
func (s *Store) Run(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("decodedlog: create scheduler: %w", err)
	}
	s.sched = sched
	if _, err := sched.NewJob(
		gocron.DurationJob(archiveInterval),
		gocron.NewTask(func() { s.archiveSweep() }),
	); err != nil {
		return fmt.Errorf("decodedlog: register archive job: %w", err)
	}
	sched.Start()

	s.wg.Add(1)
	go s.writeLoop(ctx)

	<-ctx.Done()
	s.wg.Wait()
	_ = sched.Shutdown()
	return s.closeCurrent()
}

func (s *Store) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-s.queue:
			s.writeRecord(item)
		}
	}
}

func (s *Store) writeRecord(item enqueued) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nonMonotonic := !s.lastTime.IsZero() && item.at.Before(s.lastTime)

	payload, err := EncodePayload(item.values, item.at)
	if err != nil {
		s.logger.Error("decodedlog_encode_failed", "error", err)
		metrics.IncError(metrics.ErrLogWrite)
		return
	}
	rec := EncodeRecord(payload)

	if s.curFile == nil || nonMonotonic || s.curSize+len(rec) > maxFileSize {
		if err := s.rotateLocked(); err != nil {
			s.logger.Error("decodedlog_rotate_failed", "error", err)
			metrics.IncError(metrics.ErrLogWrite)
			return
		}
	}

	if _, err := s.curFile.Write(rec); err != nil {
		s.logger.Error("decodedlog_write_failed", "error", err)
		metrics.IncError(metrics.ErrLogWrite)
		// Per §7: a write failure closes the current file and clears the
		// in-memory cache so we do not get stuck retrying the same file.
		_ = s.curFile.Close()
		s.curFile = nil
		s.curSize = 0
		s.tail = nil
		return
	}
	if err := s.curFile.Sync(); err != nil {
		s.logger.Warn("decodedlog_fsync_failed", "error", err)
	}
	s.curSize += len(rec)
	s.lastTime = item.at
	metrics.IncDecodedLogWrite()

	s.tail = append(s.tail, tailEntry{at: item.at, values: item.values})
	if len(s.tail) > tailCacheLimit {
		s.tail = s.tail[len(s.tail)-tailCacheLimit:]
	}
}

// rotateLocked closes the current write-in-progress file (renaming it to
// closed) if any, and opens a fresh one. Caller holds s.mu.
func (s *Store) rotateLocked() error {
	if s.curFile != nil {
		if err := s.closeCurrentLocked(); err != nil {
			return err
		}
		metrics.IncDecodedLogRotation()
	}
	// Step the stamp forward past any name already used in this second so a
	// rotation never reopens (and later overwrites) an earlier file.
	stamp := time.Now().UTC()
	var path string
	for {
		base := filepath.Join(s.dir, "tbl-"+stamp.Format(fileNameLayout))
		path = base + writeInProgressExt
		_, errW := os.Stat(path)
		_, errC := os.Stat(base + closedExt)
		_, errZ := os.Stat(base + archiveExt)
		if os.IsNotExist(errW) && os.IsNotExist(errC) && os.IsNotExist(errZ) {
			break
		}
		stamp = stamp.Add(time.Second)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("decodedlog: open %s: %w", path, err)
	}
	s.curFile = f
	s.curPath = path
	s.curSize = 0
	return nil
}

func (s *Store) closeCurrentLocked() error {
	if s.curFile == nil {
		return nil
	}
	if err := s.curFile.Close(); err != nil {
		return fmt.Errorf("decodedlog: close %s: %w", s.curPath, err)
	}
	closedPath := strings.TrimSuffix(s.curPath, writeInProgressExt) + closedExt
	if err := os.Rename(s.curPath, closedPath); err != nil {
		return fmt.Errorf("decodedlog: rename %s: %w", s.curPath, err)
	}
	s.curFile = nil
	s.curPath = ""
	s.tail = nil
	return nil
}

func (s *Store) closeCurrent() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCurrentLocked()
}

// archiveSweep compresses every closed .tl file into a matching .tlz and
// then applies the free-space/inode retention policy, per §4.4/§6.
func (s *Store) archiveSweep() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("decodedlog_archive_readdir_failed", "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), closedExt) {
			continue
		}
		if err := s.compressOne(e.Name()); err != nil {
			// Left for the next sweep, per §7.
			s.logger.Warn("decodedlog_archive_failed", "file", e.Name(), "error", err)
			metrics.IncError(metrics.ErrLogArchive)
		}
	}
	s.enforceRetention()
}

func (s *Store) compressOne(name string) error {
	src := filepath.Join(s.dir, name)
	dst := strings.TrimSuffix(src, closedExt) + archiveExt
	tmp := dst + ".tmp"

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	zw := zlib.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("compress %s: %w", src, err)
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("flush zlib %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove %s: %w", src, err)
	}
	metrics.IncDecodedLogArchived()
	return nil
}

// enforceRetention deletes .tlz archives oldest-first while free space or
// free inodes are below the configured thresholds.
func (s *Store) enforceRetention() {
	for {
		free, inodes, err := diskFree(s.dir)
		if err != nil {
			s.logger.Warn("decodedlog_statfs_failed", "error", err)
			return
		}
		if free >= minFreeBytes && inodes >= minFreeInodes {
			return
		}
		victim, ok := s.oldestArchive()
		if !ok {
			return
		}
		if err := os.Remove(victim); err != nil {
			s.logger.Warn("decodedlog_retention_remove_failed", "file", victim, "error", err)
			return
		}
		metrics.IncDecodedLogRetentionDelete()
	}
}

func (s *Store) oldestArchive() (string, bool) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return "", false
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), archiveExt) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", false
	}
	sort.Strings(names) // lexicographic order == chronological, per the naming scheme
	return filepath.Join(s.dir, names[0]), true
}

func diskFree(dir string) (freeBytes uint64, freeInodes uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, 0, err
	}
	return st.Bavail * uint64(st.Bsize), st.Ffree, nil
}

// Query streams decoded records in chronological order between begin and
// end (either may be zero meaning unbounded), invoking fn for each record in
// range. fn returning false stops the scan early. Archived (.tlz) files are
// scanned first, followed by the in-memory tail cache, matching §4.4.
func (s *Store) Query(begin, end time.Time, fn func(at time.Time, values map[string]*metricsnapshot.MetricValue) bool) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("decodedlog: read storage dir: %w", err)
	}
	var archives []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), archiveExt) {
			archives = append(archives, e.Name())
		}
	}
	sort.Strings(archives)

	for _, name := range archives {
		cont, err := s.queryArchive(filepath.Join(s.dir, name), begin, end, fn)
		if err != nil {
			s.logger.Warn("decodedlog_query_archive_failed", "file", name, "error", err)
			continue
		}
		if !cont {
			return nil
		}
	}

	s.mu.Lock()
	tail := make([]tailEntry, len(s.tail))
	copy(tail, s.tail)
	s.mu.Unlock()

	for _, rec := range tail {
		if !begin.IsZero() && rec.at.Before(begin) {
			continue
		}
		if !end.IsZero() && rec.at.After(end) {
			break
		}
		if !fn(rec.at, rec.values) {
			return nil
		}
	}
	return nil
}

func (s *Store) queryArchive(path string, begin, end time.Time, fn func(time.Time, map[string]*metricsnapshot.MetricValue) bool) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return true, err
	}
	defer f.Close()

	zr, err := zlib.NewReader(f)
	if err != nil {
		return true, fmt.Errorf("zlib reader: %w", err)
	}
	defer zr.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, zr); err != nil {
		return true, fmt.Errorf("inflate: %w", err)
	}
	data := buf.Bytes()

	for len(data) > 0 {
		payload, consumed, ok := DecodeRecord(data)
		if !ok {
			if consumed == 0 {
				break // truncated tail record: stop scanning this file
			}
			data = data[consumed:]
			continue
		}
		data = data[consumed:]

		values, err := DecodePayload(payload)
		if err != nil {
			continue
		}
		at := recordTimestamp(values)
		if !begin.IsZero() && at.Before(begin) {
			continue
		}
		if !end.IsZero() && at.After(end) {
			return false, nil // past the range: stop scanning entirely
		}
		if !fn(at, values) {
			return false, nil
		}
	}
	return true, nil
}

func recordTimestamp(values map[string]*metricsnapshot.MetricValue) time.Time {
	if mv, ok := values[timeEntryName]; ok {
		return time.Unix(mv.Value, 0)
	}
	return time.Time{}
}
