package storage

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/matteso1/crabdb/internal/metrics"
)

// Store is the key-value surface served by the engine actor.
type Store interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, bool, error)
	Close() error
}

// segmentSlot holds the live segment and, while the merger persists it,
// the segment that was just swapped out.
type segmentSlot struct {
	mu       sync.RWMutex
	live     *Segment
	flushing *Segment
}

func newSegmentSlot() *segmentSlot {
	return &segmentSlot{live: NewSegment()}
}

func (s *segmentSlot) write(key string, value []byte) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live.Write(key, value)
}

func (s *segmentSlot) read(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.live.Read(key); ok {
		return v, true
	}
	if s.flushing != nil {
		return s.flushing.Read(key)
	}
	return nil, false
}

// swap takes the live segment's contents and parks them as flushing.
func (s *segmentSlot) swap() *Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	taken := s.live.Take()
	s.flushing = taken
	return taken
}

// done clears the flushing segment once it is readable from disk.
func (s *segmentSlot) done() {
	s.mu.Lock()
	s.flushing = nil
	s.mu.Unlock()
}

// rollback returns a segment that failed to persist to the live segment.
func (s *segmentSlot) rollback(taken *Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.live.restore(taken)
	s.flushing = nil
}

func (s *segmentSlot) size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live.Size()
}

func (s *segmentSlot) keys() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live.Len()
}

// segmentLoader reads segment files through an optional LRU of decoded segments.
type segmentLoader struct {
	dir   string
	cache *lru.Cache[string, *Segment]
}

func newSegmentLoader(dir string, cacheSize int) (*segmentLoader, error) {
	l := &segmentLoader{dir: dir}
	if cacheSize > 0 {
		cache, err := lru.New[string, *Segment](cacheSize)
		if err != nil {
			return nil, errors.Wrap(err, "create segment cache")
		}
		l.cache = cache
	}
	return l, nil
}

func (l *segmentLoader) load(name string) (*Segment, error) {
	if l.cache != nil {
		if seg, ok := l.cache.Get(name); ok {
			return seg, nil
		}
	}
	seg, err := ReadSegmentFile(filepath.Join(l.dir, name))
	if err != nil {
		return nil, err
	}
	l.add(name, seg)
	return seg, nil
}

func (l *segmentLoader) add(name string, seg *Segment) {
	if l.cache != nil {
		l.cache.Add(name, seg)
	}
}

func (l *segmentLoader) forget(name string) {
	if l.cache != nil {
		l.cache.Remove(name)
	}
}

// SegmentManager is the engine facade. It owns the live segment and the
// merger that persists it.
type SegmentManager struct {
	dir        string
	config     Config
	slot       *segmentSlot
	segmentMap *SegmentMap
	loader     *segmentLoader
	merger     *SegmentMerger
	closed     atomic.Bool
	closeOnce  sync.Once
	closeErr   error
	log        *logrus.Entry
	metrics    *metrics.Metrics
}

// Open creates or opens a segment engine in dir and starts its merger.
func Open(dir string, config Config) (*SegmentManager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create data directory")
	}
	if config.ManifestFile == "" {
		config.ManifestFile = DefaultManifestFile
	}
	if config.MaxSegmentSize <= 0 {
		config.MaxSegmentSize = DefaultMaxSegmentSize
	}
	if config.MergeInterval <= 0 {
		config.MergeInterval = DefaultMergeInterval
	}

	segmentMap, err := LoadSegmentMap(filepath.Join(dir, config.ManifestFile))
	if err != nil {
		return nil, errors.WithMessage(err, "load manifest")
	}

	loader, err := newSegmentLoader(dir, config.SegmentCacheSize)
	if err != nil {
		return nil, err
	}

	m := &SegmentManager{
		dir:        dir,
		config:     config,
		slot:       newSegmentSlot(),
		segmentMap: segmentMap,
		loader:     loader,
		log:        config.logger(),
		metrics:    config.Metrics,
	}
	m.merger = newSegmentMerger(dir, m.slot, segmentMap, loader, config)
	m.merger.Start()

	m.metrics.SetSegmentFiles(segmentMap.Len())
	m.log.WithField("segments", segmentMap.Len()).Infof("opened segment engine in %s", dir)
	return m, nil
}

// Put writes key into the live segment. Once the live segment reaches
// MaxSegmentSize the merger is notified; Put never waits for the flush.
func (m *SegmentManager) Put(key string, value []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}
	start := time.Now()

	size := m.slot.write(key, value)
	if size >= m.config.MaxSegmentSize {
		m.merger.Notify()
	}

	m.metrics.SetLiveSegmentBytes(size)
	m.metrics.RecordWrite(len(value), time.Since(start))
	return nil
}

// Get looks key up in the live segment, the segment being flushed, then the
// segment files from newest to oldest. The first match wins.
func (m *SegmentManager) Get(key string) ([]byte, bool, error) {
	if m.closed.Load() {
		return nil, false, ErrClosed
	}
	start := time.Now()

	value, found, err := m.get(key)
	switch {
	case err != nil:
		m.metrics.RecordRead(metrics.ResultError, time.Since(start))
		m.metrics.RecordError("read")
	case found:
		m.metrics.RecordRead(metrics.ResultHit, time.Since(start))
	default:
		m.metrics.RecordRead(metrics.ResultMiss, time.Since(start))
	}
	return value, found, err
}

func (m *SegmentManager) get(key string) ([]byte, bool, error) {
	if v, ok := m.slot.read(key); ok {
		return v, true, nil
	}

	// A compaction may retire a file between listing and loading it; the
	// manifest is rewritten before files are deleted, so relisting is enough.
	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		value, found, err := m.searchFiles(key, m.segmentMap.Files())
		if err == nil {
			return value, found, nil
		}
		if !os.IsNotExist(errors.Cause(err)) {
			return nil, false, err
		}
		lastErr = err
	}
	return nil, false, lastErr
}

func (m *SegmentManager) searchFiles(key string, files []string) ([]byte, bool, error) {
	for i := len(files) - 1; i >= 0; i-- {
		seg, err := m.loader.load(files[i])
		if errors.Is(err, ErrCorruptedSegment) {
			m.metrics.RecordError("read")
			m.log.WithError(err).WithField("segment", files[i]).Warn("skipping corrupted segment file")
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if v, ok := seg.Read(key); ok {
			return v, true, nil
		}
	}
	return nil, false, nil
}

// Flush synchronously runs one flush round.
func (m *SegmentManager) Flush() error {
	if m.closed.Load() {
		return ErrClosed
	}
	return m.merger.Flush()
}

// Compact synchronously flushes and compacts, as a timer tick would.
func (m *SegmentManager) Compact() error {
	if m.closed.Load() {
		return ErrClosed
	}
	return m.merger.FlushAndMerge()
}

// SegmentFiles returns the manifest's segment file names, oldest first.
func (m *SegmentManager) SegmentFiles() []string {
	return m.segmentMap.Files()
}

// Close stops the merger and persists whatever the live segment still holds.
func (m *SegmentManager) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.merger.Stop()
		if err := m.merger.Flush(); err != nil {
			m.closeErr = errors.WithMessage(err, "final flush")
		}
		m.log.Info("segment engine closed")
	})
	return m.closeErr
}

// Stats returns current statistics.
func (m *SegmentManager) Stats() ManagerStats {
	return ManagerStats{
		LiveSegmentSize: m.slot.size(),
		LiveSegmentKeys: m.slot.keys(),
		SegmentFiles:    m.segmentMap.Len(),
		MergerState:     m.merger.State(),
	}
}

// ManagerStats contains runtime statistics.
type ManagerStats struct {
	LiveSegmentSize int64
	LiveSegmentKeys int
	SegmentFiles    int
	MergerState     MergerState
}
