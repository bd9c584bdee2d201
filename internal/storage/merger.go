package storage

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/matteso1/crabdb/internal/metrics"
)

// MergerState is the phase of the merger's current round.
type MergerState int32

const (
	Idle MergerState = iota
	Flushing
	Persisted
	Merging
)

func (s MergerState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Flushing:
		return "Flushing"
	case Persisted:
		return "Persisted"
	case Merging:
		return "Merging"
	default:
		return "Unknown"
	}
}

// SegmentMerger persists the live segment and compacts segment files.
//
// It runs one goroutine that waits on a ticker and on flush notifications.
// A notification runs a flush round. A tick runs a flush round followed by
// a compaction. Rounds never overlap.
type SegmentMerger struct {
	dir        string
	slot       *segmentSlot
	segmentMap *SegmentMap
	loader     *segmentLoader
	namer      *segmentNamer

	interval time.Duration
	minMerge int

	state   atomic.Int32
	roundMu sync.Mutex

	notifyChan chan struct{}
	closeChan  chan struct{}
	startOnce  sync.Once
	stopOnce   sync.Once
	wg         sync.WaitGroup

	log     *logrus.Entry
	metrics *metrics.Metrics
}

func newSegmentMerger(dir string, slot *segmentSlot, segmentMap *SegmentMap, loader *segmentLoader, config Config) *SegmentMerger {
	minMerge := config.MinMergeSegments
	if minMerge < 2 {
		minMerge = 2
	}
	return &SegmentMerger{
		dir:        dir,
		slot:       slot,
		segmentMap: segmentMap,
		loader:     loader,
		namer:      newSegmentNamer(segmentMap.Files()),
		interval:   config.MergeInterval,
		minMerge:   minMerge,
		notifyChan: make(chan struct{}, 1),
		closeChan:  make(chan struct{}),
		log:        config.logger().WithField("component", "merger"),
		metrics:    config.Metrics,
	}
}

// Start launches the merger goroutine.
func (s *SegmentMerger) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run()
	})
}

// Stop ends the merger goroutine and waits for the current round to finish.
func (s *SegmentMerger) Stop() {
	s.stopOnce.Do(func() {
		close(s.closeChan)
	})
	s.wg.Wait()
}

// Notify asks for a flush without blocking. Notifications sent while one is
// already pending collapse into it.
func (s *SegmentMerger) Notify() {
	select {
	case s.notifyChan <- struct{}{}:
	default:
	}
}

// State returns the phase of the current round.
func (s *SegmentMerger) State() MergerState {
	return MergerState(s.state.Load())
}

func (s *SegmentMerger) setState(state MergerState) {
	s.state.Store(int32(state))
}

func (s *SegmentMerger) run() {
	defer s.wg.Done()

	// time.Ticker drops ticks a slow receiver missed
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeChan:
			return
		case <-ticker.C:
			// Errors are logged and counted inside; the next tick retries.
			_ = s.FlushAndMerge()
		case <-s.notifyChan:
			_ = s.Flush()
		}
	}
}

// Flush runs one flush round.
func (s *SegmentMerger) Flush() error {
	s.roundMu.Lock()
	defer s.roundMu.Unlock()
	defer s.setState(Idle)

	return s.flush()
}

// FlushAndMerge runs a flush round and then a compaction.
func (s *SegmentMerger) FlushAndMerge() error {
	s.roundMu.Lock()
	defer s.roundMu.Unlock()
	defer s.setState(Idle)

	if err := s.flush(); err != nil {
		return err
	}
	return s.merge()
}

func (s *SegmentMerger) flush() error {
	s.setState(Flushing)

	taken := s.slot.swap()
	if taken.Len() == 0 {
		s.slot.done()
		return nil
	}

	name := s.namer.next()
	n, err := WriteSegmentFile(s.dir, name, taken)
	if err != nil {
		s.slot.rollback(taken)
		s.fail("flush", err)
		return err
	}

	if err := s.segmentMap.AppendAndPersist(name); err != nil {
		os.Remove(filepath.Join(s.dir, name))
		s.slot.rollback(taken)
		s.fail("flush", err)
		return err
	}

	// Readable from disk now; stop serving it from memory.
	s.loader.add(name, taken)
	s.slot.done()
	s.setState(Persisted)

	s.metrics.RecordFlush(n)
	s.metrics.SetSegmentFiles(s.segmentMap.Len())
	s.metrics.SetLiveSegmentBytes(s.slot.size())
	s.log.WithFields(logrus.Fields{
		"segment": name,
		"keys":    taken.Len(),
		"size":    humanize.Bytes(uint64(n)),
	}).Debug("flushed segment")
	return nil
}

func (s *SegmentMerger) merge() error {
	files := s.segmentMap.Files()
	if len(files) < s.minMerge {
		return nil
	}
	s.setState(Merging)

	// Oldest first, so newer segments overwrite older values.
	// Corrupted files stay in the manifest untouched and are left out.
	merged := make(map[string][]byte)
	inputs := make([]string, 0, len(files))
	for _, name := range files {
		seg, err := s.loader.load(name)
		if errors.Is(err, ErrCorruptedSegment) {
			s.metrics.RecordError("merge")
			s.log.WithError(err).WithField("segment", name).Warn("skipping corrupted segment file")
			continue
		}
		if err != nil {
			s.fail("merge", err)
			return err
		}
		seg.mu.RLock()
		for k, v := range seg.entries {
			merged[k] = v
		}
		seg.mu.RUnlock()
		inputs = append(inputs, name)
	}
	if len(inputs) < s.minMerge {
		return nil
	}

	seg := newSegmentFrom(merged)
	name := s.namer.next()
	n, err := WriteSegmentFile(s.dir, name, seg)
	if err != nil {
		s.fail("merge", err)
		return err
	}

	if err := s.segmentMap.Replace(name, inputs); err != nil {
		os.Remove(filepath.Join(s.dir, name))
		s.fail("merge", err)
		return err
	}
	s.loader.add(name, seg)

	// The manifest no longer names the inputs, so they can go.
	for _, old := range inputs {
		s.loader.forget(old)
		if err := os.Remove(filepath.Join(s.dir, old)); err != nil && !os.IsNotExist(err) {
			s.log.WithError(err).WithField("segment", old).Warn("failed to remove merged segment file")
		}
	}

	s.metrics.RecordMerge()
	s.metrics.SetSegmentFiles(s.segmentMap.Len())
	s.log.WithFields(logrus.Fields{
		"segment": name,
		"inputs":  len(inputs),
		"keys":    len(merged),
		"size":    humanize.Bytes(uint64(n)),
	}).Debug("merged segments")
	return nil
}

func (s *SegmentMerger) fail(stage string, err error) {
	s.metrics.RecordError(stage)
	s.log.WithError(errors.WithMessage(err, stage)).Error("merger round failed")
}
