package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matteso1/crabdb/internal/metrics"
)

type mergerFixture struct {
	dir        string
	slot       *segmentSlot
	segmentMap *SegmentMap
	loader     *segmentLoader
	merger     *SegmentMerger
}

func newMergerFixture(t *testing.T, config Config) *mergerFixture {
	t.Helper()
	dir := t.TempDir()

	segmentMap, err := LoadSegmentMap(filepath.Join(dir, DefaultManifestFile))
	require.NoError(t, err)
	loader, err := newSegmentLoader(dir, config.SegmentCacheSize)
	require.NoError(t, err)

	slot := newSegmentSlot()
	return &mergerFixture{
		dir:        dir,
		slot:       slot,
		segmentMap: segmentMap,
		loader:     loader,
		merger:     newSegmentMerger(dir, slot, segmentMap, loader, config),
	}
}

func TestMerger_FlushPersistsAndRegisters(t *testing.T) {
	f := newMergerFixture(t, DefaultConfig())

	f.slot.write("a", []byte("hello"))
	f.slot.write("b", []byte("world"))
	require.NoError(t, f.merger.Flush())

	files := f.segmentMap.Files()
	require.Len(t, files, 1)
	assert.Equal(t, int64(0), f.slot.size())
	assert.Equal(t, Idle, f.merger.State())

	seg, err := ReadSegmentFile(filepath.Join(f.dir, files[0]))
	require.NoError(t, err)
	value, found := seg.Read("b")
	require.True(t, found)
	assert.Equal(t, "world", string(value))

	reloaded, err := LoadSegmentMap(f.segmentMap.Path())
	require.NoError(t, err)
	assert.Equal(t, files, reloaded.Files())
}

func TestMerger_EmptyFlushWritesNothing(t *testing.T) {
	f := newMergerFixture(t, DefaultConfig())

	require.NoError(t, f.merger.Flush())
	assert.Empty(t, f.segmentMap.Files())

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMerger_FlushAppendsInCreationOrder(t *testing.T) {
	f := newMergerFixture(t, DefaultConfig())

	var names []string
	for i := 0; i < 3; i++ {
		f.slot.write("k", []byte{byte('a' + i)})
		require.NoError(t, f.merger.Flush())
		files := f.segmentMap.Files()
		names = append(names, files[len(files)-1])
	}

	assert.Equal(t, names, f.segmentMap.Files())
	assert.True(t, names[0] < names[1] && names[1] < names[2])
}

func TestMerger_MergeNewerWins(t *testing.T) {
	config := DefaultConfig()
	config.Metrics = metrics.NewMetrics()
	f := newMergerFixture(t, config)

	// Segment A (older)
	f.slot.write("k1", []byte("a"))
	require.NoError(t, f.merger.Flush())
	// Segment B (newer)
	f.slot.write("k1", []byte("b"))
	f.slot.write("k2", []byte("c"))
	require.NoError(t, f.merger.Flush())

	inputs := f.segmentMap.Files()
	require.Len(t, inputs, 2)

	require.NoError(t, f.merger.FlushAndMerge())

	files := f.segmentMap.Files()
	require.Len(t, files, 1)
	assert.NotContains(t, inputs, files[0])

	merged, err := ReadSegmentFile(filepath.Join(f.dir, files[0]))
	require.NoError(t, err)
	value, _ := merged.Read("k1")
	assert.Equal(t, "b", string(value))
	value, _ = merged.Read("k2")
	assert.Equal(t, "c", string(value))
	assert.Equal(t, int64(2), merged.Size())

	// Inputs are retired from disk.
	for _, name := range inputs {
		_, err := os.Stat(filepath.Join(f.dir, name))
		assert.True(t, os.IsNotExist(err), "expected %s removed", name)
	}

	snap := config.Metrics.Snapshot()
	assert.Equal(t, uint64(2), snap.FlushesTotal)
	assert.Equal(t, uint64(1), snap.MergesTotal)
	assert.Equal(t, 1, snap.SegmentFiles)
}

func TestMerger_MergeSkippedBelowMinimum(t *testing.T) {
	f := newMergerFixture(t, DefaultConfig())

	f.slot.write("k", []byte("v"))
	require.NoError(t, f.merger.FlushAndMerge())

	files := f.segmentMap.Files()
	require.Len(t, files, 1)
	_, err := os.Stat(filepath.Join(f.dir, files[0]))
	assert.NoError(t, err)
}

func TestMerger_MergeWithoutCache(t *testing.T) {
	config := DefaultConfig()
	config.SegmentCacheSize = 0
	f := newMergerFixture(t, config)

	f.slot.write("x", []byte("1"))
	require.NoError(t, f.merger.Flush())
	f.slot.write("y", []byte("2"))
	require.NoError(t, f.merger.Flush())
	require.NoError(t, f.merger.FlushAndMerge())

	files := f.segmentMap.Files()
	require.Len(t, files, 1)
	merged, err := f.loader.load(files[0])
	require.NoError(t, err)
	assert.Equal(t, 2, merged.Len())
}

func TestMerger_FailedFlushRestoresLiveSegment(t *testing.T) {
	config := DefaultConfig()
	config.Metrics = metrics.NewMetrics()
	f := newMergerFixture(t, config)

	f.slot.write("a", []byte("one"))
	require.NoError(t, os.RemoveAll(f.dir))

	require.Error(t, f.merger.Flush())

	// Nothing is lost: the entry is back in the live segment.
	value, found := f.slot.read("a")
	require.True(t, found)
	assert.Equal(t, "one", string(value))
	assert.Equal(t, int64(3), f.slot.size())
	assert.Empty(t, f.segmentMap.Files())
	assert.Equal(t, uint64(1), config.Metrics.Snapshot().ErrorsTotal)

	// Once the directory is back the next round succeeds.
	require.NoError(t, os.MkdirAll(f.dir, 0755))
	require.NoError(t, f.merger.Flush())
	assert.Len(t, f.segmentMap.Files(), 1)
}

func TestMerger_NotifyTriggersFlush(t *testing.T) {
	config := DefaultConfig()
	config.MergeInterval = time.Hour
	f := newMergerFixture(t, config)
	f.merger.Start()
	defer f.merger.Stop()

	f.slot.write("a", []byte("payload"))
	f.merger.Notify()
	f.merger.Notify() // collapses into the pending one

	require.Eventually(t, func() bool {
		return f.segmentMap.Len() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), f.slot.size())
}

func TestMerger_TickerFlushesAndMerges(t *testing.T) {
	config := DefaultConfig()
	config.MergeInterval = 20 * time.Millisecond
	f := newMergerFixture(t, config)

	// Two files exist before the merger starts.
	f.slot.write("a", []byte("1"))
	require.NoError(t, f.merger.Flush())
	f.slot.write("b", []byte("2"))
	require.NoError(t, f.merger.Flush())

	f.merger.Start()
	defer f.merger.Stop()

	require.Eventually(t, func() bool {
		return f.segmentMap.Len() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMergerState_String(t *testing.T) {
	assert.Equal(t, "Idle", Idle.String())
	assert.Equal(t, "Flushing", Flushing.String())
	assert.Equal(t, "Persisted", Persisted.String())
	assert.Equal(t, "Merging", Merging.String())
	assert.Equal(t, "Unknown", MergerState(42).String())
}

func TestMerger_MergeSkipsCorruptedSegment(t *testing.T) {
	config := DefaultConfig()
	config.SegmentCacheSize = 0
	config.Metrics = metrics.NewMetrics()
	f := newMergerFixture(t, config)

	for _, key := range []string{"a", "b", "c"} {
		f.slot.write(key, []byte(key))
		require.NoError(t, f.merger.Flush())
	}
	files := f.segmentMap.Files()
	require.Len(t, files, 3)
	broken := files[1]
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, broken), []byte("garbage garbage"), 0644))

	require.NoError(t, f.merger.FlushAndMerge())

	after := f.segmentMap.Files()
	require.Len(t, after, 2)
	assert.Contains(t, after, broken)
	assert.Equal(t, uint64(1), config.Metrics.Snapshot().MergesTotal)

	var merged string
	for _, name := range after {
		if name != broken {
			merged = name
		}
	}
	seg, err := ReadSegmentFile(filepath.Join(f.dir, merged))
	require.NoError(t, err)
	assert.Equal(t, 2, seg.Len())

	// The next round has nothing left to merge and does not fail.
	require.NoError(t, f.merger.FlushAndMerge())
	assert.Len(t, f.segmentMap.Files(), 2)
}
