package storage

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matteso1/crabdb/internal/metrics"
)

const (
	// DefaultMaxSegmentSize is the live segment flush threshold in value bytes.
	DefaultMaxSegmentSize = 2048
	// DefaultMergeInterval is the merger's timer period.
	DefaultMergeInterval = 200 * time.Millisecond
	// DefaultManifestFile is the manifest file name inside the data directory.
	DefaultManifestFile = "segment-map"
	// DefaultRecordLogFile is the file name of the record log backend.
	DefaultRecordLogFile = "record.log"
)

// Config configures the segment engine.
type Config struct {
	// MaxSegmentSize is the value-byte size at which Put asks for a flush.
	MaxSegmentSize int64
	// MergeInterval is the period of the merger's flush-and-compact tick.
	MergeInterval time.Duration
	// MinMergeSegments is the number of segment files needed before a tick compacts them.
	MinMergeSegments int
	// ManifestFile is the manifest name relative to the data directory.
	ManifestFile string
	// SegmentCacheSize is the number of decoded segment files kept in memory. Zero disables the cache.
	SegmentCacheSize int

	Logger  *logrus.Entry
	Metrics *metrics.Metrics
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxSegmentSize:   DefaultMaxSegmentSize,
		MergeInterval:    DefaultMergeInterval,
		MinMergeSegments: 2,
		ManifestFile:     DefaultManifestFile,
		SegmentCacheSize: 64,
	}
}

func (c Config) logger() *logrus.Entry {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.WithField("component", "storage")
}
