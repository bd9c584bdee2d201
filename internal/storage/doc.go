// Package storage implements a segment-based key-value storage engine.
//
// Writes land in a single in-memory live segment. A background merger
// rotates that segment out, persists it as an immutable segment file and
// registers the file in a manifest. On its periodic tick the merger also
// compacts every registered segment file into one.
//
// Architecture:
//
//	┌─────────────────────────────────────────────────────────────────┐
//	│                      SegmentManager                              │
//	├─────────────────────────────────────────────────────────────────┤
//	│  Write Path:  Put → live Segment → (size ≥ max) → notify merger  │
//	│  Read Path:   Get → live → flushing → segment files newest first │
//	├─────────────────────────────────────────────────────────────────┤
//	│  Flush:       take live → segment-<ms> file → manifest append    │
//	│  Compaction:  all files → one merged file → manifest replaced    │
//	└─────────────────────────────────────────────────────────────────┘
//
// Key components:
//   - Segment: in-memory map plus running value-byte size
//   - SegmentMap: the manifest, an ordered list of segment file names
//   - SegmentMerger: the flush and compaction goroutine
//   - RecordLog: a single append-only log with a key→offset index, kept as
//     an alternative backend
package storage
