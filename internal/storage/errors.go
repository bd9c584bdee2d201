package storage

import "github.com/pkg/errors"

var (
	// ErrClosed is returned when the engine has been closed.
	ErrClosed = errors.New("storage engine closed")

	// ErrCorruptedSegment is returned when a segment file fails its checksum or decode.
	ErrCorruptedSegment = errors.New("corrupted segment file")

	// ErrCorruptedManifest is returned when the manifest cannot be decoded.
	ErrCorruptedManifest = errors.New("corrupted manifest")

	// ErrCorruptedRecord is returned when a record log frame is damaged.
	ErrCorruptedRecord = errors.New("corrupted record log entry")
)
