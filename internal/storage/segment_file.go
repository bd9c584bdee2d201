package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Segment files and the manifest share one framing:
//
//	┌──────────────┬──────────────┬────────────────────┬──────────────┐
//	│ magic (4)    │ body len (4) │ msgpack body       │ crc32 (4)    │
//	└──────────────┴──────────────┴────────────────────┴──────────────┘
//
// All integers are little endian. The checksum covers the body only.
const (
	segmentMagic  = 0x53425243 // "CRBS"
	manifestMagic = 0x4d425243 // "CRBM"
	frameOverhead = 12

	segmentFilePrefix = "segment-"
)

// segmentFileData is the serialized form of a segment snapshot.
type segmentFileData struct {
	Name    string            `msgpack:"name"`
	Size    int64             `msgpack:"size"`
	Entries map[string][]byte `msgpack:"entries"`
}

func encodeFrame(magic uint32, v interface{}) ([]byte, error) {
	var body bytes.Buffer
	enc := msgpack.NewEncoder(&body)
	// Deterministic output: map keys in sorted order
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, errors.Wrap(err, "encode frame body")
	}

	out := make([]byte, 8, frameOverhead+body.Len())
	binary.LittleEndian.PutUint32(out[0:4], magic)
	binary.LittleEndian.PutUint32(out[4:8], uint32(body.Len()))
	out = append(out, body.Bytes()...)
	out = binary.LittleEndian.AppendUint32(out, crc32.ChecksumIEEE(body.Bytes()))
	return out, nil
}

func decodeFrame(magic uint32, data []byte, corrupt error, v interface{}) error {
	if len(data) < frameOverhead {
		return errors.Wrapf(corrupt, "frame too short (%d bytes)", len(data))
	}
	if got := binary.LittleEndian.Uint32(data[0:4]); got != magic {
		return errors.Wrapf(corrupt, "bad magic %#x", got)
	}
	n := int(binary.LittleEndian.Uint32(data[4:8]))
	if n != len(data)-frameOverhead {
		return errors.Wrapf(corrupt, "body length %d does not match file", n)
	}
	body := data[8 : 8+n]
	checksum := binary.LittleEndian.Uint32(data[8+n:])
	if crc32.ChecksumIEEE(body) != checksum {
		return errors.Wrap(corrupt, "checksum mismatch")
	}
	if err := msgpack.Unmarshal(body, v); err != nil {
		return errors.Wrapf(corrupt, "decode body: %v", err)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the same directory, syncs it
// and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "create %s", tmp)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "sync %s", tmp)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "close %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "rename %s", tmp)
	}
	return nil
}

// WriteSegmentFile persists a snapshot of seg as dir/name.
func WriteSegmentFile(dir, name string, seg *Segment) (int, error) {
	seg.mu.RLock()
	data, err := encodeFrame(segmentMagic, &segmentFileData{
		Name:    name,
		Size:    seg.size,
		Entries: seg.entries,
	})
	seg.mu.RUnlock()
	if err != nil {
		return 0, errors.Wrapf(err, "encode segment %s", name)
	}

	if err := writeFileAtomic(filepath.Join(dir, name), data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// ReadSegmentFile loads a segment file back into memory.
func ReadSegmentFile(path string) (*Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read segment %s", path)
	}

	var sf segmentFileData
	if err := decodeFrame(segmentMagic, data, ErrCorruptedSegment, &sf); err != nil {
		return nil, errors.WithMessage(err, path)
	}
	if sf.Entries == nil {
		sf.Entries = make(map[string][]byte)
	}

	seg := newSegmentFrom(sf.Entries)
	if seg.size != sf.Size {
		return nil, errors.Wrapf(ErrCorruptedSegment, "%s: size %d, entries add up to %d", path, sf.Size, seg.size)
	}
	return seg, nil
}

// segmentNamer hands out segment-<unix ms> names that strictly increase,
// even when two are requested within the same millisecond.
type segmentNamer struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func newSegmentNamer(existing []string) *segmentNamer {
	n := &segmentNamer{now: time.Now}
	for _, name := range existing {
		if stamp, ok := parseSegmentName(name); ok && stamp > n.last {
			n.last = stamp
		}
	}
	return n
}

func (n *segmentNamer) next() string {
	n.mu.Lock()
	defer n.mu.Unlock()

	stamp := n.now().UnixMilli()
	if stamp <= n.last {
		stamp = n.last + 1
	}
	n.last = stamp
	return fmt.Sprintf("%s%d", segmentFilePrefix, stamp)
}

func parseSegmentName(name string) (int64, bool) {
	if !strings.HasPrefix(name, segmentFilePrefix) {
		return 0, false
	}
	stamp, err := strconv.ParseInt(strings.TrimPrefix(name, segmentFilePrefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return stamp, true
}
