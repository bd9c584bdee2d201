package storage

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// RecordLog is the single-file alternative to the segment engine.
// Every Put appends a frame to one ever-growing log; an in-memory index maps
// each key to the offset of its latest frame.
//
// Frame format:
//   - CRC32 checksum of payload (4 bytes)
//   - Payload length (4 bytes)
//   - Payload: key length (4 bytes), key, value
type RecordLog struct {
	file       *os.File
	path       string
	index      map[string]int64
	size       int64
	syncWrites bool
	mu         sync.RWMutex
	log        *logrus.Entry
}

const recordHeaderSize = 8

// OpenRecordLog opens or creates the log at path and rebuilds its index.
// A damaged tail (for example a torn final write) is cut off.
func OpenRecordLog(path string, syncWrites bool, logger *logrus.Entry) (*RecordLog, error) {
	if logger == nil {
		logger = logrus.WithField("component", "record-log")
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open record log %s", path)
	}

	l := &RecordLog{
		file:       file,
		path:       path,
		index:      make(map[string]int64),
		syncWrites: syncWrites,
		log:        logger,
	}

	if err := l.recover(); err != nil {
		file.Close()
		return nil, err
	}
	return l, nil
}

func (l *RecordLog) recover() error {
	info, err := l.file.Stat()
	if err != nil {
		return errors.Wrap(err, "stat record log")
	}

	reader := bufio.NewReader(io.NewSectionReader(l.file, 0, info.Size()))
	var offset int64
	for offset < info.Size() {
		key, n, err := readRecordKey(reader, info.Size()-offset)
		if err != nil {
			l.log.WithError(err).WithField("offset", offset).Warn("truncating damaged record log tail")
			if err := l.file.Truncate(offset); err != nil {
				return errors.Wrap(err, "truncate record log")
			}
			break
		}
		l.index[key] = offset
		offset += n
	}
	l.size = offset
	return nil
}

// readRecordKey reads one frame and returns its key and total length.
// remaining is the number of bytes left in the log from the frame start.
func readRecordKey(r io.Reader, remaining int64) (string, int64, error) {
	payload, err := readRecordPayload(r, remaining)
	if err != nil {
		return "", 0, err
	}
	key, _, err := decodeRecordPayload(payload)
	if err != nil {
		return "", 0, err
	}
	return key, int64(recordHeaderSize + len(payload)), nil
}

// readRecordPayload reads one frame. remaining counts the bytes from the frame
// start to the end of the log; a length that overruns it is rejected before
// the payload is allocated.
func readRecordPayload(r io.Reader, remaining int64) ([]byte, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, errors.Wrap(ErrCorruptedRecord, err.Error())
	}
	checksum := binary.LittleEndian.Uint32(header[0:4])
	length := binary.LittleEndian.Uint32(header[4:8])
	if int64(length) > remaining-recordHeaderSize {
		return nil, errors.Wrapf(ErrCorruptedRecord, "length %d overruns log (%d bytes left)", length, remaining-recordHeaderSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(ErrCorruptedRecord, err.Error())
	}
	if crc32.ChecksumIEEE(payload) != checksum {
		return nil, errors.Wrap(ErrCorruptedRecord, "checksum mismatch")
	}
	return payload, nil
}

func encodeRecord(key string, value []byte) []byte {
	payloadLen := 4 + len(key) + len(value)
	buf := make([]byte, recordHeaderSize+payloadLen)

	payload := buf[recordHeaderSize:]
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(key)))
	copy(payload[4:], key)
	copy(payload[4+len(key):], value)

	binary.LittleEndian.PutUint32(buf[0:4], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(payloadLen))
	return buf
}

func decodeRecordPayload(payload []byte) (string, []byte, error) {
	if len(payload) < 4 {
		return "", nil, errors.Wrap(ErrCorruptedRecord, "payload too short")
	}
	keyLen := int(binary.LittleEndian.Uint32(payload[0:4]))
	if len(payload) < 4+keyLen {
		return "", nil, errors.Wrap(ErrCorruptedRecord, "key overruns payload")
	}
	key := string(payload[4 : 4+keyLen])
	value := payload[4+keyLen:]
	return key, value, nil
}

// Put appends a record and points the index at it.
func (l *RecordLog) Put(key string, value []byte) error {
	frame := encodeRecord(key, value)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return ErrClosed
	}
	if _, err := l.file.WriteAt(frame, l.size); err != nil {
		return errors.Wrapf(err, "append record %q", key)
	}
	if l.syncWrites {
		if err := l.file.Sync(); err != nil {
			return errors.Wrap(err, "sync record log")
		}
	}
	l.index[key] = l.size
	l.size += int64(len(frame))
	return nil
}

// Get seeks to the key's latest record and returns its value.
func (l *RecordLog) Get(key string) ([]byte, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.file == nil {
		return nil, false, ErrClosed
	}
	offset, ok := l.index[key]
	if !ok {
		return nil, false, nil
	}

	payload, err := readRecordPayload(io.NewSectionReader(l.file, offset, l.size-offset), l.size-offset)
	if err != nil {
		return nil, false, errors.WithMessagef(err, "read record %q at %d", key, offset)
	}
	_, value, err := decodeRecordPayload(payload)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Size returns the log file size.
func (l *RecordLog) Size() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Len returns the number of indexed keys.
func (l *RecordLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.index)
}

// Close syncs and closes the log file.
func (l *RecordLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		l.file = nil
		return errors.Wrap(err, "sync record log")
	}
	err := l.file.Close()
	l.file = nil
	return err
}
