package storage

import (
	"os"
	"sync"

	"github.com/pkg/errors"
)

// SegmentMapData is the persisted content of the manifest.
// Segments are listed in creation order, newest last.
type SegmentMapData struct {
	Segments []string `msgpack:"segments"`
}

// SegmentMap is the manifest of on-disk segment files.
// Every mutation rewrites the whole file. Only the merger mutates it;
// readers take copies through Files.
type SegmentMap struct {
	path string
	data SegmentMapData
	mu   sync.RWMutex
}

// LoadSegmentMap reads the manifest at path.
// A missing or empty file yields an empty manifest.
func LoadSegmentMap(path string) (*SegmentMap, error) {
	m := &SegmentMap{path: path}

	raw, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "read manifest %s", path)
	}
	if len(raw) == 0 {
		return m, nil
	}

	if err := decodeFrame(manifestMagic, raw, ErrCorruptedManifest, &m.data); err != nil {
		return nil, errors.WithMessage(err, path)
	}
	return m, nil
}

// Path returns the manifest file path.
func (m *SegmentMap) Path() string {
	return m.path
}

// Files returns a copy of the segment file names, oldest first.
func (m *SegmentMap) Files() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, len(m.data.Segments))
	copy(out, m.data.Segments)
	return out
}

// Len returns the number of registered segment files.
func (m *SegmentMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data.Segments)
}

// AppendAndPersist registers name as the newest segment and rewrites the manifest.
// On a failed write the in-memory list is left unchanged.
func (m *SegmentMap) AppendAndPersist(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := SegmentMapData{Segments: append(append([]string(nil), m.data.Segments...), name)}
	if err := m.persist(next); err != nil {
		return err
	}
	m.data = next
	return nil
}

// Replace swaps the retired names for merged, placed at the position of the
// oldest retired name. Names not in retired keep their relative order.
func (m *SegmentMap) Replace(merged string, retired []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	gone := make(map[string]struct{}, len(retired))
	for _, name := range retired {
		gone[name] = struct{}{}
	}

	next := SegmentMapData{Segments: make([]string, 0, len(m.data.Segments)+1)}
	placed := false
	for _, name := range m.data.Segments {
		if _, ok := gone[name]; ok {
			if !placed {
				next.Segments = append(next.Segments, merged)
				placed = true
			}
			continue
		}
		next.Segments = append(next.Segments, name)
	}
	if !placed {
		next.Segments = append(next.Segments, merged)
	}

	if err := m.persist(next); err != nil {
		return err
	}
	m.data = next
	return nil
}

func (m *SegmentMap) persist(data SegmentMapData) error {
	raw, err := encodeFrame(manifestMagic, &data)
	if err != nil {
		return errors.Wrap(err, "encode manifest")
	}
	return writeFileAtomic(m.path, raw)
}
