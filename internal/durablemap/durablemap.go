// Package durablemap implements the ordered key -> (value, resolution)
// store every replica keeps locally: the durable map of §4.1.
package durablemap

import (
	"sort"
	"sync"
)

// Record is the tuple stored for one key: its current value and the
// consensus instance (resolution) that produced it.
type Record struct {
	Key        string
	Value      string
	Resolution int64
}

// EmptyResolution is the sentinel InstanceCeiling of a map with no
// records (spec.md §3).
const EmptyResolution int64 = -1

// Map is the local key -> (value, resolution) store. Records are held
// in memory only: nothing is written to disk, so the contents do not
// survive a process restart. There is no index on resolution;
// MaxResolution and ScanByResolution walk every record. It is safe for
// concurrent use; the engine calls it both from its callers and from
// the goroutine that applies catch-up replies.
type Map struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// New returns an empty Map. The Durable Map is created lazily on first
// start; an empty Map is the correct representation of "nothing stored
// yet".
func New() *Map {
	return &Map{records: make(map[string]*Record)}
}

// Get returns the current value of key, or false if the key is absent.
func (m *Map) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[key]
	if !ok {
		return "", false
	}
	return r.Value, true
}

// GetResolution returns the resolution of key's current value, or false
// if the key is absent.
func (m *Map) GetResolution(key string) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[key]
	if !ok {
		return 0, false
	}
	return r.Resolution, true
}

// PutIfNewer inserts key if absent, or overwrites it if resolution is
// strictly greater than the stored resolution (I2). Equal or lesser
// resolutions are silently ignored. Returns true if the map changed.
func (m *Map) PutIfNewer(key, value string, resolution int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.records[key]
	if ok && resolution <= existing.Resolution {
		return false
	}
	m.records[key] = &Record{Key: key, Value: value, Resolution: resolution}
	return true
}

// MaxResolution returns the maximum resolution stored, or EmptyResolution
// if the map is empty (I3).
func (m *Map) MaxResolution() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	max := EmptyResolution
	for _, r := range m.records {
		if r.Resolution > max {
			max = r.Resolution
		}
	}
	return max
}

// ScanByResolution returns every record with resolution strictly greater
// than afterExclusive and, if upperExclusive is non-nil, strictly less
// than *upperExclusive, ordered by resolution ascending (P5).
func (m *Map) ScanByResolution(afterExclusive int64, upperExclusive *int64) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0)
	for _, r := range m.records {
		if r.Resolution <= afterExclusive {
			continue
		}
		if upperExclusive != nil && r.Resolution >= *upperExclusive {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resolution < out[j].Resolution })
	return out
}

// KeyExists reports whether key has a stored record.
func (m *Map) KeyExists(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[key]
	return ok
}
