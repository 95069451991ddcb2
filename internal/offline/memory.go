package offline

import (
	"sync"
	"time"
)

// MemoryStage is a non-durable Stage for tests.
type MemoryStage struct {
	retention time.Duration

	mu      sync.Mutex
	records map[string]Record
}

var _ Stage = (*MemoryStage)(nil)

func NewMemoryStage(retention time.Duration) *MemoryStage {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryStage{retention: retention, records: make(map[string]Record)}
}

func (m *MemoryStage) Stage(r Record) error {
	m.mu.Lock()
	r.Tags = append([]string(nil), r.Tags...)
	m.records[r.SessionID] = r
	m.mu.Unlock()
	return nil
}

func (m *MemoryStage) Get(sessionID string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[sessionID]
	return r, ok, nil
}

func (m *MemoryStage) List() ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sortOldestFirst(out)
	return out, nil
}

func (m *MemoryStage) Remove(sessionID string) error {
	m.mu.Lock()
	delete(m.records, sessionID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStage) RemoveIfUnchanged(r Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[r.SessionID]
	if !ok || !sameRecord(cur, r) {
		return false, nil
	}
	delete(m.records, r.SessionID)
	return true, nil
}

func (m *MemoryStage) Rename(oldID, newID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[oldID]
	if !ok {
		return nil
	}
	delete(m.records, oldID)
	r.SessionID = newID
	m.records[newID] = r
	return nil
}

func (m *MemoryStage) Len() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records), nil
}

func (m *MemoryStage) Purge(now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for id, r := range m.records {
		if expired(r, now, m.retention) {
			delete(m.records, id)
			purged++
		}
	}
	return purged, nil
}
