package stores

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oarkflow/abac"
)

// MemoryStore implements abac.RecordStore in memory for testing/demo
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]map[string]*abac.Record
	histories map[string][]*abac.Record
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]map[string]*abac.Record),
		histories: make(map[string][]*abac.Record),
		now:       time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, kind, key string) (*abac.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[kind][key]
	if !ok {
		return nil, notFound(kind, key)
	}
	return cloneRecord(r), nil
}

func (s *MemoryStore) Put(ctx context.Context, kind, key string, data []byte, expectedVersion int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey, ok := s.records[kind]
	if !ok {
		byKey = make(map[string]*abac.Record)
		s.records[kind] = byKey
	}
	var current int64
	if old, ok := byKey[key]; ok {
		current = old.Version
	}
	if current != expectedVersion {
		return 0, conflict(kind, key, expectedVersion)
	}
	rec := &abac.Record{
		Kind:      kind,
		Key:       key,
		Version:   current + 1,
		Data:      append([]byte(nil), data...),
		UpdatedAt: s.now().UTC(),
	}
	byKey[key] = rec
	hk := kind + "/" + key
	s.histories[hk] = append(s.histories[hk], cloneRecord(rec))
	return rec.Version, nil
}

// List returns the records of kind ordered by key.
func (s *MemoryStore) List(ctx context.Context, kind string) ([]*abac.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*abac.Record, 0, len(s.records[kind]))
	for _, r := range s.records[kind] {
		result = append(result, cloneRecord(r))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

// History returns every version written for a record, oldest first.
func (s *MemoryStore) History(ctx context.Context, kind, key string) ([]*abac.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[kind+"/"+key]
	if !ok {
		return nil, notFound(kind, key)
	}
	result := make([]*abac.Record, len(h))
	for i, r := range h {
		result[i] = cloneRecord(r)
	}
	return result, nil
}

// MemoryAuditStore implements in-memory audit logging
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*abac.AuditRecord
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{entries: make([]*abac.AuditRecord, 0)}
}

func (s *MemoryAuditStore) LogDecision(ctx context.Context, entry *abac.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemoryAuditStore) GetAccessLog(ctx context.Context, filter abac.AuditFilter) ([]*abac.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*abac.AuditRecord, 0)
	for _, entry := range s.entries {
		if !filter.Matches(entry) {
			continue
		}
		result = append(result, entry)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

// Len reports how many records were logged.
func (s *MemoryAuditStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
