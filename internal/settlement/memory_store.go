package settlement

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/escrowmirror/internal/lifecycle"
	"github.com/mbd888/escrowmirror/internal/pagination"
)

// MemoryStore is an in-memory store for development mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*lifecycle.Record
	receipts map[string][]*lifecycle.Receipt
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*lifecycle.Record),
		receipts: make(map[string][]*lifecycle.Receipt),
	}
}

func (m *MemoryStore) Create(ctx context.Context, r *lifecycle.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[r.ID]; ok {
		return ErrInvalidRequest
	}
	m.records[r.ID] = r.Clone()
	return nil
}

// Get returns a deep copy; callers never share big.Int or proposal pointers
// with the stored record.
func (m *MemoryStore) Get(ctx context.Context, id string) (*lifecycle.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, r *lifecycle.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[r.ID]; !ok {
		return ErrNotFound
	}
	m.records[r.ID] = r.Clone()
	return nil
}

// ListOpen returns non-terminal escrows, oldest first.
func (m *MemoryStore) ListOpen(ctx context.Context, after *pagination.Cursor, limit int) ([]*lifecycle.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*lifecycle.Record
	for _, r := range m.records {
		if r.State.IsTerminal() || !pastCursor(r, after) {
			continue
		}
		result = append(result, r.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt != result[j].CreatedAt {
			return result[i].CreatedAt < result[j].CreatedAt
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// pastCursor reports whether r sorts strictly after the cursor key.
func pastCursor(r *lifecycle.Record, after *pagination.Cursor) bool {
	if after == nil {
		return true
	}
	if r.CreatedAt != after.At {
		return r.CreatedAt > after.At
	}
	return r.ID > after.ID
}

func (m *MemoryStore) AddReceipt(ctx context.Context, rc *lifecycle.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rc
	m.receipts[rc.RecordID] = append(m.receipts[rc.RecordID], &cp)
	return nil
}

func (m *MemoryStore) ListReceipts(ctx context.Context, recordID string) ([]*lifecycle.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.receipts[recordID]
	out := make([]*lifecycle.Receipt, len(src))
	for i, rc := range src {
		cp := *rc
		out[i] = &cp
	}
	return out, nil
}
