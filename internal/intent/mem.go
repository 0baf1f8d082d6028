package intent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/massamba-mbaye/mobile-money-gateway/internal/order"
)

// MemStore is an in-process Store used by tests.
type MemStore struct {
	mu      sync.Mutex
	intents map[uuid.UUID]Intent
	events  map[uuid.UUID][]string
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		intents: make(map[uuid.UUID]Intent),
		events:  make(map[uuid.UUID][]string),
	}
}

// Events returns the recorded event statuses for an intent.
func (m *MemStore) Events(id uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events[id]...)
}

// Get returns the stored intent by id.
func (m *MemStore) Get(id uuid.UUID) (Intent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.intents[id]
	return it, ok
}

func (m *MemStore) Create(_ context.Context, it *Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it.ID == uuid.Nil {
		it.ID = uuid.New()
	}
	if it.Status == "" {
		it.Status = StatusInitiated
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now()
	}
	m.intents[it.ID] = *it
	return nil
}

func (m *MemStore) LatestByOrder(_ context.Context, orderID uuid.UUID) (Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []Intent
	for _, it := range m.intents {
		if it.OrderID == orderID {
			candidates = append(candidates, it)
		}
	}
	if len(candidates) == 0 {
		return Intent{}, ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})
	return candidates[0], nil
}

func (m *MemStore) ByReference(_ context.Context, reference string) (Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.intents {
		if it.Reference == reference {
			return it, nil
		}
	}
	return Intent{}, ErrNotFound
}

func (m *MemStore) MarkSession(_ context.Context, id uuid.UUID, providerTxnID, payToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.intents[id]
	if !ok {
		return ErrNotFound
	}
	if it.Status != StatusInitiated {
		return nil
	}
	it.Status = StatusPendingConfirmation
	if providerTxnID != "" {
		it.ProviderTxnID = providerTxnID
	}
	if payToken != "" {
		it.PayToken = payToken
	}
	m.intents[id] = it
	return nil
}

func (m *MemStore) Complete(_ context.Context, id uuid.UUID, providerTxnID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.intents[id]
	if !ok {
		return false, ErrNotFound
	}
	if it.Status == StatusCompleted {
		return false, nil
	}
	now := time.Now()
	it.Status = StatusCompleted
	it.ProviderTxnID = providerTxnID
	it.CompletedAt = &now
	m.intents[id] = it
	return true, nil
}

func (m *MemStore) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.intents[id]
	if !ok {
		return ErrNotFound
	}
	if it.Status == StatusCompleted {
		return nil
	}
	it.Status = StatusFailed
	it.FailureReason = reason
	m.intents[id] = it
	return nil
}

func (m *MemStore) MarkOnHold(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.intents[id]
	if !ok {
		return ErrNotFound
	}
	if it.Terminal() {
		return nil
	}
	it.Status = StatusOnHold
	m.intents[id] = it
	return nil
}

func (m *MemStore) RecordEvent(_ context.Context, intentID uuid.UUID, status string, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[intentID] = append(m.events[intentID], status)
	return nil
}

func (m *MemStore) StalePending(_ context.Context, olderThan time.Duration, limit int) ([]Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var result []Intent
	for _, it := range m.intents {
		if (it.Status == StatusPendingConfirmation || it.Status == StatusOnHold) && it.CreatedAt.Before(cutoff) {
			result = append(result, it)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// MemUnitOfWork satisfies UnitOfWork for tests without transactional scope.
type MemUnitOfWork struct {
	Store  *MemStore
	Orders *order.Memory
}

func (u MemUnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, st Store, orders order.Gateway) error) error {
	return fn(ctx, u.Store, u.Orders)
}
