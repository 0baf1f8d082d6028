package order

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Gateway used by tests and local development.
type Memory struct {
	mu       sync.Mutex
	orders   map[uuid.UUID]Order
	notes    map[uuid.UUID][]string
	metadata map[uuid.UUID]map[string]string
}

// NewMemory returns an empty in-memory gateway.
func NewMemory() *Memory {
	return &Memory{
		orders:   make(map[uuid.UUID]Order),
		notes:    make(map[uuid.UUID][]string),
		metadata: make(map[uuid.UUID]map[string]string),
	}
}

// Put stores or replaces an order.
func (m *Memory) Put(o Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
}

// Notes returns a copy of the notes recorded for an order.
func (m *Memory) Notes(id uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.notes[id]...)
}

// Metadata returns the metadata value for a key, if set.
func (m *Memory) Metadata(id uuid.UUID, key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.metadata[id][key]
	return v, ok
}

func (m *Memory) Get(_ context.Context, id uuid.UUID) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o, nil
}

func (m *Memory) IsPaid(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return false, ErrNotFound
	}
	return o.Status == StatusPaid, nil
}

func (m *Memory) MarkPaid(ctx context.Context, id uuid.UUID, txnID string) error {
	m.mu.Lock()
	o, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if o.Status == StatusPaid {
		m.mu.Unlock()
		return nil
	}
	o.Status = StatusPaid
	m.orders[id] = o
	m.mu.Unlock()
	return m.SetMetadata(ctx, id, "transaction_id", txnID)
}

func (m *Memory) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	return m.setStatus(id, StatusFailed, reason)
}

func (m *Memory) MarkOnHold(_ context.Context, id uuid.UUID, reason string) error {
	return m.setStatus(id, StatusOnHold, reason)
}

func (m *Memory) MarkRefunded(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.Status = StatusRefunded
	m.orders[id] = o
	return nil
}

func (m *Memory) AppendNote(_ context.Context, id uuid.UUID, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[id]; !ok {
		return ErrNotFound
	}
	m.notes[id] = append(m.notes[id], note)
	return nil
}

func (m *Memory) SetMetadata(_ context.Context, id uuid.UUID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[id]; !ok {
		return ErrNotFound
	}
	if m.metadata[id] == nil {
		m.metadata[id] = make(map[string]string)
	}
	m.metadata[id][key] = value
	return nil
}

func (m *Memory) setStatus(id uuid.UUID, status Status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	if o.Status != StatusPaid && o.Status != status {
		o.Status = status
		m.orders[id] = o
	}
	if reason != "" {
		m.notes[id] = append(m.notes[id], reason)
	}
	return nil
}
