// Package audit exposes the per-intent event trail. Every webhook delivery
// and reconciliation poll leaves a row, including rejected ones, so support
// staff can replay what a provider actually sent.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/massamba-mbaye/mobile-money-gateway/internal/order"
)

// Event is one recorded provider notification or poll result.
type Event struct {
	ID        int64           `json:"id"`
	IntentID  uuid.UUID       `json:"intentId"`
	Provider  string          `json:"provider"`
	Reference string          `json:"reference"`
	Status    string          `json:"status"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Store defines the read access required for the event trail.
type Store interface {
	ListByOrder(ctx context.Context, orderID uuid.UUID, limit, offset int) ([]Event, error)
}

// PgStore reads intent events from Postgres.
type PgStore struct {
	db order.DBTX
}

func NewPgStore(db order.DBTX) *PgStore {
	return &PgStore{db: db}
}

const listByOrderSQL = `
SELECT e.id, e.intent_id, i.provider, i.reference, e.status, e.payload, e.created_at
FROM intent_events e
JOIN payment_intents i ON i.id = e.intent_id
WHERE i.order_id = $1
ORDER BY e.created_at DESC, e.id DESC
LIMIT $2 OFFSET $3`

func (s *PgStore) ListByOrder(ctx context.Context, orderID uuid.UUID, limit, offset int) ([]Event, error) {
	rows, err := s.db.Query(ctx, listByOrderSQL, orderID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.IntentID, &e.Provider, &e.Reference, &e.Status, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
