package stats

import (
	"context"
	"time"

	"github.com/massamba-mbaye/mobile-money-gateway/internal/order"
)

// PgQuerier aggregates payment_intents with plain SQL.
type PgQuerier struct {
	db order.DBTX
}

func NewPgQuerier(db order.DBTX) *PgQuerier {
	return &PgQuerier{db: db}
}

const providerSummarySQL = `
SELECT provider,
       count(*)                                                   AS initiated,
       count(*) FILTER (WHERE status = 'COMPLETED')               AS completed,
       count(*) FILTER (WHERE status = 'FAILED')                  AS failed,
       count(*) FILTER (WHERE status = 'ON_HOLD')                 AS on_hold,
       coalesce(sum(amount_minor) FILTER (WHERE status = 'COMPLETED'), 0) AS collected_minor,
       coalesce(max(currency), '')                                AS currency,
       coalesce(avg(extract(epoch FROM completed_at - created_at)) FILTER (WHERE completed_at IS NOT NULL), 0)::bigint AS avg_completion_seconds
FROM payment_intents
WHERE created_at >= $1 AND created_at < $2
GROUP BY provider
ORDER BY provider`

func (q *PgQuerier) ProviderSummary(ctx context.Context, from, to time.Time) ([]ProviderSummaryRow, error) {
	rows, err := q.db.Query(ctx, providerSummarySQL, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProviderSummaryRow
	for rows.Next() {
		var r ProviderSummaryRow
		if err := rows.Scan(&r.Provider, &r.Initiated, &r.Completed, &r.Failed, &r.OnHold,
			&r.CollectedMinor, &r.Currency, &r.AvgCompletionSeconds); err != nil {
			return nil, err
		}
		if r.Initiated > 0 {
			r.CompletionRatePct = r.Completed * 100 / r.Initiated
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const dailyVolumeSQL = `
SELECT date_trunc('day', completed_at) AS day,
       provider,
       count(*)                        AS completed,
       coalesce(sum(amount_minor), 0)  AS collected_minor,
       coalesce(max(currency), '')     AS currency
FROM payment_intents
WHERE status = 'COMPLETED' AND completed_at >= $1 AND completed_at < $2
GROUP BY 1, 2
ORDER BY 1, 2`

func (q *PgQuerier) DailyVolume(ctx context.Context, from, to time.Time) ([]DailyVolumeRow, error) {
	rows, err := q.db.Query(ctx, dailyVolumeSQL, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DailyVolumeRow
	for rows.Next() {
		var r DailyVolumeRow
		if err := rows.Scan(&r.Day, &r.Provider, &r.Completed, &r.CollectedMinor, &r.Currency); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
