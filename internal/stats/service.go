package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProviderSummaryRow aggregates intents for one provider within a range.
type ProviderSummaryRow struct {
	Provider             string `json:"provider"`
	Initiated            int64  `json:"initiated"`
	Completed            int64  `json:"completed"`
	Failed               int64  `json:"failed"`
	OnHold               int64  `json:"onHold"`
	CollectedMinor       int64  `json:"collectedMinor"`
	Currency             string `json:"currency"`
	CompletionRatePct    int64  `json:"completionRatePct"`
	AvgCompletionSeconds int64  `json:"avgCompletionSeconds"`
}

// DailyVolumeRow is the per-day count and value of completed payments.
type DailyVolumeRow struct {
	Day            time.Time `json:"day"`
	Provider       string    `json:"provider"`
	Completed      int64     `json:"completed"`
	CollectedMinor int64     `json:"collectedMinor"`
	Currency       string    `json:"currency"`
}

// Querier defines the database access required for payment statistics.
type Querier interface {
	ProviderSummary(ctx context.Context, from, to time.Time) ([]ProviderSummaryRow, error)
	DailyVolume(ctx context.Context, from, to time.Time) ([]DailyVolumeRow, error)
}

// Service provides cached access to payment intent aggregates.
type Service struct {
	Q            Querier
	R            *redis.Client
	TTL          time.Duration
	DefaultRange int
	Now          func() time.Time
}

func (s *Service) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func cacheKey(parts ...any) string {
	formatted := make([]string, 0, len(parts))
	for _, part := range parts {
		formatted = append(formatted, fmt.Sprint(part))
	}
	return strings.Join(formatted, ":")
}

// ProviderSummary returns per-provider aggregates between from inclusive and to exclusive.
func (s *Service) ProviderSummary(ctx context.Context, from, to time.Time) ([]ProviderSummaryRow, error) {
	if s == nil || s.Q == nil {
		return nil, fmt.Errorf("stats service not configured")
	}
	key := cacheKey("st", "providers", from.Format("2006-01-02"), to.Format("2006-01-02"))
	if rows, ok := getCached[ProviderSummaryRow](ctx, s, key); ok {
		return rows, nil
	}
	rows, err := s.Q.ProviderSummary(ctx, from, to)
	if err != nil {
		return nil, err
	}
	s.store(ctx, key, rows)
	return rows, nil
}

// DailyVolume returns completed payment counts and value per day and provider.
func (s *Service) DailyVolume(ctx context.Context, from, to time.Time) ([]DailyVolumeRow, error) {
	if s == nil || s.Q == nil {
		return nil, fmt.Errorf("stats service not configured")
	}
	key := cacheKey("st", "daily", from.Format("2006-01-02"), to.Format("2006-01-02"))
	if rows, ok := getCached[DailyVolumeRow](ctx, s, key); ok {
		return rows, nil
	}
	rows, err := s.Q.DailyVolume(ctx, from, to)
	if err != nil {
		return nil, err
	}
	s.store(ctx, key, rows)
	return rows, nil
}

func getCached[T any](ctx context.Context, s *Service, key string) ([]T, bool) {
	if s.R == nil || s.TTL <= 0 {
		return nil, false
	}
	data, err := s.R.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var rows []T
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, false
	}
	return rows, true
}

func (s *Service) store(ctx context.Context, key string, value any) {
	if s.R == nil || s.TTL <= 0 {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	_ = s.R.Set(ctx, key, data, s.TTL).Err()
}
