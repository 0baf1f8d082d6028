package stats_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/massamba-mbaye/mobile-money-gateway/internal/stats"
)

type stubQuerier struct {
	summaryCalls int
	dailyCalls   int
}

func (s *stubQuerier) ProviderSummary(_ context.Context, from, _ time.Time) ([]stats.ProviderSummaryRow, error) {
	s.summaryCalls++
	return []stats.ProviderSummaryRow{{
		Provider:       "wave",
		Initiated:      10,
		Completed:      8,
		Failed:         1,
		CollectedMinor: 120000,
		Currency:       "XOF",
	}}, nil
}

func (s *stubQuerier) DailyVolume(_ context.Context, from, _ time.Time) ([]stats.DailyVolumeRow, error) {
	s.dailyCalls++
	return []stats.DailyVolumeRow{{Day: from, Provider: "wave", Completed: 3, CollectedMinor: 45000, Currency: "XOF"}}, nil
}

func newService(t *testing.T) (*stats.Service, *stubQuerier) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := &stubQuerier{}
	return &stats.Service{Q: q, R: rdb, TTL: time.Minute, DefaultRange: 30}, q
}

func TestProviderSummaryCached(t *testing.T) {
	svc, q := newService(t)
	from := time.Now().AddDate(0, 0, -7).Truncate(24 * time.Hour)
	to := time.Now().Truncate(24 * time.Hour)

	first, err := svc.ProviderSummary(context.Background(), from, to)
	require.NoError(t, err)
	second, err := svc.ProviderSummary(context.Background(), from, to)
	require.NoError(t, err)

	require.Equal(t, 1, q.summaryCalls)
	require.Equal(t, first, second)
	require.Equal(t, int64(120000), first[0].CollectedMinor)
}

func TestDailyVolumeCached(t *testing.T) {
	svc, q := newService(t)
	from := time.Now().AddDate(0, 0, -7).Truncate(24 * time.Hour)
	to := time.Now().Truncate(24 * time.Hour)

	_, err := svc.DailyVolume(context.Background(), from, to)
	require.NoError(t, err)
	_, err = svc.DailyVolume(context.Background(), from, to)
	require.NoError(t, err)
	require.Equal(t, 1, q.dailyCalls)
}

func TestProviderSummarySkipsCacheWithoutRedis(t *testing.T) {
	q := &stubQuerier{}
	svc := &stats.Service{Q: q, TTL: time.Minute}
	from := time.Now().AddDate(0, 0, -1)
	to := time.Now()

	_, err := svc.ProviderSummary(context.Background(), from, to)
	require.NoError(t, err)
	_, err = svc.ProviderSummary(context.Background(), from, to)
	require.NoError(t, err)
	require.Equal(t, 2, q.summaryCalls)
}
