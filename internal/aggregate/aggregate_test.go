package aggregate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/guregu/null/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankityadav/crmpulse/internal/status"
	"github.com/ankityadav/crmpulse/internal/storage"
)

func rows(statuses []string, times []int64) []storage.HealthCheck {
	out := make([]storage.HealthCheck, len(statuses))
	for i := range statuses {
		out[i] = storage.HealthCheck{Status: statuses[i]}
		if i < len(times) {
			out[i].ResponseTime = null.IntFrom(times[i])
		}
	}
	return out
}

func TestCalculateStatsScenario(t *testing.T) {
	st := CalculateStats(rows(
		[]string{"up", "up", "warning", "down"},
		[]int64{100, 200, 500, 5000},
	))

	assert.Equal(t, 4, st.TotalCount)
	assert.Equal(t, 2, st.SuccessCount)
	assert.Equal(t, 1, st.WarningCount)
	assert.Equal(t, 1, st.DownCount)
	assert.Equal(t, null.IntFrom(1450), st.Avg)
	assert.Equal(t, null.IntFrom(100), st.Min)
	assert.Equal(t, null.IntFrom(5000), st.Max)
	assert.Equal(t, null.IntFrom(200), st.P50)
	assert.Equal(t, null.IntFrom(5000), st.P95)
	assert.Equal(t, null.IntFrom(5000), st.P99)
}

func TestCalculateStatsEmpty(t *testing.T) {
	st := CalculateStats(nil)
	assert.Equal(t, Stats{}, st)
	assert.False(t, st.P50.Valid)
	assert.False(t, st.Avg.Valid)
}

func TestCalculateStatsWithoutLatencies(t *testing.T) {
	st := CalculateStats(rows([]string{"up", "unknown", ""}, nil))
	assert.Equal(t, 3, st.TotalCount)
	assert.Equal(t, 1, st.SuccessCount)
	assert.Zero(t, st.WarningCount+st.DownCount)
	assert.False(t, st.Max.Valid)
}

func TestPercentiles(t *testing.T) {
	single := CalculateStats(rows([]string{"up"}, []int64{42}))
	for _, p := range []null.Int{single.P50, single.P95, single.P99, single.Min, single.Max, single.Avg} {
		assert.Equal(t, null.IntFrom(42), p)
	}

	times := make([]int64, 100)
	statuses := make([]string, 100)
	for i := range times {
		times[i] = int64(100 - i)
		statuses[i] = "up"
	}
	st := CalculateStats(rows(statuses, times))
	assert.Equal(t, int64(50), st.P50.Int64)
	assert.Equal(t, int64(95), st.P95.Int64)
	assert.Equal(t, int64(99), st.P99.Int64)
	assert.LessOrEqual(t, st.P50.Int64, st.P95.Int64)
	assert.LessOrEqual(t, st.P95.Int64, st.P99.Int64)
}

func TestBucketSize(t *testing.T) {
	size, err := BucketSize(Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3_600_000), size.Milliseconds())

	size, err = BucketSize(Day)
	require.NoError(t, err)
	assert.Equal(t, int64(86_400_000), size.Milliseconds())

	_, err = BucketSize("week")
	assert.ErrorIs(t, err, ErrUnsupportedResolution)
}

func TestAlignToBucket(t *testing.T) {
	for _, size := range []time.Duration{time.Hour, 24 * time.Hour} {
		for _, ts := range []time.Time{
			time.Date(2026, 3, 1, 10, 59, 59, 999, time.UTC),
			time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2026, 3, 1, 10, 30, 0, 0, time.FixedZone("x", 5*3600)),
		} {
			got := AlignToBucket(ts, size)
			assert.Zero(t, got.UnixMilli()%size.Milliseconds())
			assert.False(t, got.After(ts))
			assert.True(t, ts.Sub(got) < size)
		}
	}
}

func newTestStore(t *testing.T) *storage.Database {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "agg.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seed(t *testing.T, db *storage.Database, at time.Time, st string, ms int64) {
	t.Helper()
	require.NoError(t, db.InsertHealthCheck(context.Background(), &storage.HealthCheck{
		Tenant:       "acme",
		CheckType:    status.CheckAPIRead,
		CheckedAt:    at,
		Status:       st,
		ResponseTime: null.IntFrom(ms),
	}))
}

func TestEnsureAggregatesIsIdempotent(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	seed(t, db, base.Add(5*time.Minute), "up", 100)
	seed(t, db, base.Add(15*time.Minute), "up", 200)
	seed(t, db, base.Add(25*time.Minute), "warning", 500)
	seed(t, db, base.Add(35*time.Minute), "down", 5000)
	seed(t, db, base.Add(65*time.Minute), "up", 300)

	a := New(db, func() []string { return []string{"acme"} }, nil, nil)
	a.SetClock(func() time.Time { return base.Add(90 * time.Minute) })

	opts := Options{Resolution: Hour, Tenant: "acme", Lookback: 2, CheckTypes: []string{status.CheckAPIRead}}
	n, err := a.EnsureAggregates(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	q := storage.AggregateQuery{Resolution: "hour", Tenant: "acme", CheckType: status.CheckAPIRead}
	first, err := a.Query(ctx, q)
	require.NoError(t, err)
	require.Len(t, first, 2)

	_, err = a.EnsureAggregates(ctx, opts)
	require.NoError(t, err)
	second, err := a.Query(ctx, q)
	require.NoError(t, err)
	require.Len(t, second, 2)

	for i := range first {
		first[i].UpdatedAt, second[i].UpdatedAt = time.Time{}, time.Time{}
	}
	assert.Equal(t, first, second)

	assert.True(t, first[0].PeriodStart.Equal(base))
	assert.Equal(t, 4, first[0].TotalCount)
	assert.Equal(t, null.IntFrom(1450), first[0].AvgResponseTime)
	assert.Equal(t, 1, first[1].TotalCount)
}

func TestEnsureAggregatesExplicitRangeCoversAllCheckTypes(t *testing.T) {
	db := newTestStore(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	a := New(db, nil, nil, nil)

	n, err := a.EnsureAggregates(context.Background(), Options{
		Resolution: Hour,
		Tenant:     "acme",
		From:       base.Add(10 * time.Minute),
		To:         base.Add(150 * time.Minute),
	})
	require.NoError(t, err)
	// 00:00, 01:00 and 02:00 buckets for every check type.
	assert.Equal(t, 3*len(status.AllChecks), n)

	got, err := db.GetAggregates(context.Background(), storage.AggregateQuery{Resolution: "hour", Tenant: "acme"})
	require.NoError(t, err)
	require.Len(t, got, 3*len(status.AllChecks))
	assert.Zero(t, got[0].TotalCount)
	assert.False(t, got[0].P95ResponseTime.Valid)
}

type noIO struct{ Store }

func TestUnsupportedResolutionFailsBeforeIO(t *testing.T) {
	// A nil embedded store panics on any call.
	a := New(noIO{}, nil, nil, nil)
	_, err := a.EnsureAggregates(context.Background(), Options{Resolution: "minute", Tenant: "acme", Lookback: 1})
	assert.ErrorIs(t, err, ErrUnsupportedResolution)

	_, err = a.Query(context.Background(), storage.AggregateQuery{Resolution: "minute"})
	assert.ErrorIs(t, err, ErrUnsupportedResolution)
}

func TestRangeRejectsOversizedWindows(t *testing.T) {
	a := New(noIO{}, nil, nil, nil)
	a.SetClock(func() time.Time { return time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC) })

	_, _, err := a.Range(Options{Resolution: Hour, Lookback: 1_000_000_000})
	assert.ErrorIs(t, err, ErrRangeTooLarge)

	from, to, err := a.Range(Options{Resolution: Hour, Lookback: MaxHourlyBuckets})
	require.NoError(t, err)
	assert.Equal(t, time.Duration(MaxHourlyBuckets)*time.Hour, to.Sub(from))

	_, _, err = a.Range(Options{
		Resolution: Day,
		From:       time.Date(1970, 1, 2, 0, 0, 0, 0, time.UTC),
		To:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	assert.ErrorIs(t, err, ErrRangeTooLarge)

	_, err = a.EnsureAggregates(context.Background(), Options{Resolution: Day, Tenant: "acme", Lookback: MaxDailyBuckets + 1})
	assert.ErrorIs(t, err, ErrRangeTooLarge)
}

func TestRangeRequiresBothBounds(t *testing.T) {
	a := New(noIO{}, nil, nil, nil)
	_, _, err := a.Range(Options{Resolution: Day, From: time.Now()})
	assert.Error(t, err)
}
