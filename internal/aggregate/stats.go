// Package aggregate rolls raw health checks into hourly and daily buckets.
package aggregate

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/guregu/null/v5"

	"github.com/ankityadav/crmpulse/internal/status"
	"github.com/ankityadav/crmpulse/internal/storage"
)

type Resolution string

const (
	Hour Resolution = "hour"
	Day  Resolution = "day"
)

var (
	ErrUnsupportedResolution = errors.New("unsupported resolution")
	ErrRangeTooLarge         = errors.New("range spans too many buckets")
)

// Largest window one request may recompute: a month of hours or a year of days.
const (
	MaxHourlyBuckets = 24 * 31
	MaxDailyBuckets  = 366
)

// MaxBuckets returns the bucket cap of a resolution, or 0 when it is unsupported.
func MaxBuckets(r Resolution) int {
	switch r {
	case Hour:
		return MaxHourlyBuckets
	case Day:
		return MaxDailyBuckets
	default:
		return 0
	}
}

// BucketSize returns the fixed width of a resolution.
func BucketSize(r Resolution) (time.Duration, error) {
	switch r {
	case Hour:
		return time.Hour, nil
	case Day:
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedResolution, string(r))
	}
}

// AlignToBucket floors t to a multiple of size counted from the Unix epoch, in UTC.
func AlignToBucket(t time.Time, size time.Duration) time.Time {
	ms := t.UnixMilli()
	step := size.Milliseconds()
	rem := ms % step
	if rem < 0 {
		rem += step
	}
	return time.UnixMilli(ms - rem).UTC()
}

type Stats struct {
	Avg, P50, P95, P99, Min, Max null.Int

	SuccessCount int
	WarningCount int
	DownCount    int
	TotalCount   int
}

// CalculateStats counts statuses and computes latency statistics over the rows with a
// response time. Unrecognised statuses only count towards the total.
func CalculateStats(rows []storage.HealthCheck) Stats {
	var s Stats
	values := make([]float64, 0, len(rows))
	for _, row := range rows {
		s.TotalCount++
		switch status.Status(row.Status) {
		case status.Up:
			s.SuccessCount++
		case status.Warning:
			s.WarningCount++
		case status.Down:
			s.DownCount++
		}
		if !row.ResponseTime.Valid {
			continue
		}
		v := float64(row.ResponseTime.Int64)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		values = append(values, v)
	}

	if len(values) == 0 {
		return s
	}
	sort.Float64s(values)

	sum := 0.0
	for _, v := range values {
		sum += v
	}
	s.Avg = null.IntFrom(int64(math.Round(sum / float64(len(values)))))
	s.Min = null.IntFrom(int64(values[0]))
	s.Max = null.IntFrom(int64(values[len(values)-1]))
	s.P50 = percentile(values, 50)
	s.P95 = percentile(values, 95)
	s.P99 = percentile(values, 99)
	return s
}

// percentile reads the nearest-rank value from ascending sorted values.
func percentile(sorted []float64, p float64) null.Int {
	n := len(sorted)
	if n == 0 {
		return null.Int{}
	}
	idx := int(math.Ceil(p/100*float64(n))) - 1
	idx = max(0, min(idx, n-1))
	return null.IntFrom(int64(sorted[idx]))
}
