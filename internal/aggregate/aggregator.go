package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ankityadav/crmpulse/internal/metrics"
	"github.com/ankityadav/crmpulse/internal/status"
	"github.com/ankityadav/crmpulse/internal/storage"
)

// Schedules and warm-up depths.
const (
	HourlySchedule = "@every 5m"
	DailySchedule  = "@every 30m"

	HourlyLookback = 2
	DailyLookback  = 2

	WarmupHourly = 6
	WarmupDaily  = 2
)

type Store interface {
	GetHealthChecksByRange(ctx context.Context, q storage.RangeQuery) ([]storage.HealthCheck, error)
	UpsertAggregate(ctx context.Context, a *storage.Aggregate) error
	GetAggregates(ctx context.Context, q storage.AggregateQuery) ([]storage.Aggregate, error)
}

// Options selects the buckets to recompute. Either From/To or Lookback is used;
// Lookback counts buckets ending with the current, still open, one.
type Options struct {
	Resolution Resolution
	Tenant     string
	From       time.Time
	To         time.Time
	Lookback   int
	CheckTypes []string
}

type Aggregator struct {
	store   Store
	tenants func() []string
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// New builds an aggregator. tenants lists the tenants the scheduled jobs cover.
func New(store Store, tenants func() []string, log *zap.Logger, m *metrics.Metrics) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{
		store:   store,
		tenants: tenants,
		log:     log.With(zap.String("component", "aggregator")),
		metrics: m,
		now:     time.Now,
	}
}

// SetClock replaces the time source used to place lookback windows.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// Range returns the aligned half-open window [from, to) described by opts.
func (a *Aggregator) Range(opts Options) (time.Time, time.Time, error) {
	size, err := BucketSize(opts.Resolution)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	if opts.From.IsZero() && opts.To.IsZero() {
		lookback := opts.Lookback
		if lookback <= 0 {
			lookback = 1
		}
		if limit := MaxBuckets(opts.Resolution); lookback > limit {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: lookback %d exceeds %d", ErrRangeTooLarge, lookback, limit)
		}
		to := AlignToBucket(a.now(), size).Add(size)
		return to.Add(-time.Duration(lookback) * size), to, nil
	}

	if opts.From.IsZero() || opts.To.IsZero() {
		return time.Time{}, time.Time{}, errors.New("both from and to are required")
	}
	from := AlignToBucket(opts.From, size)
	to := AlignToBucket(opts.To, size)
	if to.Before(opts.To) {
		to = to.Add(size)
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("empty range %s..%s", opts.From, opts.To)
	}
	if n, limit := to.Sub(from)/size, MaxBuckets(opts.Resolution); n > time.Duration(limit) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %d buckets exceeds %d", ErrRangeTooLarge, n, limit)
	}
	return from, to, nil
}

// EnsureAggregates recomputes every (bucket, check type) pair in the window and
// returns the number of buckets written. Parameters are validated before any I/O.
func (a *Aggregator) EnsureAggregates(ctx context.Context, opts Options) (int, error) {
	if opts.Tenant == "" {
		return 0, errors.New("tenant is required")
	}
	from, to, err := a.Range(opts)
	if err != nil {
		return 0, err
	}
	size, _ := BucketSize(opts.Resolution)

	checkTypes := opts.CheckTypes
	if len(checkTypes) == 0 {
		checkTypes = status.AllChecks
	}

	written := 0
	for start := from; start.Before(to); start = start.Add(size) {
		for _, checkType := range checkTypes {
			if _, err := a.ComputeBucket(ctx, opts.Resolution, opts.Tenant, checkType, start); err != nil {
				return written, err
			}
			written++
		}
	}
	return written, nil
}

// ComputeBucket reads the raw rows of one bucket and overwrites its aggregate row.
func (a *Aggregator) ComputeBucket(ctx context.Context, res Resolution, tenant, checkType string, start time.Time) (*storage.Aggregate, error) {
	size, err := BucketSize(res)
	if err != nil {
		return nil, err
	}

	rows, err := a.store.GetHealthChecksByRange(ctx, storage.RangeQuery{
		Tenant:    tenant,
		CheckType: checkType,
		From:      start,
		To:        start.Add(size),
	})
	if err != nil {
		return nil, fmt.Errorf("load %s %s bucket %s: %w", tenant, checkType, start.Format(time.RFC3339), err)
	}

	st := CalculateStats(rows)
	agg := &storage.Aggregate{
		Resolution:      string(res),
		Tenant:          tenant,
		CheckType:       checkType,
		PeriodStart:     start.UTC(),
		AvgResponseTime: st.Avg,
		P50ResponseTime: st.P50,
		P95ResponseTime: st.P95,
		P99ResponseTime: st.P99,
		MinResponseTime: st.Min,
		MaxResponseTime: st.Max,
		SuccessCount:    st.SuccessCount,
		WarningCount:    st.WarningCount,
		DownCount:       st.DownCount,
		TotalCount:      st.TotalCount,
	}
	if err := a.store.UpsertAggregate(ctx, agg); err != nil {
		return nil, fmt.Errorf("upsert %s %s bucket %s: %w", tenant, checkType, start.Format(time.RFC3339), err)
	}
	a.metrics.BucketComputed(string(res))
	return agg, nil
}

// Query returns stored buckets.
func (a *Aggregator) Query(ctx context.Context, q storage.AggregateQuery) ([]storage.Aggregate, error) {
	if _, err := BucketSize(Resolution(q.Resolution)); err != nil {
		return nil, err
	}
	return a.store.GetAggregates(ctx, q)
}

// RunAll recomputes the last lookback buckets of every tenant, logging failures
// per tenant.
func (a *Aggregator) RunAll(ctx context.Context, res Resolution, lookback int) {
	for _, tenant := range a.tenants() {
		n, err := a.EnsureAggregates(ctx, Options{Resolution: res, Tenant: tenant, Lookback: lookback})
		if err != nil {
			a.log.Warn("aggregation failed",
				zap.String("tenant", tenant),
				zap.String("resolution", string(res)),
				zap.Error(err))
			continue
		}
		a.log.Debug("aggregated buckets",
			zap.String("tenant", tenant),
			zap.String("resolution", string(res)),
			zap.Int("buckets", n))
	}
}

// Start runs the warm-up backfill in the background and schedules the hourly and
// daily jobs.
func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cron != nil {
		return errors.New("aggregator already started")
	}

	c := cron.New()
	if _, err := c.AddFunc(HourlySchedule, func() { a.RunAll(ctx, Hour, HourlyLookback) }); err != nil {
		return fmt.Errorf("schedule hourly aggregation: %w", err)
	}
	if _, err := c.AddFunc(DailySchedule, func() { a.RunAll(ctx, Day, DailyLookback) }); err != nil {
		return fmt.Errorf("schedule daily aggregation: %w", err)
	}

	go func() {
		a.RunAll(ctx, Hour, WarmupHourly)
		a.RunAll(ctx, Day, WarmupDaily)
	}()

	c.Start()
	a.cron = c
	a.log.Info("aggregator started")
	return nil
}

// Stop waits for running jobs to finish.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	c := a.cron
	a.cron = nil
	a.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	a.log.Info("aggregator stopped")
}
