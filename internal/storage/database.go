package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type Database struct {
	db *gorm.DB
}

// New opens (and migrates) a sqlite database file, creating its directory.
func New(dbPath string) (*Database, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	return open(sqlite.Open(dbPath))
}

// Open selects the gorm dialect by driver name.
func Open(driver, dsn string) (*Database, error) {
	switch driver {
	case "", "sqlite":
		return New(dsn)
	case "postgres":
		return open(postgres.Open(dsn))
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func open(dialector gorm.Dialector) (*Database, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&HealthCheck{}, &Incident{}, &Aggregate{}, &TokenRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Database{db: db}, nil
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (d *Database) InsertHealthCheck(ctx context.Context, hc *HealthCheck) error {
	hc.CheckedAt = hc.CheckedAt.UTC()
	if err := d.db.WithContext(ctx).Create(hc).Error; err != nil {
		return fmt.Errorf("insert health check: %w", err)
	}
	return nil
}

// GetHealthChecksByRange returns raw records in the half-open window [From, To).
func (d *Database) GetHealthChecksByRange(ctx context.Context, q RangeQuery) ([]HealthCheck, error) {
	var rows []HealthCheck
	err := d.db.WithContext(ctx).
		Where("tenant = ? AND check_type = ? AND checked_at >= ? AND checked_at < ?",
			q.Tenant, q.CheckType, q.From.UTC(), q.To.UTC()).
		Order("checked_at asc").
		Find(&rows).Error
	return rows, err
}

// RecentHealthChecks returns the latest raw records of one check, newest first.
func (d *Database) RecentHealthChecks(ctx context.Context, tenant, checkType string, limit int) ([]HealthCheck, error) {
	var rows []HealthCheck
	err := d.db.WithContext(ctx).
		Where("tenant = ? AND check_type = ?", tenant, checkType).
		Order("checked_at desc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// UpsertAggregate inserts the bucket or fully overwrites the existing row with the same key.
func (d *Database) UpsertAggregate(ctx context.Context, a *Aggregate) error {
	a.PeriodStart = a.PeriodStart.UTC()
	a.UpdatedAt = time.Now().UTC()
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "resolution"}, {Name: "tenant"}, {Name: "check_type"}, {Name: "period_start"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"avg_response_time", "p50_response_time", "p95_response_time", "p99_response_time",
			"min_response_time", "max_response_time",
			"success_count", "warning_count", "down_count", "total_count", "updated_at",
		}),
	}).Create(a).Error
	if err != nil {
		return fmt.Errorf("upsert aggregate: %w", err)
	}
	return nil
}

func (d *Database) GetAggregates(ctx context.Context, q AggregateQuery) ([]Aggregate, error) {
	tx := d.db.WithContext(ctx).
		Where("resolution = ? AND tenant = ?", q.Resolution, q.Tenant)
	if q.CheckType != "" {
		tx = tx.Where("check_type = ?", q.CheckType)
	}
	if !q.From.IsZero() {
		tx = tx.Where("period_start >= ?", q.From.UTC())
	}
	if !q.To.IsZero() {
		tx = tx.Where("period_start < ?", q.To.UTC())
	}
	var rows []Aggregate
	err := tx.Order("period_start asc, check_type asc").Find(&rows).Error
	return rows, err
}

func (d *Database) InsertIncident(ctx context.Context, i *Incident) error {
	i.StartTime = i.StartTime.UTC()
	if err := d.db.WithContext(ctx).Create(i).Error; err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

// GetOpenIncident returns nil, nil when no incident is open for the pair.
func (d *Database) GetOpenIncident(ctx context.Context, tenant, checkType string) (*Incident, error) {
	var i Incident
	err := d.db.WithContext(ctx).
		Where("tenant = ? AND check_type = ? AND end_time IS NULL", tenant, checkType).
		Order("start_time desc").
		First(&i).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (d *Database) UpdateIncidentEndTime(ctx context.Context, id uint, end time.Time) error {
	return d.db.WithContext(ctx).Model(&Incident{}).
		Where("id = ?", id).
		Update("end_time", end.UTC()).Error
}

func (d *Database) GetAllOpenIncidents(ctx context.Context, tenant string) ([]Incident, error) {
	var incidents []Incident
	err := d.db.WithContext(ctx).
		Where("tenant = ? AND end_time IS NULL", tenant).
		Order("start_time asc").
		Find(&incidents).Error
	return incidents, err
}

// ListIncidents lists incidents newest first; an empty tenant matches all tenants.
func (d *Database) ListIncidents(ctx context.Context, tenant string, onlyOpen bool, limit int) ([]Incident, error) {
	tx := d.db.WithContext(ctx)
	if tenant != "" {
		tx = tx.Where("tenant = ?", tenant)
	}
	if onlyOpen {
		tx = tx.Where("end_time IS NULL")
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var incidents []Incident
	err := tx.Order("start_time desc").Find(&incidents).Error
	return incidents, err
}

// LoadTokens returns nil, nil when the tenant has no stored token set.
func (d *Database) LoadTokens(ctx context.Context, tenant string) (*TokenRecord, error) {
	var rec TokenRecord
	err := d.db.WithContext(ctx).Where("tenant = ?", tenant).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (d *Database) SaveTokens(ctx context.Context, rec *TokenRecord) error {
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant"}},
		DoUpdates: clause.AssignmentColumns([]string{"access_token", "refresh_token", "expires_at", "updated_at"}),
	}).Create(rec).Error
}
