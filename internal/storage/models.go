package storage

import (
	"time"

	"github.com/guregu/null/v5"
)

// HealthCheck is one raw probe outcome.
type HealthCheck struct {
	ID           uint      `gorm:"primarykey" json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Tenant       string    `gorm:"not null;index:idx_health_range,priority:1" json:"tenant"`
	CheckType    string    `gorm:"not null;index:idx_health_range,priority:2" json:"check_type"`
	CheckedAt    time.Time `gorm:"not null;index:idx_health_range,priority:3" json:"checked_at"`
	Status       string    `gorm:"not null" json:"status"`
	ResponseTime null.Int  `gorm:"type:bigint" json:"response_time"`
	HTTPStatus   int       `json:"http_status"`
	ErrorMessage string    `json:"error_message"`
	ErrorCode    string    `json:"error_code"`
	ErrorPayload string    `json:"error_payload"`
}

type Incident struct {
	ID        uint       `gorm:"primarykey" json:"id"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Tenant    string     `gorm:"not null;index:idx_incident_open,priority:1" json:"tenant"`
	CheckType string     `gorm:"not null;index:idx_incident_open,priority:2" json:"check_type"`
	StartTime time.Time  `gorm:"not null" json:"start_time"`
	EndTime   *time.Time `gorm:"index:idx_incident_open,priority:3" json:"end_time"`
	Message   string     `json:"message"`
}

func (i *Incident) IsOpen() bool {
	return i.EndTime == nil
}

func (i *Incident) Duration() time.Duration {
	if i.EndTime != nil {
		return i.EndTime.Sub(i.StartTime)
	}
	return time.Since(i.StartTime)
}

// Aggregate is one rolled-up bucket. The unique key is
// (resolution, tenant, check_type, period_start); every pass overwrites the row.
type Aggregate struct {
	ID              uint      `gorm:"primarykey" json:"-"`
	Resolution      string    `gorm:"not null;uniqueIndex:idx_aggregate_key,priority:1" json:"resolution"`
	Tenant          string    `gorm:"not null;uniqueIndex:idx_aggregate_key,priority:2" json:"tenant"`
	CheckType       string    `gorm:"not null;uniqueIndex:idx_aggregate_key,priority:3" json:"check_type"`
	PeriodStart     time.Time `gorm:"not null;uniqueIndex:idx_aggregate_key,priority:4" json:"period_start"`
	AvgResponseTime null.Int  `gorm:"type:bigint" json:"avg_response_time"`
	P50ResponseTime null.Int  `gorm:"type:bigint" json:"p50_response_time"`
	P95ResponseTime null.Int  `gorm:"type:bigint" json:"p95_response_time"`
	P99ResponseTime null.Int  `gorm:"type:bigint" json:"p99_response_time"`
	MinResponseTime null.Int  `gorm:"type:bigint" json:"min_response_time"`
	MaxResponseTime null.Int  `gorm:"type:bigint" json:"max_response_time"`
	SuccessCount    int       `json:"success_count"`
	WarningCount    int       `json:"warning_count"`
	DownCount       int       `json:"down_count"`
	TotalCount      int       `json:"total_count"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TokenRecord persists the live OAuth2 token set of a tenant.
type TokenRecord struct {
	Tenant       string    `gorm:"primarykey"`
	AccessToken  string    `gorm:"not null"`
	RefreshToken string    `gorm:"not null"`
	ExpiresAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type RangeQuery struct {
	Tenant    string
	CheckType string
	From      time.Time
	To        time.Time
}

type AggregateQuery struct {
	Resolution string
	Tenant     string
	CheckType  string
	From       time.Time
	To         time.Time
}
