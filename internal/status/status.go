// Package status turns raw probe signals into health states and smooths them
// with escalation and recovery hysteresis.
package status

import (
	"strings"
	"time"
)

type Status string

const (
	Unknown Status = "unknown"
	Up      Status = "up"
	Warning Status = "warning"
	Down    Status = "down"
)

// Level is the numeric form used by the status gauge.
func (s Status) Level() float64 {
	switch s {
	case Up:
		return 1
	case Warning:
		return 2
	case Down:
		return 3
	default:
		return 0
	}
}

type Reason string

const (
	ReasonOK             Reason = "ok"
	ReasonAuthError      Reason = "auth_error"
	ReasonRuntimeError   Reason = "runtime_error"
	ReasonHTTP5xx        Reason = "http_5xx"
	ReasonHTTP4xx        Reason = "http_4xx"
	ReasonLatencyDown    Reason = "latency_down"
	ReasonLatencyWarning Reason = "latency_warning"
	ReasonEscalated      Reason = "escalated"
	ReasonRecovering     Reason = "recovering"
	ReasonNotConfigured  Reason = "not_configured"
)

// Check types probed for every tenant.
const (
	CheckAPIRead         = "api_read"
	CheckAPIWrite        = "api_write"
	CheckWeb             = "web"
	CheckWebhooks        = "webhooks"
	CheckDigitalPipeline = "digital_pipeline"
)

// AllChecks lists every check type in display order.
var AllChecks = []string{CheckAPIRead, CheckAPIWrite, CheckWeb, CheckWebhooks, CheckDigitalPipeline}

// Signal is the raw outcome of one probe.
type Signal struct {
	CheckType    string
	ResponseTime time.Duration
	HTTPStatus   int
	ErrorMessage string
	Timestamp    time.Time
}

type Evaluation struct {
	Status Status
	Reason Reason
}

type Thresholds struct {
	Warning time.Duration
	Down    time.Duration
}

var DefaultThresholds = Thresholds{
	Warning: 10 * time.Second,
	Down:    15 * time.Second,
}

// EvaluateBase classifies a signal on its own, first matching rule wins.
func EvaluateBase(sig Signal, th Thresholds) Evaluation {
	if sig.HTTPStatus == 401 {
		// The web front end answers unauthenticated visitors with its login page.
		if sig.CheckType == CheckWeb {
			return Evaluation{Up, ReasonOK}
		}
		return Evaluation{Warning, ReasonAuthError}
	}

	if sig.ErrorMessage != "" {
		if isAuthMessage(sig.ErrorMessage) {
			return Evaluation{Warning, ReasonAuthError}
		}
		return Evaluation{Down, ReasonRuntimeError}
	}

	switch {
	case sig.HTTPStatus >= 500:
		return Evaluation{Down, ReasonHTTP5xx}
	case sig.HTTPStatus >= 400:
		return Evaluation{Warning, ReasonHTTP4xx}
	}

	switch {
	case sig.ResponseTime >= th.Down:
		return Evaluation{Down, ReasonLatencyDown}
	case sig.ResponseTime >= th.Warning:
		return Evaluation{Warning, ReasonLatencyWarning}
	}

	return Evaluation{Up, ReasonOK}
}

func isAuthMessage(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "unauthorized") ||
		strings.Contains(m, "401") ||
		strings.Contains(m, "token")
}
