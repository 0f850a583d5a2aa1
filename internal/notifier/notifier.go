// Package notifier delivers status transition alerts.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gen2brain/beeep"
	"go.uber.org/zap"
)

// Context describes the transition being announced.
type Context struct {
	Tenant       string
	Domain       string
	Status       string
	Previous     string
	Reason       string
	ResponseTime time.Duration
	HTTPStatus   int
	ErrorMessage string
	Since        time.Time
}

// Notifier is the sink the monitor reports transitions to. Errors are logged by the
// caller and never change monitor state.
type Notifier interface {
	SendDown(ctx context.Context, checkType string, nc Context) error
	SendUp(ctx context.Context, checkType string, nc Context) error
	SendWarning(ctx context.Context, checkType string, nc Context) error
	SendWarningResolved(ctx context.Context, checkType string, nc Context) error
	DismissWarning(ctx context.Context, checkType string, nc Context) error
}

func label(checkType string, nc Context) string {
	if nc.Domain != "" {
		return fmt.Sprintf("%s %s", nc.Domain, checkType)
	}
	return fmt.Sprintf("%s %s", nc.Tenant, checkType)
}

func detail(nc Context) string {
	msg := fmt.Sprintf("Reason: %s", nc.Reason)
	if nc.HTTPStatus != 0 {
		msg += fmt.Sprintf("\nHTTP: %d", nc.HTTPStatus)
	}
	if nc.ResponseTime > 0 {
		msg += fmt.Sprintf("\nResponse: %dms", nc.ResponseTime.Milliseconds())
	}
	if nc.ErrorMessage != "" {
		msg += "\nError: " + nc.ErrorMessage
	}
	return msg
}

// Desktop shows native desktop notifications.
type Desktop struct {
	enabled atomic.Bool
	alert   func(title, message string) error
	notify  func(title, message string) error
}

func NewDesktop() *Desktop {
	d := &Desktop{
		alert:  func(title, message string) error { return beeep.Alert(title, message, "") },
		notify: func(title, message string) error { return beeep.Notify(title, message, "") },
	}
	d.enabled.Store(true)
	return d
}

func (d *Desktop) SetEnabled(enabled bool) {
	d.enabled.Store(enabled)
}

func (d *Desktop) send(alert bool, title, message string) error {
	if !d.enabled.Load() {
		return nil
	}
	fn := d.notify
	if alert {
		fn = d.alert
	}
	if err := fn(title, message); err != nil {
		return fmt.Errorf("desktop notification: %w", err)
	}
	return nil
}

func (d *Desktop) SendDown(_ context.Context, checkType string, nc Context) error {
	return d.send(true, fmt.Sprintf("🔴 %s is DOWN", label(checkType, nc)), detail(nc))
}

func (d *Desktop) SendUp(_ context.Context, checkType string, nc Context) error {
	msg := "Recovered"
	if !nc.Since.IsZero() {
		msg = fmt.Sprintf("Recovered at %s", nc.Since.Format(time.Kitchen))
	}
	return d.send(false, fmt.Sprintf("✅ %s is UP", label(checkType, nc)), msg)
}

func (d *Desktop) SendWarning(_ context.Context, checkType string, nc Context) error {
	return d.send(false, fmt.Sprintf("🟡 %s is degraded", label(checkType, nc)), detail(nc))
}

func (d *Desktop) SendWarningResolved(_ context.Context, checkType string, nc Context) error {
	return d.send(false, fmt.Sprintf("✅ %s is no longer degraded", label(checkType, nc)), "Back to normal")
}

// DismissWarning is a no-op: desktop notifications cannot be retracted.
func (d *Desktop) DismissWarning(context.Context, string, Context) error {
	return nil
}

// Log writes every transition to a zap logger.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	return &Log{log: log.With(zap.String("component", "notifier"))}
}

func (l *Log) fields(checkType string, nc Context) []zap.Field {
	return []zap.Field{
		zap.String("tenant", nc.Tenant),
		zap.String("check_type", checkType),
		zap.String("status", nc.Status),
		zap.String("previous", nc.Previous),
		zap.String("reason", nc.Reason),
		zap.Int("http_status", nc.HTTPStatus),
		zap.Duration("response_time", nc.ResponseTime),
		zap.String("error", nc.ErrorMessage),
	}
}

func (l *Log) SendDown(_ context.Context, checkType string, nc Context) error {
	l.log.Error("check down", l.fields(checkType, nc)...)
	return nil
}

func (l *Log) SendUp(_ context.Context, checkType string, nc Context) error {
	l.log.Info("check recovered", l.fields(checkType, nc)...)
	return nil
}

func (l *Log) SendWarning(_ context.Context, checkType string, nc Context) error {
	l.log.Warn("check degraded", l.fields(checkType, nc)...)
	return nil
}

func (l *Log) SendWarningResolved(_ context.Context, checkType string, nc Context) error {
	l.log.Info("check warning resolved", l.fields(checkType, nc)...)
	return nil
}

func (l *Log) DismissWarning(_ context.Context, checkType string, nc Context) error {
	l.log.Debug("check warning dismissed", l.fields(checkType, nc)...)
	return nil
}

// Multi fans every call out to all notifiers and joins their errors.
type Multi []Notifier

func (m Multi) each(fn func(Notifier) error) error {
	var errs []error
	for _, n := range m {
		if err := fn(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) SendDown(ctx context.Context, checkType string, nc Context) error {
	return m.each(func(n Notifier) error { return n.SendDown(ctx, checkType, nc) })
}

func (m Multi) SendUp(ctx context.Context, checkType string, nc Context) error {
	return m.each(func(n Notifier) error { return n.SendUp(ctx, checkType, nc) })
}

func (m Multi) SendWarning(ctx context.Context, checkType string, nc Context) error {
	return m.each(func(n Notifier) error { return n.SendWarning(ctx, checkType, nc) })
}

func (m Multi) SendWarningResolved(ctx context.Context, checkType string, nc Context) error {
	return m.each(func(n Notifier) error { return n.SendWarningResolved(ctx, checkType, nc) })
}

func (m Multi) DismissWarning(ctx context.Context, checkType string, nc Context) error {
	return m.each(func(n Notifier) error { return n.DismissWarning(ctx, checkType, nc) })
}

// Build assembles the notifiers named in a tenant's notify list ("desktop", "log").
// An empty list means log only.
func Build(names []string, log *zap.Logger, desktop *Desktop) (Notifier, error) {
	if len(names) == 0 {
		return NewLog(log), nil
	}
	var out Multi
	for _, name := range names {
		switch name {
		case "log":
			out = append(out, NewLog(log))
		case "desktop":
			if desktop == nil {
				desktop = NewDesktop()
			}
			out = append(out, desktop)
		default:
			return nil, fmt.Errorf("unknown notifier %q", name)
		}
	}
	return out, nil
}
