package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ankityadav/crmpulse/internal/aggregate"
	"github.com/ankityadav/crmpulse/internal/status"
	"github.com/ankityadav/crmpulse/internal/storage"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	detailBuckets   = 24
	detailIncidents = 20
	detailChecks    = 10
	queryTimeout    = 5 * time.Second
)

type detailModel struct {
	agg     Aggregates
	history History
	now     func() time.Time

	tenant    string
	checkType string
	buckets   []storage.Aggregate
	open      []storage.Incident
	recent    []storage.HealthCheck
	err       error
}

func newDetailModel(agg Aggregates, history History) detailModel {
	return detailModel{
		agg:     agg,
		history: history,
		now:     time.Now,
	}
}

func (m *detailModel) setRow(tenant, checkType string) {
	m.tenant = tenant
	m.checkType = checkType
	m.buckets = nil
	m.open = nil
	m.recent = nil
	m.refresh()
}

func (m *detailModel) refresh() {
	if m.tenant == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	m.err = nil

	size, _ := aggregate.BucketSize(aggregate.Hour)
	to := aggregate.AlignToBucket(m.now(), size).Add(size)
	buckets, err := m.agg.Query(ctx, storage.AggregateQuery{
		Resolution: string(aggregate.Hour),
		Tenant:     m.tenant,
		CheckType:  m.checkType,
		From:       to.Add(-detailBuckets * size),
		To:         to,
	})
	if err != nil {
		m.err = err
	} else {
		m.buckets = buckets
	}

	recent, err := m.history.RecentHealthChecks(ctx, m.tenant, m.checkType, detailChecks)
	if err != nil {
		m.err = err
	} else {
		m.recent = recent
	}

	incidents, err := m.history.ListIncidents(ctx, m.tenant, true, detailIncidents)
	if err != nil {
		m.err = err
		return
	}
	m.open = m.open[:0]
	for _, inc := range incidents {
		if inc.CheckType == m.checkType {
			m.open = append(m.open, inc)
		}
	}
}

func (m detailModel) Update(msg tea.Msg) (detailModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "esc":
			return m, backToBoard()
		case "b":
			return m, openBackfill(m.tenant)
		case "r":
			m.refresh()
		}
	}
	return m, nil
}

func (m detailModel) View() string {
	if m.tenant == "" {
		return "No check selected"
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render(fmt.Sprintf("%s / %s", m.tenant, m.checkType)))
	b.WriteString("\n\n")

	b.WriteString(metricLabelStyle.Render(fmt.Sprintf("Average response time (last %d hourly buckets):", detailBuckets)))
	b.WriteString("\n")
	b.WriteString(renderSparkline(m.buckets, 48))
	b.WriteString("\n\n")

	var total, success int
	for _, bk := range m.buckets {
		total += bk.TotalCount
		success += bk.SuccessCount
	}
	if total > 0 {
		uptime := float64(success) / float64(total) * 100
		p95 := "-"
		if last := m.buckets[len(m.buckets)-1]; last.P95ResponseTime.Valid {
			p95 = fmt.Sprintf("%dms", last.P95ResponseTime.Int64)
		}
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
			renderMetric("Uptime", fmt.Sprintf("%.1f%%", uptime), uptime >= 99),
			"   ",
			renderMetric("p95 (latest)", p95, true),
			"   ",
			renderMetric("Checks", fmt.Sprintf("%d", total), true),
		))
	} else {
		b.WriteString("No data available")
	}
	b.WriteString("\n\n")

	b.WriteString(titleStyle.Render("Recent Checks"))
	b.WriteString("\n")
	if len(m.recent) == 0 {
		b.WriteString("No check results yet\n")
	}
	for _, hc := range m.recent {
		icon := "✓"
		switch status.Status(hc.Status) {
		case status.Down:
			icon = "✗"
		case status.Warning:
			icon = "!"
		}
		b.WriteString(fmt.Sprintf("%s %s - ", icon, hc.CheckedAt.Local().Format("15:04:05")))
		switch {
		case hc.ErrorMessage != "":
			b.WriteString("Failed: " + hc.ErrorMessage)
		case hc.ResponseTime.Valid:
			b.WriteString(fmt.Sprintf("HTTP %d (%dms)", hc.HTTPStatus, hc.ResponseTime.Int64))
		default:
			b.WriteString(fmt.Sprintf("HTTP %d", hc.HTTPStatus))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString(titleStyle.Render("Open Incidents"))
	b.WriteString("\n")
	if len(m.open) == 0 {
		b.WriteString("None\n")
	}
	for _, inc := range m.open {
		b.WriteString(fmt.Sprintf("Started: %s (ongoing %s)\n",
			inc.StartTime.Local().Format("2006-01-02 15:04:05"),
			formatDuration(inc.Duration())))
		if inc.Message != "" {
			b.WriteString(fmt.Sprintf("Error: %s\n", inc.Message))
		}
		b.WriteString("\n")
	}

	if m.err != nil {
		b.WriteString(statusDownStyle.Render("Error: " + m.err.Error()))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("b: backfill • r: refresh • esc/q: back to board"))
	return b.String()
}
