package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/ankityadav/crmpulse/internal/status"
	"github.com/ankityadav/crmpulse/internal/storage"
	"github.com/charmbracelet/lipgloss"
)

var (
	graphUpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	graphDownStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	metricLabelStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("244"))

	metricValueStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("255"))

	uptimeGoodStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))

	uptimeBadStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	sparkBlocks = []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}
)

func countStatus(rows []boardRow) (up, warning, down, unknown int) {
	for _, r := range rows {
		switch r.rec.Status {
		case status.Up:
			up++
		case status.Warning:
			warning++
		case status.Down:
			down++
		default:
			unknown++
		}
	}
	return
}

func summaryCard(color, value, label string, style lipgloss.Style) string {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(color)).
		Padding(0, 2).
		Render(fmt.Sprintf("%s\n%s", style.Render(value), metricLabelStyle.Render(label)))
}

func renderSummaryCards(rows []boardRow) string {
	up, warning, down, unknown := countStatus(rows)
	return lipgloss.JoinHorizontal(lipgloss.Top,
		summaryCard("42", fmt.Sprintf("✓ %d UP", up), "Healthy", uptimeGoodStyle),
		"  ",
		summaryCard("214", fmt.Sprintf("! %d WARNING", warning), "Degraded", statusWarningStyle),
		"  ",
		summaryCard("196", fmt.Sprintf("✗ %d DOWN", down), "Incidents", uptimeBadStyle),
		"  ",
		summaryCard("244", fmt.Sprintf("? %d UNKNOWN", unknown), "Pending", metricValueStyle),
	)
}

// renderSparkline draws one block per bucket, oldest first, scaled to the
// largest average. Buckets with no latency sample or with any DOWN check are
// drawn red.
func renderSparkline(buckets []storage.Aggregate, width int) string {
	if len(buckets) == 0 {
		return metricLabelStyle.Render("No data yet")
	}
	if len(buckets) > width {
		buckets = buckets[len(buckets)-width:]
	}

	var maxTime int64 = 1
	for _, b := range buckets {
		if b.AvgResponseTime.Valid && b.AvgResponseTime.Int64 > maxTime {
			maxTime = b.AvgResponseTime.Int64
		}
	}

	var spark strings.Builder
	for _, b := range buckets {
		if !b.AvgResponseTime.Valid || b.DownCount > 0 {
			spark.WriteString(graphDownStyle.Render("▄"))
			continue
		}

		avg := b.AvgResponseTime.Int64
		blockIdx := int(float64(avg) / float64(maxTime) * float64(len(sparkBlocks)-1))
		blockIdx = max(0, min(blockIdx, len(sparkBlocks)-1))

		block := string(sparkBlocks[blockIdx])
		switch {
		case b.WarningCount > 0:
			spark.WriteString(statusWarningStyle.Render(block))
		case avg < 1000:
			spark.WriteString(graphUpStyle.Render(block))
		default:
			spark.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color("208")).Render(block))
		}
	}

	return spark.String() + metricLabelStyle.Render(fmt.Sprintf(" (0-%dms)", maxTime))
}

func renderMetric(label, value string, good bool) string {
	valueStyle := metricValueStyle
	if !good {
		valueStyle = uptimeBadStyle
	}
	return fmt.Sprintf("%s\n%s",
		valueStyle.Render(value),
		metricLabelStyle.Render(label))
}

func formatTimeAgo(t time.Time) string {
	return formatDuration(time.Since(t))
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%.1fh", d.Hours())
	}
	return fmt.Sprintf("%.1fd", d.Hours()/24)
}
