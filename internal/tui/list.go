package tui

import (
	"strings"
	"time"

	"github.com/ankityadav/crmpulse/internal/monitor"
	"github.com/ankityadav/crmpulse/internal/status"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	baseStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("240"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("170"))

	statusUpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	statusWarningStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("214")).
				Bold(true)

	statusDownStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type boardRow struct {
	tenant    string
	checkType string
	rec       monitor.StatusRecord
}

type boardModel struct {
	engine Engine
	table  table.Model
	rows   []boardRow
	err    error
}

func newBoardModel(engine Engine) boardModel {
	columns := []table.Column{
		{Title: "Tenant", Width: 16},
		{Title: "Check", Width: 18},
		{Title: "Status", Width: 11},
		{Title: "Since", Width: 8},
		{Title: "Reason", Width: 16},
		{Title: "Last Check", Width: 16},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(15),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	bm := boardModel{
		engine: engine,
		table:  t,
	}
	bm.load()
	return bm
}

// load snapshots every tenant's checks in display order. Checks that have not
// reported yet are skipped.
func (m *boardModel) load() {
	var rows []boardRow
	m.err = nil
	for _, tenant := range m.engine.Tenants() {
		checks, err := m.engine.GetStatus(tenant)
		if err != nil {
			m.err = err
			continue
		}
		for _, checkType := range status.AllChecks {
			rec, ok := checks[checkType]
			if !ok {
				continue
			}
			rows = append(rows, boardRow{tenant: tenant, checkType: checkType, rec: rec})
		}
	}
	m.rows = rows

	tableRows := make([]table.Row, 0, len(rows))
	for _, r := range rows {
		since := "-"
		if !r.rec.Since.IsZero() {
			since = formatTimeAgo(r.rec.Since)
		}
		lastCheck := "Never"
		if !r.rec.LastCheck.IsZero() {
			lastCheck = formatTime(r.rec.LastCheck)
		}
		tableRows = append(tableRows, table.Row{
			r.tenant,
			r.checkType,
			statusLabel(r.rec.Status),
			since,
			string(r.rec.Reason),
			lastCheck,
		})
	}
	m.table.SetRows(tableRows)
}

func (m boardModel) selected() (boardRow, bool) {
	if len(m.rows) == 0 || m.table.Cursor() >= len(m.rows) {
		return boardRow{}, false
	}
	return m.rows[m.table.Cursor()], true
}

func (m boardModel) Update(msg tea.Msg) (boardModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "enter":
			if row, ok := m.selected(); ok {
				return m, rowSelected(row.tenant, row.checkType)
			}
		case "b":
			row, _ := m.selected()
			return m, openBackfill(row.tenant)
		case "r":
			m.load()
			return m, nil
		}
	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m boardModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("📊 crmpulse - CRM Health Board"))
	b.WriteString("\n\n")
	b.WriteString(renderSummaryCards(m.rows))
	b.WriteString("\n\n")
	b.WriteString(m.table.View())
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(statusDownStyle.Render("Error: " + m.err.Error()))
		b.WriteString("\n")
	}

	b.WriteString(helpStyle.Render("enter: details • b: backfill • r: refresh • q: quit"))
	return b.String()
}

func statusLabel(s status.Status) string {
	switch s {
	case status.Up:
		return "✓ UP"
	case status.Warning:
		return "! WARNING"
	case status.Down:
		return "✗ DOWN"
	default:
		return "? UNKNOWN"
	}
}

func formatTime(t time.Time) string {
	return t.Local().Format("Jan 02 15:04:05")
}
