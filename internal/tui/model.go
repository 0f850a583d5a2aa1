package tui

import (
	"context"
	"time"

	"github.com/ankityadav/crmpulse/internal/aggregate"
	"github.com/ankityadav/crmpulse/internal/monitor"
	"github.com/ankityadav/crmpulse/internal/storage"
	tea "github.com/charmbracelet/bubbletea"
)

// Engine is the live status source behind the board.
type Engine interface {
	Tenants() []string
	GetStatus(tenant string) (map[string]monitor.StatusRecord, error)
}

// Aggregates reads and backfills rollup buckets.
type Aggregates interface {
	EnsureAggregates(ctx context.Context, opts aggregate.Options) (int, error)
	Query(ctx context.Context, q storage.AggregateQuery) ([]storage.Aggregate, error)
}

// History reads incidents and the latest raw checks.
type History interface {
	ListIncidents(ctx context.Context, tenant string, onlyOpen bool, limit int) ([]storage.Incident, error)
	RecentHealthChecks(ctx context.Context, tenant, checkType string, limit int) ([]storage.HealthCheck, error)
}

type Deps struct {
	Engine     Engine
	Aggregates Aggregates
	History    History
}

type sessionState int

const (
	boardView sessionState = iota
	detailView
	backfillView
)

type Model struct {
	state    sessionState
	board    boardModel
	detail   detailModel
	backfill formModel
	width    int
	height   int
}

type tickMsg time.Time

func New(deps Deps) Model {
	return Model{
		state:    boardView,
		board:    newBoardModel(deps.Engine),
		detail:   newDetailModel(deps.Aggregates, deps.History),
		backfill: newFormModel(deps.Aggregates),
	}
}

func (m Model) Init() tea.Cmd {
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second*2, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "q":
			if m.state == boardView {
				return m, tea.Quit
			}
			if m.state == detailView {
				m.state = boardView
				m.board.load()
				return m, nil
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		switch m.state {
		case boardView:
			m.board.load()
		case detailView:
			m.detail.refresh()
		}
		return m, tickCmd()

	case RowSelectedMsg:
		m.state = detailView
		m.detail.setRow(msg.Tenant, msg.CheckType)
		return m, nil

	case OpenBackfillMsg:
		m.state = backfillView
		m.backfill.reset(msg.Tenant)
		return m, nil

	case BackToBoardMsg:
		m.state = boardView
		m.board.load()
		return m, nil
	}

	switch m.state {
	case boardView:
		m.board, cmd = m.board.Update(msg)
	case detailView:
		m.detail, cmd = m.detail.Update(msg)
	case backfillView:
		m.backfill, cmd = m.backfill.Update(msg)
	}
	return m, cmd
}

func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	switch m.state {
	case boardView:
		return m.board.View()
	case detailView:
		return m.detail.View()
	case backfillView:
		return m.backfill.View()
	default:
		return "Unknown state"
	}
}

type RowSelectedMsg struct {
	Tenant    string
	CheckType string
}

type OpenBackfillMsg struct {
	Tenant string
}

type BackToBoardMsg struct{}

type backfillDoneMsg struct {
	buckets int
	err     error
}

func rowSelected(tenant, checkType string) tea.Cmd {
	return func() tea.Msg {
		return RowSelectedMsg{Tenant: tenant, CheckType: checkType}
	}
}

func openBackfill(tenant string) tea.Cmd {
	return func() tea.Msg {
		return OpenBackfillMsg{Tenant: tenant}
	}
}

func backToBoard() tea.Cmd {
	return func() tea.Msg {
		return BackToBoardMsg{}
	}
}
