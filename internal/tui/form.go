package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ankityadav/crmpulse/internal/aggregate"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const backfillTimeout = 2 * time.Minute

type formModel struct {
	agg        Aggregates
	inputs     []textinput.Model
	focusIndex int
	running    bool
	result     string
	err        error
}

const (
	inputTenant = iota
	inputResolution
	inputLookback
)

func newFormModel(agg Aggregates) formModel {
	inputs := make([]textinput.Model, 3)

	inputs[inputTenant] = textinput.New()
	inputs[inputTenant].Placeholder = "tenant id"
	inputs[inputTenant].Focus()
	inputs[inputTenant].CharLimit = 100
	inputs[inputTenant].Width = 40

	inputs[inputResolution] = textinput.New()
	inputs[inputResolution].Placeholder = "hour or day"
	inputs[inputResolution].CharLimit = 8
	inputs[inputResolution].Width = 20

	inputs[inputLookback] = textinput.New()
	inputs[inputLookback].Placeholder = "24"
	inputs[inputLookback].CharLimit = 5
	inputs[inputLookback].Width = 20

	return formModel{
		agg:    agg,
		inputs: inputs,
	}
}

func (m *formModel) reset(tenant string) {
	m.focusIndex = 0
	m.running = false
	m.result = ""
	m.err = nil

	m.inputs[inputTenant].SetValue(tenant)
	m.inputs[inputResolution].SetValue(string(aggregate.Hour))
	m.inputs[inputLookback].SetValue(strconv.Itoa(aggregate.WarmupHourly))

	m.inputs[inputTenant].Focus()
	for i := 1; i < len(m.inputs); i++ {
		m.inputs[i].Blur()
	}
}

func (m formModel) Update(msg tea.Msg) (formModel, tea.Cmd) {
	switch msg := msg.(type) {
	case backfillDoneMsg:
		m.running = false
		m.err = msg.err
		if msg.err == nil {
			m.result = fmt.Sprintf("Recomputed %d buckets", msg.buckets)
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "esc":
			return m, backToBoard()

		case "tab", "down":
			m.focusIndex = (m.focusIndex + 1) % len(m.inputs)
			return m, m.updateFocus()

		case "shift+tab", "up":
			m.focusIndex--
			if m.focusIndex < 0 {
				m.focusIndex = len(m.inputs) - 1
			}
			return m, m.updateFocus()

		case "enter":
			if m.focusIndex == len(m.inputs)-1 {
				return m, m.submit()
			}
			m.focusIndex++
			return m, m.updateFocus()
		}
	}

	var cmd tea.Cmd
	m.inputs[m.focusIndex], cmd = m.inputs[m.focusIndex].Update(msg)
	return m, cmd
}

func (m *formModel) updateFocus() tea.Cmd {
	cmds := make([]tea.Cmd, len(m.inputs))
	for i := range m.inputs {
		if i == m.focusIndex {
			cmds[i] = m.inputs[i].Focus()
		} else {
			m.inputs[i].Blur()
		}
	}
	return tea.Batch(cmds...)
}

// options validates the form fields.
func (m *formModel) options() (aggregate.Options, error) {
	tenant := strings.TrimSpace(m.inputs[inputTenant].Value())
	if tenant == "" {
		return aggregate.Options{}, fmt.Errorf("tenant is required")
	}

	res := aggregate.Resolution(strings.TrimSpace(m.inputs[inputResolution].Value()))
	if _, err := aggregate.BucketSize(res); err != nil {
		return aggregate.Options{}, err
	}

	lookback, err := strconv.Atoi(strings.TrimSpace(m.inputs[inputLookback].Value()))
	if err != nil || lookback < 1 {
		return aggregate.Options{}, fmt.Errorf("lookback must be a positive number of buckets")
	}

	return aggregate.Options{Resolution: res, Tenant: tenant, Lookback: lookback}, nil
}

func (m *formModel) submit() tea.Cmd {
	if m.running {
		return nil
	}
	opts, err := m.options()
	if err != nil {
		m.err = err
		return nil
	}

	m.running = true
	m.err = nil
	m.result = ""
	agg := m.agg
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), backfillTimeout)
		defer cancel()
		n, err := agg.EnsureAggregates(ctx, opts)
		return backfillDoneMsg{buckets: n, err: err}
	}
}

func (m formModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Backfill Aggregates"))
	b.WriteString("\n\n")

	labels := []string{
		"Tenant:",
		"Resolution (hour|day):",
		"Lookback (buckets):",
	}

	for i, input := range m.inputs {
		b.WriteString(lipgloss.NewStyle().Bold(true).Render(labels[i]))
		b.WriteString("\n")
		b.WriteString(input.View())
		b.WriteString("\n\n")
	}

	switch {
	case m.running:
		b.WriteString(metricLabelStyle.Render("Running..."))
		b.WriteString("\n\n")
	case m.err != nil:
		b.WriteString(statusDownStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteString("\n\n")
	case m.result != "":
		b.WriteString(statusUpStyle.Render(m.result))
		b.WriteString("\n\n")
	}

	b.WriteString(helpStyle.Render("tab: next • shift+tab: previous • enter: run • esc: back"))
	return baseStyle.Render(b.String())
}
