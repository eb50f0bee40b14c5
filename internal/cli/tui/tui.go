// Package tui renders a live dashboard of the host's VMs and events.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ccheshirecat/hostagent/internal/cli/client"
)

const (
	refreshInterval = 5 * time.Second
	maxLogLines     = 100
	shownLogLines   = 10
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("8"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	faintStyle  = lipgloss.NewStyle().Faint(true)
)

type vmListMsg struct {
	vms []client.VMState
}

type poolMsg struct {
	record *client.PoolRecord
}

type vmEventMsg struct {
	event client.VMEvent
}

type errMsg struct {
	err error
}

type eventsClosedMsg struct{}

type tickMsg struct{}

// Run launches the Bubble Tea dashboard and blocks until the user quits.
func Run(parent context.Context, api *client.Client) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	p := tea.NewProgram(newModel(ctx, cancel, api), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

type model struct {
	ctx       context.Context
	cancel    context.CancelFunc
	api       *client.Client
	table     table.Model
	pool      *client.PoolRecord
	logs      []string
	err       error
	eventCh   chan client.VMEvent
	streamEOF bool
}

func newModel(ctx context.Context, cancel context.CancelFunc, api *client.Client) model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "NAME", Width: 28},
			{Title: "STATE", Width: 12},
		}),
		table.WithHeight(12),
		table.WithFocused(true),
	)
	return model{
		ctx:     ctx,
		cancel:  cancel,
		api:     api,
		table:   t,
		eventCh: make(chan client.VMEvent, 16),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		fetchVMsCmd(m.ctx, m.api),
		fetchPoolCmd(m.ctx, m.api),
		watchEventsCmd(m.ctx, m.api, m.eventCh),
		waitEventCmd(m.eventCh),
		tickCmd(),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancel()
			return m, tea.Quit
		case "r":
			return m, tea.Batch(fetchVMsCmd(m.ctx, m.api), fetchPoolCmd(m.ctx, m.api))
		}
	case vmListMsg:
		m.table.SetRows(vmRows(msg.vms))
		m.err = nil
		return m, nil
	case poolMsg:
		m.pool = msg.record
		return m, nil
	case vmEventMsg:
		m.logs = append([]string{formatEvent(msg.event)}, m.logs...)
		if len(m.logs) > maxLogLines {
			m.logs = m.logs[:maxLogLines]
		}
		return m, tea.Batch(fetchVMsCmd(m.ctx, m.api), waitEventCmd(m.eventCh))
	case errMsg:
		m.err = msg.err
		return m, nil
	case eventsClosedMsg:
		m.streamEOF = true
		return m, nil
	case tickMsg:
		return m, tea.Batch(tickCmd(), fetchVMsCmd(m.ctx, m.api))
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("HOSTAGENT :: VM dashboard"))
	b.WriteString(faintStyle.Render("  (r refresh, q quit)"))
	b.WriteString("\n")
	if m.pool != nil {
		line := fmt.Sprintf("role %s", m.pool.Role)
		if m.pool.PoolAlias != "" {
			line += fmt.Sprintf("  pool %s  members %d", m.pool.PoolAlias, len(m.pool.Members))
		}
		b.WriteString(faintStyle.Render(line))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(m.table.View())
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render("Events"))
	b.WriteString("\n")
	if len(m.logs) == 0 {
		b.WriteString(faintStyle.Render("  (waiting for events)"))
		b.WriteString("\n")
	}
	for i, line := range m.logs {
		if i >= shownLogLines {
			break
		}
		b.WriteString("  " + line + "\n")
	}

	if m.err != nil {
		b.WriteString("\n" + errStyle.Render("Error: "+m.err.Error()) + "\n")
	}
	if m.streamEOF {
		b.WriteString("\n" + faintStyle.Render("Event stream closed.") + "\n")
	}
	return b.String()
}

func vmRows(vms []client.VMState) []table.Row {
	rows := make([]table.Row, 0, len(vms))
	for _, vm := range vms {
		rows = append(rows, table.Row{vm.Name, vm.State})
	}
	return rows
}

func formatEvent(ev client.VMEvent) string {
	ts := ev.Timestamp.Local().Format("15:04:05")
	detail := ev.State
	if ev.Command != "" {
		detail = ev.Command
		if ev.Success != nil {
			if *ev.Success {
				detail += " " + okStyle.Render("ok")
			} else {
				detail += " " + errStyle.Render("failed")
			}
		}
	}
	line := fmt.Sprintf("%s %-24s %s", ts, ev.Name, detail)
	if ev.Message != "" {
		line += faintStyle.Render("  " + ev.Message)
	}
	return line
}

func fetchVMsCmd(parent context.Context, api *client.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, 5*time.Second)
		defer cancel()
		vms, err := api.ListVMs(ctx)
		if err != nil {
			return errMsg{err: err}
		}
		return vmListMsg{vms: vms}
	}
}

func fetchPoolCmd(parent context.Context, api *client.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, 5*time.Second)
		defer cancel()
		rec, err := api.Pool(ctx)
		if err != nil {
			return errMsg{err: err}
		}
		return poolMsg{record: rec}
	}
}

func watchEventsCmd(ctx context.Context, api *client.Client, ch chan<- client.VMEvent) tea.Cmd {
	return func() tea.Msg {
		go func() {
			defer close(ch)
			err := api.WatchVMEvents(ctx, func(ev client.VMEvent) {
				select {
				case ch <- ev:
				case <-ctx.Done():
				}
			})
			if err != nil && ctx.Err() == nil {
				select {
				case ch <- client.VMEvent{Type: "ERROR", Message: err.Error(), Timestamp: time.Now().UTC()}:
				default:
				}
			}
		}()
		return nil
	}
}

func waitEventCmd(ch <-chan client.VMEvent) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return eventsClosedMsg{}
		}
		return vmEventMsg{event: ev}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg { return tickMsg{} })
}
