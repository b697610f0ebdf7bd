// Package tui provides a live terminal dashboard for the bridge
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/james-see/netmidi2usb/pkg/bridge"
	"github.com/james-see/netmidi2usb/pkg/session"
)

// Acid-inspired color scheme
var (
	acidGreen  = lipgloss.Color("#39FF14")
	acidYellow = lipgloss.Color("#FFFF00")
	silverGray = lipgloss.Color("#C0C0C0")
	darkGray   = lipgloss.Color("#333333")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(acidGreen).
			Background(darkGray).
			Padding(0, 2).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(silverGray).
			Width(12)

	statusStyle = lipgloss.NewStyle().
			Foreground(acidYellow)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(acidGreen).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666")).
			MarginTop(1)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(acidGreen).
			Padding(1, 2)
)

const refreshInterval = 500 * time.Millisecond

// Controller is the part of the binding the dashboard drives
type Controller interface {
	Status() bridge.Status
	Reconnect() (bridge.Status, error)
	Match() string
}

// Counter reports forwarding totals
type Counter interface {
	Stats() bridge.Stats
}

// PeerLister reports the network session participants
type PeerLister interface {
	Peers() []session.Peer
}

// Model is the dashboard state
type Model struct {
	ctrl    Controller
	counter Counter
	peers   PeerLister

	spinner      spinner.Model
	reconnecting bool
	status       bridge.Status
	stats        bridge.Stats
	participants []session.Peer
	lastEvent    string
	err          error
}

type refreshMsg time.Time

type reconnectDoneMsg struct {
	status bridge.Status
	err    error
}

// New creates a dashboard. peers may be nil.
func New(ctrl Controller, counter Counter, peers PeerLister) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(acidGreen)

	m := Model{
		ctrl:    ctrl,
		counter: counter,
		peers:   peers,
		spinner: s,
	}
	m.refresh()
	return m
}

// Init starts the refresh loop
func (m Model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return refreshMsg(t) })
}

// Update handles key presses, refresh ticks and reconnect results
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			if m.reconnecting {
				return m, nil
			}
			m.reconnecting = true
			m.lastEvent = "Reconnecting..."
			return m, tea.Batch(m.spinner.Tick, m.reconnect())
		}

	case refreshMsg:
		m.refresh()
		return m, tick()

	case spinner.TickMsg:
		if !m.reconnecting {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case reconnectDoneMsg:
		m.reconnecting = false
		m.status = msg.status
		m.err = msg.err
		if msg.err != nil {
			m.lastEvent = "Failed to reconnect MIDI port. Please check the device connection."
		} else {
			m.lastEvent = "MIDI port reconnected successfully."
		}
		return m, nil
	}

	return m, nil
}

func (m *Model) refresh() {
	m.status = m.ctrl.Status()
	if m.counter != nil {
		m.stats = m.counter.Stats()
	}
	if m.peers != nil {
		m.participants = m.peers.Peers()
	}
}

func (m Model) reconnect() tea.Cmd {
	ctrl := m.ctrl
	return func() tea.Msg {
		st, err := ctrl.Reconnect()
		return reconnectDoneMsg{status: st, err: err}
	}
}

// View renders the dashboard
func (m Model) View() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render(" NETWORK MIDI → USB "))
	s.WriteString("\n\n")

	s.WriteString(row("Match", m.ctrl.Match()))
	if m.status.Connected() && m.status.Port != nil {
		s.WriteString(row("Output", successStyle.Render(fmt.Sprintf("● %d: %s", *m.status.Port, m.status.DeviceName))))
	} else {
		s.WriteString(row("Output", errorStyle.Render("○ disconnected")))
	}
	s.WriteString(row("Forwarded", fmt.Sprint(m.stats.Forwarded)))
	s.WriteString(row("Dropped", fmt.Sprint(m.stats.Dropped)))
	s.WriteString(row("Malformed", fmt.Sprint(m.stats.Malformed)))
	s.WriteString(row("Failed", fmt.Sprint(m.stats.Failed)))

	s.WriteString("\n")
	if len(m.participants) == 0 {
		s.WriteString(row("Peers", "none"))
	}
	for i, p := range m.participants {
		label := ""
		if i == 0 {
			label = "Peers"
		}
		s.WriteString(row(label, fmt.Sprintf("%s (%s)", p.Name, p.Addr)))
	}

	if m.reconnecting {
		s.WriteString("\n")
		s.WriteString(fmt.Sprintf("%s %s", m.spinner.View(), statusStyle.Render(m.lastEvent)))
	} else if m.lastEvent != "" {
		s.WriteString("\n")
		if m.err != nil {
			s.WriteString(errorStyle.Render("✗ " + m.lastEvent))
		} else {
			s.WriteString(successStyle.Render("✓ " + m.lastEvent))
		}
	}

	s.WriteString("\n")
	s.WriteString(helpStyle.Render("r: reconnect • q: quit"))

	return boxStyle.Render(s.String())
}

func row(label, value string) string {
	return labelStyle.Render(label) + value + "\n"
}

// Run shows the dashboard until the user quits or ctx is done
func Run(ctx context.Context, m Model) error {
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
