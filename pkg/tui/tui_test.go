package tui

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/james-see/netmidi2usb/pkg/bridge"
	"github.com/james-see/netmidi2usb/pkg/session"
)

type fakeController struct {
	status     bridge.Status
	err        error
	reconnects int
}

func (f *fakeController) Status() bridge.Status { return f.status }
func (f *fakeController) Match() string         { return "CH345" }

func (f *fakeController) Reconnect() (bridge.Status, error) {
	f.reconnects++
	return f.status, f.err
}

type fakeCounter bridge.Stats

func (f fakeCounter) Stats() bridge.Stats { return bridge.Stats(f) }

type fakePeers []session.Peer

func (f fakePeers) Peers() []session.Peer { return f }

func connectedAt(port int, name string) bridge.Status {
	return bridge.Status{State: bridge.StateConnected, Port: &port, DeviceName: name}
}

func TestNew(t *testing.T) {
	ctrl := &fakeController{status: connectedAt(2, "CH345 MIDI 1")}
	m := New(ctrl, fakeCounter{Forwarded: 7}, fakePeers{{Name: "MacBook", Addr: "10.0.0.2:5004"}})

	view := m.View()
	for _, want := range []string{"CH345", "2: CH345 MIDI 1", "7", "MacBook"} {
		if !strings.Contains(view, want) {
			t.Errorf("View() missing %q", want)
		}
	}
}

func TestReconnectKey(t *testing.T) {
	tests := []struct {
		name      string
		ctrl      *fakeController
		wantEvent string
	}{
		{
			name:      "success",
			ctrl:      &fakeController{status: connectedAt(1, "CH345 MIDI 1")},
			wantEvent: "MIDI port reconnected successfully.",
		},
		{
			name:      "failure",
			ctrl:      &fakeController{status: bridge.Status{State: bridge.StateDisconnected}, err: errors.New("not found")},
			wantEvent: "Failed to reconnect MIDI port. Please check the device connection.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(tt.ctrl, nil, nil)

			updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
			m = updated.(Model)
			if !m.reconnecting {
				t.Fatal("expected reconnecting state after r")
			}
			if cmd == nil {
				t.Fatal("expected a command after r")
			}

			// a second r while busy is ignored
			updated, cmd2 := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
			m = updated.(Model)
			if cmd2 != nil {
				t.Error("second r while reconnecting should not start another reconnect")
			}

			done := m.reconnect()()
			updated, _ = m.Update(done)
			m = updated.(Model)

			if m.reconnecting {
				t.Error("still reconnecting after result")
			}
			if m.lastEvent != tt.wantEvent {
				t.Errorf("lastEvent = %q, want %q", m.lastEvent, tt.wantEvent)
			}
			if tt.ctrl.reconnects != 1 {
				t.Errorf("reconnects = %d, want 1", tt.ctrl.reconnects)
			}
		})
	}
}

func TestQuitKey(t *testing.T) {
	m := New(&fakeController{}, nil, nil)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q should quit")
	}
}

func TestRefresh(t *testing.T) {
	ctrl := &fakeController{status: bridge.Status{State: bridge.StateDisconnected}}
	m := New(ctrl, nil, nil)
	if !strings.Contains(m.View(), "disconnected") {
		t.Fatal("expected disconnected view")
	}

	ctrl.status = connectedAt(0, "CH345 MIDI 1")
	updated, cmd := m.Update(refreshMsg{})
	m = updated.(Model)
	if cmd == nil {
		t.Error("refresh should schedule the next tick")
	}
	if !m.status.Connected() {
		t.Error("refresh did not pick up the new status")
	}
}
