package ui

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BioHazard786/huddle/internal/call"
	"github.com/BioHazard786/huddle/internal/errs"
	"github.com/BioHazard786/huddle/internal/room"
	"github.com/BioHazard786/huddle/internal/roster"
	"github.com/BioHazard786/huddle/internal/transcript"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	mu       sync.Mutex
	calls    []string
	chat     []string
	deafened bool
	err      error
}

func (f *fakeController) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeController) SendChatMessage(_ context.Context, text string) error {
	f.mu.Lock()
	f.chat = append(f.chat, text)
	f.mu.Unlock()
	return f.record("chat")
}

func (f *fakeController) Mute(context.Context) error             { return f.record("mute") }
func (f *fakeController) Unmute(context.Context) error           { return f.record("unmute") }
func (f *fakeController) StartScreenShare(context.Context) error { return f.record("share") }
func (f *fakeController) StopScreenShare(context.Context) error  { return f.record("unshare") }

func (f *fakeController) SetRemoteAudioMuted(_ context.Context, muted bool) error {
	f.mu.Lock()
	f.deafened = muted
	f.mu.Unlock()
	return f.record("deafen")
}

// typeLine enters line and runs the command it produces.
func typeLine(t *testing.T, m *RoomModel, line string) tea.Msg {
	t.Helper()
	m.input.SetValue(line)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	return findAction(cmd())
}

// findAction unpacks batches until it finds the action result.
func findAction(msg tea.Msg) tea.Msg {
	switch msg := msg.(type) {
	case tea.BatchMsg:
		for _, c := range msg {
			if c == nil {
				continue
			}
			if found := findAction(c()); found != nil {
				return found
			}
		}
		return nil
	case actionDoneMsg, tea.QuitMsg:
		return msg
	default:
		return nil
	}
}

func TestRoomModelAppliesUpdates(t *testing.T) {
	m := NewRoomModel(&fakeController{}, nil, "100")

	m.apply(room.UpdateSession{Kind: call.KindPrimary, Status: call.StatusAnswered})
	m.apply(room.UpdateParticipants{Participants: []roster.Participant{
		{ChannelID: "1", Name: "Bob", Present: true},
		{ChannelID: "2", Present: true, Muted: true},
	}})
	m.apply(room.UpdateStreams{Streams: []room.Stream{{ID: "stream-bob", Labeled: true, Participant: roster.Participant{Name: "Bob"}}}})
	m.apply(room.UpdateChat{Message: room.ChatMessage{From: "Bob", Text: "hi all", At: time.Now()}})
	m.apply(room.UpdateTranscript{Entries: []transcript.Entry{{ID: "u1", CallerName: "Carol", Text: "good morning"}}})
	m.apply(room.UpdateMuted{Muted: true})
	m.apply(room.UpdateScreenShare{Active: true})

	view := m.View()
	assert.Contains(t, view, "LIVE")
	assert.Contains(t, view, "Participants (2)")
	assert.Contains(t, view, "channel 2")
	assert.Contains(t, view, "hi all")
	assert.Contains(t, view, "good morning")
	assert.Contains(t, view, "muted")
	assert.Contains(t, view, "sharing")

	m.apply(room.UpdateCallFailed{Err: &errs.CallFailed{SessionID: "s1", Originator: "remote", Cause: "BUSY"}})
	assert.True(t, m.noticeErr)
	assert.Contains(t, m.View(), "BUSY")
}

func TestRoomModelCommands(t *testing.T) {
	ctrl := &fakeController{}
	m := NewRoomModel(ctrl, nil, "100")

	msg := typeLine(t, m, "hello there")
	assert.Equal(t, actionDoneMsg{action: "chat"}, msg)

	typeLine(t, m, "/mute")
	m.apply(room.UpdateMuted{Muted: true})
	typeLine(t, m, "/mute")
	typeLine(t, m, "/share")
	m.apply(room.UpdateScreenShare{Active: true})
	typeLine(t, m, "/share")
	typeLine(t, m, "/deafen")

	assert.Equal(t, []string{"chat", "mute", "unmute", "share", "unshare", "deafen"}, ctrl.calls)
	assert.Equal(t, []string{"hello there"}, ctrl.chat)
	assert.True(t, ctrl.deafened)
	assert.Empty(t, m.input.Value())
}

func TestRoomModelShowsActionErrors(t *testing.T) {
	ctrl := &fakeController{err: errors.New("no active call")}
	m := NewRoomModel(ctrl, nil, "100")

	msg := typeLine(t, m, "/share")
	m.Update(msg)
	assert.True(t, m.noticeErr)
	assert.Contains(t, m.View(), "no active call")

	m.input.SetValue("/bogus")
	m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Contains(t, m.notice, "unknown command")
}

func TestRoomModelQuits(t *testing.T) {
	m := NewRoomModel(&fakeController{}, nil, "100")
	m.input.SetValue("/quit")
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
	assert.Empty(t, m.View())

	updates := make(chan room.Update)
	close(updates)
	m = NewRoomModel(&fakeController{}, updates, "100")
	assert.Equal(t, updatesClosedMsg{}, m.waitForUpdate()())
	_, cmd = m.Update(updatesClosedMsg{})
	assert.Equal(t, tea.QuitMsg{}, cmd())
}
