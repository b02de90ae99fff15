package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BioHazard786/huddle/internal/call"
	"github.com/BioHazard786/huddle/internal/room"
	"github.com/BioHazard786/huddle/internal/roster"
	"github.com/BioHazard786/huddle/internal/transcript"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pion/webrtc/v4"
)

const (
	actionTimeout  = 15 * time.Second
	chatLines      = 12
	transcriptRows = 6
)

// Controller is the part of the room coordinator the view drives.
type Controller interface {
	SendChatMessage(ctx context.Context, text string) error
	Mute(ctx context.Context) error
	Unmute(ctx context.Context) error
	StartScreenShare(ctx context.Context) error
	StopScreenShare(ctx context.Context) error
	SetRemoteAudioMuted(ctx context.Context, muted bool) error
}

type updateMsg struct{ room.Update }

type updatesClosedMsg struct{}

type actionDoneMsg struct {
	action string
	err    error
}

// RoomModel is the bubbletea model of a joined room.
type RoomModel struct {
	ctrl    Controller
	updates <-chan room.Update
	name    string

	input   textinput.Model
	spinner spinner.Model

	state        room.State
	callStatus   call.Status
	streams      []room.Stream
	participants []roster.Participant
	chat         []room.ChatMessage
	transcript   []transcript.Entry
	muted        bool
	sharing      bool
	deafened     bool

	notice    string
	noticeErr bool
	width     int
	quitting  bool
}

// NewRoomModel builds the live room view. updates may be nil in tests.
func NewRoomModel(ctrl Controller, updates <-chan room.Update, name string) *RoomModel {
	in := textinput.New()
	in.Placeholder = "Message, or /mute /share /deafen /quit"
	in.Prompt = IconChat + " "
	in.CharLimit = 1000
	in.Focus()

	s := spinner.New()
	s.Spinner = spinner.Points
	s.Style = SpinnerStyle

	return &RoomModel{
		ctrl:       ctrl,
		updates:    updates,
		name:       name,
		input:      in,
		spinner:    s,
		state:      room.StateConnected,
		callStatus: call.StatusRinging,
		width:      80,
	}
}

func (m *RoomModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, m.waitForUpdate())
}

func (m *RoomModel) waitForUpdate() tea.Cmd {
	return func() tea.Msg {
		u, ok := <-m.updates
		if !ok {
			return updatesClosedMsg{}
		}
		return updateMsg{u}
	}
}

func (m *RoomModel) run(action string, fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return actionDoneMsg{action: action, err: fn(ctx)}
	}
}

func (m *RoomModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if cmd := m.command(line); cmd != nil {
				cmds = append(cmds, cmd)
			}
			if m.quitting {
				return m, tea.Quit
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.input.Width = max(10, msg.Width-6)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case updateMsg:
		m.apply(msg.Update)
		cmds = append(cmds, m.waitForUpdate())

	case updatesClosedMsg:
		m.quitting = true
		return m, tea.Quit

	case actionDoneMsg:
		if msg.err != nil {
			m.setNotice(fmt.Sprintf("%s: %v", msg.action, msg.err), true)
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// command turns an input line into an action. Lines not starting with a
// slash are chat.
func (m *RoomModel) command(line string) tea.Cmd {
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return m.run("chat", func(ctx context.Context) error {
			return m.ctrl.SendChatMessage(ctx, line)
		})
	}

	switch strings.ToLower(strings.Fields(line)[0]) {
	case "/quit", "/leave", "/q":
		m.quitting = true
		return nil
	case "/mute":
		if m.muted {
			return m.run("unmute", m.ctrl.Unmute)
		}
		return m.run("mute", m.ctrl.Mute)
	case "/share":
		if m.sharing {
			return m.run("stop screen share", m.ctrl.StopScreenShare)
		}
		m.setNotice("Pick a screen to share...", false)
		return m.run("screen share", m.ctrl.StartScreenShare)
	case "/deafen":
		deafen := !m.deafened
		m.deafened = deafen
		return m.run("remote audio", func(ctx context.Context) error {
			return m.ctrl.SetRemoteAudioMuted(ctx, deafen)
		})
	case "/help":
		m.setNotice("/mute toggles the microphone, /share the screen, /deafen incoming audio; /quit leaves", false)
		return nil
	default:
		m.setNotice(fmt.Sprintf("unknown command %s", line), true)
		return nil
	}
}

func (m *RoomModel) setNotice(text string, isErr bool) {
	m.notice, m.noticeErr = text, isErr
}

func (m *RoomModel) apply(u room.Update) {
	switch u := u.(type) {
	case room.UpdateState:
		m.state = u.State
	case room.UpdateSession:
		if u.Kind == call.KindPrimary {
			m.callStatus = u.Status
		}
		if u.Status == call.StatusEnded && u.Kind == call.KindPrimary {
			m.setNotice(fmt.Sprintf("%s Call ended (%s, %s)", IconHangup, u.Cause, u.Originator), false)
		}
	case room.UpdateCallFailed:
		m.setNotice(u.Err.Error(), true)
	case room.UpdateStreams:
		m.streams = u.Streams
	case room.UpdateParticipants:
		m.participants = u.Participants
	case room.UpdateChat:
		m.chat = append(m.chat, u.Message)
	case room.UpdateTranscript:
		m.transcript = u.Entries
	case room.UpdateMuted:
		m.muted = u.Muted
	case room.UpdateScreenShare:
		m.sharing = u.Active
		if u.Active {
			m.setNotice(IconScreen+" Sharing your screen", false)
		} else if m.notice == IconScreen+" Sharing your screen" {
			m.setNotice("", false)
		}
	case room.UpdateDisconnected:
		if u.Err != nil {
			m.setNotice("Signaling lost: "+u.Err.Error(), true)
		}
	}
}

func (m *RoomModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(HeaderStyle.Render(fmt.Sprintf("%s huddle · %s", IconRoom, m.name)))
	b.WriteString("\n")
	b.WriteString(m.statusLine())
	b.WriteString("\n\n")

	half := max(30, m.width/2-2)
	left := BoxStyle.Width(half).Render(m.peopleView())
	right := InfoBoxStyle.Width(half).Render(m.chatView())
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, left, right))
	b.WriteString("\n")

	if tv := m.transcriptView(); tv != "" {
		b.WriteString(InfoBoxStyle.Width(2*half + 2).Render(tv))
		b.WriteString("\n")
	}

	if m.notice != "" {
		style := MutedStyle
		if m.noticeErr {
			style = ErrorStyle
		}
		b.WriteString(style.Render(m.notice))
		b.WriteString("\n")
	}
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(FooterStyle.Render("enter send · /help · ctrl+c leave"))
	return b.String()
}

func (m *RoomModel) statusLine() string {
	var parts []string
	switch {
	case m.state == room.StateDisconnected:
		parts = append(parts, ErrorStyle.Render(IconConnect+" disconnected"))
	case m.callStatus == call.StatusRinging || m.callStatus == call.StatusInit:
		parts = append(parts, fmt.Sprintf("%s joining", m.spinner.View()))
	case m.callStatus == call.StatusAnswered:
		parts = append(parts, StatusStyle.Render("LIVE"))
	default:
		parts = append(parts, MutedStyle.Render(string(m.callStatus)))
	}

	mic := IconMic + " mic on"
	if m.muted {
		mic = IconMicOff + " muted"
	}
	parts = append(parts, mic)
	if m.deafened {
		parts = append(parts, IconSpeaker+" deafened")
	}
	if m.sharing {
		parts = append(parts, IconScreen+" sharing")
	}
	return strings.Join(parts, MutedStyle.Render("  │  "))
}

func (m *RoomModel) peopleView() string {
	var b strings.Builder
	b.WriteString(BoldStyle.Render(fmt.Sprintf("%s Participants (%d)", IconPeer, len(m.participants))))
	b.WriteString("\n")
	for _, p := range m.participants {
		name := p.Name
		if name == "" {
			name = "channel " + p.ChannelID
		}
		line := "  " + TruncateString(name, 28)
		if p.Muted {
			line += " " + IconMicOff
		}
		if p.Talking {
			line = SuccessStyle.Render(line)
		}
		b.WriteString(line + "\n")
	}

	if len(m.streams) > 0 {
		b.WriteString("\n" + BoldStyle.Render(IconCamera+" Streams") + "\n")
		for _, s := range m.streams {
			var kinds []string
			if s.Has(webrtc.RTPCodecTypeAudio) {
				kinds = append(kinds, "audio")
			}
			if s.Has(webrtc.RTPCodecTypeVideo) {
				kinds = append(kinds, "video")
			}
			label := TruncateString(s.Label(), 24)
			if !s.Labeled {
				label = MutedStyle.Render(label)
			}
			line := fmt.Sprintf("  %s %s", label, MutedStyle.Render(strings.Join(kinds, "+")))
			if s.Muted {
				line += " " + IconMicOff
			}
			b.WriteString(line + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *RoomModel) chatView() string {
	var b strings.Builder
	b.WriteString(BoldStyle.Render(IconChat+" Chat") + "\n")
	if len(m.chat) == 0 {
		b.WriteString(MutedStyle.Render("  no messages"))
		return b.String()
	}
	start := max(0, len(m.chat)-chatLines)
	for _, msg := range m.chat[start:] {
		style := RemoteChatStyle
		if msg.Local {
			style = LocalChatStyle
		}
		fmt.Fprintf(&b, "%s %s: %s\n", MutedStyle.Render(msg.At.Format("15:04")), style.Render(msg.From), msg.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *RoomModel) transcriptView() string {
	if len(m.transcript) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(BoldStyle.Render(IconTranscript+" Transcript") + "\n")
	start := max(0, len(m.transcript)-transcriptRows)
	for _, e := range m.transcript[start:] {
		name := e.CallerName
		if name == "" {
			name = "unknown"
		}
		fmt.Fprintf(&b, "%s %s\n", RemoteChatStyle.Render(name+":"), e.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// RunRoom shows the room until the user leaves, the room closes or ctx ends.
func RunRoom(ctx context.Context, ctrl Controller, updates <-chan room.Update, name string) error {
	p := tea.NewProgram(NewRoomModel(ctrl, updates, name), tea.WithContext(ctx), tea.WithAltScreen())
	_, err := p.Run()
	if err != nil && errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
