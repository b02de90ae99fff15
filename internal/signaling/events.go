package signaling

import (
	"github.com/BioHazard786/huddle/internal/call"
	"github.com/BioHazard786/huddle/internal/confbridge"
)

// Event is one entry of Client.Events.
type Event interface {
	isEvent()
}

type EventConnecting struct{}

type EventConnected struct{}

// EventDisconnected is emitted once. Err is nil after Disconnect and set
// when the transport failed.
type EventDisconnected struct {
	Err error
}

// EventSession announces a session created by Call.
type EventSession struct {
	Session *call.Session
}

// EventParticipantWelcome carries the full roster sent when a call joins.
type EventParticipantWelcome struct {
	SessionID string
	Event     confbridge.Event
}

// EventParticipantInfo carries an incremental roster update.
type EventParticipantInfo struct {
	SessionID string
	Event     confbridge.Event
}

type EventChatReceived struct {
	SessionID string
	Chat      confbridge.Chat
}

func (EventConnecting) isEvent()         {}
func (EventConnected) isEvent()          {}
func (EventDisconnected) isEvent()       {}
func (EventSession) isEvent()            {}
func (EventParticipantWelcome) isEvent() {}
func (EventParticipantInfo) isEvent()    {}
func (EventChatReceived) isEvent()       {}
