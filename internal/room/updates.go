package room

import (
	"github.com/BioHazard786/huddle/internal/call"
	"github.com/BioHazard786/huddle/internal/errs"
	"github.com/BioHazard786/huddle/internal/roster"
	"github.com/BioHazard786/huddle/internal/transcript"
)

// Update is one change published on Coordinator.Updates.
type Update interface {
	isUpdate()
}

type UpdateState struct {
	State State
}

type UpdateSession struct {
	SessionID  string
	Kind       call.Kind
	Status     call.Status
	Originator call.Originator
	Cause      call.Cause
}

// UpdateCallFailed reports a session that reached the failed status.
type UpdateCallFailed struct {
	Err *errs.CallFailed
}

type UpdateStreams struct {
	Streams []Stream
}

type UpdateParticipants struct {
	Participants []roster.Participant
}

type UpdateChat struct {
	Message ChatMessage
}

type UpdateTranscript struct {
	Entries []transcript.Entry
}

type UpdateMuted struct {
	Muted bool
}

type UpdateScreenShare struct {
	Active bool
}

type UpdateLocalTracks struct{}

type UpdateDisconnected struct {
	Err error
}

func (UpdateState) isUpdate()        {}
func (UpdateSession) isUpdate()      {}
func (UpdateCallFailed) isUpdate()   {}
func (UpdateStreams) isUpdate()      {}
func (UpdateParticipants) isUpdate() {}
func (UpdateChat) isUpdate()         {}
func (UpdateTranscript) isUpdate()   {}
func (UpdateMuted) isUpdate()        {}
func (UpdateScreenShare) isUpdate()  {}
func (UpdateLocalTracks) isUpdate()  {}
func (UpdateDisconnected) isUpdate() {}
