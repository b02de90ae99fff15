// Package call implements the lifecycle of one conference call: its state
// machine, remote track events, mute and renegotiation, independent of how
// signaling is carried.
package call

import (
	"context"
	"time"

	"github.com/BioHazard786/huddle/internal/media"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type Status string

const (
	StatusInit     Status = "init"
	StatusRinging  Status = "ringing"
	StatusAnswered Status = "answered"
	StatusFailed   Status = "failed"
	StatusEnded    Status = "ended"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusEnded
}

type Kind string

const (
	KindPrimary     Kind = "primary"
	KindScreenShare Kind = "screen-share"
)

type Originator string

const (
	OriginatorLocal  Originator = "local"
	OriginatorRemote Originator = "remote"
	OriginatorSystem Originator = "system"
)

type Disposition string

const (
	DispositionMissed   Disposition = "missed"
	DispositionRejected Disposition = "rejected"
	DispositionAnswered Disposition = "answered"
)

// OfferOptions controls which media the offer asks to receive when there is
// no local track of that kind.
type OfferOptions struct {
	ReceiveAudio bool
	ReceiveVideo bool
}

// ReceiveAll is the offer used for primary calls.
var ReceiveAll = OfferOptions{ReceiveAudio: true, ReceiveVideo: true}

// Dialog is the signaling side of a session.
type Dialog interface {
	// SendInvite transmits the initial offer. Responses come back through
	// Session.Progress, Accept and Fail.
	SendInvite(ctx context.Context, offerSDP string) error
	// Reinvite sends an in-dialog offer and blocks for the answer.
	Reinvite(ctx context.Context, offerSDP string) (string, error)
	Cancel() error
	Bye(code int, reason string) error
	SendMessage(ctx context.Context, contentType string, body []byte) error
}

// RemoteTrack is the receive side of a media track. *webrtc.TrackRemote
// satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// PeerConnection is the part of a WebRTC peer connection a session drives.
type PeerConnection interface {
	AddTrack(t media.Track, sendOnly bool) error
	RemoveTrack(t media.Track) error
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer(opts OfferOptions) (webrtc.SessionDescription, error)
	// CreateAnswer applies offer remotely and the answer locally.
	CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	// Rollback discards a local offer that was never answered.
	Rollback() error
	LocalDescription() *webrtc.SessionDescription
	// GatheringComplete is closed when the current gathering round ends.
	GatheringComplete() <-chan struct{}
	OnICECandidate(f func(webrtc.ICECandidateType))
	OnTrack(f func(RemoteTrack))
	// SetTransmitting pauses or resumes every local sender.
	SetTransmitting(on bool) error
	Close() error
}

// Event is published on Session.Events.
type Event interface {
	isEvent()
}

type EventStatus struct {
	Status     Status
	Originator Originator
	Cause      Cause
}

type EventNewTrack struct {
	Track    RemoteTrack
	StreamID string
}

type EventTrackEnded struct {
	TrackID  string
	StreamID string
	Kind     webrtc.RTPCodecType
}

type EventMuted struct {
	Muted bool
}

func (EventStatus) isEvent()     {}
func (EventNewTrack) isEvent()   {}
func (EventTrackEnded) isEvent() {}
func (EventMuted) isEvent()      {}

// TrackStats counts what the read loop has seen on one remote track.
type TrackStats struct {
	TrackID  string
	Kind     webrtc.RTPCodecType
	Packets  uint64
	Bytes    uint64
	LastSeen time.Time
}

// Summary describes a terminated session.
type Summary struct {
	ID          string
	Kind        Kind
	Destination string
	Status      Status
	Originator  Originator
	Cause       Cause
	Disposition Disposition
	StartedAt   time.Time
	AnsweredAt  time.Time
	EndedAt     time.Time
}

// Duration is the answered time; zero for calls never answered.
func (s Summary) Duration() time.Duration {
	if s.AnsweredAt.IsZero() || s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.AnsweredAt)
}
