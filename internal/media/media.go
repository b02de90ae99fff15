// Package media models local capture: tracks, constraints and the platform
// capability that produces them.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

var (
	ErrPermissionDenied          = errors.New("permission denied")
	ErrDeviceNotFound            = errors.New("device not found")
	ErrConstraintsUnsatisfiable  = errors.New("constraints unsatisfiable")
	ErrDisplayCaptureUnsupported = errors.New("display capture unsupported")
)

type Origin string

const (
	OriginCamera      Origin = "local-camera"
	OriginScreenShare Origin = "screen-share"
	OriginRemote      Origin = "remote"
)

// Track is a locally captured audio or video track.
type Track interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	Origin() Origin
	Enabled() bool
	SetEnabled(enabled bool)
	// Stop releases the capture device. It is idempotent.
	Stop()
	Stopped() bool
	// OnEnded registers f to run once when the source stops producing, for
	// example when the user ends a display capture from outside the app.
	OnEnded(f func())
	// Local is what gets attached to a peer connection. It may be nil for
	// tracks that never leave the process.
	Local() webrtc.TrackLocal
}

type VideoConstraints struct {
	MinWidth, MaxWidth   int
	MinHeight, MaxHeight int
	AspectRatio          float64
	DeviceID             string
}

type Constraints struct {
	Audio         bool
	AudioDeviceID string
	Video         *VideoConstraints
}

// DefaultConstraints asks for microphone audio and HD-ish video.
func DefaultConstraints() Constraints {
	return Constraints{
		Audio: true,
		Video: &VideoConstraints{
			MinWidth:    640,
			MaxWidth:    1920,
			MinHeight:   400,
			MaxHeight:   1080,
			AspectRatio: 1.777,
		},
	}
}

// WithDevices returns a copy of c that selects the given device ids.
// Empty ids leave the choice to the platform.
func (c Constraints) WithDevices(audioID, videoID string) Constraints {
	if audioID != "" {
		c.AudioDeviceID = audioID
	}
	if c.Video != nil && videoID != "" {
		v := *c.Video
		v.DeviceID = videoID
		c.Video = &v
	}
	return c
}

type DeviceKind string

const (
	AudioInput  DeviceKind = "audioinput"
	VideoInput  DeviceKind = "videoinput"
	AudioOutput DeviceKind = "audiooutput"
)

type Device struct {
	ID    string
	Label string
	Kind  DeviceKind
}

// Platform abstracts the host's capture devices.
type Platform interface {
	GetUserMedia(ctx context.Context, c Constraints) ([]Track, error)
	GetDisplayMedia(ctx context.Context) (Track, error)
	Devices() ([]Device, error)
}

// StopAll stops every track in ts.
func StopAll(ts []Track) {
	for _, t := range ts {
		if t != nil {
			t.Stop()
		}
	}
}

// LocalTrack is the Track implementation shared by platforms.
type LocalTrack struct {
	id       string
	streamID string
	kind     webrtc.RTPCodecType
	origin   Origin
	local    webrtc.TrackLocal
	release  func()

	mu      sync.Mutex
	enabled bool
	stopped bool
	ended   bool
	onEnded []func()
}

// NewLocalTrack wraps local. release is called once on Stop.
func NewLocalTrack(id, streamID string, kind webrtc.RTPCodecType, origin Origin, local webrtc.TrackLocal, release func()) *LocalTrack {
	return &LocalTrack{
		id:       id,
		streamID: streamID,
		kind:     kind,
		origin:   origin,
		local:    local,
		release:  release,
		enabled:  true,
	}
}

func (t *LocalTrack) ID() string                { return t.id }
func (t *LocalTrack) StreamID() string          { return t.streamID }
func (t *LocalTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *LocalTrack) Origin() Origin            { return t.origin }
func (t *LocalTrack) Local() webrtc.TrackLocal  { return t.local }

func (t *LocalTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled && !t.stopped
}

// SetEnabled records the mute state. Senders are paused by the peer
// connection, not by the track.
func (t *LocalTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *LocalTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.enabled = false
	release := t.release
	t.mu.Unlock()

	if release != nil {
		release()
	}
}

func (t *LocalTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// OnEnded registers f to run when the source ends. It runs right away if
// the source already ended.
func (t *LocalTrack) OnEnded(f func()) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		go f()
		return
	}
	t.onEnded = append(t.onEnded, f)
	t.mu.Unlock()
}

// End marks the source as finished and runs the OnEnded callbacks once.
func (t *LocalTrack) End() {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	fs := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()

	for _, f := range fs {
		f()
	}
}
