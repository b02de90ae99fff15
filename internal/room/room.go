// Package room coordinates one conference: local media, the primary call,
// screen share, chat, transcription and the participant roster.
//
// All room state is owned by the goroutine running Coordinator.Run. Public
// methods hand closures to it and blocking work (capture, ICE gathering,
// SIP transactions) runs on the caller's goroutine in between.
package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BioHazard786/huddle/internal/call"
	"github.com/BioHazard786/huddle/internal/media"
	"github.com/BioHazard786/huddle/internal/metrics"
	"github.com/BioHazard786/huddle/internal/queue"
	"github.com/BioHazard786/huddle/internal/roster"
	"github.com/BioHazard786/huddle/internal/signaling"
	"github.com/BioHazard786/huddle/internal/transcript"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type State string

const (
	StateIdle         State = "idle"
	StateConnected    State = "connected"
	StateInCall       State = "in-call"
	StateDisconnected State = "disconnected"
	StateClosed       State = "closed"
)

// ScreenShareMode selects how the display track reaches the bridge.
type ScreenShareMode string

const (
	// ScreenShareTransceiver adds the track to the primary call and
	// renegotiates.
	ScreenShareTransceiver ScreenShareMode = "transceiver"
	// ScreenShareCall places a second, send-only call.
	ScreenShareCall ScreenShareMode = "call"
)

var errClosed = errors.New("room closed")

const releaseWait = 5 * time.Second

type Devices struct {
	AudioInput  string
	VideoInput  string
	AudioOutput string
}

type Config struct {
	DisplayName         string
	Devices             Devices
	ScreenShareMode     ScreenShareMode
	TranscriptNamespace string
}

// Signaler is the signaling client as the room uses it.
type Signaler interface {
	Connect(ctx context.Context) error
	Call(ctx context.Context, destination string, tracks []media.Track, opts signaling.CallOptions) (*call.Session, error)
	Events() <-chan signaling.Event
	Disconnect()
}

// Recorder stores finished calls.
type Recorder interface {
	Record(call.Summary) error
}

// Deps are the collaborators of a Coordinator. Feed, Recorder and Metrics
// are optional.
type Deps struct {
	Signaler Signaler
	Platform media.Platform
	Feed     transcript.Feed
	Recorder Recorder
	Metrics  *metrics.Metrics
}

// Stream groups the remote tracks sharing a stream id.
type Stream struct {
	ID          string
	SessionID   string
	Origin      media.Origin
	Tracks      []call.RemoteTrack
	Participant roster.Participant
	// Labeled is set once the stream resolved to a participant.
	Labeled bool
	// Muted is the local playback state of the stream's audio.
	Muted bool
}

// Has reports whether the stream carries a track of kind.
func (s Stream) Has(kind webrtc.RTPCodecType) bool {
	for _, t := range s.Tracks {
		if t.Kind() == kind {
			return true
		}
	}
	return false
}

// Label is the name shown for the stream.
func (s Stream) Label() string {
	if s.Labeled {
		return s.Participant.Name
	}
	return s.ID
}

type ChatMessage struct {
	From  string
	Text  string
	At    time.Time
	Local bool
}

type Coordinator struct {
	cfg     Config
	deps    Deps
	ops     chan func()
	updates *queue.Queue[Update]

	ctx      context.Context
	cancel   context.CancelFunc
	stopped  chan struct{}
	watchers sync.WaitGroup

	// acquireCtx ends when teardown starts, releasing capture and call
	// setup still in flight.
	acquireCtx  context.Context
	stopAcquire context.CancelFunc

	teardownOnce sync.Once
	teardownErr  error

	// Owned by the Run goroutine.
	state            State
	closing          bool
	camera           []media.Track
	screen           media.Track
	screenBusy       bool
	calling          bool
	primary          *call.Session
	screenSession    *call.Session
	destination      string
	topic            string
	streams          map[string]*Stream
	streamOrder      []string
	roster           *roster.Correlator
	chat             []ChatMessage
	transcript       *transcript.Log
	remoteAudioMuted bool
}

// New builds a coordinator. Run must be started before any other method
// is used.
func New(cfg Config, deps Deps) *Coordinator {
	if cfg.ScreenShareMode == "" {
		cfg.ScreenShareMode = ScreenShareTransceiver
	}
	ctx, cancel := context.WithCancel(context.Background())
	acquireCtx, stopAcquire := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:         cfg,
		deps:        deps,
		ops:         make(chan func()),
		updates:     queue.New[Update](),
		ctx:         ctx,
		cancel:      cancel,
		acquireCtx:  acquireCtx,
		stopAcquire: stopAcquire,
		stopped:     make(chan struct{}),
		state:       StateIdle,
		streams:     make(map[string]*Stream),
		roster:      roster.NewCorrelator(),
		transcript:  transcript.NewLog(),
	}
}

// Run owns the room state until ctx ends or Teardown completes. Every other
// method needs Run to be running.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.stopped)

	events := c.deps.Signaler.Events()
	for {
		select {
		case op := <-c.ops:
			op()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.onSignal(ev)
		case <-c.ctx.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Updates is closed after Teardown.
func (c *Coordinator) Updates() <-chan Update {
	return c.updates.C()
}

// do runs fn on the actor and waits for it.
func (c *Coordinator) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case c.ops <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return errClosed
	}
	<-done
	return nil
}

// submit queues fn without waiting. It is dropped once the actor stopped.
func (c *Coordinator) submit(fn func()) {
	select {
	case c.ops <- fn:
	case <-c.stopped:
	}
}

// bound derives a context from ctx that teardown also cancels.
func (c *Coordinator) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.acquireCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// read runs fn on the actor, or directly once the actor has stopped and no
// longer mutates anything.
func (c *Coordinator) read(fn func()) {
	if err := c.do(context.Background(), fn); errors.Is(err, errClosed) {
		fn()
	}
}

func (c *Coordinator) setState(s State) {
	if c.state == s || c.state == StateClosed {
		return
	}
	c.state = s
	c.push(UpdateState{State: s})
}

func (c *Coordinator) push(u Update) {
	c.updates.Push(u)
}

// State returns the room's connection state.
func (c *Coordinator) State() State {
	var s State
	c.read(func() { s = c.state })
	return s
}

// Streams returns the remote streams in arrival order.
func (c *Coordinator) Streams() []Stream {
	var out []Stream
	c.read(func() { out = c.streamsLocked() })
	return out
}

func (c *Coordinator) streamsLocked() []Stream {
	out := make([]Stream, 0, len(c.streamOrder))
	for _, id := range c.streamOrder {
		s := *c.streams[id]
		s.Tracks = append([]call.RemoteTrack(nil), s.Tracks...)
		out = append(out, s)
	}
	return out
}

// Participants returns the roster in channel order.
func (c *Coordinator) Participants() []roster.Participant {
	var out []roster.Participant
	c.read(func() { out = c.roster.Participants() })
	return out
}

// Chat returns sent and received messages, oldest first.
func (c *Coordinator) Chat() []ChatMessage {
	var out []ChatMessage
	c.read(func() { out = append(out, c.chat...) })
	return out
}

func (c *Coordinator) Transcript() []transcript.Entry {
	var out []transcript.Entry
	c.read(func() { out = c.transcript.Entries() })
	return out
}

// LocalTracks lists camera tracks followed by the screen track, if any.
func (c *Coordinator) LocalTracks() []media.Track {
	var out []media.Track
	c.read(func() {
		out = append(out, c.camera...)
		if c.screen != nil {
			out = append(out, c.screen)
		}
	})
	return out
}

// Primary returns the current primary session, or nil.
func (c *Coordinator) Primary() *call.Session {
	var s *call.Session
	c.read(func() { s = c.primary })
	return s
}

// Connect opens signaling.
func (c *Coordinator) Connect(ctx context.Context) error {
	return c.deps.Signaler.Connect(ctx)
}

func (c *Coordinator) onSignal(ev signaling.Event) {
	switch e := ev.(type) {
	case signaling.EventConnected:
		if c.state == StateIdle {
			c.setState(StateConnected)
		}
	case signaling.EventDisconnected:
		c.setState(StateDisconnected)
		c.push(UpdateDisconnected{Err: e.Err})
	case signaling.EventSession:
		log.Debug().Str("module", "room").Str("session", e.Session.ID()).Str("kind", string(e.Session.Kind())).Msg("session created")
	case signaling.EventParticipantWelcome:
		c.onRoster(e.SessionID, e.Event)
	case signaling.EventParticipantInfo:
		c.onRoster(e.SessionID, e.Event)
	case signaling.EventChatReceived:
		msg := ChatMessage{From: e.Chat.From, Text: e.Chat.Body, At: time.Now()}
		c.chat = append(c.chat, msg)
		if c.deps.Metrics != nil {
			c.deps.Metrics.ChatMessages.WithLabelValues("in").Inc()
		}
		c.push(UpdateChat{Message: msg})
	}
}
