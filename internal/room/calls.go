package room

import (
	"context"
	"strings"
	"time"

	"github.com/BioHazard786/huddle/internal/call"
	"github.com/BioHazard786/huddle/internal/confbridge"
	"github.com/BioHazard786/huddle/internal/errs"
	"github.com/BioHazard786/huddle/internal/media"
	"github.com/BioHazard786/huddle/internal/signaling"
	"github.com/BioHazard786/huddle/internal/transcript"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// AcquireLocalCamera captures microphone and camera. The configured devices
// override those in cons. A previous camera is stopped before the new one
// is stored; on failure nothing new is left running.
func (c *Coordinator) AcquireLocalCamera(ctx context.Context, cons media.Constraints) error {
	cons = cons.WithDevices(c.cfg.Devices.AudioInput, c.cfg.Devices.VideoInput)
	actx, cancel := c.bound(ctx)
	defer cancel()
	tracks, err := c.deps.Platform.GetUserMedia(actx, cons)
	if err != nil {
		return errs.Cause("acquire camera", errs.ErrMediaAcquisition, err)
	}

	closing := false
	err = c.do(context.Background(), func() {
		if closing = c.closing; closing {
			return
		}
		media.StopAll(c.camera)
		c.camera = tracks
		c.push(UpdateLocalTracks{})
	})
	if err == nil && closing {
		err = errClosed
	}
	if err != nil {
		media.StopAll(tracks)
		return err
	}
	log.Info().Str("module", "room").Int("tracks", len(tracks)).Msg("camera acquired")
	return nil
}

// StartCall calls destination with the camera tracks and makes the session
// the primary one.
func (c *Coordinator) StartCall(ctx context.Context, destination string) error {
	var (
		tracks []media.Track
		fail   error
	)
	err := c.do(ctx, func() {
		switch {
		case c.closing:
			fail = errClosed
		case len(c.camera) == 0:
			fail = errs.Wrap("start call", errs.ErrInvalidState, "camera not acquired")
		case c.calling || (c.primary != nil && !c.primary.Status().Terminal()):
			fail = errs.Wrap("start call", errs.ErrInvalidState, "call already in progress")
		default:
			c.calling = true
			tracks = append(tracks, c.camera...)
		}
	})
	if err != nil {
		return err
	}
	if fail != nil {
		return fail
	}

	cctx, cancel := c.bound(ctx)
	defer cancel()
	s, callErr := c.deps.Signaler.Call(cctx, destination, tracks, signaling.CallOptions{Kind: call.KindPrimary})
	closing := false
	err = c.do(context.Background(), func() {
		c.calling = false
		if callErr != nil {
			return
		}
		if closing = c.closing; closing {
			return
		}
		c.primary = s
		c.destination = destination
		c.watch(s)
		c.setState(StateInCall)
	})
	if callErr != nil {
		return callErr
	}
	if err == nil && closing {
		err = errClosed
	}
	if err != nil {
		s.Terminate(0, "")
		return err
	}

	c.subscribeTranscript(destination)
	return nil
}

func (c *Coordinator) subscribeTranscript(destination string) {
	if c.deps.Feed == nil {
		return
	}
	topic := transcript.Topic(c.cfg.TranscriptNamespace, destination)
	if err := c.deps.Feed.Subscribe(topic, c.onTranscript); err != nil {
		log.Warn().Str("module", "room").Str("topic", topic).Err(err).Msg("transcription unavailable")
		return
	}
	c.submit(func() { c.topic = topic })
	log.Info().Str("module", "room").Str("topic", topic).Msg("subscribed to transcription")
}

// onTranscript runs on the feed's goroutine.
func (c *Coordinator) onTranscript(payload []byte) {
	entry, err := transcript.Parse(payload)
	if err != nil {
		log.Warn().Str("module", "room").Err(err).Msg("dropping transcription message")
		if c.deps.Metrics != nil {
			c.deps.Metrics.DroppedPayloads.WithLabelValues("transcription").Inc()
		}
		return
	}
	c.submit(func() {
		c.transcript.Upsert(entry)
		c.push(UpdateTranscript{Entries: c.transcript.Entries()})
	})
}

// watch forwards a session's events to the actor. Must run on the actor.
func (c *Coordinator) watch(s *call.Session) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.ActiveCalls.Inc()
	}
	c.watchers.Add(1)
	go func() {
		defer c.watchers.Done()
		for ev := range s.Events() {
			ev := ev
			c.submit(func() { c.onSessionEvent(s, ev) })
		}
	}()
}

func (c *Coordinator) onSessionEvent(s *call.Session, ev call.Event) {
	switch e := ev.(type) {
	case call.EventStatus:
		c.push(UpdateSession{
			SessionID:  s.ID(),
			Kind:       s.Kind(),
			Status:     e.Status,
			Originator: e.Originator,
			Cause:      e.Cause,
		})
		if e.Status.Terminal() {
			c.release(s, e)
		}
	case call.EventNewTrack:
		c.addRemoteTrack(s, e.Track)
	case call.EventTrackEnded:
		c.removeRemoteTrack(e)
	case call.EventMuted:
		c.push(UpdateMuted{Muted: e.Muted})
	}
}

// release drops what the room holds for a terminated session. Other
// sessions are not touched.
func (c *Coordinator) release(s *call.Session, st call.EventStatus) {
	logger := log.With().Str("module", "room").Str("session", s.ID()).Logger()

	kept := c.streamOrder[:0]
	for _, id := range c.streamOrder {
		if c.streams[id].SessionID == s.ID() {
			c.trackGauge(c.streams[id], -1)
			delete(c.streams, id)
			continue
		}
		kept = append(kept, id)
	}
	c.streamOrder = kept
	c.push(UpdateStreams{Streams: c.streamsLocked()})

	if st.Status == call.StatusFailed {
		cf := &errs.CallFailed{SessionID: s.ID(), Originator: string(st.Originator), Cause: string(st.Cause)}
		logger.Warn().Err(cf).Msg("call failed")
		c.push(UpdateCallFailed{Err: cf})
	} else {
		logger.Info().Str("cause", string(st.Cause)).Msg("call ended")
	}

	sum := s.Summary()
	if c.deps.Recorder != nil {
		if err := c.deps.Recorder.Record(sum); err != nil {
			logger.Warn().Err(err).Msg("cannot record call")
		}
	}
	if m := c.deps.Metrics; m != nil {
		m.ActiveCalls.Dec()
		m.Calls.WithLabelValues(string(sum.Kind), string(sum.Disposition)).Inc()
		if d := sum.Duration(); d > 0 {
			m.CallDuration.Observe(d.Seconds())
		}
	}

	switch s {
	case c.primary:
		c.primary = nil
		if c.screenSession == nil && c.screen != nil {
			// The screen track rode on the primary connection.
			c.screen.Stop()
			c.screen = nil
			c.push(UpdateScreenShare{Active: false})
		}
		if topic := c.topic; topic != "" && c.deps.Feed != nil {
			c.topic = ""
			go func() {
				if err := c.deps.Feed.Unsubscribe(topic); err != nil {
					logger.Debug().Err(err).Msg("unsubscribe transcription")
				}
			}()
		}
		if c.state == StateInCall {
			c.setState(StateConnected)
		}
	case c.screenSession:
		c.screenSession = nil
		if c.screen != nil {
			c.screen.Stop()
			c.screen = nil
		}
		c.push(UpdateScreenShare{Active: false})
	}
}

func (c *Coordinator) addRemoteTrack(s *call.Session, t call.RemoteTrack) {
	id := t.StreamID()
	st, ok := c.streams[id]
	if !ok {
		st = &Stream{ID: id, SessionID: s.ID(), Origin: media.OriginRemote}
		c.streams[id] = st
		c.streamOrder = append(c.streamOrder, id)
	}
	st.Tracks = append(st.Tracks, t)
	if t.Kind() == webrtc.RTPCodecTypeAudio {
		st.Muted = c.remoteAudioMuted
	}
	if !st.Labeled {
		if p, found := c.roster.Lookup(id); found {
			st.Participant = p
			st.Labeled = true
		}
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.RemoteTracks.WithLabelValues(t.Kind().String()).Inc()
	}
	log.Debug().Str("module", "room").Str("stream", id).Str("kind", t.Kind().String()).Bool("labeled", st.Labeled).Msg("remote track")
	c.push(UpdateStreams{Streams: c.streamsLocked()})
}

func (c *Coordinator) removeRemoteTrack(e call.EventTrackEnded) {
	st, ok := c.streams[e.StreamID]
	if !ok {
		return
	}
	for i, t := range st.Tracks {
		if t.ID() == e.TrackID {
			st.Tracks = append(st.Tracks[:i], st.Tracks[i+1:]...)
			if c.deps.Metrics != nil {
				c.deps.Metrics.RemoteTracks.WithLabelValues(e.Kind.String()).Dec()
			}
			break
		}
	}
	if len(st.Tracks) == 0 {
		delete(c.streams, e.StreamID)
		for i, id := range c.streamOrder {
			if id == e.StreamID {
				c.streamOrder = append(c.streamOrder[:i], c.streamOrder[i+1:]...)
				break
			}
		}
	}
	c.push(UpdateStreams{Streams: c.streamsLocked()})
}

func (c *Coordinator) trackGauge(st *Stream, delta float64) {
	if c.deps.Metrics == nil {
		return
	}
	for _, t := range st.Tracks {
		c.deps.Metrics.RemoteTracks.WithLabelValues(t.Kind().String()).Add(delta)
	}
}

// onRoster applies a roster event and resolves streams still unlabeled.
// Labeled streams keep their participant.
func (c *Coordinator) onRoster(sessionID string, ev confbridge.Event) {
	if c.screenSession != nil && sessionID == c.screenSession.ID() {
		return
	}
	c.roster.Apply(ev)

	for _, id := range c.streamOrder {
		st := c.streams[id]
		if st.Labeled {
			if p, ok := c.roster.Lookup(id); ok {
				st.Participant = p
			}
			continue
		}
		if p, ok := c.roster.Lookup(id); ok {
			st.Participant = p
			st.Labeled = true
		}
	}
	c.push(UpdateParticipants{Participants: c.roster.Participants()})
	c.push(UpdateStreams{Streams: c.streamsLocked()})
}

// answeredPrimary returns the primary session if it is answered.
func (c *Coordinator) answeredPrimary(ctx context.Context, op string) (*call.Session, error) {
	var s *call.Session
	if err := c.do(ctx, func() { s = c.primary }); err != nil {
		return nil, err
	}
	if s == nil || s.Status() != call.StatusAnswered {
		return nil, errs.Wrap(op, errs.ErrInvalidState, "no active call")
	}
	return s, nil
}

// SendChatMessage sends text to the conference and logs it once it was
// accepted.
func (c *Coordinator) SendChatMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errs.Wrap("send chat", errs.ErrInvalidState, "empty message")
	}
	s, err := c.answeredPrimary(ctx, "send chat")
	if err != nil {
		return err
	}
	body, err := confbridge.EncodeChat(c.cfg.DisplayName, text)
	if err != nil {
		return errs.New("send chat", err)
	}
	if err := s.SendMessage(ctx, confbridge.ContentTypeChat, body); err != nil {
		return err
	}

	msg := ChatMessage{From: c.cfg.DisplayName, Text: text, At: time.Now(), Local: true}
	return c.do(ctx, func() {
		c.chat = append(c.chat, msg)
		if c.deps.Metrics != nil {
			c.deps.Metrics.ChatMessages.WithLabelValues("out").Inc()
		}
		c.push(UpdateChat{Message: msg})
	})
}

// Mute stops sending audio and video on the primary call, screen
// share included.
func (c *Coordinator) Mute(ctx context.Context) error {
	s, err := c.primarySession(ctx, "mute")
	if err != nil {
		return err
	}
	return s.Mute()
}

func (c *Coordinator) Unmute(ctx context.Context) error {
	s, err := c.primarySession(ctx, "unmute")
	if err != nil {
		return err
	}
	return s.Unmute()
}

func (c *Coordinator) primarySession(ctx context.Context, op string) (*call.Session, error) {
	var s *call.Session
	if err := c.do(ctx, func() { s = c.primary }); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errs.Wrap(op, errs.ErrInvalidState, "no active call")
	}
	return s, nil
}

// SetRemoteAudioMuted toggles local playback of received audio.
func (c *Coordinator) SetRemoteAudioMuted(ctx context.Context, muted bool) error {
	return c.do(ctx, func() {
		c.remoteAudioMuted = muted
		for _, st := range c.streams {
			if st.Has(webrtc.RTPCodecTypeAudio) {
				st.Muted = muted
			}
		}
		c.push(UpdateStreams{Streams: c.streamsLocked()})
	})
}

// RemoteAudioMuted reports the playback toggle.
func (c *Coordinator) RemoteAudioMuted() bool {
	var muted bool
	c.read(func() { muted = c.remoteAudioMuted })
	return muted
}
