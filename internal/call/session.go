package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/BioHazard786/huddle/internal/errs"
	"github.com/BioHazard786/huddle/internal/media"
	"github.com/BioHazard786/huddle/internal/queue"
	"github.com/google/uuid"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Session is one outbound call. Transitions are serialised by mu; events
// are published through an unbounded queue so that no transition waits on a
// slow consumer.
type Session struct {
	id          string
	kind        Kind
	destination string
	pc          PeerConnection
	dialog      Dialog
	events      *queue.Queue[Event]

	negMu sync.Mutex // one offer/answer exchange at a time

	mu            sync.Mutex
	status        Status
	originator    Originator
	cause         Cause
	muted         bool
	started       bool
	startedAt     time.Time
	answeredAt    time.Time
	endedAt       time.Time
	cancelStart   context.CancelFunc
	localTracks   []media.Track
	remote        map[string]*TrackStats
	remoteSources []string

	readers     sync.WaitGroup
	releaseOnce sync.Once
	done        chan struct{}
}

// New creates a session in the init state. It takes ownership of pc and
// listens for its remote tracks right away.
func New(kind Kind, destination string, pc PeerConnection, dialog Dialog) *Session {
	s := &Session{
		id:          uuid.NewString(),
		kind:        kind,
		destination: destination,
		pc:          pc,
		dialog:      dialog,
		events:      queue.New[Event](),
		status:      StatusInit,
		startedAt:   time.Now(),
		remote:      make(map[string]*TrackStats),
		done:        make(chan struct{}),
	}
	pc.OnTrack(s.handleTrack)
	return s
}

func (s *Session) ID() string          { return s.id }
func (s *Session) Kind() Kind          { return s.kind }
func (s *Session) Destination() string { return s.destination }

// PeerConnection is the connection the session negotiates on.
func (s *Session) PeerConnection() PeerConnection { return s.pc }

// Events delivers status, mute and track events in order. The channel is
// closed once the session is terminal and its read loops have stopped.
func (s *Session) Events() <-chan Event {
	return s.events.C()
}

// Done is closed when the session's resources have been released.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Status returns the current state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// Termination reports who ended the session and why. Both are empty until
// the session is terminal.
func (s *Session) Termination() (Originator, Cause) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.originator, s.cause
}

// LocalTracks returns the tracks sent on the session.
func (s *Session) LocalTracks() []media.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]media.Track(nil), s.localTracks...)
}

// Start adds tracks, builds the offer and hands it to the dialog.
func (s *Session) Start(ctx context.Context, tracks []media.Track, opts OfferOptions) error {
	s.mu.Lock()
	if s.status != StatusInit || s.started {
		status := s.status
		s.mu.Unlock()
		return errs.Wrap("start call", errs.ErrInvalidState, string(status))
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancelStart = cancel
	s.mu.Unlock()
	defer cancel()

	sendOnly := s.kind == KindScreenShare
	for _, t := range tracks {
		if err := s.pc.AddTrack(t, sendOnly); err != nil {
			return s.abort("add track", CauseWebRTCError, err)
		}
		s.mu.Lock()
		s.localTracks = append(s.localTracks, t)
		s.mu.Unlock()
	}

	offer, err := s.offer(ctx, opts)
	if err != nil {
		if ctx.Err() != nil {
			return s.abort("gather candidates", CauseCanceled, err)
		}
		return s.abort("create offer", CauseWebRTCError, err)
	}

	s.mu.Lock()
	if s.status != StatusInit {
		s.mu.Unlock()
		return s.failure("start call", "terminated during negotiation")
	}
	s.setLocked(StatusRinging, "", "")
	s.mu.Unlock()

	if err := s.dialog.SendInvite(ctx, offer); err != nil {
		return s.abort("send invite", CauseConnectionError, err)
	}
	log.Debug().Str("module", "call").Str("session", s.id).Str("destination", s.destination).Msg("invite sent")
	return nil
}

// offer creates a local offer and waits for enough candidates to send it.
func (s *Session) offer(ctx context.Context, opts OfferOptions) (string, error) {
	g := newGatherer()
	s.pc.OnICECandidate(g.observe)

	if _, err := s.pc.CreateOffer(opts); err != nil {
		return "", err
	}
	if err := g.wait(ctx, s.pc.GatheringComplete()); err != nil {
		return "", err
	}
	log.Debug().Str("module", "call").Str("session", s.id).
		Int("host", g.count(webrtc.ICECandidateTypeHost)).
		Int("srflx", g.count(webrtc.ICECandidateTypeSrflx)).
		Int("relay", g.count(webrtc.ICECandidateTypeRelay)).
		Msg("gathering released")

	desc := s.pc.LocalDescription()
	if desc == nil {
		return "", errors.New("no local description")
	}
	return desc.SDP, nil
}

// Progress records a provisional response.
func (s *Session) Progress(code int) {
	log.Debug().Str("module", "call").Str("session", s.id).Int("code", code).Msg("progress")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusInit {
		s.setLocked(StatusRinging, "", "")
	}
}

// Accept applies the remote answer carried by a 2xx. An answer that cannot
// be parsed or applied fails the session and hangs up.
func (s *Session) Accept(answerSDP string) error {
	s.mu.Lock()
	if s.status != StatusRinging && s.status != StatusInit {
		status := s.status
		s.mu.Unlock()
		return errs.Wrap("accept answer", errs.ErrInvalidState, string(status))
	}
	s.mu.Unlock()

	sources, err := msidSources(answerSDP)
	if err == nil {
		err = s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP})
	}
	if err != nil {
		s.mu.Lock()
		changed := s.finishLocked(StatusFailed, OriginatorSystem, CauseBadMediaDescription)
		s.mu.Unlock()
		if changed {
			if byeErr := s.dialog.Bye(488, "Not Acceptable Here"); byeErr != nil {
				log.Debug().Str("module", "call").Err(byeErr).Msg("hang up after bad answer")
			}
			s.releaseAsync()
		}
		return s.failure("accept answer", err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return nil
	}
	s.remoteSources = sources
	s.answeredAt = time.Now()
	s.setLocked(StatusAnswered, "", "")
	return nil
}

// Fail records a final failure reported by signaling. An answered session
// ends instead.
func (s *Session) Fail(originator Originator, cause Cause) {
	s.finish(StatusFailed, originator, cause)
}

// End records the hangup of an answered session.
func (s *Session) End(originator Originator, cause Cause) {
	s.finish(StatusEnded, originator, cause)
}

func (s *Session) finish(status Status, originator Originator, cause Cause) {
	s.mu.Lock()
	if s.status == StatusAnswered {
		status = StatusEnded
	} else if status == StatusEnded {
		status = StatusFailed
	}
	changed := s.finishLocked(status, originator, cause)
	s.mu.Unlock()
	if changed {
		s.releaseAsync()
	}
}

// Terminate ends the session from this side. It never waits on the remote
// party: the state is terminal when Terminate returns.
func (s *Session) Terminate(code int, reason string) error {
	s.mu.Lock()
	var send func() error
	switch s.status {
	case StatusFailed, StatusEnded:
		s.mu.Unlock()
		return nil
	case StatusInit:
		s.finishLocked(StatusFailed, OriginatorLocal, CauseCanceled)
	case StatusRinging:
		s.finishLocked(StatusFailed, OriginatorLocal, CauseCanceled)
		send = s.dialog.Cancel
	case StatusAnswered:
		s.finishLocked(StatusEnded, OriginatorLocal, CauseBye)
		send = func() error { return s.dialog.Bye(code, reason) }
	}
	s.mu.Unlock()

	var err error
	if send != nil {
		if err = send(); err != nil {
			log.Warn().Str("module", "call").Str("session", s.id).Err(err).Msg("terminate request not sent")
		}
	}
	s.releaseAsync()
	return err
}

// AnswerOffer handles an in-dialog offer from the remote party.
func (s *Session) AnswerOffer(ctx context.Context, offerSDP string) (string, error) {
	if !s.negMu.TryLock() {
		return "", errs.Wrap("answer offer", errs.ErrInvalidState, "negotiation in progress")
	}
	defer s.negMu.Unlock()

	if st := s.Status(); st != StatusAnswered {
		return "", errs.Wrap("answer offer", errs.ErrInvalidState, string(st))
	}
	sources, err := msidSources(offerSDP)
	if err != nil {
		return "", errs.Wrap("answer offer", errs.ErrMalformedPayload, err.Error())
	}

	g := newGatherer()
	s.pc.OnICECandidate(g.observe)
	if _, err := s.pc.CreateAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		return "", errs.New("answer offer", err)
	}
	if err := g.wait(ctx, s.pc.GatheringComplete()); err != nil {
		return "", errs.New("answer offer", err)
	}
	desc := s.pc.LocalDescription()
	if desc == nil {
		return "", errs.Wrap("answer offer", errs.ErrInvalidState, "no local description")
	}

	s.mu.Lock()
	s.remoteSources = sources
	s.mu.Unlock()
	return desc.SDP, nil
}

// Renegotiate sends a new offer reflecting the current transceiver set.
func (s *Session) Renegotiate(ctx context.Context) error {
	s.negMu.Lock()
	defer s.negMu.Unlock()

	if st := s.Status(); st != StatusAnswered {
		return errs.Wrap("renegotiate", errs.ErrInvalidState, string(st))
	}

	offer, err := s.offer(ctx, ReceiveAll)
	if err != nil {
		return errs.New("renegotiate", err)
	}
	answer, err := s.dialog.Reinvite(ctx, offer)
	if err != nil {
		if rbErr := s.pc.Rollback(); rbErr != nil {
			log.Debug().Str("module", "call").Err(rbErr).Msg("rollback")
		}
		return errs.New("renegotiate", err)
	}
	sources, err := msidSources(answer)
	if err != nil {
		return errs.Wrap("renegotiate", errs.ErrMalformedPayload, err.Error())
	}
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return errs.New("renegotiate", err)
	}

	s.mu.Lock()
	s.remoteSources = sources
	s.mu.Unlock()
	log.Debug().Str("module", "call").Str("session", s.id).Msg("renegotiated")
	return nil
}

// SendMessage sends an in-dialog application message.
func (s *Session) SendMessage(ctx context.Context, contentType string, body []byte) error {
	if st := s.Status(); st != StatusAnswered {
		return errs.Wrap("send message", errs.ErrInvalidState, string(st))
	}
	if err := s.dialog.SendMessage(ctx, contentType, body); err != nil {
		return errs.New("send message", err)
	}
	return nil
}

// AttachTrack sends t on a new send-only transceiver and applies the current
// mute state to it. Renegotiate announces it to the remote side.
func (s *Session) AttachTrack(t media.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return errs.Wrap("attach track", errs.ErrInvalidState, string(s.status))
	}
	if err := s.pc.AddTrack(t, true); err != nil {
		return errs.New("attach track", err)
	}
	t.SetEnabled(!s.muted)
	s.localTracks = append(s.localTracks, t)
	return nil
}

// DetachTrack withdraws a track added by Start or AttachTrack.
func (s *Session) DetachTrack(t media.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.localTracks[:0]
	for _, lt := range s.localTracks {
		if lt.ID() != t.ID() {
			kept = append(kept, lt)
		}
	}
	s.localTracks = kept
	if err := s.pc.RemoveTrack(t); err != nil {
		return errs.New("detach track", err)
	}
	return nil
}

// Mute stops sending on every local track and disables them.
func (s *Session) Mute() error   { return s.setMuted(true) }
func (s *Session) Unmute() error { return s.setMuted(false) }

func (s *Session) setMuted(muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return errs.Wrap("mute", errs.ErrInvalidState, string(s.status))
	}
	if s.muted == muted {
		return nil
	}
	if err := s.pc.SetTransmitting(!muted); err != nil {
		return errs.New("mute", err)
	}
	for _, t := range s.localTracks {
		t.SetEnabled(!muted)
	}
	s.muted = muted
	s.events.Push(EventMuted{Muted: muted})
	return nil
}

// Disposition classifies a terminated session.
func (s *Session) Disposition() (Disposition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.Terminal() {
		return "", errs.Wrap("disposition", errs.ErrInvalidState, string(s.status))
	}
	return dispositionFor(s.status, s.cause), nil
}

// Summary snapshots the session for reports and history. Disposition is
// set once the session is terminal.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := Summary{
		ID:          s.id,
		Kind:        s.kind,
		Destination: s.destination,
		Status:      s.status,
		Originator:  s.originator,
		Cause:       s.cause,
		StartedAt:   s.startedAt,
		AnsweredAt:  s.answeredAt,
		EndedAt:     s.endedAt,
	}
	if s.status.Terminal() {
		sum.Disposition = dispositionFor(s.status, s.cause)
	}
	return sum
}

// RemoteSources lists the msid stream and track ids of the last remote
// description.
func (s *Session) RemoteSources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.remoteSources...)
}

// Stats returns receive counters for every remote track.
func (s *Session) Stats() []TrackStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TrackStats, 0, len(s.remote))
	for _, st := range s.remote {
		out = append(out, *st)
	}
	return out
}

func (s *Session) handleTrack(t RemoteTrack) {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	if _, seen := s.remote[t.ID()]; seen {
		s.mu.Unlock()
		return
	}
	st := &TrackStats{TrackID: t.ID(), Kind: t.Kind()}
	s.remote[t.ID()] = st
	s.readers.Add(1)
	s.events.Push(EventNewTrack{Track: t, StreamID: t.StreamID()})
	s.mu.Unlock()

	log.Debug().Str("module", "call").Str("session", s.id).
		Str("track", t.ID()).Str("stream", t.StreamID()).Str("kind", t.Kind().String()).
		Msg("remote track")
	go s.readLoop(t, st)
}

func (s *Session) readLoop(t RemoteTrack, st *TrackStats) {
	defer s.readers.Done()
	for {
		pkt, _, err := t.ReadRTP()
		if err != nil {
			break
		}
		s.mu.Lock()
		st.Packets++
		st.Bytes += uint64(len(pkt.Payload))
		st.LastSeen = time.Now()
		s.mu.Unlock()
	}

	s.events.Push(EventTrackEnded{TrackID: t.ID(), StreamID: t.StreamID(), Kind: t.Kind()})
}

// setLocked must be called with mu held.
func (s *Session) setLocked(status Status, originator Originator, cause Cause) {
	s.status = status
	s.events.Push(EventStatus{Status: status, Originator: originator, Cause: cause})
	log.Info().Str("module", "call").Str("session", s.id).Str("kind", string(s.kind)).
		Str("status", string(status)).Str("cause", string(cause)).Msg("status")
}

// finishLocked moves to a terminal state unless already there. It must be
// called with mu held.
func (s *Session) finishLocked(status Status, originator Originator, cause Cause) bool {
	if s.status.Terminal() {
		return false
	}
	s.originator = originator
	s.cause = cause
	s.endedAt = time.Now()
	if s.cancelStart != nil {
		s.cancelStart()
	}
	s.setLocked(status, originator, cause)
	return true
}

// abort fails the session from a local error and returns the failure.
func (s *Session) abort(op string, cause Cause, err error) error {
	s.mu.Lock()
	changed := s.finishLocked(StatusFailed, OriginatorLocal, cause)
	s.mu.Unlock()
	if changed {
		s.releaseAsync()
	}
	return s.failure(op, err.Error())
}

func (s *Session) failure(op, details string) error {
	s.mu.Lock()
	f := &errs.CallFailed{SessionID: s.id, Originator: string(s.originator), Cause: string(s.cause)}
	s.mu.Unlock()
	return errs.Wrap(op, f, details)
}

func (s *Session) releaseAsync() {
	s.releaseOnce.Do(func() {
		go func() {
			if err := s.pc.Close(); err != nil {
				log.Debug().Str("module", "call").Str("session", s.id).Err(err).Msg("close peer connection")
			}
			s.readers.Wait()
			s.events.Close()
			close(s.done)
		}()
	})
}

// msidSources extracts the msid stream and track ids announced in raw.
func msidSources(raw string) ([]string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("parse sdp: %w", err)
	}

	var out []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id != "" && id != "-" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, md := range desc.MediaDescriptions {
		for _, a := range md.Attributes {
			switch a.Key {
			case "msid":
				stream, track, _ := strings.Cut(a.Value, " ")
				add(stream)
				add(track)
			case "ssrc":
				_, rest, _ := strings.Cut(a.Value, " ")
				if v, ok := strings.CutPrefix(rest, "msid:"); ok {
					stream, track, _ := strings.Cut(v, " ")
					add(stream)
					add(track)
				}
			}
		}
	}
	return out, nil
}
