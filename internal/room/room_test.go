package room

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/BioHazard786/huddle/internal/call"
	"github.com/BioHazard786/huddle/internal/confbridge"
	"github.com/BioHazard786/huddle/internal/errs"
	"github.com/BioHazard786/huddle/internal/media"
	"github.com/BioHazard786/huddle/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func streamByID(streams []Stream, id string) (Stream, bool) {
	for _, s := range streams {
		if s.ID == id {
			return s, true
		}
	}
	return Stream{}, false
}

func TestJoinAndLabelRemoteStreams(t *testing.T) {
	h := newHarness(t, Config{})
	eventually(t, func() bool { return h.room.State() == StateConnected }, "connected")

	placed := h.inCall(t)
	eventually(t, func() bool { return h.room.State() == StateInCall }, "in call")
	assert.Len(t, placed.tracks, 2)
	assert.Equal(t, call.KindPrimary, placed.session.Kind())

	placed.pc.deliver(newRemoteTrack("mixed-audio", "mixed", webrtc.RTPCodecTypeAudio))
	placed.pc.deliver(newRemoteTrack("track-bob", "stream-bob", webrtc.RTPCodecTypeVideo))

	eventually(t, func() bool { return len(h.room.Streams()) == 2 }, "two streams")
	bob, _ := streamByID(h.room.Streams(), "stream-bob")
	assert.False(t, bob.Labeled)
	assert.Equal(t, "stream-bob", bob.Label())

	h.sig.events <- signaling.EventParticipantWelcome{
		SessionID: placed.session.ID(),
		Event: confbridge.Event{
			Type:     "ConfbridgeWelcome",
			Channels: []confbridge.Channel{{ID: "1", Name: "Bob", Sources: []string{"stream-bob"}}},
		},
	}

	eventually(t, func() bool {
		s, ok := streamByID(h.room.Streams(), "stream-bob")
		return ok && s.Labeled
	}, "stream labeled")
	bob, _ = streamByID(h.room.Streams(), "stream-bob")
	assert.Equal(t, "Bob", bob.Label())
	assert.Equal(t, "1", bob.Participant.ChannelID)

	mixed, _ := streamByID(h.room.Streams(), "mixed")
	assert.False(t, mixed.Labeled)
	require.Len(t, h.room.Participants(), 1)
}

func TestLabeledStreamsKeepTheirChannel(t *testing.T) {
	h := newHarness(t, Config{})
	placed := h.inCall(t)

	h.sig.events <- signaling.EventParticipantWelcome{
		SessionID: placed.session.ID(),
		Event: confbridge.Event{
			Type:     "ConfbridgeWelcome",
			Channels: []confbridge.Channel{{ID: "1", Name: "Bob", Sources: []string{"stream-bob"}}},
		},
	}
	eventually(t, func() bool { return len(h.room.Participants()) == 1 }, "roster")

	// Labeled on arrival.
	placed.pc.deliver(newRemoteTrack("track-bob", "stream-bob", webrtc.RTPCodecTypeVideo))
	eventually(t, func() bool {
		s, ok := streamByID(h.room.Streams(), "stream-bob")
		return ok && s.Labeled
	}, "labeled on arrival")

	h.sig.events <- signaling.EventParticipantInfo{
		SessionID: placed.session.ID(),
		Event: confbridge.Event{
			Type:     "ConfbridgeJoin",
			Channels: []confbridge.Channel{{ID: "0", Name: "Mallory", Sources: []string{"stream-bob"}}},
		},
	}
	eventually(t, func() bool { return len(h.room.Participants()) == 2 }, "join applied")

	s, _ := streamByID(h.room.Streams(), "stream-bob")
	assert.Equal(t, "1", s.Participant.ChannelID)
}

func TestScreenShareRenegotiates(t *testing.T) {
	h := newHarness(t, Config{})
	placed := h.inCall(t)
	ctx := context.Background()

	require.NoError(t, h.room.StartScreenShare(ctx))
	added, removed, _ := placed.pc.counts()
	assert.Equal(t, 3, added)
	assert.Equal(t, 0, removed)
	assert.Equal(t, 1, placed.dialog.reinviteCount())
	assert.True(t, h.room.Sharing())
	assert.ErrorIs(t, h.room.StartScreenShare(ctx), errs.ErrInvalidState)

	var screen *media.LocalTrack
	for _, tr := range h.room.LocalTracks() {
		if tr.Origin() == media.OriginScreenShare {
			screen = tr.(*media.LocalTrack)
		}
	}
	require.NotNil(t, screen)

	// The user stops sharing from outside the app.
	screen.End()

	eventually(t, func() bool { return !h.room.Sharing() && placed.dialog.reinviteCount() == 2 }, "stop path ran")
	_, removed, _ = placed.pc.counts()
	assert.Equal(t, 1, removed)
	eventually(t, screen.Stopped, "screen track stopped")
	assert.Equal(t, call.StatusAnswered, placed.session.Status())
}

func TestScreenShareAsSeparateCall(t *testing.T) {
	h := newHarness(t, Config{ScreenShareMode: ScreenShareCall})
	h.inCall(t)

	require.NoError(t, h.room.StartScreenShare(context.Background()))
	share := h.sig.call(t, 1)
	assert.Equal(t, call.KindScreenShare, share.opts.Kind)
	require.NotNil(t, share.opts.OfferConstraints)
	assert.Equal(t, call.OfferOptions{}, *share.opts.OfferConstraints)
	require.Len(t, share.tracks, 1)
	assert.Equal(t, media.OriginScreenShare, share.tracks[0].Origin())

	require.NoError(t, h.room.StopScreenShare(context.Background()))
	assert.Equal(t, call.StatusFailed, share.session.Status())
	assert.Equal(t, call.StatusAnswered, h.sig.call(t, 0).session.Status())
	assert.True(t, share.tracks[0].Stopped())
}

func TestScreenShareFailureLeavesCall(t *testing.T) {
	h := newHarness(t, Config{})
	placed := h.inCall(t)
	h.platform.displayErr = errors.New("user dismissed picker")

	err := h.room.StartScreenShare(context.Background())
	assert.ErrorIs(t, err, errs.ErrScreenShareUnavailable)
	assert.False(t, h.room.Sharing())
	assert.Equal(t, call.StatusAnswered, placed.session.Status())
	assert.Equal(t, 0, placed.dialog.reinviteCount())
}

func TestChatRequiresActiveCall(t *testing.T) {
	h := newHarness(t, Config{DisplayName: "Alice"})
	ctx := context.Background()

	err := h.room.SendChatMessage(ctx, "hello")
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	assert.Empty(t, h.room.Chat())

	placed := h.inCall(t)
	require.NoError(t, h.room.SendChatMessage(ctx, "hello"))

	chat := h.room.Chat()
	require.Len(t, chat, 1)
	assert.Equal(t, "Alice", chat[0].From)
	assert.Equal(t, "hello", chat[0].Text)
	assert.True(t, chat[0].Local)

	require.Len(t, placed.dialog.messages, 1)
	assert.Equal(t, confbridge.ContentTypeChat, placed.dialog.types[0])
	var sent confbridge.Chat
	require.NoError(t, json.Unmarshal(placed.dialog.messages[0], &sent))
	assert.Equal(t, confbridge.Chat{From: "Alice", Body: "hello"}, sent)
}

func TestChatNotLoggedWhenSendFails(t *testing.T) {
	h := newHarness(t, Config{})
	placed := h.inCall(t)
	placed.dialog.mu.Lock()
	placed.dialog.sendErr = errBoom
	placed.dialog.mu.Unlock()

	err := h.room.SendChatMessage(context.Background(), "anyone there?")
	assert.ErrorIs(t, err, errBoom)
	assert.Empty(t, h.room.Chat())
	assert.ErrorIs(t, h.room.SendChatMessage(context.Background(), "   "), errs.ErrInvalidState)
}

func TestChatReceived(t *testing.T) {
	h := newHarness(t, Config{})
	placed := h.inCall(t)

	h.sig.events <- signaling.EventChatReceived{SessionID: placed.session.ID(), Chat: confbridge.Chat{From: "Bob", Body: "hi all"}}
	eventually(t, func() bool { return len(h.room.Chat()) == 1 }, "chat received")
	assert.False(t, h.room.Chat()[0].Local)
}

func TestStartCallRequiresCamera(t *testing.T) {
	h := newHarness(t, Config{})
	err := h.room.StartCall(context.Background(), "100")
	assert.ErrorIs(t, err, errs.ErrInvalidState)
}

func TestReplacingCameraStopsOldTracks(t *testing.T) {
	h := newHarness(t, Config{Devices: Devices{VideoInput: "cam-2"}})
	ctx := context.Background()

	require.NoError(t, h.room.AcquireLocalCamera(ctx, media.DefaultConstraints()))
	first := h.room.LocalTracks()
	require.NoError(t, h.room.AcquireLocalCamera(ctx, media.DefaultConstraints()))
	second := h.room.LocalTracks()

	for _, tr := range first {
		assert.True(t, tr.Stopped(), tr.ID())
	}
	for _, tr := range second {
		assert.False(t, tr.Stopped(), tr.ID())
	}

	h.platform.userErr = media.ErrPermissionDenied
	err := h.room.AcquireLocalCamera(ctx, media.DefaultConstraints())
	assert.ErrorIs(t, err, errs.ErrMediaAcquisition)
	assert.ErrorIs(t, err, media.ErrPermissionDenied)
	assert.Equal(t, second, h.room.LocalTracks())
}

func TestFailedSessionIsReportedAndRecorded(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.room.AcquireLocalCamera(context.Background(), media.DefaultConstraints()))
	require.NoError(t, h.room.StartCall(context.Background(), "100"))
	placed := h.sig.call(t, 0)

	placed.session.Fail(call.OriginatorRemote, call.CauseBusy)

	var failed *errs.CallFailed
	for u := range h.room.Updates() {
		if f, ok := u.(UpdateCallFailed); ok {
			failed = f.Err
			break
		}
	}
	require.NotNil(t, failed)
	assert.ErrorIs(t, failed, errs.ErrCallFailed)
	assert.Equal(t, string(call.CauseBusy), failed.Cause)
	assert.Equal(t, placed.session.ID(), failed.SessionID)

	eventually(t, func() bool { return len(h.recorder.all()) == 1 }, "recorded")
	assert.Equal(t, call.DispositionRejected, h.recorder.all()[0].Disposition)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Calls.WithLabelValues("primary", "rejected")))
	eventually(t, func() bool { return h.room.Primary() == nil }, "primary released")

	// Camera survives and a new call can be placed.
	assert.Len(t, h.room.LocalTracks(), 2)
	require.NoError(t, h.room.StartCall(context.Background(), "100"))
}

func TestTranscriptionFeed(t *testing.T) {
	h := newHarness(t, Config{TranscriptNamespace: "acme"})
	h.inCall(t)

	topic := "acme/100/transcription"
	h.feed.publish(t, topic, `{"id":"u1","callerName":"Bob","platform":"azure","results":{"text":"hel"}}`)
	h.feed.publish(t, topic, `{"id":"u2","callerName":"Carol","platform":"amazon","results":[{"Transcript":"hi"}]}`)
	h.feed.publish(t, topic, `{"id":"u1","callerName":"Bob","platform":"azure","results":{"text":"hello"}}`)
	h.feed.publish(t, topic, `{"id":"u3","platform":"google","results":{}}`)

	eventually(t, func() bool {
		entries := h.room.Transcript()
		return len(entries) == 2 && entries[1].ID == "u1"
	}, "upserted")
	entries := h.room.Transcript()
	assert.Equal(t, "u2", entries[0].ID)
	assert.Equal(t, "hello", entries[1].Text)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DroppedPayloads.WithLabelValues("transcription")))
}

func TestRemoteAudioMute(t *testing.T) {
	h := newHarness(t, Config{})
	placed := h.inCall(t)
	placed.pc.deliver(newRemoteTrack("mixed-audio", "mixed", webrtc.RTPCodecTypeAudio))
	eventually(t, func() bool { return len(h.room.Streams()) == 1 }, "stream")

	require.NoError(t, h.room.SetRemoteAudioMuted(context.Background(), true))
	assert.True(t, h.room.Streams()[0].Muted)
	assert.True(t, h.room.RemoteAudioMuted())

	require.NoError(t, h.room.Mute(context.Background()))
	assert.True(t, placed.session.Muted())
	for _, tr := range h.room.LocalTracks() {
		assert.False(t, tr.Enabled())
	}
	require.NoError(t, h.room.Unmute(context.Background()))
	assert.False(t, placed.session.Muted())
}

func TestMuteCoversScreenShare(t *testing.T) {
	h := newHarness(t, Config{})
	placed := h.inCall(t)
	require.NoError(t, h.room.StartScreenShare(context.Background()))

	require.NoError(t, h.room.Mute(context.Background()))
	tracks := h.room.LocalTracks()
	require.Len(t, tracks, 3)
	for _, tr := range tracks {
		assert.False(t, tr.Enabled(), tr.ID())
	}
	assert.Len(t, placed.session.LocalTracks(), 3)

	require.NoError(t, h.room.Unmute(context.Background()))
	for _, tr := range h.room.LocalTracks() {
		assert.True(t, tr.Enabled(), tr.ID())
	}

	require.NoError(t, h.room.StopScreenShare(context.Background()))
	assert.Len(t, placed.session.LocalTracks(), 2)
}

func TestTeardownRunsEveryStep(t *testing.T) {
	h := newHarness(t, Config{})
	placed := h.inCall(t)
	require.NoError(t, h.room.StartScreenShare(context.Background()))
	h.sig.panicOnDetach = true

	err := h.room.Teardown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disconnect signaling")
	assert.Contains(t, err.Error(), "transport exploded")

	assert.Equal(t, call.StatusEnded, placed.session.Status())
	assert.True(t, h.feed.closed)
	assert.Equal(t, []string{"huddle/100/transcription"}, h.feed.unsubscribed)
	for _, tr := range h.platform.acquired {
		assert.True(t, tr.Stopped(), tr.ID())
	}
	require.Len(t, h.recorder.all(), 1)
	assert.Equal(t, StateClosed, h.room.State())

	// Second call is a no-op with the same result.
	assert.Equal(t, err, h.room.Teardown())
	assert.Equal(t, 1, h.sig.disconnects)
}

func TestTeardownReleasesCaptureInFlight(t *testing.T) {
	h := newHarness(t, Config{})
	h.platform.entered = make(chan context.Context, 1)
	h.platform.gate = make(chan struct{})
	h.sig.detaching = make(chan struct{})
	h.sig.detachGate = make(chan struct{})

	acquired := make(chan error, 1)
	go func() {
		acquired <- h.room.AcquireLocalCamera(context.Background(), media.DefaultConstraints())
	}()
	captureCtx := <-h.platform.entered

	tornDown := make(chan error, 1)
	go func() { tornDown <- h.room.Teardown() }()
	<-h.sig.detaching
	assert.Error(t, captureCtx.Err(), "teardown cancels capture in flight")

	// The platform ignores cancellation and hands over live tracks anyway.
	close(h.platform.gate)
	assert.ErrorIs(t, <-acquired, errClosed)
	close(h.sig.detachGate)
	require.NoError(t, <-tornDown)

	require.Len(t, h.platform.acquired, 2)
	for _, tr := range h.platform.acquired {
		assert.True(t, h.platform.isReleased(tr.ID()), tr.ID())
	}
	assert.Empty(t, h.room.LocalTracks())
}
