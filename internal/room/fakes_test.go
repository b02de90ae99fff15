package room

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/BioHazard786/huddle/internal/call"
	"github.com/BioHazard786/huddle/internal/media"
	"github.com/BioHazard786/huddle/internal/metrics"
	"github.com/BioHazard786/huddle/internal/signaling"
	"github.com/BioHazard786/huddle/internal/transcript"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

const (
	offerSDP  = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\nc=IN IP4 0.0.0.0\r\n"
	answerSDP = "v=0\r\no=- 2 2 IN IP4 10.0.0.5\r\ns=-\r\nt=0 0\r\n" +
		"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\nc=IN IP4 0.0.0.0\r\na=msid:mixed mixed-audio\r\n" +
		"m=video 9 UDP/TLS/RTP/SAVPF 96\r\nc=IN IP4 0.0.0.0\r\na=msid:stream-bob track-bob\r\n"
)

var errBoom = errors.New("boom")

type remoteTrack struct {
	id, stream string
	kind       webrtc.RTPCodecType
	closed     chan struct{}
	once       sync.Once
}

func newRemoteTrack(id, stream string, kind webrtc.RTPCodecType) *remoteTrack {
	return &remoteTrack{id: id, stream: stream, kind: kind, closed: make(chan struct{})}
}

func (t *remoteTrack) ID() string                { return t.id }
func (t *remoteTrack) StreamID() string          { return t.stream }
func (t *remoteTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *remoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	<-t.closed
	return nil, nil, io.EOF
}

func (t *remoteTrack) end() { t.once.Do(func() { close(t.closed) }) }

type fakePC struct {
	mu          sync.Mutex
	onCandidate func(webrtc.ICECandidateType)
	onTrack     func(call.RemoteTrack)
	local       *webrtc.SessionDescription
	added       []media.Track
	removed     []media.Track
	offers      int
	tracks      []*remoteTrack
	closed      bool
}

func (p *fakePC) AddTrack(t media.Track, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.added = append(p.added, t)
	return nil
}

func (p *fakePC) RemoveTrack(t media.Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, t)
	return nil
}

func (p *fakePC) CreateOffer(call.OfferOptions) (webrtc.SessionDescription, error) {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	p.mu.Lock()
	p.offers++
	p.local = &desc
	f := p.onCandidate
	p.mu.Unlock()
	if f != nil {
		f(webrtc.ICECandidateTypeSrflx)
	}
	return desc, nil
}

func (p *fakePC) CreateAnswer(webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: offerSDP}, nil
}

func (p *fakePC) SetRemoteDescription(webrtc.SessionDescription) error { return nil }
func (p *fakePC) Rollback() error                                      { return nil }

func (p *fakePC) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *fakePC) GatheringComplete() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (p *fakePC) OnICECandidate(f func(webrtc.ICECandidateType)) {
	p.mu.Lock()
	p.onCandidate = f
	p.mu.Unlock()
}

func (p *fakePC) OnTrack(f func(call.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = f
	p.mu.Unlock()
}

func (p *fakePC) SetTransmitting(bool) error { return nil }

func (p *fakePC) Close() error {
	p.mu.Lock()
	p.closed = true
	tracks := p.tracks
	p.mu.Unlock()
	for _, t := range tracks {
		t.end()
	}
	return nil
}

func (p *fakePC) deliver(t *remoteTrack) {
	p.mu.Lock()
	p.tracks = append(p.tracks, t)
	f := p.onTrack
	p.mu.Unlock()
	f(t)
}

func (p *fakePC) counts() (added, removed, offers int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.added), len(p.removed), p.offers
}

type fakeDialog struct {
	mu        sync.Mutex
	reinvites int
	messages  [][]byte
	types     []string
	byes      int
	cancels   int
	sendErr   error
}

func (d *fakeDialog) SendInvite(context.Context, string) error { return nil }

func (d *fakeDialog) Reinvite(context.Context, string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reinvites++
	return answerSDP, nil
}

func (d *fakeDialog) Cancel() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancels++
	return nil
}

func (d *fakeDialog) Bye(int, string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byes++
	return nil
}

func (d *fakeDialog) SendMessage(_ context.Context, contentType string, body []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return d.sendErr
	}
	d.types = append(d.types, contentType)
	d.messages = append(d.messages, body)
	return nil
}

func (d *fakeDialog) reinviteCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reinvites
}

type placedCall struct {
	session *call.Session
	pc      *fakePC
	dialog  *fakeDialog
	opts    signaling.CallOptions
	tracks  []media.Track
}

type fakeSignaler struct {
	mu            sync.Mutex
	events        chan signaling.Event
	calls         []placedCall
	callErr       error
	disconnects   int
	panicOnDetach bool
	// When set, Disconnect closes detaching and waits for detachGate.
	detaching  chan struct{}
	detachGate chan struct{}
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{events: make(chan signaling.Event, 16)}
}

func (f *fakeSignaler) Connect(context.Context) error {
	f.events <- signaling.EventConnecting{}
	f.events <- signaling.EventConnected{}
	return nil
}

func (f *fakeSignaler) Call(ctx context.Context, destination string, tracks []media.Track, opts signaling.CallOptions) (*call.Session, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	kind := opts.Kind
	if kind == "" {
		kind = call.KindPrimary
	}
	offer := call.ReceiveAll
	if opts.OfferConstraints != nil {
		offer = *opts.OfferConstraints
	}
	pc := &fakePC{}
	d := &fakeDialog{}
	s := call.New(kind, destination, pc, d)
	f.events <- signaling.EventSession{Session: s}
	if err := s.Start(ctx, tracks, offer); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.calls = append(f.calls, placedCall{session: s, pc: pc, dialog: d, opts: opts, tracks: tracks})
	f.mu.Unlock()
	return s, nil
}

func (f *fakeSignaler) Events() <-chan signaling.Event { return f.events }

func (f *fakeSignaler) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	boom := f.panicOnDetach
	f.mu.Unlock()
	if f.detachGate != nil {
		close(f.detaching)
		<-f.detachGate
	}
	if boom {
		panic("transport exploded")
	}
}

func (f *fakeSignaler) call(t *testing.T, i int) placedCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Greater(t, len(f.calls), i)
	return f.calls[i]
}

type fakePlatform struct {
	mu         sync.Mutex
	userErr    error
	displayErr error
	acquired   []*media.LocalTrack
	released   map[string]bool
	seq        int
	// When set, GetUserMedia reports its context on entered and blocks on
	// gate regardless of cancellation.
	entered chan context.Context
	gate    chan struct{}
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{released: make(map[string]bool)}
}

func (p *fakePlatform) track(kind webrtc.RTPCodecType, origin media.Origin) *media.LocalTrack {
	p.seq++
	id := fmt.Sprintf("%s-%s-%d", origin, kind, p.seq)
	t := media.NewLocalTrack(id, "local-"+string(origin), kind, origin, nil, func() {
		p.mu.Lock()
		p.released[id] = true
		p.mu.Unlock()
	})
	p.acquired = append(p.acquired, t)
	return t
}

func (p *fakePlatform) GetUserMedia(ctx context.Context, _ media.Constraints) ([]media.Track, error) {
	if p.gate != nil {
		p.entered <- ctx
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.userErr != nil {
		return nil, p.userErr
	}
	return []media.Track{
		p.track(webrtc.RTPCodecTypeAudio, media.OriginCamera),
		p.track(webrtc.RTPCodecTypeVideo, media.OriginCamera),
	}, nil
}

func (p *fakePlatform) GetDisplayMedia(context.Context) (media.Track, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.displayErr != nil {
		return nil, p.displayErr
	}
	return p.track(webrtc.RTPCodecTypeVideo, media.OriginScreenShare), nil
}

func (p *fakePlatform) Devices() ([]media.Device, error) { return nil, nil }

func (p *fakePlatform) isReleased(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released[id]
}

type fakeFeed struct {
	mu           sync.Mutex
	handlers     map[string]transcript.Handler
	unsubscribed []string
	closed       bool
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{handlers: make(map[string]transcript.Handler)}
}

func (f *fakeFeed) Subscribe(topic string, h transcript.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = h
	return nil
}

func (f *fakeFeed) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, topic)
	return nil
}

func (f *fakeFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeFeed) publish(t *testing.T, topic, payload string) {
	t.Helper()
	f.mu.Lock()
	h, ok := f.handlers[topic]
	f.mu.Unlock()
	require.True(t, ok, "not subscribed to %s", topic)
	h([]byte(payload))
}

type memRecorder struct {
	mu      sync.Mutex
	records []call.Summary
}

func (r *memRecorder) Record(s call.Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, s)
	return nil
}

func (r *memRecorder) all() []call.Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call.Summary(nil), r.records...)
}

type harness struct {
	room     *Coordinator
	sig      *fakeSignaler
	platform *fakePlatform
	feed     *fakeFeed
	recorder *memRecorder
	metrics  *metrics.Metrics
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	if cfg.DisplayName == "" {
		cfg.DisplayName = "Alice"
	}
	h := &harness{
		sig:      newFakeSignaler(),
		platform: newFakePlatform(),
		feed:     newFakeFeed(),
		recorder: &memRecorder{},
		metrics:  metrics.New(nil),
	}
	h.room = New(cfg, Deps{
		Signaler: h.sig,
		Platform: h.platform,
		Feed:     h.feed,
		Recorder: h.recorder,
		Metrics:  h.metrics,
	})
	go h.room.Run(context.Background())
	t.Cleanup(func() { h.room.Teardown() })

	require.NoError(t, h.room.Connect(context.Background()))
	return h
}

// inCall acquires the camera, calls 100 and answers the call.
func (h *harness) inCall(t *testing.T) placedCall {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.room.AcquireLocalCamera(ctx, media.DefaultConstraints()))
	require.NoError(t, h.room.StartCall(ctx, "100"))
	pc := h.sig.call(t, 0)
	require.NoError(t, pc.session.Accept(answerSDP))
	return pc
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}
