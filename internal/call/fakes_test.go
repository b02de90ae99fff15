package call

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/BioHazard786/huddle/internal/media"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

const (
	testOffer = "v=0\r\n" +
		"o=- 1 1 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=msid:local-stream local-audio\r\n"

	testAnswer = "v=0\r\n" +
		"o=- 2 2 IN IP4 10.0.0.5\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=msid:mixed-stream mixed-audio\r\n" +
		"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=ssrc:1111 msid:stream-bob track-bob\r\n"
)

type fakePC struct {
	mu           sync.Mutex
	candidates   []webrtc.ICECandidateType
	completeNow  bool
	complete     chan struct{}
	onCandidate  func(webrtc.ICECandidateType)
	onTrack      func(RemoteTrack)
	added        []media.Track
	removed      []media.Track
	offers       int
	answers      int
	remote       []webrtc.SessionDescription
	remoteErr    error
	rollbacks    int
	transmitting []bool
	closed       bool
	tracks       []*fakeTrack
}

func newFakePC(candidates ...webrtc.ICECandidateType) *fakePC {
	return &fakePC{candidates: candidates, complete: make(chan struct{})}
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

func (p *fakePC) CreateOffer(OfferOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	p.offers++
	p.complete = make(chan struct{})
	if p.completeNow {
		close(p.complete)
	}
	f, cands := p.onCandidate, p.candidates
	p.mu.Unlock()

	for _, c := range cands {
		f(c)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testOffer}, nil
}

func (p *fakePC) CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	p.answers++
	p.remote = append(p.remote, offer)
	p.complete = make(chan struct{})
	close(p.complete)
	p.mu.Unlock()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testOffer}, nil
}

func (p *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteErr != nil {
		return p.remoteErr
	}
	p.remote = append(p.remote, desc)
	return nil
}

func (p *fakePC) Rollback() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollbacks++
	return nil
}

func (p *fakePC) LocalDescription() *webrtc.SessionDescription {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testOffer}
}

func (p *fakePC) GatheringComplete() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.complete
}

func (p *fakePC) OnICECandidate(f func(webrtc.ICECandidateType)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = f
}

func (p *fakePC) OnTrack(f func(RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = f
}

func (p *fakePC) SetTransmitting(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transmitting = append(p.transmitting, on)
	return nil
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		for _, t := range p.tracks {
			t.end()
		}
	}
	return nil
}

// deliver simulates an inbound track.
func (p *fakePC) deliver(t *fakeTrack) {
	p.mu.Lock()
	p.tracks = append(p.tracks, t)
	f := p.onTrack
	p.mu.Unlock()
	f(t)
}

func (p *fakePC) offerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers
}

type fakeTrack struct {
	id, stream string
	kind       webrtc.RTPCodecType
	packets    chan *rtp.Packet
	once       sync.Once
}

func newFakeTrack(id, stream string, kind webrtc.RTPCodecType) *fakeTrack {
	return &fakeTrack{id: id, stream: stream, kind: kind, packets: make(chan *rtp.Packet, 8)}
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) StreamID() string          { return t.stream }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *fakeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	pkt, ok := <-t.packets
	if !ok {
		return nil, nil, io.EOF
	}
	return pkt, nil, nil
}

func (t *fakeTrack) end() {
	t.once.Do(func() { close(t.packets) })
}

type fakeDialog struct {
	mu          sync.Mutex
	invites     []string
	inviteErr   error
	cancels     int
	byes        []int
	messages    []string
	reinvites   []string
	reinviteAns string
	reinviteErr error
}

func (d *fakeDialog) SendInvite(_ context.Context, sdp string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invites = append(d.invites, sdp)
	return d.inviteErr
}

func (d *fakeDialog) Reinvite(_ context.Context, sdp string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reinvites = append(d.reinvites, sdp)
	return d.reinviteAns, d.reinviteErr
}

func (d *fakeDialog) Cancel() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancels++
	return nil
}

func (d *fakeDialog) Bye(code int, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byes = append(d.byes, code)
	return nil
}

func (d *fakeDialog) SendMessage(_ context.Context, contentType string, body []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, contentType+" "+string(body))
	return nil
}

func (d *fakeDialog) counts() (invites, cancels, byes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.invites), d.cancels, len(d.byes)
}

var errBoom = errors.New("boom")

// answeredSession returns a session that went through a successful offer
// and answer.
func answeredSession(t *testing.T) (*Session, *fakePC, *fakeDialog) {
	t.Helper()
	pc := newFakePC(webrtc.ICECandidateTypeHost, webrtc.ICECandidateTypeSrflx)
	dlg := &fakeDialog{}
	s := New(KindPrimary, "100", pc, dlg)

	audio := media.NewLocalTrack("a", "local", webrtc.RTPCodecTypeAudio, media.OriginCamera, nil, nil)
	video := media.NewLocalTrack("v", "local", webrtc.RTPCodecTypeVideo, media.OriginCamera, nil, nil)
	require.NoError(t, s.Start(context.Background(), []media.Track{audio, video}, ReceiveAll))
	require.NoError(t, s.Accept(testAnswer))
	require.Equal(t, StatusAnswered, s.Status())
	return s, pc, dlg
}

// collect reads events until pred matches or the timeout passes.
func collect(t *testing.T, s *Session, pred func(Event) bool) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
			if pred(ev) {
				return out
			}
		case <-deadline:
			t.Fatalf("timed out after %d events", len(out))
			return out
		}
	}
}
