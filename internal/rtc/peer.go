// Package rtc builds pion peer connections for call sessions.
package rtc

import (
	"errors"
	"sync"

	"github.com/BioHazard786/huddle/internal/call"
	"github.com/BioHazard786/huddle/internal/errs"
	"github.com/BioHazard786/huddle/internal/media"
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var errNoLocalTrack = errors.New("track has nothing to send")

// CodecRegistrar adds the codecs local tracks produce to a media engine.
type CodecRegistrar func(*webrtc.MediaEngine) error

// Factory creates peer connections sharing one API instance.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewFactory builds the pion API shared by every call: a media engine with
// the codecs registered by codecs (pion's defaults when nil), the default
// interceptors and the ICE policy from ice. loggers may be nil.
func NewFactory(ice ICEConfig, codecs CodecRegistrar, loggers logging.LoggerFactory) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if codecs != nil {
		if err := codecs(m); err != nil {
			return nil, errs.New("register codecs", err)
		}
	} else if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, errs.New("register codecs", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, errs.New("register interceptors", err)
	}

	settings := webrtc.SettingEngine{}
	if loggers != nil {
		settings.LoggerFactory = loggers
	}

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settings),
		),
		config: ice.configuration(),
	}, nil
}

// NewPeerConnection returns a fresh connection for one call.
func (f *Factory) NewPeerConnection() (call.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, errs.New("create peer connection", err)
	}

	p := &peer{
		pc:           pc,
		senders:      make(map[string]*webrtc.RTPSender),
		locals:       make(map[string]webrtc.TrackLocal),
		transmitting: true,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		p.mu.Lock()
		fn := p.onCandidate
		p.mu.Unlock()
		if fn != nil {
			fn(c.Typ)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Debug().Str("module", "rtc").Str("state", state.String()).Msg("ice connection state")
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			// Ask for a key frame so the new stream renders immediately.
			pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}
			if err := pc.WriteRTCP(pli); err != nil {
				log.Debug().Str("module", "rtc").Err(err).Msg("picture loss indication")
			}
		}
		p.mu.Lock()
		fn := p.onTrack
		p.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})

	return p, nil
}

// peer adapts *webrtc.PeerConnection to call.PeerConnection.
type peer struct {
	pc *webrtc.PeerConnection

	mu           sync.Mutex
	senders      map[string]*webrtc.RTPSender
	locals       map[string]webrtc.TrackLocal
	gathered     <-chan struct{}
	onCandidate  func(webrtc.ICECandidateType)
	onTrack      func(call.RemoteTrack)
	transmitting bool
}

// AddTrack attaches t. Send-only tracks get their own transceiver so the
// offer does not ask to receive on them.
func (p *peer) AddTrack(t media.Track, sendOnly bool) error {
	local := t.Local()
	if local == nil {
		return errs.Wrap("add track", errNoLocalTrack, t.ID())
	}

	var sender *webrtc.RTPSender
	if sendOnly {
		tr, err := p.pc.AddTransceiverFromTrack(local, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendonly,
		})
		if err != nil {
			return errs.New("add track", err)
		}
		sender = tr.Sender()
	} else {
		s, err := p.pc.AddTrack(local)
		if err != nil {
			return errs.New("add track", err)
		}
		sender = s
	}

	p.mu.Lock()
	p.senders[t.ID()] = sender
	p.locals[t.ID()] = local
	paused := !p.transmitting
	p.mu.Unlock()

	if paused {
		if err := sender.ReplaceTrack(nil); err != nil {
			return errs.New("add track", err)
		}
	}

	// Drain RTCP so interceptors see receiver reports.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *peer) RemoveTrack(t media.Track) error {
	p.mu.Lock()
	sender, ok := p.senders[t.ID()]
	delete(p.senders, t.ID())
	delete(p.locals, t.ID())
	p.mu.Unlock()

	if !ok {
		return nil
	}
	if err := p.pc.RemoveTrack(sender); err != nil {
		return errs.New("remove track", err)
	}
	return nil
}

// ensureReceivers adds a recvonly transceiver for each requested kind that
// no transceiver covers yet.
func (p *peer) ensureReceivers(opts call.OfferOptions) error {
	have := make(map[webrtc.RTPCodecType]bool)
	for _, tr := range p.pc.GetTransceivers() {
		if tr.Direction() == webrtc.RTPTransceiverDirectionSendrecv || tr.Direction() == webrtc.RTPTransceiverDirectionRecvonly {
			have[tr.Kind()] = true
		}
	}
	want := map[webrtc.RTPCodecType]bool{
		webrtc.RTPCodecTypeAudio: opts.ReceiveAudio,
		webrtc.RTPCodecTypeVideo: opts.ReceiveVideo,
	}
	for kind, on := range want {
		if !on || have[kind] {
			continue
		}
		if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (p *peer) CreateOffer(opts call.OfferOptions) (webrtc.SessionDescription, error) {
	if err := p.ensureReceivers(opts); err != nil {
		return webrtc.SessionDescription{}, errs.New("create offer", err)
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, errs.New("create offer", err)
	}
	if err := p.setLocal(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (p *peer) CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, errs.New("set remote description", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, errs.New("create answer", err)
	}
	if err := p.setLocal(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

// setLocal applies desc after arming the gathering promise for this round.
func (p *peer) setLocal(desc webrtc.SessionDescription) error {
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return errs.New("set local description", err)
	}
	p.mu.Lock()
	p.gathered = gathered
	p.mu.Unlock()
	return nil
}

func (p *peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return errs.New("set remote description", err)
	}
	return nil
}

// Rollback discards a local offer that got no answer.
func (p *peer) Rollback() error {
	pending := p.pc.PendingLocalDescription()
	if pending == nil {
		return nil
	}
	if err := p.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback, SDP: pending.SDP}); err != nil {
		return errs.New("rollback", err)
	}
	return nil
}

func (p *peer) LocalDescription() *webrtc.SessionDescription {
	return p.pc.LocalDescription()
}

func (p *peer) GatheringComplete() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gathered == nil {
		return webrtc.GatheringCompletePromise(p.pc)
	}
	return p.gathered
}

func (p *peer) OnICECandidate(f func(webrtc.ICECandidateType)) {
	p.mu.Lock()
	p.onCandidate = f
	p.mu.Unlock()
}

func (p *peer) OnTrack(f func(call.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = f
	p.mu.Unlock()
}

// SetTransmitting detaches or reattaches every local track from its sender.
func (p *peer) SetTransmitting(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.transmitting == on {
		return nil
	}
	for id, sender := range p.senders {
		var local webrtc.TrackLocal
		if on {
			local = p.locals[id]
		}
		if err := sender.ReplaceTrack(local); err != nil {
			return errs.New("set transmitting", err)
		}
	}
	p.transmitting = on
	return nil
}

func (p *peer) Close() error {
	return p.pc.Close()
}
