// Package signaling is a registration-less SIP user agent over WebSocket. It
// places calls into the conference bridge and turns inbound traffic into a
// single ordered event stream.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/BioHazard786/huddle/internal/call"
	"github.com/BioHazard786/huddle/internal/errs"
	"github.com/BioHazard786/huddle/internal/media"
	"github.com/BioHazard786/huddle/internal/queue"
	"github.com/BioHazard786/huddle/internal/sip"
	"github.com/rs/zerolog/log"
)

type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

const defaultUserAgent = "huddle"

var errConnectionClosed = errors.New("connection closed by server")

type Config struct {
	DisplayName string
	ServerURI   string
	AccountURI  string
	Password    string
	UserAgent   string
	// Dial defaults to DialWebSocket.
	Dial Dialer
}

// PeerFactory builds the peer connection of each new call.
type PeerFactory interface {
	NewPeerConnection() (call.PeerConnection, error)
}

type CallOptions struct {
	Kind call.Kind
	// OfferConstraints defaults to receiving audio and video.
	OfferConstraints *call.OfferOptions
}

type Client struct {
	cfg     Config
	aor     sip.URI
	peers   PeerFactory
	events  *queue.Queue[Event]
	contact string
	viaHost string

	mu       sync.Mutex
	state    State
	tr       Transport
	dialogs  map[string]*dialog
	closing  bool
	finished bool
}

// New validates cfg and returns a disconnected client. peers makes one
// connection per call.
func New(cfg Config, peers PeerFactory) (*Client, error) {
	if cfg.DisplayName == "" {
		return nil, errs.Wrap("new signaling client", errs.ErrInvalidState, "display name required")
	}
	if !strings.HasPrefix(cfg.ServerURI, "ws://") && !strings.HasPrefix(cfg.ServerURI, "wss://") {
		return nil, errs.Wrap("new signaling client", errs.ErrInvalidState, "server URI must be ws:// or wss://")
	}
	aor, err := sip.ParseURI(cfg.AccountURI)
	if err != nil {
		return nil, errs.Wrap("new signaling client", errs.ErrInvalidState, err.Error())
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Dial == nil {
		cfg.Dial = DialWebSocket
	}

	viaHost := sip.NewTag() + ".invalid"
	return &Client{
		cfg:     cfg,
		aor:     aor,
		peers:   peers,
		events:  queue.New[Event](),
		viaHost: viaHost,
		contact: fmt.Sprintf("<sip:%s@%s;transport=ws>", sip.NewTag(), viaHost),
		state:   StateIdle,
		dialogs: make(map[string]*dialog),
	}, nil
}

// Events is closed after EventDisconnected.
func (c *Client) Events() <-chan Event {
	return c.events.C()
}

// State returns the transport state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the transport. It does not register: the agent only places
// outbound calls.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return errs.Wrap("connect", errs.ErrInvalidState, string(state))
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.events.Push(EventConnecting{})
	log.Info().Str("module", "signaling").Str("server", c.cfg.ServerURI).Msg("connecting")

	tr, err := c.cfg.Dial(ctx, c.cfg.ServerURI)
	if err != nil {
		failure := errs.Cause("connect", errs.ErrSignalingUnavailable, err)
		c.finish(failure)
		return failure
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// Disconnect won the race.
		c.mu.Unlock()
		tr.Close()
		return errs.Wrap("connect", errs.ErrSignalingUnavailable, "disconnected while connecting")
	}
	c.tr = tr
	c.state = StateConnected
	c.mu.Unlock()

	c.events.Push(EventConnected{})
	log.Info().Str("module", "signaling").Str("aor", c.aor.String()).Msg("connected")

	go c.readLoop(tr)
	return nil
}

// Call places a call to destination. A bare extension such as "100" is
// resolved against the account's domain.
func (c *Client) Call(ctx context.Context, destination string, tracks []media.Track, opts CallOptions) (*call.Session, error) {
	if st := c.State(); st != StateConnected {
		return nil, errs.Wrap("call", errs.ErrSignalingUnavailable, string(st))
	}
	target, err := c.target(destination)
	if err != nil {
		return nil, errs.Wrap("call", errs.ErrInvalidState, err.Error())
	}
	pc, err := c.peers.NewPeerConnection()
	if err != nil {
		return nil, errs.New("call", err)
	}

	kind := opts.Kind
	if kind == "" {
		kind = call.KindPrimary
	}
	offer := call.ReceiveAll
	if opts.OfferConstraints != nil {
		offer = *opts.OfferConstraints
	}

	d := newDialog(c, target)
	s := call.New(kind, destination, pc, d)
	d.session = s

	c.mu.Lock()
	c.dialogs[d.callID] = d
	c.mu.Unlock()

	c.events.Push(EventSession{Session: s})
	log.Info().Str("module", "signaling").Str("session", s.ID()).Str("target", target.String()).Str("kind", string(kind)).Msg("calling")

	if err := s.Start(ctx, tracks, offer); err != nil {
		c.forget(d)
		return nil, err
	}
	return s, nil
}

// Disconnect hangs up live calls and closes the transport. It is safe to
// call more than once and from any state.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.finished || c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	dialogs := c.takeDialogsLocked()
	tr := c.tr
	c.mu.Unlock()

	for _, d := range dialogs {
		if err := d.session.Terminate(0, ""); err != nil {
			log.Debug().Str("module", "signaling").Err(err).Msg("hang up on disconnect")
		}
		d.abort(errs.Wrap("disconnect", errs.ErrSignalingUnavailable, "client disconnected"))
	}
	if tr != nil {
		tr.Close()
	}
	c.finish(nil)
}

// finish moves to disconnected and emits the final event once.
func (c *Client) finish(err error) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.state = StateDisconnected
	c.mu.Unlock()

	if err != nil {
		log.Warn().Str("module", "signaling").Err(err).Msg("disconnected")
	} else {
		log.Info().Str("module", "signaling").Msg("disconnected")
	}
	c.events.Push(EventDisconnected{Err: err})
	c.events.Close()
}

func (c *Client) readLoop(tr Transport) {
	for data := range tr.Incoming() {
		msg, err := sip.Parse(data)
		if err != nil {
			log.Warn().Str("module", "signaling").Err(err).Msg("dropping unparsable message")
			continue
		}
		if msg.IsRequest() {
			c.handleRequest(msg)
		} else {
			c.handleResponse(msg)
		}
	}
	c.lost(tr.Err())
}

// lost fails every session after the transport went away.
func (c *Client) lost(cause error) {
	c.mu.Lock()
	if c.finished || c.closing {
		c.mu.Unlock()
		return
	}
	dialogs := c.takeDialogsLocked()
	tr := c.tr
	c.mu.Unlock()

	if cause == nil {
		cause = errConnectionClosed
	}
	failure := errs.Cause("transport", errs.ErrSignalingUnavailable, cause)
	for _, d := range dialogs {
		d.session.Fail(call.OriginatorSystem, call.CauseConnectionError)
		d.abort(failure)
	}
	if tr != nil {
		tr.Close()
	}
	c.finish(failure)
}

func (c *Client) takeDialogsLocked() []*dialog {
	out := make([]*dialog, 0, len(c.dialogs))
	for _, d := range c.dialogs {
		out = append(out, d)
	}
	c.dialogs = make(map[string]*dialog)
	return out
}

func (c *Client) dialog(callID string) *dialog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialogs[callID]
}

func (c *Client) forget(d *dialog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dialogs[d.callID] == d {
		delete(c.dialogs, d.callID)
	}
}

func (c *Client) send(m *sip.Message) error {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return errs.Wrap("send", errs.ErrSignalingUnavailable, "not connected")
	}
	if m.IsRequest() {
		log.Debug().Str("module", "signaling").Str("method", m.Method).Str("call_id", m.CallID()).Msg("send request")
	} else {
		log.Debug().Str("module", "signaling").Int("status", m.StatusCode).Str("call_id", m.CallID()).Msg("send response")
	}
	if err := tr.Send(m.Bytes()); err != nil {
		return errs.Cause("send", errs.ErrSignalingUnavailable, err)
	}
	return nil
}

func (c *Client) target(destination string) (sip.URI, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return sip.URI{}, errors.New("empty destination")
	}
	if strings.HasPrefix(destination, "sip:") || strings.HasPrefix(destination, "sips:") {
		return sip.ParseURI(destination)
	}
	return sip.URI{
		Scheme: c.aor.Scheme,
		User:   destination,
		Host:   c.aor.Host,
		Port:   c.aor.Port,
		Params: sip.Params{},
	}, nil
}

func (c *Client) localAddress(tag string) sip.Address {
	aor := c.aor
	aor.Params = sip.Params{}
	return sip.Address{Display: c.cfg.DisplayName, URI: aor, Params: sip.Params{"tag": tag}}
}

func (c *Client) credentials() sip.Credentials {
	user := c.aor.User
	return sip.Credentials{Username: user, Password: c.cfg.Password}
}
