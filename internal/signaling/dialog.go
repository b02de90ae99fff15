package signaling

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/BioHazard786/huddle/internal/call"
	"github.com/BioHazard786/huddle/internal/errs"
	"github.com/BioHazard786/huddle/internal/sip"
	"github.com/rs/zerolog/log"
)

// dialog is the SIP side of one call session. It implements call.Dialog.
type dialog struct {
	c       *Client
	session *call.Session
	callID  string
	local   sip.Address

	mu          sync.Mutex
	target      sip.URI
	remote      sip.Address
	routes      []string
	cseq        uint32
	invite      *sip.Message
	authTried   bool
	established bool
	canceled    bool
	answering   bool
	pending     map[uint32]chan result
}

type result struct {
	res *sip.Message
	err error
}

func newDialog(c *Client, target sip.URI) *dialog {
	return &dialog{
		c:       c,
		callID:  sip.NewCallID(),
		local:   c.localAddress(sip.NewTag()),
		target:  target,
		remote:  sip.Address{URI: target, Params: sip.Params{}},
		pending: make(map[uint32]chan result),
	}
}

// nextLocked builds the next request of the dialog. mu must be held.
func (d *dialog) nextLocked(method string) *sip.Message {
	d.cseq++
	return d.c.request(method, d.target, d.local, d.remote, d.callID, d.cseq, d.routes)
}

func (d *dialog) SendInvite(ctx context.Context, offerSDP string) error {
	d.mu.Lock()
	if d.canceled {
		d.mu.Unlock()
		return errs.Wrap("send invite", errs.ErrInvalidState, "call canceled")
	}
	req := d.nextLocked(sip.INVITE)
	req.SetBody("application/sdp", []byte(offerSDP))
	d.invite = req
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return d.c.send(req)
}

// Cancel stops a pending INVITE. Before the INVITE is sent it only marks the
// dialog so that it never is.
func (d *dialog) Cancel() error {
	d.mu.Lock()
	if d.established {
		d.mu.Unlock()
		return nil
	}
	d.canceled = true
	invite := d.invite
	d.mu.Unlock()

	if invite == nil {
		d.c.forget(d)
		return nil
	}

	req := sip.NewRequest(sip.CANCEL, invite.RequestURI)
	req.Add("Via", invite.Get("Via"))
	req.Add("Max-Forwards", maxForwards)
	for _, r := range invite.Values("Route") {
		req.Add("Route", r)
	}
	req.Add("From", invite.Get("From"))
	req.Add("To", invite.Get("To"))
	req.Add("Call-ID", invite.CallID())
	seq, _, _ := invite.CSeq()
	req.Add("CSeq", fmt.Sprintf("%d %s", seq, sip.CANCEL))
	// The dialog stays until the 487 arrives so it can be acknowledged.
	return d.c.send(req)
}

// Bye hangs up an established dialog. A non-zero code adds a Reason
// header.
func (d *dialog) Bye(code int, reason string) error {
	d.mu.Lock()
	if !d.established {
		d.mu.Unlock()
		return d.Cancel()
	}
	req := d.nextLocked(sip.BYE)
	d.mu.Unlock()

	if code > 0 {
		if reason == "" {
			reason = sip.StatusText(code)
		}
		req.Add("Reason", fmt.Sprintf("SIP ;cause=%d ;text=%q", code, reason))
	}
	d.c.forget(d)
	d.abort(errs.Wrap("bye", errs.ErrInvalidState, "dialog terminated"))
	return d.c.send(req)
}

func (d *dialog) Reinvite(ctx context.Context, offerSDP string) (string, error) {
	res, err := d.transact(ctx, sip.INVITE, "application/sdp", []byte(offerSDP))
	if err != nil {
		return "", err
	}
	return string(res.Body), nil
}

func (d *dialog) SendMessage(ctx context.Context, contentType string, body []byte) error {
	_, err := d.transact(ctx, sip.MESSAGE, contentType, body)
	return err
}

// transact sends an in-dialog request and waits for a 2xx final response,
// answering one digest challenge on the way.
func (d *dialog) transact(ctx context.Context, method, contentType string, body []byte) (*sip.Message, error) {
	var challenge *sip.Message
	for attempt := 0; attempt < 2; attempt++ {
		d.mu.Lock()
		if !d.established {
			d.mu.Unlock()
			return nil, errs.Wrap(method, errs.ErrInvalidState, "no dialog")
		}
		req := d.nextLocked(method)
		seq := d.cseq
		ch := make(chan result, 1)
		d.pending[seq] = ch
		d.mu.Unlock()

		req.SetBody(contentType, body)
		if challenge != nil {
			if err := sip.Authorize(req, challenge, d.c.credentials()); err != nil {
				d.drop(seq)
				return nil, errs.New(method, err)
			}
		}
		if err := d.c.send(req); err != nil {
			d.drop(seq)
			return nil, err
		}

		var r result
		select {
		case r = <-ch:
		case <-ctx.Done():
			d.drop(seq)
			return nil, ctx.Err()
		}
		if r.err != nil {
			return nil, r.err
		}

		code := r.res.StatusCode
		switch {
		case code >= 200 && code < 300:
			return r.res, nil
		case (code == 401 || code == 407) && challenge == nil:
			challenge = r.res
			continue
		default:
			return nil, errs.Wrap(method, errs.ErrCallFailed, fmt.Sprintf("%d %s", code, r.res.Reason))
		}
	}
	return nil, errs.Wrap(method, errs.ErrCallFailed, "authentication rejected")
}

func (d *dialog) drop(seq uint32) {
	d.mu.Lock()
	delete(d.pending, seq)
	d.mu.Unlock()
}

// abort fails every waiting transaction.
func (d *dialog) abort(err error) {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[uint32]chan result)
	d.mu.Unlock()
	for _, ch := range pending {
		ch <- result{err: err}
	}
}

// onResponse routes a response for this dialog.
func (d *dialog) onResponse(res *sip.Message) {
	seq, method, err := res.CSeq()
	if err != nil {
		return
	}
	switch method {
	case sip.CANCEL:
		return
	case sip.INVITE:
		d.mu.Lock()
		initial := d.invite != nil && !d.established && inviteSeq(d.invite) == seq
		d.mu.Unlock()
		if initial {
			d.onInviteResponse(res)
			return
		}
		if res.StatusCode >= 200 {
			d.ack(res, seq)
		}
	}
	if res.StatusCode < 200 {
		return
	}

	d.mu.Lock()
	ch, ok := d.pending[seq]
	delete(d.pending, seq)
	d.mu.Unlock()
	if ok {
		ch <- result{res: res}
	}
}

func (d *dialog) onInviteResponse(res *sip.Message) {
	code := res.StatusCode
	s := d.session

	switch {
	case code < 200:
		if code == 180 || code == 183 {
			s.Progress(code)
		}

	case code >= 200 && code < 300:
		d.establish(res)
		seq := inviteSeq(res)
		d.ack(res, seq)
		if s.Status().Terminal() {
			// Canceled while the 2xx was in flight.
			if err := d.Bye(0, ""); err != nil {
				logSendError(err, "bye")
			}
			return
		}
		if err := s.Accept(string(res.Body)); err != nil {
			log.Warn().Str("module", "signaling").Str("session", s.ID()).Err(err).Msg("answer rejected")
		}

	case (code == 401 || code == 407) && d.retryWithAuth(res):
		return

	default:
		d.ack(res, inviteSeq(res))
		d.c.forget(d)
		s.Fail(call.OriginatorRemote, call.CauseFromStatus(code))
	}
}

// retryWithAuth resends the INVITE answering res. It returns false when the
// challenge was already answered once or the call was given up.
func (d *dialog) retryWithAuth(res *sip.Message) bool {
	d.mu.Lock()
	if d.authTried || d.canceled || d.invite == nil {
		d.mu.Unlock()
		return false
	}
	d.authTried = true
	prev := d.invite
	d.mu.Unlock()

	d.ack(res, inviteSeq(res))

	d.mu.Lock()
	req := d.nextLocked(sip.INVITE)
	req.SetBody(prev.ContentType(), prev.Body)
	d.mu.Unlock()

	if err := sip.Authorize(req, res, d.c.credentials()); err != nil {
		log.Warn().Str("module", "signaling").Err(err).Msg("cannot answer challenge")
		return false
	}

	d.mu.Lock()
	d.invite = req
	d.mu.Unlock()

	if err := d.c.send(req); err != nil {
		logSendError(err, "authenticated invite")
		return false
	}
	return true
}

// establish records the remote tag, target and route set from a 2xx.
func (d *dialog) establish(res *sip.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.established {
		return
	}
	d.established = true
	if to, err := sip.ParseAddress(res.Get("To")); err == nil {
		d.remote = to
	}
	if contact, err := sip.ParseAddress(res.Get("Contact")); err == nil {
		d.target = contact.URI
	}
	rr := res.Values("Record-Route")
	d.routes = make([]string, 0, len(rr))
	for i := len(rr) - 1; i >= 0; i-- {
		d.routes = append(d.routes, rr[i])
	}
}

// ack acknowledges a final response to an INVITE with sequence seq. A 2xx
// is acknowledged in a new transaction, anything else in the INVITE's own.
func (d *dialog) ack(res *sip.Message, seq uint32) {
	var req *sip.Message
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		d.mu.Lock()
		req = d.c.request(sip.ACK, d.target, d.local, d.remote, d.callID, seq, d.routes)
		d.mu.Unlock()
	} else {
		d.mu.Lock()
		invite := d.invite
		d.mu.Unlock()
		if invite == nil {
			return
		}
		req = sip.NewRequest(sip.ACK, invite.RequestURI)
		req.Add("Via", res.Get("Via"))
		req.Add("Max-Forwards", maxForwards)
		for _, r := range invite.Values("Route") {
			req.Add("Route", r)
		}
		req.Add("From", invite.Get("From"))
		req.Add("To", res.Get("To"))
		req.Add("Call-ID", d.callID)
		req.Add("CSeq", fmt.Sprintf("%d %s", seq, sip.ACK))
	}
	if err := d.c.send(req); err != nil {
		logSendError(err, "ack")
	}
}

func inviteSeq(m *sip.Message) uint32 {
	seq, _, _ := m.CSeq()
	return seq
}

func logSendError(err error, what string) {
	log.Debug().Str("module", "signaling").Err(err).Str("request", what).Msg("send failed")
}

// reasonCode extracts the SIP cause of a Reason header, if any.
func reasonCode(v string) int {
	i := strings.Index(v, "cause=")
	if i < 0 {
		return 0
	}
	rest := v[i+len("cause="):]
	end := strings.IndexFunc(rest, func(r rune) bool { return r < '0' || r > '9' })
	if end < 0 {
		end = len(rest)
	}
	n, _ := strconv.Atoi(rest[:end])
	return n
}
