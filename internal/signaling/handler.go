package signaling

import (
	"context"
	"errors"
	"time"

	"github.com/BioHazard786/huddle/internal/call"
	"github.com/BioHazard786/huddle/internal/confbridge"
	"github.com/BioHazard786/huddle/internal/errs"
	"github.com/BioHazard786/huddle/internal/sip"
	"github.com/rs/zerolog/log"
)

const answerTimeout = 10 * time.Second

// handleRequest routes an inbound request. Every request except ACK gets
// exactly one final response.
func (c *Client) handleRequest(req *sip.Message) {
	d := c.dialog(req.CallID())
	logger := log.With().Str("module", "signaling").Str("method", req.Method).Str("call_id", req.CallID()).Logger()
	logger.Debug().Msg("request received")

	switch req.Method {
	case sip.ACK:
		return

	case sip.OPTIONS:
		c.respond(req, 200, sip.NewTag(), nil)

	case sip.INVITE:
		if d == nil {
			// Inbound calls are not accepted.
			c.respond(req, 603, sip.NewTag(), nil)
			return
		}
		d.onReinvite(req)

	case sip.BYE:
		if d == nil {
			c.respond(req, 481, "", nil)
			return
		}
		c.respond(req, 200, "", nil)
		c.forget(d)
		d.abort(errs.Wrap("bye", errs.ErrCallFailed, "remote hung up"))
		if code := reasonCode(req.Get("Reason")); code > 0 {
			logger.Info().Int("reason", code).Str("session", d.session.ID()).Msg("remote hung up")
		}
		d.session.End(call.OriginatorRemote, call.CauseBye)

	case sip.CANCEL:
		// Only outbound INVITEs exist, so there is nothing to cancel.
		c.respond(req, 481, "", nil)

	case sip.MESSAGE, sip.INFO:
		if req.Method == sip.INFO && d == nil {
			c.respond(req, 481, "", nil)
			return
		}
		sessionID := ""
		if d != nil {
			sessionID = d.session.ID()
		}
		c.deliver(sessionID, req)
		c.respond(req, 200, sip.NewTag(), nil)

	default:
		c.respond(req, 405, sip.NewTag(), nil)
	}
}

// deliver turns a bridge payload into a client event. Malformed payloads are
// logged and dropped.
func (c *Client) deliver(sessionID string, req *sip.Message) {
	logger := log.With().Str("module", "signaling").Str("session", sessionID).Logger()

	switch confbridge.Classify(req.ContentType()) {
	case confbridge.KindEvent:
		ev, err := confbridge.DecodeEvent(req.Body)
		if err != nil {
			logger.Warn().Err(err).Msg("dropping bridge event")
			return
		}
		if ev.IsWelcome() {
			c.events.Push(EventParticipantWelcome{SessionID: sessionID, Event: ev})
		} else {
			c.events.Push(EventParticipantInfo{SessionID: sessionID, Event: ev})
		}

	case confbridge.KindChat:
		chat, err := confbridge.DecodeChat(req.Body)
		if err != nil {
			logger.Warn().Err(err).Msg("dropping chat message")
			return
		}
		c.events.Push(EventChatReceived{SessionID: sessionID, Chat: chat})

	default:
		logger.Debug().Str("content_type", req.ContentType()).Msg("ignoring payload")
	}
}

// handleResponse hands a response to its dialog.
func (c *Client) handleResponse(res *sip.Message) {
	d := c.dialog(res.CallID())
	if d == nil {
		log.Debug().Str("module", "signaling").Int("status", res.StatusCode).Str("call_id", res.CallID()).Msg("response for unknown dialog")
		return
	}
	d.onResponse(res)
}

// onReinvite answers an in-dialog offer from the bridge. Answering runs off
// the read loop since it waits for ICE gathering.
func (d *dialog) onReinvite(req *sip.Message) {
	d.mu.Lock()
	if !d.established {
		d.mu.Unlock()
		d.c.respond(req, 491, "", nil)
		return
	}
	if d.answering {
		d.mu.Unlock()
		d.c.respond(req, 491, "", nil)
		return
	}
	d.answering = true
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			d.answering = false
			d.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), answerTimeout)
		defer cancel()

		answer, err := d.session.AnswerOffer(ctx, string(req.Body))
		switch {
		case err == nil:
			d.c.respond(req, 200, "", func(res *sip.Message) {
				res.SetBody("application/sdp", []byte(answer))
			})
		case errors.Is(err, errs.ErrInvalidState):
			d.c.respond(req, 491, "", nil)
		default:
			log.Warn().Str("module", "signaling").Str("session", d.session.ID()).Err(err).Msg("cannot answer offer")
			d.c.respond(req, 488, "", nil)
		}
	}()
}
