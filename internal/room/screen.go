package room

import (
	"context"

	"github.com/BioHazard786/huddle/internal/call"
	"github.com/BioHazard786/huddle/internal/errs"
	"github.com/BioHazard786/huddle/internal/media"
	"github.com/BioHazard786/huddle/internal/signaling"
	"github.com/rs/zerolog/log"
)

// StartScreenShare captures the display and sends it to the conference.
// Failures leave the primary call as it was.
func (c *Coordinator) StartScreenShare(ctx context.Context) error {
	var (
		primary *call.Session
		dest    string
		fail    error
	)
	err := c.do(ctx, func() {
		switch {
		case c.closing:
			fail = errClosed
		case c.screenBusy || c.screen != nil:
			fail = errs.Wrap("start screen share", errs.ErrInvalidState, "already sharing")
		case c.primary == nil || c.primary.Status() != call.StatusAnswered:
			fail = errs.Wrap("start screen share", errs.ErrInvalidState, "no active call")
		default:
			c.screenBusy = true
			primary = c.primary
			dest = c.destination
		}
	})
	if err != nil {
		return err
	}
	if fail != nil {
		return fail
	}
	defer c.do(context.Background(), func() { c.screenBusy = false })

	ctx, cancel := c.bound(ctx)
	defer cancel()
	track, err := c.deps.Platform.GetDisplayMedia(ctx)
	if err != nil {
		return errs.Cause("start screen share", errs.ErrScreenShareUnavailable, err)
	}

	var session *call.Session
	if c.cfg.ScreenShareMode == ScreenShareCall {
		session, err = c.deps.Signaler.Call(ctx, dest, []media.Track{track}, signaling.CallOptions{
			Kind:             call.KindScreenShare,
			OfferConstraints: &call.OfferOptions{},
		})
		if err != nil {
			track.Stop()
			return errs.Cause("start screen share", errs.ErrScreenShareUnavailable, err)
		}
	} else {
		if err := primary.AttachTrack(track); err != nil {
			track.Stop()
			return errs.Cause("start screen share", errs.ErrScreenShareUnavailable, err)
		}
		if err := primary.Renegotiate(ctx); err != nil {
			if rerr := primary.DetachTrack(track); rerr != nil {
				log.Debug().Str("module", "room").Err(rerr).Msg("remove screen track")
			}
			track.Stop()
			return errs.Cause("start screen share", errs.ErrScreenShareUnavailable, err)
		}
	}

	closing := false
	err = c.do(context.Background(), func() {
		if closing = c.closing; closing {
			return
		}
		c.screen = track
		if session != nil {
			c.screenSession = session
			c.watch(session)
		}
		c.push(UpdateScreenShare{Active: true})
		c.push(UpdateLocalTracks{})
	})
	if err == nil && closing {
		err = errClosed
	}
	if err != nil {
		if session != nil {
			session.Terminate(0, "")
		}
		track.Stop()
		return err
	}

	// Sharing stopped from the source, e.g. the captured window closed.
	track.OnEnded(func() {
		go func() {
			if err := c.StopScreenShare(context.Background()); err != nil {
				log.Debug().Str("module", "room").Err(err).Msg("stop screen share on source end")
			}
		}()
	})
	log.Info().Str("module", "room").Str("mode", string(c.cfg.ScreenShareMode)).Msg("screen share started")
	return nil
}

// StopScreenShare withdraws the display track and releases it.
func (c *Coordinator) StopScreenShare(ctx context.Context) error {
	var (
		track   media.Track
		session *call.Session
		primary *call.Session
		fail    error
	)
	err := c.do(ctx, func() {
		if c.screen == nil || c.screenBusy {
			fail = errs.Wrap("stop screen share", errs.ErrInvalidState, "not sharing")
			return
		}
		track, session, primary = c.screen, c.screenSession, c.primary
		c.screen, c.screenSession = nil, nil
		c.screenBusy = true
	})
	if err != nil {
		return err
	}
	if fail != nil {
		return fail
	}
	defer c.do(context.Background(), func() {
		c.screenBusy = false
		c.push(UpdateScreenShare{Active: false})
		c.push(UpdateLocalTracks{})
	})
	defer track.Stop()

	if session != nil {
		return session.Terminate(0, "")
	}
	if primary == nil || primary.Status().Terminal() {
		return nil
	}
	if err := primary.DetachTrack(track); err != nil {
		return errs.Cause("stop screen share", errs.ErrScreenShareUnavailable, err)
	}
	if err := primary.Renegotiate(ctx); err != nil {
		return errs.Cause("stop screen share", errs.ErrScreenShareUnavailable, err)
	}
	log.Info().Str("module", "room").Msg("screen share stopped")
	return nil
}

// Sharing reports whether a screen track is live.
func (c *Coordinator) Sharing() bool {
	var on bool
	c.read(func() { on = c.screen != nil })
	return on
}
