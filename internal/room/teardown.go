package room

import (
	"fmt"
	"time"

	"github.com/BioHazard786/huddle/internal/call"
	"github.com/BioHazard786/huddle/internal/media"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
)

// Teardown ends everything the room holds. It runs every step even when
// an earlier one fails or panics and returns the collected errors. Calls
// after the first return the same result.
func (c *Coordinator) Teardown() error {
	c.teardownOnce.Do(func() {
		c.teardownErr = c.teardown()
	})
	return c.teardownErr
}

func (c *Coordinator) teardown() error {
	var (
		screen        media.Track
		screenSession *call.Session
		primary       *call.Session
		camera        []media.Track
		topic         string
	)
	c.read(func() {
		c.closing = true
		screen, screenSession, primary = c.screen, c.screenSession, c.primary
		camera = append(camera, c.camera...)
		topic = c.topic
		c.screen, c.camera, c.topic = nil, nil, ""
	})
	c.stopAcquire()

	var result *multierror.Error
	step := func(name string, fn func() error) {
		var catcher panics.Catcher
		var err error
		catcher.Try(func() { err = fn() })
		if r := catcher.Recovered(); r != nil {
			err = r.AsError()
		}
		if err != nil {
			log.Warn().Str("module", "room").Str("step", name).Err(err).Msg("teardown step failed")
			result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("stop screen share", func() error {
		if screen != nil {
			screen.Stop()
		}
		if screenSession != nil {
			return screenSession.Terminate(0, "")
		}
		return nil
	})
	step("hang up", func() error {
		if primary == nil {
			return nil
		}
		return primary.Terminate(0, "")
	})
	step("close transcription feed", func() error {
		if c.deps.Feed == nil {
			return nil
		}
		var errs *multierror.Error
		if topic != "" {
			errs = multierror.Append(errs, c.deps.Feed.Unsubscribe(topic))
		}
		errs = multierror.Append(errs, c.deps.Feed.Close())
		return errs.ErrorOrNil()
	})
	step("disconnect signaling", func() error {
		c.deps.Signaler.Disconnect()
		return nil
	})
	step("stop local media", func() error {
		media.StopAll(camera)
		return nil
	})

	// Let session watchers deliver their final events so calls get
	// recorded before the actor stops.
	drained := make(chan struct{})
	go func() {
		c.watchers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(releaseWait):
		log.Warn().Str("module", "room").Msg("sessions still releasing at teardown")
	}

	c.read(func() { c.setState(StateClosed) })
	c.cancel()
	<-c.stopped
	c.updates.Close()

	log.Info().Str("module", "room").Msg("room closed")
	return result.ErrorOrNil()
}
