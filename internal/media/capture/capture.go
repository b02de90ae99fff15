// Package capture implements media.Platform on top of pion/mediadevices.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BioHazard786/huddle/internal/media"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	videoBitRate = 1_000_000
	audioBitRate = 32_000
	keyFrames    = 60
)

// Platform captures from the host's cameras, microphones and screens.
type Platform struct {
	codecs *mediadevices.CodecSelector
}

// New sets up the capture platform with VP8 and Opus encoders.
func New() (*Platform, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = videoBitRate
	vpxParams.KeyFrameInterval = keyFrames
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = 20 * time.Millisecond

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	opusParams.BitRate = audioBitRate
	opusParams.Latency = opus.Latency20ms

	return &Platform{
		codecs: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// RegisterCodecs adds the encoders this platform produces to m so that the
// peer connection negotiates payload types the tracks can write.
func (p *Platform) RegisterCodecs(m *webrtc.MediaEngine) error {
	p.codecs.Populate(m)
	return nil
}

// Devices lists the cameras, microphones and speakers mediadevices knows.
func (p *Platform) Devices() ([]media.Device, error) {
	var out []media.Device
	for _, d := range mediadevices.EnumerateDevices() {
		var kind media.DeviceKind
		switch d.Kind {
		case mediadevices.AudioInput:
			kind = media.AudioInput
		case mediadevices.VideoInput:
			kind = media.VideoInput
		case mediadevices.AudioOutput:
			kind = media.AudioOutput
		default:
			continue
		}
		out = append(out, media.Device{ID: d.DeviceID, Label: d.Label, Kind: kind})
	}
	return out, nil
}

// GetUserMedia opens the microphone and camera matching c. Errors wrap one
// of the media acquisition sentinels.
func (p *Platform) GetUserMedia(ctx context.Context, c media.Constraints) ([]media.Track, error) {
	if err := p.checkDevices(c); err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: p.codecs}
	if c.Audio {
		deviceID := c.AudioDeviceID
		constraints.Audio = func(mc *mediadevices.MediaTrackConstraints) {
			if deviceID != "" {
				mc.DeviceID = prop.String(deviceID)
			}
			mc.ChannelCount = prop.Int(1)
			mc.Latency = prop.Duration(20 * time.Millisecond)
		}
	}
	if v := c.Video; v != nil {
		vc := *v
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			if vc.DeviceID != "" {
				mc.DeviceID = prop.String(vc.DeviceID)
			}
			mc.Width = prop.IntRanged{Min: vc.MinWidth, Max: vc.MaxWidth, Ideal: idealWidth(vc)}
			mc.Height = prop.IntRanged{Min: vc.MinHeight, Max: vc.MaxHeight, Ideal: idealHeight(vc)}
			mc.FrameRate = prop.Float(30)
		}
	}

	stream, err := p.acquire(ctx, func() (mediadevices.MediaStream, error) {
		return mediadevices.GetUserMedia(constraints)
	})
	if err != nil {
		return nil, classify(err)
	}

	streamID := "camera"
	tracks := make([]media.Track, 0, len(stream.GetTracks()))
	for _, t := range stream.GetTracks() {
		tracks = append(tracks, wrap(t, streamID, media.OriginCamera))
	}
	log.Debug().Str("module", "capture").Int("tracks", len(tracks)).Msg("user media acquired")
	return tracks, nil
}

// GetDisplayMedia captures the primary screen as a video track.
func (p *Platform) GetDisplayMedia(ctx context.Context) (media.Track, error) {
	stream, err := p.acquire(ctx, func() (mediadevices.MediaStream, error) {
		return mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
			Video: func(mc *mediadevices.MediaTrackConstraints) {
				mc.FrameRate = prop.Float(15)
			},
			Codec: p.codecs,
		})
	})
	if err != nil {
		return nil, classify(err)
	}

	videos := stream.GetVideoTracks()
	if len(videos) == 0 {
		closeAll(stream)
		return nil, media.ErrDisplayCaptureUnsupported
	}
	for _, extra := range videos[1:] {
		extra.Close()
	}
	return wrap(videos[0], "screen", media.OriginScreenShare), nil
}

// acquire runs a blocking capture call and honours ctx. A stream that shows
// up after ctx is done is closed straight away.
func (p *Platform) acquire(ctx context.Context, get func() (mediadevices.MediaStream, error)) (mediadevices.MediaStream, error) {
	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	done := make(chan result, 1)
	go func() {
		s, err := get()
		done <- result{s, err}
	}()

	select {
	case r := <-done:
		return r.stream, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil && r.stream != nil {
				closeAll(r.stream)
			}
		}()
		return nil, ctx.Err()
	}
}

func (p *Platform) checkDevices(c media.Constraints) error {
	devices, _ := p.Devices()
	has := func(kind media.DeviceKind, id string) bool {
		for _, d := range devices {
			if d.Kind == kind && (id == "" || d.ID == id) {
				return true
			}
		}
		return false
	}
	if c.Audio && !has(media.AudioInput, c.AudioDeviceID) {
		return fmt.Errorf("%w: audio input %q", media.ErrDeviceNotFound, c.AudioDeviceID)
	}
	if c.Video != nil && !has(media.VideoInput, c.Video.DeviceID) {
		return fmt.Errorf("%w: video input %q", media.ErrDeviceNotFound, c.Video.DeviceID)
	}
	return nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, media.ErrDeviceNotFound), errors.Is(err, media.ErrDisplayCaptureUnsupported):
		return err
	case errors.Is(err, os.ErrPermission), strings.Contains(strings.ToLower(err.Error()), "permission"):
		return fmt.Errorf("%w: %v", media.ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%w: %v", media.ErrConstraintsUnsatisfiable, err)
	}
}

func wrap(t mediadevices.Track, streamID string, origin media.Origin) *media.LocalTrack {
	lt := media.NewLocalTrack(t.ID(), streamID, t.Kind(), origin, t, func() {
		if err := t.Close(); err != nil {
			log.Debug().Str("module", "capture").Err(err).Str("track", t.ID()).Msg("close track")
		}
	})
	t.OnEnded(func(err error) {
		if err != nil {
			log.Debug().Str("module", "capture").Err(err).Str("track", t.ID()).Msg("track ended")
		}
		lt.End()
	})
	return lt
}

func closeAll(s mediadevices.MediaStream) {
	for _, t := range s.GetTracks() {
		t.Close()
	}
}

func idealWidth(v media.VideoConstraints) int {
	if v.MaxWidth >= 1280 && v.MinWidth <= 1280 {
		return 1280
	}
	return v.MinWidth
}

func idealHeight(v media.VideoConstraints) int {
	w := idealWidth(v)
	if v.AspectRatio <= 0 {
		return v.MinHeight
	}
	h := int(float64(w) / v.AspectRatio)
	if h < v.MinHeight {
		return v.MinHeight
	}
	if v.MaxHeight > 0 && h > v.MaxHeight {
		return v.MaxHeight
	}
	return h
}
