package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BioHazard786/huddle/internal/config"
	"github.com/BioHazard786/huddle/internal/history"
	"github.com/BioHazard786/huddle/internal/logging"
	"github.com/BioHazard786/huddle/internal/media/capture"
	"github.com/BioHazard786/huddle/internal/metrics"
	"github.com/BioHazard786/huddle/internal/room"
	"github.com/BioHazard786/huddle/internal/rtc"
	"github.com/BioHazard786/huddle/internal/signaling"
	"github.com/BioHazard786/huddle/internal/transcript"
	"github.com/BioHazard786/huddle/internal/ui"
	"github.com/BioHazard786/huddle/internal/version"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// RoomContext holds everything a joined room runs on.
type RoomContext struct {
	Config      *config.Config
	Room        *room.Coordinator
	History     *history.Store
	Metrics     *metrics.Metrics
	registry    *prometheus.Registry
	logFile     *os.File
	cancelServe context.CancelFunc
}

// NewRoomContext wires the capture platform, peer connection factory,
// signaling client and optional services into a room coordinator. The
// coordinator is running when it returns.
func NewRoomContext(ctx context.Context, cfg *config.Config) (*RoomContext, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ice := rtc.ICEConfig{
		STUN:       cfg.STUNServers(),
		TURN:       cfg.TURNServers(rtc.TURNURLs),
		TURNUser:   cfg.TURNUser,
		TURNPass:   cfg.TURNPass,
		ForceRelay: cfg.ForceRelay,
	}
	if cfg.ForceRelay && len(ice.TURN) == 0 {
		return nil, fmt.Errorf("cannot force relay mode without TURN server configured")
	}

	platform, err := capture.New()
	if err != nil {
		return nil, fmt.Errorf("capture setup: %w", err)
	}
	peers, err := rtc.NewFactory(ice, platform.RegisterCodecs, logging.PionFactory())
	if err != nil {
		return nil, err
	}
	client, err := signaling.New(signaling.Config{
		DisplayName: cfg.Name,
		ServerURI:   cfg.ServerURI,
		AccountURI:  cfg.SIPURI,
		Password:    cfg.Password,
		UserAgent:   "huddle/" + version.Version,
	}, peers)
	if err != nil {
		return nil, err
	}

	rc := &RoomContext{Config: cfg}
	deps := room.Deps{Signaler: client, Platform: platform}

	if store, err := history.Open(cfg.HistoryPath); err != nil {
		ui.PrintWarningf("Call history disabled: %v", err)
	} else {
		rc.History = store
		deps.Recorder = store
	}

	if cfg.Transcription.URI != "" {
		feed, err := transcript.Dial(ctx, transcript.Options{
			URI:      cfg.Transcription.URI,
			Exchange: cfg.Transcription.Exchange,
			ClientID: "huddle-" + uuid.NewString(),
		})
		if err != nil {
			ui.PrintWarningf("Transcription unavailable: %v", err)
		} else {
			deps.Feed = feed
		}
	}

	if cfg.MetricsAddr != "" {
		rc.registry = prometheus.NewRegistry()
		rc.Metrics = metrics.New(rc.registry)
		deps.Metrics = rc.Metrics

		serveCtx, cancel := context.WithCancel(context.Background())
		rc.cancelServe = cancel
		go func() {
			if err := metrics.Serve(serveCtx, cfg.MetricsAddr, rc.registry); err != nil {
				log.Error().Str("module", "metrics").Err(err).Msg("metrics server stopped")
			}
		}()
	}

	rc.Room = room.New(room.Config{
		DisplayName: cfg.Name,
		Devices: room.Devices{
			AudioInput:  cfg.Devices.AudioInput,
			VideoInput:  cfg.Devices.VideoInput,
			AudioOutput: cfg.Devices.AudioOutput,
		},
		ScreenShareMode:     room.ScreenShareMode(cfg.ScreenShareMode),
		TranscriptNamespace: cfg.Transcription.Namespace,
	}, deps)
	go func() {
		if err := rc.Room.Run(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Str("module", "room").Err(err).Msg("room stopped")
		}
	}()
	return rc, nil
}

// LogToFile sends logs next to the history file while the room view owns
// the terminal.
func (rc *RoomContext) LogToFile() {
	dir := filepath.Dir(rc.Config.HistoryPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, "huddle.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}
	rc.logFile = f
	logging.InitWriter(f, rc.Config.LogLevel)
}

// Close tears the room down and stops the side services.
func (rc *RoomContext) Close() error {
	err := rc.Room.Teardown()
	if rc.cancelServe != nil {
		rc.cancelServe()
	}
	if rc.logFile != nil {
		logging.Init(rc.Config.LogLevel)
		rc.logFile.Close()
	}
	return err
}
