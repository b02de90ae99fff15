package cmd

import (
	"fmt"

	"github.com/BioHazard786/huddle/internal/config"
	"github.com/BioHazard786/huddle/internal/media"
	"github.com/BioHazard786/huddle/internal/ui"
	"github.com/spf13/cobra"
)

var joinCmd = &cobra.Command{
	Use:     "join <room>",
	Aliases: []string{"j"},
	Short:   "Join a conference room",
	Long: `Join a conference room with camera and microphone.

The room is an extension on the bridge ("100") or a full SIP URI.

Examples:
  huddle join 100 --name Alice --server wss://pbx.example.com/ws
  huddle join sip:standup@pbx.example.com --screen-share-mode call
  huddle join 100 --transcription-uri mqtt://broker.example.com:1883`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return joinRoom(cmd, args[0])
	},
}

func init() {
	f := joinCmd.Flags()
	f.String("name", "", "display name shown to the room")
	f.String("server", "", "signaling WebSocket URL (ws:// or wss://)")
	f.String("sip-uri", config.DefaultAccountURI, "SIP account the call is placed from")
	f.String("password", "", "SIP digest password")
	f.StringSlice("ice-server", []string{config.DefaultSTUN}, "STUN/TURN server URL (repeatable)")
	f.String("turn-server", "", "TURN host, expanded to udp, tcp and tls URLs")
	f.String("turn-user", "", "TURN username")
	f.String("turn-pass", "", "TURN password")
	f.Bool("force-relay", false, "only use TURN relay candidates")
	f.String("transcription-uri", "", "transcription broker (mqtt://, ssl://, ws://, amqp://, amqps://)")
	f.String("namespace", config.DefaultNamespace, "transcription topic namespace")
	f.String("exchange", config.DefaultExchange, "AMQP exchange for transcription")
	f.String("audio-input", "", "microphone device ID (see huddle devices)")
	f.String("video-input", "", "camera device ID (see huddle devices)")
	f.String("audio-output", "", "speaker device ID")
	f.String("screen-share-mode", config.DefaultScreenShareMode, "transceiver or call")
	f.String("history", "", "call history file")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9100")
	rootCmd.AddCommand(joinCmd)
}

func joinRoom(cmd *cobra.Command, destination string) error {
	ctx := cmd.Context()

	rc, err := NewRoomContext(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := rc.Close(); err != nil {
			ui.PrintWarningf("Leaving the room: %v", err)
		}
	}()

	sp := ui.NewConnectionSpinner("Connecting to " + cfg.ServerURI + "...")
	sp.Start()
	if err := rc.Room.Connect(ctx); err != nil {
		sp.Error("Could not reach the signaling server")
		return err
	}
	sp.Success("Connected")

	sp = ui.NewSimpleSpinner("Opening camera and microphone...")
	sp.Start()
	if err := rc.Room.AcquireLocalCamera(ctx, media.DefaultConstraints()); err != nil {
		sp.Error("Camera unavailable")
		return err
	}
	sp.Success("Camera ready")

	if err := rc.Room.StartCall(ctx, destination); err != nil {
		return err
	}
	primary := rc.Room.Primary()

	rc.LogToFile()
	if err := ui.RunRoom(ctx, rc.Room, rc.Room.Updates(), destination); err != nil {
		return err
	}

	if primary != nil {
		stats := primary.Stats()
		if err := primary.Terminate(0, ""); err != nil {
			ui.PrintWarningf("Hangup not delivered: %v", err)
		}
		fmt.Fprintln(ui.Output)
		fmt.Fprintln(ui.Output, ui.CallSummaryView(primary.Summary()))
		if view := ui.TrackStatsView(stats); view != "" {
			fmt.Fprintln(ui.Output, view)
		}
	}
	return nil
}
