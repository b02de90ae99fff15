package cmd

import (
	"fmt"

	"github.com/BioHazard786/huddle/internal/media/capture"
	"github.com/BioHazard786/huddle/internal/ui"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List cameras, microphones and speakers",
	Long: `List the capture devices huddle can use. Pass an ID to join with
--audio-input or --video-input, or set devices.audio_input and
devices.video_input in the config file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		platform, err := capture.New()
		if err != nil {
			return err
		}
		devices, err := platform.Devices()
		if err != nil {
			return err
		}
		fmt.Fprintln(ui.Output, ui.DeviceTableView(devices))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}
