package cmd

import (
	"time"

	"github.com/kpelzel/pixel-pusher/internal"
	"github.com/spf13/cobra"
)

var (
	scanDuration time.Duration

	scanCmd = &cobra.Command{
		Use:   "scan",
		Short: "Scan for PixelPusher devices",
		Long:  "Listen for PixelPusher discovery packets and list the devices found",
		RunE: func(cmd *cobra.Command, args []string) error {
			return internal.Scan(debug, config, scanDuration)
		},
	}
)

func init() {
	scanCmd.Flags().DurationVar(&scanDuration, "duration", 10*time.Second, "how long to listen")
	RootCmd.AddCommand(scanCmd)
}
