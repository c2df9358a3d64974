package cmd

import (
	"os"

	"github.com/kpelzel/pixel-pusher/internal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	debug  bool
	config string

	RootCmd = &cobra.Command{
		Use:   "pixel-pusher",
		Short: "drive PixelPusher devices from sACN",
		Long:  "discover PixelPusher LED controllers on the local network and drive them from sACN universes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return internal.StartPixelPusher(debug, config)
		},
	}
)

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		logrus.Errorf("failed to execute command: %v", err)
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debugging")
	RootCmd.PersistentFlags().StringVarP(&config, "config", "c", "config.yaml", "config file location")
}
