package cmd

import (
	"github.com/kpelzel/pixel-pusher/internal"
	"github.com/kpelzel/pixel-pusher/internal/protocol"
	"github.com/spf13/cobra"
)

var (
	replayPort int

	replayCmd = &cobra.Command{
		Use:   "replay <file.pcap>",
		Short: "Replay captured discovery traffic",
		Long:  "Feed the discovery packets in a pcap capture through device tracking and list the devices left at the end",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return internal.Replay(debug, args[0], replayPort)
		},
	}
)

func init() {
	replayCmd.Flags().IntVar(&replayPort, "port", protocol.DiscoveryPort, "discovery UDP port to filter on")
	RootCmd.AddCommand(replayCmd)
}
