package discovery

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"

	"github.com/kpelzel/pixel-pusher/internal/device"
	"github.com/kpelzel/pixel-pusher/internal/protocol"
)

// ReplayStats summarizes a pcap replay.
type ReplayStats struct {
	Packets   int // UDP packets to the discovery port
	Malformed int
	Applied   int
}

// ReplayPCAPFile feeds the discovery datagrams captured in a pcap file into
// registry, using capture timestamps as the registry clock.
func ReplayPCAPFile(ctx context.Context, path string, port int, registry *device.Registry) (ReplayStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReplayStats{}, fmt.Errorf("failed to open pcap file %s: %w", path, err)
	}
	defer f.Close()
	return ReplayPCAP(ctx, f, port, registry)
}

func ReplayPCAP(ctx context.Context, r io.Reader, port int, registry *device.Registry) (ReplayStats, error) {
	var stats ReplayStats

	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return stats, fmt.Errorf("failed to read pcap header: %w", err)
	}
	if port == 0 {
		port = protocol.DiscoveryPort
	}

	source := gopacket.NewPacketSource(reader, reader.LinkType())
	for {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		packet, err := source.NextPacket()
		if err == io.EOF {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("failed to read pcap packet: %w", err)
		}

		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp := udpLayer.(*layers.UDP)
		if int(udp.DstPort) != port {
			continue
		}
		stats.Packets++

		d, err := protocol.DecodeDiscovery(udp.Payload)
		if err != nil {
			stats.Malformed++
			log.Debugf("skipping captured datagram: %v", err)
			continue
		}

		ts := packet.Metadata().Timestamp
		registry.Sweep(ts)
		if _, err := registry.Upsert(d, ts); err != nil {
			return stats, err
		}
		stats.Applied++
	}
}
