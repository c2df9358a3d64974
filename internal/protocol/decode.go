package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
)

var ErrMalformedPacket = errors.New("malformed packet")

const (
	HeaderSize       = 24
	MinDiscoverySize = 48

	artnetTierSize      = 54
	stripFlagsTierSize  = 62
	pusherFlagsTierSize = 66

	maxStripFlags = 8
)

// optionalTiers are decoded in order, each only when the datagram reaches
// its minimum size.
var optionalTiers = []struct {
	minSize int
	decode  func(data []byte, p *PixelPusherParams)
}{
	{artnetTierSize, func(data []byte, p *PixelPusherParams) {
		p.Artnet = &ArtnetParams{
			Universe: binary.LittleEndian.Uint16(data[48:50]),
			Channel:  binary.LittleEndian.Uint16(data[50:52]),
			Port:     binary.LittleEndian.Uint16(data[52:54]),
		}
	}},
	{stripFlagsTierSize, func(data []byte, p *PixelPusherParams) {
		p.StripFlags = make([]StripFlag, maxStripFlags)
		for i := range p.StripFlags {
			p.StripFlags[i] = StripFlag(data[54+i])
		}
	}},
	{pusherFlagsTierSize, func(data []byte, p *PixelPusherParams) {
		f := PusherFlag(binary.LittleEndian.Uint32(data[62:66]))
		p.PusherFlags = &f
	}},
}

// DecodeDiscovery parses a discovery or heartbeat datagram. The returned
// value does not alias data.
func DecodeDiscovery(data []byte) (*Discovery, error) {
	if len(data) < MinDiscoverySize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedPacket, len(data), MinDiscoverySize)
	}

	d := &Discovery{Header: decodeHeader(data)}
	if d.Header.DeviceType != PixelPusher {
		d.Payload = append([]byte(nil), data[HeaderSize:]...)
		return d, nil
	}

	d.PixelPusher = decodePixelPusher(data)
	return d, nil
}

func decodeHeader(data []byte) DiscoveryHeader {
	return DiscoveryHeader{
		MacAddress:      net.HardwareAddr(append([]byte(nil), data[0:6]...)),
		IPAddress:       net.IPv4(data[6], data[7], data[8], data[9]).To4(),
		DeviceType:      DeviceType(data[10]),
		ProtocolVersion: data[11],
		VendorID:        binary.LittleEndian.Uint16(data[12:14]),
		ProductID:       binary.LittleEndian.Uint16(data[14:16]),
		HardwareRev:     binary.LittleEndian.Uint16(data[16:18]),
		SoftwareRev:     binary.LittleEndian.Uint16(data[18:20]),
		LinkSpeed:       binary.LittleEndian.Uint32(data[20:24]),
	}
}

func decodePixelPusher(data []byte) *PixelPusherParams {
	p := &PixelPusherParams{
		StripsAttached:     data[24],
		MaxStripsPerPacket: data[25],
		PixelsPerStrip:     binary.LittleEndian.Uint16(data[26:28]),
		UpdatePeriod:       time.Duration(binary.LittleEndian.Uint32(data[28:32])) * time.Microsecond,
		PowerTotal:         binary.LittleEndian.Uint32(data[32:36]),
		DeltaSequence:      binary.LittleEndian.Uint32(data[36:40]),
		ControllerOrdinal:  int32(binary.LittleEndian.Uint32(data[40:44])),
		GroupOrdinal:       int32(binary.LittleEndian.Uint32(data[44:48])),
	}

	for _, tier := range optionalTiers {
		if len(data) < tier.minSize {
			break
		}
		tier.decode(data, p)
	}
	return p
}
