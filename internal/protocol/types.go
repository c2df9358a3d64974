// Package protocol implements the PixelPusher discovery and pixel data wire
// formats.
//
// Devices announce themselves (and then heartbeat) with a discovery datagram
// made of a 24 byte header followed by device specific particulars. Only the
// PixelPusher particulars are interpreted; other device types keep their
// payload as opaque bytes.
package protocol

import (
	"fmt"
	"net"
	"time"
)

const (
	// DiscoveryPort is the port devices broadcast discovery datagrams to.
	DiscoveryPort = 7331
	// DefaultDevicePort is the pixel data port used when a device does not
	// report one.
	DefaultDevicePort = 9761
)

// DeviceType identifies the kind of device that sent a discovery datagram.
type DeviceType uint8

const (
	EtherDream  DeviceType = 0
	LumiaBridge DeviceType = 1
	PixelPusher DeviceType = 2
)

func (t DeviceType) String() string {
	switch t {
	case EtherDream:
		return "EtherDream"
	case LumiaBridge:
		return "LumiaBridge"
	case PixelPusher:
		return "PixelPusher"
	default:
		return fmt.Sprintf("DeviceType(%d)", uint8(t))
	}
}

// StripFlag is the per strip flag byte reported by a PixelPusher.
type StripFlag uint8

const (
	StripFlagRGBOW      StripFlag = 1 << 0
	StripFlagWidePixels StripFlag = 1 << 1
)

func (f StripFlag) RGBOW() bool      { return f&StripFlagRGBOW != 0 }
func (f StripFlag) WidePixels() bool { return f&StripFlagWidePixels != 0 }

// PusherFlag is the device wide flag word.
type PusherFlag uint32

const PusherFlagProtected PusherFlag = 1 << 0

func (f PusherFlag) Protected() bool { return f&PusherFlagProtected != 0 }

type DiscoveryHeader struct {
	MacAddress      net.HardwareAddr // 6 bytes
	IPAddress       net.IP           // 4 bytes, network byte order
	DeviceType      DeviceType       // 1 byte
	ProtocolVersion uint8            // 1 byte, for the device, not discovery
	VendorID        uint16           // 2 bytes
	ProductID       uint16           // 2 bytes
	HardwareRev     uint16           // 2 bytes
	SoftwareRev     uint16           // 2 bytes
	LinkSpeed       uint32           // 4 bytes, bits per second
}

// ArtnetParams are present when the datagram is at least 54 bytes long.
type ArtnetParams struct {
	Universe uint16
	Channel  uint16
	Port     uint16
}

type PixelPusherParams struct {
	StripsAttached     uint8
	MaxStripsPerPacket uint8
	PixelsPerStrip     uint16
	UpdatePeriod       time.Duration // reported in microseconds
	PowerTotal         uint32        // PWM units
	DeltaSequence      uint32
	ControllerOrdinal  int32
	GroupOrdinal       int32

	// Optional tiers, nil when the datagram was too short to carry them.
	Artnet      *ArtnetParams
	StripFlags  []StripFlag
	PusherFlags *PusherFlag
}

// Port is the UDP port the device accepts pixel data on.
func (p *PixelPusherParams) Port() uint16 {
	if p.Artnet != nil {
		return p.Artnet.Port
	}
	return DefaultDevicePort
}

// Clone returns a deep copy of p.
func (p *PixelPusherParams) Clone() *PixelPusherParams {
	if p == nil {
		return nil
	}
	c := *p
	if p.Artnet != nil {
		a := *p.Artnet
		c.Artnet = &a
	}
	if p.StripFlags != nil {
		c.StripFlags = append([]StripFlag(nil), p.StripFlags...)
	}
	if p.PusherFlags != nil {
		f := *p.PusherFlags
		c.PusherFlags = &f
	}
	return &c
}

// Discovery is a decoded discovery datagram. Exactly one of PixelPusher and
// Payload is set.
type Discovery struct {
	Header      DiscoveryHeader
	PixelPusher *PixelPusherParams
	Payload     []byte
}

// Heartbeat holds the fields a device refreshes on every datagram.
type Heartbeat struct {
	CycleTime     time.Duration
	PowerTotal    uint32
	DeltaSequence uint32
}

func HeartbeatFrom(p *PixelPusherParams) Heartbeat {
	return Heartbeat{
		CycleTime:     p.UpdatePeriod,
		PowerTotal:    p.PowerTotal,
		DeltaSequence: p.DeltaSequence,
	}
}

// StripData is one strip's worth of raw color bytes inside a pixel packet.
type StripData struct {
	ID   uint8
	Data []byte
}

// Packet is an encoded pixel data packet.
type Packet struct {
	SequenceNumber uint32
	Bytes          []byte
}
