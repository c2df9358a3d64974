// Package sacn receives E1.31 (streaming ACN) DMX data and maps universes
// onto PixelPusher strips.
package sacn

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrInvalidPacket = errors.New("invalid sACN packet")

const (
	minPacketSize = 126 // headers plus the DMX start code
	dmpDataOffset = 125

	vectorRootE131Data   = 0x00000004
	vectorE131DataPacket = 0x00000002
	vectorDMPSetProperty = 0x02
)

var acnPacketID = []byte("ASC-E1.17\x00\x00\x00")

type Packet struct {
	Root  RootLayer
	Frame FrameLayer
	DMP   DMPLayer
}

type RootLayer struct {
	PreambleSize  uint16   // 2 bytes
	PostambleSize uint16   // 2 bytes
	PacketID      [12]byte // identifies this packet as E1.17
	FlagsLength   uint16
	Vector        uint32
	CID           [16]byte
}

type FrameLayer struct {
	FlagsLength uint16
	Vector      uint32
	SourceName  string // 64 bytes, NUL padded
	Priority    byte
	SyncAddr    uint16
	SeqNum      byte
	Options     byte
	Universe    uint16
}

type DMPLayer struct {
	FlagsLength       uint16
	Vector            byte
	AddrType          byte
	FirstPropertyAddr uint16
	AddrInc           uint16
	PropertyValCount  uint16
	StartCode         byte
	Slots             []byte // up to 512 DMX slots, excluding the start code
}

// DecodePacket parses an E1.31 data packet. Slots are copied out of data.
func DecodePacket(data []byte) (*Packet, error) {
	if len(data) < minPacketSize {
		return nil, fmt.Errorf("%w: size %v", ErrInvalidPacket, len(data))
	}
	if !bytes.Equal(data[4:16], acnPacketID) {
		return nil, fmt.Errorf("%w: bad packet identifier", ErrInvalidPacket)
	}

	be := binary.BigEndian
	p := &Packet{
		Root: RootLayer{
			PreambleSize:  be.Uint16(data[0:2]),
			PostambleSize: be.Uint16(data[2:4]),
			FlagsLength:   be.Uint16(data[16:18]),
			Vector:        be.Uint32(data[18:22]),
		},
		Frame: FrameLayer{
			FlagsLength: be.Uint16(data[38:40]),
			Vector:      be.Uint32(data[40:44]),
			SourceName:  string(bytes.TrimRight(data[44:108], "\x00")),
			Priority:    data[108],
			SyncAddr:    be.Uint16(data[109:111]),
			SeqNum:      data[111],
			Options:     data[112],
			Universe:    be.Uint16(data[113:115]),
		},
		DMP: DMPLayer{
			FlagsLength:       be.Uint16(data[115:117]),
			Vector:            data[117],
			AddrType:          data[118],
			FirstPropertyAddr: be.Uint16(data[119:121]),
			AddrInc:           be.Uint16(data[121:123]),
			PropertyValCount:  be.Uint16(data[123:125]),
			StartCode:         data[dmpDataOffset],
		},
	}
	copy(p.Root.PacketID[:], data[4:16])
	copy(p.Root.CID[:], data[22:38])

	if p.Root.Vector != vectorRootE131Data || p.Frame.Vector != vectorE131DataPacket || p.DMP.Vector != vectorDMPSetProperty {
		return nil, fmt.Errorf("%w: unsupported vector", ErrInvalidPacket)
	}

	// the property count includes the start code
	count := int(p.DMP.PropertyValCount)
	if count < 1 || dmpDataOffset+count > len(data) {
		return nil, fmt.Errorf("%w: property count %d exceeds packet size %d", ErrInvalidPacket, count, len(data))
	}
	p.DMP.Slots = append([]byte(nil), data[dmpDataOffset+1:dmpDataOffset+count]...)

	return p, nil
}

// EncodePacket is the inverse of DecodePacket, with lengths derived from the
// slot count.
func EncodePacket(p *Packet) []byte {
	data := make([]byte, dmpDataOffset+1+len(p.DMP.Slots))
	be := binary.BigEndian

	flagsLength := func(from int) uint16 { return 0x7000 | uint16(len(data)-from) }

	be.PutUint16(data[0:2], p.Root.PreambleSize)
	be.PutUint16(data[2:4], p.Root.PostambleSize)
	copy(data[4:16], acnPacketID)
	be.PutUint16(data[16:18], flagsLength(16))
	be.PutUint32(data[18:22], vectorRootE131Data)
	copy(data[22:38], p.Root.CID[:])

	be.PutUint16(data[38:40], flagsLength(38))
	be.PutUint32(data[40:44], vectorE131DataPacket)
	copy(data[44:108], p.Frame.SourceName)
	data[108] = p.Frame.Priority
	be.PutUint16(data[109:111], p.Frame.SyncAddr)
	data[111] = p.Frame.SeqNum
	data[112] = p.Frame.Options
	be.PutUint16(data[113:115], p.Frame.Universe)

	be.PutUint16(data[115:117], flagsLength(115))
	data[117] = vectorDMPSetProperty
	data[118] = 0xa1
	be.PutUint16(data[119:121], 0)
	be.PutUint16(data[121:123], 1)
	be.PutUint16(data[123:125], uint16(len(p.DMP.Slots)+1))
	data[dmpDataOffset] = p.DMP.StartCode
	copy(data[dmpDataOffset+1:], p.DMP.Slots)

	return data
}
