package protocol

import (
	"encoding/binary"
	"time"
)

const (
	sequenceLength = 4
	stripIDLength  = 1
)

// PixelPacketSize is the encoded size of a pixel packet carrying strips.
func PixelPacketSize(strips []StripData) int {
	n := sequenceLength
	for _, s := range strips {
		n += stripIDLength + len(s.Data)
	}
	return n
}

// EncodePixelPacket writes the sequence number followed by every strip id
// and its color bytes, in order. There is no padding or checksum.
func EncodePixelPacket(seq uint32, strips []StripData) []byte {
	result := make([]byte, PixelPacketSize(strips))
	binary.LittleEndian.PutUint32(result, seq)

	i := sequenceLength
	for _, s := range strips {
		result[i] = s.ID
		i++
		i += copy(result[i:], s.Data)
	}

	return result
}

// EncodeDiscovery is the inverse of DecodeDiscovery. The datagram grows to
// the largest optional tier present in the PixelPusher params.
func EncodeDiscovery(d *Discovery) []byte {
	h := d.Header
	size := HeaderSize + len(d.Payload)
	p := d.PixelPusher
	if p != nil {
		size = MinDiscoverySize
		switch {
		case p.PusherFlags != nil:
			size = pusherFlagsTierSize
		case p.StripFlags != nil:
			size = stripFlagsTierSize
		case p.Artnet != nil:
			size = artnetTierSize
		}
	}

	b := make([]byte, size)
	copy(b[0:6], h.MacAddress)
	copy(b[6:10], h.IPAddress.To4())
	b[10] = byte(h.DeviceType)
	b[11] = h.ProtocolVersion
	binary.LittleEndian.PutUint16(b[12:14], h.VendorID)
	binary.LittleEndian.PutUint16(b[14:16], h.ProductID)
	binary.LittleEndian.PutUint16(b[16:18], h.HardwareRev)
	binary.LittleEndian.PutUint16(b[18:20], h.SoftwareRev)
	binary.LittleEndian.PutUint32(b[20:24], h.LinkSpeed)

	if p == nil {
		copy(b[HeaderSize:], d.Payload)
		return b
	}

	b[24] = p.StripsAttached
	b[25] = p.MaxStripsPerPacket
	binary.LittleEndian.PutUint16(b[26:28], p.PixelsPerStrip)
	binary.LittleEndian.PutUint32(b[28:32], uint32(p.UpdatePeriod/time.Microsecond))
	binary.LittleEndian.PutUint32(b[32:36], p.PowerTotal)
	binary.LittleEndian.PutUint32(b[36:40], p.DeltaSequence)
	binary.LittleEndian.PutUint32(b[40:44], uint32(p.ControllerOrdinal))
	binary.LittleEndian.PutUint32(b[44:48], uint32(p.GroupOrdinal))
	if size >= artnetTierSize {
		port := uint16(DefaultDevicePort)
		if p.Artnet != nil {
			binary.LittleEndian.PutUint16(b[48:50], p.Artnet.Universe)
			binary.LittleEndian.PutUint16(b[50:52], p.Artnet.Channel)
			port = p.Artnet.Port
		}
		binary.LittleEndian.PutUint16(b[52:54], port)
	}
	if size >= stripFlagsTierSize {
		for i := 0; i < maxStripFlags && i < len(p.StripFlags); i++ {
			b[54+i] = byte(p.StripFlags[i])
		}
	}
	if p.PusherFlags != nil {
		binary.LittleEndian.PutUint32(b[62:66], uint32(*p.PusherFlags))
	}
	return b
}
