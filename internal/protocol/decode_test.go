package protocol

import (
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// discoveryFixture builds a PixelPusher datagram of the given size byte by
// byte, following the fixed offsets of the discovery layout.
func discoveryFixture(size int) []byte {
	b := make([]byte, size)
	copy(b[0:6], []byte{0xd8, 0x80, 0x39, 0x65, 0xa1, 0x02})
	copy(b[6:10], []byte{192, 168, 1, 42})
	b[10] = byte(PixelPusher)
	b[11] = 4
	binary.LittleEndian.PutUint16(b[12:14], 2)
	binary.LittleEndian.PutUint16(b[14:16], 1)
	binary.LittleEndian.PutUint16(b[16:18], 3)
	binary.LittleEndian.PutUint16(b[18:20], 122)
	binary.LittleEndian.PutUint32(b[20:24], 100000000)
	b[24] = 6
	b[25] = 2
	binary.LittleEndian.PutUint16(b[26:28], 240)
	binary.LittleEndian.PutUint32(b[28:32], 16500)
	binary.LittleEndian.PutUint32(b[32:36], 4096)
	binary.LittleEndian.PutUint32(b[36:40], 3)
	binary.LittleEndian.PutUint32(b[40:44], 0xffffffff) // -1
	binary.LittleEndian.PutUint32(b[44:48], 7)
	if size >= 54 {
		binary.LittleEndian.PutUint16(b[48:50], 12)
		binary.LittleEndian.PutUint16(b[50:52], 33)
		binary.LittleEndian.PutUint16(b[52:54], 5078)
	}
	if size >= 62 {
		copy(b[54:62], []byte{0, 1, 2, 3, 0, 0, 0, 1})
	}
	if size >= 66 {
		binary.LittleEndian.PutUint32(b[62:66], 1)
	}
	return b
}

func TestDecodeDiscovery_Header(t *testing.T) {
	d, err := DecodeDiscovery(discoveryFixture(48))
	require.NoError(t, err)

	want := DiscoveryHeader{
		MacAddress:      net.HardwareAddr{0xd8, 0x80, 0x39, 0x65, 0xa1, 0x02},
		IPAddress:       net.IP{192, 168, 1, 42},
		DeviceType:      PixelPusher,
		ProtocolVersion: 4,
		VendorID:        2,
		ProductID:       1,
		HardwareRev:     3,
		SoftwareRev:     122,
		LinkSpeed:       100000000,
	}
	if diff := cmp.Diff(want, d.Header); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "d8:80:39:65:a1:02", d.Header.MacAddress.String())
	assert.Equal(t, "192.168.1.42", d.Header.IPAddress.String())
	assert.Nil(t, d.Payload)
}

func TestDecodeDiscovery_Tiers(t *testing.T) {
	protected := PusherFlagProtected
	base := PixelPusherParams{
		StripsAttached:     6,
		MaxStripsPerPacket: 2,
		PixelsPerStrip:     240,
		UpdatePeriod:       16500 * time.Microsecond,
		PowerTotal:         4096,
		DeltaSequence:      3,
		ControllerOrdinal:  -1,
		GroupOrdinal:       7,
	}
	artnet := &ArtnetParams{Universe: 12, Channel: 33, Port: 5078}
	flags := []StripFlag{0, 1, 2, 3, 0, 0, 0, 1}

	tests := []struct {
		name     string
		size     int
		want     func() PixelPusherParams
		wantPort uint16
	}{
		{"mandatory only", 48, func() PixelPusherParams { return base }, DefaultDevicePort},
		{"one short of artnet", 53, func() PixelPusherParams { return base }, DefaultDevicePort},
		{"artnet", 54, func() PixelPusherParams {
			p := base
			p.Artnet = artnet
			return p
		}, 5078},
		{"strip flags", 62, func() PixelPusherParams {
			p := base
			p.Artnet = artnet
			p.StripFlags = flags
			return p
		}, 5078},
		{"pusher flags", 66, func() PixelPusherParams {
			p := base
			p.Artnet = artnet
			p.StripFlags = flags
			p.PusherFlags = &protected
			return p
		}, 5078},
		{"trailing bytes ignored", 80, func() PixelPusherParams {
			p := base
			p.Artnet = artnet
			p.StripFlags = flags
			p.PusherFlags = &protected
			return p
		}, 5078},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := DecodeDiscovery(discoveryFixture(tt.size))
			require.NoError(t, err)
			require.NotNil(t, d.PixelPusher)

			if diff := cmp.Diff(tt.want(), *d.PixelPusher); diff != "" {
				t.Errorf("params mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, tt.wantPort, d.PixelPusher.Port())
		})
	}
}

func TestDecodeDiscovery_TooShort(t *testing.T) {
	for _, size := range []int{0, 1, 24, 47} {
		d, err := DecodeDiscovery(discoveryFixture(MinDiscoverySize)[:size])
		assert.Nil(t, d)
		assert.True(t, errors.Is(err, ErrMalformedPacket), "size %d: %v", size, err)
	}
}

func TestDecodeDiscovery_OpaquePayload(t *testing.T) {
	data := discoveryFixture(60)
	data[10] = byte(EtherDream)

	d, err := DecodeDiscovery(data)
	require.NoError(t, err)
	assert.Equal(t, EtherDream, d.Header.DeviceType)
	assert.Nil(t, d.PixelPusher)
	assert.Equal(t, data[24:], d.Payload)

	// the payload must not alias the read buffer
	data[30] ^= 0xff
	assert.NotEqual(t, data[30], d.Payload[6])
}

func TestDecodeDiscovery_DoesNotAliasMac(t *testing.T) {
	data := discoveryFixture(48)
	d, err := DecodeDiscovery(data)
	require.NoError(t, err)

	data[0] = 0
	assert.Equal(t, byte(0xd8), d.Header.MacAddress[0])
}

func TestEncodeDiscovery_MatchesFixture(t *testing.T) {
	for _, size := range []int{48, 54, 62, 66} {
		fixture := discoveryFixture(size)
		d, err := DecodeDiscovery(fixture)
		require.NoError(t, err)
		assert.Equal(t, fixture, EncodeDiscovery(d), "size %d", size)
	}
}

func TestDeviceTypeString(t *testing.T) {
	assert.Equal(t, "EtherDream", EtherDream.String())
	assert.Equal(t, "LumiaBridge", LumiaBridge.String())
	assert.Equal(t, "PixelPusher", PixelPusher.String())
	assert.Equal(t, "DeviceType(9)", DeviceType(9).String())
}

func TestFlags(t *testing.T) {
	assert.True(t, StripFlag(3).RGBOW())
	assert.True(t, StripFlag(3).WidePixels())
	assert.False(t, StripFlag(0).RGBOW())
	assert.True(t, PusherFlag(1).Protected())
	assert.False(t, PusherFlag(2).Protected())
}
