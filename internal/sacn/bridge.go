package sacn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"github.com/kpelzel/pixel-pusher/internal/device"
)

const (
	DefaultPort = 5568

	bytesPerPixel = 3
	readTimeout   = 100 * time.Millisecond
	joinInterval  = time.Second
	queueSize     = 64
	// a sequence number this far behind the last one is a restarted source
	sequenceWindow = 20
)

// Route places a device's strips inside a universe. Channel is the 1-based
// DMX slot the first strip starts at.
type Route struct {
	Universe uint16
	Channel  uint16
}

type BridgeConfig struct {
	IP   net.IP
	Port int
	// Interface multicast groups are joined on, nil for the system default.
	Interface *net.Interface
	Registry  *device.Registry
	// Routes override the artnet universe and channel a device reports,
	// keyed by hardware address.
	Routes map[string]Route
	Logger *log.Entry
}

// Bridge turns incoming DMX universes into strip frames for every device
// routed to them.
type Bridge struct {
	address  string
	ifi      *net.Interface
	registry *device.Registry
	routes   map[string]Route
	log      *log.Entry
	packets  chan *Packet

	// owned by the read loop
	joined    map[uint16]bool
	sequences map[uint16]byte
}

// groupJoiner is implemented by *ipv4.PacketConn.
type groupJoiner interface {
	JoinGroup(ifi *net.Interface, group net.Addr) error
}

func NewBridge(config BridgeConfig) *Bridge {
	ip := config.IP
	if ip == nil {
		ip = net.IPv4zero
	}
	port := config.Port
	if port == 0 {
		port = DefaultPort
	}
	logger := config.Logger
	if logger == nil {
		logger = log.WithField("component", "sacn")
	}

	routes := make(map[string]Route, len(config.Routes))
	for mac, r := range config.Routes {
		if hw, err := net.ParseMAC(mac); err == nil {
			mac = hw.String()
		}
		routes[mac] = r
	}

	return &Bridge{
		address:   net.JoinHostPort(ip.String(), strconv.Itoa(port)),
		ifi:       config.Interface,
		registry:  config.Registry,
		routes:    routes,
		log:       logger,
		packets:   make(chan *Packet, queueSize),
		joined:    make(map[uint16]bool),
		sequences: make(map[uint16]byte),
	}
}

// UniverseAddr returns the multicast group a universe is transmitted to,
// 239.255.<high byte>.<low byte>.
func UniverseAddr(universe uint16) *net.UDPAddr {
	return &net.UDPAddr{
		IP:   net.IPv4(239, 255, byte(universe>>8), byte(universe)),
		Port: DefaultPort,
	}
}

// Listen receives sACN packets, unicast or on the multicast group of every
// routed universe, until ctx is done.
func (b *Bridge) Listen(ctx context.Context) error {
	conn, err := net.ListenPacket("udp4", b.address)
	if err != nil {
		return fmt.Errorf("failed to listen for sACN on %v: %w", b.address, err)
	}
	return b.Serve(ctx, conn)
}

// Serve reads sACN packets from conn until ctx is done. conn is closed on
// return.
func (b *Bridge) Serve(ctx context.Context, conn net.PacketConn) error {
	defer conn.Close()

	groups := ipv4.NewPacketConn(conn)
	go b.listenForFrames(ctx)

	b.log.Infof("listening on %v for sACN packets", conn.LocalAddr())
	buf := make([]byte, 1024)
	var lastJoin time.Time
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// devices report their universe after the socket is up
		if time.Since(lastJoin) >= joinInterval {
			b.joinUniverses(groups)
			lastJoin = time.Now()
		}

		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return fmt.Errorf("failed to set read deadline: %w", err)
		}
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			b.log.Errorf("error reading udp packet: %v", err)
			continue
		}

		p, err := DecodePacket(buf[:n])
		if err != nil {
			b.log.Debugf("error parsing packet: %v", err)
			continue
		}
		if !b.inSequence(p.Frame.Universe, p.Frame.SeqNum) {
			b.log.Debugf("dropping out of order packet %v on universe %v", p.Frame.SeqNum, p.Frame.Universe)
			continue
		}

		b.log.Debugf("received sACN packet: universe %v from %q, %v slots", p.Frame.Universe, p.Frame.SourceName, len(p.DMP.Slots))

		select {
		case b.packets <- p:
		default:
			b.log.Debug("devices busy, universe not sent")
		}
	}
}

// joinUniverses joins the multicast group of each routed universe not joined
// yet. A failed join is logged and not retried.
func (b *Bridge) joinUniverses(g groupJoiner) {
	for _, u := range b.Universes() {
		if b.joined[u] {
			continue
		}
		b.joined[u] = true
		group := UniverseAddr(u)
		if err := g.JoinGroup(b.ifi, group); err != nil {
			b.log.Warnf("failed to join %v for universe %v, only unicast will be received: %v", group.IP, u, err)
			continue
		}
		b.log.Infof("joined %v for universe %v", group.IP, u)
	}
}

// inSequence reports whether seq follows the last sequence number seen on
// universe. Packets up to sequenceWindow behind are out of order.
func (b *Bridge) inSequence(universe uint16, seq byte) bool {
	last, ok := b.sequences[universe]
	if ok {
		diff := int8(seq - last)
		if diff <= 0 && diff > -sequenceWindow {
			return false
		}
	}
	b.sequences[universe] = seq
	return true
}

// Universes returns the universes routed to a device, from the configured
// routes and the artnet settings devices report.
func (b *Bridge) Universes() []uint16 {
	set := make(map[uint16]bool)
	for _, r := range b.routes {
		set[r.Universe] = true
	}
	for _, s := range b.registry.Sessions() {
		if r, ok := b.routeFor(s); ok {
			set[r.Universe] = true
		}
	}

	universes := make([]uint16, 0, len(set))
	for u := range set {
		universes = append(universes, u)
	}
	sort.Slice(universes, func(i, j int) bool { return universes[i] < universes[j] })
	return universes
}

func (b *Bridge) routeFor(s *device.Session) (Route, bool) {
	if r, ok := b.routes[s.MacAddress()]; ok {
		return r, true
	}
	if p := s.Params(); p != nil && p.Artnet != nil {
		return Route{Universe: p.Artnet.Universe, Channel: p.Artnet.Channel}, true
	}
	return Route{}, false
}

func (b *Bridge) listenForFrames(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-b.packets:
			b.Apply(p)
		}
	}
}

// Apply submits the universe in p to every device routed to it and returns
// the number of pixel packets produced.
func (b *Bridge) Apply(p *Packet) int {
	if p.DMP.StartCode != 0 {
		return 0
	}

	total := 0
	for _, s := range b.registry.Sessions() {
		params := s.Params()
		if params == nil {
			continue
		}
		route, ok := b.routeFor(s)
		if !ok || route.Universe != p.Frame.Universe {
			continue
		}

		frames := StripFrames(p.DMP.Slots, route.Channel, int(params.StripsAttached), int(params.PixelsPerStrip))
		if len(frames) == 0 {
			continue
		}
		packets, err := s.SubmitFrame(frames)
		if err != nil {
			b.log.Warnf("failed to submit universe %v to %v: %v", p.Frame.Universe, s, err)
			continue
		}
		total += len(packets)
	}
	return total
}

// StripFrames cuts DMX slots, starting at the 1-based channel, into strips
// of pixelsPerStrip RGB pixels. A strip only partly covered by the universe
// is padded with black.
func StripFrames(slots []byte, channel uint16, strips, pixelsPerStrip int) []device.StripFrame {
	stripLen := pixelsPerStrip * bytesPerPixel
	offset := int(max(channel, 1)) - 1
	if stripLen == 0 || offset >= len(slots) {
		return nil
	}

	data := slots[offset:]
	var frames []device.StripFrame
	for id := 0; id < strips && len(data) > 0; id++ {
		n := min(stripLen, len(data))
		frame := device.StripFrame{StripID: id, Data: make([]byte, stripLen)}
		copy(frame.Data, data[:n])
		frames = append(frames, frame)
		data = data[n:]
	}
	return frames
}
