package device

import (
	"net"
	"sync"
	"time"

	"github.com/kpelzel/pixel-pusher/internal/protocol"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: epoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type sentPacket struct {
	addr *net.UDPAddr
	data []byte
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentPacket
	err  error
}

func (f *fakeSender) Send(addr *net.UDPAddr, b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentPacket{addr: addr, data: append([]byte(nil), b...)})
	return nil
}

func (f *fakeSender) Sent() []sentPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentPacket(nil), f.sent...)
}

type recordingObserver struct {
	mu       sync.Mutex
	discover []*Session
	update   []*Session
	timeout  []*Session
	errs     []error
}

func (o *recordingObserver) Discover(s *Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.discover = append(o.discover, s)
}

func (o *recordingObserver) Update(s *Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.update = append(o.update, s)
}

func (o *recordingObserver) Timeout(s *Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.timeout = append(o.timeout, s)
}

func (o *recordingObserver) Error(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

func (o *recordingObserver) Errors() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.errs...)
}

func pusherDiscovery(mac string, strips, perPacket uint8, cycle time.Duration, delta uint32) *protocol.Discovery {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		panic(err)
	}
	return &protocol.Discovery{
		Header: protocol.DiscoveryHeader{
			MacAddress: hw,
			IPAddress:  net.IPv4(10, 0, 0, 5).To4(),
			DeviceType: protocol.PixelPusher,
		},
		PixelPusher: &protocol.PixelPusherParams{
			StripsAttached:     strips,
			MaxStripsPerPacket: perPacket,
			PixelsPerStrip:     4,
			UpdatePeriod:       cycle,
			DeltaSequence:      delta,
		},
	}
}

type testEnv struct {
	clock    *fakeClock
	sender   *fakeSender
	observer *recordingObserver
	registry *Registry
}

func newTestEnv() *testEnv {
	e := &testEnv{
		clock:    newFakeClock(),
		sender:   &fakeSender{},
		observer: &recordingObserver{},
	}
	e.registry = NewRegistry(RegistryConfig{
		Sender:   e.sender,
		Observer: e.observer,
		Clock:    e.clock.Now,
	})
	return e
}

func strip(id int, fill byte, n int) StripFrame {
	data := make([]byte, n)
	for i := range data {
		data[i] = fill
	}
	return StripFrame{StripID: id, Data: data}
}
