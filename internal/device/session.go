// Package device tracks discovered PixelPusher controllers.
//
// A Session holds everything known about one controller: the parameters it
// last announced, the pacing state derived from its heartbeats, and the
// outbound pixel packets waiting for it. Sessions live in a Registry keyed by
// hardware address, which creates them on first discovery and evicts them
// when heartbeats stop.
package device

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/kpelzel/pixel-pusher/internal/protocol"
)

var (
	ErrInvalidStripID    = errors.New("invalid strip id")
	ErrSessionClosed     = errors.New("session timed out")
	ErrUnsupportedDevice = errors.New("device does not accept pixel data")
)

const (
	// a device reporting more dropped packets than this is falling behind
	staleDeltaThreshold = 5
	stalePenalty        = 5 * time.Millisecond
	aheadCredit         = time.Millisecond
	maxQueuedAfterTrim  = 2
)

type State int

const (
	StateDiscovered State = iota
	StateActive
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateActive:
		return "active"
	case StateTimedOut:
		return "timed out"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Sender puts an encoded packet on the wire. It must not wait for delivery.
type Sender interface {
	Send(addr *net.UDPAddr, b []byte) error
}

// StripFrame is the color data for one strip. Data is opaque to the session.
type StripFrame struct {
	StripID int
	Data    []byte
}

// Info is a set of stats collected for a session.
type Info struct {
	Created  time.Time
	Observed time.Time

	Heartbeats  int64
	Frames      int64
	PacketsSent int64
	BytesSent   int64
	SendErrors  int64
}

// Session is the live state of one discovered device. It is safe for
// concurrent use.
type Session struct {
	id       uuid.UUID
	header   protocol.DiscoveryHeader
	sender   Sender
	observer Observer
	clock    func() time.Time
	log      *log.Entry
	done     chan struct{}

	mu              sync.Mutex
	params          *protocol.PixelPusherParams
	payload         []byte
	state           State
	sequenceNumber  uint32
	lastUpdated     time.Time
	nextUpdate      time.Time
	lastStripFrames map[int][]byte
	messages        []protocol.Packet
	timer           *time.Timer
	timerGen        uint64
	info            Info
}

func newSession(d *protocol.Discovery, now time.Time, r *Registry) *Session {
	s := &Session{
		id:              uuid.New(),
		header:          d.Header,
		sender:          r.sender,
		observer:        r.observer,
		clock:           r.clock,
		done:            make(chan struct{}),
		params:          d.PixelPusher.Clone(),
		state:           StateDiscovered,
		sequenceNumber:  1,
		lastUpdated:     now,
		nextUpdate:      now,
		lastStripFrames: make(map[int][]byte),
		info:            Info{Created: now, Observed: now},
	}
	if d.Payload != nil {
		s.payload = append([]byte(nil), d.Payload...)
	}
	if s.params != nil {
		s.nextUpdate = now.Add(s.params.UpdatePeriod)
	}
	s.log = r.log.WithFields(log.Fields{
		"mac": d.Header.MacAddress.String(),
		"ip":  d.Header.IPAddress.String(),
	})
	return s
}

// ID distinguishes this session from earlier sessions of the same device.
func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) MacAddress() string { return s.header.MacAddress.String() }

func (s *Session) Header() protocol.DiscoveryHeader { return s.header }

// Done is closed when the session times out.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) String() string {
	return fmt.Sprintf("%v %v (%v)", s.header.DeviceType, s.header.MacAddress, s.header.IPAddress)
}

// Params returns a copy of the current PixelPusher parameters, or nil for
// other device types.
func (s *Session) Params() *protocol.PixelPusherParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params.Clone()
}

// Payload is the opaque particulars of a non PixelPusher device.
func (s *Session) Payload() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.payload...)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SequenceNumber is the number the next outbound packet will carry.
func (s *Session) SequenceNumber() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequenceNumber
}

func (s *Session) LastUpdated() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdated
}

func (s *Session) NextUpdate() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextUpdate
}

func (s *Session) UpdatePeriod() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.params == nil {
		return 0
	}
	return s.params.UpdatePeriod
}

// Pending is the number of packets queued behind the pacing gate.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Addr is where pixel data for this device is sent. It is nil for devices
// that do not take pixel data.
func (s *Session) Addr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addrLocked()
}

func (s *Session) addrLocked() *net.UDPAddr {
	if s.params == nil {
		return nil
	}
	return &net.UDPAddr{IP: s.header.IPAddress, Port: int(s.params.Port())}
}

// ApplyHeartbeat refreshes the session from a repeated discovery datagram
// and re-derives the pacing period from the reported cycle time and
// delta-sequence.
func (s *Session) ApplyHeartbeat(d *protocol.Discovery, now time.Time) error {
	s.mu.Lock()
	if s.state == StateTimedOut {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.state = StateActive
	s.lastUpdated = now
	s.info.Observed = now
	s.info.Heartbeats++

	if s.params == nil {
		if d.Payload != nil {
			s.payload = append(s.payload[:0], d.Payload...)
		}
		s.nextUpdate = now
		s.mu.Unlock()
		return nil
	}
	if d.PixelPusher == nil {
		// liveness only, the pacing state belongs to the pixel pusher
		s.log.Warnf("ignoring %v particulars from a pixel pusher", d.Header.DeviceType)
		s.mu.Unlock()
		return nil
	}

	hb := protocol.HeartbeatFrom(d.PixelPusher)
	cycle := hb.CycleTime
	if hb.DeltaSequence > staleDeltaThreshold {
		cycle += stalePenalty
		s.trimStaleMessagesLocked()
	} else if hb.DeltaSequence == 0 && cycle > aheadCredit {
		cycle -= aheadCredit
	}

	s.params.UpdatePeriod = cycle
	s.params.PowerTotal = hb.PowerTotal
	s.params.DeltaSequence = hb.DeltaSequence
	s.nextUpdate = now.Add(cycle)

	var errs []error
	if s.timer != nil {
		s.stopTimerLocked()
		errs = s.syncLocked()
	}
	s.mu.Unlock()

	s.report(errs)
	return nil
}

// SubmitFrame encodes the strips that changed since the previous frame into
// pixel packets and queues them for the device. The produced packets are
// returned in sequence order. An out of range strip id rejects the whole
// frame without touching session state.
func (s *Session) SubmitFrame(frames []StripFrame) ([]protocol.Packet, error) {
	s.mu.Lock()
	if s.state == StateTimedOut {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.params == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedDevice, s.header.DeviceType)
	}

	numberStrips := int(s.params.StripsAttached)
	for _, f := range frames {
		if f.StripID < 0 || f.StripID >= numberStrips {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %d, strips must be numbered 0..%d", ErrInvalidStripID, f.StripID, numberStrips-1)
		}
	}

	changed := make([]protocol.StripData, 0, len(frames))
	for _, f := range frames {
		if prev, ok := s.lastStripFrames[f.StripID]; ok && bytes.Equal(prev, f.Data) {
			continue
		}
		changed = append(changed, protocol.StripData{ID: uint8(f.StripID), Data: f.Data})
	}

	perPacket := max(1, int(s.params.MaxStripsPerPacket))
	var packets []protocol.Packet
	for start := 0; start < len(changed); start += perPacket {
		end := min(start+perPacket, len(changed))
		seq := s.sequenceNumber
		s.sequenceNumber++
		packets = append(packets, protocol.Packet{
			SequenceNumber: seq,
			Bytes:          protocol.EncodePixelPacket(seq, changed[start:end]),
		})
	}

	for _, f := range frames {
		s.lastStripFrames[f.StripID] = append([]byte(nil), f.Data...)
	}
	s.state = StateActive
	s.info.Frames++
	s.log.Debugf("frame with %d strips, %d changed, %d packets", len(frames), len(changed), len(packets))

	s.messages = append(s.messages, packets...)
	var errs []error
	if s.timer == nil {
		errs = s.syncLocked()
	}
	s.mu.Unlock()

	s.report(errs)
	return packets, nil
}

// syncLocked sends queued packets while the pacing gate is open and arms the
// timer for the rest.
func (s *Session) syncLocked() []error {
	var errs []error
	for len(s.messages) > 0 {
		now := s.clock()
		if now.Before(s.nextUpdate) {
			s.armTimerLocked(s.nextUpdate.Sub(now))
			return errs
		}

		msg := s.messages[0]
		s.messages[0] = protocol.Packet{}
		s.messages = s.messages[1:]
		if err := s.sendLocked(msg); err != nil {
			errs = append(errs, err)
		}
		s.nextUpdate = now.Add(s.params.UpdatePeriod)
	}
	return errs
}

func (s *Session) sendLocked(msg protocol.Packet) error {
	addr := s.addrLocked()
	if err := s.sender.Send(addr, msg.Bytes); err != nil {
		s.info.SendErrors++
		s.log.Warnf("failed to send packet %d: %v", msg.SequenceNumber, err)
		return fmt.Errorf("failed to send packet %d to %v: %w", msg.SequenceNumber, addr, err)
	}
	s.info.PacketsSent++
	s.info.BytesSent += int64(len(msg.Bytes))
	return nil
}

func (s *Session) armTimerLocked(d time.Duration) {
	s.timerGen++
	gen := s.timerGen
	s.timer = time.AfterFunc(d, func() { s.timerFired(gen) })
}

func (s *Session) stopTimerLocked() {
	if s.timer == nil {
		return
	}
	s.timer.Stop()
	s.timer = nil
	s.timerGen++
}

func (s *Session) timerFired(gen uint64) {
	s.mu.Lock()
	if gen != s.timerGen || s.state == StateTimedOut {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	errs := s.syncLocked()
	s.mu.Unlock()

	s.report(errs)
}

// trimStaleMessagesLocked keeps only the oldest queued packets once the
// device has fallen behind.
func (s *Session) trimStaleMessagesLocked() {
	if len(s.messages) <= maxQueuedAfterTrim {
		return
	}
	for i := maxQueuedAfterTrim; i < len(s.messages); i++ {
		s.messages[i] = protocol.Packet{}
	}
	s.messages = s.messages[:maxQueuedAfterTrim]
}

// expireIfStale closes the session when no heartbeat arrived within timeout
// of now.
func (s *Session) expireIfStale(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTimedOut {
		return true
	}
	if !s.lastUpdated.Add(timeout).Before(now) {
		return false
	}
	s.closeLocked()
	return true
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateTimedOut {
		s.closeLocked()
	}
}

func (s *Session) closeLocked() {
	s.state = StateTimedOut
	s.stopTimerLocked()
	s.messages = nil
	close(s.done)
}

func (s *Session) report(errs []error) {
	for _, err := range errs {
		s.observer.Error(err)
	}
}
