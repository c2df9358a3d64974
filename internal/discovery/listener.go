// Package discovery listens for PixelPusher discovery datagrams and sends
// pixel data back to the devices it finds.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kpelzel/pixel-pusher/internal/device"
	"github.com/kpelzel/pixel-pusher/internal/protocol"
)

var (
	ErrSocketBind   = errors.New("failed to bind discovery socket")
	ErrNotListening = errors.New("discovery listener is not bound")
)

const (
	readTimeout   = 100 * time.Millisecond
	maxDatagram   = 1500
	defaultRcvBuf = 1 << 20
)

// Config configures a Listener. Zero values get defaults.
type Config struct {
	IP            net.IP
	Port          int
	RcvBuf        int
	Timeout       time.Duration
	SweepInterval time.Duration
	Observer      device.Observer
	Logger        *log.Entry
}

// Listener owns the discovery socket. Devices are tracked in its registry
// and pixel data for them goes out through the same socket.
type Listener struct {
	address  string
	rcvBuf   int
	observer device.Observer
	registry *device.Registry
	log      *log.Entry

	mu   sync.RWMutex
	conn net.PacketConn
}

func NewListener(config Config) *Listener {
	ip := config.IP
	if ip == nil {
		ip = net.IPv4zero
	}
	port := config.Port
	if port == 0 {
		port = protocol.DiscoveryPort
	}
	rcvBuf := config.RcvBuf
	if rcvBuf == 0 {
		rcvBuf = defaultRcvBuf
	}
	observer := config.Observer
	if observer == nil {
		observer = device.ObserverFuncs{}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.WithField("component", "discovery")
	}

	l := &Listener{
		address:  net.JoinHostPort(ip.String(), strconv.Itoa(port)),
		rcvBuf:   rcvBuf,
		observer: observer,
		log:      logger,
	}
	l.registry = device.NewRegistry(device.RegistryConfig{
		Sender:        l,
		Observer:      observer,
		Timeout:       config.Timeout,
		SweepInterval: config.SweepInterval,
		Logger:        logger,
	})
	return l
}

func (l *Listener) Registry() *device.Registry { return l.registry }

// Addr is the bound local address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Listen binds the discovery socket and serves until ctx is done. A bind
// failure is returned wrapped in ErrSocketBind and also signaled to the
// observer.
func (l *Listener) Listen(ctx context.Context) error {
	conn, err := net.ListenPacket("udp4", l.address)
	if err != nil {
		err = fmt.Errorf("%w on %v: %v", ErrSocketBind, l.address, err)
		l.observer.Error(err)
		return err
	}
	if uc, ok := conn.(*net.UDPConn); ok {
		if err := uc.SetReadBuffer(l.rcvBuf); err != nil {
			l.log.Warnf("failed to set receive buffer to %d bytes: %v", l.rcvBuf, err)
		}
	}
	return l.Serve(ctx, conn)
}

// Serve reads discovery datagrams from conn until ctx is done, sweeping the
// registry in the background. conn is closed on return.
func (l *Listener) Serve(ctx context.Context, conn net.PacketConn) error {
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		conn.Close()
		l.registry.Close()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go l.registry.Run(ctx)

	l.log.Infof("listening on %v for discovery packets", conn.LocalAddr())

	buf := make([]byte, maxDatagram)
	for {
		if ctx.Err() != nil {
			l.log.Info("discovery listener stopping")
			return ctx.Err()
		}

		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return fmt.Errorf("failed to set read deadline: %w", err)
		}
		n, addr, err := conn.ReadFrom(buf)
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
			l.log.Errorf("error reading udp packet: %v", err)
			continue
		}

		l.handleDatagram(buf[:n], addr)
	}
}

func (l *Listener) handleDatagram(data []byte, from net.Addr) {
	d, err := protocol.DecodeDiscovery(data)
	if err != nil {
		l.log.Debugf("dropping datagram from %v: %v", from, err)
		return
	}
	if _, err := l.registry.Upsert(d, l.registry.Now()); err != nil {
		l.log.Errorf("failed to track %v: %v", d.Header.MacAddress, err)
	}
}

// Send writes b to addr on the discovery socket. It implements
// device.Sender.
func (l *Listener) Send(addr *net.UDPAddr, b []byte) error {
	l.mu.RLock()
	conn := l.conn
	l.mu.RUnlock()
	if conn == nil {
		return ErrNotListening
	}
	_, err := conn.WriteTo(b, addr)
	return err
}
