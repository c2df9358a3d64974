package device

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kpelzel/pixel-pusher/internal/protocol"
)

const (
	DefaultTimeout       = 5000 * time.Millisecond
	DefaultSweepInterval = 1000 * time.Millisecond
)

// RegistryConfig configures a Registry. Zero values get defaults.
type RegistryConfig struct {
	Sender        Sender
	Observer      Observer
	Timeout       time.Duration
	SweepInterval time.Duration
	Clock         func() time.Time
	Logger        *log.Entry
}

// Registry holds one Session per hardware address.
type Registry struct {
	sender        Sender
	observer      Observer
	timeout       time.Duration
	sweepInterval time.Duration
	clock         func() time.Time
	log           *log.Entry

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(config RegistryConfig) *Registry {
	r := &Registry{
		sender:        config.Sender,
		observer:      config.Observer,
		timeout:       config.Timeout,
		sweepInterval: config.SweepInterval,
		clock:         config.Clock,
		log:           config.Logger,
		sessions:      make(map[string]*Session),
	}
	if r.sender == nil {
		r.sender = discardSender{}
	}
	if r.observer == nil {
		r.observer = ObserverFuncs{}
	}
	if r.timeout == 0 {
		r.timeout = DefaultTimeout
	}
	if r.sweepInterval == 0 {
		r.sweepInterval = DefaultSweepInterval
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	if r.log == nil {
		r.log = log.WithField("component", "registry")
	}
	return r
}

// discardSender drops every packet. Registries built without a transport,
// such as the pcap replay, use it.
type discardSender struct{}

func (discardSender) Send(*net.UDPAddr, []byte) error { return nil }

// Now reads the registry clock.
func (r *Registry) Now() time.Time { return r.clock() }

// Upsert creates a session for a newly seen device, or applies the datagram
// as a heartbeat to the existing one. Discover or Update is signaled
// accordingly.
func (r *Registry) Upsert(d *protocol.Discovery, now time.Time) (*Session, error) {
	key := d.Header.MacAddress.String()
	for {
		r.mu.Lock()
		s, ok := r.sessions[key]
		if !ok {
			s = newSession(d, now, r)
			r.sessions[key] = s
			r.mu.Unlock()

			s.log.Debugf("discovered %v", s)
			r.observer.Discover(s)
			return s, nil
		}
		r.mu.Unlock()

		err := s.ApplyHeartbeat(d, now)
		if errors.Is(err, ErrSessionClosed) {
			// evicted between lookup and heartbeat, start over with a new session
			r.mu.Lock()
			if r.sessions[key] == s {
				delete(r.sessions, key)
			}
			r.mu.Unlock()
			continue
		}
		if err != nil {
			return nil, err
		}

		r.observer.Update(s)
		return s, nil
	}
}

// Sweep evicts every session whose last heartbeat is older than the timeout
// and signals Timeout for each. The evicted sessions are returned.
func (r *Registry) Sweep(now time.Time) []*Session {
	var expired []*Session

	r.mu.Lock()
	for key, s := range r.sessions {
		if s.expireIfStale(now, r.timeout) {
			delete(r.sessions, key)
			expired = append(expired, s)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		s.log.Debugf("%v timed out", s)
		r.observer.Timeout(s)
	}
	return expired
}

// Run sweeps on the configured interval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.clock())
		}
	}
}

// Get looks a session up by hardware address in any notation net.ParseMAC
// accepts.
func (r *Registry) Get(mac string) (*Session, bool) {
	if hw, err := net.ParseMAC(mac); err == nil {
		mac = hw.String()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[mac]
	return s, ok
}

// Sessions returns a snapshot of the live sessions ordered by hardware
// address.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].MacAddress() < sessions[j].MacAddress()
	})
	return sessions
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close drops every session without signaling Timeout.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, s := range r.sessions {
		s.close()
		delete(r.sessions, key)
	}
}
