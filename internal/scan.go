package internal

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kpelzel/pixel-pusher/internal/device"
	"github.com/kpelzel/pixel-pusher/internal/discovery"
)

// Scan listens for discovery datagrams for the given duration and reports
// the devices found.
func Scan(debug bool, config string, duration time.Duration) error {
	if debug {
		log.SetLevel(log.DebugLevel)
	}
	conf, err := loadConfig(config)
	if err != nil {
		return err
	}

	var (
		mu    sync.Mutex
		found = map[string]*device.Session{}
	)
	observer := eventLogger()
	onDiscover := observer.OnDiscover
	observer.OnDiscover = func(s *device.Session) {
		mu.Lock()
		found[s.MacAddress()] = s
		mu.Unlock()
		onDiscover(s)
	}
	listener := discovery.NewListener(conf.listenerConfig(observer))

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	log.Info("scanning...")
	if err := listener.Listen(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	sessions := make([]*device.Session, 0, len(found))
	for _, s := range found {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].MacAddress() < sessions[j].MacAddress() })
	report(sessions)
	return nil
}

// Replay feeds a pcap capture of discovery traffic through a registry and
// reports the devices still alive at the end of the capture.
func Replay(debug bool, path string, port int) error {
	if debug {
		log.SetLevel(log.DebugLevel)
	}

	registry := device.NewRegistry(device.RegistryConfig{Observer: eventLogger()})
	defer registry.Close()

	stats, err := discovery.ReplayPCAPFile(context.Background(), path, port, registry)
	if err != nil {
		return err
	}
	log.Infof("replayed %v discovery packets (%v malformed)", stats.Packets, stats.Malformed)
	report(registry.Sessions())
	return nil
}

func report(sessions []*device.Session) {
	log.Infof("%d device(s)", len(sessions))
	for _, s := range sessions {
		info := s.Info()
		entry := log.WithFields(log.Fields{
			"session":    s.ID(),
			"heartbeats": info.Heartbeats,
			"seen":       info.Observed.Format(time.RFC3339),
		})
		if p := s.Params(); p != nil {
			entry = entry.WithFields(log.Fields{
				"strips":     p.StripsAttached,
				"pixels":     p.PixelsPerStrip,
				"controller": p.ControllerOrdinal,
				"group":      p.GroupOrdinal,
				"port":       p.Port(),
			})
		}
		entry.Infof("%v", s)
	}
}
