package internal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/kpelzel/pixel-pusher/internal/device"
	"github.com/kpelzel/pixel-pusher/internal/discovery"
	"github.com/kpelzel/pixel-pusher/internal/sacn"
)

// StartPixelPusher discovers PixelPusher devices and, when an sACN input is
// configured, drives them from the incoming universes until interrupted.
func StartPixelPusher(debug bool, config string) error {
	if debug {
		log.SetLevel(log.DebugLevel)
	}

	conf, err := loadConfig(config)
	if err != nil {
		return err
	}
	log.Debugf("config: %+v", conf)

	var ifi *net.Interface
	if conf.Input.Interface != "" {
		if ifi, err = net.InterfaceByName(conf.Input.Interface); err != nil {
			return fmt.Errorf("failed to find input interface %v: %v", conf.Input.Interface, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listener := discovery.NewListener(conf.listenerConfig(eventLogger()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return listener.Listen(ctx)
	})
	if conf.Input.Port != 0 {
		bridge := sacn.NewBridge(sacn.BridgeConfig{
			IP:        conf.Input.IP,
			Port:      conf.Input.Port,
			Interface: ifi,
			Registry:  listener.Registry(),
			Routes:    conf.routes(),
		})
		g.Go(func() error {
			return bridge.Listen(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shutting down")
	return nil
}

// loadConfig reads the yaml config at path. A missing file yields the
// defaults.
func loadConfig(path string) (*conf, error) {
	c := &conf{}

	confBytes, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Infof("config file %v not found, using defaults", path)
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %v", err)
	default:
		if err := yaml.Unmarshal(confBytes, c); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %v", err)
		}
	}

	if c.Discovery.Timeout == 0 {
		c.Discovery.Timeout = device.DefaultTimeout
	}
	if c.Discovery.SweepInterval == 0 {
		c.Discovery.SweepInterval = device.DefaultSweepInterval
	}
	for name, l := range c.Output {
		if _, err := parseMAC(l.MACAddress); err != nil {
			return nil, fmt.Errorf("failed to parse mac address of output[%v]: %v", name, err)
		}
	}
	return c, nil
}

func (c *conf) listenerConfig(observer device.Observer) discovery.Config {
	return discovery.Config{
		IP:            c.Discovery.IP,
		Port:          c.Discovery.Port,
		RcvBuf:        c.Discovery.RcvBuf,
		Timeout:       c.Discovery.Timeout,
		SweepInterval: c.Discovery.SweepInterval,
		Observer:      observer,
	}
}

func (c *conf) routes() map[string]sacn.Route {
	routes := make(map[string]sacn.Route, len(c.Output))
	for _, l := range c.Output {
		mac, _ := parseMAC(l.MACAddress)
		routes[mac] = sacn.Route{Universe: l.Universe, Channel: l.Channel}
	}
	return routes
}

// eventLogger reports device lifecycle signals in the log.
func eventLogger() device.ObserverFuncs {
	return device.ObserverFuncs{
		OnDiscover: func(s *device.Session) {
			if p := s.Params(); p != nil {
				log.Infof("found device: %v strips=%v pixels=%v port=%v period=%v", s, p.StripsAttached, p.PixelsPerStrip, p.Port(), p.UpdatePeriod)
			} else {
				log.Infof("found device: %v", s)
			}
		},
		OnUpdate: func(s *device.Session) {
			if p := s.Params(); p != nil {
				log.Debugf("update from %v: period=%v delta=%v power=%v", s, p.UpdatePeriod, p.DeltaSequence, p.PowerTotal)
			}
		},
		OnTimeout: func(s *device.Session) {
			log.Warnf("%v has timed out, awaiting re-discovery", s)
		},
		OnError: func(err error) {
			log.Errorf("pixel pusher error: %v", err)
		},
	}
}
