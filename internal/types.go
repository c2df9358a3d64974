package internal

import (
	"net"
	"time"
)

type conf struct {
	Discovery confDiscovery        `yaml:"discovery"`
	Input     confInput            `yaml:"input"`
	Output    map[string]confLight `yaml:"output"`
}

type confDiscovery struct {
	IP            net.IP        `yaml:"ip"`
	Port          int           `yaml:"port"`
	RcvBuf        int           `yaml:"rcvBuf"`
	Timeout       time.Duration `yaml:"timeout"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// confInput is the sACN input. A zero port disables it.
type confInput struct {
	IP   net.IP `yaml:"ip"`
	Port int    `yaml:"port"`
	// Interface names the NIC multicast groups are joined on. Empty uses
	// the system default.
	Interface string `yaml:"interface"`
}

// confLight routes a device to a universe, overriding what it reports.
type confLight struct {
	MACAddress string `yaml:"mac"`
	Universe   uint16 `yaml:"universe"`
	Channel    uint16 `yaml:"channel"`
}

// parseMAC returns mac in the canonical notation the registry keys on.
func parseMAC(mac string) (string, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return "", err
	}
	return hw.String(), nil
}
