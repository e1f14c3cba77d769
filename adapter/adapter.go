// Package adapter takes a one-shot snapshot of the host's network adapters
// and picks the IPv4 address to advertise.
package adapter

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	shareannounce "github.com/shareannounce/go-shareannounce"
	"github.com/shareannounce/go-shareannounce/config"
)

// ErrNoSuitableAdapter is returned when no up, non-virtual adapter carries a
// private IPv4 address.
var ErrNoSuitableAdapter = errors.New("no suitable network adapter")

// ErrInvalidOverride is returned when the configured bind address override is
// not an IPv4 literal.
var ErrInvalidOverride = errors.New("invalid bind address override")

// Adapter is a snapshot of a single host network interface.
type Adapter struct {
	Name    string
	Up      bool
	Virtual bool
	IPv4    []netip.Addr
}

// Name fragments that mark tunnel, VPN and hypervisor interfaces. Matched
// case-insensitively against the interface name.
var virtualNameHints = []string{
	"virtual", "vpn", "hyper-v", "bluetooth", "vethernet",
	"docker", "veth", "tun", "tap", "tailscale", "zerotier", "wg",
}

var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
}

// Snapshot enumerates the host's interfaces once. The result is never
// refreshed, adapter changes require a daemon restart.
func Snapshot() ([]Adapter, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed enumerating network interfaces: %w", err)
	}

	adapters := make([]Adapter, 0, len(ifaces))
	for _, iface := range ifaces {
		a := Adapter{
			Name: iface.Name,
			Up:   iface.Flags&net.FlagUp != 0,
		}

		addrs, err := iface.Addrs()
		if err != nil {
			// Keep the adapter with no addresses, classification below
			// marks it virtual.
			addrs = nil
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				a.IPv4 = append(a.IPv4, netip.AddrFrom4([4]byte(ip4)))
			}
		}

		a.Virtual = classifyVirtual(a) || iface.Flags&net.FlagLoopback != 0
		adapters = append(adapters, a)
	}
	return adapters, nil
}

// classifyVirtual applies the virtual-adapter heuristic: a telltale name, or
// no IPv4 address in a private range at all.
func classifyVirtual(a Adapter) bool {
	name := strings.ToLower(a.Name)
	for _, hint := range virtualNameHints {
		if strings.Contains(name, hint) {
			return true
		}
	}
	for _, addr := range a.IPv4 {
		if isPrivate(addr) {
			return false
		}
	}
	return true
}

func isPrivate(addr netip.Addr) bool {
	for _, p := range privateRanges {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// SelectBindAddress resolves the IPv4 address to bind and advertise. A
// configured bind_address always wins and skips adapter enumeration entirely.
// Otherwise the first up, non-virtual adapter with a private IPv4 address is
// chosen, in enumeration order. The result depends only on the arguments.
func SelectBindAddress(cfg *config.Config, adapters []Adapter) (netip.Addr, error) {
	if cfg.BindAddress != "" {
		addr, err := netip.ParseAddr(cfg.BindAddress)
		if err != nil || !addr.Is4() {
			return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidOverride, cfg.BindAddress)
		}
		return addr, nil
	}

	for _, a := range adapters {
		if !a.Up || a.Virtual || classifyVirtual(a) {
			continue
		}
		for _, addr := range a.IPv4 {
			if isPrivate(addr) {
				return addr, nil
			}
		}
	}
	return netip.Addr{}, ErrNoSuitableAdapter
}

// LogSnapshot writes the adapter snapshot at debug level, one line per
// adapter.
func LogSnapshot(log shareannounce.Logger, adapters []Adapter) {
	for _, a := range adapters {
		addrs := make([]string, len(a.IPv4))
		for i, addr := range a.IPv4 {
			addrs[i] = addr.String()
		}
		log.WithField("adapter", a.Name).
			Debugf("up=%t virtual=%t ipv4=%s", a.Up, a.Virtual, strings.Join(addrs, ","))
	}
}
