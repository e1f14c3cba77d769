package announce

import (
	"fmt"
	"net/netip"
	"sort"
)

// Backend is the discovery-protocol collaborator. Implementations publish a
// single DNS-SD advertisement and withdraw it on Shutdown. The wire protocol
// (record encoding, multicast, conflict resolution) lives entirely behind
// this interface.
type Backend interface {
	// Register publishes the advertisement.
	// instance: service instance name (e.g. "Windows-Share")
	// serviceType: fully-qualified type (e.g. "_smb._tcp.local.")
	// hostname: target host, fully qualified (e.g. "pc.local.")
	// port: service port
	// ip: the address resolved for the host
	// txt: TXT record key=value pairs
	Register(instance, serviceType, hostname string, port int, ip netip.Addr, txt []string) error

	// Shutdown withdraws the advertisement and releases resources.
	Shutdown()
}

// FaultReporter is implemented by backends that can report an asynchronous
// registration fault after Register has returned.
type FaultReporter interface {
	Faults() <-chan error
}

var backendFactories = map[string]func() (Backend, error){}

func registerBackendFactory(name string, f func() (Backend, error)) {
	backendFactories[name] = f
}

// NewBackend instantiates the named discovery backend.
func NewBackend(name string) (Backend, error) {
	f, ok := backendFactories[name]
	if !ok {
		return nil, fmt.Errorf("unknown discovery backend: %s", name)
	}
	return f()
}

// Backends lists the registered backend names, sorted.
func Backends() []string {
	names := make([]string, 0, len(backendFactories))
	for name := range backendFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// splitServiceType splits a fully-qualified type like "_smb._tcp.local." into
// the bare type and domain expected by the mDNS libraries.
func splitServiceType(serviceType string) (service, domain string) {
	const suffix = ".local."
	if len(serviceType) > len(suffix) && serviceType[len(serviceType)-len(suffix):] == suffix {
		return serviceType[:len(serviceType)-len(suffix)], "local."
	}
	return serviceType, "local."
}
