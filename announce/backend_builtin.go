package announce

import (
	"net/netip"
	"strings"

	"github.com/grandcat/zeroconf"
)

func init() {
	registerBackendFactory("builtin", func() (Backend, error) {
		return &builtinBackend{}, nil
	})
}

// builtinBackend advertises through the pure-Go mDNS responder from
// grandcat/zeroconf. RegisterProxy is used instead of Register so the
// advertised hostname and address come from the adapter selection, not from
// whatever the OS reports.
type builtinBackend struct {
	server *zeroconf.Server
}

func (b *builtinBackend) Register(instance, serviceType, hostname string, port int, ip netip.Addr, txt []string) (err error) {
	service, domain := splitServiceType(serviceType)
	host := strings.TrimSuffix(hostname, ".")
	b.server, err = zeroconf.RegisterProxy(instance, service, domain, port, host, []string{ip.String()}, txt, nil)
	return err
}

func (b *builtinBackend) Shutdown() {
	if b.server != nil {
		b.server.Shutdown()
		b.server = nil
	}
}
