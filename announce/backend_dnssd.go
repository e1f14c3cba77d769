package announce

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/brutella/dnssd"
)

func init() {
	registerBackendFactory("dnssd", func() (Backend, error) {
		return &dnssdBackend{}, nil
	})
}

// dnssdBackend advertises through the brutella/dnssd responder. Respond runs
// until the context is cancelled, so faults after a successful Register
// surface on the Faults channel instead of the Register return value.
type dnssdBackend struct {
	cancel context.CancelFunc
	faults chan error
}

func (d *dnssdBackend) Register(instance, serviceType, hostname string, port int, ip netip.Addr, txt []string) error {
	service, _ := splitServiceType(serviceType)

	text := make(map[string]string, len(txt))
	for _, entry := range txt {
		key, value, _ := strings.Cut(entry, "=")
		text[key] = value
	}

	cfg := dnssd.Config{
		Name:   instance,
		Type:   strings.TrimSuffix(service, "."),
		Domain: "local",
		Host:   strings.TrimSuffix(strings.TrimSuffix(hostname, "."), ".local"),
		IPs:    []net.IP{net.IP(ip.AsSlice())},
		Text:   text,
		Port:   port,
	}

	sv, err := dnssd.NewService(cfg)
	if err != nil {
		return fmt.Errorf("failed to create dnssd service: %w", err)
	}

	rp, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("failed to create dnssd responder: %w", err)
	}
	if _, err := rp.Add(sv); err != nil {
		return fmt.Errorf("failed to add dnssd service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.faults = make(chan error, 1)
	go func() {
		err := rp.Respond(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			d.faults <- err
		}
		close(d.faults)
	}()
	return nil
}

func (d *dnssdBackend) Faults() <-chan error {
	return d.faults
}

func (d *dnssdBackend) Shutdown() {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}
