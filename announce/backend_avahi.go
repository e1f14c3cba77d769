package announce

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	avahiService         = "org.freedesktop.Avahi"
	avahiServerPath      = "/"
	avahiServerIface     = "org.freedesktop.Avahi.Server"
	avahiEntryGroupIface = "org.freedesktop.Avahi.EntryGroup"

	avahiIfUnspec    = int32(-1) // all interfaces
	avahiProtoInet   = int32(0)  // AVAHI_PROTO_INET, IPv4 only
	avahiProtoUnspec = int32(-1)
)

func init() {
	registerBackendFactory("avahi", func() (Backend, error) {
		return newAvahiBackend()
	})
}

// avahiBackend publishes through a running avahi-daemon via D-Bus, sharing
// the system's mDNS responder instead of running our own.
//
// Compatibility: requires avahi-daemon 0.6.x or later (stable D-Bus API).
type avahiBackend struct {
	conn       *dbus.Conn
	entryGroup dbus.BusObject
}

func newAvahiBackend() (*avahiBackend, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}

	// Probe with GetHostName, available in every avahi version.
	server := conn.Object(avahiService, avahiServerPath)
	var hostname string
	if err := server.Call(avahiServerIface+".GetHostName", 0).Store(&hostname); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to connect to avahi-daemon (is it running?): %w", err)
	}

	return &avahiBackend{conn: conn}, nil
}

func (a *avahiBackend) Register(instance, serviceType, hostname string, port int, ip netip.Addr, txt []string) error {
	server := a.conn.Object(avahiService, avahiServerPath)

	var groupPath dbus.ObjectPath
	if err := server.Call(avahiServerIface+".EntryGroupNew", 0).Store(&groupPath); err != nil {
		return fmt.Errorf("failed to create entry group: %w", err)
	}
	a.entryGroup = a.conn.Object(avahiService, groupPath)

	txtBytes := make([][]byte, len(txt))
	for i, t := range txt {
		txtBytes[i] = []byte(t)
	}

	service, _ := splitServiceType(serviceType)
	host := strings.TrimSuffix(hostname, ".")

	// AddService signature: iiussssqaay
	err := a.entryGroup.Call(avahiEntryGroupIface+".AddService", 0,
		avahiIfUnspec,
		avahiProtoInet,
		uint32(0),    // publish flags
		instance,     // service instance name
		service,      // bare type, e.g. "_smb._tcp"
		"local",      // domain
		host,         // target host
		uint16(port), // port
		txtBytes,     // TXT records
	).Err
	if err != nil {
		return fmt.Errorf("failed to add service: %w", err)
	}

	// Publish the target host as an address record too, avahi will not
	// resolve a host it does not own otherwise.
	err = a.entryGroup.Call(avahiEntryGroupIface+".AddAddress", 0,
		avahiIfUnspec,
		avahiProtoInet,
		uint32(16), // AVAHI_PUBLISH_NO_REVERSE
		host,
		ip.String(),
	).Err
	if err != nil {
		return fmt.Errorf("failed to add address record: %w", err)
	}

	if err := a.entryGroup.Call(avahiEntryGroupIface+".Commit", 0).Err; err != nil {
		return fmt.Errorf("failed to commit entry group: %w", err)
	}
	return nil
}

func (a *avahiBackend) Shutdown() {
	if a.entryGroup != nil {
		// Freeing the entry group also unpublishes the service.
		_ = a.entryGroup.Call(avahiEntryGroupIface+".Free", 0).Err
		a.entryGroup = nil
	}
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
}
