package announce

import (
	"context"
	"fmt"
	"strings"

	"github.com/grandcat/zeroconf"

	shareannounce "github.com/shareannounce/go-shareannounce"
)

// Browse performs a read-only scan for instances of serviceType and logs each
// resolved entry. It returns the number of instances seen when ctx expires.
// Diagnostic only, the daemon never browses.
func Browse(ctx context.Context, serviceType string, log shareannounce.Logger) (int, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return 0, fmt.Errorf("failed creating resolver: %w", err)
	}

	service, domain := splitServiceType(serviceType)
	entries := make(chan *zeroconf.ServiceEntry)

	// Browse blocks until ctx is done, the library closes the channel.
	go func() {
		if err := resolver.Browse(ctx, strings.TrimSuffix(service, "."), domain, entries); err != nil {
			log.WithError(err).Warn("browse ended with error")
		}
	}()

	found := 0
	for entry := range entries {
		found++
		log.WithField("instance", entry.Instance).
			Infof("found %s at %s:%d %v txt=%v", entry.Service, entry.HostName, entry.Port, entry.AddrIPv4, entry.Text)
	}
	return found, nil
}
