// Package announce builds the DNS-SD advertisement for a share configuration
// and drives register/unregister against a pluggable discovery backend.
package announce

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"

	shareannounce "github.com/shareannounce/go-shareannounce"
	"github.com/shareannounce/go-shareannounce/config"
)

// TXT payload limits. Each entry must fit a single DNS character-string, the
// whole payload follows the RFC 6763 guidance for records that should fit one
// ethernet frame. Oversized payloads are rejected, never truncated.
const (
	maxTxtEntryLen   = 255
	maxTxtPayloadLen = 1300
)

// ErrTxtTooLarge is returned when the encoded TXT payload exceeds the
// per-record ceiling.
var ErrTxtTooLarge = errors.New("TXT payload exceeds record size limit")

// ErrAlreadyRegistered is returned when Register is called while a handle is
// still live.
var ErrAlreadyRegistered = errors.New("advertisement already registered")

// BackendError wraps a fault reported by the discovery backend.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string { return fmt.Sprintf("discovery backend %s: %v", e.Op, e.Err) }
func (e *BackendError) Unwrap() error { return e.Err }

// Handle represents one live advertisement. It is released exactly once, by
// Unregister or by process exit.
type Handle struct {
	backend Backend
	release sync.Once
}

// Registrar owns at most one live advertisement at a time.
type Registrar struct {
	log shareannounce.Logger

	newBackend func(name string) (Backend, error)

	mu     sync.Mutex
	active *Handle
	faults chan error
}

// NewRegistrar creates a registrar using the named backend factory set.
func NewRegistrar(log shareannounce.Logger) *Registrar {
	return &Registrar{log: log, newBackend: NewBackend, faults: make(chan error, 1)}
}

// NewRegistrarWithBackend creates a registrar with a custom backend
// constructor, used by tests to substitute the collaborator.
func NewRegistrarWithBackend(log shareannounce.Logger, newBackend func(name string) (Backend, error)) *Registrar {
	return &Registrar{log: log, newBackend: newBackend, faults: make(chan error, 1)}
}

// BuildTXT encodes the share metadata as TXT key=value pairs: the standard
// SMB records, the workgroup and description, and one entry per share.
// Backslashes in share paths are normalized to forward slashes.
func BuildTXT(cfg *config.Config) ([]string, error) {
	txt := []string{
		"vers=3.0",
		"nt=hardware",
		"flags=1",
		"workgroup=" + cfg.Workgroup,
		"description=" + cfg.Description,
	}
	for _, share := range cfg.Shares {
		path := strings.ReplaceAll(share.Path, "\\", "/")
		txt = append(txt, fmt.Sprintf("share.%s=%s|%s", share.Name, path, share.Comment))
	}

	total := 0
	for _, entry := range txt {
		if len(entry) > maxTxtEntryLen {
			key, _, _ := strings.Cut(entry, "=")
			return nil, fmt.Errorf("%w: entry %q is %d bytes, limit %d", ErrTxtTooLarge, key, len(entry), maxTxtEntryLen)
		}
		total += len(entry) + 1 // length prefix byte on the wire
	}
	if total > maxTxtPayloadLen {
		return nil, fmt.Errorf("%w: payload is %d bytes, limit %d", ErrTxtTooLarge, total, maxTxtPayloadLen)
	}
	return txt, nil
}

// Register builds the TXT payload and publishes the advertisement at bindIP.
// At most one handle is live at a time.
func (r *Registrar) Register(cfg *config.Config, bindIP netip.Addr) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return nil, ErrAlreadyRegistered
	}

	txt, err := BuildTXT(cfg)
	if err != nil {
		return nil, err
	}

	backend, err := r.newBackend(cfg.Backend)
	if err != nil {
		return nil, &BackendError{Op: "init", Err: err}
	}

	if err := backend.Register(cfg.InstanceName, cfg.ServiceName, cfg.Hostname, cfg.Port, bindIP, txt); err != nil {
		backend.Shutdown()
		return nil, &BackendError{Op: "register", Err: err}
	}

	handle := &Handle{backend: backend}
	r.active = handle

	if fr, ok := backend.(FaultReporter); ok {
		go r.watchFaults(fr)
	}

	r.log.WithField("instance", cfg.InstanceName).
		Infof("registered %s on port %d at %s", cfg.ServiceName, cfg.Port, bindIP)
	return handle, nil
}

// watchFaults forwards a single asynchronous backend fault. A closed fault
// channel (clean shutdown) forwards nothing.
func (r *Registrar) watchFaults(fr FaultReporter) {
	for err := range fr.Faults() {
		if err == nil {
			continue
		}
		select {
		case r.faults <- &BackendError{Op: "respond", Err: err}:
		default:
		}
		return
	}
}

// Faults reports asynchronous registration faults from the backend, at most
// one per registration.
func (r *Registrar) Faults() <-chan error {
	return r.faults
}

// Unregister withdraws the advertisement. Calling it again, or with a nil
// handle, is a no-op.
func (r *Registrar) Unregister(handle *Handle) error {
	if handle == nil {
		return nil
	}
	handle.release.Do(func() {
		handle.backend.Shutdown()
	})

	r.mu.Lock()
	if r.active == handle {
		r.active = nil
	}
	r.mu.Unlock()
	return nil
}
