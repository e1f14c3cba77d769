package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kardianos/service"

	shareannounce "github.com/shareannounce/go-shareannounce"
	"github.com/shareannounce/go-shareannounce/config"
)

// Host service identity, fixed: the service manager addresses the daemon by
// this name for install/start/stop/status.
const (
	ServiceName        = "shareannounced"
	serviceDisplayName = "Share Announce"
	serviceDescription = "Advertises file shares on the local network via DNS-SD/mDNS."
)

// Service-control failure kinds.
var (
	ErrPermissionDenied = errors.New("permission denied, run elevated")
	ErrAlreadyInstalled = errors.New("service already installed")
	ErrNotInstalled     = errors.New("service not installed")
)

// ServiceControlError wraps a fault from the host service-control backend.
type ServiceControlError struct {
	Op  string
	Err error
}

func (e *ServiceControlError) Error() string {
	return fmt.Sprintf("service control %s: %v", e.Op, e.Err)
}
func (e *ServiceControlError) Unwrap() error { return e.Err }

func svcConfig() *service.Config {
	return &service.Config{
		Name:        ServiceName,
		DisplayName: serviceDisplayName,
		Description: serviceDescription,
	}
}

// Interactive reports whether the process was launched from a terminal rather
// than by the host service manager.
func Interactive() bool {
	return service.Interactive()
}

// program bridges the host service-control callbacks onto the daemon's
// shutdown coordinator. Start and Stop are the two external events driving
// the state machine; neither touches the registration handle directly.
type program struct {
	d    *Daemon
	exit chan int
}

func (p *program) Start(service.Service) error {
	// Start must return promptly, the run loop gets its own goroutine.
	go func() { p.exit <- p.d.run() }()
	return nil
}

func (p *program) Stop(service.Service) error {
	p.d.coord.RequestShutdown()

	// Acknowledge only once cleanup is done, bounded so a stuck unregister
	// cannot hang the service manager.
	select {
	case <-p.d.coord.StoppedChan():
	case <-time.After(p.d.opts.GraceTimeout + time.Second):
		p.d.log.Warn("stop acknowledged before cleanup completed")
	}
	return nil
}

// RunService runs under the host service manager, wiring its start/stop
// callbacks to the daemon lifecycle. Returns the process exit code.
func (d *Daemon) RunService() int {
	prg := &program{d: d, exit: make(chan int, 1)}
	s, err := service.New(prg, svcConfig())
	if err != nil {
		d.log.WithError(err).Error("failed creating service handle")
		return ExitServiceControl
	}

	if err := s.Run(); err != nil {
		d.log.WithError(err).Error("service run failed")
		return ExitServiceControl
	}

	// The run loop pushes its exit code right after MarkStopped, give it a
	// moment to land.
	select {
	case code := <-prg.exit:
		return code
	case <-time.After(time.Second):
		return ExitOK
	}
}

// Install registers this executable with the host service manager and seeds
// the default configuration file when none exists. Requires elevation.
func Install(log shareannounce.Logger) error {
	s, err := service.New(&program{}, svcConfig())
	if err != nil {
		return &ServiceControlError{Op: "install", Err: err}
	}

	if err := s.Install(); err != nil {
		return &ServiceControlError{Op: "install", Err: classifyServiceErr(err)}
	}
	log.Infof("installed service %s", ServiceName)

	path := config.DefaultPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &ServiceControlError{Op: "install", Err: err}
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := config.Default().Save(path); err != nil {
			return &ServiceControlError{Op: "install", Err: err}
		}
		log.Infof("wrote default configuration to %s", path)
	}
	return nil
}

// Uninstall removes the service registration. The configuration file is left
// in place.
func Uninstall(log shareannounce.Logger) error {
	s, err := service.New(&program{}, svcConfig())
	if err != nil {
		return &ServiceControlError{Op: "uninstall", Err: err}
	}

	if err := s.Uninstall(); err != nil {
		return &ServiceControlError{Op: "uninstall", Err: classifyServiceErr(err)}
	}
	log.Infof("uninstalled service %s", ServiceName)
	return nil
}

// classifyServiceErr maps the service manager's stringly-typed failures onto
// the taxonomy. Unrecognized faults pass through as the backend cause.
func classifyServiceErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case os.IsPermission(err) || strings.Contains(msg, "access is denied") || strings.Contains(msg, "permission denied"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "already exists"):
		return fmt.Errorf("%w: %v", ErrAlreadyInstalled, err)
	case errors.Is(err, fs.ErrNotExist) || strings.Contains(msg, "not installed") || strings.Contains(msg, "does not exist"):
		return fmt.Errorf("%w: %v", ErrNotInstalled, err)
	default:
		return err
	}
}
