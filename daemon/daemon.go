// Package daemon hosts the advertisement lifecycle: it loads the
// configuration, selects the bind address, registers the advertisement and
// holds it until a termination is requested, then withdraws it with a bounded
// grace window.
package daemon

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"

	shareannounce "github.com/shareannounce/go-shareannounce"
	"github.com/shareannounce/go-shareannounce/adapter"
	"github.com/shareannounce/go-shareannounce/announce"
	"github.com/shareannounce/go-shareannounce/config"
	"github.com/shareannounce/go-shareannounce/lifecycle"
)

// Exit codes. Stable across releases, scripts depend on them.
const (
	ExitOK             = 0
	ExitFailure        = 1
	ExitConfig         = 2
	ExitAdapter        = 3
	ExitRegistration   = 4
	ExitServiceControl = 5
)

const (
	// DefaultGraceTimeout bounds the unregister step at shutdown.
	// Unregistration is best effort, it never blocks process exit past this.
	DefaultGraceTimeout = 5 * time.Second

	// reRegisterDelay is the pause before retrying registration after an
	// asynchronous backend fault.
	reRegisterDelay = 2 * time.Second
)

// State of the daemon's top-level machine.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopPending
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopPending:
		return "stop-pending"
	default:
		return "stopped"
	}
}

// Options configures a Daemon. Zero values fall back to the fixed config
// path, the builtin backend choice from the config file and the default grace
// timeout.
type Options struct {
	ConfigPath   string
	Backend      string // overrides the config file's backend when set
	GraceTimeout time.Duration
	LockPath     string
	Log          shareannounce.Logger

	// Adapters substitutes the network enumeration collaborator, tests feed
	// synthetic snapshots through it.
	Adapters func() ([]adapter.Adapter, error)

	// NewBackend substitutes the discovery-protocol collaborator.
	NewBackend func(name string) (announce.Backend, error)
}

// Daemon is the top-level service host.
type Daemon struct {
	opts  Options
	log   shareannounce.Logger
	coord *lifecycle.Coordinator
	reg   *announce.Registrar

	state atomic.Int32

	// handleMu guards handle and bindIP. Only the run loop and the fault
	// watcher touch them, other goroutines just signal the coordinator.
	handleMu sync.Mutex
	handle   *announce.Handle
	bindIP   netip.Addr

	cfg  *config.Config
	lock *flock.Flock

	// exitErr is set by the fault watcher before it requests shutdown; the
	// channel close orders it before the run loop's read.
	exitErr error
}

func New(opts Options) *Daemon {
	if opts.Log == nil {
		opts.Log = &shareannounce.NullLogger{}
	}
	if opts.GraceTimeout <= 0 {
		opts.GraceTimeout = DefaultGraceTimeout
	}
	if opts.ConfigPath == "" {
		opts.ConfigPath = config.DefaultPath()
	}
	if opts.Adapters == nil {
		opts.Adapters = adapter.Snapshot
	}

	d := &Daemon{opts: opts, log: opts.Log, coord: lifecycle.New()}
	if opts.NewBackend != nil {
		d.reg = announce.NewRegistrarWithBackend(opts.Log, opts.NewBackend)
	} else {
		d.reg = announce.NewRegistrar(opts.Log)
	}
	return d
}

// State returns the current lifecycle state.
func (d *Daemon) State() State {
	return State(d.state.Load())
}

func (d *Daemon) setState(s State) {
	d.state.Store(int32(s))
	d.log.Debugf("state: %s", s)
}

// Shutdown requests termination. Safe from any goroutine.
func (d *Daemon) Shutdown() {
	d.coord.RequestShutdown()
}

// Run executes the foreground lifecycle with OS signal handling and returns
// the process exit code.
func (d *Daemon) Run() int {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			d.log.Infof("received %s, shutting down", sig)
			d.coord.RequestShutdown()
		case <-d.coord.Done():
		}
	}()

	code := d.run()
	// Release the signal listener when startup failed before any shutdown
	// request.
	d.coord.RequestShutdown()
	return code
}

// run drives Starting -> Running -> StopPending -> Stopped. The run loop is
// the only place the advertisement is unregistered.
func (d *Daemon) run() int {
	if err := d.start(); err != nil {
		d.log.WithError(err).Error("startup failed")
		d.stop()
		d.coord.MarkStopped()
		return ExitCodeFor(err)
	}

	go d.watchFaults()

	d.coord.Wait(0)
	d.setState(StateStopPending)
	d.stop()
	d.coord.MarkStopped()

	if d.exitErr != nil {
		return ExitCodeFor(d.exitErr)
	}
	d.log.Info("clean shutdown")
	return ExitOK
}

type fatalError struct {
	code int
	err  error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// ExitCodeFor maps an error to its failure-domain exit code.
func ExitCodeFor(err error) int {
	var fatal *fatalError
	if errors.As(err, &fatal) {
		return fatal.code
	}
	var svcErr *ServiceControlError
	if errors.As(err, &svcErr) {
		return ExitServiceControl
	}
	return ExitFailure
}

func (d *Daemon) start() error {
	d.setState(StateStarting)

	if d.opts.LockPath != "" {
		d.lock = flock.New(d.opts.LockPath)
		locked, err := d.lock.TryLock()
		if err != nil {
			return &fatalError{ExitRegistration, fmt.Errorf("failed acquiring instance lock %s: %w", d.opts.LockPath, err)}
		}
		if !locked {
			return &fatalError{ExitRegistration, fmt.Errorf("%w: another instance holds %s", announce.ErrAlreadyRegistered, d.opts.LockPath)}
		}
	}

	cfg, err := config.Load(d.opts.ConfigPath)
	if err != nil {
		return &fatalError{ExitConfig, err}
	}
	if d.opts.Backend != "" {
		cfg.Backend = d.opts.Backend
	}
	d.cfg = cfg
	d.log.WithField("config", d.opts.ConfigPath).
		Infof("advertising %q as %s on port %d (backend %s)", cfg.InstanceName, cfg.ServiceName, cfg.Port, cfg.Backend)

	// A manual bind_address override skips adapter enumeration entirely.
	var adapters []adapter.Adapter
	if cfg.BindAddress == "" {
		adapters, err = d.opts.Adapters()
		if err != nil {
			return &fatalError{ExitAdapter, err}
		}
		adapter.LogSnapshot(d.log, adapters)
	} else {
		d.log.Infof("using configured bind address %s", cfg.BindAddress)
	}

	bindIP, err := adapter.SelectBindAddress(cfg, adapters)
	if err != nil {
		return &fatalError{ExitAdapter, err}
	}
	d.log.Infof("selected bind address %s", bindIP)

	handle, err := d.reg.Register(cfg, bindIP)
	if err != nil {
		return &fatalError{ExitRegistration, err}
	}

	d.handleMu.Lock()
	d.handle, d.bindIP = handle, bindIP
	d.handleMu.Unlock()

	d.setState(StateRunning)
	return nil
}

// stop performs the StopPending work: one unregister attempt bounded by the
// grace timeout, then the instance lock is released.
func (d *Daemon) stop() {
	d.handleMu.Lock()
	handle := d.handle
	d.handle = nil
	d.handleMu.Unlock()

	if handle != nil {
		done := make(chan struct{})
		go func() {
			_ = d.reg.Unregister(handle)
			close(done)
		}()

		select {
		case <-done:
			d.log.Info("advertisement unregistered")
		case <-time.After(d.opts.GraceTimeout):
			d.log.Warnf("unregister did not complete within %s, exiting anyway", d.opts.GraceTimeout)
		}
	}

	if d.lock != nil {
		if err := d.lock.Unlock(); err != nil {
			d.log.WithError(err).Warn("failed releasing instance lock")
		}
		d.lock = nil
	}

	d.setState(StateStopped)
}

// watchFaults handles asynchronous registration faults reported by the
// backend: one re-registration attempt with a single retry, then escalation
// to shutdown on any further fault. Never an unbounded retry loop, and never
// a silent dead advertisement: the watcher stays armed for as long as the
// daemon runs.
func (d *Daemon) watchFaults() {
	reRegistered := false
	for {
		select {
		case err := <-d.reg.Faults():
			if err == nil {
				continue
			}
			if reRegistered {
				d.log.WithError(err).Error("registration faulted again, shutting down")
				d.exitErr = &fatalError{ExitRegistration, err}
				d.coord.RequestShutdown()
				return
			}
			d.log.WithError(err).Warn("registration fault, attempting re-registration")
			if rerr := d.reRegister(); rerr != nil {
				d.log.WithError(rerr).Error("re-registration failed, shutting down")
				d.exitErr = &fatalError{ExitRegistration, rerr}
				d.coord.RequestShutdown()
				return
			}
			reRegistered = true
		case <-d.coord.Done():
			return
		}
	}
}

func (d *Daemon) reRegister() error {
	d.handleMu.Lock()
	defer d.handleMu.Unlock()

	if d.handle != nil {
		_ = d.reg.Unregister(d.handle)
		d.handle = nil
	}

	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(reRegisterDelay), 1)
	return backoff.Retry(func() error {
		handle, err := d.reg.Register(d.cfg, d.bindIP)
		if err != nil {
			return err
		}
		d.handle = handle
		d.log.Info("re-registered advertisement")
		return nil
	}, bo)
}
