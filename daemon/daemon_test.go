package daemon

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/shareannounce/go-shareannounce/adapter"
	"github.com/shareannounce/go-shareannounce/announce"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeBackend struct {
	mu        sync.Mutex
	registers int
	shutdowns int
	ip        netip.Addr

	registerErr error
	faults      chan error
}

func (f *fakeBackend) Register(_, _, _ string, _ int, ip netip.Addr, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers++
	if f.registerErr != nil {
		return f.registerErr
	}
	f.ip = ip
	return nil
}

func (f *fakeBackend) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
}

func (f *fakeBackend) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registers, f.shutdowns
}

// faultyBackend additionally reports asynchronous faults, with a fresh fault
// channel per registration like the real responder backends.
type faultyBackend struct {
	fakeBackend
}

func (f *faultyBackend) Register(_, _, _ string, _ int, ip netip.Addr, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers++
	if f.registerErr != nil {
		return f.registerErr
	}
	f.ip = ip
	f.faults = make(chan error, 1)
	return nil
}

func (f *faultyBackend) Faults() <-chan error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.faults
}

func (f *faultyBackend) fault(err error) {
	f.mu.Lock()
	ch := f.faults
	f.mu.Unlock()
	ch <- err
}

// closeFaults ends the current fault stream so no forwarder stays blocked on
// it after the test.
func (f *faultyBackend) closeFaults() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.faults != nil {
		close(f.faults)
		f.faults = nil
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const goodConfig = `{
	"service_name": "_smb._tcp.local.",
	"instance_name": "Windows-Share",
	"port": 445,
	"hostname": "pc",
	"workgroup": "WORKGROUP",
	"description": "x",
	"bind_address": "192.168.1.11",
	"shares": [{"name": "Docs", "path": "C:\\Docs", "comment": "x"}]
}`

func newTestDaemon(t *testing.T, cfgBody string, backend announce.Backend) *Daemon {
	t.Helper()
	return New(Options{
		ConfigPath:   writeConfig(t, cfgBody),
		GraceTimeout: time.Second,
		NewBackend: func(string) (announce.Backend, error) {
			return backend, nil
		},
	})
}

func TestRunCleanShutdown(t *testing.T) {
	backend := &fakeBackend{}
	d := newTestDaemon(t, goodConfig, backend)

	go func() {
		for d.State() != StateRunning {
			time.Sleep(time.Millisecond)
		}
		d.Shutdown()
	}()

	code := d.run()
	assert.Equal(t, ExitOK, code)
	assert.Equal(t, StateStopped, d.State())

	registers, shutdowns := backend.counts()
	assert.Equal(t, 1, registers)
	assert.Equal(t, 1, shutdowns, "unregister happens exactly once")
	assert.Equal(t, "192.168.1.11", backend.ip.String())
}

func TestRunConfigMissing(t *testing.T) {
	d := New(Options{
		ConfigPath: filepath.Join(t.TempDir(), "nope.json"),
		NewBackend: func(string) (announce.Backend, error) {
			return &fakeBackend{}, nil
		},
	})
	assert.Equal(t, ExitConfig, d.run())
	assert.Equal(t, StateStopped, d.State())
}

func TestRunConfigInvalid(t *testing.T) {
	d := newTestDaemon(t, `{"port": 0}`, &fakeBackend{})
	assert.Equal(t, ExitConfig, d.run())
}

func TestRunNoSuitableAdapter(t *testing.T) {
	cfgNoBind := `{
		"service_name": "_smb._tcp.local.",
		"instance_name": "Windows-Share",
		"port": 445,
		"hostname": "pc",
		"shares": []
	}`

	backend := &fakeBackend{}
	d := newTestDaemon(t, cfgNoBind, backend)
	d.opts.Adapters = func() ([]adapter.Adapter, error) {
		return []adapter.Adapter{
			{Name: "VPN Adapter", Up: true, IPv4: []netip.Addr{netip.MustParseAddr("10.8.0.2")}},
		}, nil
	}

	assert.Equal(t, ExitAdapter, d.run())
	registers, _ := backend.counts()
	assert.Zero(t, registers, "nothing is registered without a bind address")
}

func TestRunAdapterSelection(t *testing.T) {
	cfgNoBind := `{
		"service_name": "_smb._tcp.local.",
		"instance_name": "Windows-Share",
		"port": 445,
		"hostname": "pc",
		"shares": []
	}`

	backend := &fakeBackend{}
	d := newTestDaemon(t, cfgNoBind, backend)
	d.opts.Adapters = func() ([]adapter.Adapter, error) {
		return []adapter.Adapter{
			{Name: "Ethernet", Up: true, IPv4: []netip.Addr{netip.MustParseAddr("192.168.0.7")}},
		}, nil
	}

	go func() {
		for d.State() != StateRunning {
			time.Sleep(time.Millisecond)
		}
		d.Shutdown()
	}()

	assert.Equal(t, ExitOK, d.run())
	assert.Equal(t, "192.168.0.7", backend.ip.String())
}

func TestRunRegistrationFailure(t *testing.T) {
	backend := &fakeBackend{registerErr: errors.New("bind: address in use")}
	d := newTestDaemon(t, goodConfig, backend)

	assert.Equal(t, ExitRegistration, d.run())
	assert.Equal(t, StateStopped, d.State())
}

func TestAsyncFaultReRegisters(t *testing.T) {
	backend := &faultyBackend{}
	t.Cleanup(backend.closeFaults)
	d := newTestDaemon(t, goodConfig, backend)

	done := make(chan int, 1)
	go func() { done <- d.run() }()

	require.Eventually(t, func() bool { return d.State() == StateRunning }, time.Second, time.Millisecond)

	backend.fault(errors.New("network changed"))

	// The faulted handle is released and a fresh registration takes over.
	require.Eventually(t, func() bool {
		registers, shutdowns := backend.counts()
		return registers == 2 && shutdowns == 1
	}, 5*time.Second, 10*time.Millisecond)

	d.Shutdown()
	assert.Equal(t, ExitOK, <-done)
}

func TestSecondFaultEscalates(t *testing.T) {
	backend := &faultyBackend{}
	t.Cleanup(backend.closeFaults)
	d := newTestDaemon(t, goodConfig, backend)

	done := make(chan int, 1)
	go func() { done <- d.run() }()

	require.Eventually(t, func() bool { return d.State() == StateRunning }, time.Second, time.Millisecond)

	backend.fault(errors.New("network changed"))
	require.Eventually(t, func() bool {
		registers, _ := backend.counts()
		return registers == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, StateRunning, d.State(), "daemon keeps running after a successful re-registration")

	// A fault on the replacement registration is not retried again: the
	// daemon shuts down with the registration exit code instead of leaving a
	// dead advertisement behind.
	backend.fault(errors.New("network changed again"))
	assert.Equal(t, ExitRegistration, <-done)
	assert.Equal(t, StateStopped, d.State())

	registers, shutdowns := backend.counts()
	assert.Equal(t, 2, registers, "no third registration attempt")
	assert.Equal(t, 2, shutdowns, "both handles are released")
}

func TestServiceCallbacks(t *testing.T) {
	backend := &fakeBackend{}
	d := newTestDaemon(t, goodConfig, backend)

	prg := &program{d: d, exit: make(chan int, 1)}
	require.NoError(t, prg.Start(nil))

	require.Eventually(t, func() bool { return d.State() == StateRunning }, time.Second, time.Millisecond)

	// The stop callback returns only after cleanup finished.
	require.NoError(t, prg.Stop(nil))
	assert.True(t, d.coord.Stopped())
	assert.Equal(t, StateStopped, d.State())

	registers, shutdowns := backend.counts()
	assert.Equal(t, 1, registers)
	assert.Equal(t, 1, shutdowns)

	assert.Equal(t, ExitOK, <-prg.exit)
}

func TestInstanceLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "daemon.lock")

	backend := &fakeBackend{}
	d := newTestDaemon(t, goodConfig, backend)
	d.opts.LockPath = lockPath

	go func() {
		for d.State() != StateRunning {
			time.Sleep(time.Millisecond)
		}
		d.Shutdown()
	}()

	assert.Equal(t, ExitOK, d.run())
	assert.FileExists(t, lockPath)
}

func TestExitCodeMapping(t *testing.T) {
	assert.Equal(t, ExitConfig, ExitCodeFor(&fatalError{ExitConfig, errors.New("x")}))
	assert.Equal(t, ExitServiceControl, ExitCodeFor(&ServiceControlError{Op: "install", Err: ErrPermissionDenied}))
	assert.Equal(t, ExitFailure, ExitCodeFor(errors.New("unclassified")))
}
