package supervisor

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gridpp/xrootdrestart/pkg/config"
	"github.com/gridpp/xrootdrestart/pkg/remote"
)

// fakeDialer hands out channels whose services obediently stop and start,
// with an optional set of unreachable hosts.
type fakeDialer struct {
	mu     sync.Mutex
	bad    map[string]bool
	dialed []string
}

func (d *fakeDialer) Dial(host string) (remote.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed = append(d.dialed, host)
	if d.bad[host] {
		return nil, errors.New("connection refused")
	}
	return &fakeChannel{inactive: map[string]bool{}}, nil
}

func (d *fakeDialer) dials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dialed...)
}

type fakeChannel struct {
	inactive map[string]bool
}

func (c *fakeChannel) Exec(command string) (string, string, error) {
	fields := strings.Fields(command)
	verb, svc := fields[2], fields[3]
	switch verb {
	case "stop":
		c.inactive[svc] = true
	case "start":
		c.inactive[svc] = false
	case "is-active":
		if c.inactive[svc] {
			return "inactive", "", nil
		}
		return "active", "", nil
	}
	return "", "", nil
}

func (c *fakeChannel) Close() error { return nil }

func testConfig(servers ...string) *config.Config {
	cfg := config.New()
	cfg.Hostname = "supervisor.example.org"
	cfg.Servers = servers
	cfg.AlertURL = "" // alerting off unless a test wires a sink
	cfg.MetricsMethod = config.Pull
	cfg.MetricsPort = 0
	cfg.CmsdPeriod = 90
	cfg.CmsdWait = 0
	cfg.ServiceTimeout = 1
	cfg.MinOK = 1
	return cfg
}

func newTestSupervisor(t *testing.T, cfg *config.Config, dialer remote.Dialer) *Supervisor {
	t.Helper()
	s, err := New(cfg, WithDialer(dialer),
		WithPollInterval(10*time.Millisecond),
		WithHeartbeatInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("New returned an error: %s", err)
	}
	return s
}

func runAsync(s *Supervisor) chan int {
	done := make(chan int, 1)
	go func() { done <- s.Run() }()
	return done
}

func waitExit(t *testing.T, done chan int, within time.Duration) int {
	t.Helper()
	select {
	case code := <-done:
		return code
	case <-time.After(within):
		t.Fatal("supervisor did not exit in time")
		return -1
	}
}

func TestRunWithoutServersExitsCleanly(t *testing.T) {
	s := newTestSupervisor(t, testConfig(), &fakeDialer{})
	code := waitExit(t, runAsync(s), 2*time.Second)
	if code != ExitClean {
		t.Fatalf("Run returned %d, expected %d", code, ExitClean)
	}
}

func TestIntervalDividesPeriodAcrossRing(t *testing.T) {
	s := newTestSupervisor(t, testConfig("a", "b", "c"), &fakeDialer{})
	if got := s.Interval(); got != 30*time.Second {
		t.Fatalf("Interval returned %s, expected 30s", got)
	}
}

func TestFirstRestartIsImmediate(t *testing.T) {
	dialer := &fakeDialer{}
	// A long period: only the immediate first tick can fire during the test.
	cfg := testConfig("a", "b", "c")
	cfg.CmsdPeriod = 3 * 24 * 3600
	s := newTestSupervisor(t, cfg, dialer)

	done := runAsync(s)
	deadline := time.Now().Add(2 * time.Second)
	for len(dialer.dials()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if dials := dialer.dials(); len(dials) != 1 || dials[0] != "b" {
		t.Fatalf("expected an immediate restart of b, got %v", dials)
	}

	s.Stop()
	if code := waitExit(t, done, 2*time.Second); code != ExitSignal {
		t.Fatalf("Run returned %d, expected %d", code, ExitSignal)
	}
}

func TestFloorBreachExitsWithError(t *testing.T) {
	// min_ok above the ring size: the very first tick reports the breach.
	dialer := &fakeDialer{}
	cfg := testConfig("a", "b")
	cfg.MinOK = 3
	s := newTestSupervisor(t, cfg, dialer)

	code := waitExit(t, runAsync(s), 2*time.Second)
	if code != ExitError {
		t.Fatalf("Run returned %d, expected %d", code, ExitError)
	}
	if len(dialer.dials()) != 0 {
		t.Fatalf("no restart should run below the floor, got %v", dialer.dials())
	}
}

func TestFailedRestartsBreachFloorOnNextTick(t *testing.T) {
	// Three nodes, min_ok=2. Two nodes fail to connect; the breach is
	// reported at the start of the tick after the second failure.
	dialer := &fakeDialer{bad: map[string]bool{"b": true, "c": true}}
	cfg := testConfig("a", "b", "c")
	cfg.MinOK = 2
	cfg.CmsdPeriod = 3 // a tick every second
	s := newTestSupervisor(t, cfg, dialer)

	code := waitExit(t, runAsync(s), 10*time.Second)
	if code != ExitError {
		t.Fatalf("Run returned %d, expected %d", code, ExitError)
	}
	// b and c each got their failing turn before the breach stopped the
	// scheduler.
	dials := dialer.dials()
	if len(dials) < 2 {
		t.Fatalf("expected at least two restart attempts, got %v", dials)
	}
}

func TestHeartbeatPushesUntilGatewayFails(t *testing.T) {
	var mu sync.Mutex
	pushes := 0
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		pushes++
		mu.Unlock()
	}))

	cfg := testConfig("a")
	cfg.MetricsMethod = config.Push
	cfg.PushGwURL = gw.URL
	cfg.CmsdPeriod = 24 * 3600
	s := newTestSupervisor(t, cfg, &fakeDialer{})

	done := runAsync(s)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := pushes
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	if pushes < 2 {
		t.Fatalf("expected repeated pushes, got %d", pushes)
	}
	mu.Unlock()

	// A dead gateway stops the heartbeat but not the supervisor.
	gw.Close()
	time.Sleep(100 * time.Millisecond)
	select {
	case code := <-done:
		t.Fatalf("supervisor exited with %d after a heartbeat failure", code)
	default:
	}

	s.Stop()
	if code := waitExit(t, done, 2*time.Second); code != ExitSignal {
		t.Fatalf("Run returned %d, expected %d", code, ExitSignal)
	}
}

func TestStopDuringCmsdWaitRollsBack(t *testing.T) {
	// Stop arrives during the wait between the cmsd and xrootd stops; the
	// supervisor exits with the signal code within the 1Hz poll bound.
	dialer := &fakeDialer{}
	cfg := testConfig("a")
	cfg.CmsdWait = 30
	cfg.CmsdPeriod = 24 * 3600
	s := newTestSupervisor(t, cfg, dialer)

	done := runAsync(s)
	deadline := time.Now().Add(2 * time.Second)
	for len(dialer.dials()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	start := time.Now()
	if code := waitExit(t, done, 5*time.Second); code != ExitSignal {
		t.Fatalf("Run returned %d, expected %d", code, ExitSignal)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("shutdown took %s, expected prompt rollback", elapsed)
	}
}
