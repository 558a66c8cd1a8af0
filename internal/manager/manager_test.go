package manager

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/averdin/refinery/internal/config"
)

// fakeChild is a controllable child process stand-in.
type fakeChild struct {
	pid  int
	exit chan error

	mu        sync.Mutex
	signalled []syscall.Signal
}

func newFakeChild(pid int) *fakeChild {
	return &fakeChild{pid: pid, exit: make(chan error, 1)}
}

func (f *fakeChild) Pid() int { return f.pid }

func (f *fakeChild) Wait() error { return <-f.exit }

func (f *fakeChild) Signal(sig syscall.Signal) error {
	f.mu.Lock()
	f.signalled = append(f.signalled, sig)
	f.mu.Unlock()
	if sig == syscall.SIGTERM {
		f.exit <- errors.New("terminated")
	}
	return nil
}

func testManager(t *testing.T, services ...string) *Manager {
	t.Helper()
	cfg := &config.Config{PidfileDir: t.TempDir()}
	cfg.Manager.Services = services
	return New(cfg, nil)
}

// removeStartingMarkers simulates children entering their run loops.
func removeStartingMarkers(t *testing.T, m *Manager) {
	t.Helper()
	for _, name := range m.cfg.Manager.Services {
		os.Remove(m.cfg.PidfilePath(name) + ".starting")
	}
}

func TestSuperviseRestartsCrashedChild(t *testing.T) {
	m := testManager(t, "hookserver")
	var spawns int32
	first := newFakeChild(100)
	second := newFakeChild(101)
	m.spawn = func(ctx context.Context, name string) (child, error) {
		switch atomic.AddInt32(&spawns, 1) {
		case 1:
			return first, nil
		default:
			return second, nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.supervise(ctx, "hookserver")
	}()

	// Let the flap guard see a long-enough lifetime before crashing.
	time.Sleep(10 * time.Millisecond)
	start := time.Now()
	for {
		m.mu.Lock()
		state := m.children["hookserver"]
		m.mu.Unlock()
		if state != nil && state.child == first {
			break
		}
		if time.Since(start) > time.Second {
			t.Fatal("first child never registered")
		}
		time.Sleep(time.Millisecond)
	}
	m.mu.Lock()
	m.children["hookserver"].startedAt = time.Now().Add(-2 * time.Second)
	m.mu.Unlock()
	first.exit <- errors.New("crash")

	start = time.Now()
	for {
		m.mu.Lock()
		state := m.children["hookserver"]
		restarted := state != nil && state.child == second
		m.mu.Unlock()
		if restarted {
			break
		}
		if time.Since(start) > 2*time.Second {
			t.Fatal("crashed child not restarted")
		}
		time.Sleep(time.Millisecond)
	}

	m.mu.Lock()
	restarts := m.children["hookserver"].restarts
	m.mu.Unlock()
	if restarts != 1 {
		t.Errorf("restarts = %d, want 1", restarts)
	}

	cancel()
	second.exit <- nil
	<-done
}

func TestSuperviseCleanExitEndsSupervision(t *testing.T) {
	m := testManager(t, "hookserver")
	var spawns int32
	c := newFakeChild(100)
	m.spawn = func(ctx context.Context, name string) (child, error) {
		atomic.AddInt32(&spawns, 1)
		return c, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.supervise(context.Background(), "hookserver")
	}()

	time.Sleep(10 * time.Millisecond)
	c.exit <- nil

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervision did not end on clean exit")
	}
	if got := atomic.LoadInt32(&spawns); got != 1 {
		t.Errorf("spawns = %d, want 1", got)
	}
}

func TestControlStatus(t *testing.T) {
	m := testManager(t, "hookserver", "tracker")
	c := newFakeChild(4242)
	m.mu.Lock()
	m.children["hookserver"] = &childState{name: "hookserver", child: c, startedAt: time.Now()}
	m.mu.Unlock()

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer server.Close()
		m.HandleControlConn(context.Background(), server)
	}()

	if err := json.NewEncoder(client).Encode(ControlRequest{Query: "status"}); err != nil {
		t.Fatal(err)
	}
	var reply ControlReply
	if err := json.NewDecoder(client).Decode(&reply); err != nil {
		t.Fatal(err)
	}
	client.Close()
	<-done

	if !reply.OK || len(reply.Services) != 2 {
		t.Fatalf("reply = %+v", reply)
	}
	if reply.Services[0].Name != "hookserver" || reply.Services[0].Pid != 4242 {
		t.Errorf("service 0 = %+v", reply.Services[0])
	}
	if reply.Services[1].Name != "tracker" || reply.Services[1].Pid != 0 {
		t.Errorf("service 1 = %+v", reply.Services[1])
	}
}

func TestControlRestart(t *testing.T) {
	m := testManager(t, "hookserver")
	c := newFakeChild(4242)
	m.mu.Lock()
	m.children["hookserver"] = &childState{name: "hookserver", child: c, startedAt: time.Now()}
	m.mu.Unlock()

	// Restart must write the starting marker before signalling, and the
	// reply must wait for the marker to clear again. Simulate the respawned
	// child entering its run loop after a short delay.
	marker := m.cfg.PidfilePath("hookserver") + ".starting"
	markerSeen := make(chan time.Time, 1)
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if _, err := os.Stat(marker); err == nil {
				time.Sleep(100 * time.Millisecond)
				markerSeen <- time.Now()
				os.Remove(marker)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer server.Close()
		m.HandleControlConn(context.Background(), server)
	}()

	req := ControlRequest{Command: "restart", Service: "hookserver"}
	if err := json.NewEncoder(client).Encode(req); err != nil {
		t.Fatal(err)
	}
	var reply ControlReply
	if err := json.NewDecoder(client).Decode(&reply); err != nil {
		t.Fatal(err)
	}
	repliedAt := time.Now()
	client.Close()
	<-done

	if !reply.OK {
		t.Fatalf("reply = %+v", reply)
	}
	select {
	case seen := <-markerSeen:
		if repliedAt.Before(seen) {
			t.Error("restart reported done before the service came back up")
		}
	default:
		t.Error("starting marker never written")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.signalled) != 1 || c.signalled[0] != syscall.SIGTERM {
		t.Errorf("signals = %v", c.signalled)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.children["hookserver"].restartPending {
		t.Error("restart not marked pending; a clean SIGTERM exit would end supervision")
	}
}

func TestSuperviseSuppressesFlappingChild(t *testing.T) {
	m := testManager(t, "hookserver")
	var spawns int32
	m.spawn = func(ctx context.Context, name string) (child, error) {
		atomic.AddInt32(&spawns, 1)
		c := newFakeChild(100)
		c.exit <- errors.New("crash on startup")
		return c, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.supervise(context.Background(), "hookserver")
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervision did not end for a flapping child")
	}
	if got := atomic.LoadInt32(&spawns); got != 1 {
		t.Errorf("spawns = %d, want 1 (restart of a flapping child is suppressed)", got)
	}
}

func TestControlUnknownService(t *testing.T) {
	m := testManager(t, "hookserver")

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer server.Close()
		m.HandleControlConn(context.Background(), server)
	}()

	req := ControlRequest{Command: "restart", Service: "nonsense"}
	if err := json.NewEncoder(client).Encode(req); err != nil {
		t.Fatal(err)
	}
	var reply ControlReply
	if err := json.NewDecoder(client).Decode(&reply); err != nil {
		t.Fatal(err)
	}
	client.Close()
	<-done

	if reply.OK || reply.Error == "" {
		t.Fatalf("reply = %+v", reply)
	}
}
