// Package manager supervises the Refinery service processes: it spawns
// them, restarts crashed ones, synchronises startup, forwards startup
// secrets, and answers status and restart requests on a control socket.
package manager

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/averdin/refinery/internal/config"
	"github.com/averdin/refinery/internal/log"
	"github.com/averdin/refinery/internal/service"
)

// flapThreshold marks a child that exits almost immediately; restarting
// such a child is suppressed, since a tight crash loop would only repeat.
// flapDelay paces retries after spawn failures.
const (
	flapThreshold = time.Second
	flapDelay     = 5 * time.Second
	startupWindow = 30 * time.Second
)

// servicesWithStartupSecrets names children that receive the startup blob
// on stdin.
var servicesWithStartupSecrets = map[string]bool{
	"maildelivery": true,
}

// Manager supervises the configured services.
type Manager struct {
	cfg *config.Config
	log zerolog.Logger

	// startupBlob is forwarded to children that expect secrets on stdin
	// (SMTP credentials for mail delivery).
	startupBlob []byte

	// spawn starts one service child; replaced in tests.
	spawn func(ctx context.Context, name string) (child, error)

	mu       sync.Mutex
	children map[string]*childState
}

// childState tracks one supervised service.
type childState struct {
	name      string
	child     child
	startedAt time.Time
	restarts  int
	stopped   bool // deliberate stop: no restart
	// restartPending marks a user-requested restart, which respawns the
	// child even when it exits cleanly on the SIGTERM.
	restartPending bool
}

// child abstracts a running service process.
type child interface {
	Pid() int
	Wait() error
	Signal(sig syscall.Signal) error
}

// New creates a manager. startupBlob may be nil when no secrets are
// configured.
func New(cfg *config.Config, startupBlob []byte) *Manager {
	m := &Manager{
		cfg:         cfg,
		log:         log.WithComponent("manager"),
		startupBlob: startupBlob,
		children:    make(map[string]*childState),
	}
	m.spawn = m.spawnProcess
	return m
}

// Run starts every configured service and supervises them until ctx is
// cancelled. It returns once every child has exited.
func (m *Manager) Run(ctx context.Context) error {
	var pidfiles []string
	for _, name := range m.cfg.Manager.Services {
		pidfile := m.cfg.PidfilePath(name)
		if err := service.WriteStartingMarker(pidfile); err != nil {
			return err
		}
		pidfiles = append(pidfiles, pidfile)
	}

	var wg sync.WaitGroup
	for _, name := range m.cfg.Manager.Services {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			m.supervise(ctx, name)
		}(name)
	}

	if !service.WaitForStartups(pidfiles, startupWindow) {
		m.log.Error().Msg("some services failed to start in time")
	} else {
		m.log.Info().Int("services", len(pidfiles)).Msg("all services started")
	}

	<-ctx.Done()
	m.shutdown()
	wg.Wait()
	return nil
}

// supervise runs one service in a restart loop. A clean exit (status 0)
// ends supervision; crashes restart the service, unless it died within
// the flap threshold.
func (m *Manager) supervise(ctx context.Context, name string) {
	for {
		if ctx.Err() != nil {
			return
		}
		c, err := m.spawn(ctx, name)
		if err != nil {
			m.log.Error().Err(err).Str("service", name).Msg("spawn failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(flapDelay):
				continue
			}
		}

		state := &childState{name: name, child: c, startedAt: time.Now()}
		m.mu.Lock()
		if previous := m.children[name]; previous != nil {
			state.restarts = previous.restarts
		}
		m.children[name] = state
		m.mu.Unlock()
		m.log.Info().Str("service", name).Int("pid", c.Pid()).Msg("service started")

		err = c.Wait()
		lifetime := time.Since(state.startedAt)

		m.mu.Lock()
		stopped := state.stopped
		restartPending := state.restartPending
		state.restartPending = false
		m.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if err == nil && !stopped && !restartPending {
			// Clean exit is deliberate; the service does not want back up.
			m.log.Info().Str("service", name).Msg("service exited cleanly")
			return
		}
		if err != nil {
			m.log.Error().Err(err).Str("service", name).Msg("service crashed")
		}

		m.mu.Lock()
		state.restarts++
		m.mu.Unlock()

		if lifetime < flapThreshold {
			m.log.Error().Str("service", name).Dur("lifetime", lifetime).
				Msg("service is flapping, suppressing restart")
			return
		}
		// The next spawn must block on the startup marker again so restart
		// requests can synchronise.
		service.WriteStartingMarker(m.cfg.PidfilePath(name))
	}
}

// shutdown signals every child to terminate.
func (m *Manager) shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, state := range m.children {
		state.stopped = true
		if err := state.child.Signal(syscall.SIGTERM); err != nil && err != syscall.ESRCH {
			m.log.Warn().Err(err).Str("service", name).Msg("terminate failed")
		}
	}
}

// Restart asks one service to stop; its supervisor respawns it.
func (m *Manager) Restart(name string) error {
	m.mu.Lock()
	state, ok := m.children[name]
	if ok {
		state.restartPending = true
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("manager: unknown service %q", name)
	}
	m.log.Info().Str("service", name).Msg("restart requested")
	// The marker goes down before the signal so a caller waiting on the
	// restart cannot observe the window between the old child's death and
	// the respawn as "already started".
	if err := service.WriteStartingMarker(m.cfg.PidfilePath(name)); err != nil {
		return err
	}
	if err := state.child.Signal(syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("manager: terminate %s: %w", name, err)
	}
	return nil
}

// ServiceStatus is one service's supervision state.
type ServiceStatus struct {
	Name     string    `json:"name"`
	Pid      int       `json:"pid"`
	Since    time.Time `json:"since"`
	Restarts int       `json:"restarts"`
	Busy     bool      `json:"busy"`
}

// Status reports every supervised service, in configuration order.
func (m *Manager) Status() []ServiceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	var statuses []ServiceStatus
	for _, name := range m.cfg.Manager.Services {
		state, ok := m.children[name]
		if !ok {
			statuses = append(statuses, ServiceStatus{Name: name})
			continue
		}
		busy := false
		if _, err := os.Stat(m.cfg.PidfilePath(name) + ".busy"); err == nil {
			busy = true
		}
		statuses = append(statuses, ServiceStatus{
			Name:     name,
			Pid:      state.child.Pid(),
			Since:    state.startedAt,
			Restarts: state.restarts,
			Busy:     busy,
		})
	}
	return statuses
}

// processChild adapts *exec.Cmd to the child interface.
type processChild struct {
	cmd *exec.Cmd
}

func (p *processChild) Pid() int { return p.cmd.Process.Pid }

func (p *processChild) Wait() error { return p.cmd.Wait() }

func (p *processChild) Signal(sig syscall.Signal) error {
	return p.cmd.Process.Signal(sig)
}

// spawnProcess starts `refinery <name>` inheriting the manager's config
// flags through the environment, with the startup blob on stdin for
// services that take secrets.
func (m *Manager) spawnProcess(ctx context.Context, name string) (child, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("manager: locate executable: %w", err)
	}
	cmd := exec.Command(exe, name)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if servicesWithStartupSecrets[name] && len(m.startupBlob) > 0 {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("manager: stdin pipe for %s: %w", name, err)
		}
		go func() {
			stdin.Write(m.startupBlob)
			stdin.Close()
		}()
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("manager: start %s: %w", name, err)
	}
	return &processChild{cmd: cmd}, nil
}
