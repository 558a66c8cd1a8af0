// Package service is the run-loop base shared by every Refinery service:
// preemptible sleeping, signal handling, maintenance scheduling, pidfile
// and startup-marker bookkeeping, unix socket serving and child process
// supervision.
package service

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/averdin/refinery/internal/log"
)

// LoopFunc is one iteration of a service's work loop. It returns how long
// the service may sleep before the next iteration; zero or negative means
// "run again immediately". A wakeup (SIGHUP or Wake) cuts any sleep short.
type LoopFunc func(ctx context.Context) (time.Duration, error)

// Service drives a single long-lived Refinery process.
type Service struct {
	Name    string
	Log     zerolog.Logger
	pidfile string

	wakeup chan struct{}
	maint  []*maintenanceTask

	// Idle-sync flags, set from the signal handler goroutine and consumed
	// by the run loop between iterations.
	idleSyncRequested atomic.Bool
	forceMaintenance  atomic.Bool
}

// New creates a service. The pidfile may be empty for tests.
func New(name, pidfile string) *Service {
	return &Service{
		Name:    name,
		Log:     log.WithComponent(name),
		pidfile: pidfile,
		wakeup:  make(chan struct{}, 1),
	}
}

// Wake interrupts the current sleep, if any. Safe from any goroutine.
func (s *Service) Wake() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// Run drives the loop until ctx is cancelled or loop returns an error.
// Startup protocol: write the pidfile and busy marker, then remove the
// ".starting" marker the manager created, which unblocks its startup
// synchronisation.
func (s *Service) Run(ctx context.Context, loop LoopFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.pidfile != "" {
		if err := writePidfile(s.pidfile); err != nil {
			return err
		}
		defer os.Remove(s.pidfile)
		if err := markBusy(s.pidfile); err != nil {
			return err
		}
		os.Remove(s.pidfile + ".starting")
	}

	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT,
		syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGCHLD)
	defer signal.Stop(sigs)

	go func() {
		for sig := range sigs {
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				s.Log.Info().Str("signal", sig.String()).Msg("shutting down")
				cancel()
				return
			case syscall.SIGUSR2:
				s.forceMaintenance.Store(true)
				s.idleSyncRequested.Store(true)
				s.Wake()
			case syscall.SIGUSR1:
				s.idleSyncRequested.Store(true)
				s.Wake()
			default: // SIGHUP, SIGCHLD: wake up and look around.
				s.Wake()
			}
		}
	}()

	s.Log.Info().Int("pid", os.Getpid()).Msg("started")

	for {
		if ctx.Err() != nil {
			s.Log.Info().Msg("stopped")
			return nil
		}

		s.runMaintenance(ctx, s.forceMaintenance.CompareAndSwap(true, false))

		delay, err := loop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.Log.Info().Msg("stopped")
				return nil
			}
			// One failing iteration must not kill the service.
			s.Log.Error().Err(err).Msg("loop iteration failed")
			if delay <= 0 {
				delay = time.Second
			}
		}

		if delay > 0 && s.pidfile != "" && s.idleSyncRequested.CompareAndSwap(true, false) {
			os.Remove(s.pidfile + ".busy")
		}

		if delay <= 0 {
			continue
		}
		if wait := s.untilNextMaintenance(); wait > 0 && wait < delay {
			delay = wait
		}

		select {
		case <-ctx.Done():
		case <-s.wakeup:
		case <-time.After(delay):
		}
	}
}
