package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// writePidfile records the current pid at path.
func writePidfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("service: create pidfile dir: %w", err)
	}
	pid := strconv.Itoa(os.Getpid()) + "\n"
	if err := os.WriteFile(path, []byte(pid), 0o644); err != nil {
		return fmt.Errorf("service: write pidfile %s: %w", path, err)
	}
	return nil
}

// markBusy writes the "<pidfile>.busy" marker that idle-sync (SIGUSR1)
// later removes. Tests use the marker to wait for a service to go idle.
func markBusy(pidfile string) error {
	if err := os.WriteFile(pidfile+".busy", nil, 0o644); err != nil {
		return fmt.Errorf("service: write busy marker: %w", err)
	}
	return nil
}

// ReadPidfile returns the pid recorded at path.
func ReadPidfile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("service: read pidfile %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("service: malformed pidfile %s: %w", path, err)
	}
	return pid, nil
}

// WakeByPidfile sends SIGHUP to the service whose pidfile is at path. A
// missing pidfile is not an error; the target simply is not running.
func WakeByPidfile(path string) error {
	pid, err := ReadPidfile(path)
	if err != nil {
		if os.IsNotExist(err) || strings.Contains(err.Error(), "no such file") {
			return nil
		}
		return err
	}
	if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return fmt.Errorf("service: wake pid %d: %w", pid, err)
	}
	return nil
}

// WriteStartingMarker creates "<pidfile>.starting". The manager writes it
// before spawning a service; the service removes it once its run loop is
// entered.
func WriteStartingMarker(pidfile string) error {
	if err := os.MkdirAll(filepath.Dir(pidfile), 0o755); err != nil {
		return fmt.Errorf("service: create pidfile dir: %w", err)
	}
	if err := os.WriteFile(pidfile+".starting", nil, 0o644); err != nil {
		return fmt.Errorf("service: write starting marker: %w", err)
	}
	return nil
}

// WaitForStartups blocks until every "<pidfile>.starting" marker has been
// removed, or the timeout elapses. It reports whether all services came up.
func WaitForStartups(pidfiles []string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		remaining := 0
		for _, pidfile := range pidfiles {
			if _, err := os.Stat(pidfile + ".starting"); err == nil {
				remaining++
			}
		}
		if remaining == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(100 * time.Millisecond)
	}
}
