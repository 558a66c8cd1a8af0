// Package watchdog monitors system load and the memory use of front-end
// worker processes, alerting administrators and reining in runaway
// workers before the whole host degrades.
package watchdog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/averdin/refinery/internal/config"
	"github.com/averdin/refinery/internal/log"
	"github.com/averdin/refinery/internal/notify"
)

// alertWindow is how long a standing condition stays quiet after an alert
// before it is re-reported.
const alertWindow = time.Hour

// Watchdog is the watchdog service core.
type Watchdog struct {
	cfg      *config.Config
	log      zerolog.Logger
	notifier *notify.Notifier

	procRoot string
	numCPU   int
	// lastLoad is the load average of the previous alert per window; a 20%
	// worsening forces a fresh alert inside the quiet window.
	lastLoad map[string]float64
	// softSignalled records workers already sent SIGINT, so escalation to
	// SIGKILL happens at most once per offending process.
	softSignalled map[int]bool

	kill func(pid int, sig syscall.Signal) error
}

// New creates a watchdog.
func New(cfg *config.Config) *Watchdog {
	return &Watchdog{
		cfg:           cfg,
		log:           log.WithComponent("watchdog"),
		notifier:      notify.New(cfg),
		procRoot:      "/proc",
		numCPU:        runtime.NumCPU(),
		lastLoad:      make(map[string]float64),
		softSignalled: make(map[int]bool),
		kill:          syscall.Kill,
	}
}

// Poll is the service loop body: one load check and one worker-memory
// sweep per interval.
func (w *Watchdog) Poll(ctx context.Context) (time.Duration, error) {
	interval := w.cfg.Watchdog.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if err := w.checkLoad(); err != nil {
		w.log.Warn().Err(err).Msg("load check failed")
	}
	if err := w.checkWorkers(); err != nil {
		w.log.Warn().Err(err).Msg("worker check failed")
	}
	return interval, nil
}

// checkLoad compares /proc/loadavg against the configured per-CPU
// thresholds.
func (w *Watchdog) checkLoad() error {
	loads, err := w.loadAverages()
	if err != nil {
		return err
	}
	thresholds := []struct {
		window    string
		value     float64
		threshold float64
	}{
		{"1m", loads[0], w.cfg.Watchdog.Load1},
		{"5m", loads[1], w.cfg.Watchdog.Load5},
		{"15m", loads[2], w.cfg.Watchdog.Load15},
	}
	for _, t := range thresholds {
		if t.threshold <= 0 {
			continue
		}
		limit := t.threshold * float64(w.numCPU)
		if t.value <= limit {
			delete(w.lastLoad, t.window)
			continue
		}
		w.alertLoad(t.window, t.value, limit)
	}
	return nil
}

// alertLoad reports high load, at most once per window per quiet period,
// except that a 20% worsening since the last alert resets the quiet
// period.
func (w *Watchdog) alertLoad(window string, value, limit float64) {
	key := "load-" + window
	if previous, ok := w.lastLoad[window]; ok && value > previous*1.2 {
		w.notifier.Reset(key)
	}
	sent := w.notifier.AdminMailRateLimited(key, alertWindow,
		fmt.Sprintf("refinery: high system load (%s)", window),
		fmt.Sprintf("The %s load average is %.2f, above the limit of %.2f.\n", window, value, limit))
	if sent {
		w.lastLoad[window] = value
		w.log.Warn().Str("window", window).Float64("load", value).
			Float64("limit", limit).Msg("high system load")
	}
}

// loadAverages reads the three load averages from /proc/loadavg.
func (w *Watchdog) loadAverages() ([3]float64, error) {
	var loads [3]float64
	data, err := os.ReadFile(filepath.Join(w.procRoot, "loadavg"))
	if err != nil {
		return loads, fmt.Errorf("watchdog: read loadavg: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return loads, fmt.Errorf("watchdog: malformed loadavg: %q", data)
	}
	for i := 0; i < 3; i++ {
		loads[i], err = strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return loads, fmt.Errorf("watchdog: parse loadavg: %w", err)
		}
	}
	return loads, nil
}

// checkWorkers sweeps the front-end worker pidfile directory, measuring
// each worker's resident set. Exceeding the soft limit gets one SIGINT, a
// graceful restart request; exceeding the hard limit gets SIGKILL.
func (w *Watchdog) checkWorkers() error {
	dir := w.cfg.Watchdog.WebPidDir
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("watchdog: read pid dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pid") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		pid, err := readPid(path)
		if err != nil {
			w.log.Warn().Err(err).Str("pidfile", entry.Name()).Msg("unreadable pidfile")
			continue
		}
		rss, err := w.residentSetKB(pid)
		if err != nil {
			// The process is gone; its pidfile is stale.
			w.log.Info().Int("pid", pid).Str("pidfile", entry.Name()).
				Msg("removing stale pidfile")
			os.Remove(path)
			delete(w.softSignalled, pid)
			continue
		}
		w.enforceRSS(pid, rss)
	}
	return nil
}

func (w *Watchdog) enforceRSS(pid, rssKB int) {
	hard := w.cfg.Watchdog.HardLimitMB * 1024
	soft := w.cfg.Watchdog.SoftLimitMB * 1024

	switch {
	case hard > 0 && rssKB > hard:
		w.log.Error().Int("pid", pid).Int("rss_kb", rssKB).Msg("killing worker over hard memory limit")
		w.kill(pid, syscall.SIGKILL)
		delete(w.softSignalled, pid)
		w.notifier.AdminMail("refinery: worker killed",
			fmt.Sprintf("Worker process %d used %d MB resident memory and was killed.\n",
				pid, rssKB/1024))
	case soft > 0 && rssKB > soft:
		if w.softSignalled[pid] {
			return
		}
		w.softSignalled[pid] = true
		w.log.Warn().Int("pid", pid).Int("rss_kb", rssKB).Msg("asking worker over soft memory limit to restart")
		w.kill(pid, syscall.SIGINT)
	default:
		delete(w.softSignalled, pid)
	}
}

// residentSetKB reads VmRSS from /proc/<pid>/status.
func (w *Watchdog) residentSetKB(pid int) (int, error) {
	data, err := os.ReadFile(filepath.Join(w.procRoot, strconv.Itoa(pid), "status"))
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		rest, ok := strings.CutPrefix(line, "VmRSS:")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 1 {
			break
		}
		kb, err := strconv.Atoi(fields[0])
		if err != nil {
			return 0, fmt.Errorf("watchdog: parse VmRSS: %w", err)
		}
		return kb, nil
	}
	return 0, fmt.Errorf("watchdog: no VmRSS for pid %d", pid)
}

func readPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("watchdog: malformed pidfile %s", path)
	}
	return pid, nil
}
