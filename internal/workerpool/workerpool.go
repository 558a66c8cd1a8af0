// Package workerpool is a request-coalescing job pool shared by the
// changeset and highlight services. Identical requests from concurrent
// clients run once; every client gets the one result. The work itself
// runs in child processes so a crashing or bloating job cannot take the
// service with it.
package workerpool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/averdin/refinery/internal/config"
	"github.com/averdin/refinery/internal/service"
)

// ProbeFunc checks whether a request's result already exists, returning it
// and true when it does. It runs before a job is queued and again after a
// coalesced job finishes.
type ProbeFunc func(ctx context.Context, request json.RawMessage) (json.RawMessage, bool, error)

// RunFunc executes one job and returns its result. The default
// implementation spawns a child process; tests substitute an in-process
// function.
type RunFunc func(ctx context.Context, request json.RawMessage) (json.RawMessage, error)

// Pool coalesces and executes jobs.
type Pool struct {
	name string
	cfg  config.WorkerPoolConfig
	log  zerolog.Logger

	probe ProbeFunc
	run   RunFunc

	// commands maps administrative socket commands to maintenance entry
	// points. Registered at startup, read-only afterwards.
	commands map[string]func(ctx context.Context) error

	mu       sync.Mutex
	inflight map[string]*job
	slots    chan struct{}
}

type job struct {
	done   chan struct{}
	result json.RawMessage
	err    error
}

// New creates a pool. probe may be nil for services without a result
// cache.
func New(name string, cfg config.WorkerPoolConfig, logger zerolog.Logger, probe ProbeFunc, run RunFunc) *Pool {
	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = 2
	}
	return &Pool{
		name:     name,
		cfg:      cfg,
		log:      logger,
		probe:    probe,
		run:      run,
		commands: make(map[string]func(ctx context.Context) error),
		inflight: make(map[string]*job),
		slots:    make(chan struct{}, workers),
	}
}

// FreezeKey canonicalises a JSON request so that differently-ordered but
// equal requests coalesce. Object keys are sorted; whitespace is dropped.
func FreezeKey(request json.RawMessage) (string, error) {
	var decoded interface{}
	if err := json.Unmarshal(request, &decoded); err != nil {
		return "", fmt.Errorf("workerpool: malformed request: %w", err)
	}
	frozen, err := json.Marshal(decoded)
	if err != nil {
		return "", fmt.Errorf("workerpool: freeze request: %w", err)
	}
	return string(frozen), nil
}

// Submit executes one request, coalescing with an identical in-flight one,
// and returns its result. It blocks until the result is available or ctx
// is cancelled.
func (p *Pool) Submit(ctx context.Context, request json.RawMessage) (json.RawMessage, error) {
	key, err := FreezeKey(request)
	if err != nil {
		return nil, err
	}

	if p.probe != nil {
		if result, ok, err := p.probe(ctx, request); err != nil {
			return nil, err
		} else if ok {
			return result, nil
		}
	}

	p.mu.Lock()
	if existing, ok := p.inflight[key]; ok {
		p.mu.Unlock()
		return p.await(ctx, existing)
	}
	j := &job{done: make(chan struct{})}
	p.inflight[key] = j
	p.mu.Unlock()

	go p.execute(ctx, key, request, j)
	return p.await(ctx, j)
}

// SubmitAsync queues a request without waiting for its result.
func (p *Pool) SubmitAsync(request json.RawMessage) error {
	key, err := FreezeKey(request)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if _, ok := p.inflight[key]; ok {
		p.mu.Unlock()
		return nil
	}
	j := &job{done: make(chan struct{})}
	p.inflight[key] = j
	p.mu.Unlock()

	go p.execute(context.Background(), key, request, j)
	return nil
}

func (p *Pool) await(ctx context.Context, j *job) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-j.done:
		return j.result, j.err
	}
}

func (p *Pool) execute(ctx context.Context, key string, request json.RawMessage, j *job) {
	defer func() {
		p.mu.Lock()
		delete(p.inflight, key)
		p.mu.Unlock()
		close(j.done)
	}()

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		j.err = ctx.Err()
		return
	}
	defer func() { <-p.slots }()

	started := time.Now()
	j.result, j.err = p.run(ctx, request)
	if j.err != nil {
		p.log.Error().Err(j.err).Str("request", key).Msg("job failed")
		return
	}
	p.log.Debug().Str("request", key).Dur("elapsed", time.Since(started)).Msg("job done")
}

// SpawnChild returns a RunFunc that executes `refinery <service> --json-job`
// with the request on stdin and reads the result from stdout. The child
// applies its own address-space limit at startup.
func SpawnChild(serviceName string) RunFunc {
	return func(ctx context.Context, request json.RawMessage) (json.RawMessage, error) {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("workerpool: locate executable: %w", err)
		}
		result, err := service.RunChild(ctx, service.ChildOpts{
			Argv:     []string{exe, serviceName, "--json-job"},
			Stdin:    append(append(json.RawMessage(nil), request...), '\n'),
			Deadline: 10 * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("workerpool: run job child: %w", err)
		}
		if result.TimedOut {
			return nil, fmt.Errorf("workerpool: job timed out")
		}
		if result.ExitCode != 0 {
			return nil, fmt.Errorf("workerpool: job exited %d: %s", result.ExitCode, result.Stderr)
		}
		return json.RawMessage(result.Stdout), nil
	}
}
