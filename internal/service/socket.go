package service

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
)

// ListenUnix creates a unix socket listener at path with the given mode,
// removing any stale socket left by a previous run.
func ListenUnix(path string, mode fs.FileMode) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("service: create socket dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("service: remove stale socket %s: %w", path, err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("service: listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		listener.Close()
		return nil, fmt.Errorf("service: chmod socket %s: %w", path, err)
	}
	return listener, nil
}

// Serve accepts connections until ctx is cancelled, running handler in its
// own goroutine per connection. Handler panics and errors are contained;
// a misbehaving peer never kills the service.
func (s *Service) Serve(ctx context.Context, listener net.Listener, handler func(ctx context.Context, conn net.Conn)) {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.Log.Warn().Err(err).Msg("accept failed")
			continue
		}
		go func() {
			defer conn.Close()
			defer func() {
				if r := recover(); r != nil {
					s.Log.Error().Interface("panic", r).Msg("connection handler panicked")
				}
			}()
			handler(ctx, conn)
		}()
	}
}

// ReadJSONLine decodes one newline-terminated JSON document from r.
func ReadJSONLine(r *bufio.Reader, v interface{}) error {
	line, err := r.ReadBytes('\n')
	if len(line) == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			return io.EOF
		}
		return err
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return json.Unmarshal(line, v)
}

// WriteJSONLine encodes v followed by a newline. Write errors are returned
// but callers streaming to a pushing git client are expected to ignore
// them; the client may have disconnected.
func WriteJSONLine(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
