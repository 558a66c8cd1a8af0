package workerpool

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"

	"github.com/averdin/refinery/internal/service"
)

// clientRequest is one JSON line from a front-end client: either a batch
// of job requests, or an administrative command. Async clients get an
// immediate acknowledgement and no results.
type clientRequest struct {
	Requests []json.RawMessage `json:"requests"`
	Async    bool              `json:"async,omitempty"`
	Command  string            `json:"command,omitempty"`
}

type errorReply struct {
	Error string `json:"error"`
}

type ackReply struct {
	Queued int `json:"queued"`
}

type okReply struct {
	OK bool `json:"ok"`
}

// RegisterCommand exposes a maintenance entry point on the socket, e.g.
// "purge" or "compact", so administrators can trigger it out of schedule.
func (p *Pool) RegisterCommand(name string, fn func(ctx context.Context) error) {
	p.commands[name] = fn
}

// HandleConn serves one client connection: a single request line, then a
// single reply line holding one JSON array with a result per request, in
// request order. Requests run concurrently; ordering is restored when
// writing. A failed request becomes an {"error": ...} element in place.
func (p *Pool) HandleConn(ctx context.Context, conn net.Conn) {
	var req clientRequest
	if err := service.ReadJSONLine(bufio.NewReader(conn), &req); err != nil {
		p.log.Warn().Err(err).Msg("malformed client request")
		service.WriteJSONLine(conn, errorReply{Error: "malformed request"})
		return
	}

	if req.Command != "" {
		fn, ok := p.commands[req.Command]
		if !ok {
			service.WriteJSONLine(conn, errorReply{Error: "unknown command " + req.Command})
			return
		}
		p.log.Info().Str("command", req.Command).Msg("running command")
		if err := fn(ctx); err != nil {
			service.WriteJSONLine(conn, errorReply{Error: err.Error()})
			return
		}
		service.WriteJSONLine(conn, okReply{OK: true})
		return
	}

	if req.Async {
		queued := 0
		for _, raw := range req.Requests {
			if err := p.SubmitAsync(raw); err != nil {
				p.log.Warn().Err(err).Msg("async submit failed")
				continue
			}
			queued++
		}
		service.WriteJSONLine(conn, ackReply{Queued: queued})
		return
	}

	results := make([]json.RawMessage, len(req.Requests))
	errs := make([]error, len(req.Requests))
	var wg sync.WaitGroup
	for i, raw := range req.Requests {
		wg.Add(1)
		go func(i int, raw json.RawMessage) {
			defer wg.Done()
			results[i], errs[i] = p.Submit(ctx, raw)
		}(i, raw)
	}
	wg.Wait()

	reply := make([]json.RawMessage, len(req.Requests))
	for i := range req.Requests {
		if errs[i] != nil {
			element, _ := json.Marshal(errorReply{Error: errs[i].Error()})
			reply[i] = element
			continue
		}
		reply[i] = results[i]
	}
	service.WriteJSONLine(conn, reply)
}
