package manager

import (
	"bufio"
	"context"
	"net"

	"github.com/averdin/refinery/internal/service"
)

// ControlRequest is one JSON line on the manager's control socket.
type ControlRequest struct {
	Query   string `json:"query,omitempty"`   // "status"
	Command string `json:"command,omitempty"` // "restart"
	Service string `json:"service,omitempty"`
}

// ControlReply answers one control request.
type ControlReply struct {
	OK       bool            `json:"ok"`
	Error    string          `json:"error,omitempty"`
	Services []ServiceStatus `json:"services,omitempty"`
}

// HandleControlConn serves one control connection.
func (m *Manager) HandleControlConn(ctx context.Context, conn net.Conn) {
	var req ControlRequest
	if err := service.ReadJSONLine(bufio.NewReader(conn), &req); err != nil {
		service.WriteJSONLine(conn, ControlReply{Error: "malformed request"})
		return
	}

	switch {
	case req.Query == "status":
		service.WriteJSONLine(conn, ControlReply{OK: true, Services: m.Status()})
	case req.Command == "restart" && req.Service != "":
		if err := m.Restart(req.Service); err != nil {
			service.WriteJSONLine(conn, ControlReply{Error: err.Error()})
			return
		}
		// Reply once the restarted service is back up, so clients can
		// script against it.
		pidfile := m.cfg.PidfilePath(req.Service)
		if !service.WaitForStartups([]string{pidfile}, startupWindow) {
			service.WriteJSONLine(conn, ControlReply{Error: "service did not come back up"})
			return
		}
		service.WriteJSONLine(conn, ControlReply{OK: true})
	default:
		service.WriteJSONLine(conn, ControlReply{Error: "unsupported request"})
	}
}
