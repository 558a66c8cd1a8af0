package main

import (
	"bufio"
	"fmt"
	"net"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/averdin/refinery/internal/manager"
	"github.com/averdin/refinery/internal/service"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of every supervised service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd)
		},
	}
}

func runStatus(cmd *cobra.Command) error {
	reply, err := controlRequest(manager.ControlRequest{Query: "status"})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tPID\tUPTIME\tRESTARTS\tBUSY")
	for _, svc := range reply.Services {
		if svc.Pid == 0 {
			fmt.Fprintf(w, "%s\tdown\t-\t-\t-\n", svc.Name)
			continue
		}
		uptime := time.Since(svc.Since).Round(time.Second)
		busy := "idle"
		if svc.Busy {
			busy = "busy"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\n", svc.Name, svc.Pid, uptime, svc.Restarts, busy)
	}
	return w.Flush()
}

func newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <service>",
		Short: "Restart one supervised service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := controlRequest(manager.ControlRequest{Command: "restart", Service: args[0]}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s restarted\n", args[0])
			return nil
		},
	}
}

// controlRequest sends one request to the manager's control socket and
// returns its reply.
func controlRequest(req manager.ControlRequest) (*manager.ControlReply, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	conn, err := net.DialTimeout("unix", cfg.SocketPath("manager"), 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to manager: %w (is it running?)", err)
	}
	defer conn.Close()

	if err := service.WriteJSONLine(conn, req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	var reply manager.ControlReply
	if err := service.ReadJSONLine(bufio.NewReader(conn), &reply); err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	if !reply.OK {
		return nil, fmt.Errorf("manager: %s", reply.Error)
	}
	return &reply, nil
}
