package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/glowus/relay/internal/config"
	"github.com/glowus/relay/internal/server"
)

func newStatusCmd() *cobra.Command {
	var (
		addr       string
		configPath string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := statusAddr(addr, configPath)
			if err != nil {
				return err
			}

			status, err := queryStatus(target)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}
			writeStatusOutput(out, status)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Relay address to query (default: from config, then "+config.DefaultAddr+")")
	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file (default: ~/.canvas-relay/config.toml)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	return cmd
}

// statusAddr picks the address to query: the flag, then the config file, then the default.
func statusAddr(addr, configPath string) (string, error) {
	if addr != "" {
		return addr, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	cfg.ApplyDefaults()
	return cfg.Addr, nil
}

// queryStatus makes an HTTP GET request to the /status endpoint.
func queryStatus(addr string) (*server.StatusResponse, error) {
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(fmt.Sprintf("http://%s/status", addr))
	if err != nil {
		return nil, fmt.Errorf("relay is not running at %s (or not reachable)", addr)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var status server.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &status, nil
}

// writeStatusOutput renders human-readable relay status output.
func writeStatusOutput(w io.Writer, status *server.StatusResponse) {
	fmt.Fprintf(w, "Relay Status\n")
	fmt.Fprintf(w, "============\n")
	fmt.Fprintf(w, "Listening:    %s\n", status.ListeningAddress)
	fmt.Fprintf(w, "Uptime:       %s\n", formatUptime(status.UptimeSeconds))

	roles := make([]string, 0, len(status.Peers))
	for role := range status.Peers {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	fmt.Fprintf(w, "Peers:       ")
	for _, role := range roles {
		fmt.Fprintf(w, " %s=%d", role, status.Peers[role])
	}
	fmt.Fprintln(w)

	if status.AutomationBound {
		fmt.Fprintf(w, "Automation:   bound\n")
	} else {
		fmt.Fprintf(w, "Automation:   not connected\n")
	}
	if status.CanvasUpdatedAt != nil {
		fmt.Fprintf(w, "Canvas:       %d updates (last %s)\n", status.CanvasUpdates, status.CanvasUpdatedAt.Format(time.RFC3339))
	} else {
		fmt.Fprintf(w, "Canvas:       %d updates\n", status.CanvasUpdates)
	}
	fmt.Fprintf(w, "Pending:      %d requests (%d expired, timeout %s)\n",
		len(status.PendingRequests), status.ExpiredRequests,
		time.Duration(status.PendingTimeoutMs)*time.Millisecond)
	fmt.Fprintf(w, "Sessions:     %d/%d\n", len(status.Sessions), status.MaxSessions)

	for _, s := range status.Sessions {
		state := "exited"
		if s.Running {
			state = "running"
		}
		fmt.Fprintf(w, "  - %s pid=%d %s (%s)\n", s.ID, s.Pid, s.Shell, state)
	}
}

// formatUptime formats an uptime in seconds as a human-readable string.
// Examples: "45s", "5m 23s", "2h 15m", "3d 4h"
func formatUptime(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	if d < time.Minute {
		return fmt.Sprintf("%ds", seconds)
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
}
