package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/go-resty/resty/v2"
	"github.com/goodtune/kbilling/internal/api"
	"github.com/goodtune/kbilling/internal/config"
	"github.com/goodtune/kbilling/internal/session"
	"github.com/goodtune/kbilling/internal/wire"
	"github.com/spf13/cobra"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running agent's session state",
	Long:  `Query the local status API of a running kbilling agent and print the current session.`,
	Example: `  kbilling status
  kbilling status --addr 127.0.0.1:8099`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "Status API address (defaults to the configured bind address and port)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr := statusAddr
	if addr == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		addr = fmt.Sprintf("%s:%d", cfg.StatusAPI.BindAddress, cfg.StatusAPI.Port)
	}

	status, err := fetchStatus("http://"+addr, 5*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Could not reach kbilling at %s: %v\n", addr, err)
		return err
	}
	printStatus(status)
	return nil
}

func fetchStatus(baseURL string, timeout time.Duration) (*api.Status, error) {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetJSONUnmarshaler(wire.Json.Unmarshal)

	var status api.Status
	resp, err := client.R().SetResult(&status).Get("/api/status")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode())
	}
	if status.Snapshot == nil {
		return nil, fmt.Errorf("empty status response")
	}
	return &status, nil
}

func printStatus(status *api.Status) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	snap := status.Snapshot
	_, _ = cyan.Printf("Station %s\n", snap.DeviceID)

	phase := red
	switch snap.Phase {
	case session.PhaseActive:
		phase = green
	case session.PhaseExpiring:
		phase = yellow
	}
	_, _ = phase.Printf("  phase       = %s\n", snap.Phase)

	if s := snap.Session; s != nil && snap.Phase.Running() {
		fmt.Printf("  session     = #%d %s (%s)\n", s.SessionID, s.CustomerName, s.PackageName)
		fmt.Printf("  remaining   = %s (%s of %d minutes)\n", snap.Display, snap.Remaining, s.DurationMinutes)
	}
	if snap.AbsentPolls > 0 {
		_, _ = yellow.Printf("  unconfirmed = server reported no session %d time(s)\n", snap.AbsentPolls)
	}
	if status.Enforcement != "" {
		fmt.Printf("  enforcement = %s\n", status.Enforcement)
	}
	if !snap.LastSyncAt.IsZero() {
		fmt.Printf("  last sync   = %s\n", snap.LastSyncAt.Local().Format(time.DateTime))
	}
	if status.TodayUsageSeconds != nil {
		fmt.Printf("  used today  = %s\n", session.FormatCoarse(int(*status.TodayUsageSeconds)))
	}
}
