package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// adminFlags address a running bridge's admin API.
type adminFlags struct {
	baseURL string
	token   string
}

func newAdminCommand() *cobra.Command {
	flags := &adminFlags{}
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Operate on a running bridge's admin API",
	}
	cmd.PersistentFlags().StringVar(&flags.baseURL, "addr", "http://localhost:8080", "base URL of the running bridge")
	cmd.PersistentFlags().StringVar(&flags.token, "token", "", "bearer token for the required scope")

	cmd.AddCommand(newAdminStatusCommand(flags))
	cmd.AddCommand(newAdminReplayCommand(flags))
	cmd.AddCommand(newAdminCleanupCommand(flags))
	return cmd
}

func newAdminStatusCommand(flags *adminFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue depth and dead-letter counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminCall(cmd, flags, http.MethodGet, "/admin/status", nil)
		},
	}
}

func newAdminReplayCommand(flags *adminFlags) *cobra.Command {
	var status, id string
	var limit int
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-enqueue dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if status != "" {
				body["status"] = status
			}
			if id != "" {
				body["id"] = id
			}
			if limit > 0 {
				body["limit"] = limit
			}
			return adminCall(cmd, flags, http.MethodPost, "/admin/dead-letters/replay", body)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (default pending)")
	cmd.Flags().StringVar(&id, "id", "", "replay a single dead letter by id")
	cmd.Flags().IntVar(&limit, "limit", 0, "bound the number of rows replayed")
	return cmd
}

func newAdminCleanupCommand(flags *adminFlags) *cobra.Command {
	var status string
	var olderThanHours, limit int
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete aged dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"older_than_hours": olderThanHours,
				"dry_run":          dryRun,
			}
			if status != "" {
				body["status"] = status
			}
			if limit > 0 {
				body["limit"] = limit
			}
			return adminCall(cmd, flags, http.MethodPost, "/admin/dead-letters/cleanup", body)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&olderThanHours, "older-than-hours", 168, "only rows whose last failure is older")
	cmd.Flags().IntVar(&limit, "limit", 0, "bound the number of rows removed")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "count without deleting")
	return cmd
}

func adminCall(cmd *cobra.Command, flags *adminFlags, method, path string, body map[string]any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(cmd.Context(), method, flags.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if flags.token != "" {
		req.Header.Set("Authorization", "Bearer "+flags.token)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(payload))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, payload, "", "  "); err != nil {
		cmd.Println(string(payload))
		return nil
	}
	cmd.Println(pretty.String())
	return nil
}
