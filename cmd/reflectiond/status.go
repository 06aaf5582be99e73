package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query a running reflectiond instance's health and status endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.OutOrStdout())
		},
	}
}

type statusClient struct {
	baseURL string
	http    *http.Client
}

func (c *statusClient) getJSON(path string, v any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func runStatus(w io.Writer) error {
	c := &statusClient{baseURL: serverURL, http: &http.Client{Timeout: 5 * time.Second}}

	var health map[string]any
	if err := c.getJSON("/healthz", &health); err != nil {
		return fmt.Errorf("fetching /healthz: %w", err)
	}
	fmt.Fprintf(w, "alive: %v (uptime %v)\n", health["status"], health["uptime"])

	var ready map[string]any
	if err := c.getJSON("/readyz", &ready); err != nil {
		return fmt.Errorf("fetching /readyz: %w", err)
	}
	fmt.Fprintf(w, "ready: %v\n", ready["status"])
	if checks, ok := ready["checks"].(map[string]any); ok {
		for name, state := range checks {
			fmt.Fprintf(w, "  %s: %v\n", name, state)
		}
	}

	var status struct {
		Leader         bool   `json:"leader"`
		LastWakeupTime string `json:"lastWakeupTime"`
		Uptime         string `json:"uptime"`
	}
	if err := c.getJSON("/internal/status", &status); err != nil {
		return fmt.Errorf("fetching /internal/status: %w", err)
	}
	fmt.Fprintf(w, "leader: %v\n", status.Leader)
	if status.LastWakeupTime != "" {
		fmt.Fprintf(w, "last wakeup: %s\n", status.LastWakeupTime)
	} else {
		fmt.Fprintln(w, "last wakeup: never")
	}

	return nil
}
