// autopilotctl is the operator CLI for a running autopilot service. It talks
// to the HTTP API; it has no direct store access.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	baseURL   string
	authToken string
)

func main() {
	if err := buildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "autopilotctl",
		Short:   "Operate the autopilot processing service",
		Version: "1.0.0",
	}
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", envOr("AUTOPILOT_URL", "http://localhost:8080"), "autopilot service base URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("AUTOPILOT_TOKEN"), "bearer token for authenticated deployments")

	rootCmd.AddCommand(buildProcessCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildBudgetCommand())
	rootCmd.AddCommand(buildRuntimeCommand())
	return rootCmd
}

func buildProcessCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Trigger one processing cycle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return do(cmd, http.MethodPost, "/v1/process", nil)
		},
	}
}

func buildStatusCommand() *cobra.Command {
	var workspaceID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show event/job counts and queue depth",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/v1/status"
			if workspaceID != "" {
				path += "?workspace_id=" + workspaceID
			}
			return do(cmd, http.MethodGet, path, nil)
		},
	}
	cmd.Flags().StringVarP(&workspaceID, "workspace", "w", "", "scope to one workspace")
	return cmd
}

func buildBudgetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "budget <workspace-id>",
		Short: "Show remaining budget for a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return do(cmd, http.MethodGet, "/v1/workspaces/"+args[0]+"/budget", nil)
		},
	}
}

func buildRuntimeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runtime",
		Short: "Control the internal cycle ticker",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show runtime state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return do(cmd, http.MethodGet, "/v1/runtime", nil)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start the internal ticker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return do(cmd, http.MethodPost, "/v1/runtime/start", nil)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop the internal ticker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return do(cmd, http.MethodPost, "/v1/runtime/stop", nil)
		},
	})
	return cmd
}

func do(cmd *cobra.Command, method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	client := &http.Client{Timeout: 90 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		raw = pretty.Bytes()
	}
	cmd.Println(string(raw))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
