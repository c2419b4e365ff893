package cmd

import (
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL    string
	outputFormat string
	sessionID    string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Warden CLI - manage the agent governance service",
	Long: `Warden is a governance and security enforcement service
for autonomous agent workloads.

This CLI tool allows you to:
- Inspect budget, sandbox, and access status
- Create, rotate, and revoke API keys
- Query the audit trail and security alerts
- Trigger or clear the emergency stop`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", getEnvOrDefault("WARDEN_URL", "http://localhost:8080"), "Warden server URL")
	rootCmd.PersistentFlags().StringVar(&sessionID, "session", os.Getenv("WARDEN_SESSION"), "Session ID for privileged operations")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// authedRequest builds a request carrying the session header when one is set.
func authedRequest(method, reqURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, reqURL, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sessionID != "" {
		req.Header.Set("X-Session-ID", sessionID)
	}
	return req, nil
}
