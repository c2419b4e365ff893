package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var authAPIKey string

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authenticate and obtain a session",
	Long: `Exchange an API key for a session ID. Pass the session to later
commands with --session or the WARDEN_SESSION environment variable.`,
	RunE: runAuth,
}

func init() {
	rootCmd.AddCommand(authCmd)

	authCmd.Flags().StringVarP(&authAPIKey, "key", "k", os.Getenv("WARDEN_API_KEY"), "API key secret")
}

func runAuth(cmd *cobra.Command, args []string) error {
	if authAPIKey == "" {
		return fmt.Errorf("no API key provided (use --key or WARDEN_API_KEY)")
	}

	body, err := json.Marshal(map[string]string{"api_key": authAPIKey})
	if err != nil {
		return err
	}

	reqURL := fmt.Sprintf("%s/api/v1/auth", serverURL)
	resp, err := http.Post(reqURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("authentication failed: %s", string(respBody))
	}

	var result struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	fmt.Printf("Session: %s\n", result.SessionID)
	fmt.Println("\nExport it for later commands:")
	fmt.Printf("  export WARDEN_SESSION=%s\n", result.SessionID)
	return nil
}
