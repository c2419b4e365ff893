package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

var emergencyReason string

var emergencyCmd = &cobra.Command{
	Use:   "emergency",
	Short: "Manage the emergency stop",
	Long: `Trigger or clear the emergency stop. While active, every budgeted
operation is denied. Requires a session with emergency-stop permission.`,
}

var emergencyTriggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Activate the emergency stop",
	RunE:  runEmergencyTrigger,
}

var emergencyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the emergency stop",
	RunE:  runEmergencyClear,
}

func init() {
	rootCmd.AddCommand(emergencyCmd)
	emergencyCmd.AddCommand(emergencyTriggerCmd)
	emergencyCmd.AddCommand(emergencyClearCmd)

	emergencyTriggerCmd.Flags().StringVarP(&emergencyReason, "reason", "r", "", "Reason for the stop (required)")
	emergencyTriggerCmd.MarkFlagRequired("reason")
}

func runEmergencyTrigger(cmd *cobra.Command, args []string) error {
	body, err := json.Marshal(map[string]string{"reason": emergencyReason})
	if err != nil {
		return err
	}

	reqURL := fmt.Sprintf("%s/api/v1/emergency-stop", serverURL)
	req, err := authedRequest(http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s", string(respBody))
	}

	fmt.Println("Emergency stop ACTIVE. All budgeted operations are denied.")
	return nil
}

func runEmergencyClear(cmd *cobra.Command, args []string) error {
	reqURL := fmt.Sprintf("%s/api/v1/emergency-stop", serverURL)

	req, err := authedRequest(http.MethodDelete, reqURL, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s", string(body))
	}

	fmt.Println("Emergency stop cleared.")
	return nil
}
