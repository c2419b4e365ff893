package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List active security alerts",
	RunE:  runAlerts,
}

var alertsAckCmd = &cobra.Command{
	Use:   "ack [alert-id]",
	Short: "Acknowledge an alert",
	Args:  cobra.ExactArgs(1),
	RunE:  runAlertsAck,
}

func init() {
	rootCmd.AddCommand(alertsCmd)
	alertsCmd.AddCommand(alertsAckCmd)
}

func runAlerts(cmd *cobra.Command, args []string) error {
	reqURL := fmt.Sprintf("%s/api/v1/alerts", serverURL)

	resp, err := http.Get(reqURL)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s", string(body))
	}

	var result struct {
		Alerts []Alert `json:"alerts"`
		Count  int     `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	if len(result.Alerts) == 0 {
		fmt.Println("No active alerts.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLEVEL\tTITLE\tACTION")
	for _, a := range result.Alerts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			a.ID, a.Level, truncateString(a.Title, 40), truncateString(a.RecommendedAction, 50))
	}
	return w.Flush()
}

func runAlertsAck(cmd *cobra.Command, args []string) error {
	reqURL := fmt.Sprintf("%s/api/v1/alerts/%s/ack", serverURL, args[0])

	req, err := authedRequest(http.MethodPost, reqURL, nil)
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

	fmt.Printf("Alert %s acknowledged.\n", args[0])
	return nil
}
