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

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show governance status",
	Long:  `Show the current budget, sandbox, access, and health status.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// statusSnapshot mirrors the server's status response
type statusSnapshot struct {
	Timestamp string `json:"timestamp"`
	Budget    struct {
		EmergencyStopActive bool   `json:"emergency_stop_active"`
		EmergencyStopReason string `json:"emergency_stop_reason,omitempty"`
		GlobalBudgets       []struct {
			Period    string  `json:"period"`
			Limit     float64 `json:"limit"`
			Spent     float64 `json:"spent"`
			Remaining float64 `json:"remaining"`
		} `json:"global_budgets"`
		TotalOperations   int64   `json:"total_operations"`
		TotalCost         float64 `json:"total_cost"`
		BlockedOperations int64   `json:"blocked_operations"`
		BlockedCostSaved  float64 `json:"blocked_cost_saved"`
		PendingApprovals  int     `json:"pending_approvals"`
	} `json:"budget"`
	Sandbox struct {
		Mode            string `json:"mode"`
		Executions      int64  `json:"executions"`
		Violations      int64  `json:"violations"`
		BlockedCommands int64  `json:"blocked_commands"`
		TimeoutKills    int64  `json:"timeout_kills"`
	} `json:"sandbox"`
	Access struct {
		TotalKeys      int   `json:"total_keys"`
		ActiveKeys     int   `json:"active_keys"`
		ActiveSessions int   `json:"active_sessions"`
		AccessAttempts int64 `json:"access_attempts"`
		AccessDenied   int64 `json:"access_denied"`
	} `json:"access"`
	Health struct {
		Status         string `json:"status"`
		LastHourEvents int    `json:"last_hour_events"`
		CriticalEvents int    `json:"critical_events"`
		ActiveAlerts   int    `json:"active_alerts"`
	} `json:"health"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	reqURL := fmt.Sprintf("%s/api/v1/status", serverURL)

	resp, err := http.Get(reqURL)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s", string(body))
	}

	var result statusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	printStatus(result)
	return nil
}

func printStatus(s statusSnapshot) {
	fmt.Println("Governance Status")
	fmt.Println("=================")
	fmt.Println()

	fmt.Printf("Health:        %s\n", s.Health.Status)
	if s.Budget.EmergencyStopActive {
		fmt.Printf("EMERGENCY:     ACTIVE (%s)\n", s.Budget.EmergencyStopReason)
	}
	fmt.Printf("Alerts:        %d active, %d critical events in last hour\n",
		s.Health.ActiveAlerts, s.Health.CriticalEvents)
	fmt.Println()

	fmt.Println("Budget:")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  PERIOD\tLIMIT\tSPENT\tREMAINING")
	for _, b := range s.Budget.GlobalBudgets {
		fmt.Fprintf(w, "  %s\t$%.2f\t$%.2f\t$%.2f\n", b.Period, b.Limit, b.Spent, b.Remaining)
	}
	w.Flush()
	fmt.Printf("  %d operations ($%.2f total), %d blocked ($%.2f saved), %d pending approvals\n",
		s.Budget.TotalOperations, s.Budget.TotalCost,
		s.Budget.BlockedOperations, s.Budget.BlockedCostSaved,
		s.Budget.PendingApprovals)
	fmt.Println()

	fmt.Printf("Sandbox:       mode=%s executions=%d violations=%d blocked=%d timeouts=%d\n",
		s.Sandbox.Mode, s.Sandbox.Executions, s.Sandbox.Violations,
		s.Sandbox.BlockedCommands, s.Sandbox.TimeoutKills)
	fmt.Printf("Access:        %d/%d keys active, %d sessions, %d/%d attempts denied\n",
		s.Access.ActiveKeys, s.Access.TotalKeys, s.Access.ActiveSessions,
		s.Access.AccessDenied, s.Access.AccessAttempts)
}
