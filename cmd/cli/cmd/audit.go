package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	auditType       string
	auditActor      string
	auditResult     string
	auditLimit      int
	auditSinceHours int
	summaryHours    int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit trail",
	Long:  `Query recent audit events recorded by the governance service.`,
	RunE:  runAudit,
}

var auditSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize recent audit activity",
	RunE:  runAuditSummary,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditSummaryCmd)

	auditCmd.Flags().StringVarP(&auditType, "type", "t", "", "Filter by event type")
	auditCmd.Flags().StringVarP(&auditActor, "actor", "a", "", "Filter by actor")
	auditCmd.Flags().StringVarP(&auditResult, "result", "r", "", "Filter by result (success, denied, error)")
	auditCmd.Flags().IntVarP(&auditLimit, "limit", "l", 50, "Maximum events to return")
	auditCmd.Flags().IntVar(&auditSinceHours, "since", 0, "Only events from the last N hours")

	auditSummaryCmd.Flags().IntVar(&summaryHours, "hours", 24, "Summary window in hours")
}

func runAudit(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	if auditType != "" {
		params.Set("type", auditType)
	}
	if auditActor != "" {
		params.Set("actor", auditActor)
	}
	if auditResult != "" {
		params.Set("result", auditResult)
	}
	if auditLimit > 0 {
		params.Set("limit", strconv.Itoa(auditLimit))
	}
	if auditSinceHours > 0 {
		params.Set("since_hours", strconv.Itoa(auditSinceHours))
	}

	reqURL := fmt.Sprintf("%s/api/v1/audit", serverURL)
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

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
		Events []AuditEvent `json:"events"`
		Count  int          `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	if len(result.Events) == 0 {
		fmt.Println("No audit events found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tTYPE\tACTOR\tACTION\tRESULT")
	for _, e := range result.Events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp, e.Type, truncateString(e.Actor, 24),
			truncateString(e.Action, 40), e.Result)
	}
	return w.Flush()
}

func runAuditSummary(cmd *cobra.Command, args []string) error {
	reqURL := fmt.Sprintf("%s/api/v1/audit/summary?hours=%d", serverURL, summaryHours)

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
		PeriodHours       int      `json:"period_hours"`
		TotalEvents       int      `json:"total_events"`
		AuthFailures      int      `json:"auth_failures"`
		AuthzDenials      int      `json:"authz_denials"`
		InputsBlocked     int      `json:"inputs_blocked"`
		SandboxViolations int      `json:"sandbox_violations"`
		BudgetDenials     int      `json:"budget_denials"`
		UniqueActors      int      `json:"unique_actors"`
		Actors            []string `json:"actors,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	fmt.Println("Audit Summary")
	fmt.Println("=============")
	fmt.Println()
	fmt.Printf("Period:             last %d hours\n", result.PeriodHours)
	fmt.Printf("Total Events:       %d\n", result.TotalEvents)
	fmt.Printf("Auth Failures:      %d\n", result.AuthFailures)
	fmt.Printf("Authz Denials:      %d\n", result.AuthzDenials)
	fmt.Printf("Inputs Blocked:     %d\n", result.InputsBlocked)
	fmt.Printf("Sandbox Violations: %d\n", result.SandboxViolations)
	fmt.Printf("Budget Denials:     %d\n", result.BudgetDenials)
	fmt.Printf("Unique Actors:      %d\n", result.UniqueActors)
	return nil
}
