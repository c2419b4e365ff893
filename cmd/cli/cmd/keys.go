package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	keysName    string
	keysRole    string
	keysTTLDays int
	keysIPs     []string
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
	Long:  `Create, list, rotate, and revoke API keys. Requires an admin session.`,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys",
	RunE:  runKeysList,
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new API key",
	RunE:  runKeysCreate,
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke [key-id]",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysRevoke,
}

var keysRotateCmd = &cobra.Command{
	Use:   "rotate [key-id]",
	Short: "Rotate an API key secret",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysRotate,
}

func init() {
	rootCmd.AddCommand(keysCmd)

	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysCreateCmd)
	keysCmd.AddCommand(keysRevokeCmd)
	keysCmd.AddCommand(keysRotateCmd)

	keysCreateCmd.Flags().StringVarP(&keysName, "name", "n", "", "Key name (required)")
	keysCreateCmd.Flags().StringVarP(&keysRole, "role", "r", "agent", "Role (admin, operator, agent, readonly, guest)")
	keysCreateCmd.Flags().IntVar(&keysTTLDays, "ttl", 0, "Key lifetime in days (0 = never expires)")
	keysCreateCmd.Flags().StringSliceVar(&keysIPs, "allow-ip", nil, "Restrict key to these source IPs")
	keysCreateCmd.MarkFlagRequired("name")
}

func runKeysList(cmd *cobra.Command, args []string) error {
	reqURL := fmt.Sprintf("%s/api/v1/keys", serverURL)

	req, err := authedRequest(http.MethodGet, reqURL, nil)
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

	var result struct {
		Keys []Key `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	if len(result.Keys) == 0 {
		fmt.Println("No keys found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tROLE\tENABLED\tUSES\tEXPIRES")
	for _, k := range result.Keys {
		expires := k.ExpiresAt
		if expires == "" || expires == "0001-01-01T00:00:00Z" {
			expires = "never"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%s\n",
			k.ID, truncateString(k.Name, 30), k.Role, k.Enabled, k.UseCount, expires)
	}
	return w.Flush()
}

func runKeysCreate(cmd *cobra.Command, args []string) error {
	payload := map[string]any{
		"name": keysName,
		"role": keysRole,
	}
	if keysTTLDays > 0 {
		payload["ttl_days"] = keysTTLDays
	}
	if len(keysIPs) > 0 {
		payload["ip_allowlist"] = keysIPs
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	reqURL := fmt.Sprintf("%s/api/v1/keys", serverURL)
	req, err := authedRequest(http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s", string(respBody))
	}

	var result struct {
		KeyID  string `json:"key_id"`
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	fmt.Printf("Key created: %s\n", result.KeyID)
	fmt.Printf("Secret:      %s\n", result.Secret)
	fmt.Println("\nStore the secret now; it cannot be recovered later.")
	return nil
}

func runKeysRevoke(cmd *cobra.Command, args []string) error {
	reqURL := fmt.Sprintf("%s/api/v1/keys/%s", serverURL, args[0])

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

	fmt.Printf("Key %s revoked.\n", args[0])
	return nil
}

func runKeysRotate(cmd *cobra.Command, args []string) error {
	reqURL := fmt.Sprintf("%s/api/v1/keys/%s/rotate", serverURL, args[0])

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

	var result struct {
		KeyID  string `json:"key_id"`
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	fmt.Printf("Key rotated: %s\n", result.KeyID)
	fmt.Printf("New secret:  %s\n", result.Secret)
	return nil
}
