package cmd

// Key represents an API key from the server (CLI-specific with string timestamps)
// Note: We use string for timestamps because the CLI receives JSON and displays them directly.
type Key struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
	ExpiresAt string `json:"expires_at,omitempty"`
	LastUsed  string `json:"last_used,omitempty"`
	UseCount  int64  `json:"use_count"`
	Enabled   bool   `json:"enabled"`
}

// AuditEvent represents an audit trail entry from the server
type AuditEvent struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	Type      string         `json:"type"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Result    string         `json:"result"`
	Details   map[string]any `json:"details,omitempty"`
}

// Alert represents a security alert from the server
type Alert struct {
	ID                string `json:"id"`
	Timestamp         string `json:"timestamp"`
	Level             string `json:"level"`
	Title             string `json:"title"`
	Description       string `json:"description"`
	RecommendedAction string `json:"recommended_action"`
}

// truncateString truncates a string to maxLen characters, adding "..." if truncated
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
