package models

import "fmt"

// ThreatLevel is the ordered classification of untrusted input
type ThreatLevel int

const (
	ThreatSafe ThreatLevel = iota
	ThreatSuspicious
	ThreatDangerous
	ThreatCritical
)

// String returns the lowercase name of the threat level
func (t ThreatLevel) String() string {
	switch t {
	case ThreatSafe:
		return "safe"
	case ThreatSuspicious:
		return "suspicious"
	case ThreatDangerous:
		return "dangerous"
	case ThreatCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler for JSON output
func (t ThreatLevel) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *ThreatLevel) UnmarshalText(text []byte) error {
	switch string(text) {
	case "safe":
		*t = ThreatSafe
	case "suspicious":
		*t = ThreatSuspicious
	case "dangerous":
		*t = ThreatDangerous
	case "critical":
		*t = ThreatCritical
	default:
		return fmt.Errorf("unknown threat level %q", text)
	}
	return nil
}

// ThreatResult is the outcome of validating a piece of untrusted text
type ThreatResult struct {
	IsValid    bool        `json:"is_valid"`
	Level      ThreatLevel `json:"level"`
	Sanitized  string      `json:"sanitized"`
	Threats    []string    `json:"threats,omitempty"`
	Confidence float64     `json:"confidence"` // 0.0 - 1.0
}
