// Package threat classifies untrusted text against known prompt-injection,
// jailbreak, command-injection, and exfiltration signatures. Pattern set
// follows OWASP LLM01:2025 guidance.
package threat

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/agent-warden/agent-warden/internal/config"
	"github.com/agent-warden/agent-warden/internal/metrics"
	"github.com/agent-warden/agent-warden/pkg/models"
)

const filteredToken = "[FILTERED]"

// Attack signatures. Any match redacts the span and escalates to critical.
var maliciousPatterns = []string{
	// Direct injection
	`ignore\s+((previous|prior|all|above)\s+)+instructions?`,
	`disregard\s+(previous|prior|all|above)`,
	`forget\s+(previous|prior|all|above)`,
	`new\s+instructions?:\s*`,
	`system\s*:\s*you\s+are`,
	`from\s+now\s+on`,
	`you\s+must\s+(now|always)`,

	// Jailbreaks
	`pretend\s+(you|to)\s+(are|be)`,
	`act\s+as\s+(if|though)`,
	`roleplay\s+as`,
	`DAN\s+mode`,
	`developer\s+mode`,
	`jailbreak`,

	// Command injection
	`;\s*(rm|del|format|curl|wget)`,
	`\|\s*(rm|del|format|curl|wget)`,
	`&&\s*(rm|del|format|curl|wget)`,
	"`[^`]*`",
	`\$\([^\)]*\)`,

	// Data exfiltration
	`send\s+.+\s+to\s+https?://`,
	`post\s+.+\s+to\s+https?://`,
	`exfiltrate`,
	`extract\s+.+\s+(and\s+)?send`,
	`curl\s+.+\s+https?://`,
	`wget\s+.+\s+https?://`,

	// Credential probing
	`api[_\s-]?key`,
	`secret[_\s-]?key`,
	`access[_\s-]?token`,
	`auth[_\s-]?token`,
	`password`,
	`credentials`,

	// Filesystem probing
	`\.\./`,
	`/etc/`,
	`/root/`,
	`\.ssh`,
	`\.env`,

	// Prompt leaking
	`show\s+(me\s+)?(your|the)\s+(system\s+)?prompt`,
	`what\s+(is|are)\s+your\s+(system\s+)?instructions`,
	`repeat\s+(your|the)\s+(system\s+)?prompt`,
	`print\s+(your|the)\s+(system\s+)?prompt`,
}

// Literal sequences escalating to dangerous: markup/script and template injection
var dangerousSequences = []string{
	"<script", "</script",
	"javascript:",
	"onerror=",
	"onload=",
	"${", "{{", "}}",
	"<!--", "-->",
}

// Invisible and control characters used in substitution-style injection
// (zero-width spaces, word joiners, C0/C1 controls).
var substitutionRegex = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]|[\x{0080}-\x{009F}]|[\x{200B}-\x{200D}]|\x{FEFF}|[\x{2060}-\x{2069}]`)

var identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

var filenameBadChars = regexp.MustCompile(`[<>:"|?*\x00-\x1F]`)

var urlRegex = regexp.MustCompile(`https?://\S+`)

var instructionIndicators = []string{
	"you are", "you must", "you should", "you will",
	"always", "never", "from now on", "henceforth",
	"system:", "assistant:", "user:",
}

var imperativeVerbs = []string{
	"ignore", "disregard", "forget", "execute", "run",
	"send", "post", "delete", "remove", "extract",
}

var transferVerbs = []string{"send", "post", "forward", "transmit"}

// Scanner validates and sanitizes untrusted text. Immutable after
// construction; safe for concurrent use.
type Scanner struct {
	maxInputLength   int
	strictMode       bool
	semanticAnalysis bool

	patterns []*regexp.Regexp
	logger   *slog.Logger
}

// Option configures a Scanner
type Option func(*Scanner)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scanner) {
		s.logger = logger
	}
}

// NewScanner compiles the signature library once up front
func NewScanner(cfg config.ValidationConfig, opts ...Option) *Scanner {
	s := &Scanner{
		maxInputLength:   cfg.MaxInputLength,
		strictMode:       cfg.StrictMode,
		semanticAnalysis: cfg.SemanticAnalysis,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxInputLength <= 0 {
		s.maxInputLength = 10000
	}

	s.patterns = make([]*regexp.Regexp, 0, len(maliciousPatterns))
	for _, p := range maliciousPatterns {
		s.patterns = append(s.patterns, regexp.MustCompile(`(?i)`+p))
	}

	return s
}

// Validate runs the full detection pipeline over text. Each stage may
// escalate the threat level and rewrite the working copy; the sanitized
// text in the result is safe to pass downstream when IsValid is true.
func (s *Scanner) Validate(text, context string) models.ThreatResult {
	if text == "" {
		return models.ThreatResult{IsValid: true, Level: models.ThreatSafe, Sanitized: "", Confidence: 1.0}
	}

	var threats []string
	level := models.ThreatSafe
	confidence := 1.0

	// 1. Length
	if len(text) > s.maxInputLength {
		threats = append(threats, fmt.Sprintf("input too long (%d > %d)", len(text), s.maxInputLength))
		level = escalate(level, models.ThreatSuspicious)
		text = text[:s.maxInputLength]
		confidence = 0.9
	}

	// 2. Character substitution (zero-width/control chars)
	if substitutionRegex.MatchString(text) {
		threats = append(threats, "character substitution attack detected")
		level = escalate(level, models.ThreatDangerous)
		text = substitutionRegex.ReplaceAllString(text, "")
		confidence = 0.8
	}

	// 3. Attack signatures
	for i, re := range s.patterns {
		if re.MatchString(text) {
			threats = append(threats, "malicious pattern detected: "+truncate(maliciousPatterns[i], 50))
			level = escalate(level, models.ThreatCritical)
			confidence = 0.95
			text = re.ReplaceAllString(text, filteredToken)
		}
	}

	// 4. Dangerous literal sequences
	lower := strings.ToLower(text)
	for _, seq := range dangerousSequences {
		if strings.Contains(lower, seq) {
			threats = append(threats, "dangerous sequence detected: "+seq)
			level = escalate(level, models.ThreatDangerous)
			text = replaceFold(text, seq, filteredToken)
			lower = strings.ToLower(text)
			confidence = min(confidence, 0.85)
		}
	}

	// 5. Semantic pass, escalates at most to suspicious
	if s.semanticAnalysis {
		semantic := semanticThreats(text)
		if len(semantic) > 0 {
			threats = append(threats, semantic...)
			level = escalate(level, models.ThreatSuspicious)
			confidence = min(confidence, 0.7)
		}
	}

	isValid := level == models.ThreatSafe ||
		(level == models.ThreatSuspicious && !s.strictMode) ||
		level == models.ThreatDangerous // allowed after sanitization
	if level == models.ThreatCritical {
		isValid = false
	}

	if len(threats) > 0 {
		metrics.RecordThreat(level.String())
		s.logger.Warn("threats detected",
			"context", context, "level", level.String(), "threats", strings.Join(threats, "; "))
	}

	return models.ThreatResult{
		IsValid:    isValid,
		Level:      level,
		Sanitized:  text,
		Threats:    threats,
		Confidence: confidence,
	}
}

// ValidateConfig recursively validates every string in a config tree and
// rejects keys containing disallowed characters.
func (s *Scanner) ValidateConfig(cfg map[string]any) (bool, []string) {
	var issues []string

	for key, value := range cfg {
		if !identifierRegex.MatchString(key) {
			issues = append(issues, "invalid config key: "+key)
		}

		switch v := value.(type) {
		case string:
			result := s.Validate(v, "config["+key+"]")
			if !result.IsValid {
				issues = append(issues, fmt.Sprintf("invalid config value for %q: %s",
					key, strings.Join(result.Threats, "; ")))
			}
		case map[string]any:
			if _, nested := s.ValidateConfig(v); len(nested) > 0 {
				issues = append(issues, nested...)
			}
		case []any:
			for i, item := range v {
				switch elem := item.(type) {
				case string:
					result := s.Validate(elem, fmt.Sprintf("config[%s][%d]", key, i))
					if !result.IsValid {
						issues = append(issues, fmt.Sprintf("invalid list item in %s[%d]: %s",
							key, i, strings.Join(result.Threats, "; ")))
					}
				case map[string]any:
					if _, nested := s.ValidateConfig(elem); len(nested) > 0 {
						issues = append(issues, nested...)
					}
				}
			}
		}
	}

	return len(issues) == 0, issues
}

// SanitizeFilename strips separators, parent references, and control
// characters so the result cannot escape a directory.
func (s *Scanner) SanitizeFilename(filename string) string {
	out := strings.ReplaceAll(filename, "/", "_")
	out = strings.ReplaceAll(out, `\`, "_")
	out = strings.ReplaceAll(out, "..", "")
	out = filenameBadChars.ReplaceAllString(out, "")
	if len(out) > 255 {
		out = out[:255]
	}
	return out
}

// ValidateIdentifier checks a unit name against the strict allow-pattern
// and the full detection pipeline.
func (s *Scanner) ValidateIdentifier(name string) (bool, string) {
	if name == "" {
		return false, "identifier cannot be empty"
	}
	if len(name) > 100 {
		return false, "identifier too long (max 100 characters)"
	}
	if !identifierRegex.MatchString(name) {
		return false, "identifier contains invalid characters (allowed: a-z, A-Z, 0-9, _, ., -)"
	}
	if result := s.Validate(name, "identifier"); !result.IsValid {
		return false, "identifier failed security check: " + strings.Join(result.Threats, "; ")
	}
	return true, ""
}

func semanticThreats(text string) []string {
	var threats []string
	lower := strings.ToLower(text)

	for _, indicator := range instructionIndicators {
		if strings.Contains(lower, indicator) {
			threats = append(threats, "instruction-like pattern: "+indicator)
		}
	}

	imperativeCount := 0
	for _, verb := range imperativeVerbs {
		if strings.Contains(lower, verb) {
			imperativeCount++
		}
	}
	if imperativeCount >= 3 {
		threats = append(threats, fmt.Sprintf("high frequency of imperative verbs (%d)", imperativeCount))
	}

	if urlRegex.MatchString(text) {
		for _, verb := range transferVerbs {
			if strings.Contains(lower, verb) {
				threats = append(threats, "potential data exfiltration (URL + transfer verb)")
				break
			}
		}
	}

	return threats
}

func escalate(current, candidate models.ThreatLevel) models.ThreatLevel {
	if candidate > current {
		return candidate
	}
	return current
}

// replaceFold replaces every case-insensitive occurrence of old with new
func replaceFold(text, old, new string) string {
	lower := strings.ToLower(text)
	oldLower := strings.ToLower(old)

	var b strings.Builder
	for {
		i := strings.Index(lower, oldLower)
		if i < 0 {
			b.WriteString(text)
			return b.String()
		}
		b.WriteString(text[:i])
		b.WriteString(new)
		text = text[i+len(old):]
		lower = lower[i+len(old):]
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
