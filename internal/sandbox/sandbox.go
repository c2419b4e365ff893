// Package sandbox runs untrusted commands in a confined scratch directory
// with OS resource limits, a watchdog timeout, and output redaction.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/agent-warden/agent-warden/internal/config"
	"github.com/agent-warden/agent-warden/internal/metrics"
	"github.com/agent-warden/agent-warden/pkg/models"
)

// Commands that never run, regardless of mode
var defaultBlockedCommands = []string{
	"rm", "rmdir", "del", "format",
	"dd", "mkfs",
	"curl", "wget", "nc", "netcat", "telnet",
	"ssh", "scp", "ftp", "sftp",
	"sudo", "su", "passwd",
	"chmod", "chown", "chgrp",
	"kill", "killall", "pkill",
	"reboot", "shutdown", "halt", "poweroff",
	"systemctl", "service",
	"iptables", "ifconfig", "ip",
	"mount", "umount",
}

// Environment variable names containing any of these are stripped before spawn
var credentialEnvMarkers = []string{"KEY", "SECRET", "TOKEN", "PASSWORD"}

var networkIndicators = []string{"http://", "https://", "ftp://", "://", "@"}

// Secret-shaped output patterns. Redaction is a best-effort heuristic
// filter, not a security boundary.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[a-zA-Z0-9]{32,}`),
	regexp.MustCompile(`Bearer\s+[a-zA-Z0-9_-]{20,}`),
	regexp.MustCompile(`[a-zA-Z0-9_-]{32,}`),
}

const (
	truncationMarker = "\n[OUTPUT TRUNCATED]"
	redactedMarker   = "[REDACTED]"
)

// Sandbox executes commands under resource confinement. One scratch
// directory serves all executions; Close removes it.
type Sandbox struct {
	mode              models.SandboxMode
	allowNetwork      bool
	allowedReadPaths  []string
	allowedWritePaths []string
	blockedCommands   map[string]struct{}
	maxExecutionTime  time.Duration
	maxMemoryMB       int
	maxCPUPercent     int
	maxOutputBytes    int
	maxFileSizeMB     int
	maxProcesses      int

	workspace string

	mu             sync.Mutex
	executions     int64
	violationCount int64
	blockedCount   int64
	timeoutKills   int64

	logger *slog.Logger
}

// Option configures a Sandbox
type Option func(*Sandbox)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sandbox) {
		s.logger = logger
	}
}

// New creates a sandbox with a fresh scratch workspace
func New(cfg config.SandboxConfig, opts ...Option) (*Sandbox, error) {
	mode := models.SandboxMode(cfg.Mode)
	if !mode.Valid() {
		return nil, fmt.Errorf("unknown sandbox mode: %s", cfg.Mode)
	}

	workspace, err := os.MkdirTemp("", "warden_sandbox_")
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox workspace: %w", err)
	}

	s := &Sandbox{
		mode:              mode,
		allowNetwork:      cfg.AllowNetwork,
		allowedReadPaths:  cfg.AllowedReadPaths,
		allowedWritePaths: cfg.AllowedWritePaths,
		blockedCommands:   make(map[string]struct{}, len(defaultBlockedCommands)),
		maxExecutionTime:  cfg.MaxExecutionTime,
		maxMemoryMB:       cfg.MaxMemoryMB,
		maxCPUPercent:     cfg.MaxCPUPercent,
		maxOutputBytes:    cfg.MaxOutputBytes,
		maxFileSizeMB:     cfg.MaxFileSizeMB,
		maxProcesses:      cfg.MaxProcesses,
		workspace:         workspace,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, cmd := range defaultBlockedCommands {
		s.blockedCommands[cmd] = struct{}{}
	}

	if s.maxExecutionTime <= 0 {
		s.maxExecutionTime = 30 * time.Second
	}
	if s.maxMemoryMB <= 0 {
		s.maxMemoryMB = 512
	}
	if s.maxCPUPercent <= 0 || s.maxCPUPercent > 100 {
		s.maxCPUPercent = 50
	}
	if s.maxOutputBytes <= 0 {
		s.maxOutputBytes = 1024 * 1024
	}
	if s.maxFileSizeMB <= 0 {
		s.maxFileSizeMB = 10
	}
	if s.maxProcesses <= 0 {
		s.maxProcesses = 10
	}

	s.logger.Info("sandbox initialized", "mode", string(mode), "workspace", workspace)
	return s, nil
}

// Close removes the scratch workspace
func (s *Sandbox) Close() error {
	return os.RemoveAll(s.workspace)
}

// Workspace returns the scratch directory path
func (s *Sandbox) Workspace() string {
	return s.workspace
}

// Execute validates and runs a command in the sandbox. In strict and
// paranoid modes any validation violation aborts before spawning; in
// weaker modes violations are recorded and execution proceeds.
func (s *Sandbox) Execute(ctx context.Context, command []string, stdin string, env map[string]string) models.ExecutionResult {
	s.mu.Lock()
	s.executions++
	s.mu.Unlock()

	if len(command) == 0 {
		metrics.RecordSandboxExecution("rejected", 0)
		return models.ExecutionResult{
			Success:    false,
			Stderr:     "Empty command",
			ExitCode:   -1,
			Violations: []string{"empty_command"},
		}
	}

	violations := s.validate(command)

	cmdName := strings.ToLower(command[0])
	if _, blocked := s.blockedCommands[cmdName]; blocked {
		s.mu.Lock()
		s.blockedCount++
		s.violationCount++
		s.mu.Unlock()
		metrics.RecordSandboxViolation("blocked_command")
		metrics.RecordSandboxExecution("blocked", 0)
		s.logger.Warn("blocked command", "command", cmdName)

		return models.ExecutionResult{
			Success:    false,
			Stderr:     fmt.Sprintf("Command %q is blocked", cmdName),
			ExitCode:   -1,
			Violations: append(violations, "blocked_command: "+cmdName),
		}
	}

	if len(violations) > 0 && s.mode.Blocking() {
		metrics.RecordSandboxExecution("blocked", 0)
		s.logger.Warn("sandbox violations detected", "violations", strings.Join(violations, ", "))
		return models.ExecutionResult{
			Success:    false,
			Stderr:     "Sandbox violations: " + strings.Join(violations, ", "),
			ExitCode:   -1,
			Violations: violations,
		}
	}

	return s.spawn(ctx, command, stdin, env, violations)
}

// validate scans arguments for path and network violations. The command
// name itself is checked against the blocklist by the caller.
func (s *Sandbox) validate(command []string) []string {
	var violations []string

	for _, arg := range command[1:] {
		if strings.Contains(arg, "..") || strings.HasPrefix(arg, "/") {
			if !s.pathAllowed(arg) {
				violations = append(violations, "unauthorized_path: "+arg)
				s.recordViolation("unauthorized_path")
			}
		}
	}

	if !s.allowNetwork {
		for _, arg := range command {
			for _, ind := range networkIndicators {
				if strings.Contains(arg, ind) {
					violations = append(violations, "network_access_attempt: "+arg)
					s.recordViolation("network_access")
					break
				}
			}
		}
	}

	return violations
}

func (s *Sandbox) pathAllowed(path string) bool {
	if strings.HasPrefix(path, s.workspace) {
		return true
	}
	for _, allowed := range s.allowedReadPaths {
		if strings.HasPrefix(path, allowed) {
			return true
		}
	}
	for _, allowed := range s.allowedWritePaths {
		if strings.HasPrefix(path, allowed) {
			return true
		}
	}
	return false
}

func (s *Sandbox) spawn(ctx context.Context, command []string, stdin string, env map[string]string, violations []string) models.ExecutionResult {
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = s.workspace
	cmd.Env = sanitizedEnv(env)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	stdout := newCapBuffer(s.maxOutputBytes)
	stderr := newCapBuffer(s.maxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// Own process group so the watchdog can kill the whole tree
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		metrics.RecordSandboxExecution("error", 0)
		return models.ExecutionResult{
			Success:    false,
			Stderr:     "Execution error: " + err.Error(),
			ExitCode:   -1,
			Violations: append(violations, "execution_error"),
		}
	}

	// Prlimit attaches the ceilings after Start, so the child runs a few
	// scheduler ticks unconfined. Go offers no setrlimit-between-fork-and-exec
	// hook without a re-exec shim; the watchdog below still bounds the worst
	// case.
	s.applyLimits(cmd.Process.Pid)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	killed := false
	killReason := ""
	timer := time.NewTimer(s.maxExecutionTime)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		killed = true
		killReason = "timeout"
		violations = append(violations, "timeout_exceeded")
		s.recordViolation("timeout")
		s.mu.Lock()
		s.timeoutKills++
		s.mu.Unlock()
		s.killGroup(cmd.Process.Pid)
		<-done
	case <-ctx.Done():
		killed = true
		killReason = "cancelled"
		s.killGroup(cmd.Process.Pid)
		<-done
	}

	duration := time.Since(start)
	exitCode := cmd.ProcessState.ExitCode()

	outStr, outTruncated := stdout.String()
	errStr, _ := stderr.String()
	if outTruncated {
		violations = append(violations, "output_size_exceeded")
		s.recordViolation("output_overflow")
	}

	outStr = redactSecrets(outStr)
	errStr = redactSecrets(errStr)

	success := exitCode == 0 && !killed

	result := "ok"
	if !success {
		result = "failed"
	}
	metrics.RecordSandboxExecution(result, duration)

	s.logger.Info("sandbox execution",
		"command", command[0], "exit_code", exitCode,
		"duration", duration, "violations", len(violations), "killed", killed)

	return models.ExecutionResult{
		Success:    success,
		Stdout:     outStr,
		Stderr:     errStr,
		ExitCode:   exitCode,
		Duration:   duration,
		Violations: violations,
		Killed:     killed,
		KillReason: killReason,
	}
}

// applyLimits attaches rlimits to the running child: address space, CPU
// seconds, file size, and process count (fork-bomb ceiling).
func (s *Sandbox) applyLimits(pid int) {
	memBytes := uint64(s.maxMemoryMB) * 1024 * 1024
	fileBytes := uint64(s.maxFileSizeMB) * 1024 * 1024
	cpuSecs := s.cpuSecondsBudget()

	limits := []struct {
		resource int
		limit    unix.Rlimit
	}{
		{unix.RLIMIT_AS, unix.Rlimit{Cur: memBytes, Max: memBytes}},
		{unix.RLIMIT_CPU, unix.Rlimit{Cur: cpuSecs, Max: cpuSecs + 5}},
		{unix.RLIMIT_FSIZE, unix.Rlimit{Cur: fileBytes, Max: fileBytes}},
		{unix.RLIMIT_NPROC, unix.Rlimit{Cur: uint64(s.maxProcesses), Max: uint64(s.maxProcesses)}},
	}

	for _, l := range limits {
		lim := l.limit
		if err := unix.Prlimit(pid, l.resource, &lim, nil); err != nil {
			s.logger.Error("failed to set resource limit",
				"pid", pid, "resource", l.resource, "error", err)
		}
	}
}

// cpuSecondsBudget converts the CPU-percent ceiling into RLIMIT_CPU
// seconds: the share of the wall-clock window the child may spend on-CPU.
func (s *Sandbox) cpuSecondsBudget() uint64 {
	wallSecs := uint64(s.maxExecutionTime / time.Second)
	if wallSecs == 0 {
		wallSecs = 1
	}
	cpuSecs := wallSecs * uint64(s.maxCPUPercent) / 100
	if cpuSecs == 0 {
		cpuSecs = 1
	}
	return cpuSecs
}

// killGroup signals the whole process group
func (s *Sandbox) killGroup(pid int) {
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		// Group may already be gone; fall back to the child itself
		_ = unix.Kill(pid, unix.SIGKILL)
	}
}

func (s *Sandbox) recordViolation(kind string) {
	s.mu.Lock()
	s.violationCount++
	s.mu.Unlock()
	metrics.RecordSandboxViolation(kind)
}

// Status returns sandbox counters
func (s *Sandbox) Status() models.SandboxStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return models.SandboxStatus{
		Mode:            s.mode,
		Executions:      s.executions,
		Violations:      s.violationCount,
		BlockedCommands: s.blockedCount,
		TimeoutKills:    s.timeoutKills,
	}
}

// sanitizedEnv copies the process environment minus credential-shaped
// variables, then applies explicit overrides.
func sanitizedEnv(overrides map[string]string) []string {
	var env []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		upper := strings.ToUpper(name)
		stripped := false
		for _, marker := range credentialEnvMarkers {
			if strings.Contains(upper, marker) {
				stripped = true
				break
			}
		}
		if !stripped {
			env = append(env, kv)
		}
	}
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

// redactSecrets replaces secret-shaped substrings. Heuristic only.
func redactSecrets(output string) string {
	for _, re := range secretPatterns {
		output = re.ReplaceAllStringFunc(output, func(match string) string {
			if len(match) > 20 && !isAllDigits(match) {
				return redactedMarker
			}
			return match
		})
	}
	return output
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// capBuffer keeps at most max bytes and remembers whether it overflowed
type capBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newCapBuffer(max int) *capBuffer {
	return &capBuffer{max: max}
}

func (b *capBuffer) Write(p []byte) (int, error) {
	if b.buf.Len() >= b.max {
		b.truncated = true
		return len(p), nil
	}
	room := b.max - b.buf.Len()
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *capBuffer) String() (string, bool) {
	if b.truncated {
		return b.buf.String() + truncationMarker, true
	}
	return b.buf.String(), false
}
