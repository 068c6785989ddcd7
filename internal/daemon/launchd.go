package daemon

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// LaunchdManager manages the daemon as a macOS LaunchAgent.
type LaunchdManager struct{}

// Label returns "LaunchAgent".
func (m *LaunchdManager) Label() string {
	return "LaunchAgent"
}

// Install installs and starts the LaunchAgent.
func (m *LaunchdManager) Install(opts InstallOptions) (*InstallResult, error) {
	return InstallLaunchAgent(opts)
}

// Uninstall removes the LaunchAgent.
func (m *LaunchdManager) Uninstall(env map[string]string) error {
	return UninstallLaunchAgent(env)
}

// Stop stops the LaunchAgent.
func (m *LaunchdManager) Stop(env map[string]string) error {
	return StopLaunchAgent(env)
}

// Restart restarts the LaunchAgent.
func (m *LaunchdManager) Restart(env map[string]string) error {
	return RestartLaunchAgent(env)
}

// IsInstalled checks whether the LaunchAgent is loaded.
func (m *LaunchdManager) IsInstalled(env map[string]string) (bool, error) {
	return IsLaunchAgentLoaded(env)
}

// Runtime reads the LaunchAgent's state.
func (m *LaunchdManager) Runtime(env map[string]string) (*ServiceRuntime, error) {
	return ReadLaunchAgentRuntime(env)
}

// resolveLaunchdLabel returns the launchd label, honoring the override
// variable and the profile suffix.
func resolveLaunchdLabel(env map[string]string) string {
	if label := strings.TrimSpace(env[EnvLaunchdLabel]); label != "" {
		return label
	}
	if profile := resolveProfile(env); profile != "" {
		return "com.haasonsaas.valet." + profile
	}
	return DefaultLaunchdLabel
}

// resolveLaunchdPlistPath returns the plist path under ~/Library/LaunchAgents.
func resolveLaunchdPlistPath(env map[string]string) string {
	home := resolveHomeDir(env)
	if home == "" {
		home = "."
	}
	return filepath.Join(home, "Library", "LaunchAgents", resolveLaunchdLabel(env)+".plist")
}

// resolveLogPaths returns the log directory and stdout/stderr log paths
// under the state dir.
func resolveLogPaths(env map[string]string) (logDir, stdoutPath, stderrPath string) {
	stateDir := resolveStateDir(env)
	if stateDir == "" {
		stateDir = "."
	}
	logDir = filepath.Join(stateDir, "logs")
	prefix := env[EnvLogPrefix]
	if prefix == "" {
		prefix = "daemon"
	}
	stdoutPath = filepath.Join(logDir, prefix+".log")
	stderrPath = filepath.Join(logDir, prefix+".err.log")
	return
}

// resolveGUIDomain returns the launchd GUI domain for the current user.
func resolveGUIDomain() string {
	uid := os.Getuid()
	if uid < 0 {
		uid = 501 // stock macOS first-user UID
	}
	return fmt.Sprintf("gui/%d", uid)
}

// execLaunchctl runs launchctl and captures its output and exit code.
func execLaunchctl(args []string) (stdout, stderr string, code int) {
	cmd := exec.Command("launchctl", args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	stdout = outBuf.String()
	stderr = errBuf.String()

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = 1
		}
		if stderr == "" {
			stderr = err.Error()
		}
	}
	return
}

// LaunchAgentSpec is the input to BuildLaunchAgentPlist.
type LaunchAgentSpec struct {
	Label            string
	Comment          string
	ProgramArguments []string
	WorkingDirectory string
	StdoutPath       string
	StderrPath       string
	Environment      map[string]string
}

// BuildLaunchAgentPlist renders the LaunchAgent plist XML. RunAtLoad
// and KeepAlive are always set; launchd restarts the daemon if it dies.
func BuildLaunchAgentPlist(spec LaunchAgentSpec) string {
	var b strings.Builder

	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
  <dict>
    <key>Label</key>
    <string>`)
	b.WriteString(plistEscape(spec.Label))
	b.WriteString("</string>\n")

	if spec.Comment != "" {
		b.WriteString("    <key>Comment</key>\n    <string>")
		b.WriteString(plistEscape(spec.Comment))
		b.WriteString("</string>\n")
	}

	b.WriteString(`    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>ProgramArguments</key>
    <array>
`)
	for _, arg := range spec.ProgramArguments {
		b.WriteString("      <string>")
		b.WriteString(plistEscape(arg))
		b.WriteString("</string>\n")
	}
	b.WriteString("    </array>\n")

	if spec.WorkingDirectory != "" {
		b.WriteString("    <key>WorkingDirectory</key>\n    <string>")
		b.WriteString(plistEscape(spec.WorkingDirectory))
		b.WriteString("</string>\n")
	}

	b.WriteString("    <key>StandardOutPath</key>\n    <string>")
	b.WriteString(plistEscape(spec.StdoutPath))
	b.WriteString("</string>\n    <key>StandardErrorPath</key>\n    <string>")
	b.WriteString(plistEscape(spec.StderrPath))
	b.WriteString("</string>\n")

	if len(spec.Environment) > 0 {
		b.WriteString("    <key>EnvironmentVariables</key>\n    <dict>\n")
		for k, v := range spec.Environment {
			b.WriteString("      <key>")
			b.WriteString(plistEscape(k))
			b.WriteString("</key>\n      <string>")
			b.WriteString(plistEscape(v))
			b.WriteString("</string>\n")
		}
		b.WriteString("    </dict>\n")
	}

	b.WriteString("  </dict>\n</plist>\n")
	return b.String()
}

// plistEscape escapes XML special characters.
func plistEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, `"`, "&quot;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	return s
}

// InstallLaunchAgent writes the plist and bootstraps it into the user's
// GUI domain. An already-loaded agent is booted out first so the new
// definition takes effect.
func InstallLaunchAgent(opts InstallOptions) (*InstallResult, error) {
	env := opts.Env
	if env == nil {
		env = make(map[string]string)
	}

	logDir, stdoutPath, stderrPath := resolveLogPaths(env)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	domain := resolveGUIDomain()
	label := resolveLaunchdLabel(env)
	plistPath := resolveLaunchdPlistPath(env)

	if err := os.MkdirAll(filepath.Dir(plistPath), 0o755); err != nil {
		return nil, fmt.Errorf("create LaunchAgents directory: %w", err)
	}

	description := opts.Description
	if description == "" {
		description = formatServiceDescription(env)
	}

	plist := BuildLaunchAgentPlist(LaunchAgentSpec{
		Label:            label,
		Comment:          description,
		ProgramArguments: opts.ProgramArguments,
		WorkingDirectory: opts.WorkingDirectory,
		StdoutPath:       stdoutPath,
		StderrPath:       stderrPath,
		Environment:      opts.Environment,
	})

	if err := os.WriteFile(plistPath, []byte(plist), 0o644); err != nil {
		return nil, fmt.Errorf("write plist: %w", err)
	}

	// Boot out any loaded copy; the modern and legacy verbs cover both
	// launchd generations.
	execLaunchctl([]string{"bootout", domain, plistPath})
	execLaunchctl([]string{"unload", plistPath})

	// Clear any persisted disabled state from an earlier uninstall.
	execLaunchctl([]string{"enable", domain + "/" + label})

	_, stderr, code := execLaunchctl([]string{"bootstrap", domain, plistPath})
	if code != 0 {
		return nil, fmt.Errorf("launchctl bootstrap failed: %s", strings.TrimSpace(stderr))
	}

	execLaunchctl([]string{"kickstart", "-k", domain + "/" + label})

	return &InstallResult{Path: plistPath}, nil
}

// UninstallLaunchAgent boots the agent out and moves the plist to the
// Trash, deleting it only when the Trash is unavailable.
func UninstallLaunchAgent(env map[string]string) error {
	if env == nil {
		env = make(map[string]string)
	}

	domain := resolveGUIDomain()
	plistPath := resolveLaunchdPlistPath(env)

	execLaunchctl([]string{"bootout", domain, plistPath})
	execLaunchctl([]string{"unload", plistPath})

	if _, err := os.Stat(plistPath); err != nil {
		return nil
	}

	if home := resolveHomeDir(env); home != "" {
		trashDir := filepath.Join(home, ".Trash")
		if err := os.MkdirAll(trashDir, 0o755); err == nil {
			dest := filepath.Join(trashDir, resolveLaunchdLabel(env)+".plist")
			if err := os.Rename(plistPath, dest); err == nil {
				return nil
			}
		}
	}
	if err := os.Remove(plistPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// StopLaunchAgent boots the agent out of the GUI domain.
func StopLaunchAgent(env map[string]string) error {
	if env == nil {
		env = make(map[string]string)
	}

	serviceID := resolveGUIDomain() + "/" + resolveLaunchdLabel(env)
	_, stderr, code := execLaunchctl([]string{"bootout", serviceID})
	if code != 0 && !isLaunchctlNotLoaded(stderr) {
		return fmt.Errorf("launchctl bootout failed: %s", strings.TrimSpace(stderr))
	}
	return nil
}

// RestartLaunchAgent kickstarts the agent, killing the running instance.
func RestartLaunchAgent(env map[string]string) error {
	if env == nil {
		env = make(map[string]string)
	}

	serviceID := resolveGUIDomain() + "/" + resolveLaunchdLabel(env)
	_, stderr, code := execLaunchctl([]string{"kickstart", "-k", serviceID})
	if code != 0 {
		return fmt.Errorf("launchctl kickstart failed: %s", strings.TrimSpace(stderr))
	}
	return nil
}

// IsLaunchAgentLoaded reports whether launchd knows the label.
func IsLaunchAgentLoaded(env map[string]string) (bool, error) {
	if env == nil {
		env = make(map[string]string)
	}

	serviceID := resolveGUIDomain() + "/" + resolveLaunchdLabel(env)
	_, _, code := execLaunchctl([]string{"print", serviceID})
	return code == 0, nil
}

// ReadLaunchAgentRuntime reads the agent's state from launchctl print.
func ReadLaunchAgentRuntime(env map[string]string) (*ServiceRuntime, error) {
	if env == nil {
		env = make(map[string]string)
	}

	serviceID := resolveGUIDomain() + "/" + resolveLaunchdLabel(env)
	stdout, stderr, code := execLaunchctl([]string{"print", serviceID})
	if code != 0 {
		detail := strings.TrimSpace(stderr)
		if detail == "" {
			detail = strings.TrimSpace(stdout)
		}
		return &ServiceRuntime{
			Status:      "unknown",
			Detail:      detail,
			MissingUnit: true,
		}, nil
	}

	info := parseLaunchctlPrint(stdout)

	plistExists := true
	if _, err := os.Stat(resolveLaunchdPlistPath(env)); os.IsNotExist(err) {
		plistExists = false
	}

	state := strings.ToLower(info.State)
	status := "unknown"
	if state == "running" || info.PID > 0 {
		status = "running"
	} else if state != "" {
		status = "stopped"
	}

	return &ServiceRuntime{
		Status:         status,
		State:          info.State,
		PID:            info.PID,
		LastExitStatus: info.LastExitStatus,
		LastExitReason: info.LastExitReason,
		CachedLabel:    !plistExists,
	}, nil
}

// LaunchctlPrintInfo is the parsed subset of launchctl print output.
type LaunchctlPrintInfo struct {
	State          string
	PID            int
	LastExitStatus int
	LastExitReason string
}

// parseLaunchctlPrint extracts the fields we report from launchctl
// print's key = value lines.
func parseLaunchctlPrint(output string) LaunchctlPrintInfo {
	entries := parseKeyValueOutput(output, "=")
	info := LaunchctlPrintInfo{State: entries["state"]}

	if pid, err := strconv.Atoi(entries["pid"]); err == nil {
		info.PID = pid
	}
	if status, err := strconv.Atoi(entries["last exit status"]); err == nil {
		info.LastExitStatus = status
	}
	info.LastExitReason = entries["last exit reason"]
	return info
}

// isLaunchctlNotLoaded matches the errors launchctl emits for a label
// it does not know.
func isLaunchctlNotLoaded(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "no such process") ||
		strings.Contains(lower, "could not find service") ||
		strings.Contains(lower, "not found")
}
