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

// SystemdManager manages the daemon as a Linux systemd user service.
type SystemdManager struct{}

// Label returns "systemd".
func (m *SystemdManager) Label() string {
	return "systemd"
}

// Install installs and starts the user service.
func (m *SystemdManager) Install(opts InstallOptions) (*InstallResult, error) {
	return InstallSystemdService(opts)
}

// Uninstall removes the user service.
func (m *SystemdManager) Uninstall(env map[string]string) error {
	return UninstallSystemdService(env)
}

// Stop stops the user service.
func (m *SystemdManager) Stop(env map[string]string) error {
	return StopSystemdService(env)
}

// Restart restarts the user service.
func (m *SystemdManager) Restart(env map[string]string) error {
	return RestartSystemdService(env)
}

// IsInstalled checks whether the user service is enabled.
func (m *SystemdManager) IsInstalled(env map[string]string) (bool, error) {
	return IsSystemdServiceEnabled(env)
}

// Runtime reads the user service's state.
func (m *SystemdManager) Runtime(env map[string]string) (*ServiceRuntime, error) {
	return ReadSystemdServiceRuntime(env)
}

// resolveSystemdServiceName returns the unit name without the .service
// suffix, honoring the override variable and the profile suffix.
func resolveSystemdServiceName(env map[string]string) string {
	if override := strings.TrimSpace(env[EnvSystemdUnit]); override != "" {
		return strings.TrimSuffix(override, ".service")
	}
	if profile := resolveProfile(env); profile != "" {
		return DefaultSystemdServiceName + "-" + profile
	}
	return DefaultSystemdServiceName
}

// resolveSystemdUnitPath returns the unit path under ~/.config/systemd/user.
func resolveSystemdUnitPath(env map[string]string) string {
	home := resolveHomeDir(env)
	if home == "" {
		home = "."
	}
	return filepath.Join(home, ".config", "systemd", "user", resolveSystemdServiceName(env)+".service")
}

// execSystemctl runs systemctl and captures its output and exit code.
func execSystemctl(args []string) (stdout, stderr string, code int) {
	cmd := exec.Command("systemctl", args...)
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

// assertSystemdAvailable verifies that systemctl --user responds.
func assertSystemdAvailable() error {
	_, stderr, code := execSystemctl([]string{"--user", "status"})
	if code == 0 {
		return nil
	}
	if strings.Contains(strings.ToLower(stderr), "not found") {
		return fmt.Errorf("systemctl not available; systemd user services are required on Linux")
	}
	return fmt.Errorf("systemctl --user unavailable: %s", strings.TrimSpace(stderr))
}

// UnitSpec is the input to BuildSystemdUnit.
type UnitSpec struct {
	Description      string
	ProgramArguments []string
	WorkingDirectory string
	Environment      map[string]string
}

// BuildSystemdUnit renders the user unit file. Restart=always brings
// the daemon back after crashes; RestartSec paces the retries.
func BuildSystemdUnit(spec UnitSpec) string {
	var lines []string

	lines = append(lines, "[Unit]")
	description := spec.Description
	if description == "" {
		description = "Valet Daemon"
	}
	lines = append(lines, "Description="+description)
	lines = append(lines, "After=network-online.target")
	lines = append(lines, "Wants=network-online.target")
	lines = append(lines, "")

	lines = append(lines, "[Service]")
	lines = append(lines, "ExecStart="+systemdQuoteArgs(spec.ProgramArguments))
	lines = append(lines, "Restart=always")
	lines = append(lines, "RestartSec=5")
	// KillMode=process keeps lingering tool subprocesses from blocking
	// shutdown; systemd waits only for the daemon itself.
	lines = append(lines, "KillMode=process")

	if spec.WorkingDirectory != "" {
		lines = append(lines, "WorkingDirectory="+systemdEscapeArg(spec.WorkingDirectory))
	}
	for k, v := range spec.Environment {
		if v != "" {
			lines = append(lines, "Environment="+systemdEscapeArg(k+"="+v))
		}
	}
	lines = append(lines, "")

	lines = append(lines, "[Install]")
	lines = append(lines, "WantedBy=default.target")
	lines = append(lines, "")

	return strings.Join(lines, "\n")
}

// systemdEscapeArg quotes a value for a unit file when it needs it.
func systemdEscapeArg(value string) string {
	if !strings.ContainsAny(value, " \t\"\\") {
		return value
	}
	escaped := strings.ReplaceAll(value, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}

// systemdQuoteArgs joins ExecStart arguments with escaping.
func systemdQuoteArgs(args []string) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, systemdEscapeArg(arg))
	}
	return strings.Join(parts, " ")
}

// InstallSystemdService writes the unit, reloads systemd, enables the
// unit, and restarts it so a new definition takes effect.
func InstallSystemdService(opts InstallOptions) (*InstallResult, error) {
	if err := assertSystemdAvailable(); err != nil {
		return nil, err
	}

	env := opts.Env
	if env == nil {
		env = make(map[string]string)
	}

	unitPath := resolveSystemdUnitPath(env)
	if err := os.MkdirAll(filepath.Dir(unitPath), 0o755); err != nil {
		return nil, fmt.Errorf("create systemd user directory: %w", err)
	}

	description := opts.Description
	if description == "" {
		description = formatServiceDescription(env)
	}

	unit := BuildSystemdUnit(UnitSpec{
		Description:      description,
		ProgramArguments: opts.ProgramArguments,
		WorkingDirectory: opts.WorkingDirectory,
		Environment:      opts.Environment,
	})

	if err := os.WriteFile(unitPath, []byte(unit), 0o644); err != nil {
		return nil, fmt.Errorf("write unit file: %w", err)
	}

	unitName := resolveSystemdServiceName(env) + ".service"

	_, stderr, code := execSystemctl([]string{"--user", "daemon-reload"})
	if code != 0 {
		return nil, fmt.Errorf("systemctl daemon-reload failed: %s", strings.TrimSpace(stderr))
	}
	_, stderr, code = execSystemctl([]string{"--user", "enable", unitName})
	if code != 0 {
		return nil, fmt.Errorf("systemctl enable failed: %s", strings.TrimSpace(stderr))
	}
	_, stderr, code = execSystemctl([]string{"--user", "restart", unitName})
	if code != 0 {
		return nil, fmt.Errorf("systemctl restart failed: %s", strings.TrimSpace(stderr))
	}

	return &InstallResult{Path: unitPath}, nil
}

// UninstallSystemdService disables and stops the unit, then removes its file.
func UninstallSystemdService(env map[string]string) error {
	if err := assertSystemdAvailable(); err != nil {
		return err
	}
	if env == nil {
		env = make(map[string]string)
	}

	unitName := resolveSystemdServiceName(env) + ".service"
	execSystemctl([]string{"--user", "disable", "--now", unitName})

	if err := os.Remove(resolveSystemdUnitPath(env)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file: %w", err)
	}
	return nil
}

// StopSystemdService stops the unit.
func StopSystemdService(env map[string]string) error {
	if err := assertSystemdAvailable(); err != nil {
		return err
	}
	if env == nil {
		env = make(map[string]string)
	}

	unitName := resolveSystemdServiceName(env) + ".service"
	_, stderr, code := execSystemctl([]string{"--user", "stop", unitName})
	if code != 0 {
		return fmt.Errorf("systemctl stop failed: %s", strings.TrimSpace(stderr))
	}
	return nil
}

// RestartSystemdService restarts the unit.
func RestartSystemdService(env map[string]string) error {
	if err := assertSystemdAvailable(); err != nil {
		return err
	}
	if env == nil {
		env = make(map[string]string)
	}

	unitName := resolveSystemdServiceName(env) + ".service"
	_, stderr, code := execSystemctl([]string{"--user", "restart", unitName})
	if code != 0 {
		return fmt.Errorf("systemctl restart failed: %s", strings.TrimSpace(stderr))
	}
	return nil
}

// IsSystemdServiceEnabled reports whether the unit is enabled.
func IsSystemdServiceEnabled(env map[string]string) (bool, error) {
	if err := assertSystemdAvailable(); err != nil {
		return false, err
	}
	if env == nil {
		env = make(map[string]string)
	}

	unitName := resolveSystemdServiceName(env) + ".service"
	_, _, code := execSystemctl([]string{"--user", "is-enabled", unitName})
	return code == 0, nil
}

// ReadSystemdServiceRuntime reads the unit's state from systemctl show.
func ReadSystemdServiceRuntime(env map[string]string) (*ServiceRuntime, error) {
	if err := assertSystemdAvailable(); err != nil {
		return &ServiceRuntime{Status: "unknown", Detail: err.Error()}, nil
	}
	if env == nil {
		env = make(map[string]string)
	}

	unitName := resolveSystemdServiceName(env) + ".service"
	stdout, stderr, code := execSystemctl([]string{
		"--user", "show", unitName,
		"--no-page",
		"--property", "ActiveState,SubState,MainPID,ExecMainStatus,ExecMainCode",
	})

	if code != 0 {
		detail := strings.TrimSpace(stderr)
		if detail == "" {
			detail = strings.TrimSpace(stdout)
		}
		return &ServiceRuntime{
			Status:      "stopped",
			Detail:      detail,
			MissingUnit: strings.Contains(strings.ToLower(detail), "not found"),
		}, nil
	}

	info := parseSystemdShow(stdout)
	activeState := strings.ToLower(info.ActiveState)
	status := "unknown"
	if activeState == "active" {
		status = "running"
	} else if activeState != "" {
		status = "stopped"
	}

	return &ServiceRuntime{
		Status:         status,
		State:          info.ActiveState,
		SubState:       info.SubState,
		PID:            info.MainPID,
		LastExitStatus: info.ExecMainStatus,
		LastExitReason: info.ExecMainCode,
	}, nil
}

// SystemdShowInfo is the parsed subset of systemctl show output.
type SystemdShowInfo struct {
	ActiveState    string
	SubState       string
	MainPID        int
	ExecMainStatus int
	ExecMainCode   string
}

// parseSystemdShow extracts the properties requested by
// ReadSystemdServiceRuntime from systemctl's key=value lines.
func parseSystemdShow(output string) SystemdShowInfo {
	entries := parseKeyValueOutput(output, "=")
	info := SystemdShowInfo{
		ActiveState:  entries["activestate"],
		SubState:     entries["substate"],
		ExecMainCode: entries["execmaincode"],
	}

	if pid, err := strconv.Atoi(entries["mainpid"]); err == nil && pid > 0 {
		info.MainPID = pid
	}
	if status, err := strconv.Atoi(entries["execmainstatus"]); err == nil {
		info.ExecMainStatus = status
	}
	return info
}

// ParseSystemdExecStart splits an ExecStart value back into arguments,
// honoring double quotes and backslash escapes.
func ParseSystemdExecStart(value string) []string {
	var args []string
	var current strings.Builder
	inQuotes := false
	escapeNext := false

	flush := func() {
		if current.Len() > 0 {
			args = append(args, current.String())
			current.Reset()
		}
	}

	for _, char := range value {
		switch {
		case escapeNext:
			current.WriteRune(char)
			escapeNext = false
		case char == '\\':
			escapeNext = true
		case char == '"':
			inQuotes = !inQuotes
		case !inQuotes && (char == ' ' || char == '\t'):
			flush()
		default:
			current.WriteRune(char)
		}
	}
	flush()
	return args
}

// ParseSystemdEnvAssignment parses an Environment= line value into its
// key and value, handling the quoted form.
func ParseSystemdEnvAssignment(raw string) (key, value string, ok bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", "", false
	}

	if strings.HasPrefix(trimmed, `"`) && strings.HasSuffix(trimmed, `"`) && len(trimmed) >= 2 {
		var unquoted strings.Builder
		escapeNext := false
		for _, ch := range trimmed[1 : len(trimmed)-1] {
			if escapeNext {
				unquoted.WriteRune(ch)
				escapeNext = false
				continue
			}
			if ch == '\\' {
				escapeNext = true
				continue
			}
			unquoted.WriteRune(ch)
		}
		trimmed = unquoted.String()
	}

	idx := strings.Index(trimmed, "=")
	if idx <= 0 {
		return "", "", false
	}
	key = strings.TrimSpace(trimmed[:idx])
	if key == "" {
		return "", "", false
	}
	return key, trimmed[idx+1:], true
}

// ReadSystemdServiceExecStart reads back the command line, working
// directory, and environment from the installed unit file. The status
// command uses it to show what an install will restart.
func ReadSystemdServiceExecStart(env map[string]string) (programArguments []string, workingDirectory string, environment map[string]string, err error) {
	if env == nil {
		env = make(map[string]string)
	}

	content, readErr := os.ReadFile(resolveSystemdUnitPath(env))
	if readErr != nil {
		return nil, "", nil, readErr
	}

	environment = make(map[string]string)
	var execStart string

	for _, line := range splitLines(string(content)) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		switch {
		case strings.HasPrefix(line, "ExecStart="):
			execStart = line[len("ExecStart="):]
		case strings.HasPrefix(line, "WorkingDirectory="):
			workingDirectory = line[len("WorkingDirectory="):]
		case strings.HasPrefix(line, "Environment="):
			if k, v, ok := ParseSystemdEnvAssignment(line[len("Environment="):]); ok {
				environment[k] = v
			}
		}
	}

	if execStart == "" {
		return nil, "", nil, fmt.Errorf("ExecStart not found in unit file")
	}
	return ParseSystemdExecStart(execStart), workingDirectory, environment, nil
}
