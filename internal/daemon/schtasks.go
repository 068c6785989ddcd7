package daemon

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// SchtasksManager manages the daemon as a Windows Scheduled Task.
type SchtasksManager struct{}

// Label returns "Scheduled Task".
func (m *SchtasksManager) Label() string {
	return "Scheduled Task"
}

// Install installs and starts the scheduled task.
func (m *SchtasksManager) Install(opts InstallOptions) (*InstallResult, error) {
	return InstallScheduledTask(opts)
}

// Uninstall removes the scheduled task.
func (m *SchtasksManager) Uninstall(env map[string]string) error {
	return UninstallScheduledTask(env)
}

// Stop ends the scheduled task.
func (m *SchtasksManager) Stop(env map[string]string) error {
	return StopScheduledTask(env)
}

// Restart ends and reruns the scheduled task.
func (m *SchtasksManager) Restart(env map[string]string) error {
	return RestartScheduledTask(env)
}

// IsInstalled checks whether the scheduled task exists.
func (m *SchtasksManager) IsInstalled(env map[string]string) (bool, error) {
	return IsScheduledTaskInstalled(env)
}

// Runtime reads the scheduled task's state.
func (m *SchtasksManager) Runtime(env map[string]string) (*ServiceRuntime, error) {
	return ReadScheduledTaskRuntime(env)
}

// resolveWindowsTaskName returns the task name, honoring the override
// variable and the profile suffix.
func resolveWindowsTaskName(env map[string]string) string {
	if override := strings.TrimSpace(env[EnvWindowsTask]); override != "" {
		return override
	}
	if profile := resolveProfile(env); profile != "" {
		return DefaultWindowsTaskName + " (" + profile + ")"
	}
	return DefaultWindowsTaskName
}

// resolveTaskScriptPath returns the .cmd wrapper path under the state dir.
func resolveTaskScriptPath(env map[string]string) string {
	if override := strings.TrimSpace(env[EnvTaskScript]); override != "" {
		return override
	}
	scriptName := env[EnvTaskScriptName]
	if scriptName == "" {
		scriptName = "daemon.cmd"
	}
	stateDir := resolveStateDir(env)
	if stateDir == "" {
		stateDir = "."
	}
	return filepath.Join(stateDir, scriptName)
}

// resolveTaskUser returns the DOMAIN\user identity for task creation.
func resolveTaskUser(env map[string]string) string {
	username := env["USERNAME"]
	if username == "" {
		username = env["USER"]
	}
	if username == "" {
		username = env["LOGNAME"]
	}
	if username == "" {
		return ""
	}
	if strings.Contains(username, `\`) {
		return username
	}
	if domain := env["USERDOMAIN"]; domain != "" {
		return domain + `\` + username
	}
	return username
}

// execSchtasks runs schtasks and captures its output and exit code.
func execSchtasks(args []string) (stdout, stderr string, code int) {
	cmd := exec.Command("schtasks", args...)
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

// assertSchtasksAvailable verifies that schtasks responds.
func assertSchtasksAvailable() error {
	_, stderr, code := execSchtasks([]string{"/Query"})
	if code == 0 {
		return nil
	}
	return fmt.Errorf("schtasks unavailable: %s", strings.TrimSpace(stderr))
}

// quoteCmdArg quotes an argument for cmd.exe when it needs it.
func quoteCmdArg(value string) string {
	if !strings.ContainsAny(value, " \t\"") {
		return value
	}
	escaped := strings.ReplaceAll(value, `"`, `\"`)
	return `"` + escaped + `"`
}

// TaskScriptSpec is the input to BuildTaskScript.
type TaskScriptSpec struct {
	Description      string
	ProgramArguments []string
	WorkingDirectory string
	Environment      map[string]string
}

// BuildTaskScript renders the .cmd wrapper the scheduled task runs.
// Task Scheduler cannot set environment variables itself, so the
// wrapper sets them before starting the daemon.
func BuildTaskScript(spec TaskScriptSpec) string {
	lines := []string{"@echo off"}

	if spec.Description != "" {
		lines = append(lines, "rem "+spec.Description)
	}
	if spec.WorkingDirectory != "" {
		lines = append(lines, "cd /d "+quoteCmdArg(spec.WorkingDirectory))
	}
	for k, v := range spec.Environment {
		if v != "" {
			lines = append(lines, "set "+k+"="+v)
		}
	}

	cmdParts := make([]string, 0, len(spec.ProgramArguments))
	for _, arg := range spec.ProgramArguments {
		cmdParts = append(cmdParts, quoteCmdArg(arg))
	}
	lines = append(lines, strings.Join(cmdParts, " "))

	return strings.Join(lines, "\r\n") + "\r\n"
}

// InstallScheduledTask writes the wrapper script and registers an
// at-logon task for it, then starts the task.
func InstallScheduledTask(opts InstallOptions) (*InstallResult, error) {
	if err := assertSchtasksAvailable(); err != nil {
		return nil, err
	}

	env := opts.Env
	if env == nil {
		env = make(map[string]string)
	}

	scriptPath := resolveTaskScriptPath(env)
	if err := os.MkdirAll(filepath.Dir(scriptPath), 0o755); err != nil {
		return nil, fmt.Errorf("create script directory: %w", err)
	}

	description := opts.Description
	if description == "" {
		description = formatServiceDescription(env)
	}

	script := BuildTaskScript(TaskScriptSpec{
		Description:      description,
		ProgramArguments: opts.ProgramArguments,
		WorkingDirectory: opts.WorkingDirectory,
		Environment:      opts.Environment,
	})

	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		return nil, fmt.Errorf("write task script: %w", err)
	}

	taskName := resolveWindowsTaskName(env)
	baseArgs := []string{
		"/Create",
		"/F",
		"/SC", "ONLOGON",
		"/RL", "LIMITED",
		"/TN", taskName,
		"/TR", quoteCmdArg(scriptPath),
	}

	var createCode int
	var createStderr string
	if taskUser := resolveTaskUser(env); taskUser != "" {
		// Interactive no-password registration needs the user identity;
		// fall back to the bare form when policy rejects it.
		args := append(baseArgs, "/RU", taskUser, "/NP", "/IT")
		_, createStderr, createCode = execSchtasks(args)
		if createCode != 0 {
			_, createStderr, createCode = execSchtasks(baseArgs)
		}
	} else {
		_, createStderr, createCode = execSchtasks(baseArgs)
	}

	if createCode != 0 {
		detail := strings.TrimSpace(createStderr)
		hint := ""
		if strings.Contains(strings.ToLower(detail), "access is denied") {
			hint = " Run the terminal as Administrator or start valet without installing the service."
		}
		return nil, fmt.Errorf("schtasks create failed: %s%s", detail, hint)
	}

	execSchtasks([]string{"/Run", "/TN", taskName})

	return &InstallResult{Path: scriptPath}, nil
}

// UninstallScheduledTask deletes the task and removes the wrapper script.
func UninstallScheduledTask(env map[string]string) error {
	if err := assertSchtasksAvailable(); err != nil {
		return err
	}
	if env == nil {
		env = make(map[string]string)
	}

	execSchtasks([]string{"/Delete", "/F", "/TN", resolveWindowsTaskName(env)})

	if err := os.Remove(resolveTaskScriptPath(env)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove task script: %w", err)
	}
	return nil
}

// isTaskNotRunning matches the error schtasks emits for /End on an
// idle task.
func isTaskNotRunning(output string) bool {
	return strings.Contains(strings.ToLower(output), "not running")
}

// StopScheduledTask ends the running task.
func StopScheduledTask(env map[string]string) error {
	if err := assertSchtasksAvailable(); err != nil {
		return err
	}
	if env == nil {
		env = make(map[string]string)
	}

	_, stderr, code := execSchtasks([]string{"/End", "/TN", resolveWindowsTaskName(env)})
	if code != 0 && !isTaskNotRunning(stderr) {
		return fmt.Errorf("schtasks end failed: %s", strings.TrimSpace(stderr))
	}
	return nil
}

// RestartScheduledTask ends the task and runs it again.
func RestartScheduledTask(env map[string]string) error {
	if err := assertSchtasksAvailable(); err != nil {
		return err
	}
	if env == nil {
		env = make(map[string]string)
	}

	taskName := resolveWindowsTaskName(env)
	execSchtasks([]string{"/End", "/TN", taskName})

	_, stderr, code := execSchtasks([]string{"/Run", "/TN", taskName})
	if code != 0 {
		return fmt.Errorf("schtasks run failed: %s", strings.TrimSpace(stderr))
	}
	return nil
}

// IsScheduledTaskInstalled reports whether the task exists.
func IsScheduledTaskInstalled(env map[string]string) (bool, error) {
	if err := assertSchtasksAvailable(); err != nil {
		return false, err
	}
	if env == nil {
		env = make(map[string]string)
	}

	_, _, code := execSchtasks([]string{"/Query", "/TN", resolveWindowsTaskName(env)})
	return code == 0, nil
}

// ReadScheduledTaskRuntime reads the task's state from a verbose query.
func ReadScheduledTaskRuntime(env map[string]string) (*ServiceRuntime, error) {
	if err := assertSchtasksAvailable(); err != nil {
		return &ServiceRuntime{Status: "unknown", Detail: err.Error()}, nil
	}
	if env == nil {
		env = make(map[string]string)
	}

	taskName := resolveWindowsTaskName(env)
	stdout, stderr, code := execSchtasks([]string{"/Query", "/TN", taskName, "/V", "/FO", "LIST"})
	if code != 0 {
		detail := strings.TrimSpace(stderr)
		if detail == "" {
			detail = strings.TrimSpace(stdout)
		}
		return &ServiceRuntime{
			Status:      "stopped",
			Detail:      detail,
			MissingUnit: strings.Contains(strings.ToLower(detail), "cannot find the file"),
		}, nil
	}

	info := parseSchtasksQuery(stdout)
	statusRaw := strings.ToLower(info.Status)
	status := "unknown"
	if statusRaw == "running" {
		status = "running"
	} else if statusRaw != "" {
		status = "stopped"
	}

	return &ServiceRuntime{
		Status:        status,
		State:         info.Status,
		LastRunTime:   info.LastRunTime,
		LastRunResult: info.LastRunResult,
	}, nil
}

// SchtasksQueryInfo is the parsed subset of schtasks /Query /V output.
type SchtasksQueryInfo struct {
	Status        string
	LastRunTime   string
	LastRunResult string
}

// parseSchtasksQuery extracts the fields we report from the verbose
// "key: value" listing.
func parseSchtasksQuery(output string) SchtasksQueryInfo {
	entries := parseKeyValueOutput(output, ":")
	return SchtasksQueryInfo{
		Status:        entries["status"],
		LastRunTime:   entries["last run time"],
		LastRunResult: entries["last run result"],
	}
}

// ReadScheduledTaskCommand reads back the command line, working
// directory, and environment from the wrapper script. The status
// command uses it to show what the task runs.
func ReadScheduledTaskCommand(env map[string]string) (programArguments []string, workingDirectory string, environment map[string]string, err error) {
	if env == nil {
		env = make(map[string]string)
	}

	content, readErr := os.ReadFile(resolveTaskScriptPath(env))
	if readErr != nil {
		return nil, "", nil, readErr
	}

	environment = make(map[string]string)
	var commandLine string

	for _, line := range splitLines(string(content)) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "@echo"):
		case strings.HasPrefix(lower, "rem "):
		case strings.HasPrefix(lower, "set "):
			assignment := line[4:]
			if idx := strings.Index(assignment, "="); idx > 0 {
				key := strings.TrimSpace(assignment[:idx])
				if key != "" {
					environment[key] = strings.TrimSpace(assignment[idx+1:])
				}
			}
		case strings.HasPrefix(lower, "cd /d "):
			workingDirectory = strings.Trim(strings.TrimSpace(line[6:]), `"`)
		default:
			// First remaining line is the daemon command.
			commandLine = line
		}
		if commandLine != "" {
			break
		}
	}

	if commandLine == "" {
		return nil, "", nil, fmt.Errorf("command not found in task script")
	}
	return parseWindowsCommandLine(commandLine), workingDirectory, environment, nil
}

// parseWindowsCommandLine splits a cmd.exe command line. Backslashes
// are path separators; only \" counts as an escaped quote.
func parseWindowsCommandLine(value string) []string {
	var args []string
	var current strings.Builder
	inQuotes := false
	runes := []rune(value)

	flush := func() {
		if current.Len() > 0 {
			args = append(args, current.String())
			current.Reset()
		}
	}

	for i := 0; i < len(runes); {
		char := runes[i]
		switch {
		case char == '\\' && i+1 < len(runes) && runes[i+1] == '"':
			current.WriteRune('"')
			i += 2
			continue
		case char == '"':
			inQuotes = !inQuotes
		case !inQuotes && (char == ' ' || char == '\t'):
			flush()
		default:
			current.WriteRune(char)
		}
		i++
	}
	flush()
	return args
}
