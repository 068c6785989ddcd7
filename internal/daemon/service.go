// Package daemon owns the valet daemon's process lifecycle: the pidfile
// guarding the state directory, the wiring that assembles a running
// daemon from configuration, and cross-platform service management so
// the daemon survives logout (macOS LaunchAgent, Linux systemd user
// service, Windows Scheduled Task).
package daemon

import (
	"runtime"
	"strings"
)

// ServiceRuntime is a snapshot of an installed service's state.
type ServiceRuntime struct {
	Status         string // "running", "stopped", or "unknown"
	State          string // platform state string
	SubState       string // systemd sub-state (Linux only)
	PID            int    // process ID if running
	LastExitStatus int    // last exit code
	LastExitReason string // exit reason description
	LastRunTime    string // last run time (Windows only)
	LastRunResult  string // last run result (Windows only)
	Detail         string // error detail message
	CachedLabel    bool   // loaded but the plist is gone (macOS only)
	MissingUnit    bool   // unit, plist, or task is missing
}

// InstallOptions configures a service install.
type InstallOptions struct {
	// Env supplies HOME, VALET_* overrides, and the user identity used
	// to resolve paths and names. Callers pass a snapshot of the
	// process environment so tests can substitute their own.
	Env map[string]string

	// ProgramArguments is the command line the service runs, usually
	// the daemon binary followed by "start".
	ProgramArguments []string

	WorkingDirectory string

	// Environment is baked into the service definition.
	Environment map[string]string

	Description string
}

// InstallResult reports where the service definition was written.
type InstallResult struct {
	Path string
}

// ServiceManager is the per-platform install surface.
type ServiceManager interface {
	// Label names the mechanism, e.g. "LaunchAgent" or "systemd".
	Label() string

	// Install writes the service definition and starts it.
	Install(opts InstallOptions) (*InstallResult, error)

	// Uninstall stops the service and removes its definition.
	Uninstall(env map[string]string) error

	// Stop halts the running service without uninstalling it.
	Stop(env map[string]string) error

	// Restart stops and starts the service.
	Restart(env map[string]string) error

	// IsInstalled reports whether the service is installed and enabled.
	IsInstalled(env map[string]string) (bool, error)

	// Runtime reads the service's current state.
	Runtime(env map[string]string) (*ServiceRuntime, error)
}

// GetServiceManager returns the manager for the current platform, or
// nil when the platform has no supported service mechanism.
func GetServiceManager() ServiceManager {
	switch runtime.GOOS {
	case "darwin":
		return &LaunchdManager{}
	case "linux":
		return &SystemdManager{}
	case "windows":
		return &SchtasksManager{}
	default:
		return nil
	}
}

// Default service names per platform.
const (
	// DefaultLaunchdLabel is the macOS LaunchAgent label.
	DefaultLaunchdLabel = "com.haasonsaas.valet.daemon"

	// DefaultSystemdServiceName is the Linux systemd user unit name.
	DefaultSystemdServiceName = "valet-daemon"

	// DefaultWindowsTaskName is the Windows scheduled task name.
	DefaultWindowsTaskName = "Valet Daemon"
)

// Environment variables that override the defaults.
const (
	EnvProfile        = "VALET_PROFILE"
	EnvStateDir       = "VALET_STATE_DIR"
	EnvLaunchdLabel   = "VALET_LAUNCHD_LABEL"
	EnvSystemdUnit    = "VALET_SYSTEMD_UNIT"
	EnvWindowsTask    = "VALET_WINDOWS_TASK_NAME"
	EnvLogPrefix      = "VALET_LOG_PREFIX"
	EnvServiceVersion = "VALET_SERVICE_VERSION"
	EnvTaskScript     = "VALET_TASK_SCRIPT"
	EnvTaskScriptName = "VALET_TASK_SCRIPT_NAME"
)

// OSEnv converts environ-style "KEY=VALUE" pairs into the map the
// service managers consume. Callers pass os.Environ().
func OSEnv(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if idx := strings.Index(kv, "="); idx > 0 {
			env[kv[:idx]] = kv[idx+1:]
		}
	}
	return env
}

// resolveHomeDir returns the home directory from the environment.
func resolveHomeDir(env map[string]string) string {
	if home := env["HOME"]; home != "" {
		return home
	}
	if home := env["USERPROFILE"]; home != "" {
		return home
	}
	return ""
}

// resolveProfile normalizes the profile name. The default profile maps
// to the empty string so it never leaks into labels or paths.
func resolveProfile(env map[string]string) string {
	profile := env[EnvProfile]
	if strings.EqualFold(profile, "default") {
		return ""
	}
	return profile
}

// resolveStateDir returns the directory holding logs and scripts for
// the installed service, mirroring the daemon's own state dir rules.
func resolveStateDir(env map[string]string) string {
	if stateDir := env[EnvStateDir]; stateDir != "" {
		return stateDir
	}
	home := resolveHomeDir(env)
	if home == "" {
		return ""
	}
	if profile := resolveProfile(env); profile != "" {
		return home + "/.valet-" + profile
	}
	return home + "/.valet"
}

// formatServiceDescription builds the human-readable service description.
func formatServiceDescription(env map[string]string) string {
	var parts []string
	if profile := resolveProfile(env); profile != "" {
		parts = append(parts, "profile: "+profile)
	}
	if version := env[EnvServiceVersion]; version != "" {
		parts = append(parts, "v"+version)
	}
	if len(parts) == 0 {
		return "Valet Daemon"
	}
	return "Valet Daemon (" + strings.Join(parts, ", ") + ")"
}

// parseKeyValueOutput parses "key<sep>value" lines into a map with
// lowercased keys, the common shape of launchctl, systemctl, and
// schtasks status output.
func parseKeyValueOutput(output, separator string) map[string]string {
	entries := make(map[string]string)
	for _, line := range splitLines(output) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx := strings.Index(line, separator)
		if idx <= 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		if key == "" {
			continue
		}
		entries[key] = strings.TrimSpace(line[idx+len(separator):])
	}
	return entries
}

// splitLines splits on newlines, dropping carriage returns and the
// trailing empty line.
func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}
