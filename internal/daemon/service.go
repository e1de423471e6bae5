package daemon

import (
	"bytes"
	"fmt"
	"os/exec"
	"runtime"
	"sort"
	"strings"
)

// Service identity on each platform.
const (
	// SystemdUnitName is the Linux user unit name, without the .service
	// suffix.
	SystemdUnitName = "toraled"

	// LaunchdLabel is the macOS LaunchAgent label.
	LaunchdLabel = "com.torale.toraled"

	// serviceDescription is the default human-readable description.
	serviceDescription = "Torale task execution engine"
)

// InstallOptions shapes the generated service definition.
type InstallOptions struct {
	// ProgramArguments is the full command line, binary first.
	ProgramArguments []string

	// Environment is written into the service definition so the daemon
	// starts with the configuration the installing shell had.
	Environment map[string]string

	// WorkingDirectory for the daemon process. Empty leaves it to the
	// init system.
	WorkingDirectory string

	// Description overrides the default unit description.
	Description string
}

// ServiceStatus reports the state of the installed unit.
type ServiceStatus struct {
	// Installed reports whether the service definition file exists.
	Installed bool

	// Running reports whether the init system says the daemon is up.
	Running bool

	// PID of the main process when running.
	PID int

	// State is the init system's own state string, e.g. "active" or
	// "running".
	State string

	// Path is where the service definition lives.
	Path string

	// Detail carries diagnostics when the unit cannot be inspected.
	Detail string
}

// ServiceManager installs toraled as a user-level service so the engine
// survives logins and reboots without root.
type ServiceManager interface {
	// Label names the init system, for command output.
	Label() string

	// Install writes the service definition, starts the daemon, and
	// returns the definition path. Installing over an existing unit
	// restarts it with the new definition.
	Install(opts InstallOptions) (string, error)

	// Uninstall stops the daemon and removes the definition.
	Uninstall() error

	// Status inspects the unit without changing it.
	Status() (*ServiceStatus, error)
}

// NewServiceManager returns the manager for the current platform.
// Torale deploys as a systemd user unit on Linux and a LaunchAgent on
// macOS; other platforms run the binary directly.
func NewServiceManager() (ServiceManager, error) {
	switch runtime.GOOS {
	case "linux":
		return &systemdManager{}, nil
	case "darwin":
		return &launchdManager{}, nil
	default:
		return nil, fmt.Errorf("service management is not supported on %s, run toraled serve directly", runtime.GOOS)
	}
}

// runTool executes an init system CLI and captures both streams.
func runTool(name string, args ...string) (stdout, stderr string, code int) {
	cmd := exec.Command(name, args...)
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

// parseKeyValueLines parses "key<sep>value" lines into a map with
// lowercased keys. Both systemctl show and launchctl print emit this
// shape.
func parseKeyValueLines(output, sep string) map[string]string {
	entries := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx := strings.Index(line, sep)
		if idx <= 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		if key == "" {
			continue
		}
		entries[key] = strings.TrimSpace(line[idx+len(sep):])
	}
	return entries
}

// sortedEnvKeys returns the environment keys in a stable order so the
// generated definitions are reproducible.
func sortedEnvKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
