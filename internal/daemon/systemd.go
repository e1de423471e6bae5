package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// systemdManager manages the toraled systemd user unit on Linux.
type systemdManager struct{}

func (m *systemdManager) Label() string {
	return "systemd"
}

// systemdUnitPath is ~/.config/systemd/user/toraled.service.
func systemdUnitPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "systemd", "user", SystemdUnitName+".service"), nil
}

func systemctl(args ...string) (stdout, stderr string, code int) {
	return runTool("systemctl", append([]string{"--user"}, args...)...)
}

// assertSystemdAvailable rejects hosts without a user systemd instance
// before any file is written.
func assertSystemdAvailable() error {
	_, stderr, code := systemctl("status")
	if code == 0 {
		return nil
	}
	if strings.Contains(strings.ToLower(stderr), "not found") {
		return fmt.Errorf("systemctl not available; a systemd user instance is required")
	}
	return fmt.Errorf("systemctl --user unavailable: %s", strings.TrimSpace(stderr))
}

// BuildSystemdUnit renders the unit file for the given install options.
func BuildSystemdUnit(opts InstallOptions) string {
	description := opts.Description
	if description == "" {
		description = serviceDescription
	}

	var b strings.Builder
	b.WriteString("[Unit]\n")
	fmt.Fprintf(&b, "Description=%s\n", description)
	b.WriteString("After=network-online.target\n")
	b.WriteString("Wants=network-online.target\n")
	b.WriteString("\n[Service]\n")
	fmt.Fprintf(&b, "ExecStart=%s\n", systemdQuoteArgs(opts.ProgramArguments))
	b.WriteString("Restart=always\n")
	b.WriteString("RestartSec=5\n")
	if opts.WorkingDirectory != "" {
		fmt.Fprintf(&b, "WorkingDirectory=%s\n", systemdEscape(opts.WorkingDirectory))
	}
	for _, k := range sortedEnvKeys(opts.Environment) {
		if opts.Environment[k] == "" {
			continue
		}
		fmt.Fprintf(&b, "Environment=%s\n", systemdEscape(k+"="+opts.Environment[k]))
	}
	b.WriteString("\n[Install]\n")
	b.WriteString("WantedBy=default.target\n")
	return b.String()
}

// systemdEscape quotes a value for a unit file when it contains
// characters the parser would split on.
func systemdEscape(value string) string {
	if !strings.ContainsAny(value, " \t\"\\") {
		return value
	}
	escaped := strings.ReplaceAll(value, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}

func systemdQuoteArgs(args []string) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, systemdEscape(arg))
	}
	return strings.Join(parts, " ")
}

// Install writes the unit, reloads systemd, and enables and starts it.
func (m *systemdManager) Install(opts InstallOptions) (string, error) {
	if err := assertSystemdAvailable(); err != nil {
		return "", err
	}

	unitPath, err := systemdUnitPath()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(unitPath), 0o755); err != nil {
		return "", fmt.Errorf("create systemd user directory: %w", err)
	}
	if err := os.WriteFile(unitPath, []byte(BuildSystemdUnit(opts)), 0o600); err != nil {
		return "", fmt.Errorf("write unit file: %w", err)
	}

	unitName := SystemdUnitName + ".service"
	if _, stderr, code := systemctl("daemon-reload"); code != 0 {
		return "", fmt.Errorf("systemctl daemon-reload failed: %s", strings.TrimSpace(stderr))
	}
	if _, stderr, code := systemctl("enable", unitName); code != 0 {
		return "", fmt.Errorf("systemctl enable failed: %s", strings.TrimSpace(stderr))
	}
	if _, stderr, code := systemctl("restart", unitName); code != 0 {
		return "", fmt.Errorf("systemctl restart failed: %s", strings.TrimSpace(stderr))
	}
	return unitPath, nil
}

// Uninstall disables and stops the unit, then removes its file.
func (m *systemdManager) Uninstall() error {
	if err := assertSystemdAvailable(); err != nil {
		return err
	}

	// Disable failure is not fatal: the unit may already be gone and the
	// file removal below is what matters.
	systemctl("disable", "--now", SystemdUnitName+".service")

	unitPath, err := systemdUnitPath()
	if err != nil {
		return err
	}
	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file: %w", err)
	}
	return nil
}

// Status reports whether the unit exists and what systemd says it is
// doing.
func (m *systemdManager) Status() (*ServiceStatus, error) {
	unitPath, err := systemdUnitPath()
	if err != nil {
		return nil, err
	}

	status := &ServiceStatus{Path: unitPath}
	if _, err := os.Stat(unitPath); err == nil {
		status.Installed = true
	}

	stdout, stderr, code := systemctl("show", SystemdUnitName+".service",
		"--no-page", "--property", "ActiveState,SubState,MainPID")
	if code != 0 {
		status.Detail = strings.TrimSpace(stderr)
		if status.Detail == "" {
			status.Detail = strings.TrimSpace(stdout)
		}
		return status, nil
	}

	entries := parseKeyValueLines(stdout, "=")
	active := entries["activestate"]
	sub := entries["substate"]
	status.State = active
	if sub != "" {
		status.State = active + "/" + sub
	}
	status.Running = strings.EqualFold(active, "active")
	if pid, err := strconv.Atoi(entries["mainpid"]); err == nil && pid > 0 {
		status.PID = pid
	}
	return status, nil
}
