package daemon

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// launchdManager manages the toraled LaunchAgent on macOS.
type launchdManager struct{}

func (m *launchdManager) Label() string {
	return "launchd"
}

// launchdPlistPath is ~/Library/LaunchAgents/com.torale.toraled.plist.
func launchdPlistPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, "Library", "LaunchAgents", LaunchdLabel+".plist"), nil
}

// launchdLogPaths returns the stdout and stderr log files under
// ~/.torale/logs. launchd has no journal, so the agent needs somewhere
// to write.
func launchdLogPaths() (logDir, stdoutPath, stderrPath string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", "", fmt.Errorf("resolve home directory: %w", err)
	}
	logDir = filepath.Join(home, ".torale", "logs")
	stdoutPath = filepath.Join(logDir, "toraled.log")
	stderrPath = filepath.Join(logDir, "toraled.err.log")
	return logDir, stdoutPath, stderrPath, nil
}

// guiDomain is the launchd domain for the current user's session.
func guiDomain() string {
	uid := os.Getuid()
	if uid < 0 {
		uid = 501
	}
	return fmt.Sprintf("gui/%d", uid)
}

func launchctl(args ...string) (stdout, stderr string, code int) {
	return runTool("launchctl", args...)
}

// LaunchAgentPlistOptions shapes the rendered plist.
type LaunchAgentPlistOptions struct {
	InstallOptions

	// StdoutPath and StderrPath are where launchd redirects the
	// daemon's output.
	StdoutPath string
	StderrPath string
}

// BuildLaunchAgentPlist renders the LaunchAgent property list.
func BuildLaunchAgentPlist(opts LaunchAgentPlistOptions) string {
	description := opts.Description
	if description == "" {
		description = serviceDescription
	}

	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
  <dict>
`)
	writePlistString(&buf, "Label", LaunchdLabel)
	writePlistString(&buf, "Comment", description)
	buf.WriteString("    <key>RunAtLoad</key>\n    <true/>\n")
	buf.WriteString("    <key>KeepAlive</key>\n    <true/>\n")

	buf.WriteString("    <key>ProgramArguments</key>\n    <array>\n")
	for _, arg := range opts.ProgramArguments {
		fmt.Fprintf(&buf, "      <string>%s</string>\n", plistEscape(arg))
	}
	buf.WriteString("    </array>\n")

	if opts.WorkingDirectory != "" {
		writePlistString(&buf, "WorkingDirectory", opts.WorkingDirectory)
	}
	writePlistString(&buf, "StandardOutPath", opts.StdoutPath)
	writePlistString(&buf, "StandardErrorPath", opts.StderrPath)

	if len(opts.Environment) > 0 {
		buf.WriteString("    <key>EnvironmentVariables</key>\n    <dict>\n")
		for _, k := range sortedEnvKeys(opts.Environment) {
			if opts.Environment[k] == "" {
				continue
			}
			fmt.Fprintf(&buf, "      <key>%s</key>\n      <string>%s</string>\n",
				plistEscape(k), plistEscape(opts.Environment[k]))
		}
		buf.WriteString("    </dict>\n")
	}

	buf.WriteString("  </dict>\n</plist>\n")
	return buf.String()
}

func writePlistString(buf *bytes.Buffer, key, value string) {
	fmt.Fprintf(buf, "    <key>%s</key>\n    <string>%s</string>\n",
		plistEscape(key), plistEscape(value))
}

func plistEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// Install writes the plist and bootstraps the agent into the user's
// GUI domain.
func (m *launchdManager) Install(opts InstallOptions) (string, error) {
	logDir, stdoutPath, stderrPath, err := launchdLogPaths()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", fmt.Errorf("create log directory: %w", err)
	}

	plistPath, err := launchdPlistPath()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(plistPath), 0o755); err != nil {
		return "", fmt.Errorf("create LaunchAgents directory: %w", err)
	}

	plist := BuildLaunchAgentPlist(LaunchAgentPlistOptions{
		InstallOptions: opts,
		StdoutPath:     stdoutPath,
		StderrPath:     stderrPath,
	})
	if err := os.WriteFile(plistPath, []byte(plist), 0o600); err != nil {
		return "", fmt.Errorf("write plist: %w", err)
	}

	domain := guiDomain()
	target := domain + "/" + LaunchdLabel

	// Unload a previous definition so bootstrap sees the new one, and
	// clear any persisted disabled flag.
	launchctl("bootout", domain, plistPath)
	launchctl("enable", target)

	if _, stderr, code := launchctl("bootstrap", domain, plistPath); code != 0 {
		return "", fmt.Errorf("launchctl bootstrap failed: %s", strings.TrimSpace(stderr))
	}
	launchctl("kickstart", "-k", target)
	return plistPath, nil
}

// Uninstall boots the agent out of the domain and removes the plist.
func (m *launchdManager) Uninstall() error {
	plistPath, err := launchdPlistPath()
	if err != nil {
		return err
	}

	_, stderr, code := launchctl("bootout", guiDomain(), plistPath)
	if code != 0 && !launchctlNotLoaded(stderr) {
		return fmt.Errorf("launchctl bootout failed: %s", strings.TrimSpace(stderr))
	}

	if err := os.Remove(plistPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove plist: %w", err)
	}
	return nil
}

// Status reports whether the plist exists and what launchd says about
// the agent.
func (m *launchdManager) Status() (*ServiceStatus, error) {
	plistPath, err := launchdPlistPath()
	if err != nil {
		return nil, err
	}

	status := &ServiceStatus{Path: plistPath}
	if _, err := os.Stat(plistPath); err == nil {
		status.Installed = true
	}

	stdout, stderr, code := launchctl("print", guiDomain()+"/"+LaunchdLabel)
	if code != 0 {
		status.Detail = strings.TrimSpace(stderr)
		if status.Detail == "" {
			status.Detail = strings.TrimSpace(stdout)
		}
		return status, nil
	}

	entries := parseKeyValueLines(stdout, "=")
	status.State = entries["state"]
	if pid, err := strconv.Atoi(entries["pid"]); err == nil && pid > 0 {
		status.PID = pid
	}
	status.Running = strings.EqualFold(status.State, "running") || status.PID > 0
	return status, nil
}

func launchctlNotLoaded(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "no such process") ||
		strings.Contains(lower, "could not find service") ||
		strings.Contains(lower, "not found")
}
