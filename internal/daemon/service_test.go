package daemon

import (
	"reflect"
	"strings"
	"testing"
)

func TestParseKeyValueLines(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		sep      string
		expected map[string]string
	}{
		{
			name:   "systemctl show output",
			output: "ActiveState=active\nSubState=running\nMainPID=4321\n",
			sep:    "=",
			expected: map[string]string{
				"activestate": "active",
				"substate":    "running",
				"mainpid":     "4321",
			},
		},
		{
			name:   "launchctl print fragment",
			output: "\tstate = running\n\tpid = 99\n",
			sep:    "=",
			expected: map[string]string{
				"state": "running",
				"pid":   "99",
			},
		},
		{
			name:     "skips lines without separator",
			output:   "header\nkey=value\n",
			sep:      "=",
			expected: map[string]string{"key": "value"},
		},
		{
			name:     "skips empty keys",
			output:   "=orphan\n",
			sep:      "=",
			expected: map[string]string{},
		},
		{
			name:   "value keeps embedded separators",
			output: "ExecStart=/usr/bin/toraled serve --config=a.yaml\n",
			sep:    "=",
			expected: map[string]string{
				"execstart": "/usr/bin/toraled serve --config=a.yaml",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseKeyValueLines(tt.output, tt.sep)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("parseKeyValueLines() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestSortedEnvKeys(t *testing.T) {
	env := map[string]string{
		"DATABASE_URL": "postgres://localhost/torale",
		"AGENT_URL":    "http://localhost:8181",
		"LOG_LEVEL":    "debug",
	}
	got := sortedEnvKeys(env)
	want := []string{"AGENT_URL", "DATABASE_URL", "LOG_LEVEL"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("sortedEnvKeys() = %v, want %v", got, want)
	}
}

func TestBuildSystemdUnit(t *testing.T) {
	unit := BuildSystemdUnit(InstallOptions{
		ProgramArguments: []string{"/usr/local/bin/toraled", "serve", "--migrate"},
		Environment: map[string]string{
			"DATABASE_URL": "postgres://torale@localhost/torale",
			"AGENT_URL":    "http://localhost:8181/search",
		},
	})

	for _, want := range []string{
		"[Unit]",
		"Description=" + serviceDescription,
		"After=network-online.target",
		"[Service]",
		"ExecStart=/usr/local/bin/toraled serve --migrate",
		"Restart=always",
		"Environment=AGENT_URL=http://localhost:8181/search",
		"Environment=DATABASE_URL=postgres://torale@localhost/torale",
		"[Install]",
		"WantedBy=default.target",
	} {
		if !strings.Contains(unit, want) {
			t.Errorf("unit missing %q:\n%s", want, unit)
		}
	}

	// Environment entries come out sorted.
	agentIdx := strings.Index(unit, "Environment=AGENT_URL")
	dbIdx := strings.Index(unit, "Environment=DATABASE_URL")
	if agentIdx > dbIdx {
		t.Error("environment entries should be sorted by key")
	}
}

func TestBuildSystemdUnitQuotesArguments(t *testing.T) {
	unit := BuildSystemdUnit(InstallOptions{
		ProgramArguments: []string{"/opt/torale bin/toraled", "serve"},
		WorkingDirectory: "/var/lib/tora le",
	})

	if !strings.Contains(unit, `ExecStart="/opt/torale bin/toraled" serve`) {
		t.Errorf("argument with spaces should be quoted:\n%s", unit)
	}
	if !strings.Contains(unit, `WorkingDirectory="/var/lib/tora le"`) {
		t.Errorf("working directory with spaces should be quoted:\n%s", unit)
	}
}

func TestBuildSystemdUnitSkipsEmptyEnv(t *testing.T) {
	unit := BuildSystemdUnit(InstallOptions{
		ProgramArguments: []string{"/usr/bin/toraled", "serve"},
		Environment:      map[string]string{"AGENT_API_KEY": ""},
	})
	if strings.Contains(unit, "AGENT_API_KEY") {
		t.Errorf("empty environment values should be omitted:\n%s", unit)
	}
}

func TestSystemdEscape(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"has space", `"has space"`},
		{`has"quote`, `"has\"quote"`},
		{`back\slash`, `"back\\slash"`},
	}
	for _, tt := range tests {
		if got := systemdEscape(tt.in); got != tt.want {
			t.Errorf("systemdEscape(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildLaunchAgentPlist(t *testing.T) {
	plist := BuildLaunchAgentPlist(LaunchAgentPlistOptions{
		InstallOptions: InstallOptions{
			ProgramArguments: []string{"/usr/local/bin/toraled", "serve"},
			Environment: map[string]string{
				"DATABASE_URL": "postgres://torale@localhost/torale",
			},
		},
		StdoutPath: "/Users/t/.torale/logs/toraled.log",
		StderrPath: "/Users/t/.torale/logs/toraled.err.log",
	})

	for _, want := range []string{
		"<key>Label</key>",
		"<string>" + LaunchdLabel + "</string>",
		"<key>RunAtLoad</key>",
		"<key>KeepAlive</key>",
		"<string>/usr/local/bin/toraled</string>",
		"<string>serve</string>",
		"<key>StandardOutPath</key>",
		"<key>EnvironmentVariables</key>",
		"<key>DATABASE_URL</key>",
	} {
		if !strings.Contains(plist, want) {
			t.Errorf("plist missing %q:\n%s", want, plist)
		}
	}
}

func TestBuildLaunchAgentPlistEscapesXML(t *testing.T) {
	plist := BuildLaunchAgentPlist(LaunchAgentPlistOptions{
		InstallOptions: InstallOptions{
			ProgramArguments: []string{"/bin/toraled", "serve"},
			Environment:      map[string]string{"AGENT_URL": "http://host?a=1&b=<2>"},
		},
		StdoutPath: "/tmp/out.log",
		StderrPath: "/tmp/err.log",
	})
	if !strings.Contains(plist, "http://host?a=1&amp;b=&lt;2&gt;") {
		t.Errorf("special characters should be XML-escaped:\n%s", plist)
	}
}

func TestLaunchctlNotLoaded(t *testing.T) {
	tests := []struct {
		output string
		want   bool
	}{
		{"Boot-out failed: 3: No such process", true},
		{"Could not find service \"com.torale.toraled\" in domain for user", true},
		{"Operation not permitted", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := launchctlNotLoaded(tt.output); got != tt.want {
			t.Errorf("launchctlNotLoaded(%q) = %t, want %t", tt.output, got, tt.want)
		}
	}
}
