package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("DISCORD_BOT_TOKEN", "token-abc")
	t.Setenv("ALLOWED_USER_IDS", "123456789012345678, 234567890123456789")

	env, err := LoadEnv()
	if err != nil {
		t.Fatal(err)
	}
	if env.BotToken != "token-abc" || len(env.AllowedUsers) != 2 {
		t.Fatalf("env = %+v", env)
	}
}

func TestLoadEnvRejectsBadInput(t *testing.T) {
	tests := []struct {
		name  string
		token string
		users string
	}{
		{"missing token", "", "123456789012345678"},
		{"missing users", "tok", ""},
		{"non-numeric user", "tok", "alice"},
		{"short user id", "tok", "12345"},
		{"only separators", "tok", ",,"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DISCORD_BOT_TOKEN", tt.token)
			t.Setenv("ALLOWED_USER_IDS", tt.users)
			if _, err := LoadEnv(); err == nil {
				t.Fatal("want error")
			}
		})
	}
}

func TestLoadSettingsDefaults(t *testing.T) {
	// A missing file yields all defaults.
	s, err := LoadSettings(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !s.SandboxEnabled() {
		t.Error("sandbox should default on")
	}
	if s.ClaudeTimeout() != 1800*time.Second {
		t.Errorf("timeout = %v", s.ClaudeTimeout())
	}
	if s.HeartbeatInterval() != 60*time.Second {
		t.Errorf("heartbeat = %v", s.HeartbeatInterval())
	}
	if s.ReconnectGracePeriod() != 30*time.Second {
		t.Errorf("grace = %v", s.ReconnectGracePeriod())
	}
}

func TestLoadSettingsFull(t *testing.T) {
	path := writeSettings(t, `{
		"bypass-mode": true,
		"enable_sandbox": false,
		"claude_timeout_seconds": 120,
		"discord_connection_heartbeat_interval_seconds": 30,
		"discord_connection_reconnect_grace_seconds": 10,
		"env": {"GIT_AUTHOR_NAME": "bot"},
		"schedules": [
			{"name": "morning-plan", "cron": "0 9 * * *", "timezone": "Asia/Tokyo",
			 "prompt": "plan the day", "discord_notify": true, "skippable": true,
			 "session_mode": "isolated"}
		]
	}`)

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatal(err)
	}
	if !s.BypassMode || s.SandboxEnabled() {
		t.Fatalf("settings = %+v", s)
	}
	if s.ClaudeTimeout() != 2*time.Minute {
		t.Errorf("timeout = %v", s.ClaudeTimeout())
	}
	sc, ok := s.FindSchedule("morning-plan")
	if !ok || !sc.Skippable || sc.SessionMode != "isolated" {
		t.Fatalf("schedule = %+v ok=%v", sc, ok)
	}
	if _, ok := s.FindSchedule("nope"); ok {
		t.Fatal("found a schedule that does not exist")
	}
}

func TestLoadSettingsRejectsUnknownKeys(t *testing.T) {
	path := writeSettings(t, `{"bypass_mode": true}`) // typo: underscore
	if _, err := LoadSettings(path); err == nil {
		t.Fatal("unknown key accepted")
	}
}

func TestLoadSettingsValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"timeout below range", `{"claude_timeout_seconds": 5}`},
		{"timeout above range", `{"claude_timeout_seconds": 8000}`},
		{"heartbeat below range", `{"discord_connection_heartbeat_interval_seconds": 5}`},
		{"grace above range", `{"discord_connection_reconnect_grace_seconds": 200}`},
		{"bad env key", `{"env": {"9BAD": "x"}}`},
		{"reserved env key", `{"env": {"FORCE_COLOR": "1"}}`},
		{"schedule without name", `{"schedules": [{"cron": "* * * * *", "prompt": "p"}]}`},
		{"schedule without cron", `{"schedules": [{"name": "a", "prompt": "p"}]}`},
		{"schedule without prompt", `{"schedules": [{"name": "a", "cron": "* * * * *"}]}`},
		{"bad session mode", `{"schedules": [{"name": "a", "cron": "* * * * *", "prompt": "p", "session_mode": "shared"}]}`},
		{"bad timezone", `{"schedules": [{"name": "a", "cron": "* * * * *", "prompt": "p", "timezone": "Mars/Olympus"}]}`},
		{"sanitized name collision", `{"schedules": [
			{"name": "plan!", "cron": "* * * * *", "prompt": "p"},
			{"name": "plan?", "cron": "* * * * *", "prompt": "p"}
		]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadSettings(writeSettings(t, tt.content)); err == nil {
				t.Fatal("want error")
			}
		})
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"morning-plan", "morning-plan"},
		{"plan the day!", "plan_the_day_"},
		{"日報", "__"},
		{"a_b-c9", "a_b-c9"},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.in); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStatePaths(t *testing.T) {
	if got := SessionFilePath("tmp/x"); got != filepath.Join("tmp/x", "session_id.txt") {
		t.Errorf("session path = %q", got)
	}
	got := IsolatedSessionFilePath("tmp/x", "plan!")
	if got != filepath.Join("tmp/x", "sessions", "plan_.txt") {
		t.Errorf("isolated path = %q", got)
	}
	h := HandoffPath("tmp/x", time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC), "standup")
	if !strings.HasSuffix(h, filepath.Join("handoffs", "2026", "03", "07", "standup.md")) {
		t.Errorf("handoff path = %q", h)
	}
}
