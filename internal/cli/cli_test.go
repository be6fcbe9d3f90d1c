package cli

import (
	"bytes"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/denizbac/fleetcore/internal/config"
)

func TestNewRootCmd_hasSubcommands(t *testing.T) {
	root := NewRootCmd("test")
	if root == nil {
		t.Fatal("NewRootCmd returned nil")
	}
	cmds := root.Commands()
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}
	for _, want := range []string{"start", "stop", "status", "doctor", "repo", "task", "agent", "approval", "learning", "apikey"} {
		if !names[want] {
			t.Errorf("expected subcommand %q", want)
		}
	}
}

func TestNewRootCmd_versionFlag(t *testing.T) {
	root := NewRootCmd("1.2.3")
	if root.Version != "1.2.3" {
		t.Errorf("Version: got %q", root.Version)
	}
}

func TestNewRootCmd_hasHomeFlag(t *testing.T) {
	root := NewRootCmd("")
	f := root.PersistentFlags().Lookup("home")
	if f == nil {
		t.Fatal("expected --home persistent flag")
	}
}

func runCLI(t *testing.T, home string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("")
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(append([]string{"--home", home}, args...))
	err := root.Execute()
	return buf.String(), err
}

func TestRepoAddAndList(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")

	out, err := runCLI(t, home, "repo", "add", "--name", "api", "--source", "https://example.com/api.git", "--autonomy", "full")
	if err != nil {
		t.Fatalf("repo add: %v\n%s", err, out)
	}
	if !strings.Contains(out, `Registered repo "api"`) {
		t.Errorf("repo add output: %s", out)
	}

	out, err = runCLI(t, home, "repo", "list")
	if err != nil {
		t.Fatalf("repo list: %v", err)
	}
	if !strings.Contains(out, "api") || !strings.Contains(out, "autonomy=full") {
		t.Errorf("repo list output: %s", out)
	}
}

func TestRepoAdd_rejectsBadAutonomy(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	if _, err := runCLI(t, home, "repo", "add", "--name", "x", "--source", "s", "--autonomy", "yolo"); err == nil {
		t.Fatal("expected error for invalid autonomy mode")
	}
}

func TestTaskAddListCancel(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	if _, err := runCLI(t, home, "repo", "add", "--name", "api", "--source", "s"); err != nil {
		t.Fatalf("repo add: %v", err)
	}

	out, err := runCLI(t, home, "task", "add", "--repo", "api", "--type", "implement", "--priority", "8")
	if err != nil {
		t.Fatalf("task add: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Created task 1") {
		t.Errorf("task add output: %s", out)
	}

	out, err = runCLI(t, home, "task", "list", "--status", "pending")
	if err != nil {
		t.Fatalf("task list: %v", err)
	}
	if !strings.Contains(out, "[pending] implement prio=8") {
		t.Errorf("task list output: %s", out)
	}

	if _, err := runCLI(t, home, "task", "cancel", "--id", "1"); err != nil {
		t.Fatalf("task cancel: %v", err)
	}
	out, err = runCLI(t, home, "task", "show", "--id", "1")
	if err != nil {
		t.Fatalf("task show: %v", err)
	}
	if !strings.Contains(out, "[cancelled]") {
		t.Errorf("task show output: %s", out)
	}
}

func TestTaskAdd_unknownRepoFails(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	if _, err := runCLI(t, home, "task", "add", "--repo", "ghost", "--type", "implement"); err == nil {
		t.Fatal("expected error for unknown repo")
	}
}

func TestStatus_whenNotRunning(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	out, err := runCLI(t, home, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "not running") {
		t.Errorf("status output: %s", out)
	}
}

func TestDoctor(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	out, err := runCLI(t, home, "doctor")
	if err != nil {
		t.Fatalf("doctor: %v\n%s", err, out)
	}
	if !strings.Contains(out, "ok") {
		t.Errorf("doctor output: %s", out)
	}
}

func TestApikeyGenerate(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	out, err := runCLI(t, home, "apikey", "generate")
	if err != nil {
		t.Fatalf("apikey generate: %v", err)
	}
	hexKey := regexp.MustCompile(`(?m)^  ([a-f0-9]{64})$`)
	if !hexKey.MatchString(out) {
		t.Errorf("output should contain a 64-char hex key on its own line; got:\n%s", out)
	}
	if !strings.Contains(out, "FLEETCORE_API_KEY") {
		t.Errorf("output should mention FLEETCORE_API_KEY")
	}
	if !strings.Contains(out, "X-API-Key") {
		t.Errorf("output should mention X-API-Key")
	}
}

func TestApikeyGenerateSave(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	out, err := runCLI(t, home, "apikey", "generate", "--save")
	if err != nil {
		t.Fatalf("apikey generate --save: %v", err)
	}
	m := regexp.MustCompile(`(?m)^  ([a-f0-9]{64})$`).FindStringSubmatch(out)
	if m == nil {
		t.Fatalf("no key in output:\n%s", out)
	}
	settings, err := config.LoadSettings(home)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if settings.APIKey != m[1] {
		t.Errorf("config.yaml api_key = %q, want %q", settings.APIKey, m[1])
	}
}
