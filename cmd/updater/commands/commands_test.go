package commands

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"golang.org/x/sys/unix"

	"github.com/openfroyo/otaupdater/pkg/config"
	"github.com/openfroyo/otaupdater/pkg/stores"
	"github.com/openfroyo/otaupdater/pkg/updater"
)

func writePackage(t *testing.T, files map[string]string) string {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := io.WriteString(w, body); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}

	path := filepath.Join(t.TempDir(), "update.zip")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write package: %v", err)
	}
	return path
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "updater.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, args ...string) (int, string) {
	t.Helper()
	t.Setenv(config.EnvConfigPath, "")
	var out bytes.Buffer
	code := execute(context.Background(), args, &out, "test", "none", "today")
	return code, out.String()
}

func TestInvocationErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no arguments", nil, updater.ExitBadArgCount},
		{"too few", []string{"3", "5"}, updater.ExitBadArgCount},
		{"too many", []string{"3", "5", "/p.zip", "retry", "x"}, updater.ExitBadArgCount},
		{"bad version", []string{"4", "5", "/p.zip"}, updater.ExitBadVersion},
		{"bad fd", []string{"3", "pipe", "/p.zip"}, updater.ExitBadArgCount},
		{"unknown flag", []string{"--bogus"}, updater.ExitBadArgCount},
		{"help command", []string{"help"}, updater.ExitBadArgCount},
		{"help for subcommand", []string{"help", "inspect"}, updater.ExitBadArgCount},
		{"help flag", []string{"--help"}, updater.ExitBadArgCount},
		{"completion", []string{"completion"}, updater.ExitBadArgCount},
		{"completion shell", []string{"completion", "bash"}, updater.ExitBadArgCount},
		{"version flag", []string{"--version"}, updater.ExitBadArgCount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _ := run(t, tt.args...); code != tt.want {
				t.Errorf("exit = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestUpdateAttempt(t *testing.T) {
	pkg := writePackage(t, map[string]string{
		updater.ScriptPath: "ui_print('installing')\nresult = 'done'\n",
	})
	dbPath := filepath.Join(t.TempDir(), "history.db")
	cfg := writeConfig(t, `
logging:
  output: stderr
selinux:
  file_contexts: ""
history:
  enabled: true
  path: `+dbPath+`
`)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	fd, err := unix.Dup(int(w.Fd()))
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	w.Close()

	code, _ := run(t, "--config", cfg, "3", strconv.Itoa(fd), pkg)
	if code != updater.ExitSuccess {
		t.Fatalf("exit = %d, want 0", code)
	}

	output, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read control channel: %v", err)
	}
	want := "ui_print Warning: No file_contexts\nui_print installing\nui_print script succeeded: result was [done]\n"
	if string(output) != want {
		t.Errorf("control output = %q, want %q", output, want)
	}

	code, out := run(t, "history", "--config", cfg)
	if code != 0 {
		t.Fatalf("history exit = %d: %s", code, out)
	}
	if !strings.Contains(out, pkg) {
		t.Errorf("history output missing package:\n%s", out)
	}
}

func TestInspect(t *testing.T) {
	pkg := writePackage(t, map[string]string{
		updater.ScriptPath: "result = 'done'\n",
		"payload.bin":      "data",
	})

	code, out := run(t, "inspect", pkg)
	if code != 0 {
		t.Fatalf("exit = %d: %s", code, out)
	}
	for _, want := range []string{"payload.bin", updater.ScriptPath, "result = 'done'"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	code, out = run(t, "inspect", "--script", pkg)
	if code != 0 || out != "result = 'done'\n" {
		t.Errorf("inspect --script = %d, %q", code, out)
	}
}

func TestInspectCheck(t *testing.T) {
	good := writePackage(t, map[string]string{
		updater.ScriptPath: "ui_print('x')\npackage_extract_file('boot.img', '/tmp/boot.img')\n",
	})
	if code, out := run(t, "inspect", "--check", good); code != 0 || !strings.Contains(out, "script parses") {
		t.Errorf("inspect --check = %d:\n%s", code, out)
	}

	bad := writePackage(t, map[string]string{
		updater.ScriptPath: "format('ext4', '/system')\n",
	})
	code, out := run(t, "inspect", "--check", bad)
	if code != updater.ExitParseErrors {
		t.Errorf("exit = %d, want %d:\n%s", code, updater.ExitParseErrors, out)
	}
	if !strings.Contains(out, "update script does not parse") {
		t.Errorf("output = %q", out)
	}
}

func TestInspectExitCodes(t *testing.T) {
	notZip := filepath.Join(t.TempDir(), "garbage.zip")
	if err := os.WriteFile(notZip, []byte("not a zip archive"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
		want int
	}{
		{"missing file", filepath.Join(t.TempDir(), "missing.zip"), updater.ExitPackageOpen},
		{"not a zip", notZip, updater.ExitPackageOpen},
		{"no script", writePackage(t, map[string]string{"payload.bin": "x"}), updater.ExitScriptNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out := run(t, "inspect", tt.path)
			if code != tt.want {
				t.Errorf("exit = %d, want %d: %s", code, tt.want, out)
			}
			if !strings.Contains(out, "cannot read package") {
				t.Errorf("output = %q", out)
			}
		})
	}
}

func TestHistory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	cfgPath := writeConfig(t, "history:\n  enabled: true\n  path: "+dbPath+"\n")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	store, err := openStore(context.Background(), cfg.History)
	if err != nil {
		t.Fatalf("openStore() error = %v", err)
	}
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err = store.RecordAttempt(context.Background(), &stores.Attempt{
		ID:             "a1",
		PackagePath:    "/cache/update.zip",
		Version:        3,
		ExitCode:       updater.ExitScriptFailed,
		ErrorCode:      int(updater.ScriptExecutionFailure),
		CauseCode:      int(updater.EioFailure),
		RetryRequested: true,
		StartedAt:      started,
		FinishedAt:     started.Add(2 * time.Second),
	})
	store.Close()
	if err != nil {
		t.Fatalf("RecordAttempt() error = %v", err)
	}

	code, out := run(t, "history", "--config", cfgPath)
	if code != 0 {
		t.Fatalf("exit = %d: %s", code, out)
	}
	for _, want := range []string{"a1", "/cache/update.zip", "requested", "2s"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	code, out = run(t, "history", "--json", "--config", cfgPath)
	if code != 0 || !strings.Contains(out, `"retry_requested": true`) {
		t.Errorf("history --json = %d:\n%s", code, out)
	}
}

func TestHistorySingleAttempt(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	cfgPath := writeConfig(t, "history:\n  enabled: true\n  path: "+dbPath+"\n")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	store, err := openStore(context.Background(), cfg.History)
	if err != nil {
		t.Fatalf("openStore() error = %v", err)
	}
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, a := range []*stores.Attempt{
		{ID: "old", PackagePath: "/cache/a.zip", ExitCode: 7},
		{ID: "new", PackagePath: "/cache/a.zip", ExitCode: 0},
		{ID: "other", PackagePath: "/cache/b.zip", ExitCode: 3},
	} {
		a.Version = 3
		a.ErrorCode = int(updater.NoError)
		a.CauseCode = int(updater.NoCause)
		a.StartedAt = started.Add(time.Duration(i) * time.Minute)
		a.FinishedAt = a.StartedAt.Add(time.Second)
		if err := store.RecordAttempt(context.Background(), a); err != nil {
			t.Fatalf("RecordAttempt() error = %v", err)
		}
	}
	store.Close()

	tests := []struct {
		name     string
		args     []string
		want     string
		dontWant []string
	}{
		{"by id", []string{"--id", "old"}, "old", []string{"new", "other"}},
		{"by package", []string{"--package", "/cache/a.zip"}, "new", []string{"old", "other"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out := run(t, append([]string{"history", "--config", cfgPath}, tt.args...)...)
			if code != 0 {
				t.Fatalf("exit = %d: %s", code, out)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("output missing %q:\n%s", tt.want, out)
			}
			for _, s := range tt.dontWant {
				if strings.Contains(out, s) {
					t.Errorf("output contains %q:\n%s", s, out)
				}
			}
		})
	}

	if code, out := run(t, "history", "--config", cfgPath, "--id", "missing"); code == 0 || !strings.Contains(out, "attempt not found") {
		t.Errorf("history --id missing = %d:\n%s", code, out)
	}
}

func TestHistoryDisabled(t *testing.T) {
	if code, _ := run(t, "history"); code == 0 {
		t.Error("history succeeded without a history database")
	}
}
