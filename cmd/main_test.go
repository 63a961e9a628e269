package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runWithArgs(args []string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// testConfig writes a config that keeps all data inside a temp dir.
func testConfig(t *testing.T) (path, dataDir string) {
	t.Helper()
	dir := t.TempDir()
	dataDir = filepath.Join(dir, "data")
	path = filepath.Join(dir, "config.toml")
	content := "data_dir = " + strconvQuote(dataDir) + "\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path, dataDir
}

func strconvQuote(s string) string {
	return `"` + strings.ReplaceAll(s, `\`, `\\`) + `"`
}

func TestRunUsage(t *testing.T) {
	code, out, _ := runWithArgs([]string{"llamas"})
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out, "Usage:") {
		t.Fatalf("expected usage output, got %q", out)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	code, out, _ := runWithArgs([]string{"llamas", "nope"})
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(out, "Unknown command") {
		t.Fatalf("expected unknown command output, got %q", out)
	}
}

func TestRunVersion(t *testing.T) {
	code, out, _ := runWithArgs([]string{"llamas", "version"})
	if code != 0 || out != "llamas dev\n" {
		t.Fatalf("version = %d %q", code, out)
	}
}

func TestRunGamesMissingSubcommand(t *testing.T) {
	code, out, _ := runWithArgs([]string{"llamas", "games"})
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(out, "Usage: llamas games") {
		t.Fatalf("expected games usage, got %q", out)
	}
}

func TestHelpFlags(t *testing.T) {
	for _, cmd := range [][]string{
		{"llamas", "play", "--help"},
		{"llamas", "join", "--help"},
		{"llamas", "games", "new", "--help"},
	} {
		code, _, errOut := runWithArgs(cmd)
		if code != 0 {
			t.Errorf("%v exit code = %d", cmd, code)
		}
		if !strings.Contains(errOut, "Usage: llamas") {
			t.Errorf("%v help = %q", cmd, errOut)
		}
	}
}
