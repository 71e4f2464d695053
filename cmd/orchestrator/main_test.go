package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q): Expected %v, got %v", in, want, got)
		}
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "info", "json").Info("hello", "error", errors.New("boom"))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Expected a JSON line, got %q", buf.String())
	}
	if line["msg"] != "hello" || line["error"] != "boom" {
		t.Errorf("Unexpected log line %v", line)
	}
}

func TestNewLogger_TextFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "text")
	logger.Info("quiet")
	logger.Warn("loud")

	if strings.Contains(buf.String(), "quiet") || !strings.Contains(buf.String(), "loud") {
		t.Errorf("Unexpected output %q", buf.String())
	}
}

func TestRoutesCommand(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"routes"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(out.String(), "longform") || !strings.Contains(out.String(), " -> ") {
		t.Errorf("Unexpected routes output %q", out.String())
	}
}

func TestReadInput_Stdin(t *testing.T) {
	cmd := newGenerateCommand(newCommandContext(&bytes.Buffer{}))
	cmd.SetIn(strings.NewReader("from stdin"))

	got, err := readInput(cmd, []string{"-"})
	if err != nil || got != "from stdin" {
		t.Errorf("Expected stdin text, got %q (%v)", got, err)
	}
	got, _ = readInput(cmd, []string{"inline"})
	if got != "inline" {
		t.Errorf("Expected inline argument, got %q", got)
	}
}

func TestGenerateCommand_EmptyPrompt(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetIn(strings.NewReader("   "))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"generate"})

	if err := cmd.Execute(); err == nil || err.Error() != "empty prompt" {
		t.Errorf("Expected empty prompt error, got %v", err)
	}
}
