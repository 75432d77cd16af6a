package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// writeScript writes an executable shell script into a temp dir and returns its path.
func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fakes need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestCommandStage_PipesStdinToStdout(t *testing.T) {
	t.Parallel()
	script := writeScript(t, "upper.sh", "tr 'a-z' 'A-Z'\n")

	var out bytes.Buffer
	s := &CommandStage{Label: "upper", Path: script}
	if err := s.Run(context.Background(), strings.NewReader("hello"), &out); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.String() != "HELLO" {
		t.Errorf("out = %q, want %q", out.String(), "HELLO")
	}
}

func TestCommandStage_NonZeroExitUsesStderr(t *testing.T) {
	t.Parallel()
	script := writeScript(t, "fail.sh", "echo 'first line' >&2\necho '  Invalid data found when processing input  ' >&2\nexit 1\n")

	err := (&CommandStage{Label: "transcode", Path: script}).Run(context.Background(), nil, io.Discard)
	var ce *CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *CommandError", err)
	}
	want := "first line\n  Invalid data found when processing input"
	if ce.Diagnostic() != want {
		t.Errorf("Diagnostic() = %q, want %q", ce.Diagnostic(), want)
	}
}

func TestCommandStage_EmptyStderrUsesExitError(t *testing.T) {
	t.Parallel()
	script := writeScript(t, "quiet.sh", "exit 3\n")

	err := (&CommandStage{Label: "download", Path: script}).Run(context.Background(), nil, io.Discard)
	var ce *CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *CommandError", err)
	}
	if ce.Diagnostic() != "exit status 3" {
		t.Errorf("Diagnostic() = %q, want %q", ce.Diagnostic(), "exit status 3")
	}
}

func TestCommandStage_MissingBinary(t *testing.T) {
	t.Parallel()
	err := (&CommandStage{Label: "x", Path: filepath.Join(t.TempDir(), "nope")}).Run(context.Background(), nil, io.Discard)
	if err == nil {
		t.Fatal("expected error for missing binary, got nil")
	}
}

func TestCommandStage_ContextCancelled(t *testing.T) {
	t.Parallel()
	script := writeScript(t, "sleep.sh", "sleep 30\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := (&CommandStage{Label: "sleep", Path: script}).Run(ctx, nil, io.Discard)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestCommandStage_HidesServiceEnv(t *testing.T) {
	t.Setenv("XHAKA_API_KEYS", "secret")
	t.Setenv("HOME_FOR_TEST", "visible")
	script := writeScript(t, "env.sh", "env\n")

	var out bytes.Buffer
	if err := (&CommandStage{Label: "env", Path: script}).Run(context.Background(), nil, &out); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Contains(out.String(), "XHAKA_API_KEYS") {
		t.Error("child process saw XHAKA_API_KEYS")
	}
	if !strings.Contains(out.String(), "HOME_FOR_TEST=visible") {
		t.Error("child process lost unrelated environment")
	}
}

func TestTailBuffer_KeepsLastBytes(t *testing.T) {
	t.Parallel()
	b := &tailBuffer{max: 5}
	b.Write([]byte("abc"))
	b.Write([]byte("defgh"))
	if b.String() != "defgh" {
		t.Errorf("String() = %q, want %q", b.String(), "defgh")
	}
}
