package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	// maxStderr bounds how much of a process's stderr is kept as diagnostic.
	maxStderr = 4096
	// waitDelay bounds how long Wait lingers on I/O after the process is gone.
	waitDelay = 2 * time.Second
)

// Stage is one step of a pipeline. Run consumes in, produces out, and returns
// once its work is finished or ctx is done.
type Stage interface {
	Name() string
	Run(ctx context.Context, in io.Reader, out io.Writer) error
}

// CommandStage runs an external binary with in as stdin and out as stdout.
// Stderr is captured as the failure diagnostic.
type CommandStage struct {
	Label string
	Path  string
	Args  []string
}

func (s *CommandStage) Name() string { return s.Label }

func (s *CommandStage) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	cmd := exec.CommandContext(ctx, s.Path, s.Args...)
	cmd.Env = filteredEnv()
	cmd.Stdin = in
	cmd.Stdout = out
	cmd.WaitDelay = waitDelay

	stderr := &tailBuffer{max: maxStderr}
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &CommandError{Name: s.Label, Stderr: stderr.String(), Err: err}
	}
	return nil
}

// CommandError reports a process that could not start or exited non-zero.
type CommandError struct {
	Name   string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s exited: %v: %s", e.Name, e.Err, e.Diagnostic())
}

func (e *CommandError) Unwrap() error { return e.Err }

// Diagnostic retourne stderr nettoyé, ou l'erreur de sortie si stderr est vide.
func (e *CommandError) Diagnostic() string {
	if d := strings.TrimSpace(e.Stderr); d != "" {
		return d
	}
	return e.Err.Error()
}

// FuncStage adapts an in-process function to a Stage.
type FuncStage struct {
	Label string
	Fn    func(ctx context.Context, in io.Reader, out io.Writer) error
}

func (s *FuncStage) Name() string { return s.Label }

func (s *FuncStage) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	return s.Fn(ctx, in, out)
}

// filteredEnv retourne os.Environ() sans les variables XHAKA_ (clés d'API, etc.).
func filteredEnv() []string {
	env := os.Environ()
	filtered := make([]string, 0, len(env))
	for _, kv := range env {
		if !strings.HasPrefix(kv, "XHAKA_") {
			filtered = append(filtered, kv)
		}
	}
	return filtered
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
