package spamassassin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

var (
	ErrEmptyCorpus   = errors.New("training directory does not contain any files")
	ErrTrainerFailed = errors.New("sa-learn failed")
)

// Mode selects what sa-learn learns a corpus as.
type Mode string

const (
	ModeSpam Mode = "spam"
	ModeHam  Mode = "ham"
)

// ProgressFunc receives the number of processed messages and the corpus size.
type ProgressFunc func(processed, total int)

// Result is what a finished sa-learn run reported.
type Result struct {
	ExitCode int
	Output   string
}

// Trainer feeds directories of messages to sa-learn.
type Trainer struct {
	path   string
	logger *slog.Logger
}

// NewTrainer returns a trainer running the sa-learn binary at path
// ("sa-learn" from PATH when empty).
func NewTrainer(path string, logger *slog.Logger) *Trainer {
	if path == "" {
		path = "sa-learn"
	}
	return &Trainer{path: path, logger: logger}
}

// Train learns every file in dir as mode. It refuses to spawn sa-learn for an
// empty directory. progress may be nil.
func (t *Trainer) Train(ctx context.Context, dir string, mode Mode, progress ProgressFunc) (Result, error) {
	if mode != ModeSpam && mode != ModeHam {
		return Result{}, fmt.Errorf("unknown training mode %q", mode)
	}

	total, err := countFiles(dir)
	if err != nil {
		return Result{}, err
	}
	if total == 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrEmptyCorpus, dir)
	}

	if t.logger != nil {
		t.logger.Info("learning", "mode", mode, "dir", dir, "messages", total)
	}

	output := &lockedBuffer{}
	counter := &progressCounter{total: total, report: progress, output: output}

	cmd := exec.CommandContext(ctx, t.path, "--"+string(mode), "--progress", dir)
	cmd.Stdout = output
	cmd.Stderr = counter

	err = cmd.Run()
	result := Result{Output: output.String()}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return result, fmt.Errorf("%w: exit code %d: %s", ErrTrainerFailed, result.ExitCode, strings.TrimSpace(result.Output))
	}
	if err != nil {
		return result, fmt.Errorf("run %s: %w", t.path, err)
	}

	return result, nil
}

func countFiles(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read training directory: %w", err)
	}
	count := 0
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			count++
		}
	}
	return count, nil
}

// progressCounter consumes sa-learn's stderr. Chunks made only of dots are
// progress markers, one per processed message; everything else is kept as
// output.
type progressCounter struct {
	total     int
	processed int
	report    ProgressFunc
	output    *lockedBuffer
}

func (p *progressCounter) Write(b []byte) (int, error) {
	chunk := strings.TrimSpace(string(b))
	if chunk != "" && strings.Trim(chunk, ".") == "" {
		p.processed = min(p.processed+len(chunk), p.total)
		if p.report != nil {
			p.report(p.processed, p.total)
		}
		return len(b), nil
	}
	return p.output.Write(b)
}

// lockedBuffer is written from both the stdout and stderr copy goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *lockedBuffer) Write(b []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(b)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}
