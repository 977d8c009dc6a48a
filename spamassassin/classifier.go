package spamassassin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
)

// Classifier scores single messages with spamc.
type Classifier struct {
	path   string
	args   []string
	logger *slog.Logger
}

// NewClassifier returns a classifier running the spamc binary at path
// ("spamc" from PATH when empty).
func NewClassifier(path string, logger *slog.Logger) *Classifier {
	if path == "" {
		path = "spamc"
	}
	return &Classifier{
		path:   path,
		args:   []string{"-c"},
		logger: logger,
	}
}

// Score streams the message at messagePath into spamc and parses its
// verdict. spamc -c exits non-zero for spam, so the exit status alone is not
// treated as a failure; only unparsable output is. An error is returned when
// the process cannot be run at all, together with an unknown score.
func (c *Classifier) Score(ctx context.Context, messagePath string) (Score, error) {
	file, err := os.Open(messagePath)
	if err != nil {
		return Unknown(), fmt.Errorf("open message: %w", err)
	}
	defer file.Close()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.path, c.args...)
	cmd.Stdin = file
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return Unknown(), fmt.Errorf("run %s: %w", c.path, err)
	}

	score := ParseScore(stdout.String())
	if !score.Known && c.logger != nil {
		c.logger.Debug("spamc returned no score",
			"path", messagePath,
			"exitCode", cmd.ProcessState.ExitCode(),
			"stdout", stdout.String(),
			"stderr", stderr.String(),
		)
	}
	return score, nil
}
