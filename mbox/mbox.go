package mbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	mboxlib "github.com/emersion/go-mbox"
)

var errFilterModeConflict = errors.New("include and exclude filters are mutually exclusive")

type Options struct {
	Path    string
	DestDir string
	// MaxSize skips messages larger than this many bytes; zero disables
	// the limit.
	MaxSize       int64
	IncludeHeader []string
	ExcludeHeader []string
}

// Result counts what SplitCorpus did with the messages of an archive.
type Result struct {
	Written   int
	Filtered  int
	Oversized int
}

// SplitCorpus writes every accepted message of an mbox archive into its own
// file under DestDir, which is the layout the trainer expects.
func SplitCorpus(ctx context.Context, opts Options, logger *slog.Logger) (Result, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return Result{}, fmt.Errorf("mbox path is empty")
	}
	if opts.DestDir == "" {
		return Result{}, fmt.Errorf("destination directory is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	include, err := compilePatterns(opts.IncludeHeader)
	if err != nil {
		return Result{}, fmt.Errorf("compile include-header pattern: %w", err)
	}
	exclude, err := compilePatterns(opts.ExcludeHeader)
	if err != nil {
		return Result{}, fmt.Errorf("compile exclude-header pattern: %w", err)
	}
	if len(include) > 0 && len(exclude) > 0 {
		return Result{}, errFilterModeConflict
	}

	file, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	if err := os.MkdirAll(opts.DestDir, 0o700); err != nil {
		return Result{}, fmt.Errorf("create corpus directory: %w", err)
	}

	reader := mboxlib.NewReader(file)
	var result Result

	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return result, nil
			}
			return result, fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return result, fmt.Errorf("message %d read: %w", idx, err)
		}

		if opts.MaxSize > 0 && int64(len(raw)) > opts.MaxSize {
			logger.Debug("message exceeds max size, skipping", "index", idx, "size", len(raw), "maxSize", opts.MaxSize)
			result.Oversized++
			continue
		}

		header := headerOf(raw)
		if !allows(include, exclude, header) {
			result.Filtered++
			continue
		}

		name := filepath.Join(opts.DestDir, fmt.Sprintf("%06d", idx))
		if err := os.WriteFile(name, raw, 0o600); err != nil {
			return result, fmt.Errorf("write message %d: %w", idx, err)
		}
		result.Written++
	}
}

// CountMessages counts the messages of an mbox archive.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}

		// Just consume the message without parsing
		if _, err := io.Copy(io.Discard, msgReader); err != nil {
			return 0, err
		}
		count++
	}
}

func allows(include, exclude []*regexp.Regexp, header string) bool {
	if len(include) > 0 {
		return matchAny(include, header)
	}
	return !matchAny(exclude, header)
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func headerOf(raw []byte) string {
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return string(raw[:idx])
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return string(raw[:idx])
	}
	return string(raw)
}
