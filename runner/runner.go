package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/dhcgn/imap-spamtrainer/model"
	"github.com/dhcgn/imap-spamtrainer/stats"
)

// Stage is one tracked mailbox.
type Stage interface {
	Track(ctx context.Context) error
	Done() bool
}

type Stages struct {
	Spam  Stage
	Ham   Stage
	Inbox Stage
}

type Options struct {
	// Interval is the pause after the inbox has been drained and after a
	// failed stage.
	Interval time.Duration
	Stats    *stats.Collector
}

// Runner drains the spam mailbox, then the ham mailbox, then classifies the
// inbox, and idles once everything is caught up.
type Runner struct {
	stages Stages
	opts   Options
	logger *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func New(stages Stages, opts Options, logger *slog.Logger) (*Runner, error) {
	if stages.Spam == nil || stages.Ham == nil || stages.Inbox == nil {
		return nil, fmt.Errorf("spam, ham and inbox stages are required")
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		stages: stages,
		opts:   opts,
		logger: logger.With("component", "runner"),
		sleep:  sleep,
	}, nil
}

// Step runs a single pass. It reports whether the runner should wait one
// interval before the next pass. A failed stage does not hold back the
// stages after it, but the pass then ends with a pause.
func (r *Runner) Step(ctx context.Context) bool {
	failed := false
	for _, role := range model.Roles {
		if ctx.Err() != nil {
			return true
		}

		stage := r.stage(role)
		if err := r.track(ctx, role, stage); err != nil {
			if !errors.Is(err, context.Canceled) {
				r.logger.Error("stage failed", "stage", role, "err", err)
			}
			failed = true
			continue
		}
		if !failed && !stage.Done() {
			r.logger.Debug("backlog remaining, restarting pass", "stage", role)
			return false
		}
	}

	if r.opts.Stats != nil {
		r.opts.Stats.Log(r.logger, "cycle summary")
	}
	return true
}

// Start loops until ctx is cancelled. Stage failures never end the loop.
func (r *Runner) Start(ctx context.Context) error {
	started := time.Now()
	r.logger.Info("runner started", "interval", r.opts.Interval)

	for {
		idle := r.Step(ctx)
		if ctx.Err() != nil {
			break
		}
		if !idle {
			continue
		}
		if err := r.sleep(ctx, r.opts.Interval); err != nil {
			break
		}
	}

	if r.opts.Stats != nil {
		r.opts.Stats.Log(r.logger, "final summary")
	}
	r.logger.Info("runner stopped", "duration", time.Since(started))
	return ctx.Err()
}

func (r *Runner) stage(role model.Role) Stage {
	switch role {
	case model.RoleSpam:
		return r.stages.Spam
	case model.RoleHam:
		return r.stages.Ham
	default:
		return r.stages.Inbox
	}
}

// track runs one stage and turns a panic into an error.
func (r *Runner) track(ctx context.Context, role model.Role, stage Stage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Debug("stage panic stack", "stage", role, "stack", string(debug.Stack()))
			err = fmt.Errorf("%s stage panicked: %v", role, p)
		}
	}()
	return stage.Track(ctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
