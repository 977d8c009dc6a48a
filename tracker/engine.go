package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/dhcgn/imap-spamtrainer/imap"
	"github.com/dhcgn/imap-spamtrainer/model"
	"github.com/dhcgn/imap-spamtrainer/state"
	"github.com/dhcgn/imap-spamtrainer/stats"
)

const MinBatchSize = 25

// Source is the part of the connection manager a sync round needs.
type Source interface {
	HighestUID(ctx context.Context, mailbox string) (uint32, error)
	DumpRange(ctx context.Context, mailbox string, lower, upper uint32, maxSize int64, destDir string) ([]model.FetchedMessage, error)
}

// Strategy processes the messages of one round.
type Strategy interface {
	Process(ctx context.Context, r *Round) error
}

type StrategyFunc func(ctx context.Context, r *Round) error

func (f StrategyFunc) Process(ctx context.Context, r *Round) error {
	return f(ctx, r)
}

type Options struct {
	Role     model.Role
	Identity model.Identity
	// BatchSize bounds how far past the checkpoint one round looks.
	// Values below MinBatchSize are raised to it.
	BatchSize      uint32
	MaxMessageSize int64
	// ScratchRoot is where round directories are created; empty means the
	// system temp directory.
	ScratchRoot string
	Events      stats.Sink
}

// Engine synchronizes one mailbox incrementally. Each call to Track handles
// the next window of uids after the persisted checkpoint and advances it.
type Engine struct {
	opts     Options
	source   Source
	store    state.Store
	strategy Strategy
	logger   *slog.Logger

	lastUID uint32
	done    bool
}

// New loads the checkpoint of the mailbox, storing a zero checkpoint when
// none exists yet.
func New(ctx context.Context, opts Options, source Source, store state.Store, strategy Strategy, logger *slog.Logger) (*Engine, error) {
	if opts.Identity.Mailbox == "" {
		return nil, fmt.Errorf("%s tracker: mailbox path is empty", opts.Role)
	}
	if opts.MaxMessageSize <= 0 {
		return nil, fmt.Errorf("%s tracker: max message size must be positive", opts.Role)
	}
	if source == nil || store == nil || strategy == nil {
		return nil, fmt.Errorf("%s tracker: source, store and strategy are required", opts.Role)
	}
	opts.BatchSize = max(opts.BatchSize, MinBatchSize)
	if opts.Events == nil {
		opts.Events = stats.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		opts:     opts,
		source:   source,
		store:    store,
		strategy: strategy,
		logger:   logger.With("tracker", opts.Role, "mailbox", opts.Identity.Mailbox),
	}

	cp, err := store.Get(ctx, opts.Identity)
	switch {
	case errors.Is(err, state.ErrNoCheckpoint):
		if err := store.Set(ctx, opts.Identity, state.Checkpoint{}); err != nil {
			return nil, fmt.Errorf("%s tracker: initialize checkpoint: %w", opts.Role, err)
		}
		e.logger.Info("no checkpoint found, starting from the first message")
	case err != nil:
		return nil, fmt.Errorf("%s tracker: load checkpoint: %w", opts.Role, err)
	default:
		e.lastUID = cp.LastUID
		e.logger.Info("checkpoint loaded", "lastUid", cp.LastUID)
	}

	return e, nil
}

func (e *Engine) Role() model.Role {
	return e.opts.Role
}

// Done reports whether the last round reached the highest uid observed in
// the mailbox.
func (e *Engine) Done() bool {
	return e.done
}

func (e *Engine) LastUID() uint32 {
	return e.lastUID
}

// Track runs one round. The scratch directory is removed before it returns
// on every path. A failed download or strategy leaves the checkpoint where
// the strategy last put it and is returned to the caller.
func (e *Engine) Track(ctx context.Context) error {
	e.done = false
	roundID := uuid.NewString()
	logger := e.logger.With("round", roundID)
	mailbox := e.opts.Identity.Mailbox

	dir, err := os.MkdirTemp(e.opts.ScratchRoot, fmt.Sprintf("imap-spamtrainer-%s-", e.opts.Role))
	if err != nil {
		return fmt.Errorf("%s tracker: create scratch directory: %w", e.opts.Role, err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Error("failed to remove scratch directory", "dir", dir, "err", err)
		}
	}()

	highest, err := e.source.HighestUID(ctx, mailbox)
	if errors.Is(err, imap.ErrEmptyMailbox) {
		logger.Debug("mailbox is empty, nothing to do")
		e.done = true
		return nil
	}
	if err != nil {
		e.emitError(err)
		return fmt.Errorf("%s tracker: highest uid: %w", e.opts.Role, err)
	}

	window := model.NewWindow(e.lastUID, e.opts.BatchSize, highest)
	if window.Empty() {
		logger.Debug("no new messages", "lastUid", e.lastUID, "highest", highest)
		e.done = true
		return nil
	}

	msgs, err := e.source.DumpRange(ctx, mailbox, window.Lower, window.Upper, e.opts.MaxMessageSize, dir)
	if err != nil {
		e.emitError(err)
		return fmt.Errorf("%s tracker: download %d:%d: %w", e.opts.Role, window.Lower, window.Upper, err)
	}
	if len(msgs) > 0 {
		e.emit(stats.Event{Type: stats.EventTypeFetched, Count: len(msgs)})
	}

	logger.Info("round started",
		"lower", window.Lower, "upper", window.Upper, "highest", window.Highest, "messages", len(msgs))

	round := &Round{
		ID:       roundID,
		Role:     e.opts.Role,
		Mailbox:  mailbox,
		Window:   window,
		Messages: msgs,
		Dir:      dir,
		engine:   e,
		logger:   logger,
	}

	if err := e.strategy.Process(ctx, round); err != nil {
		e.emitError(err)
		e.done = e.lastUID >= window.Highest
		logger.Error("round failed", "lastUid", e.lastUID, "err", err)
		return fmt.Errorf("%s tracker: process round: %w", e.opts.Role, err)
	}

	if err := e.advance(ctx, window.Checkpoint()); err != nil {
		return err
	}
	e.done = e.lastUID >= window.Highest

	logger.Info("round finished", "lastUid", e.lastUID, "done", e.done)
	return nil
}

// advance persists uid as the new checkpoint. Checkpoints never move back.
func (e *Engine) advance(ctx context.Context, uid uint32) error {
	if uid <= e.lastUID {
		return nil
	}
	if err := e.store.Set(ctx, e.opts.Identity, state.Checkpoint{LastUID: uid}); err != nil {
		e.emitError(err)
		return fmt.Errorf("%s tracker: persist checkpoint %d: %w", e.opts.Role, uid, err)
	}
	e.lastUID = uid
	return nil
}

func (e *Engine) emit(evt stats.Event) {
	evt.Role = e.opts.Role
	e.opts.Events.Emit(evt)
}

func (e *Engine) emitError(err error) {
	e.emit(stats.Event{Type: stats.EventTypeError, Err: err})
}
