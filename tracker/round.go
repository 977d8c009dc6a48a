package tracker

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dhcgn/imap-spamtrainer/model"
	"github.com/dhcgn/imap-spamtrainer/stats"
)

// Round is one pass of an engine over a window of uids. Messages are the
// accepted downloads in ascending uid order, each stored in Dir under its uid.
type Round struct {
	ID       string
	Role     model.Role
	Mailbox  string
	Window   model.Window
	Messages []model.FetchedMessage
	Dir      string

	engine *Engine
	logger *slog.Logger
}

func (r *Round) UIDs() []uint32 {
	return model.UIDs(r.Messages)
}

// Path is where the body of uid is stored for this round.
func (r *Round) Path(uid uint32) string {
	return filepath.Join(r.Dir, strconv.FormatUint(uint64(uid), 10))
}

func (r *Round) Logger() *slog.Logger {
	return r.logger
}

// Emit reports evt for the mailbox of this round.
func (r *Round) Emit(evt stats.Event) {
	r.engine.emit(evt)
}

// Remove deletes the local copy of msg. A missing file is not an error.
func (r *Round) Remove(msg model.FetchedMessage) {
	if err := os.Remove(msg.Path); err != nil && !os.IsNotExist(err) {
		r.logger.Warn("failed to remove message copy", "uid", msg.UID, "err", err)
	}
}

// ProcessAll hands every message to fn in one call. When fn succeeds the
// checkpoint advances to the last uid of the round.
func (r *Round) ProcessAll(ctx context.Context, fn func(ctx context.Context, msgs []model.FetchedMessage) error) error {
	if len(r.Messages) == 0 {
		return nil
	}
	if err := fn(ctx, r.Messages); err != nil {
		return err
	}
	return r.engine.advance(ctx, r.Messages[len(r.Messages)-1].UID)
}

// ProcessSingle calls fn once per message in ascending uid order. After
// every call the checkpoint advances to that uid, whether fn failed or not.
// A failed message is logged and never retried.
func (r *Round) ProcessSingle(ctx context.Context, fn func(ctx context.Context, msg model.FetchedMessage) error) error {
	for _, msg := range r.Messages {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := fn(ctx, msg); err != nil {
			r.logger.Error("message processing failed, skipping", "uid", msg.UID, "err", err)
			r.engine.emitError(err)
		}

		if err := r.engine.advance(ctx, msg.UID); err != nil {
			return err
		}
	}
	return nil
}
