package tracker

import (
	"context"
	"fmt"
	"strings"

	"github.com/dhcgn/imap-spamtrainer/model"
	"github.com/dhcgn/imap-spamtrainer/spamassassin"
	"github.com/dhcgn/imap-spamtrainer/stats"
)

// Learner feeds a directory of messages to the trainer.
type Learner interface {
	Train(ctx context.Context, dir string, mode spamassassin.Mode, progress spamassassin.ProgressFunc) (spamassassin.Result, error)
}

// Trainer learns every message of a training mailbox as spam or ham in one
// bulk call per round.
type Trainer struct {
	mode     spamassassin.Mode
	learner  Learner
	progress spamassassin.ProgressFunc
}

func NewTrainer(mode spamassassin.Mode, learner Learner, progress spamassassin.ProgressFunc) *Trainer {
	return &Trainer{mode: mode, learner: learner, progress: progress}
}

func (t *Trainer) Process(ctx context.Context, r *Round) error {
	return r.ProcessAll(ctx, func(ctx context.Context, msgs []model.FetchedMessage) error {
		result, err := t.learner.Train(ctx, r.Dir, t.mode, t.progress)
		if err != nil {
			return fmt.Errorf("learn %d messages as %s: %w", len(msgs), t.mode, err)
		}

		r.Logger().Info("messages learned", "mode", t.mode, "count", len(msgs), "output", strings.TrimSpace(result.Output))
		r.Emit(stats.Event{Type: learnedEvent(t.mode), Count: len(msgs)})
		return nil
	})
}

func learnedEvent(mode spamassassin.Mode) stats.EventType {
	if mode == spamassassin.ModeSpam {
		return stats.EventTypeLearnedSpam
	}
	return stats.EventTypeLearnedHam
}
