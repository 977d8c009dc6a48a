package tracker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/imap-spamtrainer/model"
	"github.com/dhcgn/imap-spamtrainer/spamassassin"
	"github.com/dhcgn/imap-spamtrainer/stats"
)

var ErrInvalidScores = errors.New("min spam score must be greater than max ham score")

// Scorer rates a single message file.
type Scorer interface {
	Score(ctx context.Context, messagePath string) (spamassassin.Score, error)
}

// Mover relocates messages on the server.
type Mover interface {
	MoveMessages(ctx context.Context, mailbox string, uids []uint32, target string) error
}

type Verdict int

const (
	// VerdictHam keeps the message for ham training.
	VerdictHam Verdict = iota
	// VerdictSpam moves the message to the spam mailbox.
	VerdictSpam
	// VerdictDiscard drops the local copy without learning from it.
	VerdictDiscard
)

func (v Verdict) String() string {
	switch v {
	case VerdictHam:
		return "ham"
	case VerdictSpam:
		return "spam"
	case VerdictDiscard:
		return "discard"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

type InboxOptions struct {
	MinSpamScore float64
	MaxHamScore  float64
	// SpamMailbox receives messages scored as spam.
	SpamMailbox string
	Progress    spamassassin.ProgressFunc
}

// InboxClassifier scores every new inbox message, moves spam to the spam
// mailbox and learns confidently clean messages as ham.
type InboxClassifier struct {
	opts    InboxOptions
	scorer  Scorer
	mover   Mover
	learner Learner
}

func NewInboxClassifier(opts InboxOptions, scorer Scorer, mover Mover, learner Learner) (*InboxClassifier, error) {
	if opts.MinSpamScore <= opts.MaxHamScore {
		return nil, fmt.Errorf("%w: minSpamScore %.2f, maxHamScore %.2f", ErrInvalidScores, opts.MinSpamScore, opts.MaxHamScore)
	}
	if opts.SpamMailbox == "" {
		return nil, fmt.Errorf("inbox classifier: spam mailbox path is empty")
	}
	if scorer == nil || mover == nil || learner == nil {
		return nil, fmt.Errorf("inbox classifier: scorer, mover and learner are required")
	}
	return &InboxClassifier{opts: opts, scorer: scorer, mover: mover, learner: learner}, nil
}

// Decide maps a score to a verdict. Rules are checked in order: spam
// threshold, uncertain region or unknown score, otherwise ham.
func (c *InboxClassifier) Decide(score spamassassin.Score) Verdict {
	switch {
	case score.Known && score.Value >= c.opts.MinSpamScore:
		return VerdictSpam
	case !score.Known || score.Value > c.opts.MaxHamScore:
		return VerdictDiscard
	default:
		return VerdictHam
	}
}

func (c *InboxClassifier) Process(ctx context.Context, r *Round) error {
	var retained int

	err := r.ProcessSingle(ctx, func(ctx context.Context, msg model.FetchedMessage) error {
		keep, err := c.classify(ctx, r, msg)
		if !keep {
			r.Remove(msg)
			return err
		}
		retained++
		return nil
	})
	if err != nil {
		return err
	}

	if retained == 0 {
		return nil
	}

	// Only retained messages are left in the round directory.
	result, err := c.learner.Train(ctx, r.Dir, spamassassin.ModeHam, c.opts.Progress)
	if err != nil {
		return fmt.Errorf("learn %d inbox messages as ham: %w", retained, err)
	}
	r.Logger().Info("inbox messages learned as ham", "count", retained, "output", strings.TrimSpace(result.Output))
	r.Emit(stats.Event{Type: stats.EventTypeLearnedHam, Count: retained})
	return nil
}

// classify scores msg and acts on the verdict. It reports whether the local
// copy stays for ham training.
func (c *InboxClassifier) classify(ctx context.Context, r *Round, msg model.FetchedMessage) (bool, error) {
	score, err := c.scorer.Score(ctx, msg.Path)
	if err != nil {
		r.Logger().Warn("scoring failed, treating as unknown", "uid", msg.UID, "err", err)
		score = spamassassin.Unknown()
	}
	if !score.Known {
		r.Emit(stats.Event{Type: stats.EventTypeUnknown, UID: msg.UID})
	}

	verdict := c.Decide(score)
	subject, from := describe(msg.Path)
	r.Logger().Info("message classified",
		"uid", msg.UID, "score", score.String(), "verdict", verdict.String(), "subject", subject, "from", from)

	switch verdict {
	case VerdictSpam:
		if err := c.mover.MoveMessages(ctx, r.Mailbox, []uint32{msg.UID}, c.opts.SpamMailbox); err != nil {
			return false, fmt.Errorf("move uid %d to %s: %w", msg.UID, c.opts.SpamMailbox, err)
		}
		r.Emit(stats.Event{Type: stats.EventTypeMovedSpam, UID: msg.UID})
		return false, nil
	case VerdictDiscard:
		r.Emit(stats.Event{Type: stats.EventTypeDiscarded, UID: msg.UID})
		return false, nil
	default:
		r.Emit(stats.Event{Type: stats.EventTypeRetained, UID: msg.UID})
		return true, nil
	}
}

// describe extracts subject and sender for logging. Unreadable headers
// yield empty strings.
func describe(path string) (subject, from string) {
	f, err := os.Open(path)
	if err != nil {
		return "", ""
	}
	defer f.Close()

	entity, err := message.Read(f)
	if entity == nil {
		return "", ""
	}
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return "", ""
	}

	header := mail.Header{Header: entity.Header}
	if subject, err = header.Subject(); err != nil {
		subject = header.Get("Subject")
	}
	if addrs, err := header.AddressList("From"); err == nil && len(addrs) > 0 {
		from = addrs[0].Address
	} else {
		from = header.Get("From")
	}
	return subject, from
}
