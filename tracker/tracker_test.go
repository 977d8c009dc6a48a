package tracker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"testing"

	"github.com/dhcgn/imap-spamtrainer/imap"
	"github.com/dhcgn/imap-spamtrainer/model"
	"github.com/dhcgn/imap-spamtrainer/spamassassin"
	"github.com/dhcgn/imap-spamtrainer/state"
	"github.com/dhcgn/imap-spamtrainer/stats"
)

// fakeMailbox serves a fixed set of messages keyed by uid.
type fakeMailbox struct {
	sizes   map[uint32]int64
	dumpErr error
	dumped  [][2]uint32
}

func newFakeMailbox(sizes map[uint32]int64) *fakeMailbox {
	return &fakeMailbox{sizes: sizes}
}

func (f *fakeMailbox) HighestUID(_ context.Context, _ string) (uint32, error) {
	var highest uint32
	for uid := range f.sizes {
		highest = max(highest, uid)
	}
	if highest == 0 {
		return 0, imap.ErrEmptyMailbox
	}
	return highest, nil
}

func (f *fakeMailbox) DumpRange(_ context.Context, _ string, lower, upper uint32, maxSize int64, destDir string) ([]model.FetchedMessage, error) {
	f.dumped = append(f.dumped, [2]uint32{lower, upper})
	if f.dumpErr != nil {
		return nil, f.dumpErr
	}

	var msgs []model.FetchedMessage
	for uid := lower; uid <= upper; uid++ {
		size, ok := f.sizes[uid]
		if !ok || size > maxSize {
			continue
		}
		path := filepath.Join(destDir, strconv.FormatUint(uint64(uid), 10))
		body := fmt.Sprintf("Subject: message %d\r\nFrom: sender%d@example.com\r\n\r\nbody\r\n", uid, uid)
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			return nil, err
		}
		msgs = append(msgs, model.FetchedMessage{UID: uid, Size: size, Path: path})
	}
	return msgs, nil
}

// fakeLearner records the files present in the corpus directory per call.
type fakeLearner struct {
	err   error
	calls []learnCall
}

type learnCall struct {
	mode  spamassassin.Mode
	files []string
}

func (f *fakeLearner) Train(_ context.Context, dir string, mode spamassassin.Mode, _ spamassassin.ProgressFunc) (spamassassin.Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return spamassassin.Result{}, err
	}
	var files []string
	for _, e := range entries {
		files = append(files, e.Name())
	}
	f.calls = append(f.calls, learnCall{mode: mode, files: files})
	if f.err != nil {
		return spamassassin.Result{ExitCode: 1}, f.err
	}
	return spamassassin.Result{Output: "Learned tokens"}, nil
}

type fakeScorer map[string]spamassassin.Score

func (f fakeScorer) Score(_ context.Context, path string) (spamassassin.Score, error) {
	score, ok := f[filepath.Base(path)]
	if !ok {
		return spamassassin.Unknown(), errors.New("spamc not reachable")
	}
	return score, nil
}

type fakeMover struct {
	err   error
	moves []uint32
	to    []string
}

func (f *fakeMover) MoveMessages(_ context.Context, _ string, uids []uint32, target string) error {
	if f.err != nil {
		return f.err
	}
	f.moves = append(f.moves, uids...)
	f.to = append(f.to, target)
	return nil
}

func testIdentity(mailbox string) model.Identity {
	return model.Identity{Host: "imap.example.com", Port: 993, User: "alice", Mailbox: mailbox}
}

func newEngine(t *testing.T, role model.Role, mailbox string, source Source, store state.Store, strategy Strategy, events stats.Sink) (*Engine, string) {
	t.Helper()
	scratch := t.TempDir()
	e, err := New(context.Background(), Options{
		Role:           role,
		Identity:       testIdentity(mailbox),
		BatchSize:      5,
		MaxMessageSize: 1000,
		ScratchRoot:    scratch,
		Events:         events,
	}, source, store, strategy, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e, scratch
}

func setCheckpoint(t *testing.T, store state.Store, mailbox string, uid uint32) {
	t.Helper()
	if err := store.Set(context.Background(), testIdentity(mailbox), state.Checkpoint{LastUID: uid}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
}

func storedCheckpoint(t *testing.T, store state.Store, mailbox string) uint32 {
	t.Helper()
	cp, err := store.Get(context.Background(), testIdentity(mailbox))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	return cp.LastUID
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read scratch root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("scratch root still holds %d entries, want none", len(entries))
	}
}

func TestNew_InitializesMissingCheckpoint(t *testing.T) {
	store := state.NewMemoryStore()
	e, _ := newEngine(t, model.RoleSpam, "Junk", newFakeMailbox(nil), store, StrategyFunc(func(context.Context, *Round) error { return nil }), nil)

	if e.LastUID() != 0 {
		t.Fatalf("LastUID() = %d, want 0", e.LastUID())
	}
	if got := storedCheckpoint(t, store, "Junk"); got != 0 {
		t.Fatalf("stored checkpoint = %d, want 0", got)
	}
}

func TestNew_RaisesSmallBatchSize(t *testing.T) {
	e, err := New(context.Background(), Options{
		Role:           model.RoleHam,
		Identity:       testIdentity("Ham"),
		BatchSize:      3,
		MaxMessageSize: 1000,
	}, newFakeMailbox(nil), state.NewMemoryStore(), StrategyFunc(func(context.Context, *Round) error { return nil }), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if e.opts.BatchSize != MinBatchSize {
		t.Fatalf("BatchSize = %d, want %d", e.opts.BatchSize, MinBatchSize)
	}
}

func TestInboxClassifier_Scenario(t *testing.T) {
	store := state.NewMemoryStore()
	setCheckpoint(t, store, "INBOX", 9)

	source := newFakeMailbox(map[uint32]int64{10: 100, 11: 100, 12: 100})
	scorer := fakeScorer{
		"10": {Value: 7, Required: 5, Known: true},
		"11": {Value: 1, Required: 5, Known: true},
		"12": spamassassin.ParseScore("0.0/0.0"),
	}
	mover := &fakeMover{}
	learner := &fakeLearner{}
	collector := stats.NewCollector()

	classifier, err := NewInboxClassifier(InboxOptions{MinSpamScore: 5, MaxHamScore: 2.5, SpamMailbox: "Junk"}, scorer, mover, learner)
	if err != nil {
		t.Fatalf("NewInboxClassifier() error = %v", err)
	}

	e, scratch := newEngine(t, model.RoleInbox, "INBOX", source, store, classifier, collector)
	if err := e.Track(context.Background()); err != nil {
		t.Fatalf("Track() error = %v", err)
	}

	if !slices.Equal(mover.moves, []uint32{10}) || !slices.Equal(mover.to, []string{"Junk"}) {
		t.Fatalf("moves = %v to %v, want [10] to [Junk]", mover.moves, mover.to)
	}
	if len(learner.calls) != 1 {
		t.Fatalf("learner called %d times, want 1", len(learner.calls))
	}
	if call := learner.calls[0]; call.mode != spamassassin.ModeHam || !slices.Equal(call.files, []string{"11"}) {
		t.Fatalf("learner call = %+v, want ham on [11]", call)
	}
	if got := storedCheckpoint(t, store, "INBOX"); got != 12 {
		t.Fatalf("checkpoint = %d, want 12", got)
	}
	if !e.Done() {
		t.Error("Done() = false, want true once the highest uid is reached")
	}
	assertEmptyDir(t, scratch)

	summary := collector.Snapshot()
	if summary.MovedSpam != 1 || summary.Retained != 1 || summary.Discarded != 1 || summary.Unknown != 1 || summary.LearnedHam != 1 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestInboxClassifier_Decide(t *testing.T) {
	c, err := NewInboxClassifier(InboxOptions{MinSpamScore: 5, MaxHamScore: 2.5, SpamMailbox: "Junk"}, fakeScorer{}, &fakeMover{}, &fakeLearner{})
	if err != nil {
		t.Fatalf("NewInboxClassifier() error = %v", err)
	}

	tests := []struct {
		name  string
		score spamassassin.Score
		want  Verdict
	}{
		{name: "above spam threshold", score: spamassassin.Score{Value: 9, Required: 5, Known: true}, want: VerdictSpam},
		{name: "exactly spam threshold", score: spamassassin.Score{Value: 5, Required: 5, Known: true}, want: VerdictSpam},
		{name: "uncertain region", score: spamassassin.Score{Value: 3, Required: 5, Known: true}, want: VerdictDiscard},
		{name: "exactly ham threshold", score: spamassassin.Score{Value: 2.5, Required: 5, Known: true}, want: VerdictHam},
		{name: "negative score", score: spamassassin.Score{Value: -1.2, Required: 5, Known: true}, want: VerdictHam},
		{name: "unknown", score: spamassassin.Unknown(), want: VerdictDiscard},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Decide(tt.score); got != tt.want {
				t.Errorf("Decide(%v) = %v, want %v", tt.score, got, tt.want)
			}
		})
	}
}

func TestNewInboxClassifier_RejectsOverlappingScores(t *testing.T) {
	tests := []struct {
		name            string
		minSpam, maxHam float64
	}{
		{name: "equal", minSpam: 5, maxHam: 5},
		{name: "inverted", minSpam: 2, maxHam: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mover := &fakeMover{}
			learner := &fakeLearner{}
			_, err := NewInboxClassifier(InboxOptions{MinSpamScore: tt.minSpam, MaxHamScore: tt.maxHam, SpamMailbox: "Junk"}, fakeScorer{}, mover, learner)
			if !errors.Is(err, ErrInvalidScores) {
				t.Fatalf("NewInboxClassifier() error = %v, want ErrInvalidScores", err)
			}
			if len(mover.moves) != 0 || len(learner.calls) != 0 {
				t.Fatal("construction performed I/O")
			}
		})
	}
}

func TestInboxClassifier_NoRetainedMessagesSkipsTraining(t *testing.T) {
	store := state.NewMemoryStore()
	source := newFakeMailbox(map[uint32]int64{1: 100, 2: 100})
	learner := &fakeLearner{}

	classifier, err := NewInboxClassifier(InboxOptions{MinSpamScore: 5, MaxHamScore: 2.5, SpamMailbox: "Junk"},
		fakeScorer{"1": {Value: 8, Required: 5, Known: true}}, &fakeMover{}, learner)
	if err != nil {
		t.Fatalf("NewInboxClassifier() error = %v", err)
	}

	e, _ := newEngine(t, model.RoleInbox, "INBOX", source, store, classifier, nil)
	if err := e.Track(context.Background()); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if len(learner.calls) != 0 {
		t.Fatalf("learner called %d times, want 0", len(learner.calls))
	}
	if got := storedCheckpoint(t, store, "INBOX"); got != 2 {
		t.Fatalf("checkpoint = %d, want 2", got)
	}
}

func TestInboxClassifier_FailedMoveIsNotLearned(t *testing.T) {
	store := state.NewMemoryStore()
	source := newFakeMailbox(map[uint32]int64{1: 100, 2: 100})
	learner := &fakeLearner{}
	mover := &fakeMover{err: imap.ErrMove}

	classifier, err := NewInboxClassifier(InboxOptions{MinSpamScore: 5, MaxHamScore: 2.5, SpamMailbox: "Junk"},
		fakeScorer{"1": {Value: 8, Required: 5, Known: true}, "2": {Value: 0.5, Required: 5, Known: true}}, mover, learner)
	if err != nil {
		t.Fatalf("NewInboxClassifier() error = %v", err)
	}

	e, _ := newEngine(t, model.RoleInbox, "INBOX", source, store, classifier, nil)
	if err := e.Track(context.Background()); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if len(learner.calls) != 1 || !slices.Equal(learner.calls[0].files, []string{"2"}) {
		t.Fatalf("learner calls = %+v, want ham on [2] only", learner.calls)
	}
	if got := storedCheckpoint(t, store, "INBOX"); got != 2 {
		t.Fatalf("checkpoint = %d, want 2", got)
	}
}

func TestProcessSingle_FailureAfterPartialProgress(t *testing.T) {
	store := state.NewMemoryStore()
	source := newFakeMailbox(map[uint32]int64{10: 100, 11: 100, 12: 100, 40: 100})

	var attempted []uint32
	strategy := StrategyFunc(func(ctx context.Context, r *Round) error {
		err := r.ProcessSingle(ctx, func(_ context.Context, msg model.FetchedMessage) error {
			attempted = append(attempted, msg.UID)
			if msg.UID == 11 {
				return errors.New("scorer crashed")
			}
			return nil
		})
		if err != nil {
			return err
		}
		return errors.New("bulk step failed")
	})

	setCheckpoint(t, store, "INBOX", 9)
	e, scratch := newEngine(t, model.RoleInbox, "INBOX", source, store, strategy, nil)

	if err := e.Track(context.Background()); err == nil {
		t.Fatal("Track() error = nil, want strategy failure")
	}
	if !slices.Equal(attempted, []uint32{10, 11, 12}) {
		t.Fatalf("attempted = %v, want [10 11 12]", attempted)
	}
	// The window reaches 34, but only 12 was actually attempted.
	if got := storedCheckpoint(t, store, "INBOX"); got != 12 {
		t.Fatalf("checkpoint = %d, want 12", got)
	}
	if e.Done() {
		t.Error("Done() = true, want false with uid 40 pending")
	}
	assertEmptyDir(t, scratch)
}

func TestProcessSingle_StopsOnCancel(t *testing.T) {
	store := state.NewMemoryStore()
	source := newFakeMailbox(map[uint32]int64{1: 100, 2: 100, 3: 100})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	strategy := StrategyFunc(func(ctx context.Context, r *Round) error {
		return r.ProcessSingle(ctx, func(_ context.Context, msg model.FetchedMessage) error {
			if msg.UID == 2 {
				cancel()
			}
			return nil
		})
	})

	e, scratch := newEngine(t, model.RoleInbox, "INBOX", source, store, strategy, nil)
	if err := e.Track(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Track() error = %v, want context.Canceled", err)
	}
	if got := storedCheckpoint(t, store, "INBOX"); got != 2 {
		t.Fatalf("checkpoint = %d, want 2", got)
	}
	assertEmptyDir(t, scratch)
}

func TestTrainer_EmptyCorpusDoesNotAdvance(t *testing.T) {
	store := state.NewMemoryStore()
	source := newFakeMailbox(map[uint32]int64{1: 100, 2: 100})
	learner := &fakeLearner{err: spamassassin.ErrEmptyCorpus}

	e, scratch := newEngine(t, model.RoleSpam, "Junk", source, store, NewTrainer(spamassassin.ModeSpam, learner, nil), nil)

	err := e.Track(context.Background())
	if !errors.Is(err, spamassassin.ErrEmptyCorpus) {
		t.Fatalf("Track() error = %v, want ErrEmptyCorpus", err)
	}
	if got := storedCheckpoint(t, store, "Junk"); got != 0 {
		t.Fatalf("checkpoint = %d, want 0", got)
	}
	if e.Done() {
		t.Error("Done() = true after a failed round")
	}
	assertEmptyDir(t, scratch)
}

func TestTrainer_DrainsInBatches(t *testing.T) {
	sizes := make(map[uint32]int64)
	for uid := uint32(1); uid <= 60; uid++ {
		sizes[uid] = 100
	}
	store := state.NewMemoryStore()
	source := newFakeMailbox(sizes)
	learner := &fakeLearner{}

	// BatchSize 5 is raised to 25.
	e, _ := newEngine(t, model.RoleHam, "Ham", source, store, NewTrainer(spamassassin.ModeHam, learner, nil), nil)

	var checkpoints []uint32
	for !e.Done() {
		if err := e.Track(context.Background()); err != nil {
			t.Fatalf("Track() error = %v", err)
		}
		checkpoints = append(checkpoints, storedCheckpoint(t, store, "Ham"))
		if len(checkpoints) > 10 {
			t.Fatal("tracker never drained the mailbox")
		}
	}

	if want := []uint32{25, 50, 60}; !slices.Equal(checkpoints, want) {
		t.Fatalf("checkpoints = %v, want %v", checkpoints, want)
	}
	if len(learner.calls) != 3 || len(learner.calls[0].files) != 25 || len(learner.calls[2].files) != 10 {
		t.Fatalf("learner calls = %d, want batches of 25, 25 and 10", len(learner.calls))
	}
	for _, call := range learner.calls {
		if call.mode != spamassassin.ModeHam {
			t.Fatalf("mode = %s, want ham", call.mode)
		}
	}
}

func TestEngine_OversizedNeverProcessed(t *testing.T) {
	store := state.NewMemoryStore()
	source := newFakeMailbox(map[uint32]int64{1: 100, 2: 5000, 3: 100})

	var seen []uint32
	strategy := StrategyFunc(func(ctx context.Context, r *Round) error {
		seen = append(seen, r.UIDs()...)
		return nil
	})

	e, _ := newEngine(t, model.RoleInbox, "INBOX", source, store, strategy, nil)
	for i := 0; i < 3; i++ {
		if err := e.Track(context.Background()); err != nil {
			t.Fatalf("Track() error = %v", err)
		}
	}

	if !slices.Equal(seen, []uint32{1, 3}) {
		t.Fatalf("processed uids = %v, want [1 3]", seen)
	}
	if got := storedCheckpoint(t, store, "INBOX"); got != 3 {
		t.Fatalf("checkpoint = %d, want 3", got)
	}
}

func TestEngine_CheckpointIsMonotonic(t *testing.T) {
	store := state.NewMemoryStore()
	setCheckpoint(t, store, "INBOX", 40)

	// The server reports fewer messages than the checkpoint covers.
	source := newFakeMailbox(map[uint32]int64{3: 100, 7: 100})
	strategy := StrategyFunc(func(context.Context, *Round) error {
		t.Fatal("strategy called for an already covered window")
		return nil
	})

	e, _ := newEngine(t, model.RoleInbox, "INBOX", source, store, strategy, nil)
	if err := e.Track(context.Background()); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if got := storedCheckpoint(t, store, "INBOX"); got != 40 {
		t.Fatalf("checkpoint = %d, want 40", got)
	}
	if !e.Done() {
		t.Error("Done() = false, want true")
	}
}

func TestEngine_DownloadFailureKeepsCheckpoint(t *testing.T) {
	store := state.NewMemoryStore()
	setCheckpoint(t, store, "Junk", 4)
	source := newFakeMailbox(map[uint32]int64{5: 100, 6: 100})
	source.dumpErr = imap.ErrFetch
	learner := &fakeLearner{}

	e, scratch := newEngine(t, model.RoleSpam, "Junk", source, store, NewTrainer(spamassassin.ModeSpam, learner, nil), nil)
	if err := e.Track(context.Background()); !errors.Is(err, imap.ErrFetch) {
		t.Fatalf("Track() error = %v, want ErrFetch", err)
	}
	if got := storedCheckpoint(t, store, "Junk"); got != 4 {
		t.Fatalf("checkpoint = %d, want 4", got)
	}
	if len(learner.calls) != 0 {
		t.Fatal("learner called after a failed download")
	}
	assertEmptyDir(t, scratch)
}

func TestEngine_EmptyMailboxIsNoop(t *testing.T) {
	store := state.NewMemoryStore()
	e, _ := newEngine(t, model.RoleSpam, "Junk", newFakeMailbox(nil), store, NewTrainer(spamassassin.ModeSpam, &fakeLearner{}, nil), nil)

	if err := e.Track(context.Background()); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if !e.Done() {
		t.Fatal("Done() = false for an empty mailbox")
	}
}

func TestEngine_ResumesAfterRestart(t *testing.T) {
	stateDir := t.TempDir()
	source := newFakeMailbox(map[uint32]int64{1: 100, 2: 100, 3: 100, 30: 100})

	var windows []model.Window
	strategy := StrategyFunc(func(_ context.Context, r *Round) error {
		windows = append(windows, r.Window)
		return nil
	})

	store, err := state.NewFileStore(stateDir)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	e, _ := newEngine(t, model.RoleInbox, "INBOX", source, store, strategy, nil)
	if err := e.Track(context.Background()); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	_ = store.Close()

	reopened, err := state.NewFileStore(stateDir)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	defer reopened.Close()

	resumed, _ := newEngine(t, model.RoleInbox, "INBOX", source, reopened, strategy, nil)
	if resumed.LastUID() != e.LastUID() {
		t.Fatalf("LastUID() after restart = %d, want %d", resumed.LastUID(), e.LastUID())
	}
	if err := resumed.Track(context.Background()); err != nil {
		t.Fatalf("Track() error = %v", err)
	}

	if len(windows) != 2 {
		t.Fatalf("rounds = %d, want 2", len(windows))
	}
	if windows[1].Lower != e.LastUID()+1 {
		t.Fatalf("resumed window starts at %d, want %d", windows[1].Lower, e.LastUID()+1)
	}
}
