package imap

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	imapv2 "github.com/emersion/go-imap/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/imap-spamtrainer/model"
)

// UIDRange builds the search criterion matching uids lower through upper.
func UIDRange(lower, upper uint32) *imapv2.SearchCriteria {
	return &imapv2.SearchCriteria{
		UID: []imapv2.UIDSet{{imapv2.UIDRange{Start: imapv2.UID(lower), Stop: imapv2.UID(upper)}}},
	}
}

// SearchUIDs returns the uids in mailbox matching criteria, ascending.
func (m *Manager) SearchUIDs(ctx context.Context, mailbox string, criteria *imapv2.SearchCriteria) ([]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.searchLocked(ctx, mailbox, criteria)
}

func (m *Manager) searchLocked(ctx context.Context, mailbox string, criteria *imapv2.SearchCriteria) ([]uint32, error) {
	client, err := m.session(ctx)
	if err != nil {
		return nil, err
	}
	defer bind(ctx, client)()

	if _, err := m.selectLocked(client, mailbox); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSearch, err)
	}

	data, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		m.fail(err)
		return nil, fmt.Errorf("%w: %s: %w", ErrSearch, mailbox, err)
	}

	found := data.AllUIDs()
	uids := make([]uint32, 0, len(found))
	for _, uid := range found {
		uids = append(uids, uint32(uid))
	}
	slices.Sort(uids)
	return uids, nil
}

// FetchMessages downloads uids from mailbox into destDir, one file per
// message named after its uid. Messages larger than maxSize are skipped and
// left out of the result. It returns only after every started write has
// finished; on error the contents of destDir are undefined.
func (m *Manager) FetchMessages(ctx context.Context, mailbox string, uids []uint32, maxSize int64, destDir string) ([]model.FetchedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.fetchLocked(ctx, mailbox, uids, maxSize, destDir)
}

func (m *Manager) fetchLocked(ctx context.Context, mailbox string, uids []uint32, maxSize int64, destDir string) ([]model.FetchedMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(destDir, 0o700); err != nil {
		return nil, fmt.Errorf("create destination directory: %w", err)
	}

	client, err := m.session(ctx)
	if err != nil {
		return nil, err
	}
	defer bind(ctx, client)()

	if _, err := m.selectLocked(client, mailbox); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	// Sizes first, so oversized bodies are never transferred.
	sizes, err := client.Fetch(uidSet(uids), &imapv2.FetchOptions{UID: true, RFC822Size: true}).Collect()
	if err != nil {
		m.fail(err)
		return nil, fmt.Errorf("%w: sizes from %s: %w", ErrFetch, mailbox, err)
	}

	accepted := make(map[uint32]int64, len(sizes))
	var acceptedUIDs []uint32
	for _, buf := range sizes {
		uid := uint32(buf.UID)
		if buf.RFC822Size > maxSize {
			m.logger.Info("message exceeds max size, skipping",
				"mailbox", mailbox, "uid", uid, "size", buf.RFC822Size, "maxSize", maxSize)
			continue
		}
		accepted[uid] = buf.RFC822Size
		acceptedUIDs = append(acceptedUIDs, uid)
	}
	if len(acceptedUIDs) == 0 {
		return nil, nil
	}

	section := &imapv2.FetchItemBodySection{Peek: true}
	cmd := client.Fetch(uidSet(acceptedUIDs), &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{section},
	})

	var g errgroup.Group
	g.SetLimit(m.opts.FetchConcurrency)

	fetched := make([]model.FetchedMessage, 0, len(acceptedUIDs))
	var collectErr error
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			collectErr = err
			break
		}

		uid := uint32(buf.UID)
		size, ok := accepted[uid]
		if !ok {
			continue
		}
		body := buf.FindBodySection(section)
		if body == nil {
			m.logger.Warn("message body missing from fetch response", "mailbox", mailbox, "uid", uid)
			continue
		}

		path := filepath.Join(destDir, strconv.FormatUint(uint64(uid), 10))
		fetched = append(fetched, model.FetchedMessage{UID: uid, Size: size, Path: path})

		g.Go(func() error {
			if err := os.WriteFile(path, body, 0o600); err != nil {
				return fmt.Errorf("write message %d: %w", uid, err)
			}
			return nil
		})
	}

	fetchErr := cmd.Close()
	if fetchErr == nil {
		fetchErr = collectErr
	}
	writeErr := g.Wait()

	if fetchErr != nil {
		m.fail(fetchErr)
		return nil, fmt.Errorf("%w: bodies from %s: %w", ErrFetch, mailbox, fetchErr)
	}
	if writeErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, writeErr)
	}

	slices.SortFunc(fetched, func(a, b model.FetchedMessage) int {
		return cmp.Compare(a.UID, b.UID)
	})

	m.logger.Debug("dumped messages", "mailbox", mailbox, "count", len(fetched), "requested", len(uids))
	return fetched, nil
}

// DumpRange searches mailbox for uids lower through upper and downloads the
// accepted ones into destDir.
func (m *Manager) DumpRange(ctx context.Context, mailbox string, lower, upper uint32, maxSize int64, destDir string) ([]model.FetchedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	uids, err := m.searchLocked(ctx, mailbox, UIDRange(lower, upper))
	if err != nil {
		return nil, err
	}
	m.logger.Debug("dumping mailbox", "mailbox", mailbox, "lower", lower, "upper", upper, "matches", len(uids))

	return m.fetchLocked(ctx, mailbox, uids, maxSize, destDir)
}

// MoveMessages moves uids from mailbox to target on the server.
func (m *Manager) MoveMessages(ctx context.Context, mailbox string, uids []uint32, target string) error {
	if len(uids) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	client, err := m.session(ctx)
	if err != nil {
		return err
	}
	defer bind(ctx, client)()

	if _, err := m.selectLocked(client, mailbox); err != nil {
		return fmt.Errorf("%w: %w", ErrMove, err)
	}

	if _, err := client.Move(uidSet(uids), target).Wait(); err != nil {
		m.fail(err)
		return fmt.Errorf("%w: %v from %s to %s: %w", ErrMove, uids, mailbox, target, err)
	}
	return nil
}

// HighestUID returns the uid of the last message in mailbox. It fails with
// ErrEmptyMailbox when the mailbox holds no messages.
func (m *Manager) HighestUID(ctx context.Context, mailbox string) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, err := m.session(ctx)
	if err != nil {
		return 0, err
	}
	defer bind(ctx, client)()

	data, err := m.selectLocked(client, mailbox)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	var count uint32
	if data != nil {
		count = data.NumMessages
	} else {
		// Already selected: NOOP collects pending EXISTS and EXPUNGE updates.
		if err := client.Noop().Wait(); err != nil {
			m.fail(err)
			return 0, fmt.Errorf("%w: refresh %s: %w", ErrFetch, mailbox, err)
		}
		if selected := client.Mailbox(); selected != nil {
			count = selected.NumMessages
		}
	}
	if count == 0 {
		return 0, fmt.Errorf("%w: %s", ErrEmptyMailbox, mailbox)
	}

	msgs, err := client.Fetch(imapv2.SeqSetNum(count), &imapv2.FetchOptions{UID: true}).Collect()
	if err != nil {
		m.fail(err)
		return 0, fmt.Errorf("%w: highest uid of %s: %w", ErrFetch, mailbox, err)
	}
	if len(msgs) == 0 || msgs[0].UID == 0 {
		return 0, fmt.Errorf("%w: highest uid of %s: no uid for message %d", ErrFetch, mailbox, count)
	}
	return uint32(msgs[0].UID), nil
}

func uidSet(uids []uint32) imapv2.UIDSet {
	set := make([]imapv2.UID, 0, len(uids))
	for _, uid := range uids {
		set = append(set, imapv2.UID(uid))
	}
	return imapv2.UIDSetNum(set...)
}
