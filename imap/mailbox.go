package imap

import (
	"context"
	"fmt"
	"strings"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// ListMailboxPaths returns every mailbox of the account as a flat list of
// delimiter-joined paths, depth-first with parents before their children.
func (m *Manager) ListMailboxPaths(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, err := m.session(ctx)
	if err != nil {
		return nil, err
	}
	defer bind(ctx, client)()

	list, err := client.List("", "*", nil).Collect()
	if err != nil {
		m.fail(err)
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}

	return flattenMailboxes(list), nil
}

type mailboxNode struct {
	name     string
	delim    rune
	children []*mailboxNode
	index    map[string]*mailboxNode
}

func (n *mailboxNode) child(name string, delim rune) *mailboxNode {
	if c, ok := n.index[name]; ok {
		return c
	}
	c := &mailboxNode{name: name, delim: delim, index: make(map[string]*mailboxNode)}
	n.index[name] = c
	n.children = append(n.children, c)
	return c
}

// flattenMailboxes rebuilds the hierarchy from LIST responses and walks it
// depth-first. Servers list mailboxes in arbitrary order, and intermediate
// levels may be missing from the response; both are normalized here.
func flattenMailboxes(list []*imapv2.ListData) []string {
	root := &mailboxNode{index: make(map[string]*mailboxNode)}

	for _, data := range list {
		if data == nil || data.Mailbox == "" {
			continue
		}
		parts := []string{data.Mailbox}
		if data.Delim != 0 {
			parts = strings.Split(data.Mailbox, string(data.Delim))
		}
		node := root
		for _, part := range parts {
			node = node.child(part, data.Delim)
		}
	}

	var paths []string
	var walk func(n *mailboxNode, path string)
	walk = func(n *mailboxNode, path string) {
		paths = append(paths, path)
		for _, c := range n.children {
			walk(c, path+string(n.delim)+c.name)
		}
	}
	for _, c := range root.children {
		walk(c, c.name)
	}

	return paths
}

// OpenMailbox selects path. Re-selecting the current mailbox is a no-op.
func (m *Manager) OpenMailbox(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, err := m.session(ctx)
	if err != nil {
		return err
	}
	defer bind(ctx, client)()

	_, err = m.selectLocked(client, path)
	return err
}

// selectLocked switches the selected mailbox, closing the previous one
// first. It returns nil data when path was already selected.
func (m *Manager) selectLocked(client *imapclient.Client, path string) (*imapv2.SelectData, error) {
	if path == "" {
		return nil, fmt.Errorf("mailbox path is empty")
	}
	if m.selected == path {
		return nil, nil
	}

	if m.selected != "" {
		var cmd *imapclient.Command
		if client.Caps().Has(imapv2.CapUnselect) {
			cmd = client.Unselect()
		} else {
			cmd = client.UnselectAndExpunge()
		}
		if err := cmd.Wait(); err != nil {
			m.fail(err)
			return nil, fmt.Errorf("close mailbox %s: %w", m.selected, err)
		}
		m.selected = ""
	}

	data, err := client.Select(path, nil).Wait()
	if err != nil {
		m.fail(err)
		return nil, fmt.Errorf("select mailbox %s: %w", path, err)
	}
	m.selected = path

	m.logger.Debug("mailbox selected", "mailbox", path, "messages", data.NumMessages, "uidNext", data.UIDNext)
	return data, nil
}
