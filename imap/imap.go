package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

var (
	ErrConnection   = errors.New("imap connection failed")
	ErrSearch       = errors.New("imap search failed")
	ErrFetch        = errors.New("imap fetch failed")
	ErrMove         = errors.New("imap move failed")
	ErrEmptyMailbox = errors.New("mailbox is empty")
)

const (
	// MinReconnectInterval is the shortest lease a session is granted.
	MinReconnectInterval = 5 * time.Minute

	keepaliveInterval       = time.Minute
	defaultFetchConcurrency = 4
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	// Keepalive probes an idle session with NOOP before reusing it.
	Keepalive bool
	// ReconnectAfter bounds the lifetime of a session regardless of its
	// health; values below MinReconnectInterval are raised to it.
	ReconnectAfter   time.Duration
	FetchConcurrency int
}

// Manager owns the single live IMAP session of an account. It connects
// lazily, reconnects after the lease expires or the connection dies, and
// keeps track of the selected mailbox.
type Manager struct {
	opts   Options
	logger *slog.Logger

	now  func() time.Time
	dial func(ctx context.Context) (*imapclient.Client, error)

	mu           sync.Mutex
	client       *imapclient.Client
	selected     string
	reconnectAt  time.Time
	lastActivity time.Time
}

func NewManager(opts Options, logger *slog.Logger) (*Manager, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.Username == "" {
		return nil, fmt.Errorf("imap user is empty")
	}
	if opts.Password == "" {
		return nil, fmt.Errorf("imap password is empty")
	}
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = defaultFetchConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		opts:   opts,
		logger: logger.With("component", "imap"),
		now:    time.Now,
	}
	m.dial = m.dialServer
	return m, nil
}

// Connect establishes a session unless one is already live.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.session(ctx)
	return err
}

// Disconnect ends the session. A graceful disconnect logs out first; a
// forced one drops the transport immediately. Either way the next operation
// reconnects.
func (m *Manager) Disconnect(graceful bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.disconnectLocked(graceful)
}

func (m *Manager) disconnectLocked(graceful bool) error {
	client := m.client
	if client == nil {
		return nil
	}
	m.client = nil
	m.selected = ""

	if graceful {
		if err := client.Logout().Wait(); err != nil {
			m.logger.Warn("imap logout failed", "err", err)
		}
	}
	if err := client.Close(); err != nil {
		m.logger.Debug("imap connection closed", "err", err)
	}
	return nil
}

// reconnectDeadline computes when a session created at now must be retired.
func reconnectDeadline(now time.Time, after time.Duration) time.Time {
	return now.Add(max(after, MinReconnectInterval))
}

// session returns the live client, replacing it first when the lease has
// expired, the keepalive probe fails, or the connection is gone.
// m.mu must be held.
func (m *Manager) session(ctx context.Context) (*imapclient.Client, error) {
	now := m.now()

	if m.client != nil && now.After(m.reconnectAt) {
		m.logger.Info("imap session lease expired, reconnecting", "reconnectAfter", max(m.opts.ReconnectAfter, MinReconnectInterval))
		_ = m.disconnectLocked(false)
	}

	if m.client != nil && m.opts.Keepalive && now.Sub(m.lastActivity) >= keepaliveInterval {
		if err := m.client.Noop().Wait(); err != nil {
			m.logger.Warn("imap keepalive failed, reconnecting", "err", err)
			_ = m.disconnectLocked(false)
		}
	}

	if m.client != nil {
		m.lastActivity = now
		return m.client, nil
	}

	client, err := m.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	m.client = client
	m.selected = ""
	m.reconnectAt = reconnectDeadline(m.now(), m.opts.ReconnectAfter)
	m.lastActivity = m.now()

	go m.watch(client)

	return client, nil
}

// watch drops the session as soon as the server side goes away so the next
// operation starts from a fresh connection.
func (m *Manager) watch(client *imapclient.Client) {
	<-client.Closed()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == client {
		m.logger.Warn("imap connection lost")
		m.client = nil
		m.selected = ""
	}
}

// fail resets the session after a transport error. Server NO/BAD responses
// leave the session intact. m.mu must be held.
func (m *Manager) fail(err error) {
	var respErr *imapv2.Error
	if errors.As(err, &respErr) {
		return
	}
	m.logger.Warn("imap transport error, dropping session", "err", err)
	_ = m.disconnectLocked(false)
}

// bind closes the client when ctx is cancelled while an operation blocks.
func bind(ctx context.Context, client *imapclient.Client) func() bool {
	return context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
}

func (m *Manager) dialServer(_ context.Context) (*imapclient.Client, error) {
	address := net.JoinHostPort(m.opts.Host, strconv.Itoa(m.opts.Port))
	options := &imapclient.Options{}

	if m.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         m.opts.Host,
			InsecureSkipVerify: m.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if m.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(m.opts.Username, m.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}

	m.logger.Debug("imap connection established", "address", address, "user", m.opts.Username, "tls", m.opts.UseTLS)

	return client, nil
}
