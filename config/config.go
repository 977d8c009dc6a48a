package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dhcgn/imap-spamtrainer/credential"
	"github.com/dhcgn/imap-spamtrainer/model"
	"github.com/dhcgn/imap-spamtrainer/state"
)

const (
	DefaultPort               = 993
	DefaultReconnectAfterMs   = 180000
	DefaultInbox              = "INBOX"
	DefaultMinSpamScore       = 5.0
	DefaultMaxHamScore        = 2.5
	DefaultBatchSize          = 250
	MinBatchSize              = 25
	DefaultTrackIntervalMs    = 20000
	DefaultMaxMailSizeInBytes = 256000
)

type IMAP struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	TLS                bool   `mapstructure:"tls"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	Keepalive          bool   `mapstructure:"keepalive"`
	ReconnectAfterMs   int64  `mapstructure:"reconnectAfterMs"`
	InsecureSkipVerify bool   `mapstructure:"insecureSkipVerify"`
}

// ReconnectAfter is the configured session lease.
func (i IMAP) ReconnectAfter() time.Duration {
	return time.Duration(i.ReconnectAfterMs) * time.Millisecond
}

type Paths struct {
	Ham   string `mapstructure:"ham"`
	Spam  string `mapstructure:"spam"`
	Inbox string `mapstructure:"inbox"`
}

type SpamAssassin struct {
	MinSpamScore float64 `mapstructure:"minSpamScore"`
	MaxHamScore  float64 `mapstructure:"maxHamScore"`
	BatchSize    int     `mapstructure:"batchSize"`
	SpamcPath    string  `mapstructure:"spamcPath"`
	SaLearnPath  string  `mapstructure:"saLearnPath"`
}

// File mirrors the JSON configuration file.
type File struct {
	IMAP               IMAP         `mapstructure:"imap"`
	Paths              Paths        `mapstructure:"paths"`
	SpamAssassin       SpamAssassin `mapstructure:"spamassassin"`
	TrackIntervalMs    int64        `mapstructure:"trackIntervalMs"`
	MaxMailSizeInBytes int64        `mapstructure:"maxMailSizeInBytes"`
}

// TrackInterval is the idle pause between drained cycles.
func (f File) TrackInterval() time.Duration {
	return time.Duration(f.TrackIntervalMs) * time.Millisecond
}

// Config is the validated configuration of a run: the configuration file
// plus command-line options.
type Config struct {
	File

	ConfigPath   string
	StateDir     string
	StateBackend string
	ScratchDir   string
	LogLevel     string
	LogFormat    string
	LogDir       string
}

// Mailbox returns the configured path of the mailbox with role.
func (c Config) Mailbox(role model.Role) string {
	switch role {
	case model.RoleSpam:
		return c.Paths.Spam
	case model.RoleHam:
		return c.Paths.Ham
	case model.RoleInbox:
		return c.Paths.Inbox
	default:
		return ""
	}
}

// Identity returns the checkpoint identity of the mailbox with role.
func (c Config) Identity(role model.Role) model.Identity {
	return model.Identity{
		Host:    c.IMAP.Host,
		Port:    c.IMAP.Port,
		User:    c.IMAP.User,
		Mailbox: c.Mailbox(role),
	}
}

// lookupPassword resolves a password from the OS keyring.
var lookupPassword = func(user, host string) (string, error) {
	return credential.Get(credential.Key(user, host))
}

// RegisterFlags attaches the shared CLI flags to the provided root command.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.PersistentFlags()
	flags.String("config", filepath.Join("data", "config.json"), "Path to the JSON configuration file")
	flags.String("state-dir", defaultStateDir, "Directory for mailbox checkpoints")
	flags.String("state-backend", state.BackendFile, "Checkpoint storage: file or sqlite")
	flags.String("scratch-dir", "", "Directory for per-round message downloads (defaults to the system temp dir)")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-format", "text", "Log output format: text or json")
	flags.String("log-dir", "", "Directory to additionally write log files to")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")

	return nil
}

// LoadConfig reads the configuration file named by the flags, applies the
// flag values and validates the result. The IMAP password falls back to the
// IMAP_PASS env var and then to the OS keyring.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	cfg, err := LoadPartial(cmd)
	if err != nil {
		return Config{}, err
	}

	if cfg.IMAP.Password == "" {
		cfg.IMAP.Password = os.Getenv("IMAP_PASS")
	}
	if cfg.IMAP.Password == "" && cfg.IMAP.User != "" && cfg.IMAP.Host != "" {
		if password, err := lookupPassword(cfg.IMAP.User, cfg.IMAP.Host); err == nil {
			cfg.IMAP.Password = password
		} else if !errors.Is(err, credential.ErrNotFound) {
			return Config{}, fmt.Errorf("read password from keyring: %w", err)
		}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadAccount is LoadConfig without the password requirement, for commands
// that only need to know which account is configured.
func LoadAccount(cmd *cobra.Command) (Config, error) {
	cfg, err := LoadPartial(cmd)
	if err != nil {
		return Config{}, err
	}
	if cfg.IMAP.Host == "" || cfg.IMAP.User == "" {
		return Config{}, fmt.Errorf("imap.host and imap.user are required")
	}
	return cfg, nil
}

// LoadPartial reads the configuration file and flags without validating
// them, for commands that need neither the account nor its password.
func LoadPartial(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	configPath, err := flags.GetString("config")
	if err != nil {
		return Config{}, err
	}
	stateDir, err := flags.GetString("state-dir")
	if err != nil {
		return Config{}, err
	}
	stateBackend, err := flags.GetString("state-backend")
	if err != nil {
		return Config{}, err
	}
	scratchDir, err := flags.GetString("scratch-dir")
	if err != nil {
		return Config{}, err
	}
	logLevel, err := flags.GetString("log-level")
	if err != nil {
		return Config{}, err
	}
	logFormat, err := flags.GetString("log-format")
	if err != nil {
		return Config{}, err
	}
	logDir, err := flags.GetString("log-dir")
	if err != nil {
		return Config{}, err
	}
	insecureSkipVerify, err := flags.GetBool("insecure-skip-verify")
	if err != nil {
		return Config{}, err
	}

	file, err := LoadFile(configPath)
	if err != nil {
		return Config{}, err
	}
	if insecureSkipVerify {
		file.IMAP.InsecureSkipVerify = true
	}

	if stateDir == "" {
		stateDir, err = defaultStateDir()
		if err != nil {
			return Config{}, err
		}
	}

	logLevel = strings.ToLower(logLevel)
	if logLevel == "warning" {
		logLevel = "warn"
	}

	return Config{
		File:         file,
		ConfigPath:   configPath,
		StateDir:     filepath.Clean(stateDir),
		StateBackend: strings.ToLower(stateBackend),
		ScratchDir:   scratchDir,
		LogLevel:     logLevel,
		LogFormat:    strings.ToLower(logFormat),
		LogDir:       logDir,
	}, nil
}

// LoadFile reads a JSON configuration file. Missing optional fields take
// their documented defaults.
func LoadFile(path string) (File, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.SetDefault("imap.port", DefaultPort)
	v.SetDefault("imap.tls", true)
	v.SetDefault("imap.keepalive", true)
	v.SetDefault("imap.reconnectAfterMs", DefaultReconnectAfterMs)
	v.SetDefault("paths.inbox", DefaultInbox)
	v.SetDefault("spamassassin.minSpamScore", DefaultMinSpamScore)
	v.SetDefault("spamassassin.maxHamScore", DefaultMaxHamScore)
	v.SetDefault("spamassassin.batchSize", DefaultBatchSize)
	v.SetDefault("spamassassin.spamcPath", "spamc")
	v.SetDefault("spamassassin.saLearnPath", "sa-learn")
	v.SetDefault("trackIntervalMs", DefaultTrackIntervalMs)
	v.SetDefault("maxMailSizeInBytes", DefaultMaxMailSizeInBytes)

	if err := v.ReadInConfig(); err != nil {
		return File{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	var file File
	if err := v.Unmarshal(&file); err != nil {
		return File{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	file.SpamAssassin.BatchSize = max(file.SpamAssassin.BatchSize, MinBatchSize)
	if file.MaxMailSizeInBytes == 0 {
		file.MaxMailSizeInBytes = DefaultMaxMailSizeInBytes
	}

	return file, nil
}

func validateConfig(cfg Config) error {
	if cfg.IMAP.Host == "" {
		return fmt.Errorf("imap.host is required")
	}
	if cfg.IMAP.User == "" {
		return fmt.Errorf("imap.user is required")
	}
	if cfg.IMAP.Password == "" {
		return fmt.Errorf("IMAP password must be provided via imap.password, the IMAP_PASS env var or the keyring")
	}
	if cfg.IMAP.Port <= 0 || cfg.IMAP.Port > 65535 {
		return fmt.Errorf("imap.port must be between 1 and 65535")
	}
	if cfg.IMAP.ReconnectAfterMs < 0 {
		return fmt.Errorf("imap.reconnectAfterMs must not be negative")
	}
	if strings.TrimSpace(cfg.Paths.Ham) == "" {
		return fmt.Errorf("paths.ham is required")
	}
	if strings.TrimSpace(cfg.Paths.Spam) == "" {
		return fmt.Errorf("paths.spam is required")
	}
	if strings.TrimSpace(cfg.Paths.Inbox) == "" {
		return fmt.Errorf("paths.inbox is required")
	}
	if cfg.SpamAssassin.MinSpamScore <= cfg.SpamAssassin.MaxHamScore {
		return fmt.Errorf("spamassassin.minSpamScore (%.2f) must be greater than spamassassin.maxHamScore (%.2f)",
			cfg.SpamAssassin.MinSpamScore, cfg.SpamAssassin.MaxHamScore)
	}
	if cfg.TrackIntervalMs <= 0 {
		return fmt.Errorf("trackIntervalMs must be positive")
	}
	if cfg.MaxMailSizeInBytes <= 0 {
		return fmt.Errorf("maxMailSizeInBytes must be positive")
	}

	switch cfg.StateBackend {
	case state.BackendFile, state.BackendSQLite:
	default:
		return fmt.Errorf("invalid --state-backend: %s", cfg.StateBackend)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid --log-format: %s", cfg.LogFormat)
	}

	return nil
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".imap-spamtrainer", "state"), nil
}
