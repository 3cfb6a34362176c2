package model

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the endpoint settings for one mail server connection.
// Passwords are not stored here; they live in the system keyring keyed by
// the account ID.
type ServerConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`

	// Security is "tls", "starttls", or "none".
	Security string `mapstructure:"security" yaml:"security"`
}

// AccountConfig is the persisted form of one account.
type AccountConfig struct {
	ID    string `mapstructure:"id" yaml:"id"`
	Name  string `mapstructure:"name" yaml:"name"`
	Email string `mapstructure:"email" yaml:"email"`

	// Store identifies the remote protocol ("imap" or "pop3").
	Store string `mapstructure:"store" yaml:"store"`

	Incoming ServerConfig `mapstructure:"incoming" yaml:"incoming"`
	Outgoing ServerConfig `mapstructure:"outgoing" yaml:"outgoing"`

	Identities []Identity `mapstructure:"identities" yaml:"identities"`

	InboxFolder  string `mapstructure:"inbox_folder" yaml:"inbox_folder"`
	TrashFolder  string `mapstructure:"trash_folder" yaml:"trash_folder"`
	SentFolder   string `mapstructure:"sent_folder" yaml:"sent_folder"`
	DraftsFolder string `mapstructure:"drafts_folder" yaml:"drafts_folder"`
	SpamFolder   string `mapstructure:"spam_folder" yaml:"spam_folder"`

	DeletePolicy  string `mapstructure:"delete_policy" yaml:"delete_policy"`
	ExpungePolicy string `mapstructure:"expunge_policy" yaml:"expunge_policy"`

	DisplayMode string `mapstructure:"display_mode" yaml:"display_mode"`
	SyncMode    string `mapstructure:"sync_mode" yaml:"sync_mode"`
	PushMode    string `mapstructure:"push_mode" yaml:"push_mode"`
	NotifyMode  string `mapstructure:"notify_mode" yaml:"notify_mode"`

	DisplayCount            int   `mapstructure:"display_count" yaml:"display_count"`
	MaximumAutoDownloadSize int64 `mapstructure:"maximum_auto_download_size" yaml:"maximum_auto_download_size"`
	MaximumPolledMessageAge int   `mapstructure:"maximum_polled_message_age" yaml:"maximum_polled_message_age"`
	MaxSendAttempts         int   `mapstructure:"max_send_attempts" yaml:"max_send_attempts"`
	PollIntervalSec         int   `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`

	SyncRemoteDeletions    bool `mapstructure:"sync_remote_deletions" yaml:"sync_remote_deletions"`
	NotifyNewMail          bool `mapstructure:"notify_new_mail" yaml:"notify_new_mail"`
	NotifySelfNewMail      bool `mapstructure:"notify_self_new_mail" yaml:"notify_self_new_mail"`
	NotifyContactsMailOnly bool `mapstructure:"notify_contacts_mail_only" yaml:"notify_contacts_mail_only"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`

	// DataDir is where per-account message caches are created.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailsync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailsync", "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	home, _ := os.UserHomeDir()
	return &AppConfig{
		Accounts: []AccountConfig{},
		DataDir:  filepath.Join(home, ".local", "share", "mailsync"),
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	for i := range cfg.Accounts {
		applyAccountDefaults(&cfg.Accounts[i])
	}
	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("accounts", cfg.Accounts)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// applyAccountDefaults fills the zero values of an account entry.
func applyAccountDefaults(ac *AccountConfig) {
	if ac.Store == "" {
		ac.Store = string(StoreKindIMAP)
	}
	if ac.InboxFolder == "" {
		ac.InboxFolder = "INBOX"
	}
	if ac.DeletePolicy == "" {
		ac.DeletePolicy = string(DeletePolicyOnDelete)
	}
	if ac.ExpungePolicy == "" {
		ac.ExpungePolicy = string(ExpungeImmediately)
	}
	if ac.DisplayMode == "" {
		ac.DisplayMode = string(ModeNotSecondClass)
	}
	if ac.SyncMode == "" {
		ac.SyncMode = string(ModeFirstClass)
	}
	if ac.PushMode == "" {
		ac.PushMode = string(ModeFirstClass)
	}
	if ac.NotifyMode == "" {
		ac.NotifyMode = string(ModeAll)
	}
	if ac.DisplayCount == 0 {
		ac.DisplayCount = 25
	}
	if ac.MaximumAutoDownloadSize == 0 {
		ac.MaximumAutoDownloadSize = 32 * 1024
	}
	if ac.MaxSendAttempts == 0 {
		ac.MaxSendAttempts = 5
	}
	if ac.PollIntervalSec == 0 {
		ac.PollIntervalSec = 300
	}
}

// Account materializes the runtime account from its persisted form.
func (ac AccountConfig) Account() *Account {
	return &Account{
		UUID:                    ac.ID,
		Name:                    ac.Name,
		Email:                   ac.Email,
		Identities:              ac.Identities,
		StoreKind:               StoreKind(ac.Store),
		InboxFolder:             ac.InboxFolder,
		TrashFolder:             ac.TrashFolder,
		SentFolder:              ac.SentFolder,
		DraftsFolder:            ac.DraftsFolder,
		SpamFolder:              ac.SpamFolder,
		OutboxFolder:            "OUTBOX",
		DeletePolicy:            DeletePolicy(ac.DeletePolicy),
		ExpungePolicy:           ExpungePolicy(ac.ExpungePolicy),
		DisplayMode:             FolderMode(ac.DisplayMode),
		SyncMode:                FolderMode(ac.SyncMode),
		PushMode:                FolderMode(ac.PushMode),
		NotifyMode:              FolderMode(ac.NotifyMode),
		DisplayCount:            ac.DisplayCount,
		MaximumAutoDownloadSize: ac.MaximumAutoDownloadSize,
		MaximumPolledMessageAge: ac.MaximumPolledMessageAge,
		MaxSendAttempts:         ac.MaxSendAttempts,
		PollInterval:            time.Duration(ac.PollIntervalSec) * time.Second,
		SyncRemoteDeletions:     ac.SyncRemoteDeletions,
		NotifyNewMail:           ac.NotifyNewMail,
		NotifySelfNewMail:       ac.NotifySelfNewMail,
		NotifyContactsMailOnly:  ac.NotifyContactsMailOnly,
	}
}
