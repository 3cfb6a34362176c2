// Package imapstore is the IMAP driver behind the remote.Store
// contract, built on go-imap v2. Each folder handle owns its own
// connection, established on Open and torn down on Close, so a forced
// Close can abort an in-flight command.
package imapstore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/remote"
)

// Security selects the transport security of the connection.
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
)

// Config holds the connection settings for one IMAP account.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Security Security
}

func (c Config) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Store implements remote.Store over IMAP.
type Store struct {
	cfg    Config
	logger zerolog.Logger

	// caps is captured from the most recent successful connection and
	// answers the capability probes.
	caps imap.CapSet
}

// New builds an IMAP store handle. No connection is made until a folder
// is opened or CheckSettings runs.
func New(cfg Config, logger zerolog.Logger) *Store {
	return &Store{
		cfg:    cfg,
		logger: logger.With().Str("component", "imap").Str("host", cfg.Host).Logger(),
	}
}

// connect dials, authenticates, and records server capabilities.
// Authentication and certificate failures come back as classified
// remote errors so callers can route them.
func (s *Store) connect(options *imapclient.Options) (*imapclient.Client, error) {
	var client *imapclient.Client
	var err error
	if s.cfg.Security == SecurityStartTLS {
		client, err = imapclient.DialStartTLS(s.cfg.addr(), options)
	} else {
		client, err = imapclient.DialTLS(s.cfg.addr(), options)
	}
	if err != nil {
		return nil, classifyDialError(s.cfg.addr(), err)
	}

	if err := client.Login(s.cfg.Username, s.cfg.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, remote.NewError(remote.FailureAuth,
			fmt.Sprintf("authentication failed for %s", s.cfg.Username), err)
	}
	s.caps = client.Caps()
	return client, nil
}

func classifyDialError(addr string, err error) error {
	var certErr *tls.CertificateVerificationError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuthority) || errors.As(err, &hostnameErr) {
		return remote.NewError(remote.FailureCertificate,
			fmt.Sprintf("certificate validation failed for %s", addr), err)
	}
	return remote.Transientf("connecting to %s: %v", addr, err)
}

// GetFolder returns an unopened handle to the named mailbox.
func (s *Store) GetFolder(name string) (remote.Folder, error) {
	if name == "" {
		return nil, fmt.Errorf("empty folder name")
	}
	return &folder{store: s, name: name}, nil
}

// GetPersonalNamespaces lists the mailboxes in the personal namespace.
func (s *Store) GetPersonalNamespaces(ctx context.Context) ([]string, error) {
	client, err := s.connect(nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	boxes, err := client.List("", "*", nil).Collect()
	if err != nil {
		return nil, remote.Transientf("listing folders: %v", err)
	}
	names := make([]string, 0, len(boxes))
	for _, box := range boxes {
		names = append(names, box.Mailbox)
	}
	return names, nil
}

func (s *Store) IsMoveCapable() bool    { return true }
func (s *Store) IsCopyCapable() bool    { return true }
func (s *Store) IsExpungeCapable() bool { return true }

// IsPushCapable reports IDLE support; unknown before the first connection.
func (s *Store) IsPushCapable() bool {
	if s.caps == nil {
		return true
	}
	return s.caps.Has(imap.CapIdle)
}

func (s *Store) IsSeenFlagSupported() bool { return true }

// GetPusher returns an IDLE-based pusher reporting into receiver.
func (s *Store) GetPusher(receiver remote.PushReceiver) remote.Pusher {
	return newPusher(s, receiver)
}

// CheckSettings verifies connectivity and credentials with a full
// login/logout round trip.
func (s *Store) CheckSettings(ctx context.Context) error {
	client, err := s.connect(nil)
	if err != nil {
		return err
	}
	return client.Logout().Wait()
}
