// Command mailsync runs the mail synchronization daemon: it keeps the
// local message caches of the configured accounts in sync with their
// servers, delivers queued outgoing mail, and listens for server push
// notifications.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/controller"
	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/notify"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/remote/imapstore"
	"github.com/nhle/mailsync/internal/sched"
	"github.com/nhle/mailsync/internal/smtptransport"
	"github.com/nhle/mailsync/internal/store"
)

func main() {
	configPath := flag.String("config", model.DefaultConfigPath(), "path to the configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{
		Out:        colorable.NewColorableStderr(),
		TimeFormat: time.Kitchen,
	}).With().Timestamp().Logger()
	if *debug {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	if err := run(logger, *configPath); err != nil {
		logger.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
}

func run(logger zerolog.Logger, configPath string) error {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if len(cfg.Accounts) == 0 {
		return fmt.Errorf("no accounts configured in %s", configPath)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	c := controller.NewController(logger, notify.NewLogNotifier(logger))
	poller := sched.New(c, logger)

	var locals []*store.SQLiteStore
	defer func() {
		for _, l := range locals {
			_ = l.Close()
		}
	}()

	registered := 0
	for _, ac := range cfg.Accounts {
		account := ac.Account()

		backend, local, err := buildBackend(cfg.DataDir, ac, account, logger)
		if err != nil {
			logger.Error().Str("account", account.Name).Err(err).Msg("skipping account")
			continue
		}
		locals = append(locals, local)

		c.RegisterAccount(account, backend)
		poller.RegisterAccount(account)
		if c.SetupPushing(account) {
			logger.Info().Str("account", account.Name).Msg("push enabled")
		}
		registered++
	}
	if registered == 0 {
		return fmt.Errorf("no usable accounts")
	}

	poller.Start()
	logger.Info().Int("accounts", registered).Msg("mailsync started")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info().Msg("shutting down")
	poller.Stop()
	c.Stop()
	return nil
}

// buildBackend assembles the local cache, the remote store, and the
// outgoing transport for one account. Passwords come from the system
// keyring, keyed by the account ID.
func buildBackend(dataDir string, ac model.AccountConfig, account *model.Account, logger zerolog.Logger) (controller.Backend, *store.SQLiteStore, error) {
	incomingPassword, err := credential.IncomingPassword(ac.ID)
	if err != nil {
		return controller.Backend{}, nil, fmt.Errorf("incoming password: %w", err)
	}
	outgoingPassword, err := credential.OutgoingPassword(ac.ID)
	if err != nil {
		// Accounts without an outgoing password can still sync.
		outgoingPassword = ""
	}

	dir := filepath.Join(dataDir, ac.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return controller.Backend{}, nil, fmt.Errorf("creating account directory: %w", err)
	}
	local, err := store.NewSQLiteStore(filepath.Join(dir, "messages.db"))
	if err != nil {
		return controller.Backend{}, nil, fmt.Errorf("opening local cache: %w", err)
	}

	var rs remote.Store
	switch account.StoreKind {
	case model.StoreKindIMAP:
		rs = imapstore.New(imapstore.Config{
			Host:     ac.Incoming.Host,
			Port:     ac.Incoming.Port,
			Username: ac.Incoming.Username,
			Password: incomingPassword,
			Security: imapstore.Security(ac.Incoming.Security),
		}, logger)
	default:
		_ = local.Close()
		return controller.Backend{}, nil, fmt.Errorf("unsupported store kind %q", account.StoreKind)
	}

	transport := smtptransport.New(smtptransport.Config{
		Host:     ac.Outgoing.Host,
		Port:     ac.Outgoing.Port,
		Username: ac.Outgoing.Username,
		Password: outgoingPassword,
		Security: smtptransport.Security(ac.Outgoing.Security),
		Auth:     smtptransport.AuthPlain,
	}, logger)

	return controller.Backend{Local: local, Remote: rs, Transport: transport}, local, nil
}
