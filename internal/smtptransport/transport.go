// Package smtptransport delivers outbound messages over SMTP,
// implementing the remote.Transport contract.
package smtptransport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/textproto"

	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail/smtp"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/rfc822"
)

// Security selects the transport security of the connection.
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

// AuthMethod selects the SMTP AUTH mechanism.
type AuthMethod string

const (
	AuthPlain AuthMethod = "plain"
	AuthLogin AuthMethod = "login"
)

// Config holds the connection settings for one outgoing server.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Security Security
	Auth     AuthMethod
}

func (c Config) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Transport implements remote.Transport over SMTP. Each SendMessage is
// one full dial/deliver/quit cycle; outbox passes are infrequent enough
// that connection reuse buys nothing.
type Transport struct {
	cfg    Config
	logger zerolog.Logger
}

func New(cfg Config, logger zerolog.Logger) *Transport {
	return &Transport{
		cfg:    cfg,
		logger: logger.With().Str("component", "smtp").Str("host", cfg.Host).Logger(),
	}
}

// SendMessage delivers msg. Failures come back classified: 5xx replies
// are permanent, authentication rejections are auth failures,
// certificate problems are certificate failures, everything else is
// transient.
func (t *Transport) SendMessage(ctx context.Context, msg *model.Message) error {
	if len(msg.From) == 0 {
		return remote.Permanentf("message %s has no sender", msg.UID)
	}
	if len(msg.To) == 0 {
		return remote.Permanentf("message %s has no recipients", msg.UID)
	}
	raw, err := rfc822.Encode(msg)
	if err != nil {
		return remote.Permanentf("encoding message %s: %v", msg.UID, err)
	}

	client, err := t.dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Quit() }()

	if t.cfg.Username != "" {
		if err := client.Auth(t.auth()); err != nil {
			return remote.NewError(remote.FailureAuth,
				fmt.Sprintf("authentication failed for %s", t.cfg.Username), err)
		}
	}

	if err := client.Mail(rfc822.BareAddress(msg.From[0])); err != nil {
		return classifySMTPError("MAIL FROM rejected", err)
	}
	for _, to := range msg.To {
		if err := client.Rcpt(rfc822.BareAddress(to)); err != nil {
			return classifySMTPError("recipient rejected", err)
		}
	}
	writer, err := client.Data()
	if err != nil {
		return classifySMTPError("DATA rejected", err)
	}
	if _, err := writer.Write(raw); err != nil {
		_ = writer.Close()
		return classifySMTPError("writing message body", err)
	}
	if err := writer.Close(); err != nil {
		return classifySMTPError("finishing delivery", err)
	}
	t.logger.Debug().Str("uid", msg.UID).Msg("message delivered")
	return nil
}

func (t *Transport) dial(ctx context.Context) (*smtp.Client, error) {
	dialer := &net.Dialer{}
	var conn net.Conn
	var err error
	if t.cfg.Security == SecurityTLS {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: t.cfg.Host}}
		conn, err = tlsDialer.DialContext(ctx, "tcp", t.cfg.addr())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", t.cfg.addr())
	}
	if err != nil {
		return nil, classifyDialError(t.cfg.addr(), err)
	}

	client, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return nil, remote.Transientf("greeting %s: %v", t.cfg.addr(), err)
	}
	if t.cfg.Security == SecurityStartTLS {
		if err := client.StartTLS(&tls.Config{ServerName: t.cfg.Host}); err != nil {
			_ = client.Close()
			return nil, classifyDialError(t.cfg.addr(), err)
		}
	}
	return client, nil
}

func (t *Transport) auth() smtp.Auth {
	if t.cfg.Auth == AuthLogin {
		return LoginAuth(t.cfg.Username, t.cfg.Password)
	}
	return smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host, false)
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

// classifySMTPError maps server reply codes to the failure taxonomy:
// 5xx replies can never succeed on retry, 4xx replies can.
func classifySMTPError(context string, err error) error {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		switch {
		case protoErr.Code == 530 || protoErr.Code == 534 || protoErr.Code == 535:
			return remote.NewError(remote.FailureAuth, context, err)
		case protoErr.Code >= 500:
			return remote.NewError(remote.FailurePermanent, context, err)
		}
		return remote.NewError(remote.FailureTransient, context, err)
	}
	return remote.Transientf("%s: %v", context, err)
}
