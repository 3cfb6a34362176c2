// Package notify defines the surface through which the controller
// reports user-visible events such as new mail, failed sends, and
// authentication problems. The UI layer supplies a real implementation;
// LogNotifier is the headless default.
package notify

import (
	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/model"
)

// Notifier receives user-facing notification callbacks from the
// controller. Implementations must be safe for concurrent use; the
// controller invokes them from its worker goroutine and from
// short-lived read goroutines.
type Notifier interface {
	// ShowNewMail announces a newly arrived message that passed the
	// account's notification rules.
	ShowNewMail(account *model.Account, msg *model.Message)
	// ClearNewMail removes new-mail notifications for the account,
	// typically after the user opened the folder.
	ClearNewMail(account *model.Account)

	// ShowSendFailed reports that a message in the outbox exhausted its
	// delivery attempts or hit a permanent failure.
	ShowSendFailed(account *model.Account, err error)
	// ClearSendFailed removes a previous send-failure notification,
	// called when a later send pass succeeds.
	ClearSendFailed(account *model.Account)

	// ShowFetchingMail and ClearFetchingMail bracket a foreground
	// synchronization pass for progress display.
	ShowFetchingMail(account *model.Account, folder string)
	ClearFetchingMail(account *model.Account)

	// ShowSendingMail and ClearSendingMail bracket an outbox delivery pass.
	ShowSendingMail(account *model.Account)
	ClearSendingMail(account *model.Account)

	// ShowAuthenticationError reports rejected credentials for either
	// the incoming or outgoing server.
	ShowAuthenticationError(account *model.Account, incoming bool)
	// ShowCertificateError reports a TLS certificate failure for either
	// the incoming or outgoing server.
	ShowCertificateError(account *model.Account, incoming bool)
}

// LogNotifier writes every notification to a structured log. It is the
// implementation used by the daemon and by tests that do not assert on
// notifications.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier returns a Notifier that records notifications on logger.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

func (n *LogNotifier) ShowNewMail(account *model.Account, msg *model.Message) {
	n.logger.Info().
		Str("account", account.Name).
		Str("folder", msg.Folder).
		Str("uid", msg.UID).
		Str("subject", msg.Subject).
		Msg("new mail")
}

func (n *LogNotifier) ClearNewMail(account *model.Account) {
	n.logger.Debug().Str("account", account.Name).Msg("clearing new mail notifications")
}

func (n *LogNotifier) ShowSendFailed(account *model.Account, err error) {
	n.logger.Error().
		Str("account", account.Name).
		Err(err).
		Msg("sending failed")
}

func (n *LogNotifier) ClearSendFailed(account *model.Account) {
	n.logger.Debug().Str("account", account.Name).Msg("clearing send failure notification")
}

func (n *LogNotifier) ShowFetchingMail(account *model.Account, folder string) {
	n.logger.Debug().
		Str("account", account.Name).
		Str("folder", folder).
		Msg("fetching mail")
}

func (n *LogNotifier) ClearFetchingMail(account *model.Account) {
	n.logger.Debug().Str("account", account.Name).Msg("done fetching mail")
}

func (n *LogNotifier) ShowSendingMail(account *model.Account) {
	n.logger.Debug().Str("account", account.Name).Msg("sending outbox")
}

func (n *LogNotifier) ClearSendingMail(account *model.Account) {
	n.logger.Debug().Str("account", account.Name).Msg("done sending outbox")
}

func (n *LogNotifier) ShowAuthenticationError(account *model.Account, incoming bool) {
	n.logger.Error().
		Str("account", account.Name).
		Bool("incoming", incoming).
		Msg("authentication failed")
}

func (n *LogNotifier) ShowCertificateError(account *model.Account, incoming bool) {
	n.logger.Error().
		Str("account", account.Name).
		Bool("incoming", incoming).
		Msg("certificate error")
}
