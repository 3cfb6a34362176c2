package controller

import (
	"context"
	"strconv"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// modeMismatch reports whether a folder of the given class is excluded
// by the account-level mode.
func modeMismatch(mode model.FolderMode, class model.FolderClass) bool {
	switch mode {
	case model.ModeNone:
		return true
	case model.ModeFirstClass:
		return class != model.ClassFirst
	case model.ModeFirstAndSecondClass:
		return class != model.ClassFirst && class != model.ClassSecond
	case model.ModeNotSecondClass:
		return class == model.ClassSecond
	default:
		return false
	}
}

// shouldNotifyForMessage decides whether a freshly observed unread
// message warrants a new-mail notification. Every rule must pass.
func (c *Controller) shouldNotifyForMessage(ctx context.Context, account *model.Account, folder store.LocalFolder, msg *model.Message) bool {
	// An account still mid-setup has no resolved name yet.
	if account.Name == "" {
		return false
	}
	if !account.NotifyNewMail || msg.IsSet(model.FlagSeen) || msg.IsSet(model.FlagDeleted) {
		return false
	}

	settings, err := folder.Settings(ctx)
	if err != nil {
		return false
	}
	if modeMismatch(account.DisplayMode, settings.EffectiveDisplayClass()) {
		return false
	}
	if modeMismatch(account.NotifyMode, settings.EffectiveNotifyClass()) {
		return false
	}

	// POP3 has no per-message flags server-side; the watermark keeps old
	// mail surfaced by a deep resync from re-notifying.
	if account.StoreKind == model.StoreKindPOP3 {
		if seen := account.LatestOldMessageSeen(); !seen.IsZero() && msg.EffectiveDate().Before(seen) {
			return false
		}
	}

	name := folder.Name()
	if name != account.InboxFolder {
		if name == account.TrashFolder || name == account.DraftsFolder ||
			name == account.SpamFolder || name == account.SentFolder {
			return false
		}
	}

	// Guard against re-notification when a resync re-surfaces messages
	// below the folder's notified high-water mark.
	if uid, ok := numericUID(msg.UID); ok {
		if last, err := folder.LastNotifiedUID(ctx); err == nil && last > 0 && uid <= last {
			return false
		}
	}

	if account.IsAnIdentity(msg.From) && !account.NotifySelfNewMail {
		return false
	}
	if account.NotifyContactsMailOnly {
		if c.contacts == nil || len(msg.From) == 0 || !c.contacts.IsContact(msg.From[0]) {
			return false
		}
	}
	return true
}

// numericUID parses a server-assigned numeric UID. Local-only UIDs and
// non-numeric schemes report false.
func numericUID(uid string) (int64, bool) {
	if uid == "" || model.IsLocalUID(uid) {
		return 0, false
	}
	n, err := strconv.ParseInt(uid, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
