package controller

import (
	"context"
	"strings"
	"sync"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
)

// SearchRemoteMessages runs a server-side search, stores the matching
// envelopes in the local folder, and reports results through the
// listener. The returned cancel function is a hard cancel: it aborts
// the context and forcibly closes the remote folder so an abandoned
// search stops consuming server resources.
func (c *Controller) SearchRemoteMessages(account *model.Account, folderName, query string, listener Listener) (cancel func()) {
	ctx, cancelCtx := context.WithCancel(c.ctx)

	var mu sync.Mutex
	var openFolder remote.Folder

	c.runInBackground("searchRemote:"+account.Name, func() {
		defer cancelCtx()
		c.publish(Event{Kind: EventRemoteSearchStarted, Account: account, Folder: folderName}, listener)

		err := c.searchRemoteSynchronous(ctx, account, folderName, query, listener, func(f remote.Folder) {
			mu.Lock()
			openFolder = f
			mu.Unlock()
		})
		if err != nil {
			c.publish(Event{
				Kind: EventRemoteSearchFailed, Account: account, Folder: folderName,
				Err: err,
			}, listener)
			return
		}
	})

	return func() {
		cancelCtx()
		mu.Lock()
		f := openFolder
		mu.Unlock()
		if f != nil {
			f.Close()
		}
	}
}

func (c *Controller) searchRemoteSynchronous(ctx context.Context, account *model.Account, folderName, query string, listener Listener, registerFolder func(remote.Folder)) error {
	backend, err := c.backend(account)
	if err != nil {
		return err
	}

	remoteFolder, err := backend.Remote.GetFolder(folderName)
	if err != nil {
		return err
	}
	if err := remoteFolder.Open(ctx, remote.OpenReadOnly); err != nil {
		return err
	}
	registerFolder(remoteFolder)
	defer remoteFolder.Close()

	uids, err := remoteFolder.Search(ctx, query, nil, []model.Flag{model.FlagDeleted})
	if err != nil {
		return err
	}
	c.publish(Event{
		Kind: EventRemoteSearchServerQueryComplete, Account: account, Folder: folderName,
		Total: len(uids),
	}, listener)

	if limit := account.RemoteSearchNumResults; limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}
	if len(uids) == 0 {
		c.publish(Event{Kind: EventRemoteSearchFinished, Account: account, Folder: folderName}, listener)
		return nil
	}

	local, err := backend.Local.Folder(folderName)
	if err != nil {
		return err
	}
	if err := local.Open(ctx, remote.OpenReadWrite); err != nil {
		return err
	}
	defer local.Close()

	msgs := make([]*model.Message, 0, len(uids))
	for _, uid := range uids {
		existing, err := local.Message(ctx, uid)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		msgs = append(msgs, &model.Message{UID: uid, Folder: folderName, Flags: model.NewFlagSet()})
	}
	if len(msgs) > 0 {
		profile := remote.FetchProfile{Envelope: true, Flags: true}
		if err := remoteFolder.Fetch(ctx, msgs, profile, nil); err != nil {
			return err
		}
		if err := local.AppendMessages(ctx, msgs); err != nil {
			return err
		}
	}
	c.publish(Event{
		Kind: EventRemoteSearchFinished, Account: account, Folder: folderName,
		Completed: len(uids), Total: len(uids),
	}, listener)
	return nil
}

// SearchLocalMessages scans the local cache for messages matching the
// free-text query in subject or sender, reporting each hit to the
// listener as a new-message event. Runs off the dispatch queue; local
// reads must not wait behind remote I/O.
func (c *Controller) SearchLocalMessages(account *model.Account, query string, listener Listener) {
	c.runInBackground("searchLocal:"+account.Name, func() {
		backend, err := c.backend(account)
		if err != nil {
			c.logger.Error().Err(err).Msg("cannot search locally")
			return
		}
		names, err := backend.Local.FolderNames(c.ctx)
		if err != nil {
			c.logger.Error().Err(err).Msg("cannot list folders for search")
			return
		}
		needle := strings.ToLower(query)
		for _, name := range names {
			folder, err := backend.Local.Folder(name)
			if err != nil {
				continue
			}
			if err := folder.Open(c.ctx, remote.OpenReadOnly); err != nil {
				continue
			}
			msgs, err := folder.Messages(c.ctx)
			folder.Close()
			if err != nil {
				continue
			}
			for _, msg := range msgs {
				if msg.IsSet(model.FlagDeleted) {
					continue
				}
				if matchesQuery(msg, needle) {
					c.publish(Event{
						Kind: EventSyncNewMessage, Account: account, Folder: name,
						Message: msg, UID: msg.UID,
					}, listener)
				}
			}
		}
	})
}

func matchesQuery(msg *model.Message, needle string) bool {
	if needle == "" {
		return true
	}
	if strings.Contains(strings.ToLower(msg.Subject), needle) {
		return true
	}
	for _, from := range msg.From {
		if strings.Contains(strings.ToLower(from), needle) {
			return true
		}
	}
	return false
}

// ListFolders reads the account's local folder names. Remote refresh
// happens through RefreshFolderList.
func (c *Controller) ListFolders(account *model.Account) ([]string, error) {
	backend, err := c.backend(account)
	if err != nil {
		return nil, err
	}
	return backend.Local.FolderNames(c.ctx)
}

// RefreshFolderList fetches the remote folder list and creates local
// folders for any names not yet cached.
func (c *Controller) RefreshFolderList(account *model.Account, listener Listener) {
	c.putBackground("refreshFolderList:"+account.Name, listener, func() error {
		backend, err := c.backend(account)
		if err != nil {
			return err
		}
		names, err := backend.Remote.GetPersonalNamespaces(c.ctx)
		if err != nil {
			return err
		}
		for _, name := range names {
			folder, err := backend.Local.Folder(name)
			if err != nil {
				continue
			}
			if err := folder.Open(c.ctx, remote.OpenReadWrite); err != nil {
				continue
			}
			// New folders inherit the account's default visible limit.
			settings, err := folder.Settings(c.ctx)
			if err == nil && settings.VisibleLimit == 0 && account.DisplayCount > 0 {
				settings.VisibleLimit = account.DisplayCount
				if err := folder.SetSettings(c.ctx, settings); err != nil {
					c.logger.Warn().Str("folder", name).Err(err).Msg("cannot store folder settings")
				}
			}
			folder.Close()
		}
		c.publish(Event{Kind: EventFolderStatusChanged, Account: account}, listener)
		return nil
	})
}

// GetUnreadCount reads a folder's unread count from the local cache.
func (c *Controller) GetUnreadCount(account *model.Account, folderName string) (int, error) {
	backend, err := c.backend(account)
	if err != nil {
		return 0, err
	}
	folder, err := backend.Local.Folder(folderName)
	if err != nil {
		return 0, err
	}
	if err := folder.Open(c.ctx, remote.OpenReadOnly); err != nil {
		return 0, err
	}
	defer folder.Close()
	return folder.UnreadCount(c.ctx)
}
