package controller

import (
	"context"
	"testing"
	"time"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
)

func TestRemoteSearchStoresMatchingEnvelopes(t *testing.T) {
	f := newFixture(t)
	inbox := f.remote.Folder("INBOX")
	inbox.Seed(makeMessage("1", "project alpha kickoff", time.Now()))
	inbox.Seed(makeMessage("2", "beta notes", time.Now()))
	inbox.Seed(makeMessage("3", "alpha budget", time.Now()))

	err := f.c.searchRemoteSynchronous(context.Background(), f.account, "INBOX", "alpha", nil,
		func(remote.Folder) {})
	if err != nil {
		t.Fatalf("searching: %v", err)
	}

	uids := f.localUIDs(t, "INBOX")
	if len(uids) != 2 || !hasUID(uids, "1") || !hasUID(uids, "3") {
		t.Errorf("cached search results = %v, want [1 3]", uids)
	}
	if e, ok := f.listener.last(EventRemoteSearchServerQueryComplete); !ok || e.Total != 2 {
		t.Errorf("server-query event = %+v, want total 2", e)
	}
	if _, ok := f.listener.last(EventRemoteSearchFinished); !ok {
		t.Error("no finished event")
	}
}

func TestRemoteSearchRespectsResultLimit(t *testing.T) {
	f := newFixture(t)
	f.account.RemoteSearchNumResults = 1
	inbox := f.remote.Folder("INBOX")
	inbox.Seed(makeMessage("1", "alpha one", time.Now()))
	inbox.Seed(makeMessage("2", "alpha two", time.Now()))

	err := f.c.searchRemoteSynchronous(context.Background(), f.account, "INBOX", "alpha", nil,
		func(remote.Folder) {})
	if err != nil {
		t.Fatalf("searching: %v", err)
	}
	if uids := f.localUIDs(t, "INBOX"); len(uids) != 1 {
		t.Errorf("cached results = %v, want one", uids)
	}
}

func TestRemoteSearchSkipsAlreadyCachedMessages(t *testing.T) {
	f := newFixture(t)
	f.seedLocal(t, "INBOX", makeMessage("1", "alpha cached", time.Now()))
	inbox := f.remote.Folder("INBOX")
	inbox.Seed(makeMessage("1", "alpha cached", time.Now()))
	inbox.Seed(makeMessage("2", "alpha fresh", time.Now()))

	err := f.c.searchRemoteSynchronous(context.Background(), f.account, "INBOX", "alpha", nil,
		func(remote.Folder) {})
	if err != nil {
		t.Fatalf("searching: %v", err)
	}
	if uids := f.localUIDs(t, "INBOX"); len(uids) != 2 {
		t.Errorf("cached messages = %v, want exactly [1 2]", uids)
	}
}

func TestMatchesQuery(t *testing.T) {
	msg := makeMessage("1", "Quarterly Report", time.Now())
	msg.From = []string{"Alice <alice@example.org>"}

	cases := []struct {
		needle string
		want   bool
	}{
		{"", true},
		{"quarterly", true},
		{"report", true},
		{"alice@example", true},
		{"bob", false},
	}
	for _, tc := range cases {
		if got := matchesQuery(msg, tc.needle); got != tc.want {
			t.Errorf("matchesQuery(%q) = %v, want %v", tc.needle, got, tc.want)
		}
	}
}

func TestRefreshFolderListCreatesLocalFolders(t *testing.T) {
	f := newFixture(t)
	f.remote.Folder("INBOX")
	f.remote.Folder("Archive")

	f.c.RefreshFolderList(f.account, nil)
	f.drain(t)

	names, err := f.local.FolderNames(context.Background())
	if err != nil {
		t.Fatalf("listing folders: %v", err)
	}
	found := map[string]bool{}
	for _, n := range names {
		found[n] = true
	}
	if !found["INBOX"] || !found["Archive"] {
		t.Errorf("local folders = %v, want INBOX and Archive", names)
	}

	folder, err := f.local.Folder("Archive")
	if err != nil {
		t.Fatalf("resolving Archive: %v", err)
	}
	if err := folder.Open(context.Background(), remote.OpenReadOnly); err != nil {
		t.Fatalf("opening Archive: %v", err)
	}
	defer folder.Close()
	settings, err := folder.Settings(context.Background())
	if err != nil {
		t.Fatalf("reading settings: %v", err)
	}
	if settings.VisibleLimit != f.account.DisplayCount {
		t.Errorf("visible limit = %d, want the account default %d",
			settings.VisibleLimit, f.account.DisplayCount)
	}
}

func TestGetUnreadCount(t *testing.T) {
	f := newFixture(t)
	seen := makeMessage("1", "seen", time.Now())
	seen.SetFlag(model.FlagSeen, true)
	f.seedLocal(t, "INBOX", seen, makeMessage("2", "unseen", time.Now()))

	n, err := f.c.GetUnreadCount(f.account, "INBOX")
	if err != nil {
		t.Fatalf("counting unread: %v", err)
	}
	if n != 1 {
		t.Errorf("unread = %d, want 1", n)
	}
}
