package model

import (
	"sort"
	"strings"
)

// Flag is a per-message boolean marker. The X_* flags are internal to this
// client and are never sent to a remote server.
type Flag string

const (
	FlagSeen      Flag = "SEEN"
	FlagFlagged   Flag = "FLAGGED"
	FlagAnswered  Flag = "ANSWERED"
	FlagForwarded Flag = "FORWARDED"
	FlagDeleted   Flag = "DELETED"

	// FlagDownloadedFull marks a message whose complete content is cached
	// locally.
	FlagDownloadedFull Flag = "X_DOWNLOADED_FULL"

	// FlagDownloadedPartial marks a message whose text parts are cached
	// locally but whose attachments are not.
	FlagDownloadedPartial Flag = "X_DOWNLOADED_PARTIAL"

	FlagSendInProgress    Flag = "X_SEND_IN_PROGRESS"
	FlagSendFailed        Flag = "X_SEND_FAILED"
	FlagRemoteCopyStarted Flag = "X_REMOTE_COPY_STARTED"
	FlagDestroyed         Flag = "X_DESTROYED"
)

// SyncFlags is the subset of flags reconciled between the local cache and
// the remote mailbox during flag synchronization.
var SyncFlags = []Flag{FlagSeen, FlagFlagged, FlagAnswered, FlagForwarded}

// IsInternal reports whether the flag is client-internal and must never be
// referenced in a remote protocol call.
func (f Flag) IsInternal() bool {
	return strings.HasPrefix(string(f), "X_")
}

// FlagSet is a mutable set of message flags.
type FlagSet map[Flag]bool

// NewFlagSet builds a set containing the given flags.
func NewFlagSet(flags ...Flag) FlagSet {
	fs := make(FlagSet, len(flags))
	for _, f := range flags {
		fs[f] = true
	}
	return fs
}

// Has reports whether the flag is present.
func (fs FlagSet) Has(f Flag) bool {
	return fs[f]
}

// Set adds or removes a flag.
func (fs FlagSet) Set(f Flag, value bool) {
	if value {
		fs[f] = true
	} else {
		delete(fs, f)
	}
}

// Clone returns an independent copy of the set.
func (fs FlagSet) Clone() FlagSet {
	out := make(FlagSet, len(fs))
	for f, v := range fs {
		if v {
			out[f] = true
		}
	}
	return out
}

// Slice returns the present flags in lexical order.
func (fs FlagSet) Slice() []Flag {
	out := make([]Flag, 0, len(fs))
	for f, v := range fs {
		if v {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// String encodes the set as a space-separated list, suitable for storage.
func (fs FlagSet) String() string {
	flags := fs.Slice()
	parts := make([]string, len(flags))
	for i, f := range flags {
		parts[i] = string(f)
	}
	return strings.Join(parts, " ")
}

// ParseFlagSet decodes a space-separated flag list produced by String.
func ParseFlagSet(s string) FlagSet {
	fs := make(FlagSet)
	for _, part := range strings.Fields(s) {
		fs[Flag(part)] = true
	}
	return fs
}
