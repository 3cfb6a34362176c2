package model

import "testing"

func TestFlagIsInternal(t *testing.T) {
	internal := []Flag{FlagDownloadedFull, FlagDownloadedPartial, FlagSendInProgress,
		FlagSendFailed, FlagRemoteCopyStarted, FlagDestroyed}
	for _, f := range internal {
		if !f.IsInternal() {
			t.Errorf("%s not recognized as internal", f)
		}
	}
	external := []Flag{FlagSeen, FlagFlagged, FlagAnswered, FlagForwarded, FlagDeleted}
	for _, f := range external {
		if f.IsInternal() {
			t.Errorf("%s wrongly classified as internal", f)
		}
	}
}

func TestFlagSetEncoding(t *testing.T) {
	fs := NewFlagSet(FlagSeen, FlagDownloadedFull, FlagFlagged)

	encoded := fs.String()
	decoded := ParseFlagSet(encoded)
	if len(decoded) != 3 || !decoded.Has(FlagSeen) || !decoded.Has(FlagFlagged) || !decoded.Has(FlagDownloadedFull) {
		t.Errorf("ParseFlagSet(%q) = %v", encoded, decoded)
	}

	if got := ParseFlagSet(""); len(got) != 0 {
		t.Errorf("ParseFlagSet(\"\") = %v, want empty", got)
	}
}

func TestFlagSetSliceIsSorted(t *testing.T) {
	fs := NewFlagSet(FlagSeen, FlagAnswered, FlagDeleted)
	got := fs.Slice()
	want := []Flag{FlagAnswered, FlagDeleted, FlagSeen}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Slice() = %v, want %v", got, want)
		}
	}
}

func TestFlagSetCloneIsIndependent(t *testing.T) {
	fs := NewFlagSet(FlagSeen)
	dup := fs.Clone()
	dup.Set(FlagSeen, false)
	dup.Set(FlagDeleted, true)
	if !fs.Has(FlagSeen) || fs.Has(FlagDeleted) {
		t.Errorf("mutating the clone changed the original: %v", fs)
	}
}
