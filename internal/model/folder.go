package model

// FolderClass is a per-folder policy tier controlling whether the folder
// participates in a given account-level behavior (display, sync, push,
// notify).
type FolderClass string

const (
	ClassNone      FolderClass = "NO_CLASS"
	ClassInherited FolderClass = "INHERITED"
	ClassFirst     FolderClass = "FIRST_CLASS"
	ClassSecond    FolderClass = "SECOND_CLASS"
	ClassThird     FolderClass = "THIRD_CLASS"
)

// FolderMode is an account-level selector deciding which folder classes
// take part in a behavior.
type FolderMode string

const (
	ModeNone                FolderMode = "NONE"
	ModeAll                 FolderMode = "ALL"
	ModeFirstClass          FolderMode = "FIRST_CLASS"
	ModeFirstAndSecondClass FolderMode = "FIRST_AND_SECOND_CLASS"
	ModeNotSecondClass      FolderMode = "NOT_SECOND_CLASS"
)

// MoreMessages is the tri-state answer to "does the remote folder hold
// messages older than the local window".
type MoreMessages string

const (
	MoreMessagesUnknown MoreMessages = "unknown"
	MoreMessagesFalse   MoreMessages = "false"
	MoreMessagesTrue    MoreMessages = "true"
)

// FolderSettings is the per-folder policy state kept in the local cache.
type FolderSettings struct {
	DisplayClass FolderClass
	SyncClass    FolderClass
	PushClass    FolderClass
	NotifyClass  FolderClass

	// VisibleLimit caps how many of the newest messages are kept
	// synchronized locally; 0 means no limit.
	VisibleLimit int
}

// DefaultFolderSettings returns the settings a freshly discovered folder
// starts with.
func DefaultFolderSettings(visibleLimit int) FolderSettings {
	return FolderSettings{
		DisplayClass: ClassNone,
		SyncClass:    ClassInherited,
		PushClass:    ClassInherited,
		NotifyClass:  ClassInherited,
		VisibleLimit: visibleLimit,
	}
}

// EffectiveDisplayClass resolves the display class; Inherited and NoClass
// fall back to first class.
func (s FolderSettings) EffectiveDisplayClass() FolderClass {
	if s.DisplayClass == ClassInherited || s.DisplayClass == ClassNone {
		return ClassFirst
	}
	return s.DisplayClass
}

// EffectiveSyncClass resolves the sync class, with Inherited falling back
// to the display class.
func (s FolderSettings) EffectiveSyncClass() FolderClass {
	return s.resolve(s.SyncClass)
}

// EffectivePushClass resolves the push class, with Inherited falling back
// to the display class.
func (s FolderSettings) EffectivePushClass() FolderClass {
	return s.resolve(s.PushClass)
}

// EffectiveNotifyClass resolves the notify class, with Inherited falling
// back to the display class.
func (s FolderSettings) EffectiveNotifyClass() FolderClass {
	return s.resolve(s.NotifyClass)
}

func (s FolderSettings) resolve(class FolderClass) FolderClass {
	if class == ClassInherited {
		return s.EffectiveDisplayClass()
	}
	return class
}
