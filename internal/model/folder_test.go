package model

import "testing"

func TestEffectiveDisplayClass(t *testing.T) {
	cases := []struct {
		in   FolderClass
		want FolderClass
	}{
		{ClassInherited, ClassFirst},
		{ClassNone, ClassFirst},
		{ClassFirst, ClassFirst},
		{ClassSecond, ClassSecond},
		{ClassThird, ClassThird},
	}
	for _, tc := range cases {
		s := FolderSettings{DisplayClass: tc.in}
		if got := s.EffectiveDisplayClass(); got != tc.want {
			t.Errorf("EffectiveDisplayClass(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestInheritedClassesFallBackToDisplay(t *testing.T) {
	s := FolderSettings{
		DisplayClass: ClassSecond,
		SyncClass:    ClassInherited,
		PushClass:    ClassThird,
		NotifyClass:  ClassInherited,
	}
	if got := s.EffectiveSyncClass(); got != ClassSecond {
		t.Errorf("EffectiveSyncClass = %s, want %s", got, ClassSecond)
	}
	if got := s.EffectivePushClass(); got != ClassThird {
		t.Errorf("EffectivePushClass = %s, want %s", got, ClassThird)
	}
	if got := s.EffectiveNotifyClass(); got != ClassSecond {
		t.Errorf("EffectiveNotifyClass = %s, want %s", got, ClassSecond)
	}
}

func TestDefaultFolderSettings(t *testing.T) {
	s := DefaultFolderSettings(25)
	if s.DisplayClass != ClassNone || s.SyncClass != ClassInherited || s.VisibleLimit != 25 {
		t.Errorf("defaults = %+v", s)
	}
}
