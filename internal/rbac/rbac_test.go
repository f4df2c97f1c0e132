package rbac

import "testing"

func TestCan(t *testing.T) {
	tests := []struct {
		role   Role
		action Action
		want   bool
	}{
		{RoleOwner, ActionAdmin, true},
		{RoleOwner, ActionWrite, true},
		{RoleEditor, ActionWrite, true},
		{RoleEditor, ActionApprove, true},
		{RoleEditor, ActionAdmin, false},
		{RoleTranslator, ActionTranslate, true},
		{RoleTranslator, ActionRead, true},
		{RoleTranslator, ActionWrite, false},
		{RoleTranslator, ActionApprove, false},
		{RoleReader, ActionRead, true},
		{RoleReader, ActionTranslate, false},
		{Role("bogus"), ActionRead, false},
	}

	for _, tt := range tests {
		if got := Can(tt.role, tt.action); got != tt.want {
			t.Errorf("Can(%s, %s) = %v, want %v", tt.role, tt.action, got, tt.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("editor"); got != RoleEditor {
		t.Errorf("Normalize(editor) = %s", got)
	}
	if got := Normalize("superuser"); got != RoleReader {
		t.Errorf("Normalize(superuser) = %s, want reader fallback", got)
	}
	if got := Normalize(""); got != RoleReader {
		t.Errorf("Normalize(empty) = %s, want reader fallback", got)
	}
}
