package device

import "testing"

func TestIdentityMatches(t *testing.T) {
	id := New("ATV_9f3c2a", "", "PS 3", "Room A")

	tests := []struct {
		ref  string
		want bool
	}{
		{"ATV_9f3c2a", true},
		{"9f3c2a", true},
		{" 9f3c2a ", true},
		{"ATV_ffffff", false},
		{"", false},
		{"1065", false},
	}

	for _, tt := range tests {
		if got := id.Matches(tt.ref); got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.ref, got, tt.want)
		}
	}
}

func TestIdentityForms(t *testing.T) {
	id := New("9f3c2a", "", "", "")

	if id.Raw() != "9f3c2a" {
		t.Errorf("expected raw id 9f3c2a, got %s", id.Raw())
	}
	if id.Prefixed() != "ATV_9f3c2a" {
		t.Errorf("expected prefixed id ATV_9f3c2a, got %s", id.Prefixed())
	}
	if !id.Matches("ATV_9f3c2a") {
		t.Error("expected prefixed form to match unprefixed configuration")
	}
	if id.Username() != "android_tv_9f3c2a" {
		t.Errorf("unexpected username %s", id.Username())
	}
}

func TestMatchesDatabaseID(t *testing.T) {
	if !MatchesDatabaseID("1065", 1065) {
		t.Error("expected numeric ref to match learned database id")
	}
	if MatchesDatabaseID("1065", 0) {
		t.Error("unknown database id must never match")
	}
	if MatchesDatabaseID("abc", 1065) {
		t.Error("non-numeric ref must not match")
	}
}
