package channels

import "testing"

func TestIsAllowed_EmptyAllowListPermitsEveryone(t *testing.T) {
	c := NewBaseChannel("test", nil)
	if !c.IsAllowed("anyone") {
		t.Fatalf("expected empty allow-list to permit everyone")
	}
}

func TestIsAllowed_MatchesCompoundSenderID(t *testing.T) {
	c := NewBaseChannel("test", []string{"@alice", "12345"})
	if !c.IsAllowed("999|alice") {
		t.Fatalf("expected username match against compound sender id")
	}
	if !c.IsAllowed("12345|bob") {
		t.Fatalf("expected id-part match against compound sender id")
	}
	if c.IsAllowed("999|carol") {
		t.Fatalf("expected carol to be rejected")
	}
}

func TestSessionKeyFor(t *testing.T) {
	if got := sessionKeyFor("discord", "chan-1"); got != "discord:chan-1" {
		t.Fatalf("unexpected session key: %s", got)
	}
}
