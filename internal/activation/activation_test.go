package activation

import "testing"

func TestParseDirectiveThinkPin(t *testing.T) {
	d, ok := ParseDirective("/think:high")
	if !ok {
		t.Fatal("expected directive to parse")
	}
	if d.Kind != DirectiveThink || d.Value != "high" || !d.PinOnly {
		t.Fatalf("unexpected directive: %+v", d)
	}
}

func TestParseDirectiveThinkInline(t *testing.T) {
	d, ok := ParseDirective("/think high what's the weather like")
	if !ok {
		t.Fatal("expected directive to parse")
	}
	if d.PinOnly {
		t.Fatal("expected inline modification, not a pin")
	}
	if d.Remainder != "what's the weather like" {
		t.Fatalf("unexpected remainder: %q", d.Remainder)
	}
}

func TestParseDirectiveInsideHistoryBlockDoesNotFire(t *testing.T) {
	body := "```history\n/think high\n```"
	if _, ok := ParseDirective(body); ok {
		t.Fatal("directive inside a batched history block must not fire")
	}
}

func TestStopWordAbort(t *testing.T) {
	d := Authorize(Request{From: "alice", ChatType: ChatDirect, Allowlist: []string{"*"}, Body: "stop"})
	if d.Authorized || !d.Aborted {
		t.Fatalf("expected stop word to abort without scheduling: %+v", d)
	}
}

func TestGroupRequiresMentionByDefault(t *testing.T) {
	req := Request{
		From:           "bob",
		ChatType:       ChatGroup,
		Allowlist:      []string{"*"},
		Body:           "hey everyone",
		BotIdentifiers: []string{"@clawdis"},
	}
	d := Authorize(req)
	if d.Authorized {
		t.Fatal("expected group message without mention to be unauthorized")
	}

	req.Body = "hey @clawdis can you help"
	d = Authorize(req)
	if !d.Authorized {
		t.Fatal("expected mentioned group message to be authorized")
	}
}

func TestGroupActivationAlwaysSkipsMentionRequirement(t *testing.T) {
	req := Request{
		From:      "bob",
		ChatType:  ChatGroup,
		Allowlist: []string{"*"},
		Body:      "no mention here",
		Group:     GroupPolicy{Activation: "always"},
	}
	d := Authorize(req)
	if !d.Authorized {
		t.Fatal("expected activation=always to bypass mention gating")
	}
}

func TestUnlistedGroupStillRepliesWhenMentioned(t *testing.T) {
	req := Request{
		From:           "bob",
		ChatType:       ChatGroup,
		Allowlist:      nil,
		Body:           "@clawdis help",
		BotIdentifiers: []string{"@clawdis"},
	}
	d := Authorize(req)
	if !d.Authorized {
		t.Fatal("expected mention to authorize even without group allowlist")
	}
}
