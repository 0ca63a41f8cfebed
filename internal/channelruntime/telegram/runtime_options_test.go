package telegram

import (
	"testing"
	"time"
)

func TestNormalizeRunOptionsDefaults(t *testing.T) {
	t.Parallel()

	opts := normalizeRunOptions(RunOptions{BotToken: "  tok  "})
	if opts.BotToken != "tok" {
		t.Fatalf("BotToken = %q, want trimmed", opts.BotToken)
	}
	if opts.CallWord != "bard" {
		t.Fatalf("CallWord = %q, want bard", opts.CallWord)
	}
	if opts.PollTimeout != 90*time.Second {
		t.Fatalf("PollTimeout = %v, want 90s", opts.PollTimeout)
	}
	if opts.MaxQueryLen != 3100 {
		t.Fatalf("MaxQueryLen = %d, want 3100", opts.MaxQueryLen)
	}
	if opts.SessionTTL != 6*time.Hour {
		t.Fatalf("SessionTTL = %v, want 6h", opts.SessionTTL)
	}
	if opts.InterChunkPause != 2*time.Second {
		t.Fatalf("InterChunkPause = %v, want 2s", opts.InterChunkPause)
	}
}

func TestNormalizeRunOptionsKeepsExplicitValues(t *testing.T) {
	t.Parallel()

	opts := normalizeRunOptions(RunOptions{
		CallWord:       "РОБОТ ",
		MaxConcurrency: 2,
		MaxQueryLen:    100,
	})
	if opts.CallWord != "робот" {
		t.Fatalf("CallWord = %q, want lowercased", opts.CallWord)
	}
	if opts.MaxConcurrency != 2 || opts.MaxQueryLen != 100 {
		t.Fatalf("explicit values overwritten: %+v", opts)
	}
}

func TestNormalizeAdminIDsDedupes(t *testing.T) {
	t.Parallel()

	got := normalizeAdminIDs([]int64{5, 0, 5, 9})
	if len(got) != 2 || got[0] != 5 || got[1] != 9 {
		t.Fatalf("normalizeAdminIDs() = %v, want [5 9]", got)
	}
}
