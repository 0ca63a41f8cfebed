package telegram

import (
	"strings"
	"time"
)

// RunOptions configure the Telegram relay loop. Zero values fall back
// to defaults in normalizeRunOptions.
type RunOptions struct {
	BotToken        string
	CallWord        string
	AdminIDs        []int64
	PollTimeout     time.Duration
	ExchangeTimeout time.Duration
	MaxConcurrency  int
	MaxQueryLen     int
	SessionTTL      time.Duration
	EvictInterval   time.Duration
	InterChunkPause time.Duration
	VoiceMaxBytes   int64
}

func normalizeRunOptions(opts RunOptions) RunOptions {
	opts.BotToken = strings.TrimSpace(opts.BotToken)
	opts.CallWord = strings.ToLower(strings.TrimSpace(opts.CallWord))
	opts.AdminIDs = normalizeAdminIDs(opts.AdminIDs)

	if opts.CallWord == "" {
		opts.CallWord = "bard"
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 90 * time.Second
	}
	if opts.ExchangeTimeout <= 0 {
		opts.ExchangeTimeout = 5 * time.Minute
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 8
	}
	if opts.MaxQueryLen <= 0 {
		opts.MaxQueryLen = 3100
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 6 * time.Hour
	}
	if opts.EvictInterval <= 0 {
		opts.EvictInterval = 15 * time.Minute
	}
	if opts.InterChunkPause <= 0 {
		opts.InterChunkPause = defaultInterChunkPause
	}
	if opts.VoiceMaxBytes <= 0 {
		opts.VoiceMaxBytes = 20 * 1024 * 1024
	}
	return opts
}

func normalizeAdminIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
