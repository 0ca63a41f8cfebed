package telegram

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/theurs/freegooglebard/internal/telegramutil"
)

const (
	// deliveryChunkSize is the largest single message, in runes,
	// leaving headroom under Telegram's 4096 hard cap for entity
	// expansion.
	deliveryChunkSize = 4000

	// deliveryAttachmentThreshold is the response length, in runes,
	// at which chunking gives way to a single text-file attachment.
	deliveryAttachmentThreshold = 20000

	attachmentFilename = "resp.txt"

	defaultInterChunkPause = 2 * time.Second
)

// messageSender is the slice of the API client delivery needs; tests
// substitute a recording fake.
type messageSender interface {
	sendMessage(ctx context.Context, chatID int64, text, parseMode string, replyToMessageID, threadID int64) error
	sendDocument(ctx context.Context, chatID int64, content io.Reader, filename, caption string) error
}

type deliveryOptions struct {
	ChunkSize           int
	AttachmentThreshold int
	Pause               func(context.Context)
}

func (o deliveryOptions) normalized() deliveryOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = deliveryChunkSize
	}
	if o.AttachmentThreshold <= 0 {
		o.AttachmentThreshold = deliveryAttachmentThreshold
	}
	if o.Pause == nil {
		o.Pause = func(ctx context.Context) {
			select {
			case <-ctx.Done():
			case <-time.After(defaultInterChunkPause):
			}
		}
	}
	return o
}

// deliverText sends a (possibly long) response to a chat. Short
// responses go out as sequential chunks, in order, with a pause
// between them so Telegram's rate limits are respected; a chunk whose
// formatted send is rejected is retried once without a parse mode, and
// later chunks are still attempted. Very long responses are sent as a
// single resp.txt attachment instead.
func deliverText(ctx context.Context, sender messageSender, logger *slog.Logger, chatID int64, text string, asHTML bool, replyToMessageID, threadID int64, opts deliveryOptions) error {
	opts = opts.normalized()

	if utf8.RuneCountInString(text) >= opts.AttachmentThreshold {
		return sender.sendDocument(ctx, chatID, strings.NewReader(text), attachmentFilename, attachmentFilename)
	}

	var chunks []string
	parseMode := ""
	if asHTML {
		parseMode = "HTML"
		chunks = telegramutil.SplitHTML(text, opts.ChunkSize)
	} else {
		chunks = telegramutil.SplitText(text, opts.ChunkSize)
	}

	var firstErr error
	for i, chunk := range chunks {
		if ctx.Err() != nil {
			if firstErr == nil {
				firstErr = ctx.Err()
			}
			break
		}
		// Only the first chunk replies to the triggering message.
		replyTo := int64(0)
		if i == 0 {
			replyTo = replyToMessageID
		}
		err := sender.sendMessage(ctx, chatID, chunk, parseMode, replyTo, threadID)
		if err != nil && parseMode != "" {
			logger.Warn("telegram_chunk_send_error", "chat_id", chatID, "chunk", i, "error", err.Error())
			err = sender.sendMessage(ctx, chatID, chunk, "", replyTo, threadID)
		}
		if err != nil {
			logger.Warn("telegram_chunk_send_plain_error", "chat_id", chatID, "chunk", i, "error", err.Error())
			if firstErr == nil {
				firstErr = err
			}
		}
		if i < len(chunks)-1 {
			opts.Pause(ctx)
		}
	}
	return firstErr
}
