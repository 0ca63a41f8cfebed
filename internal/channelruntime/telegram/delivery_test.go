package telegram

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"unicode/utf8"
)

type sentMessage struct {
	Text      string
	ParseMode string
	ReplyTo   int64
}

type fakeSender struct {
	messages  []sentMessage
	documents []string
	failOn    func(call int, parseMode string) error
	calls     int
}

func (f *fakeSender) sendMessage(_ context.Context, _ int64, text, parseMode string, replyTo, _ int64) error {
	f.calls++
	if f.failOn != nil {
		if err := f.failOn(f.calls, parseMode); err != nil {
			return err
		}
	}
	f.messages = append(f.messages, sentMessage{Text: text, ParseMode: parseMode, ReplyTo: replyTo})
	return nil
}

func (f *fakeSender) sendDocument(_ context.Context, _ int64, content io.Reader, filename, _ string) error {
	raw, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	if filename != "resp.txt" {
		return errors.New("unexpected filename " + filename)
	}
	f.documents = append(f.documents, string(raw))
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noPauseOptions() deliveryOptions {
	return deliveryOptions{Pause: func(context.Context) {}}
}

func TestDeliverTextShortSingleMessage(t *testing.T) {
	t.Parallel()

	f := &fakeSender{}
	err := deliverText(context.Background(), f, discardLogger(), 1, "hello", true, 77, 0, noPauseOptions())
	if err != nil {
		t.Fatalf("deliverText() error = %v", err)
	}
	if len(f.messages) != 1 {
		t.Fatalf("sent %d messages, want 1", len(f.messages))
	}
	if f.messages[0].ParseMode != "HTML" || f.messages[0].ReplyTo != 77 {
		t.Fatalf("message = %+v", f.messages[0])
	}
}

func TestDeliverTextChunksLongResponseInOrder(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("щ", 9999)
	f := &fakeSender{}
	err := deliverText(context.Background(), f, discardLogger(), 1, text, false, 5, 0, noPauseOptions())
	if err != nil {
		t.Fatalf("deliverText() error = %v", err)
	}
	if len(f.messages) < 3 {
		t.Fatalf("sent %d messages, want >= 3", len(f.messages))
	}
	var rebuilt strings.Builder
	for i, m := range f.messages {
		if n := utf8.RuneCountInString(m.Text); n > 4000 {
			t.Fatalf("chunk %d has %d runes, want <= 4000", i, n)
		}
		wantReply := int64(0)
		if i == 0 {
			wantReply = 5
		}
		if m.ReplyTo != wantReply {
			t.Fatalf("chunk %d reply_to = %d, want %d", i, m.ReplyTo, wantReply)
		}
		rebuilt.WriteString(m.Text)
	}
	if rebuilt.String() != text {
		t.Fatalf("chunks do not reassemble the response")
	}
}

func TestDeliverTextDegradesFailedHTMLChunkToPlain(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("a", 4500) // two chunks
	f := &fakeSender{
		failOn: func(call int, parseMode string) error {
			if call == 1 && parseMode == "HTML" {
				return &telegramRequestError{StatusCode: 400, Description: "Bad Request: can't parse entities"}
			}
			return nil
		},
	}
	err := deliverText(context.Background(), f, discardLogger(), 1, text, true, 0, 0, noPauseOptions())
	if err != nil {
		t.Fatalf("deliverText() error = %v", err)
	}
	if len(f.messages) != 2 {
		t.Fatalf("sent %d messages, want 2", len(f.messages))
	}
	if f.messages[0].ParseMode != "" {
		t.Fatalf("first delivered chunk parse mode = %q, want plain after degrade", f.messages[0].ParseMode)
	}
	if f.messages[1].ParseMode != "HTML" {
		t.Fatalf("second chunk parse mode = %q, want HTML", f.messages[1].ParseMode)
	}
}

func TestDeliverTextContinuesAfterChunkFailure(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("b", 4500)
	sendErr := errors.New("boom")
	f := &fakeSender{
		failOn: func(call int, _ string) error {
			if call <= 2 { // first chunk fails in HTML and plain
				return sendErr
			}
			return nil
		},
	}
	err := deliverText(context.Background(), f, discardLogger(), 1, text, true, 0, 0, noPauseOptions())
	if !errors.Is(err, sendErr) {
		t.Fatalf("deliverText() error = %v, want the chunk error", err)
	}
	if len(f.messages) != 1 {
		t.Fatalf("sent %d messages, want the second chunk delivered", len(f.messages))
	}
}

func TestDeliverTextJustUnderAttachmentThresholdStaysChunked(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("я", 19999)
	f := &fakeSender{}
	err := deliverText(context.Background(), f, discardLogger(), 1, text, false, 0, 0, noPauseOptions())
	if err != nil {
		t.Fatalf("deliverText() error = %v", err)
	}
	if len(f.documents) != 0 {
		t.Fatalf("sent %d attachments, want 0", len(f.documents))
	}
	if len(f.messages) < 5 {
		t.Fatalf("sent %d messages, want >= 5", len(f.messages))
	}
	var rebuilt strings.Builder
	for _, m := range f.messages {
		rebuilt.WriteString(m.Text)
	}
	if rebuilt.String() != text {
		t.Fatalf("chunks do not reassemble the response")
	}
}

func TestDeliverTextHugeResponseBecomesAttachment(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("я", 20000)
	f := &fakeSender{}
	err := deliverText(context.Background(), f, discardLogger(), 1, text, true, 0, 0, noPauseOptions())
	if err != nil {
		t.Fatalf("deliverText() error = %v", err)
	}
	if len(f.messages) != 0 {
		t.Fatalf("sent %d chat messages, want 0", len(f.messages))
	}
	if len(f.documents) != 1 || f.documents[0] != text {
		t.Fatalf("attachment not delivered intact")
	}
}
