// Package telegram runs the relay loop: long-polls the Bot API, routes
// updates to per-chat workers, relays user text into dialog exchanges
// and delivers the (possibly chunked) responses back.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/theurs/freegooglebard/internal/dialog"
	"github.com/theurs/freegooglebard/internal/prefstore"
	"github.com/theurs/freegooglebard/internal/telegramutil"
	"github.com/theurs/freegooglebard/internal/translate"
)

const helpText = `You need to get a google bard token to talk with Bard.

1. Install Cookie-Editor extension.

2. Go to https://bard.google.com and login, you may need to use a VPN to access Bard in countries where it is not available.

3. Click on the extension icon and copy a token starting with __Secure-{account_number}PSID.

For example, __Secure-1PSID
Ensure you are copying the correct token corresponding to the account number, which can be found in the URL as bard.google.com/u/{account_number}.
If your account number is /u/2, search for the token named __Secure-2PSID.
If your account number is /u/3, search for the token named __Secure-3PSID.

4. Paste the token in the bot as [/token xxx...xxx].

You can set a token for group by coping the personal token, use [/token copy] command in chat.`

// DialogService is the slice of the dialog layer the runtime drives.
type DialogService interface {
	Chat(ctx context.Context, req dialog.Request) (string, error)
	EvictIdle(maxIdle time.Duration) int
}

// Translator localizes UI strings and serves /trans.
type Translator interface {
	Translate(ctx context.Context, text, targetLang string) (string, error)
}

// SpeechService serves /tts and voice-note transcription.
type SpeechService interface {
	Synthesize(ctx context.Context, text, lang string) ([]byte, error)
	Recognize(ctx context.Context, audio []byte, mimeType, lang string) (string, error)
}

// BotCommand is one entry of the command manifest /init registers.
type BotCommand struct {
	Command     string
	Description string
}

type Dependencies struct {
	Logger     *slog.Logger
	Dialog     DialogService
	Prefs      *prefstore.Store
	Translator Translator
	Speech     SpeechService
	Commands   []BotCommand
	HTTP       *http.Client
}

type chatJob struct {
	Msg *telegramMessage
}

type chatWorker struct {
	jobs chan chatJob
}

// runChatWorker drains one chat's job queue. Each job first claims a
// slot in the shared semaphore, so messages within a chat are handled
// strictly in order while total in-flight exchanges across all chats
// stay bounded.
func runChatWorker(ctx context.Context, sem chan struct{}, jobs <-chan chatJob, handle func(context.Context, chatJob)) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case job, ok := <-jobs:
				if !ok {
					return
				}
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					return
				}
				handle(ctx, job)
				<-sem
			}
		}
	}()
}

type runtime struct {
	api    *telegramAPI
	deps   Dependencies
	opts   RunOptions
	logger *slog.Logger

	botID       int64
	botUsername string

	stop context.CancelFunc

	mu      sync.Mutex
	workers map[int64]*chatWorker
}

// Run drives the relay loop until ctx is canceled or an admin issues
// /restart.
func Run(ctx context.Context, deps Dependencies, opts RunOptions) error {
	opts = normalizeRunOptions(opts)
	if opts.BotToken == "" {
		return fmt.Errorf("missing telegram.bot_token (set via --telegram-bot-token or FREEGOOGLEBARD_TELEGRAM_BOT_TOKEN)")
	}
	if deps.Dialog == nil || deps.Prefs == nil || deps.Translator == nil {
		return fmt.Errorf("telegram runtime: missing dependencies")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &runtime{
		api:     newTelegramAPI(deps.HTTP, "https://api.telegram.org", opts.BotToken),
		deps:    deps,
		opts:    opts,
		logger:  logger,
		stop:    cancel,
		workers: make(map[int64]*chatWorker),
	}

	var me *telegramUser
	var err error
	for {
		me, err = r.api.getMe(runCtx)
		if err == nil {
			break
		}
		if errors.Is(err, context.Canceled) || runCtx.Err() != nil {
			logger.Info("telegram_stop", "reason", "context_canceled")
			return nil
		}
		logger.Warn("telegram_get_me_error", "error", err.Error())
		select {
		case <-runCtx.Done():
			logger.Info("telegram_stop", "reason", "context_canceled")
			return nil
		case <-time.After(2 * time.Second):
		}
	}
	r.botID = me.ID
	r.botUsername = me.Username

	logger.Info("telegram_start",
		"bot_username", r.botUsername,
		"bot_id", r.botID,
		"poll_timeout", opts.PollTimeout.String(),
		"exchange_timeout", opts.ExchangeTimeout.String(),
		"max_concurrency", opts.MaxConcurrency,
		"call_word", opts.CallWord,
		"session_ttl", opts.SessionTTL.String(),
	)

	g, gCtx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		ticker := time.NewTicker(opts.EvictInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				if n := r.deps.Dialog.EvictIdle(opts.SessionTTL); n > 0 {
					logger.Info("dialog_evict_tick", "evicted", n)
				}
			}
		}
	})

	g.Go(func() error {
		return r.pollLoop(gCtx)
	})

	return g.Wait()
}

func (r *runtime) pollLoop(ctx context.Context) error {
	sem := make(chan struct{}, r.opts.MaxConcurrency)
	var offset int64
	for {
		updates, nextOffset, err := r.api.getUpdates(ctx, offset, r.opts.PollTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				r.logger.Info("telegram_stop", "reason", "context_canceled")
				return nil
			}
			if isTelegramPollTimeoutError(err) {
				r.logger.Debug("telegram_get_updates_timeout", "error", err.Error())
			} else {
				r.logger.Warn("telegram_get_updates_error", "error", err.Error())
			}
			time.Sleep(1 * time.Second)
			continue
		}
		offset = nextOffset

		for _, u := range updates {
			msg := u.Message
			if msg == nil || msg.Chat == nil || msg.From == nil || msg.From.IsBot {
				continue
			}
			r.mu.Lock()
			w, ok := r.workers[msg.Chat.ID]
			if !ok {
				w = &chatWorker{jobs: make(chan chatJob, 16)}
				r.workers[msg.Chat.ID] = w
				runChatWorker(ctx, sem, w.jobs, func(jobCtx context.Context, job chatJob) {
					r.handleMessage(jobCtx, job.Msg)
				})
			}
			r.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case w.jobs <- chatJob{Msg: msg}:
			}
		}
	}
}

// userKeyFor is the preference/dialog key: the sender in private
// chats, the chat itself in groups so everyone shares one dialog.
func userKeyFor(msg *telegramMessage) (int64, bool) {
	isPrivate := strings.ToLower(strings.TrimSpace(msg.Chat.Type)) == "private"
	if isPrivate {
		return msg.From.ID, true
	}
	return msg.Chat.ID, false
}

func (r *runtime) handleMessage(ctx context.Context, msg *telegramMessage) {
	if msg.Voice != nil || msg.Audio != nil {
		r.handleVoice(ctx, msg)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if strings.HasPrefix(text, "/") {
		r.handleCommand(ctx, msg, text)
		return
	}
	r.relayText(ctx, msg, text)
}

func splitCommand(text string) (string, string) {
	cmd, args, _ := strings.Cut(text, " ")
	return cmd, strings.TrimSpace(args)
}

// normalizeCommand lowercases and strips an @botname suffix.
func (r *runtime) normalizeCommand(cmd string) string {
	cmd = strings.ToLower(strings.TrimSpace(cmd))
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		mention := cmd[at+1:]
		if mention != strings.ToLower(r.botUsername) {
			return ""
		}
		cmd = cmd[:at]
	}
	return cmd
}

func (r *runtime) handleCommand(ctx context.Context, msg *telegramMessage, text string) {
	cmdWord, args := splitCommand(text)
	cmd := r.normalizeCommand(cmdWord)
	switch cmd {
	case "/start", "/help":
		r.sendHelp(ctx, msg)
	case "/language", "/lang":
		r.cmdLanguage(ctx, msg, args)
	case "/token":
		r.cmdToken(ctx, msg, args)
	case "/removeme":
		r.cmdRemoveMe(ctx, msg)
	case "/clear":
		r.cmdClear(ctx, msg)
	case "/trans":
		r.cmdTrans(ctx, msg, args)
	case "/tts":
		r.cmdTTS(ctx, msg, args)
	case "/id":
		r.reply(ctx, msg, fmt.Sprintf("chat_id=%d type=%s", msg.Chat.ID, msg.Chat.Type), "")
	case "/init":
		r.cmdInit(ctx, msg)
	case "/restart":
		r.cmdRestart(ctx, msg)
	case "":
		// A command addressed to another bot.
	default:
		// Unknown slash commands relay as plain text, matching how
		// users talk to the backend about commands.
		r.relayText(ctx, msg, text)
	}
}

// userLang resolves the reply language: the stored preference when
// present, the sender's Telegram client language otherwise.
func (r *runtime) userLang(key int64, msg *telegramMessage) string {
	if p, err := r.deps.Prefs.Get(key); err == nil && strings.TrimSpace(p.Lang) != "" {
		return p.Lang
	}
	if msg.From != nil && strings.TrimSpace(msg.From.LanguageCode) != "" {
		return msg.From.LanguageCode
	}
	return "en"
}

// localize renders a UI string in lang, falling back to English when
// the translation service is unavailable.
func (r *runtime) localize(ctx context.Context, text, lang string) string {
	if lang == "" || lang == "en" {
		return text
	}
	translated, err := r.deps.Translator.Translate(ctx, text, lang)
	if err != nil || strings.TrimSpace(translated) == "" {
		if err != nil {
			r.logger.Debug("localize_error", "lang", lang, "error", err.Error())
		}
		return text
	}
	return translated
}

func (r *runtime) reply(ctx context.Context, msg *telegramMessage, text, parseMode string) {
	if err := r.api.sendMessage(ctx, msg.Chat.ID, text, parseMode, msg.MessageID, msg.MessageThreadID); err != nil {
		if parseMode != "" && isTelegramParseError(err) {
			if err2 := r.api.sendMessage(ctx, msg.Chat.ID, text, "", msg.MessageID, msg.MessageThreadID); err2 == nil {
				return
			}
		}
		r.logger.Warn("telegram_send_error", "chat_id", msg.Chat.ID, "error", err.Error())
	}
}

func (r *runtime) sendHelp(ctx context.Context, msg *telegramMessage) {
	key, _ := userKeyFor(msg)
	lang := r.userLang(key, msg)
	translated := r.localize(ctx, helpText, lang)
	r.reply(ctx, msg, html.EscapeString(translated), "HTML")
}

func (r *runtime) cmdLanguage(ctx context.Context, msg *telegramMessage, args string) {
	key, _ := userKeyFor(msg)
	newLang := strings.ToLower(strings.TrimSpace(args))
	if newLang == "" {
		help := "/language language code\n\nExample:\n\n" +
			"<code>/language es</code>\n<code>/language en</code>\n" +
			"<code>/language ru</code>\n<code>/language fr</code>\n\n" +
			"https://en.wikipedia.org/wiki/Template:Google_translation"
		r.reply(ctx, msg, help, "HTML")
		return
	}
	if !translate.IsSupported(newLang) {
		lang := r.userLang(key, msg)
		r.reply(ctx, msg, r.localize(ctx, "Unknown language code.", lang), "")
		return
	}
	p, err := r.deps.Prefs.Get(key)
	if err != nil && !errors.Is(err, prefstore.ErrNotFound) {
		r.logger.Warn("prefs_get_error", "key", key, "error", err.Error())
		return
	}
	p.Lang = newLang
	if err := r.deps.Prefs.Set(key, p); err != nil {
		r.logger.Warn("prefs_set_error", "key", key, "error", err.Error())
		return
	}
	r.reply(ctx, msg, "Language changed.", "")
}

func (r *runtime) cmdToken(ctx context.Context, msg *telegramMessage, args string) {
	token := strings.TrimSpace(args)
	userID := msg.From.ID

	if strings.EqualFold(token, "copy") {
		// Share the sender's personal prefs with this chat's key.
		if err := r.deps.Prefs.Copy(userID, msg.Chat.ID); err != nil {
			if errors.Is(err, prefstore.ErrNotFound) {
				r.sendHelp(ctx, msg)
				return
			}
			r.logger.Warn("prefs_copy_error", "from", userID, "to", msg.Chat.ID, "error", err.Error())
			return
		}
		r.reply(ctx, msg, "OK.", "")
		return
	}

	if token != "" {
		p, err := r.deps.Prefs.Get(userID)
		if err != nil && !errors.Is(err, prefstore.ErrNotFound) {
			r.logger.Warn("prefs_get_error", "key", userID, "error", err.Error())
			return
		}
		if strings.TrimSpace(p.Lang) == "" {
			p.Lang = r.userLang(userID, msg)
		}
		p.Token = token
		if err := r.deps.Prefs.Set(userID, p); err != nil {
			r.logger.Warn("prefs_set_error", "key", userID, "error", err.Error())
			return
		}
		r.reply(ctx, msg, "OK.", "")
		return
	}

	r.sendHelp(ctx, msg)
}

func (r *runtime) cmdRemoveMe(ctx context.Context, msg *telegramMessage) {
	key, _ := userKeyFor(msg)
	err := r.deps.Prefs.Delete(key)
	if errors.Is(err, prefstore.ErrNotFound) {
		lang := r.userLang(key, msg)
		r.reply(ctx, msg, r.localize(ctx, "User not found.", lang), "")
		return
	}
	if err != nil {
		r.logger.Warn("prefs_delete_error", "key", key, "error", err.Error())
		return
	}
	// Forget the conversation along with the preferences.
	_, _ = r.deps.Dialog.Chat(ctx, dialog.Request{Key: strconv.FormatInt(key, 10), Reset: true})
	r.reply(ctx, msg, "OK", "")
}

func (r *runtime) cmdClear(ctx context.Context, msg *telegramMessage) {
	key, _ := userKeyFor(msg)
	lang := r.userLang(key, msg)
	p, err := r.deps.Prefs.Get(key)
	if err != nil || strings.TrimSpace(p.Token) == "" {
		text := r.localize(ctx, "You have to provide a token. Use <code>/token</code> command.", lang)
		r.reply(ctx, msg, text, "HTML")
		return
	}
	if _, err := r.deps.Dialog.Chat(ctx, dialog.Request{Key: strconv.FormatInt(key, 10), Reset: true}); err != nil {
		r.logger.Warn("dialog_reset_error", "key", key, "error", err.Error())
		return
	}
	r.reply(ctx, msg, r.localize(ctx, "New dialog started.", lang), "")
}

func (r *runtime) cmdTrans(ctx context.Context, msg *telegramMessage, args string) {
	key, _ := userKeyFor(msg)
	userLang := r.userLang(key, msg)

	target := userLang
	text := strings.TrimSpace(args)
	if first, rest, found := strings.Cut(text, " "); found && translate.IsSupported(strings.ToLower(first)) {
		target = strings.ToLower(first)
		text = strings.TrimSpace(rest)
	}
	if text == "" {
		help := "/trans [en|ru|uk|..] text to be translated into the specified language\n\n" +
			"If not specified, then your language will be used.\n\n" +
			"/trans de hi, how are you?\n/trans was ist das\n\n" +
			"Supported languages: " + strings.Join(translate.SupportedLangs, ", ")
		r.reply(ctx, msg, r.localize(ctx, help, userLang), "")
		return
	}

	stopTyping := startTypingTicker(ctx, r.api, msg.Chat.ID, "typing", 4*time.Second, msg.MessageThreadID)
	defer stopTyping()
	translated, err := r.deps.Translator.Translate(ctx, text, target)
	if err != nil || strings.TrimSpace(translated) == "" {
		if err != nil {
			r.logger.Warn("translate_error", "lang", target, "error", err.Error())
		}
		r.reply(ctx, msg, r.localize(ctx, "Translation failed.", userLang), "")
		return
	}
	r.reply(ctx, msg, translated, "")
}

func (r *runtime) cmdTTS(ctx context.Context, msg *telegramMessage, args string) {
	if r.deps.Speech == nil {
		return
	}
	key, _ := userKeyFor(msg)
	if _, err := r.deps.Prefs.Get(key); err != nil {
		return
	}
	lang := r.userLang(key, msg)

	text := strings.TrimSpace(args)
	if text == "" {
		r.reply(ctx, msg, r.localize(ctx, "/tts text to say with google voice", lang), "")
		return
	}

	stopTyping := startTypingTicker(ctx, r.api, msg.Chat.ID, "record_audio", 4*time.Second, msg.MessageThreadID)
	defer stopTyping()
	audio, err := r.deps.Speech.Synthesize(ctx, text, lang)
	if err != nil || len(audio) == 0 {
		if err != nil {
			r.logger.Warn("tts_error", "error", err.Error())
		}
		r.reply(ctx, msg, r.localize(ctx, "TTS failed.", lang), "")
		return
	}
	if err := r.api.sendVoice(ctx, msg.Chat.ID, bytes.NewReader(audio), "voice.mp3", msg.MessageID); err != nil {
		r.logger.Warn("telegram_send_voice_error", "chat_id", msg.Chat.ID, "error", err.Error())
	}
}

func (r *runtime) cmdInit(ctx context.Context, msg *telegramMessage) {
	if !r.isAdmin(msg.From.ID) {
		r.reply(ctx, msg, "For admins only.", "")
		return
	}
	commands := make([]telegramBotCommand, 0, len(r.deps.Commands))
	for _, c := range r.deps.Commands {
		commands = append(commands, telegramBotCommand{Command: c.Command, Description: c.Description})
	}
	if err := r.api.setMyCommands(ctx, commands); err != nil {
		r.logger.Warn("telegram_set_commands_error", "error", err.Error())
		r.reply(ctx, msg, "Failed to set commands.", "")
		return
	}
	r.reply(ctx, msg, fmt.Sprintf("OK, %d commands registered.", len(commands)), "")
}

func (r *runtime) cmdRestart(ctx context.Context, msg *telegramMessage) {
	if !r.isAdmin(msg.From.ID) {
		r.reply(ctx, msg, "For admins only.", "")
		return
	}
	r.logger.Info("telegram_restart_requested", "user_id", msg.From.ID)
	r.stop()
}

func (r *runtime) isAdmin(userID int64) bool {
	for _, id := range r.opts.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// shouldAnswerInGroup gates group traffic: only replies to the bot or
// messages opening with the call word get relayed.
func (r *runtime) shouldAnswerInGroup(msg *telegramMessage, text string) bool {
	if msg.ReplyTo != nil && msg.ReplyTo.From != nil && msg.ReplyTo.From.ID == r.botID {
		return true
	}
	return strings.HasPrefix(strings.ToLower(text), r.opts.CallWord)
}

func (r *runtime) relayText(ctx context.Context, msg *telegramMessage, text string) {
	key, isPrivate := userKeyFor(msg)
	lang := r.userLang(key, msg)

	p, err := r.deps.Prefs.Get(key)
	if err != nil || strings.TrimSpace(p.Token) == "" {
		if err != nil && !errors.Is(err, prefstore.ErrNotFound) {
			r.logger.Warn("prefs_get_error", "key", key, "error", err.Error())
		}
		var hint string
		if isPrivate {
			hint = "You have to provide a token. Use <code>/token</code> command."
		} else {
			if !r.shouldAnswerInGroup(msg, text) {
				return
			}
			hint = "You have to provide a token. Use <code>/token copy</code> command to copy your private token."
		}
		r.reply(ctx, msg, r.localize(ctx, hint, lang), "HTML")
		return
	}

	if !isPrivate && !r.shouldAnswerInGroup(msg, text) {
		return
	}

	if n := utf8.RuneCountInString(text); n > r.opts.MaxQueryLen {
		tooLong := fmt.Sprintf("Message too long for bard: %d of %d", n, r.opts.MaxQueryLen)
		r.reply(ctx, msg, r.localize(ctx, tooLong, lang), "")
		return
	}

	var userName string
	if isPrivate {
		userName = telegramDisplayName(msg.From)
	} else {
		chatName := msg.Chat.Username
		if chatName == "" {
			chatName = msg.Chat.FirstName
		}
		if chatName == "" {
			chatName = msg.Chat.Title
		}
		if chatName == "" {
			chatName = "noname"
		}
		userName = "(public chat, it is not person) " + chatName
	}

	stopTyping := startTypingTicker(ctx, r.api, msg.Chat.ID, "typing", 4*time.Second, msg.MessageThreadID)
	defer stopTyping()

	exchangeCtx, cancel := context.WithTimeout(ctx, r.opts.ExchangeTimeout)
	defer cancel()
	answer, err := r.deps.Dialog.Chat(exchangeCtx, dialog.Request{
		Key:      strconv.FormatInt(key, 10),
		Query:    text,
		Token:    p.Token,
		Lang:     lang,
		UserName: userName,
	})
	if err != nil {
		r.logger.Warn("telegram_exchange_error", "chat_id", msg.Chat.ID, "error", err.Error())
	}
	if strings.TrimSpace(answer) == "" {
		noAnswer := "Bard did not answer. May be you need to renew your token."
		r.reply(ctx, msg, r.localize(ctx, noAnswer, lang), "")
		return
	}

	htmlAnswer := telegramutil.MarkdownToHTML(answer)
	pause := r.opts.InterChunkPause
	deliverErr := deliverText(ctx, r.api, r.logger, msg.Chat.ID, htmlAnswer, true, msg.MessageID, msg.MessageThreadID, deliveryOptions{
		Pause: func(ctx context.Context) {
			select {
			case <-ctx.Done():
			case <-time.After(pause):
			}
		},
	})
	if deliverErr != nil {
		r.logger.Warn("telegram_deliver_error", "chat_id", msg.Chat.ID, "error", deliverErr.Error())
	}
}

func (r *runtime) handleVoice(ctx context.Context, msg *telegramMessage) {
	if r.deps.Speech == nil {
		return
	}
	key, _ := userKeyFor(msg)
	p, err := r.deps.Prefs.Get(key)
	if err != nil {
		return
	}
	lang := p.Lang
	if lang == "" {
		lang = "en"
	}

	fileID := ""
	mimeType := "audio/ogg; codecs=opus"
	if msg.Voice != nil {
		fileID = msg.Voice.FileID
		if msg.Voice.MimeType != "" {
			mimeType = msg.Voice.MimeType
		}
	} else if msg.Audio != nil {
		fileID = msg.Audio.FileID
		if msg.Audio.MimeType != "" {
			mimeType = msg.Audio.MimeType
		}
	}
	if fileID == "" {
		return
	}

	stopTyping := startTypingTicker(ctx, r.api, msg.Chat.ID, "typing", 4*time.Second, msg.MessageThreadID)
	defer stopTyping()

	file, err := r.api.getFile(ctx, fileID)
	if err != nil {
		r.logger.Warn("telegram_get_file_error", "chat_id", msg.Chat.ID, "error", err.Error())
		return
	}
	audio, err := r.api.downloadFile(ctx, file.FilePath, r.opts.VoiceMaxBytes)
	if err != nil {
		r.logger.Warn("telegram_download_error", "chat_id", msg.Chat.ID, "error", err.Error())
		return
	}

	text, err := r.deps.Speech.Recognize(ctx, audio, mimeType, lang)
	if err != nil {
		r.logger.Warn("stt_error", "chat_id", msg.Chat.ID, "error", err.Error())
	}
	text = strings.TrimSpace(text)
	if text == "" {
		r.reply(ctx, msg, r.localize(ctx, "Did not recognize any text.", lang), "")
		return
	}

	// Echo the transcript, then relay it like a typed message.
	r.reply(ctx, msg, text, "")
	r.relayText(ctx, msg, text)
}
