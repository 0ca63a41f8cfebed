package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/theurs/freegooglebard/internal/bard"
	runtimetelegram "github.com/theurs/freegooglebard/internal/channelruntime/telegram"
	"github.com/theurs/freegooglebard/internal/dialog"
	"github.com/theurs/freegooglebard/internal/logutil"
	"github.com/theurs/freegooglebard/internal/prefstore"
	"github.com/theurs/freegooglebard/internal/speech"
	"github.com/theurs/freegooglebard/internal/statepaths"
	"github.com/theurs/freegooglebard/internal/translate"
)

//go:embed commands.yaml
var commandsManifest []byte

type commandManifest struct {
	Commands []struct {
		Command     string `yaml:"command"`
		Description string `yaml:"description"`
	} `yaml:"commands"`
}

func newTelegramCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "telegram",
		Short: "Run the Telegram relay bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTelegram(cmd.Context())
		},
	}

	cmd.Flags().String("telegram-bot-token", "", "Telegram bot token.")
	cmd.Flags().String("telegram-call-word", "bard", "Prefix that triggers the bot in group chats.")
	cmd.Flags().Int64Slice("telegram-admin-id", nil, "Admin user ids (repeatable).")
	cmd.Flags().Duration("telegram-poll-timeout", 90*time.Second, "Long-poll timeout.")
	cmd.Flags().Duration("exchange-timeout", 5*time.Minute, "Per-exchange timeout toward the backend.")
	cmd.Flags().Int("max-concurrency", 8, "Max concurrent exchanges across chats.")
	cmd.Flags().Duration("session-ttl", 6*time.Hour, "Idle time after which a dialog session is evicted.")
	cmd.Flags().Duration("evict-interval", 15*time.Minute, "How often idle sessions are swept.")

	_ = viper.BindPFlag("telegram.bot_token", cmd.Flags().Lookup("telegram-bot-token"))
	_ = viper.BindPFlag("telegram.call_word", cmd.Flags().Lookup("telegram-call-word"))
	_ = viper.BindPFlag("telegram.admin_ids", cmd.Flags().Lookup("telegram-admin-id"))
	_ = viper.BindPFlag("telegram.poll_timeout", cmd.Flags().Lookup("telegram-poll-timeout"))
	_ = viper.BindPFlag("dialog.exchange_timeout", cmd.Flags().Lookup("exchange-timeout"))
	_ = viper.BindPFlag("dialog.max_concurrency", cmd.Flags().Lookup("max-concurrency"))
	_ = viper.BindPFlag("dialog.session_ttl", cmd.Flags().Lookup("session-ttl"))
	_ = viper.BindPFlag("dialog.evict_interval", cmd.Flags().Lookup("evict-interval"))

	viper.SetDefault("telegram.call_word", "bard")
	viper.SetDefault("telegram.poll_timeout", "90s")
	viper.SetDefault("dialog.exchange_timeout", "5m")
	viper.SetDefault("dialog.max_concurrency", 8)
	viper.SetDefault("dialog.session_ttl", "6h")
	viper.SetDefault("dialog.evict_interval", "15m")

	return cmd
}

// bardSessionAdapter bridges the backend client into the dialog
// layer's Session interface, translating its payload errors into the
// dialog's malformed-reply kind.
type bardSessionAdapter struct {
	s *bard.Session
}

func (a bardSessionAdapter) Ask(ctx context.Context, query string) (dialog.Reply, error) {
	reply, err := a.s.Ask(ctx, query)
	if err != nil {
		if errors.Is(err, bard.ErrBadPayload) {
			return dialog.Reply{}, fmt.Errorf("%w: %v", dialog.ErrMalformedReply, err)
		}
		return dialog.Reply{}, err
	}
	return dialog.Reply{Content: reply.Content, Links: reply.Links}, nil
}

func runTelegram(ctx context.Context) error {
	logger, err := logutil.LoggerFromViper()
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prefs, err := prefstore.Open(statepaths.PrefsDir())
	if err != nil {
		return fmt.Errorf("open preference store: %w", err)
	}
	defer prefs.Close()

	factory := func(ctx context.Context, req dialog.Request) (dialog.Session, error) {
		s, err := bard.NewSession(ctx, bard.Config{
			Token:    req.Token,
			Lang:     req.Lang,
			UserName: req.UserName,
		})
		if err != nil {
			return nil, err
		}
		return bardSessionAdapter{s: s}, nil
	}
	dialogSvc, err := dialog.NewService(dialog.Config{
		Factory: factory,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	var manifest commandManifest
	if err := yaml.Unmarshal(commandsManifest, &manifest); err != nil {
		return fmt.Errorf("parse command manifest: %w", err)
	}
	commands := make([]runtimetelegram.BotCommand, 0, len(manifest.Commands))
	for _, c := range manifest.Commands {
		commands = append(commands, runtimetelegram.BotCommand{
			Command:     c.Command,
			Description: c.Description,
		})
	}

	deps := runtimetelegram.Dependencies{
		Logger:     logger,
		Dialog:     dialogSvc,
		Prefs:      prefs,
		Translator: translate.New(nil),
		Speech:     speech.New(nil),
		Commands:   commands,
	}
	opts := runtimetelegram.RunOptions{
		BotToken:        viper.GetString("telegram.bot_token"),
		CallWord:        viper.GetString("telegram.call_word"),
		AdminIDs:        viperInt64Slice("telegram.admin_ids"),
		PollTimeout:     viper.GetDuration("telegram.poll_timeout"),
		ExchangeTimeout: viper.GetDuration("dialog.exchange_timeout"),
		MaxConcurrency:  viper.GetInt("dialog.max_concurrency"),
		MaxQueryLen:     bard.MaxRequestLen,
		SessionTTL:      viper.GetDuration("dialog.session_ttl"),
		EvictInterval:   viper.GetDuration("dialog.evict_interval"),
	}
	return runtimetelegram.Run(ctx, deps, opts)
}

func viperInt64Slice(key string) []int64 {
	raw := viper.GetIntSlice(key)
	out := make([]int64, 0, len(raw))
	for _, v := range raw {
		out = append(out, int64(v))
	}
	return out
}
