// Package telegram mirrors the sale banner into a Telegram chat and accepts
// a few owner-only commands.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"salewatch/internal/runtime/supervisor"
	"salewatch/pkg/logx"
)

type Config struct {
	Token       string
	ChatID      int64
	ThreadID    int
	Owners      []int64
	RatePerSec  int
	PollTimeout time.Duration
}

type Bot struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	cmds    *commands
	surface *Surface

	mu  sync.Mutex
	ctx context.Context
}

func New(cfg Config, ctl Controls, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tb, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	log = log.With(logx.String("comp", "telegram"))
	b := &Bot{
		cfg:  cfg,
		log:  log,
		bot:  tb,
		cmds: newCommands(ctl, cfg.Owners, log),
		ctx:  context.Background(),
	}
	b.surface = NewSurface(chatSender{bot: tb, chat: &tele.Chat{ID: cfg.ChatID}, thread: cfg.ThreadID}, cfg.RatePerSec, log)
	for _, c := range commandList {
		tb.Handle("/"+c.name, b.onCommand)
	}
	if len(cfg.Owners) == 0 {
		log.Warn("no owner_user_ids configured; chat commands disabled")
	}
	return b, nil
}

// Surface is the banner mirror to register with the toast controller.
func (b *Bot) Surface() *Surface { return b.surface }

func (b *Bot) onCommand(c tele.Context) error {
	m := c.Message()
	if m == nil || c.Sender() == nil {
		return nil
	}
	b.mu.Lock()
	ctx := b.ctx
	b.mu.Unlock()
	reply, ok := b.cmds.handle(ctx, c.Sender().ID, m.Text)
	if !ok {
		return nil
	}
	return c.Send(reply, &tele.SendOptions{ThreadID: m.ThreadID})
}

// Run polls for commands and delivers banner updates until ctx ends.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()

	sup := supervisor.New(ctx,
		supervisor.WithLogger(b.log),
		supervisor.WithCancelOnError(false),
	)
	sup.Go("telegram.surface", b.surface.Run)
	sup.Go0("telegram.menu", func(context.Context) {
		cmds := make([]tele.Command, 0, len(commandList))
		for _, c := range commandList {
			cmds = append(cmds, tele.Command{Text: c.name, Description: c.help})
		}
		if err := b.bot.SetCommands(cmds); err != nil {
			b.log.Debug("menu commands not updated", logx.Err(err))
		}
	})
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		b.bot.Stop()
	})
	// Start blocks until Stop; restart it if it returns early.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		b.log.Info("polling started")
		b.bot.Start()
		b.log.Info("polling stopped")
		return nil
	},
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		supervisor.WithStopOnCleanExit(false),
	)

	<-ctx.Done()
	wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		b.log.Debug("telegram stopped with error", logx.Err(err))
	}
	return nil
}

type chatSender struct {
	bot    *tele.Bot
	chat   *tele.Chat
	thread int
}

func (s chatSender) Send(ctx context.Context, text string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m, err := s.bot.Send(s.chat, text, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              s.thread,
	})
	if err != nil {
		return 0, err
	}
	return m.ID, nil
}

func (s chatSender) Edit(ctx context.Context, msgID int, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.bot.Edit(&tele.Message{ID: msgID, Chat: s.chat}, text, &tele.SendOptions{ParseMode: tele.ModeHTML})
	return err
}

func (s chatSender) Delete(ctx context.Context, msgID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.bot.Delete(&tele.Message{ID: msgID, Chat: s.chat})
}
