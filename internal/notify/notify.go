package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"slotwatch/pkg/logx"
)

// Notifier pushes claim events to a Telegram chat. It is send-only (no
// poller) and deliberately best-effort: a failed notification is logged
// and forgotten, never allowed to disturb a check cycle.
type Notifier struct {
	bot    *tele.Bot
	chatID int64
	log    logx.Logger
}

type Config struct {
	Token  string
	ChatID int64
}

// New returns nil when unconfigured; callers treat a nil Notifier as
// notifications-off.
func New(cfg Config, log logx.Logger) (*Notifier, error) {
	if strings.TrimSpace(cfg.Token) == "" || cfg.ChatID == 0 {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Notifier{bot: bot, chatID: cfg.ChatID, log: log}, nil
}

func (n *Notifier) send(text string) {
	if n == nil {
		return
	}
	if _, err := n.bot.Send(tele.ChatID(n.chatID), text); err != nil {
		n.log.Warn("telegram notification failed", logx.Err(err))
	}
}

func (n *Notifier) Claimed(ctx context.Context, course string, tokens []string) {
	_ = ctx
	n.send(fmt.Sprintf("✅ %s: booked %s", course, strings.Join(tokens, ", ")))
}

func (n *Notifier) Retired(ctx context.Context, course string) {
	_ = ctx
	n.send(fmt.Sprintf("🗑 %s: course no longer listed, stopped watching", course))
}

func (n *Notifier) CycleFailed(ctx context.Context, course string, err error) {
	_ = ctx
	n.send(fmt.Sprintf("⚠️ %s: check failed: %v (will retry on the next pass)", course, err))
}
