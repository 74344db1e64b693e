// Package telegram delivers notifier payloads to Telegram chats.
package telegram

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"writebot/internal/notifier"
)

type Config struct {
	Token      string
	RatePerSec int
}

// Notifier sends payloads through one bot connection, rate limited
// with a token bucket so announcement bursts (sprint results hitting
// several guilds in one poll cycle) do not trip Telegram's flood
// control.
type Notifier struct {
	bot *tele.Bot
	log zerolog.Logger

	mu      sync.Mutex
	limiter *rate.Limiter
}

func New(cfg Config, log zerolog.Logger) (*Notifier, error) {
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	n := &Notifier{bot: bot, log: log}
	n.Apply(cfg)
	return n, nil
}

// Apply updates the send rate without reconnecting.
func (n *Notifier) Apply(cfg Config) {
	per := cfg.RatePerSec
	if per <= 0 {
		per = 3
	}
	n.mu.Lock()
	// Burst equals the per-second rate so short spikes don't block hard.
	n.limiter = rate.NewLimiter(rate.Limit(per), per)
	n.mu.Unlock()
}

// Bot exposes the underlying connection for the command layer.
func (n *Notifier) Bot() *tele.Bot { return n.bot }

func (n *Notifier) Send(ctx context.Context, channel int64, p notifier.Payload) error {
	n.mu.Lock()
	lim := n.limiter
	n.mu.Unlock()
	if err := lim.Wait(ctx); err != nil {
		return err
	}

	_, err := n.bot.Send(tele.ChatID(channel), render(p))
	if err != nil {
		n.log.Warn().Err(err).Int64("channel", channel).Msg("send failed")
	}
	return err
}

// render flattens a payload to plain text; Telegram has no native
// embed, so the card fields become lines.
func render(p notifier.Payload) string {
	if p.Embed == nil {
		return p.Text
	}
	var b strings.Builder
	if p.Text != "" {
		b.WriteString(p.Text)
		b.WriteString("\n\n")
	}
	e := p.Embed
	if e.Title != "" {
		b.WriteString(e.Title)
		b.WriteString("\n")
	}
	if e.Description != "" {
		b.WriteString(e.Description)
		b.WriteString("\n")
	}
	for _, row := range e.Rows {
		b.WriteString(row)
		b.WriteString("\n")
	}
	if e.Footer != "" {
		b.WriteString(e.Footer)
	}
	return strings.TrimRight(b.String(), "\n")
}
