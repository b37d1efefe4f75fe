package telegram

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Request is a parsed chat interaction. Command is empty for free text.
type Request struct {
	ChatID   string
	Command  string
	Args     string
	Text     string
	Callback bool
}

// Handler answers chat interactions. An empty reply sends nothing.
type Handler interface {
	Handle(ctx context.Context, req Request) string
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) string

func (f HandlerFunc) Handle(ctx context.Context, req Request) string {
	return f(ctx, req)
}

// Keyboard is attached to every command reply.
var Keyboard = &InlineKeyboardMarkup{
	InlineKeyboard: [][]InlineKeyboardButton{{
		{Text: "📊 Status", CallbackData: "status"},
		{Text: "🔄 Scan", CallbackData: "scan"},
	}},
}

// Bot runs the long-poll loop and dispatches updates to a handler.
type Bot struct {
	client  *Client
	handler Handler
	logger  zerolog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
	errorDelay time.Duration
}

// NewBot wires a handler to a client.
func NewBot(client *Client, handler Handler, logger zerolog.Logger) *Bot {
	return &Bot{
		client:     client,
		handler:    handler,
		logger:     logger.With().Str("component", "telegram_bot").Logger(),
		minBackoff: time.Second,
		maxBackoff: 15 * time.Second,
		errorDelay: 3 * time.Second,
	}
}

// Run drops any webhook and pending updates, then polls until ctx ends.
// A conflict (another instance polling) backs off from 1s up to 15s; any
// other failure retries after 3s.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.client.DeleteWebhook(ctx, true); err != nil {
		b.logger.Warn().Err(err).Msg("delete webhook failed")
	}

	backoff := b.minBackoff
	var offset int64
	for {
		b.logger.Info().Msg("start polling")
		err := b.poll(ctx, &offset, func() { backoff = b.minBackoff })
		if ctx.Err() != nil {
			b.logger.Info().Msg("polling stopped")
			return ctx.Err()
		}

		delay := b.errorDelay
		if IsConflict(err) {
			delay = backoff
			b.logger.Error().Dur("retry_in", delay).Msg("conflict: another instance is polling getUpdates")
			backoff = time.Duration(float64(backoff) * 1.5)
			if backoff > b.maxBackoff {
				backoff = b.maxBackoff
			}
		} else {
			b.logger.Error().Err(err).Dur("retry_in", delay).Msg("polling failed")
		}

		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
	}
}

func (b *Bot) poll(ctx context.Context, offset *int64, onSuccess func()) error {
	for {
		updates, err := b.client.GetUpdates(ctx, *offset)
		if err != nil {
			return err
		}
		onSuccess()
		for _, u := range updates {
			if u.UpdateID >= *offset {
				*offset = u.UpdateID + 1
			}
			b.dispatch(ctx, u)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (b *Bot) dispatch(ctx context.Context, u Update) {
	switch {
	case u.CallbackQuery != nil:
		q := u.CallbackQuery
		if err := b.client.AnswerCallbackQuery(ctx, q.ID, ""); err != nil {
			b.logger.Warn().Err(err).Msg("answer callback failed")
		}
		if q.Message == nil {
			return
		}
		req := Request{
			ChatID:   chatIDString(q.Message.Chat.ID),
			Command:  strings.ToLower(strings.TrimSpace(q.Data)),
			Callback: true,
		}
		b.reply(ctx, req)
	case u.Message != nil && u.Message.Text != "":
		b.reply(ctx, ParseMessage(chatIDString(u.Message.Chat.ID), u.Message.Text))
	}
}

func (b *Bot) reply(ctx context.Context, req Request) {
	text := b.handler.Handle(ctx, req)
	if text == "" {
		return
	}
	var markup *InlineKeyboardMarkup
	if req.Command != "" {
		markup = Keyboard
	}
	if err := b.client.SendMessage(ctx, req.ChatID, text, markup); err != nil {
		b.logger.Warn().Err(err).Str("chat_id", req.ChatID).Str("command", req.Command).Msg("reply failed")
	}
}

// ParseMessage splits "/cmd@bot args" into its parts.
func ParseMessage(chatID, text string) Request {
	req := Request{ChatID: chatID, Text: text}
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return req
	}
	head, args, _ := strings.Cut(trimmed[1:], " ")
	head, _, _ = strings.Cut(head, "@")
	req.Command = strings.ToLower(head)
	req.Args = strings.TrimSpace(args)
	return req
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
