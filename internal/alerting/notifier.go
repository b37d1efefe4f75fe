package alerting

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"funding-grid-alerts/internal/engine"
)

// Notifier is an auxiliary alert sink. Failures are logged by the caller and
// never affect state.
type Notifier interface {
	Notify(ctx context.Context, alert engine.Alert) error
}

// Sender delivers one text message to one chat.
type Sender interface {
	Send(ctx context.Context, chatID, text string) error
}

// BroadcastResult summarises one fan-out.
type BroadcastResult struct {
	Attempted int
	Delivered int
	Failed    []string
}

// Broadcaster delivers the same text to every subscriber independently.
type Broadcaster struct {
	sender  Sender
	timeout time.Duration
	logger  zerolog.Logger
}

// NewBroadcaster wraps a sender. timeout bounds each individual delivery.
func NewBroadcaster(sender Sender, timeout time.Duration, logger zerolog.Logger) *Broadcaster {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Broadcaster{
		sender:  sender,
		timeout: timeout,
		logger:  logger.With().Str("component", "broadcaster").Logger(),
	}
}

// Broadcast attempts every subscriber. A failing subscriber is logged and
// recorded in the result; the others are still attempted.
func (b *Broadcaster) Broadcast(ctx context.Context, subscribers []string, text string) BroadcastResult {
	var res BroadcastResult
	if b == nil || b.sender == nil {
		return res
	}
	for _, chatID := range subscribers {
		if ctx.Err() != nil {
			b.logger.Warn().Int("remaining", len(subscribers)-res.Attempted).Msg("broadcast cancelled")
			break
		}
		res.Attempted++

		sendCtx, cancel := context.WithTimeout(ctx, b.timeout)
		err := b.sender.Send(sendCtx, chatID, text)
		cancel()
		if err != nil {
			res.Failed = append(res.Failed, chatID)
			b.logger.Warn().Err(err).Str("chat_id", chatID).Msg("delivery failed")
			continue
		}
		res.Delivered++
	}
	return res
}
