package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"funding-grid-alerts/internal/telegram"
)

const (
	greetingText = "I'm online ✅. Waiting for events and will send alerts here."
	ackText      = "Ok, got it."
	noAlertsText = "No new grid crossings."
	scanBusyText = "Another instance is scanning right now; try again shortly."
)

// Handle answers a chat command. It satisfies telegram.Handler.
func (s *Service) Handle(ctx context.Context, req telegram.Request) string {
	switch req.Command {
	case "":
		return ackText
	case "start":
		return s.handleStart(ctx, req.ChatID)
	case "stop":
		return s.handleStop(ctx, req.ChatID)
	case "help":
		return s.helpText()
	case "status":
		return s.RenderStatus()
	case "scan":
		res, err := s.ScanNow(ctx)
		if err != nil {
			return fmt.Sprintf("Scan failed: %v", err)
		}
		return RenderScanReply(res)
	default:
		return "Unknown command. Try /help."
	}
}

func (s *Service) handleStart(ctx context.Context, chatID string) string {
	if s.isStatic(chatID) {
		return greetingText
	}
	if !s.allowSubscribe {
		return greetingText + "\nSubscriptions are closed; ask the operator to add this chat."
	}
	if s.Subscribe(ctx, chatID) {
		s.logger.Info().Str("chat_id", chatID).Msg("chat subscribed")
	}
	return greetingText
}

func (s *Service) handleStop(ctx context.Context, chatID string) string {
	if s.isStatic(chatID) {
		return "This chat is configured by the operator and always receives alerts."
	}
	if s.Unsubscribe(ctx, chatID) {
		s.logger.Info().Str("chat_id", chatID).Msg("chat unsubscribed")
	}
	return "Unsubscribed. Send /start to resume alerts."
}

func (s *Service) helpText() string {
	g := s.grid.Levels()
	return strings.Join([]string{
		"Funding grid alerts",
		fmt.Sprintf("Alerts when a perpetual's funding rate is at or below %s%%,", g.Format(g.ThresholdPct)),
		fmt.Sprintf("again every %s%% lower, and on recovery from %s%% in %s%% steps.",
			g.FormatStep(g.DownStepPct), g.Format(g.ReboundStartPct), g.FormatStep(g.ReboundStepPct)),
		"",
		"/status  last scan summary",
		"/scan    scan now (reply only to you)",
		"/start   subscribe this chat",
		"/stop    unsubscribe this chat",
	}, "\n")
}

// Subscribe adds a chat and persists the change. It reports whether the chat was new.
func (s *Service) Subscribe(ctx context.Context, chatID string) bool {
	s.mu.Lock()
	for _, id := range s.subscribers {
		if id == chatID {
			s.mu.Unlock()
			return false
		}
	}
	s.subscribers = append(s.subscribers, chatID)
	sort.Strings(s.subscribers)
	s.mu.Unlock()

	s.persist(ctx)
	return true
}

// Unsubscribe removes a chat and persists the change.
func (s *Service) Unsubscribe(ctx context.Context, chatID string) bool {
	s.mu.Lock()
	idx := -1
	for i, id := range s.subscribers {
		if id == chatID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.subscribers = append(s.subscribers[:idx], s.subscribers[idx+1:]...)
	s.mu.Unlock()

	s.persist(ctx)
	return true
}

// Subscribers merges configured chats with chats subscribed through /start.
func (s *Service) Subscribers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{}, len(s.staticChats)+len(s.subscribers))
	out := make([]string, 0, len(s.staticChats)+len(s.subscribers))
	for _, list := range [][]string{s.staticChats, s.subscribers} {
		for _, id := range list {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func (s *Service) isStatic(chatID string) bool {
	for _, id := range s.staticChats {
		if strings.TrimSpace(id) == chatID {
			return true
		}
	}
	return false
}

// RenderStatus summarises the last scan and the grid configuration.
func (s *Service) RenderStatus() string {
	meta := s.Meta()
	g := s.grid.Levels()
	now := s.now().UTC()

	b := strings.Builder{}
	b.WriteString("📊 Funding grid status\n")
	if meta.LastScanAt == nil {
		b.WriteString("Last scan: never\n")
	} else {
		b.WriteString(fmt.Sprintf("Last scan: %s UTC (%s, %s ago)\n",
			meta.LastScanAt.UTC().Format("2006-01-02 15:04:05"), meta.LastTrigger, since(now, *meta.LastScanAt)))
		b.WriteString(fmt.Sprintf("Evaluated: %d symbols, fetch errors: %d\n", meta.LastEvaluated, meta.LastFetchErrors))
		b.WriteString(fmt.Sprintf("Alerts last scan: %d, reset: %d\n", meta.LastAlertCount, meta.LastEvicted))
	}
	if meta.LastError != nil {
		b.WriteString(fmt.Sprintf("Last error: %s\n", *meta.LastError))
	}
	b.WriteString(fmt.Sprintf("Tracked below threshold: %d\n", s.Tracked()))
	b.WriteString(fmt.Sprintf("Grid: threshold %s%%, step %s%%, rebound from %s%% step %s%%, reset after %s\n",
		g.Format(g.ThresholdPct),
		g.FormatStep(g.DownStepPct),
		g.Format(g.ReboundStartPct),
		g.FormatStep(g.ReboundStepPct),
		s.grid.ResetAfter))
	b.WriteString(fmt.Sprintf("Subscribers: %d", len(s.Subscribers())))
	return b.String()
}

// RenderScanReply formats an on-demand scan for the requester.
func RenderScanReply(res ScanResult) string {
	if res.Skipped {
		return scanBusyText
	}
	if len(res.Alerts) == 0 {
		return noAlertsText
	}
	texts := make([]string, 0, len(res.Alerts))
	for _, a := range res.Alerts {
		texts = append(texts, a.Text)
	}
	return strings.Join(texts, "\n\n")
}

func since(now, then time.Time) string {
	d := now.Sub(then)
	if d < time.Second {
		return "0s"
	}
	return d.Truncate(time.Second).String()
}
