package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mu            sync.Mutex
	updates       [][]Update
	conflicts     int
	sent          []sendMessageRequest
	deleted       bool
	answered      []string
	getUpdatesHit int
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		assert.True(t, strings.HasPrefix(r.URL.Path, "/botTOKEN/"), r.URL.Path)

		f.mu.Lock()
		defer f.mu.Unlock()

		switch method {
		case "deleteWebhook":
			var req deleteWebhookRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			f.deleted = req.DropPendingUpdates
			writeOK(w, true)
		case "getUpdates":
			f.getUpdatesHit++
			if f.conflicts > 0 {
				f.conflicts--
				w.WriteHeader(http.StatusConflict)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"ok": false, "error_code": 409,
					"description": "Conflict: terminated by other getUpdates request",
				})
				return
			}
			if len(f.updates) == 0 {
				writeOK(w, []Update{})
				return
			}
			batch := f.updates[0]
			f.updates = f.updates[1:]
			writeOK(w, batch)
		case "sendMessage":
			var req sendMessageRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			f.sent = append(f.sent, req)
			writeOK(w, map[string]any{"message_id": len(f.sent)})
		case "answerCallbackQuery":
			var req answerCallbackRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			f.answered = append(f.answered, req.CallbackQueryID)
			writeOK(w, true)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func (f *fakeAPI) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func writeOK(w http.ResponseWriter, result any) {
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
}

func newTestBot(t *testing.T, api *fakeAPI, h Handler) *Bot {
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	client := NewClient(Options{Token: "TOKEN", APIBase: srv.URL, RequestTimeout: time.Second, PollTimeout: time.Second}, zerolog.Nop())
	bot := NewBot(client, h, zerolog.Nop())
	bot.minBackoff = 5 * time.Millisecond
	bot.maxBackoff = 20 * time.Millisecond
	bot.errorDelay = 5 * time.Millisecond
	return bot
}

func TestBotDispatchesCommandsAndButtons(t *testing.T) {
	api := &fakeAPI{
		conflicts: 2,
		updates: [][]Update{
			{
				{UpdateID: 10, Message: &Message{Chat: Chat{ID: 42}, Text: "/status@funding_bot"}},
				{UpdateID: 11, Message: &Message{Chat: Chat{ID: 42}, Text: "hello there"}},
			},
			{
				{UpdateID: 12, CallbackQuery: &CallbackQuery{ID: "cb1", Data: "scan", Message: &Message{Chat: Chat{ID: 7}}}},
			},
		},
	}

	var mu sync.Mutex
	var seen []Request
	bot := newTestBot(t, api, HandlerFunc(func(_ context.Context, req Request) string {
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()
		if req.Command == "" {
			return "Ok, got it."
		}
		return "reply:" + req.Command
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bot.Run(ctx) }()

	require.Eventually(t, func() bool { return api.sentCount() == 3 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("bot did not stop")
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.True(t, api.deleted)
	assert.Equal(t, []string{"cb1"}, api.answered)

	assert.Equal(t, "42", api.sent[0].ChatID)
	assert.Equal(t, "reply:status", api.sent[0].Text)
	require.NotNil(t, api.sent[0].ReplyMarkup)
	assert.Equal(t, "scan", api.sent[0].ReplyMarkup.InlineKeyboard[0][1].CallbackData)

	assert.Equal(t, "Ok, got it.", api.sent[1].Text)
	assert.Nil(t, api.sent[1].ReplyMarkup)

	assert.Equal(t, "7", api.sent[2].ChatID)
	assert.Equal(t, "reply:scan", api.sent[2].Text)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	assert.True(t, seen[2].Callback)
}

func TestParseMessage(t *testing.T) {
	req := ParseMessage("1", "/Start@bot  now please")
	assert.Equal(t, "start", req.Command)
	assert.Equal(t, "now please", req.Args)

	req = ParseMessage("1", "just text")
	assert.Empty(t, req.Command)
	assert.Equal(t, "just text", req.Text)
}

func TestClientSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": 403, "description": "Forbidden: bot was blocked by the user"})
	}))
	defer srv.Close()

	client := NewClient(Options{Token: "T", APIBase: srv.URL}, zerolog.Nop())
	err := client.Send(context.Background(), "1", "x")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 403, apiErr.Code)
	assert.False(t, IsConflict(err))
}
