package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Options configure the Bot API client.
type Options struct {
	Token          string
	APIBase        string
	RequestTimeout time.Duration
	PollTimeout    time.Duration
}

// APIError is a Bot API response with ok=false.
type APIError struct {
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram api error (%d): %s", e.Code, e.Description)
}

// IsConflict reports whether err means another getUpdates consumer is active.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict
}

// Client is a minimal Telegram Bot API client.
type Client struct {
	http           *resty.Client
	token          string
	requestTimeout time.Duration
	pollTimeout    time.Duration
	logger         zerolog.Logger
}

// NewClient builds a client. Timeouts are applied per call so long polls can
// outlive ordinary requests.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	base := strings.TrimRight(opts.APIBase, "/")
	if base == "" {
		base = "https://api.telegram.org"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 30 * time.Second
	}
	return &Client{
		http: resty.New().
			SetBaseURL(base).
			SetHeader("Content-Type", "application/json"),
		token:          opts.Token,
		requestTimeout: opts.RequestTimeout,
		pollTimeout:    opts.PollTimeout,
		logger:         logger.With().Str("component", "telegram").Logger(),
	}
}

type envelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

func (c *Client) call(ctx context.Context, method string, payload any, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		Post("/bot" + c.token + "/" + method)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		if resp.IsError() {
			return &APIError{Code: resp.StatusCode(), Description: strings.TrimSpace(string(resp.Body()))}
		}
		return fmt.Errorf("decode telegram %s response: %w", method, err)
	}
	if !env.OK {
		code := env.ErrorCode
		if code == 0 {
			code = resp.StatusCode()
		}
		return &APIError{Code: code, Description: env.Description}
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decode telegram %s result: %w", method, err)
		}
	}
	return nil
}

// SendMessage posts text to a chat, optionally with an inline keyboard.
func (c *Client) SendMessage(ctx context.Context, chatID, text string, markup *InlineKeyboardMarkup) error {
	payload := sendMessageRequest{
		ChatID:                chatID,
		Text:                  text,
		DisableWebPagePreview: true,
		ReplyMarkup:           markup,
	}
	return c.call(ctx, "sendMessage", payload, c.requestTimeout, nil)
}

// Send satisfies the alert broadcaster's sender contract.
func (c *Client) Send(ctx context.Context, chatID, text string) error {
	return c.SendMessage(ctx, chatID, text, nil)
}

// GetUpdates long-polls for updates starting at offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64) ([]Update, error) {
	payload := getUpdatesRequest{
		Offset:         offset,
		Timeout:        int(c.pollTimeout / time.Second),
		AllowedUpdates: []string{"message", "callback_query"},
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", payload, c.pollTimeout+c.requestTimeout, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// AnswerCallbackQuery acknowledges a button press.
func (c *Client) AnswerCallbackQuery(ctx context.Context, id, text string) error {
	return c.call(ctx, "answerCallbackQuery", answerCallbackRequest{CallbackQueryID: id, Text: text}, c.requestTimeout, nil)
}

// DeleteWebhook removes any webhook so long polling can be used.
func (c *Client) DeleteWebhook(ctx context.Context, dropPending bool) error {
	return c.call(ctx, "deleteWebhook", deleteWebhookRequest{DropPendingUpdates: dropPending}, c.requestTimeout, nil)
}

// GetMe returns the bot's own account.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	var me User
	if err := c.call(ctx, "getMe", struct{}{}, c.requestTimeout, &me); err != nil {
		return User{}, err
	}
	return me, nil
}

func chatIDString(id int64) string {
	return strconv.FormatInt(id, 10)
}
