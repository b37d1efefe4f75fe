package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"funding-grid-alerts/internal/engine"
)

// Publisher is the subset of *nats.Conn used for alert fan-out.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// AlertEvent is the JSON body published for each alert.
type AlertEvent struct {
	Symbol      string     `json:"symbol"`
	RatePct     float64    `json:"rate_pct"`
	LevelPct    float64    `json:"level_pct"`
	Direction   string     `json:"direction"`
	ObservedAt  time.Time  `json:"observed_at"`
	NextEventAt *time.Time `json:"next_funding_at,omitempty"`
	Text        string     `json:"text"`
}

// NATSPublisher publishes alerts to <subject>.<direction>.<symbol>.
type NATSPublisher struct {
	pub     Publisher
	subject string
	conn    *nats.Conn
	logger  zerolog.Logger
}

// ConnectNATS dials the server and returns a publisher owning the connection.
func ConnectNATS(url, subject string, logger zerolog.Logger) (*NATSPublisher, error) {
	l := logger.With().Str("component", "nats").Logger()
	conn, err := nats.Connect(url,
		nats.Name("fundingwatcher"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			l.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	p := NewNATSPublisher(conn, subject, logger)
	p.conn = conn
	return p, nil
}

// NewNATSPublisher wraps an existing publisher.
func NewNATSPublisher(pub Publisher, subject string, logger zerolog.Logger) *NATSPublisher {
	return &NATSPublisher{
		pub:     pub,
		subject: strings.TrimSuffix(subject, "."),
		logger:  logger.With().Str("component", "nats").Logger(),
	}
}

// Notify publishes one alert.
func (p *NATSPublisher) Notify(_ context.Context, alert engine.Alert) error {
	data, err := json.Marshal(AlertEvent{
		Symbol:      alert.Symbol,
		RatePct:     alert.RatePct,
		LevelPct:    alert.Level,
		Direction:   string(alert.Direction),
		ObservedAt:  alert.ObservedAt.UTC(),
		NextEventAt: alert.NextEventAt,
		Text:        alert.Text,
	})
	if err != nil {
		return fmt.Errorf("marshal alert event: %w", err)
	}
	subject := fmt.Sprintf("%s.%s.%s", p.subject, alert.Direction, alert.Symbol)
	if err := p.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug().Str("subject", subject).Msg("alert published")
	return nil
}

// Close drains the owned connection, if any.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

var _ Notifier = (*NATSPublisher)(nil)
