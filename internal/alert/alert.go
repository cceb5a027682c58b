// Package alert delivers operator notifications to a DingTalk-style chat
// robot webhook. Deliveries are best-effort: with no token configured the
// sink logs and reports success, and transport failures are surfaced to the
// caller but never retried.
package alert

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"quant-terminal/internal/config"
)

// Sink posts alerts to the configured robot webhook. When a secret is set,
// each request carries the robot's timestamp+sign query parameters.
type Sink struct {
	http   *resty.Client
	token  string
	secret string
	now    func() time.Time
	logger *slog.Logger
}

// NewSink creates an alert sink. An empty token disables delivery.
func NewSink(cfg config.AlertConfig, logger *slog.Logger) *Sink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Sink{
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
		token:  cfg.Token,
		secret: cfg.Secret,
		now:    time.Now,
		logger: logger.With("component", "alert"),
	}
}

type textMessage struct {
	MsgType string `json:"msgtype"`
	Text    struct {
		Content string `json:"content"`
	} `json:"text"`
}

// Send delivers a pair-anomaly alert titled "{symbol} {timeframe} 异动".
func (s *Sink) Send(ctx context.Context, symbol, timeframe, body string) error {
	return s.SendRaw(ctx, fmt.Sprintf("%s %s 异动", symbol, timeframe), body)
}

// SendRaw delivers an alert with an arbitrary title (self-heal, stop-loss
// and reset notices). Success means the robot answered HTTP 200.
func (s *Sink) SendRaw(ctx context.Context, title, body string) error {
	if s.token == "" {
		s.logger.Info("alert skipped, no token configured", "title", title)
		return nil
	}

	var msg textMessage
	msg.MsgType = "text"
	msg.Text.Content = fmt.Sprintf("\n%s\n时间: %s\n%s",
		title, s.now().Format("2006-01-02 15:04:05"), body)

	req := s.http.R().
		SetContext(ctx).
		SetQueryParam("access_token", s.token).
		SetBody(msg)

	if s.secret != "" {
		ts := strconv.FormatInt(s.now().UnixMilli(), 10)
		req = req.
			SetQueryParam("timestamp", ts).
			SetQueryParam("sign", Sign(ts, s.secret))
	}

	resp, err := req.Post("")
	if err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("send alert: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// Sign computes the robot signature: base64(HMAC-SHA256(secret,
// "{timestamp}\n{secret}")). The value goes into a query parameter, so
// resty URL-encodes it on the wire.
func Sign(timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s\n%s", timestamp, secret)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
