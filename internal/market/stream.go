// stream.go implements the live 1m kline feed for the minute-alert
// detector. One connection subscribes to the combined stream for all
// tracked symbols; only CLOSED bars are forwarded. The connection
// auto-reconnects with exponential backoff (1s → 30s max), and a read
// deadline detects silent server failures.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamReadTimeout  = 90 * time.Second
	streamWriteTimeout = 10 * time.Second
	streamMaxBackoff   = 30 * time.Second
	barBufferSize      = 256
)

// Bar is one closed 1m kline from the stream. Times are ms since epoch.
type Bar struct {
	Symbol    string
	OpenTime  int64
	CloseTime int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// KlineStream maintains the combined kline websocket for a fixed symbol
// set and emits closed bars on Bars().
type KlineStream struct {
	url    string
	barCh  chan Bar
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn
}

// NewKlineStream builds a stream for the given symbols against the
// exchange websocket base URL (wss://fstream.binance.com).
func NewKlineStream(wsBaseURL string, symbols []string, logger *slog.Logger) *KlineStream {
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(s)+"@kline_1m")
	}
	return &KlineStream{
		url:    wsBaseURL + "/stream?streams=" + strings.Join(streams, "/"),
		barCh:  make(chan Bar, barBufferSize),
		logger: logger.With("component", "kline_stream"),
	}
}

// Bars returns the channel of closed 1m bars.
func (ks *KlineStream) Bars() <-chan Bar { return ks.barCh }

// Run connects and maintains the stream with auto-reconnect. Blocks until
// ctx is cancelled.
func (ks *KlineStream) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := ks.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ks.logger.Warn("kline stream disconnected, reconnecting",
			"error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > streamMaxBackoff {
			backoff = streamMaxBackoff
		}
	}
}

// Close closes the current connection, if any.
func (ks *KlineStream) Close() error {
	ks.connMu.Lock()
	defer ks.connMu.Unlock()
	if ks.conn != nil {
		return ks.conn.Close()
	}
	return nil
}

func (ks *KlineStream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, ks.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	ks.connMu.Lock()
	ks.conn = conn
	ks.connMu.Unlock()

	defer func() {
		ks.connMu.Lock()
		conn.Close()
		ks.conn = nil
		ks.connMu.Unlock()
	}()

	// The server pings; answering pong refreshes our read deadline.
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData),
			time.Now().Add(streamWriteTimeout))
	})

	ks.logger.Info("kline stream connected")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		ks.dispatchMessage(msg)
	}
}

// combinedKlineEvent is the combined-stream envelope around a kline event.
type combinedKlineEvent struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType string `json:"e"`
		Symbol    string `json:"s"`
		Kline     struct {
			OpenTime  int64  `json:"t"`
			CloseTime int64  `json:"T"`
			Open      string `json:"o"`
			High      string `json:"h"`
			Low       string `json:"l"`
			Close     string `json:"c"`
			Volume    string `json:"v"`
			Closed    bool   `json:"x"`
		} `json:"k"`
	} `json:"data"`
}

func (ks *KlineStream) dispatchMessage(data []byte) {
	var evt combinedKlineEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		ks.logger.Debug("ignoring non-json stream message", "data", string(data))
		return
	}
	if evt.Data.EventType != "kline" || !evt.Data.Kline.Closed {
		return
	}

	k := evt.Data.Kline
	bar := Bar{
		Symbol:    evt.Data.Symbol,
		OpenTime:  k.OpenTime,
		CloseTime: k.CloseTime,
		Open:      parseStreamFloat(k.Open),
		High:      parseStreamFloat(k.High),
		Low:       parseStreamFloat(k.Low),
		Close:     parseStreamFloat(k.Close),
		Volume:    parseStreamFloat(k.Volume),
	}

	select {
	case ks.barCh <- bar:
	default:
		ks.logger.Warn("bar channel full, dropping bar", "symbol", bar.Symbol)
	}
}

func parseStreamFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
