// Package market provides Binance futures market data: paged candle
// retrieval, the tradable symbol universe, order-book snapshots, and a
// live kline stream. All REST access goes through per-endpoint token
// buckets so a full monitor sweep stays under the exchange limits.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/redis/go-redis/v9"

	"quant-terminal/internal/config"
	"quant-terminal/pkg/types"
)

// ErrUnavailable reports that market data could not be retrieved at all.
// Short batches after a partial failure do NOT carry this error.
var ErrUnavailable = errors.New("market data unavailable")

const (
	defaultBatchSize = 1000
	fetchTimeout     = 20 * time.Second

	symbolsTTL      = time.Hour
	symbolsCacheKey = "market:usdt_symbols"
)

// fallbackSymbols keeps the monitor alive when the exchange info endpoint
// is down and nothing is cached yet.
var fallbackSymbols = []string{
	"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT",
	"XRPUSDT", "DOGEUSDT", "ADAUSDT", "LINKUSDT",
}

// Fetcher retrieves candles and exchange metadata from Binance futures.
// The symbol universe is cached in memory for an hour, and shared through
// Redis when a client is configured.
type Fetcher struct {
	client    *futures.Client
	limits    *RateLimiter
	rdb       *redis.Client // nil disables the shared cache
	batchSize int
	logger    *slog.Logger

	symbolsMu sync.Mutex
	symbols   []string  // last successful fetch, kept past expiry
	symbolsAt time.Time // zero until the first successful fetch
}

// NewFetcher creates a market data fetcher. rdb may be nil.
func NewFetcher(cfg config.BinanceConfig, rdb *redis.Client, logger *slog.Logger) *Fetcher {
	client := futures.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}
	return &Fetcher{
		client:    client,
		limits:    NewRateLimiter(),
		rdb:       rdb,
		batchSize: defaultBatchSize,
		logger:    logger.With("component", "market"),
	}
}

// Candles fetches the most recent total candles for the pair, oldest first.
func (f *Fetcher) Candles(ctx context.Context, pair types.Pair, total int) ([]types.Candle, error) {
	return f.CandlesBefore(ctx, pair, total, 0)
}

// CandlesBefore fetches up to total candles ending at endTime (exclusive of
// anything newer; 0 means now), oldest first. Pages are requested backwards,
// each ending 1 ms before the first bar of the previous page, with at least
// one second between requests and its own timeout. A transport error after
// the first page returns the bars collected so far; only a failing first
// page returns ErrUnavailable.
func (f *Fetcher) CandlesBefore(ctx context.Context, pair types.Pair, total int, endTime int64) ([]types.Candle, error) {
	interval, ok := types.Interval(pair.Timeframe)
	if !ok {
		return nil, fmt.Errorf("unknown timeframe %q", pair.Timeframe)
	}
	if total <= 0 {
		return nil, fmt.Errorf("total must be positive, got %d", total)
	}

	var candles []types.Candle
	for len(candles) < total {
		limit := total - len(candles)
		if limit > f.batchSize {
			limit = f.batchSize
		}

		klines, err := f.fetchPage(ctx, pair.Symbol, interval, limit, endTime)
		if err != nil {
			if len(candles) > 0 {
				f.logger.Warn("candle page failed, returning partial batch",
					"pair", pair.Key(), "have", len(candles), "error", err)
				return candles, nil
			}
			return nil, fmt.Errorf("%w: klines %s %s: %w", ErrUnavailable, pair.Symbol, interval, err)
		}
		if len(klines) == 0 {
			break
		}

		page := make([]types.Candle, 0, len(klines))
		for _, k := range klines {
			c, err := parseKline(k)
			if err != nil {
				return nil, fmt.Errorf("klines %s %s: %w", pair.Symbol, interval, err)
			}
			page = append(page, c)
		}

		candles = append(page, candles...)

		// Short page means the history is exhausted.
		if len(klines) < limit {
			break
		}
		endTime = page[0].OpenTime - 1
	}

	if len(candles) > total {
		candles = candles[len(candles)-total:]
	}
	return candles, nil
}

// fetchPage requests one klines page under its own timeout, which covers
// the rate-limit wait and the request.
func (f *Fetcher) fetchPage(ctx context.Context, symbol, interval string, limit int, endTime int64) ([]*futures.Kline, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	if err := f.limits.Klines.Wait(ctx); err != nil {
		return nil, err
	}

	svc := f.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit)
	if endTime > 0 {
		svc = svc.EndTime(endTime)
	}
	return svc.Do(ctx)
}

// USDTSymbols returns the sorted USDT perpetual symbols currently trading.
// Results are cached for an hour; on failure the last cached value is
// returned, or a fixed fallback when nothing was ever fetched.
func (f *Fetcher) USDTSymbols(ctx context.Context) []string {
	f.symbolsMu.Lock()
	defer f.symbolsMu.Unlock()

	if len(f.symbols) > 0 && time.Since(f.symbolsAt) < symbolsTTL {
		return f.symbols
	}

	if cached := f.symbolsFromRedis(ctx); len(cached) > 0 {
		f.symbols = cached
		f.symbolsAt = time.Now()
		return f.symbols
	}

	symbols, err := f.fetchSymbols(ctx)
	if err != nil {
		f.logger.Warn("symbol refresh failed", "error", err)
		if len(f.symbols) > 0 {
			return f.symbols
		}
		return fallbackSymbols
	}

	f.symbols = symbols
	f.symbolsAt = time.Now()
	f.symbolsToRedis(ctx, symbols)
	return f.symbols
}

func (f *Fetcher) fetchSymbols(ctx context.Context) ([]string, error) {
	if err := f.limits.Info.Wait(ctx); err != nil {
		return nil, err
	}

	info, err := f.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("exchange info: %w", err)
	}

	symbols := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		// Delivery-dated contracts share the USDT quote; only perpetuals
		// belong in the monitor universe.
		if s.QuoteAsset == "USDT" && s.Status == "TRADING" && s.ContractType == "PERPETUAL" {
			symbols = append(symbols, s.Symbol)
		}
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("exchange info: no trading USDT symbols")
	}
	sort.Strings(symbols)
	return symbols, nil
}

func (f *Fetcher) symbolsFromRedis(ctx context.Context) []string {
	if f.rdb == nil {
		return nil
	}
	raw, err := f.rdb.Get(ctx, symbolsCacheKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			f.logger.Warn("symbol cache read failed", "error", err)
		}
		return nil
	}
	var symbols []string
	if err := json.Unmarshal([]byte(raw), &symbols); err != nil {
		f.logger.Warn("symbol cache corrupt", "error", err)
		return nil
	}
	return symbols
}

func (f *Fetcher) symbolsToRedis(ctx context.Context, symbols []string) {
	if f.rdb == nil {
		return
	}
	raw, err := json.Marshal(symbols)
	if err != nil {
		return
	}
	if err := f.rdb.Set(ctx, symbolsCacheKey, raw, symbolsTTL).Err(); err != nil {
		f.logger.Warn("symbol cache write failed", "error", err)
	}
}

func parseKline(k *futures.Kline) (types.Candle, error) {
	if k == nil {
		return types.Candle{}, errors.New("nil kline")
	}
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return types.Candle{}, fmt.Errorf("parse open %q: %w", k.Open, err)
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return types.Candle{}, fmt.Errorf("parse high %q: %w", k.High, err)
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return types.Candle{}, fmt.Errorf("parse low %q: %w", k.Low, err)
	}
	cls, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return types.Candle{}, fmt.Errorf("parse close %q: %w", k.Close, err)
	}
	vol, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return types.Candle{}, fmt.Errorf("parse volume %q: %w", k.Volume, err)
	}
	return types.Candle{
		OpenTime:  k.OpenTime,
		CloseTime: k.CloseTime,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    vol,
	}, nil
}
