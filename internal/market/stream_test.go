package market

import (
	"log/slog"
	"os"
	"testing"
)

func newTestStream() *KlineStream {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewKlineStream("wss://example.test", []string{"BTCUSDT", "ethusdt"}, logger)
}

func TestKlineStreamURL(t *testing.T) {
	t.Parallel()

	ks := newTestStream()
	want := "wss://example.test/stream?streams=btcusdt@kline_1m/ethusdt@kline_1m"
	if ks.url != want {
		t.Errorf("url = %q, want %q", ks.url, want)
	}
}

func TestDispatchForwardsClosedBars(t *testing.T) {
	t.Parallel()

	ks := newTestStream()

	// An open (in-progress) bar must not be forwarded.
	ks.dispatchMessage([]byte(`{"stream":"btcusdt@kline_1m","data":{"e":"kline","s":"BTCUSDT",
		"k":{"t":1700000000000,"T":1700000059999,"o":"50000","h":"50100","l":"49900","c":"50050","v":"12.5","x":false}}}`))
	select {
	case bar := <-ks.Bars():
		t.Fatalf("open bar forwarded: %+v", bar)
	default:
	}

	ks.dispatchMessage([]byte(`{"stream":"btcusdt@kline_1m","data":{"e":"kline","s":"BTCUSDT",
		"k":{"t":1700000000000,"T":1700000059999,"o":"50000","h":"50100","l":"49900","c":"50050","v":"12.5","x":true}}}`))
	select {
	case bar := <-ks.Bars():
		if bar.Symbol != "BTCUSDT" || bar.Close != 50050 || bar.Volume != 12.5 {
			t.Errorf("unexpected bar: %+v", bar)
		}
		if bar.CloseTime != 1700000059999 {
			t.Errorf("close time = %d, want 1700000059999", bar.CloseTime)
		}
	default:
		t.Fatal("closed bar not forwarded")
	}
}

func TestDispatchIgnoresGarbage(t *testing.T) {
	t.Parallel()

	ks := newTestStream()
	ks.dispatchMessage([]byte("not json"))
	ks.dispatchMessage([]byte(`{"stream":"x","data":{"e":"markPriceUpdate"}}`))
	select {
	case bar := <-ks.Bars():
		t.Fatalf("unexpected bar: %+v", bar)
	default:
	}
}
