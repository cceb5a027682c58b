package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"quant-terminal/internal/config"
	"quant-terminal/pkg/types"
)

// Well-known throwaway key; address 0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf.
const testKeyHex = "0000000000000000000000000000000000000000000000000000000000000001"

func newTestOstium(t *testing.T, url string) *Ostium {
	t.Helper()
	o, err := NewOstium(config.OstiumConfig{BaseURL: url}, Credentials{PrivateKey: testKeyHex}, testLogger())
	if err != nil {
		t.Fatalf("NewOstium: %v", err)
	}
	return o
}

func TestOstiumRejectsBadKey(t *testing.T) {
	t.Parallel()
	if _, err := NewOstium(config.OstiumConfig{}, Credentials{PrivateKey: "nothex"}, testLogger()); err == nil {
		t.Fatal("expected error for invalid private key")
	}
}

func TestOstiumOpenSignsBody(t *testing.T) {
	t.Parallel()

	var (
		gotTrader string
		gotSig    string
		gotTS     string
		gotBody   []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/orders" {
			http.NotFound(w, r)
			return
		}
		gotTrader = r.Header.Get("X-Trader")
		gotSig = r.Header.Get("X-Signature")
		gotTS = r.Header.Get("X-Timestamp")
		gotBody, _ = io.ReadAll(r.Body)
		pairID, idx := int64(7), int64(3)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ostiumFill{
			OrderID: "ord-1", TxHash: "0xabc", Price: "2500.5", Quantity: "0.4",
			PairID: &pairID, TradeIndex: &idx,
		})
	}))
	defer srv.Close()

	o := newTestOstium(t, srv.URL)
	fill, err := o.Open(context.Background(), OpenRequest{
		Symbol:     "ETHUSD",
		Side:       types.SideLong,
		Collateral: decimal.NewFromInt(250),
		Leverage:   decimal.NewFromInt(4),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if fill.OrderID != "ord-1" || fill.PairID == nil || *fill.PairID != 7 {
		t.Errorf("unexpected fill: %+v", fill)
	}
	if !fill.Price.Equal(decimal.NewFromFloat(2500.5)) {
		t.Errorf("fill price = %s, want 2500.5", fill.Price)
	}
	if gotTrader != o.Address().Hex() {
		t.Errorf("X-Trader = %s, want %s", gotTrader, o.Address().Hex())
	}

	// The signature must recover to the trader's public key.
	sig := common.FromHex(gotSig)
	if len(sig) != 65 {
		t.Fatalf("signature length = %d, want 65", len(sig))
	}
	digest := crypto.Keccak256(append([]byte(gotTS+"\n"), gotBody...))
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		t.Fatalf("SigToPub: %v", err)
	}
	if addr := crypto.PubkeyToAddress(*pub); addr != o.Address() {
		t.Errorf("recovered address %s, want %s", addr.Hex(), o.Address().Hex())
	}
}

func TestOstiumClassifiesStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"throttled", http.StatusTooManyRequests, ErrThrottled},
		{"rejected", http.StatusUnprocessableEntity, ErrRejected},
		{"server error", http.StatusBadGateway, ErrNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			o := newTestOstium(t, srv.URL)
			_, err := o.Quote(context.Background(), "BTCUSD")
			if !errors.Is(err, tt.want) {
				t.Errorf("Quote err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestOstiumCloseSendsTradeIndex(t *testing.T) {
	t.Parallel()

	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	o := newTestOstium(t, srv.URL)
	err := o.Close(context.Background(), CloseRequest{
		Symbol: "ETHUSD", Side: types.SideLong, PairID: 7, TradeIndex: 0,
	})
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !strings.Contains(gotBody, `"trade_index":0`) {
		t.Errorf("close body should carry trade_index 0 (match latest), got %s", gotBody)
	}
	if !strings.Contains(gotBody, `"pair_id":7`) {
		t.Errorf("close body should carry pair_id 7, got %s", gotBody)
	}
}
