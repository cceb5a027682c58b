package market

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDepthComputesImbalance(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/depth" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("symbol = %q, want BTCUSDT", got)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"lastUpdateId": 1,
			"bids":         [][]string{{"50000.0", "3.0"}, {"49999.0", "3.0"}},
			"asks":         [][]string{{"50001.0", "1.5"}, {"50002.0", "0.5"}},
		})
	}))
	defer srv.Close()

	f := testFetcher(t, srv.URL)
	snap, err := f.Depth(t.Context(), "BTCUSDT", 20)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}

	if len(snap.Bids) != 2 || len(snap.Asks) != 2 {
		t.Fatalf("levels = %d/%d, want 2/2", len(snap.Bids), len(snap.Asks))
	}
	if snap.BidVolume != 6.0 {
		t.Errorf("bid volume = %v, want 6.0", snap.BidVolume)
	}
	if snap.AskVolume != 2.0 {
		t.Errorf("ask volume = %v, want 2.0", snap.AskVolume)
	}
	// (6 - 2) / (6 + 2) = 0.5
	if math.Abs(snap.Imbalance-0.5) > 1e-9 {
		t.Errorf("imbalance = %v, want 0.5", snap.Imbalance)
	}
	if snap.Bids[0].Price != 50000.0 {
		t.Errorf("best bid = %v, want 50000", snap.Bids[0].Price)
	}
}

func TestDepthEmptyBook(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"lastUpdateId": 1, "bids": [][]string{}, "asks": [][]string{},
		})
	}))
	defer srv.Close()

	f := testFetcher(t, srv.URL)
	snap, err := f.Depth(t.Context(), "ETHUSDT", 5)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if snap.Imbalance != 0 {
		t.Errorf("imbalance of empty book = %v, want 0", snap.Imbalance)
	}
}
