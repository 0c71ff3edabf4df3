package symbols

import "testing"

func testMap(t *testing.T) *Map {
	t.Helper()
	m, err := NewMap([]Entry{
		{Canonical: "BTC-USD", Native: map[string]string{"coinbase": "BTC-USD", "binance": "BTCUSDT"}},
		{Canonical: "ETH-USD", Native: map[string]string{"coinbase": "ETH-USD", "binance": "ETHUSDT"}},
	})
	if err != nil {
		t.Fatalf("NewMap: %v", err)
	}
	return m
}

func TestCanonical(t *testing.T) {
	m := testMap(t)
	tests := []struct {
		exchange string
		native   string
		want     string
		ok       bool
	}{
		{"binance", "BTCUSDT", "BTC-USD", true},
		{"Binance", "BTCUSDT", "BTC-USD", true},
		{"coinbase", "ETH-USD", "ETH-USD", true},
		{"binance", "DOGEUSDT", "", false},
		{"kraken", "BTCUSDT", "", false},
	}
	for _, tt := range tests {
		got, ok := m.Canonical(tt.exchange, tt.native)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Canonical(%s,%s)=(%s,%v) want (%s,%v)", tt.exchange, tt.native, got, ok, tt.want, tt.ok)
		}
	}
}

func TestNative(t *testing.T) {
	m := testMap(t)
	if got, ok := m.Native("binance", "ETH-USD"); !ok || got != "ETHUSDT" {
		t.Fatalf("Native(binance,ETH-USD)=(%s,%v)", got, ok)
	}
	if _, ok := m.Native("binance", "SOL-USD"); ok {
		t.Fatalf("expected miss for unmapped canonical")
	}
}

func TestCanonicalsSorted(t *testing.T) {
	m := testMap(t)
	got := m.Canonicals()
	if len(got) != 2 || got[0] != "BTC-USD" || got[1] != "ETH-USD" {
		t.Fatalf("Canonicals()=%v", got)
	}
}

func TestNewMapRejectsDuplicates(t *testing.T) {
	_, err := NewMap([]Entry{
		{Canonical: "BTC-USD", Native: map[string]string{"binance": "BTCUSDT"}},
		{Canonical: "BTC-USDT", Native: map[string]string{"binance": "BTCUSDT"}},
	})
	if err == nil {
		t.Fatalf("expected duplicate native mapping error")
	}
}

func TestNewMapRejectsEmptyEntries(t *testing.T) {
	if _, err := NewMap([]Entry{{Canonical: "", Native: map[string]string{"binance": "X"}}}); err == nil {
		t.Fatalf("expected error for empty canonical")
	}
	if _, err := NewMap([]Entry{{Canonical: "BTC-USD"}}); err == nil {
		t.Fatalf("expected error for entry without natives")
	}
}
