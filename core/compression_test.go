package core

import "testing"

func TestCompressionRoundTrip(t *testing.T) {
	trades := buildTrades(2000)
	payload, err := EncodeTrades(trades)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if payload.Count != len(trades) {
		t.Fatalf("count mismatch: got %d want %d", payload.Count, len(trades))
	}
	out, err := DecodeTrades(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(trades) {
		t.Fatalf("length mismatch after round trip: got %d want %d", len(out), len(trades))
	}
	for i := range trades {
		if out[i].Ticker != trades[i].Ticker || out[i].Method != trades[i].Method || out[i].EntryPrice.Cmp(trades[i].EntryPrice) != 0 {
			t.Fatalf("trade %d mismatch: got %+v want %+v", i, out[i], trades[i])
		}
	}
}

func TestCompressionEmptyList(t *testing.T) {
	payload, err := EncodeTrades(nil)
	if err != nil {
		t.Fatalf("encode empty: %v", err)
	}
	out, err := DecodeTrades(payload)
	if err != nil {
		t.Fatalf("decode empty: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty result, got %d", len(out))
	}
}
