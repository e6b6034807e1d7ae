package core

// compression.go implements the lossless trade-payload container from the
// spec: a compact [ticker, method, entry-price-string] JSON projection,
// gzip'd at the minimum compression level to keep encode latency bounded on
// 10^6-trade payloads, then base64-framed for JSON transport. Grounded on
// CompressLedger/DecompressLedger's gzip round-trip, swapped to
// klauspost/compress for its bounded-allocation streaming writer.

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/klauspost/compress/gzip"
)

// CompressedTrades is the self-describing container exchanged over the wire.
type CompressedTrades struct {
	Compressed     string `json:"compressed"`
	OriginalSize   int    `json:"original_size"`
	CompressedSize int    `json:"compressed_size"`
	Count          int    `json:"count"`
}

// compactTrade is the minimal [ticker, method, price] projection serialized
// for the wire; field names are omitted deliberately to keep the encoding
// compact at 10^6-trade scale.
type compactTrade [3]string

// EncodeTrades compresses an ordered trade list into its wire container.
func EncodeTrades(trades []Trade) (CompressedTrades, error) {
	projection := make([]compactTrade, len(trades))
	for i, t := range trades {
		projection[i] = compactTrade{t.Ticker, t.Method, t.EntryPrice.Int.String()}
	}
	raw, err := json.Marshal(projection)
	if err != nil {
		return CompressedTrades{}, fmt.Errorf("compression: marshal projection: %w", err)
	}

	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return CompressedTrades{}, fmt.Errorf("compression: gzip writer: %w", err)
	}
	if _, err := gw.Write(raw); err != nil {
		return CompressedTrades{}, fmt.Errorf("compression: gzip write: %w", err)
	}
	if err := gw.Close(); err != nil {
		return CompressedTrades{}, fmt.Errorf("compression: gzip close: %w", err)
	}

	return CompressedTrades{
		Compressed:     base64.StdEncoding.EncodeToString(buf.Bytes()),
		OriginalSize:   len(raw),
		CompressedSize: buf.Len(),
		Count:          len(trades),
	}, nil
}

// DecodeTrades reverses EncodeTrades, restoring the exact ordered trade list
// with prices parsed losslessly as arbitrary-precision integers.
func DecodeTrades(payload CompressedTrades) ([]Trade, error) {
	raw, err := base64.StdEncoding.DecodeString(payload.Compressed)
	if err != nil {
		return nil, fmt.Errorf("compression: base64 decode: %w", err)
	}
	gr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("compression: gzip reader: %w", err)
	}
	defer gr.Close()

	var projection []compactTrade
	if err := json.NewDecoder(gr).Decode(&projection); err != nil {
		return nil, fmt.Errorf("compression: unmarshal projection: %w", err)
	}
	if len(projection) != payload.Count {
		return nil, fmt.Errorf("compression: count mismatch: header says %d, got %d", payload.Count, len(projection))
	}

	out := make([]Trade, len(projection))
	for i, p := range projection {
		price, ok := new(big.Int).SetString(p[2], 10)
		if !ok {
			return nil, fmt.Errorf("compression: invalid price literal %q at index %d", p[2], i)
		}
		out[i] = Trade{Ticker: p[0], Method: p[1], EntryPrice: BigInt{Int: *price}}
	}
	return out, nil
}
