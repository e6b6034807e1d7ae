package core

// hashing.go implements the fast trade-hashing scheme from the spec: three
// equivalent single-pass interfaces over a textual framing
// "{snapshot-id}|{ticker}:{method}:{entry-price}|...". None of the variants
// embed the trade index; ordering is carried by sequence position alone, so
// all three must agree on the digest for the same logical trade list.
//
// Framing is streamed directly into the hash (crypto/sha256 picks up SHA-NI
// acceleration on supporting hardware) so a 10^6-trade portfolio never
// materializes as one allocated string.

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"math/big"
)

const tradeFieldSep = '|'
const tradeInnerSep = ':'

// writeTradeField streams one trade's "ticker:method:price" framing into h,
// preceded by the field separator shared with every other trade.
func writeTradeField(h hash.Hash, ticker, method string, price *big.Int) {
	h.Write([]byte{tradeFieldSep})
	h.Write([]byte(ticker))
	h.Write([]byte{tradeInnerSep})
	h.Write([]byte(method))
	h.Write([]byte{tradeInnerSep})
	h.Write([]byte(price.String()))
}

// TradesRoot computes the deterministic content hash of an ordered trade
// list under snapshotID.
func TradesRoot(snapshotID string, trades []Trade) Hash {
	h := sha256.New()
	h.Write([]byte(snapshotID))
	for _, t := range trades {
		writeTradeField(h, t.Ticker, t.Method, &t.EntryPrice.Int)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// paddedTicker reconstructs a synthetic ticker symbol from a columnar
// prefix/width/index triple, matching the convention used by large synthetic
// portfolios to avoid storing one string per trade.
func paddedTicker(prefix string, width, index int) string {
	return fmt.Sprintf("%s%0*d", prefix, width, index)
}

// TradesRootColumnar hashes a trade list described column-wise: tickers are
// derived from a shared prefix and zero-padded index, methods are looked up
// in a small dictionary by index, and prices are supplied directly. This
// avoids allocating a Trade struct per entry for 10^6-scale portfolios.
func TradesRootColumnar(snapshotID, tickerPrefix string, tickerPadWidth int, methodDict []string, methodIndices []int, entryPrices []BigInt) (Hash, error) {
	if len(methodIndices) != len(entryPrices) {
		return Hash{}, fmt.Errorf("hashing: methodIndices/entryPrices length mismatch (%d vs %d)", len(methodIndices), len(entryPrices))
	}
	h := sha256.New()
	h.Write([]byte(snapshotID))
	for i, mi := range methodIndices {
		if mi < 0 || mi >= len(methodDict) {
			return Hash{}, fmt.Errorf("hashing: method index %d out of range", mi)
		}
		ticker := paddedTicker(tickerPrefix, tickerPadWidth, i)
		writeTradeField(h, ticker, methodDict[mi], &entryPrices[i].Int)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}

// TradesRootFromBuffer hashes a trade list packed into a raw byte buffer:
// the first count bytes are per-trade method dictionary indices, followed by
// count 16-byte big-endian uint128 entry prices. This is the wire-efficient
// variant used when trades arrive already serialized from a columnar store.
func TradesRootFromBuffer(snapshotID, tickerPrefix string, tickerPadWidth int, methodDict []string, buf []byte, count int) (Hash, error) {
	const priceWidth = 16
	want := count + count*priceWidth
	if len(buf) < want {
		return Hash{}, fmt.Errorf("hashing: buffer too short: want >= %d bytes, got %d", want, len(buf))
	}
	h := sha256.New()
	h.Write([]byte(snapshotID))
	priceStart := count
	for i := 0; i < count; i++ {
		mi := int(buf[i])
		if mi >= len(methodDict) {
			return Hash{}, fmt.Errorf("hashing: method index %d out of range", mi)
		}
		priceBytes := buf[priceStart+i*priceWidth : priceStart+(i+1)*priceWidth]
		price := new(big.Int).SetBytes(priceBytes)
		ticker := paddedTicker(tickerPrefix, tickerPadWidth, i)
		writeTradeField(h, ticker, methodDict[mi], price)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}
