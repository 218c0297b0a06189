package store

import (
	"bytes"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/meridianbtc/meridian/internal/types"
)

func hashFromByte(b byte) chainhash.Hash {
	var h chainhash.Hash
	for i := range h {
		h[i] = b
	}
	return h
}

func TestBlockRowRoundTrip(t *testing.T) {
	header := wire.BlockHeader{
		Version:    2,
		PrevBlock:  hashFromByte(0xaa),
		MerkleRoot: hashFromByte(0xbb),
		Timestamp:  time.Unix(1231006505, 0),
		Bits:       0x1d00ffff,
		Nonce:      2083236893,
	}
	meta := types.BlockMeta{TxCount: 4, Size: 1234, Weight: 4000}

	value, err := ValBlock(&header, meta)
	if err != nil {
		t.Fatal(err)
	}
	gotHeader, gotMeta, err := ParseBlockValue(value)
	if err != nil {
		t.Fatal(err)
	}
	if gotHeader.BlockHash() != header.BlockHash() {
		t.Errorf("header hash mismatch: %s != %s", gotHeader.BlockHash(), header.BlockHash())
	}
	if gotMeta != meta {
		t.Errorf("meta mismatch: %+v != %+v", gotMeta, meta)
	}
}

func TestBlockTxidsRoundTrip(t *testing.T) {
	txids := []chainhash.Hash{hashFromByte(1), hashFromByte(2), hashFromByte(3)}
	parsed, err := ParseBlockTxidsValue(ValBlockTxids(txids))
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed) != len(txids) {
		t.Fatalf("got %d txids, want %d", len(parsed), len(txids))
	}
	for i := range txids {
		if parsed[i] != txids[i] {
			t.Errorf("txid %d mismatch", i)
		}
	}

	if _, err := ParseBlockTxidsValue(make([]byte, 33)); err == nil {
		t.Error("expected error for misaligned txids row")
	}
}

func TestFundingOutRoundTrip(t *testing.T) {
	script := []byte{0x00, 0x14, 0xde, 0xad, 0xbe, 0xef}
	amount, gotScript, err := ParseFundingOutValue(ValFundingOut(5000, script))
	if err != nil {
		t.Fatal(err)
	}
	if amount != 5000 {
		t.Errorf("amount = %d, want 5000", amount)
	}
	if !bytes.Equal(gotScript, script) {
		t.Errorf("script mismatch: %x != %x", gotScript, script)
	}
}

func TestHistoryRowRoundTrip(t *testing.T) {
	scriptHash := types.HashScript([]byte{0x51})
	funding := HistoryRow{
		ScriptHash: scriptHash,
		Height:     100,
		Txid:       hashFromByte(7),
		Kind:       HistoryFunding,
		Index:      2,
		Value:      1500,
	}
	row := funding.Row()
	parsed, err := ParseHistoryRow(row.Key, row.Value)
	if err != nil {
		t.Fatal(err)
	}
	if parsed != funding {
		t.Errorf("funding row mismatch: %+v != %+v", parsed, funding)
	}
	if !parsed.IsFunding() {
		t.Error("funding row not recognized")
	}
	if got := parsed.FundedOutpoint(); got != (types.Outpoint{Txid: hashFromByte(7), Vout: 2}) {
		t.Errorf("funded outpoint mismatch: %v", got)
	}

	spending := HistoryRow{
		ScriptHash: scriptHash,
		Height:     101,
		Txid:       hashFromByte(8),
		Kind:       HistorySpending,
		Index:      0,
		Value:      1500,
		PrevTxid:   hashFromByte(7),
		PrevVout:   2,
	}
	row = spending.Row()
	parsed, err = ParseHistoryRow(row.Key, row.Value)
	if err != nil {
		t.Fatal(err)
	}
	if parsed != spending {
		t.Errorf("spending row mismatch: %+v != %+v", parsed, spending)
	}
	if got := parsed.SpentOutpoint(); got != (types.Outpoint{Txid: hashFromByte(7), Vout: 2}) {
		t.Errorf("spent outpoint mismatch: %v", got)
	}
}

// Height order in history keys must match byte order so prefix scans walk
// confirmations in numeric order.
func TestHistoryKeyOrder(t *testing.T) {
	scriptHash := types.HashScript([]byte{0x51})
	txid := hashFromByte(1)

	heights := []uint32{0, 1, 255, 256, 65535, 1 << 20}
	var prev []byte
	for _, height := range heights {
		key := KeyHistory(scriptHash, height, &txid, HistoryFunding, 0)
		if prev != nil && bytes.Compare(prev, key) >= 0 {
			t.Errorf("key for height %d does not sort after previous", height)
		}
		prev = key
	}

	// funding sorts before spending for one tx at one height
	fund := KeyHistory(scriptHash, 10, &txid, HistoryFunding, 0)
	spend := KeyHistory(scriptHash, 10, &txid, HistorySpending, 0)
	if bytes.Compare(fund, spend) >= 0 {
		t.Error("funding key does not sort before spending key")
	}
}

func TestStatsCacheRoundTrip(t *testing.T) {
	stats := types.ScriptStats{
		TxCount:        2,
		FundedTxoCount: 2,
		FundedTxoSum:   170,
		SpentTxoCount:  1,
		SpentTxoSum:    100,
	}
	gotStats, last, err := ParseStatsCacheValue(ValStatsCache(stats, 42))
	if err != nil {
		t.Fatal(err)
	}
	if gotStats != stats {
		t.Errorf("stats mismatch: %+v != %+v", gotStats, stats)
	}
	if last != 42 {
		t.Errorf("last = %d, want 42", last)
	}
}

func TestUtxoCacheRoundTrip(t *testing.T) {
	utxos := map[types.Outpoint]CachedUtxo{}
	for i := byte(0); i < 5; i++ {
		op := types.Outpoint{Txid: hashFromByte(i), Vout: uint32(i)}
		utxos[op] = CachedUtxo{Outpoint: op, Height: uint32(100 + i), Value: uint64(1000 * int(i+1))}
	}
	got, last, err := ParseUtxoCacheValue(ValUtxoCache(utxos, 123))
	if err != nil {
		t.Fatal(err)
	}
	if last != 123 {
		t.Errorf("last = %d, want 123", last)
	}
	if len(got) != len(utxos) {
		t.Fatalf("got %d utxos, want %d", len(got), len(utxos))
	}
	for op, want := range utxos {
		if got[op] != want {
			t.Errorf("utxo %v mismatch: %+v != %+v", op, got[op], want)
		}
	}

	empty, last, err := ParseUtxoCacheValue(ValUtxoCache(nil, 7))
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 || last != 7 {
		t.Errorf("empty set round trip failed: %v, %d", empty, last)
	}
}

func TestUpperBound(t *testing.T) {
	cases := []struct {
		prefix []byte
		want   []byte
	}{
		{[]byte{0x48}, []byte{0x49}},
		{[]byte{0x48, 0xff}, []byte{0x49}},
		{[]byte{0xff, 0xff}, nil},
	}
	for _, tc := range cases {
		if got := upperBound(tc.prefix); !bytes.Equal(got, tc.want) {
			t.Errorf("upperBound(%x) = %x, want %x", tc.prefix, got, tc.want)
		}
	}
}
