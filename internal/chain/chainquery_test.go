package chain

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/meridianbtc/meridian/internal/config"
	"github.com/meridianbtc/meridian/internal/store"
	"github.com/meridianbtc/meridian/internal/types"
)

func setupQuery(t *testing.T, chainLength int) (*Query, *store.Store, []types.HeaderEntry) {
	t.Helper()
	s, err := store.Open(t.TempDir(), store.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)

	headers := NewHeaderList()
	entries := makeChain(chainLength, 0)
	if err := headers.ApplyDiff(entries); err != nil {
		t.Fatal(err)
	}
	return NewQuery(s, headers), s, entries
}

func writeRows(t *testing.T, db *store.DB, rows []store.Row) {
	t.Helper()
	if err := db.Write(rows, store.FlushAsync); err != nil {
		t.Fatal(err)
	}
}

func confRow(txid *chainhash.Hash, blockHash *chainhash.Hash) store.Row {
	return store.Row{Key: store.KeyTxConf(txid, blockHash)}
}

// fundScript writes the scenario: T1 funds the script with 100 in block 1,
// T2 spends T1:0 and funds the script with 70 in block 2.
func fundScript(t *testing.T, s *store.Store, entries []types.HeaderEntry, scriptHash types.ScriptHash) (t1, t2 chainhash.Hash) {
	t1 = chainhash.Hash{0x11}
	t2 = chainhash.Hash{0x22}

	writeRows(t, s.History, []store.Row{
		(&store.HistoryRow{
			ScriptHash: scriptHash, Height: 1, Txid: t1,
			Kind: store.HistoryFunding, Index: 0, Value: 100,
		}).Row(),
		(&store.HistoryRow{
			ScriptHash: scriptHash, Height: 2, Txid: t2,
			Kind: store.HistorySpending, Index: 0, Value: 100,
			PrevTxid: t1, PrevVout: 0,
		}).Row(),
		(&store.HistoryRow{
			ScriptHash: scriptHash, Height: 2, Txid: t2,
			Kind: store.HistoryFunding, Index: 0, Value: 70,
		}).Row(),
	})
	writeRows(t, s.Txstore, []store.Row{
		confRow(&t1, &entries[1].Hash),
		confRow(&t2, &entries[2].Hash),
	})
	return t1, t2
}

func TestStatsAndUtxo(t *testing.T) {
	q, s, entries := setupQuery(t, 3)
	scriptHash := types.HashScript([]byte{0x51})
	_, t2 := fundScript(t, s, entries, scriptHash)

	stats, err := q.Stats(scriptHash)
	if err != nil {
		t.Fatal(err)
	}
	want := types.ScriptStats{
		TxCount:        2,
		FundedTxoCount: 2,
		FundedTxoSum:   170,
		SpentTxoCount:  1,
		SpentTxoSum:    100,
	}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}

	utxos, err := q.Utxo(scriptHash)
	if err != nil {
		t.Fatal(err)
	}
	if len(utxos) != 1 {
		t.Fatalf("got %d utxos, want 1", len(utxos))
	}
	if utxos[0].Outpoint != (types.Outpoint{Txid: t2, Vout: 0}) || utxos[0].Value != 70 {
		t.Errorf("utxo = %+v", utxos[0])
	}
	if utxos[0].Height != 2 || utxos[0].BlockHash != entries[2].Hash {
		t.Errorf("utxo block association wrong: %+v", utxos[0])
	}
}

func TestHistoryTxids(t *testing.T) {
	q, s, entries := setupQuery(t, 3)
	scriptHash := types.HashScript([]byte{0x51})
	t1, t2 := fundScript(t, s, entries, scriptHash)

	items, err := q.HistoryTxids(scriptHash, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if items[0].Txid != t1 || items[0].Height != 1 {
		t.Errorf("first item = %+v", items[0])
	}
	if items[1].Txid != t2 || items[1].Height != 2 || items[1].BlockHash != entries[2].Hash {
		t.Errorf("second item = %+v", items[1])
	}

	// resume strictly after t1
	items, err = q.HistoryTxids(scriptHash, &t1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Txid != t2 {
		t.Errorf("paginated items = %+v", items)
	}
}

func TestHistoryTxidsLimits(t *testing.T) {
	oldLimit := config.TxsLimit
	config.TxsLimit = 5
	defer func() { config.TxsLimit = oldLimit }()

	q, s, entries := setupQuery(t, 3)
	scriptHash := types.HashScript([]byte{0x51})
	fundScript(t, s, entries, scriptHash)

	items, err := q.HistoryTxids(scriptHash, nil, 0)
	if err != nil || len(items) != 0 {
		t.Errorf("limit 0: items=%v err=%v, want empty", items, err)
	}

	if _, err := q.HistoryTxids(scriptHash, nil, config.TxsLimit+1); !errors.Is(err, ErrTooPopular) {
		t.Errorf("limit cap+1 returned %v, want ErrTooPopular", err)
	}

	if _, err := q.HistoryTxids(scriptHash, nil, config.TxsLimit); err != nil {
		t.Errorf("limit = cap returned %v", err)
	}
}

// Rows left behind by an orphaned branch must not count: the tx confirms
// nowhere on the canonical chain.
func TestOrphanedRowsIgnored(t *testing.T) {
	q, s, entries := setupQuery(t, 3)
	scriptHash := types.HashScript([]byte{0x51})
	fundScript(t, s, entries, scriptHash)

	orphanTx := chainhash.Hash{0x33}
	orphanBlock := chainhash.Hash{0xee} // not on the canonical chain
	writeRows(t, s.History, []store.Row{
		(&store.HistoryRow{
			ScriptHash: scriptHash, Height: 2, Txid: orphanTx,
			Kind: store.HistoryFunding, Index: 0, Value: 999,
		}).Row(),
	})
	writeRows(t, s.Txstore, []store.Row{confRow(&orphanTx, &orphanBlock)})

	stats, err := q.Stats(scriptHash)
	if err != nil {
		t.Fatal(err)
	}
	if stats.FundedTxoSum != 170 || stats.TxCount != 2 {
		t.Errorf("orphaned row counted: %+v", stats)
	}

	utxos, err := q.Utxo(scriptHash)
	if err != nil {
		t.Fatal(err)
	}
	if len(utxos) != 1 {
		t.Errorf("orphaned utxo served: %+v", utxos)
	}
}

func TestUtxoCacheWriteBackAndStaleness(t *testing.T) {
	oldMin := config.UtxoCacheMinItems
	config.UtxoCacheMinItems = 0
	defer func() { config.UtxoCacheMinItems = oldMin }()

	q, s, entries := setupQuery(t, 3)
	scriptHash := types.HashScript([]byte{0x51})
	_, t2 := fundScript(t, s, entries, scriptHash)

	if _, err := q.Utxo(scriptHash); err != nil {
		t.Fatal(err)
	}
	cached, err := s.Cache.Get(store.KeyUtxoCache(scriptHash))
	if err != nil {
		t.Fatal("no cache row written:", err)
	}
	set, last, err := store.ParseUtxoCacheValue(cached)
	if err != nil {
		t.Fatal(err)
	}
	if last != 2 || len(set) != 1 {
		t.Errorf("cache row = %v at %d, want 1 utxo at tip 2", set, last)
	}

	// a cache claiming a last height beyond the tip is from an orphaned
	// branch: discard and recompute
	writeRows(t, s.Cache, []store.Row{{
		Key:   store.KeyUtxoCache(scriptHash),
		Value: store.ValUtxoCache(nil, 50),
	}})
	utxos, err := q.Utxo(scriptHash)
	if err != nil {
		t.Fatal(err)
	}
	if len(utxos) != 1 || utxos[0].Outpoint.Txid != t2 {
		t.Errorf("stale cache not discarded: %+v", utxos)
	}
}

func TestUtxoTooPopular(t *testing.T) {
	oldLimit := config.UtxosLimit
	config.UtxosLimit = 1
	defer func() { config.UtxosLimit = oldLimit }()

	q, s, entries := setupQuery(t, 3)
	scriptHash := types.HashScript([]byte{0x52})

	// one live utxo: exactly at the limit, fine
	t1 := chainhash.Hash{0x41}
	writeRows(t, s.History, []store.Row{
		(&store.HistoryRow{
			ScriptHash: scriptHash, Height: 1, Txid: t1,
			Kind: store.HistoryFunding, Index: 0, Value: 10,
		}).Row(),
	})
	writeRows(t, s.Txstore, []store.Row{confRow(&t1, &entries[1].Hash)})
	if _, err := q.Utxo(scriptHash); err != nil {
		t.Fatalf("limit-sized set failed: %v", err)
	}

	// one more pushes it over
	t2 := chainhash.Hash{0x42}
	writeRows(t, s.History, []store.Row{
		(&store.HistoryRow{
			ScriptHash: scriptHash, Height: 2, Txid: t2,
			Kind: store.HistoryFunding, Index: 0, Value: 11,
		}).Row(),
	})
	writeRows(t, s.Txstore, []store.Row{confRow(&t2, &entries[2].Hash)})
	if _, err := q.Utxo(scriptHash); !errors.Is(err, ErrTooPopular) {
		t.Errorf("oversized set returned %v, want ErrTooPopular", err)
	}
}

func TestSpendingTx(t *testing.T) {
	q, s, entries := setupQuery(t, 3)
	scriptHash := types.HashScript([]byte{0x51})
	t1, t2 := fundScript(t, s, entries, scriptHash)

	// the spend lookup needs the funding-out row to find the script
	writeRows(t, s.Txstore, []store.Row{{
		Key:   store.KeyFundingOut(types.Outpoint{Txid: t1, Vout: 0}),
		Value: store.ValFundingOut(100, []byte{0x51}),
	}})

	spend, err := q.SpendingTx(types.Outpoint{Txid: t1, Vout: 0})
	if err != nil {
		t.Fatal(err)
	}
	if !spend.Spent || spend.Txid != t2 || spend.Vin != 0 {
		t.Errorf("spend = %+v", spend)
	}
	if !spend.Status.Confirmed || spend.Status.BlockHeight != 2 {
		t.Errorf("spend status = %+v", spend.Status)
	}
}
