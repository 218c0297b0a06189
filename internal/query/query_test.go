package query

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/meridianbtc/meridian/internal/chain"
	"github.com/meridianbtc/meridian/internal/daemon"
	"github.com/meridianbtc/meridian/internal/mempool"
	"github.com/meridianbtc/meridian/internal/store"
	"github.com/meridianbtc/meridian/internal/types"
)

var (
	scriptS      = []byte{0x51, 0xaa}
	scriptSPrime = []byte{0x52, 0xbb}
)

type fakeMempoolDaemon struct {
	best  chainhash.Hash
	txids []chainhash.Hash
	txs   map[chainhash.Hash]*wire.MsgTx
}

func (f *fakeMempoolDaemon) GetBestBlockHash() (*chainhash.Hash, error) {
	best := f.best
	return &best, nil
}

func (f *fakeMempoolDaemon) GetRawMempoolTxids() ([]chainhash.Hash, error) {
	return f.txids, nil
}

func (f *fakeMempoolDaemon) GetTransactions(txids []chainhash.Hash) (map[chainhash.Hash]*wire.MsgTx, error) {
	out := make(map[chainhash.Hash]*wire.MsgTx)
	for _, txid := range txids {
		if tx, ok := f.txs[txid]; ok {
			out[txid] = tx
		}
	}
	return out, nil
}

type fakeBroadcaster struct {
	estimates     map[int]float64
	estimateCalls int
	relayFee      float64
	sent          []string
	sentTxid      chainhash.Hash
}

func (f *fakeBroadcaster) SendRawTransaction(rawHex string) (*chainhash.Hash, error) {
	f.sent = append(f.sent, rawHex)
	txid := f.sentTxid
	return &txid, nil
}

func (f *fakeBroadcaster) EstimateSmartFees() (map[int]float64, error) {
	f.estimateCalls++
	return f.estimates, nil
}

func (f *fakeBroadcaster) GetNetworkInfo() (*daemon.NetworkInfo, error) {
	return &daemon.NetworkInfo{RelayFee: f.relayFee}, nil
}

func makeHeaders(t *testing.T, n int) (*chain.HeaderList, []types.HeaderEntry) {
	t.Helper()
	entries := make([]types.HeaderEntry, n)
	var prev chainhash.Hash
	for i := 0; i < n; i++ {
		header := wire.BlockHeader{
			Version:   1,
			PrevBlock: prev,
			Timestamp: time.Unix(1231006505+int64(i)*600, 0),
			Bits:      0x207fffff,
			Nonce:     uint32(i),
		}
		entries[i] = types.HeaderEntry{Height: uint32(i), Hash: header.BlockHash(), Header: header}
		prev = entries[i].Hash
	}
	headers := chain.NewHeaderList()
	if err := headers.ApplyDiff(entries); err != nil {
		t.Fatal(err)
	}
	return headers, entries
}

// setupFacade reproduces the unconfirmed-spend scenario: T2:0 (70 to
// script S) is confirmed at height 2; T3 in the mempool spends it and
// pays 60 to script S'.
func setupFacade(t *testing.T) (*Query, chainhash.Hash, chainhash.Hash) {
	t.Helper()
	s, err := store.Open(t.TempDir(), store.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)

	headers, entries := makeHeaders(t, 3)
	cq := chain.NewQuery(s, headers)

	t2 := chainhash.Hash{0x22}
	outpoint := types.Outpoint{Txid: t2, Vout: 0}
	scriptHashS := types.HashScript(scriptS)

	err = s.History.Write([]store.Row{
		(&store.HistoryRow{
			ScriptHash: scriptHashS, Height: 2, Txid: t2,
			Kind: store.HistoryFunding, Index: 0, Value: 70,
		}).Row(),
	}, store.FlushAsync)
	if err != nil {
		t.Fatal(err)
	}
	err = s.Txstore.Write([]store.Row{
		{Key: store.KeyTxConf(&t2, &entries[2].Hash)},
		{Key: store.KeyFundingOut(outpoint), Value: store.ValFundingOut(70, scriptS)},
	}, store.FlushAsync)
	if err != nil {
		t.Fatal(err)
	}

	t3 := wire.NewMsgTx(2)
	t3.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&t2, 0), nil, nil))
	t3.AddTxOut(wire.NewTxOut(60, scriptSPrime))

	mpDaemon := &fakeMempoolDaemon{
		best:  entries[2].Hash,
		txids: []chainhash.Hash{t3.TxHash()},
		txs:   map[chainhash.Hash]*wire.MsgTx{t3.TxHash(): t3},
	}
	mp := mempool.New(mpDaemon, cq)
	if err := mp.Sync(&entries[2].Hash); err != nil {
		t.Fatal(err)
	}

	broadcaster := &fakeBroadcaster{
		estimates: map[int]float64{2: 0.00002},
		relayFee:  0.00001,
	}
	return New(cq, mp, broadcaster), t2, t3.TxHash()
}

func TestFacadeUtxoMergesViews(t *testing.T) {
	q, _, t3 := setupFacade(t)

	// the confirmed utxo of S is spent in the mempool
	utxos, err := q.Utxo(types.HashScript(scriptS))
	if err != nil {
		t.Fatal(err)
	}
	if len(utxos) != 0 {
		t.Errorf("script S utxos = %+v, want none", utxos)
	}

	// S' gained an unconfirmed output
	utxos, err = q.Utxo(types.HashScript(scriptSPrime))
	if err != nil {
		t.Fatal(err)
	}
	if len(utxos) != 1 || utxos[0].Value != 60 || utxos[0].Height != 0 {
		t.Errorf("script S' utxos = %+v, want one unconfirmed of 60", utxos)
	}
	if utxos[0].Outpoint.Txid != t3 {
		t.Errorf("utxo txid = %s, want T3", utxos[0].Outpoint.Txid)
	}
}

func TestFacadeLookupSpend(t *testing.T) {
	q, t2, t3 := setupFacade(t)

	spend, err := q.LookupSpend(types.Outpoint{Txid: t2, Vout: 0})
	if err != nil {
		t.Fatal(err)
	}
	if !spend.Spent || spend.Txid != t3 || spend.Vin != 0 {
		t.Errorf("spend = %+v, want unconfirmed T3 vin 0", spend)
	}
	if spend.Status.Confirmed {
		t.Error("mempool spend reported as confirmed")
	}
}

func TestFacadeHistoryMempoolFirst(t *testing.T) {
	q, t2, t3 := setupFacade(t)

	items, err := q.HistoryTxids(types.HashScript(scriptS), 10)
	if err != nil {
		t.Fatal(err)
	}
	// S is touched by the unconfirmed debit and the confirmed funding
	if len(items) != 2 {
		t.Fatalf("items = %+v", items)
	}
	if items[0].Txid != t3 || items[0].Status.Confirmed {
		t.Errorf("first item = %+v, want unconfirmed T3", items[0])
	}
	if items[1].Txid != t2 || !items[1].Status.Confirmed || items[1].Status.BlockHeight != 2 {
		t.Errorf("second item = %+v, want confirmed T2", items[1])
	}
}

func TestFeeEstimatesCachedAndConverted(t *testing.T) {
	q, _, _ := setupFacade(t)
	broadcaster := q.daemon.(*fakeBroadcaster)

	fees, err := q.FeeEstimates()
	if err != nil {
		t.Fatal(err)
	}
	// 0.00002 BTC/kvB = 2 sat/vB
	if fees[2] != 2 {
		t.Errorf("fee for target 2 = %f, want 2", fees[2])
	}

	if _, err := q.FeeEstimates(); err != nil {
		t.Fatal(err)
	}
	if broadcaster.estimateCalls != 1 {
		t.Errorf("upstream called %d times, want 1 (cached)", broadcaster.estimateCalls)
	}

	rate, err := q.EstimateFee(2)
	if err != nil || rate != 2 {
		t.Errorf("estimate = %f, %v", rate, err)
	}
}

func TestRelayFee(t *testing.T) {
	q, _, _ := setupFacade(t)
	fee, err := q.RelayFee()
	if err != nil {
		t.Fatal(err)
	}
	if fee != 1 { // 0.00001 BTC/kvB = 1 sat/vB
		t.Errorf("relay fee = %f, want 1", fee)
	}
}

func TestBroadcastAddsToMempool(t *testing.T) {
	q, _, _ := setupFacade(t)
	broadcaster := q.daemon.(*fakeBroadcaster)
	broadcaster.sentTxid = chainhash.Hash{0x99}

	txid, err := q.Broadcast("deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if *txid != broadcaster.sentTxid {
		t.Errorf("txid = %s", txid)
	}
	if len(broadcaster.sent) != 1 || broadcaster.sent[0] != "deadbeef" {
		t.Errorf("sent = %v", broadcaster.sent)
	}
}
