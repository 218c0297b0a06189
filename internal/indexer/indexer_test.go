package indexer

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/meridianbtc/meridian/internal/chain"
	"github.com/meridianbtc/meridian/internal/config"
	"github.com/meridianbtc/meridian/internal/store"
	"github.com/meridianbtc/meridian/internal/types"
)

// fakeNode serves a scripted chain over the narrow interfaces the indexer
// and fetcher consume.
type fakeNode struct {
	chain  []*btcutil.Block // canonical, genesis first
	orphan map[chainhash.Hash]*btcutil.Block
}

func (n *fakeNode) GetBestBlockHash() (*chainhash.Hash, error) {
	return n.chain[len(n.chain)-1].Hash(), nil
}

func (n *fakeNode) GetBlockHeaderRaw(hash *chainhash.Hash) (*wire.BlockHeader, error) {
	block, err := n.block(hash)
	if err != nil {
		return nil, err
	}
	header := block.MsgBlock().Header
	return &header, nil
}

func (n *fakeNode) GetBlocks(hashes []*chainhash.Hash) ([]*btcutil.Block, error) {
	out := make([]*btcutil.Block, len(hashes))
	for i, hash := range hashes {
		block, err := n.block(hash)
		if err != nil {
			return nil, err
		}
		out[i] = block
	}
	return out, nil
}

func (n *fakeNode) block(hash *chainhash.Hash) (*btcutil.Block, error) {
	for _, block := range n.chain {
		if *block.Hash() == *hash {
			return block, nil
		}
	}
	if block, ok := n.orphan[*hash]; ok {
		return block, nil
	}
	return nil, store.ErrNotFound
}

var (
	scriptS  = []byte{0x51, 0xaa}
	scriptS2 = []byte{0x52, 0xbb}
)

func coinbaseTx(height uint32) *wire.MsgTx {
	tx := wire.NewMsgTx(1)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&chainhash.Hash{}, wire.MaxPrevOutIndex),
		SignatureScript:  []byte{0x03, byte(height), byte(height >> 8), byte(height >> 16)},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(50_0000_0000, []byte{0x51}))
	return tx
}

func spendTx(prevTxid chainhash.Hash, prevVout uint32, outs ...*wire.TxOut) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prevTxid, prevVout), nil, nil))
	for _, out := range outs {
		tx.AddTxOut(out)
	}
	return tx
}

func newBlock(prev chainhash.Hash, nonce uint32, txs ...*wire.MsgTx) *btcutil.Block {
	utilTxs := make([]*btcutil.Tx, len(txs))
	for i, tx := range txs {
		utilTxs[i] = btcutil.NewTx(tx)
	}
	merkles := blockchain.BuildMerkleTreeStore(utilTxs, false)

	header := wire.BlockHeader{
		Version:    2,
		PrevBlock:  prev,
		MerkleRoot: *merkles[len(merkles)-1],
		Timestamp:  time.Unix(1296688602, 0),
		Bits:       0x207fffff,
		Nonce:      nonce,
	}
	msg := wire.NewMsgBlock(&header)
	for _, tx := range txs {
		if err := msg.AddTransaction(tx); err != nil {
			panic(err)
		}
	}
	return btcutil.NewBlock(msg)
}

// setupScenario builds the regtest chain of the end-to-end scenario:
// genesis, block 1 with T1 paying 100 to script S, block 2 with T2
// spending T1:0 and paying 70 to S.
func setupScenario(t *testing.T) (*Indexer, *chain.Query, *fakeNode, *store.Store, [2]chainhash.Hash) {
	t.Helper()
	oldChain := config.Chain
	config.Chain = config.Regtest
	t.Cleanup(func() { config.Chain = oldChain })

	genesis := btcutil.NewBlock(chaincfg.RegressionNetParams.GenesisBlock)
	genesisCoinbase := *genesis.Transactions()[0].Hash()

	t1 := spendTx(genesisCoinbase, 0, wire.NewTxOut(100, scriptS))
	block1 := newBlock(*genesis.Hash(), 1, coinbaseTx(1), t1)

	t2 := spendTx(t1.TxHash(), 0, wire.NewTxOut(70, scriptS))
	block2 := newBlock(*block1.Hash(), 2, coinbaseTx(2), t2)

	node := &fakeNode{
		chain:  []*btcutil.Block{genesis, block1, block2},
		orphan: make(map[chainhash.Hash]*btcutil.Block),
	}

	s, err := store.Open(t.TempDir(), store.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)

	headers := chain.NewHeaderList()
	ix := New(s, node, node, headers)
	cq := chain.NewQuery(s, headers)
	return ix, cq, node, s, [2]chainhash.Hash{t1.TxHash(), t2.TxHash()}
}

func TestUpdateIndexesChain(t *testing.T) {
	ix, cq, node, _, txids := setupScenario(t)

	tip, err := ix.Update()
	if err != nil {
		t.Fatal(err)
	}
	if *tip != *node.chain[2].Hash() {
		t.Fatalf("tip = %s, want block 2", tip)
	}

	scriptHash := types.HashScript(scriptS)
	stats, err := cq.Stats(scriptHash)
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

	utxos, err := cq.Utxo(scriptHash)
	if err != nil {
		t.Fatal(err)
	}
	if len(utxos) != 1 || utxos[0].Outpoint != (types.Outpoint{Txid: txids[1], Vout: 0}) || utxos[0].Value != 70 {
		t.Errorf("utxo = %+v, want T2:0 with 70", utxos)
	}

	// T1 confirms in block 1
	entry, found, err := cq.TxConfirmingBlock(&txids[0])
	if err != nil || !found {
		t.Fatalf("T1 not confirmed: %v", err)
	}
	if entry.Height != 1 {
		t.Errorf("T1 confirmed at height %d", entry.Height)
	}

	done, err := ix.DoneInitialSync()
	if err != nil || !done {
		t.Errorf("initial sync marker not set: %v", err)
	}
}

// A pass at tip changes nothing.
func TestUpdateAtTipIsNoop(t *testing.T) {
	ix, _, node, s, _ := setupScenario(t)
	if _, err := ix.Update(); err != nil {
		t.Fatal(err)
	}
	tipBefore, err := s.Txstore.Get(store.KeyTip)
	if err != nil {
		t.Fatal(err)
	}

	tip, err := ix.Update()
	if err != nil {
		t.Fatal(err)
	}
	if *tip != *node.chain[2].Hash() {
		t.Errorf("tip moved: %s", tip)
	}
	tipAfter, err := s.Txstore.Get(store.KeyTip)
	if err != nil {
		t.Fatal(err)
	}
	if string(tipBefore) != string(tipAfter) {
		t.Error("tip marker rewritten at tip")
	}
}

func TestReorg(t *testing.T) {
	ix, cq, node, _, txids := setupScenario(t)
	if _, err := ix.Update(); err != nil {
		t.Fatal(err)
	}

	block1 := node.chain[1]
	block2 := node.chain[2]
	coinbase1 := *block1.Transactions()[0].Hash()
	orphanedCoinbase2 := *block2.Transactions()[0].Hash()

	// replace block 2 with block 2': same T2 plus T4 paying to another
	// script out of block 1's coinbase
	t2 := block2.Transactions()[1].MsgTx()
	t4 := spendTx(coinbase1, 0, wire.NewTxOut(40, scriptS2))
	block2p := newBlock(*block1.Hash(), 999, coinbaseTx(2), t2, t4)

	node.orphan[*block2.Hash()] = block2
	node.chain = []*btcutil.Block{node.chain[0], block1, block2p}

	if _, err := ix.Update(); err != nil {
		t.Fatal(err)
	}

	entry, ok := cq.HeaderByHeight(2)
	if !ok || entry.Hash != *block2p.Hash() {
		t.Fatalf("height 2 = %s, want block 2'", entry.Hash)
	}

	// T4 confirms in block 2'
	t4id := t4.TxHash()
	confirmed, found, err := cq.TxConfirmingBlock(&t4id)
	if err != nil || !found || confirmed.Hash != *block2p.Hash() {
		t.Errorf("T4 confirming block = %+v, found=%v", confirmed, found)
	}

	// the orphaned block's coinbase confirms nowhere
	_, found, err = cq.TxConfirmingBlock(&orphanedCoinbase2)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("orphaned coinbase still confirms")
	}

	// T2 was in both branches: stats of S unchanged
	stats, err := cq.Stats(types.HashScript(scriptS))
	if err != nil {
		t.Fatal(err)
	}
	if stats.FundedTxoSum != 170 || stats.SpentTxoSum != 100 {
		t.Errorf("stats changed across reorg: %+v", stats)
	}

	// prefix queries unchanged
	t1Entry, found, err := cq.TxConfirmingBlock(&txids[0])
	if err != nil || !found || t1Entry.Height != 1 {
		t.Errorf("T1 status disturbed by reorg: %+v, found=%v", t1Entry, found)
	}
}

// Kill between phase A and phase B of a block: on restart the block rows
// exist, the indexed marker does not, and the pass completes from there.
func TestRestartAfterCrashMidIndexing(t *testing.T) {
	ix, _, node, s, _ := setupScenario(t)
	if _, err := ix.Update(); err != nil {
		t.Fatal(err)
	}

	// grow the chain by block 3
	block2 := node.chain[2]
	block3 := newBlock(*block2.Hash(), 3, coinbaseTx(3))
	node.chain = append(node.chain, block3)
	if _, err := ix.Update(); err != nil {
		t.Fatal(err)
	}

	// simulate the crash: phase B marker and tip vanish, block rows stay
	if err := s.History.Delete([][]byte{store.KeyIndexed(block3.Hash())}); err != nil {
		t.Fatal(err)
	}
	if err := s.Txstore.Write([]store.Row{{Key: store.KeyTip, Value: block2.Hash()[:]}}, store.FlushSync); err != nil {
		t.Fatal(err)
	}

	// a fresh process rebuilds its state from the store
	headers, err := LoadHeaders(s)
	if err != nil {
		t.Fatal(err)
	}
	if headers.Len() != 3 {
		t.Fatalf("recovered %d headers, want 3", headers.Len())
	}
	restarted := New(s, node, node, headers)

	tip, err := restarted.Update()
	if err != nil {
		t.Fatal(err)
	}
	if *tip != *block3.Hash() {
		t.Errorf("tip = %s, want block 3", tip)
	}
	if _, err := s.History.Get(store.KeyIndexed(block3.Hash())); err != nil {
		t.Errorf("block 3 not re-indexed: %v", err)
	}

	cq := chain.NewQuery(s, restarted.Headers())
	coinbase3 := *block3.Transactions()[0].Hash()
	entry, found, err := cq.TxConfirmingBlock(&coinbase3)
	if err != nil || !found || entry.Height != 3 {
		t.Errorf("block 3 coinbase status = %+v, found=%v", entry, found)
	}
}

func TestLoadHeadersRoundTrip(t *testing.T) {
	ix, _, node, s, _ := setupScenario(t)
	if _, err := ix.Update(); err != nil {
		t.Fatal(err)
	}

	headers, err := LoadHeaders(s)
	if err != nil {
		t.Fatal(err)
	}
	if headers.Len() != 3 {
		t.Fatalf("loaded %d headers, want 3", headers.Len())
	}
	tip, ok := headers.Tip()
	if !ok || tip.Hash != *node.chain[2].Hash() {
		t.Errorf("loaded tip = %+v", tip)
	}
}
