package indexer

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"

	"github.com/meridianbtc/meridian/internal/chain"
	"github.com/meridianbtc/meridian/internal/config"
	"github.com/meridianbtc/meridian/internal/fetcher"
	"github.com/meridianbtc/meridian/internal/logging"
	"github.com/meridianbtc/meridian/internal/store"
	"github.com/meridianbtc/meridian/internal/types"
)

type Indexer struct {
	store   *store.Store
	daemon  Daemon
	blocks  fetcher.BlockGetter
	headers *chain.HeaderList
}

func New(s *store.Store, d Daemon, blocks fetcher.BlockGetter, headers *chain.HeaderList) *Indexer {
	return &Indexer{store: s, daemon: d, blocks: blocks, headers: headers}
}

func (ix *Indexer) Headers() *chain.HeaderList { return ix.headers }

// DoneInitialSync reports whether history indexing has caught up at least
// once.
func (ix *Indexer) DoneInitialSync() (bool, error) {
	_, err := ix.store.Txstore.Get(store.KeyDoneSync)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Update advances the indexes to the upstream best hash and returns the
// new tip. One pass: discover headers, detect reorg, add (phase A), index
// (phase B), then publish the new header chain and tip marker.
func (ix *Indexer) Update() (*chainhash.Hash, error) {
	best, err := ix.daemon.GetBestBlockHash()
	if err != nil {
		return nil, err
	}
	if tip, ok := ix.headers.Tip(); ok && tip.Hash == *best {
		return best, nil // already at tip; no rows change
	}

	newHeaders, err := ix.getNewHeaders(best)
	if err != nil {
		return nil, err
	}
	if len(newHeaders) == 0 {
		return best, nil
	}

	if tip, ok := ix.headers.Tip(); ok && newHeaders[0].Height <= tip.Height {
		// the orphaned rows stay in place; best-chain rows written below
		// take precedence once the header list is re-applied, and stale
		// cache rows self-invalidate via last-indexed-height > tip
		logging.L.Warn().
			Uint32("fork_height", newHeaders[0].Height).
			Uint32("old_tip", tip.Height).
			Str("new_best", best.String()).
			Msg("chain reorganization detected")
	}
	logging.L.Info().
		Int("blocks", len(newHeaders)).
		Uint32("from", newHeaders[0].Height).
		Uint32("to", newHeaders[len(newHeaders)-1].Height).
		Msg("indexing new blocks")

	if err := ix.indexBlocks(newHeaders); err != nil {
		return nil, err
	}

	if err := ix.headers.ApplyDiff(newHeaders); err != nil {
		// a linkage failure here is a contract violation, not a transient
		logging.L.Err(err).Msg("header chain inconsistency")
		return nil, err
	}

	// the tip marker is the last write of the pass: an observer that reads
	// it is guaranteed every block at or below it is fully indexed
	tipRow := store.Row{Key: store.KeyTip, Value: best[:]}
	if err := ix.store.Txstore.Write([]store.Row{tipRow}, store.FlushSync); err != nil {
		return nil, err
	}

	if done, err := ix.DoneInitialSync(); err != nil {
		return nil, err
	} else if !done {
		row := store.Row{Key: store.KeyDoneSync, Value: []byte{1}}
		if err := ix.store.Txstore.Write([]store.Row{row}, store.FlushSync); err != nil {
			return nil, err
		}
		logging.L.Info().Str("tip", best.String()).Msg("initial sync complete")
	}
	return best, nil
}

// startFetcher picks the block source for this pass: the node's block
// files for a cold initial sync, pipelined RPC otherwise.
func (ix *Indexer) startFetcher(headers []types.HeaderEntry) (*fetcher.Fetcher, error) {
	done, err := ix.DoneInitialSync()
	if err != nil {
		return nil, err
	}
	if !done && config.BlocksDir != "" && !config.JSONRPCImport {
		logging.L.Info().Str("blocks_dir", config.BlocksDir).Msg("bulk loading from block files")
		return fetcher.StartBlockFiles(config.BlocksDir, headers), nil
	}
	return fetcher.StartRPC(ix.blocks, headers), nil
}

// indexBlocks runs both phases over the new headers, batch by batch.
// Phase A of a batch completes strictly before phase B of that batch, so
// every prevout is resolvable from the store by the time a spending row
// is built.
func (ix *Indexer) indexBlocks(headers []types.HeaderEntry) error {
	needWork := make([]types.HeaderEntry, 0, len(headers))
	for _, entry := range headers {
		added, err := ix.hasBlockRow(ix.store.Txstore, store.KeyBlock(&entry.Hash))
		if err != nil {
			return err
		}
		indexed, err := ix.hasBlockRow(ix.store.History, store.KeyIndexed(&entry.Hash))
		if err != nil {
			return err
		}
		if !added || !indexed {
			needWork = append(needWork, entry)
		}
	}
	if len(needWork) == 0 {
		return nil
	}

	f, err := ix.startFetcher(needWork)
	if err != nil {
		return err
	}
	defer f.Cancel()

	for batch := range f.Batches() {
		if err := ix.addBatch(batch); err == nil {
			err = ix.indexBatch(batch)
		}
		if err != nil {
			f.Cancel()
			for range f.Batches() {
			}
			return err
		}
	}
	return f.Err()
}

func (ix *Indexer) hasBlockRow(db *store.DB, key []byte) (bool, error) {
	_, err := db.Get(key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// buildParallel constructs per-block rows on a worker pool sized to CPU
// count and returns them in block order.
func buildParallel(batch fetcher.BlockBatch, build func(i int, e *fetcher.BlockEntry) ([]store.Row, error)) ([][]store.Row, error) {
	rows := make([][]store.Row, len(batch))
	errs := make([]error, len(batch))

	var wg sync.WaitGroup
	workers := config.MaxCPUCores
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	for i := range batch {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			rows[i], errs[i] = build(i, &batch[i])
		}(i)
	}
	wg.Wait()

	for i := range batch {
		if errs[i] != nil {
			logging.L.Err(errs[i]).
				Str("blockhash", batch[i].Entry.Hash.String()).
				Uint32("height", batch[i].Entry.Height).
				Msg("error building block rows")
			return nil, errs[i]
		}
	}
	return rows, nil
}

// addBatch is phase A: block row, block-txids row, transaction rows and
// funding-out rows, for blocks not yet added. Batched per block, Async
// flush.
func (ix *Indexer) addBatch(batch fetcher.BlockBatch) error {
	rows, err := buildParallel(batch, func(_ int, e *fetcher.BlockEntry) ([]store.Row, error) {
		added, err := ix.hasBlockRow(ix.store.Txstore, store.KeyBlock(&e.Entry.Hash))
		if err != nil || added {
			return nil, err
		}
		return addRows(e)
	})
	if err != nil {
		return err
	}
	for i := range rows {
		if rows[i] == nil {
			continue // already added; nothing to do in phase A
		}
		if err := ix.store.Txstore.Write(rows[i], store.FlushAsync); err != nil {
			return err
		}
	}
	return nil
}

func addRows(e *fetcher.BlockEntry) ([]store.Row, error) {
	msg := e.Block.MsgBlock()
	txs := e.Block.Transactions()

	rows := make([]store.Row, 0, 2+2*len(txs))
	meta := types.BlockMeta{
		TxCount: uint32(len(txs)),
		Size:    uint32(e.Size),
		Weight:  uint32(blockchain.GetBlockWeight(e.Block)),
	}
	blockVal, err := store.ValBlock(&msg.Header, meta)
	if err != nil {
		return nil, err
	}
	rows = append(rows, store.Row{Key: store.KeyBlock(&e.Entry.Hash), Value: blockVal})

	txids := make([]chainhash.Hash, len(txs))
	for i, tx := range txs {
		txids[i] = *tx.Hash()
	}
	rows = append(rows, store.Row{Key: store.KeyBlockTxids(&e.Entry.Hash), Value: store.ValBlockTxids(txids)})

	for _, tx := range txs {
		var raw bytes.Buffer
		raw.Grow(tx.MsgTx().SerializeSize())
		if err := tx.MsgTx().Serialize(&raw); err != nil {
			return nil, err
		}
		rows = append(rows, store.Row{Key: store.KeyTx(tx.Hash()), Value: raw.Bytes()})

		for vout, out := range tx.MsgTx().TxOut {
			if !indexableOutput(out.PkScript) {
				continue
			}
			outpoint := types.Outpoint{Txid: *tx.Hash(), Vout: uint32(vout)}
			rows = append(rows, store.Row{
				Key:   store.KeyFundingOut(outpoint),
				Value: store.ValFundingOut(uint64(out.Value), out.PkScript),
			})
		}
	}
	return rows, nil
}

// indexBatch is phase B: history rows, confirmation rows and the
// per-block indexed marker, for blocks not yet indexed. Prevouts resolve
// against the batch itself first, then the store. The marker commits in
// the same atomic batch as the block's history rows; the confirmation
// rows are written to txstore before it.
func (ix *Indexer) indexBatch(batch fetcher.BlockBatch) error {
	// outputs of this batch, for intra-batch prevout resolution
	batchOuts := make(map[types.Outpoint]*chain.Txo)
	for i := range batch {
		for _, tx := range batch[i].Block.Transactions() {
			for vout, out := range tx.MsgTx().TxOut {
				outpoint := types.Outpoint{Txid: *tx.Hash(), Vout: uint32(vout)}
				batchOuts[outpoint] = &chain.Txo{Value: uint64(out.Value), PkScript: out.PkScript}
			}
		}
	}

	histRows := make([][]store.Row, len(batch))
	confRows := make([][]store.Row, len(batch))
	_, err := buildParallel(batch, func(i int, e *fetcher.BlockEntry) ([]store.Row, error) {
		indexed, err := ix.hasBlockRow(ix.store.History, store.KeyIndexed(&e.Entry.Hash))
		if err != nil || indexed {
			return nil, err
		}
		histRows[i], confRows[i], err = ix.indexRows(e, batchOuts)
		return nil, err
	})
	if err != nil {
		return err
	}

	for i := range batch {
		if confRows[i] == nil {
			continue // already indexed; nothing to do in phase B
		}
		if err := ix.store.Txstore.Write(confRows[i], store.FlushAsync); err != nil {
			return err
		}
		rows := append(histRows[i], store.Row{Key: store.KeyIndexed(&batch[i].Entry.Hash)})
		if err := ix.store.History.Write(rows, store.FlushAsync); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Indexer) indexRows(e *fetcher.BlockEntry, batchOuts map[types.Outpoint]*chain.Txo) (histRows, confRows []store.Row, err error) {
	height := e.Entry.Height

	for _, tx := range e.Block.Transactions() {
		txid := *tx.Hash()
		confRows = append(confRows, store.Row{Key: store.KeyTxConf(&txid, &e.Entry.Hash)})

		for vout, out := range tx.MsgTx().TxOut {
			if !indexableOutput(out.PkScript) {
				continue
			}
			hrow := store.HistoryRow{
				ScriptHash: types.HashScript(out.PkScript),
				Height:     height,
				Txid:       txid,
				Kind:       store.HistoryFunding,
				Index:      uint32(vout),
				Value:      uint64(out.Value),
			}
			histRows = append(histRows, hrow.Row())
		}

		if blockchain.IsCoinBaseTx(tx.MsgTx()) {
			continue // the coinbase input has no prevout
		}
		for vin, in := range tx.MsgTx().TxIn {
			prev := types.Outpoint{Txid: in.PreviousOutPoint.Hash, Vout: in.PreviousOutPoint.Index}
			txo, err := ix.resolvePrevout(prev, batchOuts)
			if err != nil {
				return nil, nil, err
			}
			hrow := store.HistoryRow{
				ScriptHash: types.HashScript(txo.PkScript),
				Height:     height,
				Txid:       txid,
				Kind:       store.HistorySpending,
				Index:      uint32(vin),
				Value:      txo.Value,
				PrevTxid:   prev.Txid,
				PrevVout:   prev.Vout,
			}
			histRows = append(histRows, hrow.Row())
		}
	}
	return histRows, confRows, nil
}

// resolvePrevout finds the funding output of a spend: same batch first,
// then the store. A missing prevout violates the phase ordering contract
// and is fatal.
func (ix *Indexer) resolvePrevout(prev types.Outpoint, batchOuts map[types.Outpoint]*chain.Txo) (*chain.Txo, error) {
	if txo, ok := batchOuts[prev]; ok {
		return txo, nil
	}
	data, err := ix.store.Txstore.Get(store.KeyFundingOut(prev))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("missing prevout %s during indexing", prev)
	}
	if err != nil {
		return nil, err
	}
	value, pkScript, err := store.ParseFundingOutValue(data)
	if err != nil {
		return nil, err
	}
	return &chain.Txo{Value: value, PkScript: pkScript}, nil
}

// indexableOutput gates provably unspendable outputs per configuration.
func indexableOutput(pkScript []byte) bool {
	if config.IndexUnspendables {
		return true
	}
	return !txscript.IsUnspendable(pkScript)
}
