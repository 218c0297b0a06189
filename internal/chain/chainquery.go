package chain

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/meridianbtc/meridian/internal/config"
	"github.com/meridianbtc/meridian/internal/logging"
	"github.com/meridianbtc/meridian/internal/store"
	"github.com/meridianbtc/meridian/internal/types"
)

// Query serves read-only queries against confirmed state. It holds the
// store and the header list; it never writes to txstore or history, only
// to the cache store.
type Query struct {
	store   *store.Store
	headers *HeaderList
}

func NewQuery(s *store.Store, headers *HeaderList) *Query {
	return &Query{store: s, headers: headers}
}

func (q *Query) Headers() *HeaderList { return q.headers }

func (q *Query) BestHeader() (types.HeaderEntry, bool) {
	return q.headers.Tip()
}

func (q *Query) HeaderByHash(hash *chainhash.Hash) (types.HeaderEntry, bool) {
	return q.headers.HeaderByHash(hash)
}

func (q *Query) HeaderByHeight(height uint32) (types.HeaderEntry, bool) {
	return q.headers.HeaderByHeight(height)
}

func (q *Query) HashByHeight(height uint32) (*chainhash.Hash, bool) {
	entry, ok := q.headers.HeaderByHeight(height)
	if !ok {
		return nil, false
	}
	return &entry.Hash, true
}

// BlockMeta reads the header and block metadata row.
func (q *Query) BlockMeta(hash *chainhash.Hash) (*wire.BlockHeader, types.BlockMeta, error) {
	data, err := q.store.Txstore.Get(store.KeyBlock(hash))
	if errors.Is(err, store.ErrNotFound) {
		return nil, types.BlockMeta{}, ErrNotFound
	}
	if err != nil {
		return nil, types.BlockMeta{}, err
	}
	return store.ParseBlockValue(data)
}

func (q *Query) BlockTxids(hash *chainhash.Hash) ([]chainhash.Hash, error) {
	data, err := q.store.Txstore.Get(store.KeyBlockTxids(hash))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return store.ParseBlockTxidsValue(data)
}

// BlockRaw reassembles the raw block bytes from the header row, the txids
// row and the individual transaction rows. No second copy of the block is
// kept on disk.
func (q *Query) BlockRaw(hash *chainhash.Hash) ([]byte, error) {
	header, meta, err := q.BlockMeta(hash)
	if err != nil {
		return nil, err
	}
	txids, err := q.BlockTxids(hash)
	if err != nil {
		return nil, err
	}
	if uint32(len(txids)) != meta.TxCount {
		return nil, fmt.Errorf("block %s has %d txids, meta says %d", hash, len(txids), meta.TxCount)
	}

	var buf bytes.Buffer
	buf.Grow(int(meta.Size))
	if err := header.Serialize(&buf); err != nil {
		return nil, err
	}
	if err := wire.WriteVarInt(&buf, 0, uint64(len(txids))); err != nil {
		return nil, err
	}
	for i := range txids {
		raw, err := q.LookupRawTx(&txids[i])
		if err != nil {
			logging.L.Err(err).Str("txid", txids[i].String()).Msg("missing tx row during block assembly")
			return nil, err
		}
		buf.Write(raw)
	}
	return buf.Bytes(), nil
}

func (q *Query) LookupRawTx(txid *chainhash.Hash) ([]byte, error) {
	data, err := q.store.Txstore.Get(store.KeyTx(txid))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return data, err
}

func (q *Query) LookupTx(txid *chainhash.Hash) (*wire.MsgTx, error) {
	raw, err := q.LookupRawTx(txid)
	if err != nil {
		return nil, err
	}
	var msg wire.MsgTx
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		logging.L.Err(err).Str("txid", txid.String()).Msg("error deserialising tx row")
		return nil, err
	}
	return &msg, nil
}

// TxConfirmingBlock scans the confirmation rows of a tx and intersects
// them with the canonical chain. A tx can carry confirmation rows from
// orphaned blocks; at most one row is canonical.
func (q *Query) TxConfirmingBlock(txid *chainhash.Hash) (types.HeaderEntry, bool, error) {
	lower, upper := store.BoundsTxConf(txid)
	it, err := q.store.Txstore.Iter(lower, upper)
	if err != nil {
		return types.HeaderEntry{}, false, err
	}
	defer it.Close()

	for it.Next() {
		key := it.Key()
		var blockHash chainhash.Hash
		copy(blockHash[:], key[1+store.SizeTxid:])
		if entry, ok := q.headers.HeaderByHash(&blockHash); ok {
			return entry, true, nil
		}
	}
	return types.HeaderEntry{}, false, nil
}

// TxStatus resolves the confirmation status served to clients.
func (q *Query) TxStatus(txid *chainhash.Hash) (types.TxStatus, error) {
	entry, ok, err := q.TxConfirmingBlock(txid)
	if err != nil || !ok {
		return types.TxStatus{}, err
	}
	hash := entry.Hash
	return types.TxStatus{Confirmed: true, BlockHeight: entry.Height, BlockHash: &hash}, nil
}

// Txo is a resolved funding output.
type Txo struct {
	Value    uint64
	PkScript []byte
}

// LookupTxos resolves funding outputs with parallel point reads. Missing
// outpoints are absent from the result map.
func (q *Query) LookupTxos(outpoints []types.Outpoint) (map[types.Outpoint]Txo, error) {
	results := make([]*Txo, len(outpoints))
	errs := make([]error, len(outpoints))

	var wg sync.WaitGroup
	sem := make(chan struct{}, config.MaxParallelRequests)
	for i := range outpoints {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			data, err := q.store.Txstore.Get(store.KeyFundingOut(outpoints[i]))
			if errors.Is(err, store.ErrNotFound) {
				return
			}
			if err != nil {
				errs[i] = err
				return
			}
			amount, pkScript, err := store.ParseFundingOutValue(data)
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = &Txo{Value: amount, PkScript: pkScript}
		}(i)
	}
	wg.Wait()

	out := make(map[types.Outpoint]Txo, len(outpoints))
	for i := range outpoints {
		if errs[i] != nil {
			return nil, errs[i]
		}
		if results[i] != nil {
			out[outpoints[i]] = *results[i]
		}
	}
	return out, nil
}

// TxHistoryItem is one confirmed history element: a txid and its
// confirming block.
type TxHistoryItem struct {
	Txid      chainhash.Hash
	Height    uint32
	BlockHash chainhash.Hash
}

// canonicalRowFilter drops history rows left behind by orphaned branches:
// a row only counts when its tx confirms canonically at the row's height.
// Lookups are memoized per scan.
type canonicalRowFilter struct {
	q      *Query
	byTxid map[chainhash.Hash]*types.HeaderEntry
}

func newCanonicalRowFilter(q *Query) *canonicalRowFilter {
	return &canonicalRowFilter{q: q, byTxid: make(map[chainhash.Hash]*types.HeaderEntry)}
}

func (f *canonicalRowFilter) keep(row *store.HistoryRow) (bool, error) {
	entry, ok := f.byTxid[row.Txid]
	if !ok {
		confirmed, found, err := f.q.TxConfirmingBlock(&row.Txid)
		if err != nil {
			return false, err
		}
		if found {
			entry = &confirmed
		}
		f.byTxid[row.Txid] = entry
	}
	return entry != nil && entry.Height == row.Height, nil
}

// historyScan walks the history rows of a script at heights in
// [from, upTo], canonical rows only, in key order.
func (q *Query) historyScan(scriptHash types.ScriptHash, from, upTo uint32, fn func(row *store.HistoryRow) error) (int, error) {
	lower, upper := store.BoundsHistoryFrom(scriptHash, from)
	it, err := q.store.History.Iter(lower, upper)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	filter := newCanonicalRowFilter(q)
	processed := 0
	for it.Next() {
		row, err := store.ParseHistoryRow(it.Key(), it.Value())
		if err != nil {
			logging.L.Err(err).Msg("malformed history row")
			return processed, err
		}
		if row.Height > upTo {
			break
		}
		ok, err := filter.keep(&row)
		if err != nil {
			return processed, err
		}
		if !ok {
			continue
		}
		processed++
		if err := fn(&row); err != nil {
			return processed, err
		}
	}
	return processed, nil
}

// HistoryTxids groups consecutive history rows sharing a txid and returns
// (txid, block) pairs in confirmation order. Pagination resumes strictly
// after lastSeen. A call that could return more than the configured cap
// errors with ErrTooPopular without computing the result.
func (q *Query) HistoryTxids(scriptHash types.ScriptHash, lastSeen *chainhash.Hash, limit int) ([]TxHistoryItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	if limit > config.TxsLimit {
		return nil, ErrTooPopular
	}

	tip, ok := q.headers.Tip()
	if !ok {
		return nil, nil
	}

	var items []TxHistoryItem
	skipping := lastSeen != nil
	var lastTxid *chainhash.Hash
	_, err := q.historyScan(scriptHash, 0, tip.Height, func(row *store.HistoryRow) error {
		if lastTxid != nil && *lastTxid == row.Txid {
			return nil // same group
		}
		txid := row.Txid
		lastTxid = &txid

		if skipping {
			if row.Txid == *lastSeen {
				skipping = false
			}
			return nil
		}
		if len(items) >= limit {
			return errStopScan
		}
		entry, _ := q.headers.HeaderByHeight(row.Height)
		items = append(items, TxHistoryItem{Txid: row.Txid, Height: row.Height, BlockHash: entry.Hash})
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return nil, err
	}
	return items, nil
}

var errStopScan = errors.New("stop scan")

// TxWithStatus is a dereferenced history element.
type TxWithStatus struct {
	Txid   chainhash.Hash
	Tx     *wire.MsgTx
	Status types.TxStatus
}

// History is HistoryTxids with the transactions dereferenced.
func (q *Query) History(scriptHash types.ScriptHash, lastSeen *chainhash.Hash, limit int) ([]TxWithStatus, error) {
	items, err := q.HistoryTxids(scriptHash, lastSeen, limit)
	if err != nil {
		return nil, err
	}
	out := make([]TxWithStatus, 0, len(items))
	for i := range items {
		tx, err := q.LookupTx(&items[i].Txid)
		if err != nil {
			logging.L.Err(err).Str("txid", items[i].Txid.String()).Msg("history txid has no tx row")
			return nil, err
		}
		hash := items[i].BlockHash
		out = append(out, TxWithStatus{
			Txid: items[i].Txid,
			Tx:   tx,
			Status: types.TxStatus{
				Confirmed:   true,
				BlockHeight: items[i].Height,
				BlockHash:   &hash,
			},
		})
	}
	return out, nil
}

// SpendingTx locates the confirmed tx spending an outpoint by scanning
// the history of the script the outpoint funded.
func (q *Query) SpendingTx(outpoint types.Outpoint) (*types.SpendStatus, error) {
	txos, err := q.LookupTxos([]types.Outpoint{outpoint})
	if err != nil {
		return nil, err
	}
	txo, ok := txos[outpoint]
	if !ok {
		return nil, ErrNotFound
	}

	tip, tipOk := q.headers.Tip()
	if !tipOk {
		return &types.SpendStatus{}, nil
	}

	var spend *types.SpendStatus
	scriptHash := types.HashScript(txo.PkScript)
	_, err = q.historyScan(scriptHash, 0, tip.Height, func(row *store.HistoryRow) error {
		if row.IsFunding() || row.SpentOutpoint() != outpoint {
			return nil
		}
		entry, _ := q.headers.HeaderByHeight(row.Height)
		hash := entry.Hash
		spend = &types.SpendStatus{
			Spent: true,
			Txid:  row.Txid,
			Vin:   row.Index,
			Status: types.TxStatus{
				Confirmed:   true,
				BlockHeight: row.Height,
				BlockHash:   &hash,
			},
		}
		return errStopScan
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return nil, err
	}
	if spend == nil {
		return &types.SpendStatus{}, nil
	}
	return spend, nil
}

// Utxo returns the current unspent outpoints of a script, maintained
// incrementally: load the cached set, replay history rows above its
// last-indexed height, write the updated cache back when enough rows were
// processed. A cache whose last height exceeds the current tip belongs to
// an orphaned branch and is discarded.
func (q *Query) Utxo(scriptHash types.ScriptHash) ([]types.Utxo, error) {
	tip, ok := q.headers.Tip()
	if !ok {
		return nil, nil
	}
	limit := config.UtxosLimit

	utxos := make(map[types.Outpoint]store.CachedUtxo)
	var from uint32

	cached, err := q.store.Cache.Get(store.KeyUtxoCache(scriptHash))
	if err == nil {
		set, last, perr := store.ParseUtxoCacheValue(cached)
		if perr != nil {
			logging.L.Warn().Err(perr).Msg("dropping malformed utxo cache row")
		} else if last <= tip.Height {
			utxos = set
			from = last + 1
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	processed, err := q.historyScan(scriptHash, from, tip.Height, func(row *store.HistoryRow) error {
		if row.IsFunding() {
			utxos[row.FundedOutpoint()] = store.CachedUtxo{
				Outpoint: row.FundedOutpoint(),
				Height:   row.Height,
				Value:    row.Value,
			}
		} else {
			delete(utxos, row.SpentOutpoint())
		}
		if len(utxos) > limit {
			return ErrTooPopular
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if processed > config.UtxoCacheMinItems {
		err = q.store.Cache.Write([]store.Row{{
			Key:   store.KeyUtxoCache(scriptHash),
			Value: store.ValUtxoCache(utxos, tip.Height),
		}}, store.FlushAsync)
		if err != nil {
			logging.L.Warn().Err(err).Msg("error writing utxo cache row")
		}
	}

	out := make([]types.Utxo, 0, len(utxos))
	for _, u := range utxos {
		entry, _ := q.headers.HeaderByHeight(u.Height)
		out = append(out, types.Utxo{
			Outpoint:  u.Outpoint,
			Value:     u.Value,
			Height:    u.Height,
			BlockHash: entry.Hash,
		})
	}
	return out, nil
}

// Stats accumulates the per-script aggregates with the same caching
// pattern as Utxo.
func (q *Query) Stats(scriptHash types.ScriptHash) (types.ScriptStats, error) {
	var stats types.ScriptStats
	tip, ok := q.headers.Tip()
	if !ok {
		return stats, nil
	}

	var from uint32
	cached, err := q.store.Cache.Get(store.KeyStatsCache(scriptHash))
	if err == nil {
		s, last, perr := store.ParseStatsCacheValue(cached)
		if perr != nil {
			logging.L.Warn().Err(perr).Msg("dropping malformed stats cache row")
		} else if last <= tip.Height {
			stats = s
			from = last + 1
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return stats, err
	}

	var lastTxid *chainhash.Hash
	processed, err := q.historyScan(scriptHash, from, tip.Height, func(row *store.HistoryRow) error {
		if lastTxid == nil || *lastTxid != row.Txid {
			txid := row.Txid
			lastTxid = &txid
			stats.TxCount++
		}
		if row.IsFunding() {
			stats.FundedTxoCount++
			stats.FundedTxoSum += row.Value
		} else {
			stats.SpentTxoCount++
			stats.SpentTxoSum += row.Value
		}
		return nil
	})
	if err != nil {
		return types.ScriptStats{}, err
	}

	if processed > config.UtxoCacheMinItems {
		err = q.store.Cache.Write([]store.Row{{
			Key:   store.KeyStatsCache(scriptHash),
			Value: store.ValStatsCache(stats, tip.Height),
		}}, store.FlushAsync)
		if err != nil {
			logging.L.Warn().Err(err).Msg("error writing stats cache row")
		}
	}
	return stats, nil
}
