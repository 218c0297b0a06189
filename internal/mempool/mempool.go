// Package mempool mirrors the upstream unconfirmed set and serves the
// same query shapes as the confirmed-chain layer for unconfirmed
// transactions.
package mempool

import (
	"errors"
	"time"

	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/meridianbtc/meridian/internal/chain"
	"github.com/meridianbtc/meridian/internal/config"
	"github.com/meridianbtc/meridian/internal/logging"
	"github.com/meridianbtc/meridian/internal/types"
)

// ErrChainTipMoved aborts a sync pass whose upstream tip moved mid-pass;
// the caller must re-run the indexer first. This closes the window where
// a freshly mined tx would still read as unconfirmed.
var ErrChainTipMoved = errors.New("chain tip moved during mempool sync")

// maxSyncIterations bounds the snapshot-fetch loop of one sync pass.
const maxSyncIterations = 10

// Daemon is the slice of the upstream RPC client the mempool consumes.
type Daemon interface {
	GetBestBlockHash() (*chainhash.Hash, error)
	GetRawMempoolTxids() ([]chainhash.Hash, error)
	GetTransactions(txids []chainhash.Hash) (map[chainhash.Hash]*wire.MsgTx, error)
}

type FeeInfo struct {
	Fee     uint64  `json:"fee"`
	VSize   uint64  `json:"vsize"`
	FeeRate float64 `json:"fee_per_vbyte"`
}

// HistoryEntry is one unconfirmed touch of a script: an output crediting
// it or an input debiting a previously credited output. Entries keep
// insertion order per script.
type HistoryEntry struct {
	Txid    chainhash.Hash
	Funding bool
	// Outpoint is the funded outpoint, respectively the spent prevout.
	Outpoint types.Outpoint
	Value    uint64
	// Vin is the spender's input index; funding entries leave it zero.
	Vin uint32
}

// SpendEdge records which unconfirmed tx input spends an outpoint.
type SpendEdge struct {
	Txid chainhash.Hash
	Vin  uint32
}

// TxOverview is one element of the recent-transactions ring.
type TxOverview struct {
	Txid  chainhash.Hash `json:"txid"`
	Fee   uint64         `json:"fee"`
	VSize uint64         `json:"vsize"`
	Value uint64         `json:"value"`
}

type BacklogStats struct {
	Count        uint32         `json:"count"`
	VSize        uint64         `json:"vsize"`
	TotalFee     uint64         `json:"total_fee"`
	FeeHistogram []HistogramBin `json:"fee_histogram"`
}

type Mempool struct {
	daemon Daemon
	chain  *chain.Query

	// one writer (the sync pass), many readers; all views below stay
	// consistent under the lock
	mu         sync.RWMutex
	txs        map[chainhash.Hash]*wire.MsgTx
	feeInfo    map[chainhash.Hash]FeeInfo
	history    map[types.ScriptHash][]HistoryEntry
	spendEdges map[types.Outpoint]SpendEdge
	recent     []TxOverview // newest first, bounded

	backlog   BacklogStats
	backlogAt time.Time
}

func New(d Daemon, cq *chain.Query) *Mempool {
	return &Mempool{
		daemon:     d,
		chain:      cq,
		txs:        make(map[chainhash.Hash]*wire.MsgTx),
		feeInfo:    make(map[chainhash.Hash]FeeInfo),
		history:    make(map[types.ScriptHash][]HistoryEntry),
		spendEdges: make(map[types.Outpoint]SpendEdge),
		backlog:    BacklogStats{FeeHistogram: []HistogramBin{}},
	}
}

// Sync reconciles the local mirror with the upstream mempool. tipAtStart
// is the chain tip the caller indexed to; the pass aborts with
// ErrChainTipMoved when upstream no longer agrees.
func (m *Mempool) Sync(tipAtStart *chainhash.Hash) error {
	for iteration := 0; iteration < maxSyncIterations; iteration++ {
		upstream, err := m.daemon.GetRawMempoolTxids()
		if err != nil {
			return err
		}
		upstreamSet := make(map[chainhash.Hash]struct{}, len(upstream))
		for _, txid := range upstream {
			upstreamSet[txid] = struct{}{}
		}

		m.evictGone(upstreamSet)

		toAdd := m.missingTxids(upstream)
		if len(toAdd) == 0 {
			m.maybeRefreshBacklog()
			return nil
		}

		fetched, err := m.daemon.GetTransactions(toAdd)
		if err != nil {
			return err
		}

		// the snapshot must still belong to the tip we indexed to
		best, err := m.daemon.GetBestBlockHash()
		if err != nil {
			return err
		}
		if *best != *tipAtStart {
			return ErrChainTipMoved
		}

		m.addTxs(fetched)

		if len(fetched) == len(toAdd) {
			m.maybeRefreshBacklog()
			return nil
		}
		// some txs vanished mid-fetch; take a fresh snapshot and go again
		logging.L.Debug().
			Int("requested", len(toAdd)).
			Int("fetched", len(fetched)).
			Msg("mempool snapshot raced an eviction, re-syncing")
	}
	logging.L.Warn().Msg("mempool sync did not settle, serving partial view")
	m.maybeRefreshBacklog()
	return nil
}

// AddTx pulls one freshly broadcast tx into the mirror without waiting
// for the next full pass.
func (m *Mempool) AddTx(txid *chainhash.Hash) error {
	fetched, err := m.daemon.GetTransactions([]chainhash.Hash{*txid})
	if err != nil {
		return err
	}
	if len(fetched) == 0 {
		return nil // already confirmed or evicted
	}
	m.addTxs(fetched)
	return nil
}

func (m *Mempool) missingTxids(upstream []chainhash.Hash) []chainhash.Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var missing []chainhash.Hash
	for _, txid := range upstream {
		if _, ok := m.txs[txid]; !ok {
			missing = append(missing, txid)
		}
	}
	return missing
}

// evictGone drops every local tx absent upstream, updating all views.
func (m *Mempool) evictGone(upstream map[chainhash.Hash]struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for txid, tx := range m.txs {
		if _, ok := upstream[txid]; !ok {
			m.removeLocked(txid, tx)
		}
	}
}

func (m *Mempool) removeLocked(txid chainhash.Hash, tx *wire.MsgTx) {
	delete(m.txs, txid)
	delete(m.feeInfo, txid)

	for _, in := range tx.TxIn {
		prev := types.Outpoint{Txid: in.PreviousOutPoint.Hash, Vout: in.PreviousOutPoint.Index}
		if edge, ok := m.spendEdges[prev]; ok && edge.Txid == txid {
			delete(m.spendEdges, prev)
		}
	}

	// spending entries of this tx live under the prevout scripts; sweep
	// every script list referencing the txid
	for scriptHash, entries := range m.history {
		kept := entries[:0]
		for _, entry := range entries {
			if entry.Txid != txid {
				kept = append(kept, entry)
			}
		}
		if len(kept) == 0 {
			delete(m.history, scriptHash)
		} else {
			m.history[scriptHash] = kept
		}
	}
}

// addTxs resolves prevouts and inserts the fetched txs into every view.
// Prevouts resolve against the same batch first (intra-mempool chains),
// then the already-mirrored txs, then the confirmed store.
func (m *Mempool) addTxs(fetched map[chainhash.Hash]*wire.MsgTx) {
	if len(fetched) == 0 {
		return
	}

	// collect prevouts that need the confirmed store
	var confirmedNeeded []types.Outpoint
	for _, tx := range fetched {
		if blockchain.IsCoinBaseTx(tx) {
			continue
		}
		for _, in := range tx.TxIn {
			prev := types.Outpoint{Txid: in.PreviousOutPoint.Hash, Vout: in.PreviousOutPoint.Index}
			if _, ok := fetched[prev.Txid]; ok {
				continue
			}
			if m.HasTx(&prev.Txid) {
				continue
			}
			confirmedNeeded = append(confirmedNeeded, prev)
		}
	}
	confirmedTxos, err := m.chain.LookupTxos(confirmedNeeded)
	if err != nil {
		logging.L.Err(err).Msg("error resolving confirmed prevouts")
		return
	}

	// resolve runs under the write lock below and may read m.txs directly
	resolve := func(prev types.Outpoint) (*chain.Txo, bool) {
		if tx, ok := fetched[prev.Txid]; ok && prev.Vout < uint32(len(tx.TxOut)) {
			out := tx.TxOut[prev.Vout]
			return &chain.Txo{Value: uint64(out.Value), PkScript: out.PkScript}, true
		}
		if tx, ok := m.txs[prev.Txid]; ok && prev.Vout < uint32(len(tx.TxOut)) {
			out := tx.TxOut[prev.Vout]
			return &chain.Txo{Value: uint64(out.Value), PkScript: out.PkScript}, true
		}
		if txo, ok := confirmedTxos[prev]; ok {
			return &txo, true
		}
		return nil, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for txid, tx := range fetched {
		m.insertLocked(txid, tx, resolve)
	}
}

func (m *Mempool) insertLocked(txid chainhash.Hash, tx *wire.MsgTx, resolve func(types.Outpoint) (*chain.Txo, bool)) {
	if _, ok := m.txs[txid]; ok {
		return
	}

	var inputSum, outputSum uint64
	type resolvedIn struct {
		prev types.Outpoint
		txo  *chain.Txo
		vin  uint32
	}
	var ins []resolvedIn

	coinbase := blockchain.IsCoinBaseTx(tx)
	if !coinbase {
		for vin, in := range tx.TxIn {
			prev := types.Outpoint{Txid: in.PreviousOutPoint.Hash, Vout: in.PreviousOutPoint.Index}
			txo, ok := resolve(prev)
			if !ok {
				// parent evicted between snapshot and now; the next pass
				// reconciles
				logging.L.Warn().
					Str("txid", txid.String()).
					Str("prevout", prev.String()).
					Msg("skipping mempool tx with unresolvable prevout")
				return
			}
			inputSum += txo.Value
			ins = append(ins, resolvedIn{prev: prev, txo: txo, vin: uint32(vin)})
		}
	}
	for _, out := range tx.TxOut {
		outputSum += uint64(out.Value)
	}

	var fee uint64
	if !coinbase && inputSum > outputSum {
		fee = inputSum - outputSum
	}
	weight := uint64(blockchain.GetTransactionWeight(btcutil.NewTx(tx)))
	vsize := (weight + 3) / 4
	info := FeeInfo{Fee: fee, VSize: vsize}
	if vsize > 0 {
		info.FeeRate = float64(fee) / float64(vsize)
	}

	m.txs[txid] = tx
	m.feeInfo[txid] = info

	for _, in := range ins {
		m.spendEdges[in.prev] = SpendEdge{Txid: txid, Vin: in.vin}
		scriptHash := types.HashScript(in.txo.PkScript)
		m.history[scriptHash] = append(m.history[scriptHash], HistoryEntry{
			Txid:     txid,
			Funding:  false,
			Outpoint: in.prev,
			Value:    in.txo.Value,
			Vin:      in.vin,
		})
	}
	for vout, out := range tx.TxOut {
		scriptHash := types.HashScript(out.PkScript)
		m.history[scriptHash] = append(m.history[scriptHash], HistoryEntry{
			Txid:     txid,
			Funding:  true,
			Outpoint: types.Outpoint{Txid: txid, Vout: uint32(vout)},
			Value:    uint64(out.Value),
		})
	}

	m.recent = append([]TxOverview{{Txid: txid, Fee: fee, VSize: vsize, Value: outputSum}}, m.recent...)
	if len(m.recent) > config.MempoolRecentSize {
		m.recent = m.recent[:config.MempoolRecentSize]
	}
}

// maybeRefreshBacklog recomputes the cached backlog stats once their TTL
// lapses.
func (m *Mempool) maybeRefreshBacklog() {
	ttl := time.Duration(config.BacklogStatsTTLSecs) * time.Second
	m.mu.Lock()
	defer m.mu.Unlock()
	if time.Since(m.backlogAt) < ttl && m.backlogAt != (time.Time{}) {
		return
	}
	stats := BacklogStats{FeeHistogram: []HistogramBin{}}
	entries := make([]FeeInfo, 0, len(m.feeInfo))
	for _, info := range m.feeInfo {
		stats.Count++
		stats.VSize += info.VSize
		stats.TotalFee += info.Fee
		entries = append(entries, info)
	}
	stats.FeeHistogram = FeeHistogram(entries)
	m.backlog = stats
	m.backlogAt = time.Now()
}

/* read side */

func (m *Mempool) HasTx(txid *chainhash.Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.txs[*txid]
	return ok
}

func (m *Mempool) LookupTx(txid *chainhash.Hash) (*wire.MsgTx, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[*txid]
	return tx, ok
}

func (m *Mempool) LookupFeeInfo(txid *chainhash.Hash) (FeeInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.feeInfo[*txid]
	return info, ok
}

// LookupSpend answers "which unconfirmed tx spends this outpoint".
func (m *Mempool) LookupSpend(outpoint types.Outpoint) (SpendEdge, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	edge, ok := m.spendEdges[outpoint]
	return edge, ok
}

// History returns the unconfirmed history entries of a script in
// insertion order.
func (m *Mempool) History(scriptHash types.ScriptHash) []HistoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.history[scriptHash]
	out := make([]HistoryEntry, len(entries))
	copy(out, entries)
	return out
}

// HistoryTxids returns the distinct txids touching a script, insertion
// order preserved.
func (m *Mempool) HistoryTxids(scriptHash types.ScriptHash) []chainhash.Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[chainhash.Hash]struct{})
	var txids []chainhash.Hash
	for _, entry := range m.history[scriptHash] {
		if _, ok := seen[entry.Txid]; ok {
			continue
		}
		seen[entry.Txid] = struct{}{}
		txids = append(txids, entry.Txid)
	}
	return txids
}

// Utxos returns the outputs a script gained in the mempool that no
// mempool tx spends.
func (m *Mempool) Utxos(scriptHash types.ScriptHash) []types.Utxo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Utxo
	for _, entry := range m.history[scriptHash] {
		if !entry.Funding {
			continue
		}
		if _, spent := m.spendEdges[entry.Outpoint]; spent {
			continue
		}
		out = append(out, types.Utxo{Outpoint: entry.Outpoint, Value: entry.Value})
	}
	return out
}

func (m *Mempool) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.txs)
}

// Recent returns up to limit of the most recently added tx overviews.
func (m *Mempool) Recent(limit int) []TxOverview {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit > len(m.recent) {
		limit = len(m.recent)
	}
	out := make([]TxOverview, limit)
	copy(out, m.recent[:limit])
	return out
}

func (m *Mempool) BacklogStats() BacklogStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.backlog
}
