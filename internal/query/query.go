// Package query unifies confirmed and unconfirmed answers for the
// external interfaces: confirmed state from the chain layer, unconfirmed
// from the mempool mirror, plus broadcast and fee estimation.
package query

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/meridianbtc/meridian/internal/chain"
	"github.com/meridianbtc/meridian/internal/config"
	"github.com/meridianbtc/meridian/internal/daemon"
	"github.com/meridianbtc/meridian/internal/logging"
	"github.com/meridianbtc/meridian/internal/mempool"
	"github.com/meridianbtc/meridian/internal/types"
)

// Daemon is the slice of the upstream RPC client the facade consumes.
type Daemon interface {
	SendRawTransaction(rawHex string) (*chainhash.Hash, error)
	EstimateSmartFees() (map[int]float64, error)
	GetNetworkInfo() (*daemon.NetworkInfo, error)
}

type Query struct {
	chain   *chain.Query
	mempool *mempool.Mempool
	daemon  Daemon

	// fee estimates and relay fee refresh on a TTL; a reader that finds
	// a stale entry upgrades to writer and refreshes inline
	feeMu  sync.RWMutex
	fees   map[int]float64 // conf target -> sat/vB
	feesAt time.Time

	relayMu  sync.RWMutex
	relayFee float64
	relayAt  time.Time
}

func New(cq *chain.Query, mp *mempool.Mempool, d Daemon) *Query {
	return &Query{chain: cq, mempool: mp, daemon: d}
}

func (q *Query) Chain() *chain.Query       { return q.chain }
func (q *Query) Mempool() *mempool.Mempool { return q.mempool }

// Utxo merges views: the confirmed set minus outpoints spent by mempool
// txs, plus outputs created in the mempool.
func (q *Query) Utxo(scriptHash types.ScriptHash) ([]types.Utxo, error) {
	confirmed, err := q.chain.Utxo(scriptHash)
	if err != nil {
		return nil, err
	}
	out := make([]types.Utxo, 0, len(confirmed))
	for _, utxo := range confirmed {
		if _, spent := q.mempool.LookupSpend(utxo.Outpoint); spent {
			continue
		}
		out = append(out, utxo)
	}
	return append(out, q.mempool.Utxos(scriptHash)...), nil
}

// HistoryItem is one history element: unconfirmed entries carry an
// unconfirmed status.
type HistoryItem struct {
	Txid   chainhash.Hash
	Status types.TxStatus
}

// HistoryTxids lists mempool entries first, then confirmed history.
func (q *Query) HistoryTxids(scriptHash types.ScriptHash, limit int) ([]HistoryItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	var items []HistoryItem
	for _, txid := range q.mempool.HistoryTxids(scriptHash) {
		items = append(items, HistoryItem{Txid: txid})
		if len(items) >= limit {
			return items, nil
		}
	}
	confirmed, err := q.chain.HistoryTxids(scriptHash, nil, limit-len(items))
	if err != nil {
		return nil, err
	}
	for i := range confirmed {
		hash := confirmed[i].BlockHash
		items = append(items, HistoryItem{
			Txid: confirmed[i].Txid,
			Status: types.TxStatus{
				Confirmed:   true,
				BlockHeight: confirmed[i].Height,
				BlockHash:   &hash,
			},
		})
	}
	return items, nil
}

// LookupTx consults the mempool first, then the confirmed store.
func (q *Query) LookupTx(txid *chainhash.Hash) (*wire.MsgTx, types.TxStatus, error) {
	if tx, ok := q.mempool.LookupTx(txid); ok {
		return tx, types.TxStatus{}, nil
	}
	tx, err := q.chain.LookupTx(txid)
	if err != nil {
		return nil, types.TxStatus{}, err
	}
	status, err := q.chain.TxStatus(txid)
	if err != nil {
		return nil, types.TxStatus{}, err
	}
	return tx, status, nil
}

// LookupRawTx is LookupTx for serialized bytes.
func (q *Query) LookupRawTx(txid *chainhash.Hash) ([]byte, error) {
	if tx, ok := q.mempool.LookupTx(txid); ok {
		var buf bytes.Buffer
		buf.Grow(tx.SerializeSize())
		if err := tx.Serialize(&buf); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return q.chain.LookupRawTx(txid)
}

// LookupSpend answers who spends an outpoint, unconfirmed spenders
// included.
func (q *Query) LookupSpend(outpoint types.Outpoint) (*types.SpendStatus, error) {
	if edge, ok := q.mempool.LookupSpend(outpoint); ok {
		return &types.SpendStatus{Spent: true, Txid: edge.Txid, Vin: edge.Vin}, nil
	}
	return q.chain.SpendingTx(outpoint)
}

// Broadcast relays a raw tx upstream and pulls it into the mempool
// mirror right away.
func (q *Query) Broadcast(rawHex string) (*chainhash.Hash, error) {
	txid, err := q.daemon.SendRawTransaction(rawHex)
	if err != nil {
		return nil, err
	}
	if err := q.mempool.AddTx(txid); err != nil {
		// the next sync pass picks it up
		logging.L.Warn().Err(err).Str("txid", txid.String()).Msg("broadcast tx not mirrored yet")
	}
	return txid, nil
}

// btcPerKvByteToSatPerVByte converts the node's fee unit.
func btcPerKvByteToSatPerVByte(rate float64) float64 {
	return rate * 1e8 / 1000
}

// FeeEstimates returns the cached conf-target -> sat/vB map, refreshing
// it once its TTL lapses.
func (q *Query) FeeEstimates() (map[int]float64, error) {
	ttl := time.Duration(config.FeeEstimateTTLSecs) * time.Second

	q.feeMu.RLock()
	fees, at := q.fees, q.feesAt
	q.feeMu.RUnlock()
	if fees != nil && time.Since(at) < ttl {
		return fees, nil
	}

	q.feeMu.Lock()
	defer q.feeMu.Unlock()
	if q.fees != nil && time.Since(q.feesAt) < ttl {
		return q.fees, nil
	}
	upstream, err := q.daemon.EstimateSmartFees()
	if err != nil {
		if q.fees != nil {
			logging.L.Warn().Err(err).Msg("serving stale fee estimates")
			return q.fees, nil
		}
		return nil, err
	}
	fees = make(map[int]float64, len(upstream))
	for target, rate := range upstream {
		fees[target] = btcPerKvByteToSatPerVByte(rate)
	}
	q.fees = fees
	q.feesAt = time.Now()
	return fees, nil
}

// EstimateFee returns the sat/vB estimate for one confirmation target.
func (q *Query) EstimateFee(confTarget int) (float64, error) {
	fees, err := q.FeeEstimates()
	if err != nil {
		return 0, err
	}
	rate, ok := fees[confTarget]
	if !ok {
		return 0, errors.New("no estimate for target")
	}
	return rate, nil
}

// RelayFee returns the node's minimum relay fee in sat/vB, cached.
func (q *Query) RelayFee() (float64, error) {
	ttl := time.Duration(config.FeeEstimateTTLSecs) * time.Second

	q.relayMu.RLock()
	fee, at := q.relayFee, q.relayAt
	q.relayMu.RUnlock()
	if !at.IsZero() && time.Since(at) < ttl {
		return fee, nil
	}

	q.relayMu.Lock()
	defer q.relayMu.Unlock()
	if !q.relayAt.IsZero() && time.Since(q.relayAt) < ttl {
		return q.relayFee, nil
	}
	info, err := q.daemon.GetNetworkInfo()
	if err != nil {
		return 0, err
	}
	q.relayFee = btcPerKvByteToSatPerVByte(info.RelayFee)
	q.relayAt = time.Now()
	return q.relayFee, nil
}
