// Package indexer advances the on-disk indexes from the current tip to
// the upstream best hash.
package indexer

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/meridianbtc/meridian/internal/chain"
	"github.com/meridianbtc/meridian/internal/config"
	"github.com/meridianbtc/meridian/internal/logging"
	"github.com/meridianbtc/meridian/internal/store"
	"github.com/meridianbtc/meridian/internal/types"
)

// Daemon is the slice of the upstream RPC client the indexer consumes for
// header discovery. Block supply goes through the fetcher.
type Daemon interface {
	GetBestBlockHash() (*chainhash.Hash, error)
	GetBlockHeaderRaw(hash *chainhash.Hash) (*wire.BlockHeader, error)
}

// getNewHeaders walks backwards from the upstream best hash, collecting
// headers until it reaches one already on our chain; this locates the
// divergence point. Returns the new headers in ascending height order.
func (ix *Indexer) getNewHeaders(best *chainhash.Hash) ([]types.HeaderEntry, error) {
	var collected []types.HeaderEntry // newest first
	cursor := *best

	for {
		if _, ok := ix.headers.HeightByHash(&cursor); ok {
			break // divergence point: already ours
		}
		header, err := ix.daemon.GetBlockHeaderRaw(&cursor)
		if err != nil {
			logging.L.Err(err).Str("blockhash", cursor.String()).Msg("error walking headers")
			return nil, err
		}
		collected = append(collected, types.HeaderEntry{Hash: cursor, Header: *header})
		if header.PrevBlock == (chainhash.Hash{}) {
			// reached genesis
			if cursor != *config.GenesisHash() {
				return nil, fmt.Errorf("genesis mismatch: got %s, want %s", cursor, config.GenesisHash())
			}
			break
		}
		cursor = header.PrevBlock
	}

	// reverse into ascending order and assign heights
	var base uint32
	if len(collected) > 0 {
		last := collected[len(collected)-1]
		if last.Header.PrevBlock != (chainhash.Hash{}) {
			divergence, ok := ix.headers.HeightByHash(&last.Header.PrevBlock)
			if !ok {
				return nil, fmt.Errorf("header chain inconsistency: parent %s unknown", last.Header.PrevBlock)
			}
			base = divergence + 1
		}
	}

	out := make([]types.HeaderEntry, len(collected))
	for i := range collected {
		out[i] = collected[len(collected)-1-i]
		out[i].Height = base + uint32(i)
	}
	return out, nil
}

// LoadHeaders rebuilds the in-memory header list from the persisted tip
// marker and block rows. A fresh database yields an empty list.
func LoadHeaders(s *store.Store) (*chain.HeaderList, error) {
	headers := chain.NewHeaderList()

	tipData, err := s.Txstore.Get(store.KeyTip)
	if errors.Is(err, store.ErrNotFound) {
		return headers, nil
	}
	if err != nil {
		return nil, err
	}
	tip, err := chainhash.NewHash(tipData)
	if err != nil {
		return nil, err
	}

	var entries []types.HeaderEntry // collected tip-first
	cursor := *tip
	for {
		data, err := s.Txstore.Get(store.KeyBlock(&cursor))
		if err != nil {
			logging.L.Err(err).Str("blockhash", cursor.String()).Msg("tip chain has no block row")
			return nil, fmt.Errorf("header chain inconsistency at %s: %w", cursor, err)
		}
		header, _, err := store.ParseBlockValue(data)
		if err != nil {
			return nil, err
		}
		entries = append(entries, types.HeaderEntry{Hash: cursor, Header: *header})
		if header.PrevBlock == (chainhash.Hash{}) {
			break
		}
		cursor = header.PrevBlock
	}

	ordered := make([]types.HeaderEntry, len(entries))
	for i := range entries {
		ordered[i] = entries[len(entries)-1-i]
		ordered[i].Height = uint32(i)
	}
	if err := headers.ApplyDiff(ordered); err != nil {
		return nil, err
	}
	logging.L.Info().
		Int("headers", len(ordered)).
		Str("tip", tip.String()).
		Msg("loaded header chain from store")
	return headers, nil
}
