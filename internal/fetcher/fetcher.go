// Package fetcher supplies ordered blocks to the indexer while decoupling
// network and disk I/O from indexing CPU. The handoff channel has a single
// slot: the indexer pulls one batch while the fetcher produces the next.
package fetcher

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/meridianbtc/meridian/internal/logging"
	"github.com/meridianbtc/meridian/internal/types"
)

// rpcChunkSize bounds how many blocks one pipelined getblock call covers.
const rpcChunkSize = 100

type BlockEntry struct {
	Block *btcutil.Block
	Entry types.HeaderEntry
	Size  int
}

type BlockBatch []BlockEntry

// BlockGetter is the slice of the daemon client the RPC fetcher consumes.
type BlockGetter interface {
	GetBlocks(hashes []*chainhash.Hash) ([]*btcutil.Block, error)
}

type Fetcher struct {
	batches chan BlockBatch
	quit    chan struct{}
	err     error // set before batches is closed
}

// Batches is consumed in order; the channel closes when the fetcher is
// done or failed, after which Err reports the outcome.
func (f *Fetcher) Batches() <-chan BlockBatch { return f.batches }

// Err is only valid after Batches has been drained.
func (f *Fetcher) Err() error { return f.err }

// Cancel stops the producer at the next batch boundary. Callers must keep
// draining Batches until it closes.
func (f *Fetcher) Cancel() {
	select {
	case <-f.quit:
	default:
		close(f.quit)
	}
}

// send hands one batch to the consumer; false when cancelled.
func (f *Fetcher) send(batch BlockBatch) bool {
	select {
	case f.batches <- batch:
		return true
	case <-f.quit:
		return false
	}
}

// StartRPC pipelines getblock calls for the given headers, in order.
func StartRPC(client BlockGetter, headers []types.HeaderEntry) *Fetcher {
	f := &Fetcher{
		batches: make(chan BlockBatch, 1),
		quit:    make(chan struct{}),
	}
	go func() {
		defer close(f.batches)
		for start := 0; start < len(headers); start += rpcChunkSize {
			select {
			case <-f.quit:
				return
			default:
			}
			end := min(start+rpcChunkSize, len(headers))
			chunk := headers[start:end]

			hashes := make([]*chainhash.Hash, len(chunk))
			for i := range chunk {
				hashes[i] = &chunk[i].Hash
			}
			blocks, err := client.GetBlocks(hashes)
			if err != nil {
				logging.L.Err(err).Msg("error fetching block chunk")
				f.err = err
				return
			}

			batch := make(BlockBatch, len(blocks))
			for i, block := range blocks {
				batch[i] = BlockEntry{
					Block: block,
					Entry: chunk[i],
					Size:  block.MsgBlock().SerializeSize(),
				}
			}
			if !f.send(batch) {
				return
			}
		}
	}()
	return f
}
