// Package notify subscribes to the upstream node's block notification
// socket so the main loop wakes up without waiting for the poll timer.
package notify

import (
	zmq "github.com/pebbe/zmq4"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/meridianbtc/meridian/internal/logging"
	"github.com/meridianbtc/meridian/internal/types"
)

const hashblockTopic = "hashblock"

// BlockWatcher delivers the hashes of newly announced blocks.
type BlockWatcher struct {
	sub    *zmq.Socket
	blocks chan chainhash.Hash
	quit   chan struct{}
}

// StartBlockWatcher connects a SUB socket to the node's zmqpubhashblock
// endpoint. The payload is a 32-byte hash in network byte order.
func StartBlockWatcher(endpoint string) (*BlockWatcher, error) {
	sub, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, err
	}
	if err = sub.Connect(endpoint); err != nil {
		sub.Close()
		return nil, err
	}
	if err = sub.SetSubscribe(hashblockTopic); err != nil {
		sub.Close()
		return nil, err
	}

	w := &BlockWatcher{
		sub:    sub,
		blocks: make(chan chainhash.Hash, 8),
		quit:   make(chan struct{}),
	}
	go w.run()
	logging.L.Info().Str("endpoint", endpoint).Msg("subscribed to hashblock notifications")
	return w, nil
}

// Blocks is the notification fan-in consumed by the main loop.
func (w *BlockWatcher) Blocks() <-chan chainhash.Hash { return w.blocks }

func (w *BlockWatcher) Close() {
	close(w.quit)
	if err := w.sub.Close(); err != nil {
		logging.L.Err(err).Msg("error closing zmq socket")
	}
}

func (w *BlockWatcher) run() {
	for {
		parts, err := w.sub.RecvMessageBytes(0)
		select {
		case <-w.quit:
			return
		default:
		}
		if err != nil {
			logging.L.Warn().Err(err).Msg("zmq receive failed")
			continue
		}
		// frames: topic | payload | sequence
		if len(parts) < 2 || string(parts[0]) != hashblockTopic || len(parts[1]) != chainhash.HashSize {
			continue
		}
		hash, err := chainhash.NewHash(types.ReverseBytesCopy(parts[1]))
		if err != nil {
			continue
		}
		select {
		case w.blocks <- *hash:
		default:
			// the main loop is already behind one wake-up; dropping is fine
		}
	}
}
