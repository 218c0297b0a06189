// Package chain serves read-only queries against confirmed state and owns
// the in-memory best-chain header list.
package chain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/meridianbtc/meridian/internal/types"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrTooPopular marks a script whose history or UTXO set exceeds the
	// configured cap. First-class result, never a panic.
	ErrTooPopular = errors.New("script is too popular")
)

// HeaderList is the contiguous best-chain header sequence. No gaps, no
// branches; entry at height h links to entry at h-1 by previous-hash.
// Writers are indexer passes, readers are all chain queries.
type HeaderList struct {
	mu      sync.RWMutex
	headers []types.HeaderEntry
	heights map[chainhash.Hash]uint32
}

func NewHeaderList() *HeaderList {
	return &HeaderList{heights: make(map[chainhash.Hash]uint32)}
}

// ApplyDiff truncates the list to the height of the first new header and
// appends the new headers. The new headers must be contiguous, ascending,
// and link onto the retained prefix.
func (l *HeaderList) ApplyDiff(newHeaders []types.HeaderEntry) error {
	if len(newHeaders) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	forkHeight := newHeaders[0].Height
	if forkHeight > uint32(len(l.headers)) {
		return fmt.Errorf("header gap: applying height %d onto chain of length %d", forkHeight, len(l.headers))
	}

	for _, orphan := range l.headers[forkHeight:] {
		delete(l.heights, orphan.Hash)
	}
	l.headers = l.headers[:forkHeight]

	for _, entry := range newHeaders {
		if entry.Height != uint32(len(l.headers)) {
			return fmt.Errorf("header at height %d applied at position %d", entry.Height, len(l.headers))
		}
		if entry.Height > 0 {
			prev := l.headers[entry.Height-1]
			if entry.Header.PrevBlock != prev.Hash {
				return fmt.Errorf("header chain inconsistency at height %d: prev %s != %s",
					entry.Height, entry.Header.PrevBlock, prev.Hash)
			}
		}
		l.headers = append(l.headers, entry)
		l.heights[entry.Hash] = entry.Height
	}
	return nil
}

// Tip returns the best header; ok is false on an empty list.
func (l *HeaderList) Tip() (types.HeaderEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.headers) == 0 {
		return types.HeaderEntry{}, false
	}
	return l.headers[len(l.headers)-1], true
}

func (l *HeaderList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.headers)
}

func (l *HeaderList) HeaderByHeight(height uint32) (types.HeaderEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if height >= uint32(len(l.headers)) {
		return types.HeaderEntry{}, false
	}
	return l.headers[height], true
}

func (l *HeaderList) HeightByHash(hash *chainhash.Hash) (uint32, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	height, ok := l.heights[*hash]
	return height, ok
}

func (l *HeaderList) HeaderByHash(hash *chainhash.Hash) (types.HeaderEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	height, ok := l.heights[*hash]
	if !ok {
		return types.HeaderEntry{}, false
	}
	return l.headers[height], true
}

// Contains reports canonical-chain membership.
func (l *HeaderList) Contains(hash *chainhash.Hash) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.heights[*hash]
	return ok
}

// HashesUpTo copies the canonical hashes for heights 0..=cpHeight.
func (l *HeaderList) HashesUpTo(cpHeight uint32) ([]chainhash.Hash, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if cpHeight >= uint32(len(l.headers)) {
		return nil, fmt.Errorf("checkpoint height %d beyond tip %d", cpHeight, len(l.headers)-1)
	}
	hashes := make([]chainhash.Hash, cpHeight+1)
	for i := range hashes {
		hashes[i] = l.headers[i].Hash
	}
	return hashes, nil
}
