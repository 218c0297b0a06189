package chain

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// merkleBranch builds the branch and root for the leaf at pos. Odd levels
// duplicate the last hash before pairing; pairs hash with double-SHA256.
func merkleBranch(hashes []chainhash.Hash, pos uint32) (branch []chainhash.Hash, root chainhash.Hash) {
	if len(hashes) == 0 {
		return nil, chainhash.Hash{}
	}
	level := make([]chainhash.Hash, len(hashes))
	copy(level, hashes)

	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		sibling := pos ^ 1
		branch = append(branch, level[sibling])

		next := make([]chainhash.Hash, len(level)/2)
		for i := range next {
			var concat [64]byte
			copy(concat[:32], level[2*i][:])
			copy(concat[32:], level[2*i+1][:])
			next[i] = chainhash.DoubleHashH(concat[:])
		}
		level = next
		pos /= 2
	}
	return branch, level[0]
}

// TxMerkleProof proves the inclusion of a tx in a block: the branch of
// double-SHA256 siblings and the tx's position in the block.
func (q *Query) TxMerkleProof(txid, blockHash *chainhash.Hash) (branch []chainhash.Hash, pos uint32, err error) {
	txids, err := q.BlockTxids(blockHash)
	if err != nil {
		return nil, 0, err
	}
	found := false
	for i := range txids {
		if txids[i] == *txid {
			pos = uint32(i)
			found = true
			break
		}
	}
	if !found {
		return nil, 0, fmt.Errorf("%w: tx %s not in block %s", ErrNotFound, txid, blockHash)
	}
	branch, _ = merkleBranch(txids, pos)
	return branch, pos, nil
}

// HeaderMerkleProof proves the inclusion of the block hash at height in
// the chain of canonical hashes up to a checkpoint height.
func (q *Query) HeaderMerkleProof(height, cpHeight uint32) (branch []chainhash.Hash, root chainhash.Hash, err error) {
	if cpHeight < height {
		return nil, root, fmt.Errorf("checkpoint height %d below height %d", cpHeight, height)
	}
	hashes, err := q.headers.HashesUpTo(cpHeight)
	if err != nil {
		return nil, root, err
	}
	branch, root = merkleBranch(hashes, height)
	return branch, root, nil
}

// TxidAtPos returns the txid at a position in a block, optionally with its
// merkle branch.
func (q *Query) TxidAtPos(height uint32, pos uint32, wantBranch bool) (*chainhash.Hash, []chainhash.Hash, error) {
	entry, ok := q.headers.HeaderByHeight(height)
	if !ok {
		return nil, nil, ErrNotFound
	}
	txids, err := q.BlockTxids(&entry.Hash)
	if err != nil {
		return nil, nil, err
	}
	if pos >= uint32(len(txids)) {
		return nil, nil, fmt.Errorf("%w: position %d in block of %d txs", ErrNotFound, pos, len(txids))
	}
	txid := txids[pos]
	var branch []chainhash.Hash
	if wantBranch {
		branch, _ = merkleBranch(txids, pos)
	}
	return &txid, branch, nil
}
