package chain

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func pairHash(left, right chainhash.Hash) chainhash.Hash {
	var concat [64]byte
	copy(concat[:32], left[:])
	copy(concat[32:], right[:])
	return chainhash.DoubleHashH(concat[:])
}

func TestMerkleBranchTwoLeaves(t *testing.T) {
	coinbase := chainhash.Hash{1}
	tx := chainhash.Hash{2}

	branch, root := merkleBranch([]chainhash.Hash{coinbase, tx}, 1)
	if len(branch) != 1 || branch[0] != coinbase {
		t.Fatalf("branch = %v, want [coinbase]", branch)
	}
	if want := pairHash(coinbase, tx); root != want {
		t.Errorf("root = %s, want %s", root, want)
	}

	// re-verify by hashing the target with its sibling
	if got := pairHash(branch[0], tx); got != root {
		t.Errorf("verification failed: %s != %s", got, root)
	}
}

// An odd level duplicates its last hash before pairing.
func TestMerkleBranchOddLevel(t *testing.T) {
	a, b, c := chainhash.Hash{1}, chainhash.Hash{2}, chainhash.Hash{3}

	branch, root := merkleBranch([]chainhash.Hash{a, b, c}, 0)
	if len(branch) != 2 {
		t.Fatalf("branch length = %d, want 2", len(branch))
	}
	if branch[0] != b {
		t.Errorf("first sibling = %s, want b", branch[0])
	}
	cc := pairHash(c, c)
	if branch[1] != cc {
		t.Errorf("second sibling = %s, want H(c||c)", branch[1])
	}
	if want := pairHash(pairHash(a, b), cc); root != want {
		t.Errorf("root = %s, want %s", root, want)
	}
}

func TestMerkleBranchSingleLeaf(t *testing.T) {
	only := chainhash.Hash{9}
	branch, root := merkleBranch([]chainhash.Hash{only}, 0)
	if len(branch) != 0 {
		t.Errorf("branch = %v, want empty", branch)
	}
	if root != only {
		t.Errorf("root = %s, want the leaf itself", root)
	}
}
