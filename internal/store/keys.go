package store

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/meridianbtc/meridian/internal/types"
)

const (
	SizeHash   = 32
	SizeTxid   = 32
	SizeHeight = 4
	SizeVout   = 4
	SizeVin    = 4
	SizeAmount = 8
)

// Row tags. One byte, followed by the typed key fields.
const (
	// txstore
	KBlock      = 'B' // B|hash -> header + meta
	KBlockTxids = 'X' // X|hash -> txids in block order
	KTx         = 'T' // T|txid -> raw tx
	KTxConf     = 'C' // C|txid|blockhash -> ()
	KFundingOut = 'O' // O|txid|vout -> amount + scriptPubKey
	KIndexed    = 'M' // M|hash -> (); phase B done for this block

	// history
	KHistory = 'H' // H|scripthash|height|txid|kind|index -> funding/spending info

	// cache
	KStatsCache = 'A' // A|scripthash -> stats + last height
	KUtxoCache  = 'U' // U|scripthash -> utxo set + last height
)

// Singleton keys in txstore.
var (
	KeyTip      = []byte("t")
	KeyDoneSync = []byte("n")
	KeyVersion  = []byte("V")
)

// History row kind markers. 'F' sorts before 'S' so funding and spending
// rows of one tx stay adjacent and ordered.
const (
	HistoryFunding  = 'F'
	HistorySpending = 'S'
)

func be32(v uint32, dst []byte) {
	binary.BigEndian.PutUint32(dst, v)
}

func le32(v uint32, dst []byte) {
	binary.LittleEndian.PutUint32(dst, v)
}

func KeyBlock(hash *chainhash.Hash) []byte {
	key := make([]byte, 1+SizeHash)
	key[0] = KBlock
	copy(key[1:], hash[:])
	return key
}

func KeyBlockTxids(hash *chainhash.Hash) []byte {
	key := make([]byte, 1+SizeHash)
	key[0] = KBlockTxids
	copy(key[1:], hash[:])
	return key
}

func KeyTx(txid *chainhash.Hash) []byte {
	key := make([]byte, 1+SizeTxid)
	key[0] = KTx
	copy(key[1:], txid[:])
	return key
}

func KeyTxConf(txid, blockHash *chainhash.Hash) []byte {
	key := make([]byte, 1+SizeTxid+SizeHash)
	key[0] = KTxConf
	copy(key[1:], txid[:])
	copy(key[1+SizeTxid:], blockHash[:])
	return key
}

// BoundsTxConf covers every block a tx was ever confirmed in.
func BoundsTxConf(txid *chainhash.Hash) (lower, upper []byte) {
	lower = make([]byte, 1+SizeTxid)
	lower[0] = KTxConf
	copy(lower[1:], txid[:])
	return lower, upperBound(lower)
}

func KeyFundingOut(outpoint types.Outpoint) []byte {
	key := make([]byte, 1+SizeTxid+SizeVout)
	key[0] = KFundingOut
	copy(key[1:], outpoint.Txid[:])
	le32(outpoint.Vout, key[1+SizeTxid:])
	return key
}

func KeyIndexed(hash *chainhash.Hash) []byte {
	key := make([]byte, 1+SizeHash)
	key[0] = KIndexed
	copy(key[1:], hash[:])
	return key
}

// KeyHistory builds the central index key. Heights are big-endian so the
// byte order of a prefix scan matches the numeric order of confirmation.
func KeyHistory(scriptHash types.ScriptHash, height uint32, txid *chainhash.Hash, kind byte, index uint32) []byte {
	key := make([]byte, 1+32+SizeHeight+SizeTxid+1+4)
	key[0] = KHistory
	copy(key[1:], scriptHash[:])
	be32(height, key[33:])
	copy(key[37:], txid[:])
	key[69] = kind
	be32(index, key[70:])
	return key
}

// BoundsHistory covers every history row of one script.
func BoundsHistory(scriptHash types.ScriptHash) (lower, upper []byte) {
	lower = make([]byte, 1+32)
	lower[0] = KHistory
	copy(lower[1:], scriptHash[:])
	return lower, upperBound(lower)
}

// BoundsHistoryFrom covers history rows of one script at heights >= from.
func BoundsHistoryFrom(scriptHash types.ScriptHash, from uint32) (lower, upper []byte) {
	lower = make([]byte, 1+32+SizeHeight)
	lower[0] = KHistory
	copy(lower[1:], scriptHash[:])
	be32(from, lower[33:])
	prefix := make([]byte, 1+32)
	prefix[0] = KHistory
	copy(prefix[1:], scriptHash[:])
	return lower, upperBound(prefix)
}

func KeyStatsCache(scriptHash types.ScriptHash) []byte {
	key := make([]byte, 1+32)
	key[0] = KStatsCache
	copy(key[1:], scriptHash[:])
	return key
}

func KeyUtxoCache(scriptHash types.ScriptHash) []byte {
	key := make([]byte, 1+32)
	key[0] = KUtxoCache
	copy(key[1:], scriptHash[:])
	return key
}

// upperBound returns the smallest key greater than every key starting with
// prefix.
func upperBound(prefix []byte) []byte {
	out := make([]byte, len(prefix))
	copy(out, prefix)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil // prefix is all 0xff; no upper bound
}
