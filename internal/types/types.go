// Package types holds the domain value types shared across the indexer,
// the query layers and the server.
package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ScriptHash is the SHA-256 of a scriptPubKey; the key of every per-address
// index.
type ScriptHash [32]byte

func HashScript(script []byte) ScriptHash {
	return ScriptHash(sha256.Sum256(script))
}

func (s ScriptHash) String() string {
	return hex.EncodeToString(s[:])
}

func ScriptHashFromHex(s string) (ScriptHash, error) {
	var sh ScriptHash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return sh, err
	}
	if len(raw) != 32 {
		return sh, errors.New("script hash must be 32 bytes")
	}
	copy(sh[:], raw)
	return sh, nil
}

// Outpoint identifies a transaction output.
type Outpoint struct {
	Txid chainhash.Hash
	Vout uint32
}

const SerialisedOutpointLength = 32 + 4

func (o Outpoint) Serialise() []byte {
	buf := make([]byte, SerialisedOutpointLength)
	copy(buf[:32], o.Txid[:])
	binary.BigEndian.PutUint32(buf[32:], o.Vout)
	return buf
}

func (o *Outpoint) DeSerialise(data []byte) error {
	if len(data) != SerialisedOutpointLength {
		return errors.New("outpoint is wrong length. should not happen")
	}
	copy(o.Txid[:], data[:32])
	o.Vout = binary.BigEndian.Uint32(data[32:])
	return nil
}

func (o Outpoint) String() string {
	var buf bytes.Buffer
	buf.WriteString(o.Txid.String())
	buf.WriteByte(':')
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], o.Vout)
	buf.WriteString(hex.EncodeToString(v[:]))
	return buf.String()
}

// ScriptStats are the cumulative per-script aggregates served by the stats
// query and maintained incrementally in the cache store.
type ScriptStats struct {
	TxCount        uint64 `json:"tx_count"`
	FundedTxoCount uint64 `json:"funded_txo_count"`
	FundedTxoSum   uint64 `json:"funded_txo_sum"`
	SpentTxoCount  uint64 `json:"spent_txo_count"`
	SpentTxoSum    uint64 `json:"spent_txo_sum"`
}

// HeaderEntry is one element of the in-memory best-chain header list.
type HeaderEntry struct {
	Height uint32
	Hash   chainhash.Hash
	Header wire.BlockHeader
}

// BlockMeta is the metadata stored alongside a block header.
type BlockMeta struct {
	TxCount uint32 `json:"tx_count"`
	Size    uint32 `json:"size"`
	Weight  uint32 `json:"weight"`
}

// Utxo is one unspent output owned by a script. Height 0 together with a
// zero block hash marks an unconfirmed (mempool) output.
type Utxo struct {
	Outpoint  Outpoint
	Value     uint64
	Height    uint32
	BlockHash chainhash.Hash
}

// TxStatus describes where, if anywhere, a transaction is confirmed.
type TxStatus struct {
	Confirmed   bool            `json:"confirmed"`
	BlockHeight uint32          `json:"block_height,omitempty"`
	BlockHash   *chainhash.Hash `json:"block_hash,omitempty"`
}

// SpendStatus is the answer to "who spends this outpoint".
type SpendStatus struct {
	Spent  bool
	Txid   chainhash.Hash
	Vin    uint32
	Status TxStatus
}

// ReverseBytesCopy returns a reversed copy; used to flip between network
// byte order and internal order.
func ReverseBytesCopy(in []byte) []byte {
	out := make([]byte, len(in))
	for i := range in {
		out[len(in)-1-i] = in[i]
	}
	return out
}
