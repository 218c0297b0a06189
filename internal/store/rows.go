package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/meridianbtc/meridian/internal/types"
)

// Row is one key/value pair destined for a store. Batches of rows are
// sorted by key before commit.
type Row struct {
	Key   []byte
	Value []byte
}

const blockRowValueLength = wire.MaxBlockHeaderPayload + 3*4

func ValBlock(header *wire.BlockHeader, meta types.BlockMeta) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(blockRowValueLength)
	if err := header.Serialize(&buf); err != nil {
		return nil, err
	}
	var fields [12]byte
	le32(meta.TxCount, fields[0:])
	le32(meta.Size, fields[4:])
	le32(meta.Weight, fields[8:])
	buf.Write(fields[:])
	return buf.Bytes(), nil
}

func ParseBlockValue(data []byte) (*wire.BlockHeader, types.BlockMeta, error) {
	var header wire.BlockHeader
	var meta types.BlockMeta
	if len(data) != blockRowValueLength {
		return nil, meta, fmt.Errorf("block row is wrong length: %d", len(data))
	}
	if err := header.Deserialize(bytes.NewReader(data[:wire.MaxBlockHeaderPayload])); err != nil {
		return nil, meta, err
	}
	fields := data[wire.MaxBlockHeaderPayload:]
	meta.TxCount = binary.LittleEndian.Uint32(fields[0:])
	meta.Size = binary.LittleEndian.Uint32(fields[4:])
	meta.Weight = binary.LittleEndian.Uint32(fields[8:])
	return &header, meta, nil
}

func ValBlockTxids(txids []chainhash.Hash) []byte {
	out := make([]byte, 0, len(txids)*SizeTxid)
	for i := range txids {
		out = append(out, txids[i][:]...)
	}
	return out
}

func ParseBlockTxidsValue(data []byte) ([]chainhash.Hash, error) {
	if len(data)%SizeTxid != 0 {
		return nil, fmt.Errorf("block txids row is wrong length: %d", len(data))
	}
	txids := make([]chainhash.Hash, len(data)/SizeTxid)
	for i := range txids {
		copy(txids[i][:], data[i*SizeTxid:])
	}
	return txids, nil
}

func ValFundingOut(amount uint64, pkScript []byte) []byte {
	out := make([]byte, SizeAmount+len(pkScript))
	binary.LittleEndian.PutUint64(out, amount)
	copy(out[SizeAmount:], pkScript)
	return out
}

func ParseFundingOutValue(data []byte) (amount uint64, pkScript []byte, err error) {
	if len(data) < SizeAmount {
		return 0, nil, fmt.Errorf("funding out row is wrong length: %d", len(data))
	}
	amount = binary.LittleEndian.Uint64(data)
	pkScript = make([]byte, len(data)-SizeAmount)
	copy(pkScript, data[SizeAmount:])
	return amount, pkScript, nil
}

// HistoryRow is the decoded form of one H row. For funding rows Index is
// the vout and the prevout fields are zero; for spending rows Index is the
// vin and PrevTxid/PrevVout name the outpoint being debited. Value carries
// the amount of the funded, respectively spent, output.
type HistoryRow struct {
	ScriptHash types.ScriptHash
	Height     uint32
	Txid       chainhash.Hash
	Kind       byte
	Index      uint32

	Value    uint64
	PrevTxid chainhash.Hash
	PrevVout uint32
}

func (h *HistoryRow) IsFunding() bool { return h.Kind == HistoryFunding }

// FundedOutpoint is the outpoint a funding row credits.
func (h *HistoryRow) FundedOutpoint() types.Outpoint {
	return types.Outpoint{Txid: h.Txid, Vout: h.Index}
}

// SpentOutpoint is the outpoint a spending row debits.
func (h *HistoryRow) SpentOutpoint() types.Outpoint {
	return types.Outpoint{Txid: h.PrevTxid, Vout: h.PrevVout}
}

func (h *HistoryRow) Row() Row {
	key := KeyHistory(h.ScriptHash, h.Height, &h.Txid, h.Kind, h.Index)
	var value []byte
	switch h.Kind {
	case HistoryFunding:
		value = make([]byte, SizeAmount)
		binary.LittleEndian.PutUint64(value, h.Value)
	case HistorySpending:
		value = make([]byte, SizeTxid+SizeVout+SizeAmount)
		copy(value, h.PrevTxid[:])
		binary.LittleEndian.PutUint32(value[SizeTxid:], h.PrevVout)
		binary.LittleEndian.PutUint64(value[SizeTxid+SizeVout:], h.Value)
	default:
		panic("unknown history row kind")
	}
	return Row{Key: key, Value: value}
}

const historyKeyLength = 1 + 32 + SizeHeight + SizeTxid + 1 + 4

func ParseHistoryRow(key, value []byte) (HistoryRow, error) {
	var h HistoryRow
	if len(key) != historyKeyLength || key[0] != KHistory {
		return h, fmt.Errorf("history key is wrong shape: %x", key)
	}
	copy(h.ScriptHash[:], key[1:33])
	h.Height = binary.BigEndian.Uint32(key[33:37])
	copy(h.Txid[:], key[37:69])
	h.Kind = key[69]
	h.Index = binary.BigEndian.Uint32(key[70:74])

	switch h.Kind {
	case HistoryFunding:
		if len(value) != SizeAmount {
			return h, fmt.Errorf("funding history row is wrong length: %d", len(value))
		}
		h.Value = binary.LittleEndian.Uint64(value)
	case HistorySpending:
		if len(value) != SizeTxid+SizeVout+SizeAmount {
			return h, fmt.Errorf("spending history row is wrong length: %d", len(value))
		}
		copy(h.PrevTxid[:], value[:SizeTxid])
		h.PrevVout = binary.LittleEndian.Uint32(value[SizeTxid:])
		h.Value = binary.LittleEndian.Uint64(value[SizeTxid+SizeVout:])
	default:
		return h, fmt.Errorf("unknown history row kind: %c", h.Kind)
	}
	return h, nil
}

const statsCacheValueLength = 5*8 + SizeHeight

func ValStatsCache(stats types.ScriptStats, last uint32) []byte {
	out := make([]byte, statsCacheValueLength)
	binary.LittleEndian.PutUint64(out[0:], stats.TxCount)
	binary.LittleEndian.PutUint64(out[8:], stats.FundedTxoCount)
	binary.LittleEndian.PutUint64(out[16:], stats.FundedTxoSum)
	binary.LittleEndian.PutUint64(out[24:], stats.SpentTxoCount)
	binary.LittleEndian.PutUint64(out[32:], stats.SpentTxoSum)
	le32(last, out[40:])
	return out
}

func ParseStatsCacheValue(data []byte) (types.ScriptStats, uint32, error) {
	var stats types.ScriptStats
	if len(data) != statsCacheValueLength {
		return stats, 0, fmt.Errorf("stats cache row is wrong length: %d", len(data))
	}
	stats.TxCount = binary.LittleEndian.Uint64(data[0:])
	stats.FundedTxoCount = binary.LittleEndian.Uint64(data[8:])
	stats.FundedTxoSum = binary.LittleEndian.Uint64(data[16:])
	stats.SpentTxoCount = binary.LittleEndian.Uint64(data[24:])
	stats.SpentTxoSum = binary.LittleEndian.Uint64(data[32:])
	return stats, binary.LittleEndian.Uint32(data[40:]), nil
}

// CachedUtxo is one entry of the cached UTXO set of a script.
type CachedUtxo struct {
	Outpoint types.Outpoint
	Height   uint32
	Value    uint64
}

const cachedUtxoLength = types.SerialisedOutpointLength + SizeHeight + SizeAmount

func ValUtxoCache(utxos map[types.Outpoint]CachedUtxo, last uint32) []byte {
	out := make([]byte, 0, 4+len(utxos)*cachedUtxoLength+SizeHeight)
	var count [4]byte
	le32(uint32(len(utxos)), count[:])
	out = append(out, count[:]...)
	for _, u := range utxos {
		out = append(out, u.Outpoint.Serialise()...)
		var fields [SizeHeight + SizeAmount]byte
		le32(u.Height, fields[0:])
		binary.LittleEndian.PutUint64(fields[SizeHeight:], u.Value)
		out = append(out, fields[:]...)
	}
	var lastBuf [4]byte
	le32(last, lastBuf[:])
	return append(out, lastBuf[:]...)
}

func ParseUtxoCacheValue(data []byte) (map[types.Outpoint]CachedUtxo, uint32, error) {
	if len(data) < 4+SizeHeight {
		return nil, 0, fmt.Errorf("utxo cache row is wrong length: %d", len(data))
	}
	count := binary.LittleEndian.Uint32(data)
	body := data[4 : len(data)-SizeHeight]
	if uint32(len(body)) != count*cachedUtxoLength {
		return nil, 0, errors.New("utxo cache row count does not match body")
	}
	utxos := make(map[types.Outpoint]CachedUtxo, count)
	for i := uint32(0); i < count; i++ {
		entry := body[i*cachedUtxoLength:]
		var u CachedUtxo
		if err := u.Outpoint.DeSerialise(entry[:types.SerialisedOutpointLength]); err != nil {
			return nil, 0, err
		}
		u.Height = binary.LittleEndian.Uint32(entry[types.SerialisedOutpointLength:])
		u.Value = binary.LittleEndian.Uint64(entry[types.SerialisedOutpointLength+SizeHeight:])
		utxos[u.Outpoint] = u
	}
	last := binary.LittleEndian.Uint32(data[len(data)-SizeHeight:])
	return utxos, last, nil
}
