package daemon

import (
	"bytes"
	"encoding/hex"
	"encoding/json"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/meridianbtc/meridian/internal/logging"
)

// getBlockChunkSize bounds how many getblock calls share one pipelined
// batch request.
const getBlockChunkSize = 100

// FeeTargets are the confirmation targets pre-fetched for fee estimation.
var FeeTargets = []int{
	1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20,
	21, 22, 23, 24, 25, 144, 504, 1008,
}

func (c *Client) GetBlockchainInfo() (*BlockchainInfo, error) {
	var info BlockchainInfo
	if err := c.call("getblockchaininfo", &info); err != nil {
		logging.L.Err(err).Msg("error getting blockchain info")
		return nil, err
	}
	return &info, nil
}

func (c *Client) GetNetworkInfo() (*NetworkInfo, error) {
	var info NetworkInfo
	if err := c.call("getnetworkinfo", &info); err != nil {
		logging.L.Err(err).Msg("error getting network info")
		return nil, err
	}
	return &info, nil
}

func (c *Client) GetBestBlockHash() (*chainhash.Hash, error) {
	var hashStr string
	if err := c.call("getbestblockhash", &hashStr); err != nil {
		logging.L.Err(err).Msg("error getting best block hash")
		return nil, err
	}
	return chainhash.NewHashFromStr(hashStr)
}

func (c *Client) GetBlockHash(height uint32) (*chainhash.Hash, error) {
	var hashStr string
	if err := c.call("getblockhash", &hashStr, height); err != nil {
		logging.L.Err(err).Uint32("height", height).Msg("error getting block hash")
		return nil, err
	}
	return chainhash.NewHashFromStr(hashStr)
}

// GetBlockHeaderRaw fetches the 80 serialized header bytes.
func (c *Client) GetBlockHeaderRaw(hash *chainhash.Hash) (*wire.BlockHeader, error) {
	var raw string
	if err := c.call("getblockheader", &raw, hash.String(), false); err != nil {
		logging.L.Err(err).Str("blockhash", hash.String()).Msg("error getting raw block header")
		return nil, err
	}
	headerBytes, err := hex.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(headerBytes)); err != nil {
		return nil, err
	}
	return &header, nil
}

func parseRawBlock(raw string) (*btcutil.Block, error) {
	blockBytes, err := hex.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	var msg wire.MsgBlock
	if err := msg.Deserialize(bytes.NewReader(blockBytes)); err != nil {
		return nil, err
	}
	return btcutil.NewBlock(&msg), nil
}

// GetBlockRaw fetches one block with verbosity 0.
func (c *Client) GetBlockRaw(hash *chainhash.Hash) (*btcutil.Block, error) {
	var raw string
	if err := c.call("getblock", &raw, hash.String(), 0); err != nil {
		logging.L.Err(err).Str("blockhash", hash.String()).Msg("error getting block")
		return nil, err
	}
	return parseRawBlock(raw)
}

// GetBlocks fetches blocks via pipelined getblock batches, preserving the
// order of the given hashes. Every requested block must come back.
func (c *Client) GetBlocks(hashes []*chainhash.Hash) ([]*btcutil.Block, error) {
	blocks := make([]*btcutil.Block, 0, len(hashes))
	for start := 0; start < len(hashes); start += getBlockChunkSize {
		end := min(start+getBlockChunkSize, len(hashes))
		chunk := hashes[start:end]

		requests := make([]RPCRequest, len(chunk))
		for i, hash := range chunk {
			requests[i] = newRequest("getblock", hash.String(), 0)
		}
		results, rpcErrs, err := c.callBatch("getblock", requests)
		if err != nil {
			return nil, err
		}
		for i, result := range results {
			if rpcErrs[i] != nil {
				logging.L.Err(rpcErrs[i]).Str("blockhash", chunk[i].String()).Msg("error getting block in batch")
				return nil, rpcErrs[i]
			}
			var raw string
			if err := json.Unmarshal(result, &raw); err != nil {
				return nil, err
			}
			block, err := parseRawBlock(raw)
			if err != nil {
				logging.L.Err(err).Str("blockhash", chunk[i].String()).Msg("error parsing block")
				return nil, err
			}
			blocks = append(blocks, block)
		}
	}
	return blocks, nil
}

func (c *Client) GetRawMempoolTxids() ([]chainhash.Hash, error) {
	var txidStrs []string
	if err := c.call("getrawmempool", &txidStrs); err != nil {
		logging.L.Err(err).Msg("error getting raw mempool")
		return nil, err
	}
	txids := make([]chainhash.Hash, 0, len(txidStrs))
	for _, s := range txidStrs {
		txid, err := chainhash.NewHashFromStr(s)
		if err != nil {
			return nil, err
		}
		txids = append(txids, *txid)
	}
	return txids, nil
}

// GetTransactions fetches raw transactions in one batch, tolerating txs
// that were evicted mid-flight; absent txids are simply missing from the
// result map.
func (c *Client) GetTransactions(txids []chainhash.Hash) (map[chainhash.Hash]*wire.MsgTx, error) {
	requests := make([]RPCRequest, len(txids))
	for i := range txids {
		requests[i] = newRequest("getrawtransaction", txids[i].String(), false)
	}
	results, rpcErrs, err := c.callBatch("getrawtransaction", requests)
	if err != nil {
		return nil, err
	}

	txs := make(map[chainhash.Hash]*wire.MsgTx, len(txids))
	for i, result := range results {
		if rpcErrs[i] != nil {
			// evicted or confirmed since the snapshot; the caller re-syncs
			logging.L.Debug().Str("txid", txids[i].String()).Msg("tx gone from mempool mid-fetch")
			continue
		}
		var raw string
		if err := json.Unmarshal(result, &raw); err != nil {
			return nil, err
		}
		txBytes, err := hex.DecodeString(raw)
		if err != nil {
			return nil, err
		}
		var msg wire.MsgTx
		if err := msg.Deserialize(bytes.NewReader(txBytes)); err != nil {
			logging.L.Err(err).Str("txid", txids[i].String()).Msg("error parsing tx")
			return nil, err
		}
		txs[txids[i]] = &msg
	}
	return txs, nil
}

func (c *Client) SendRawTransaction(rawHex string) (*chainhash.Hash, error) {
	var txidStr string
	if err := c.call("sendrawtransaction", &txidStr, rawHex); err != nil {
		logging.L.Err(err).Msg("error broadcasting tx")
		return nil, err
	}
	return chainhash.NewHashFromStr(txidStr)
}

// EstimateSmartFees batches estimatesmartfee for all fee targets. The
// result maps target -> BTC/kvB; targets the node has no estimate for are
// absent.
func (c *Client) EstimateSmartFees() (map[int]float64, error) {
	requests := make([]RPCRequest, len(FeeTargets))
	for i, target := range FeeTargets {
		requests[i] = newRequest("estimatesmartfee", target)
	}
	results, rpcErrs, err := c.callBatch("estimatesmartfee", requests)
	if err != nil {
		return nil, err
	}

	fees := make(map[int]float64, len(FeeTargets))
	for i, result := range results {
		if rpcErrs[i] != nil {
			return nil, rpcErrs[i]
		}
		var res estimateSmartFeeResult
		if err := json.Unmarshal(result, &res); err != nil {
			return nil, err
		}
		if res.FeeRate > 0 {
			fees[FeeTargets[i]] = res.FeeRate
		}
	}
	return fees, nil
}
