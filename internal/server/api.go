package server

import (
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/gin-gonic/gin"

	"github.com/meridianbtc/meridian/internal/chain"
	"github.com/meridianbtc/meridian/internal/config"
	"github.com/meridianbtc/meridian/internal/logging"
	"github.com/meridianbtc/meridian/internal/query"
	"github.com/meridianbtc/meridian/internal/types"
)

type ApiHandler struct {
	query *query.Query
}

func NewApiHandler(q *query.Query) *ApiHandler {
	return &ApiHandler{query: q}
}

// abortOnError maps the core's distinguished results onto HTTP statuses.
func abortOnError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, chain.ErrTooPopular):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "too many history entries"})
	default:
		logging.L.Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not retrieve data"})
	}
}

func (h *ApiHandler) GetInfo(c *gin.Context) {
	tip, _ := h.query.Chain().BestHeader()
	c.JSON(http.StatusOK, gin.H{
		"network":      config.ChainToString(config.Chain),
		"height":       tip.Height,
		"tip":          tip.Hash.String(),
		"mempool_size": h.query.Mempool().Count(),
	})
}

func (h *ApiHandler) GetTipHash(c *gin.Context) {
	tip, ok := h.query.Chain().BestHeader()
	if !ok {
		abortOnError(c, chain.ErrNotFound)
		return
	}
	c.String(http.StatusOK, tip.Hash.String())
}

func (h *ApiHandler) GetTipHeight(c *gin.Context) {
	tip, ok := h.query.Chain().BestHeader()
	if !ok {
		abortOnError(c, chain.ErrNotFound)
		return
	}
	c.String(http.StatusOK, strconv.FormatUint(uint64(tip.Height), 10))
}

func (h *ApiHandler) GetBlockHashByHeight(c *gin.Context) {
	height, err := strconv.ParseUint(c.Param("height"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid height"})
		return
	}
	hash, ok := h.query.Chain().HashByHeight(uint32(height))
	if !ok {
		abortOnError(c, chain.ErrNotFound)
		return
	}
	c.String(http.StatusOK, hash.String())
}

func blockHashParam(c *gin.Context) (*chainhash.Hash, bool) {
	hash, err := chainhash.NewHashFromStr(c.Param("hash"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid block hash"})
		return nil, false
	}
	return hash, true
}

func (h *ApiHandler) GetBlock(c *gin.Context) {
	hash, ok := blockHashParam(c)
	if !ok {
		return
	}
	header, meta, err := h.query.Chain().BlockMeta(hash)
	if err != nil {
		abortOnError(c, err)
		return
	}
	entry, canonical := h.query.Chain().HeaderByHash(hash)
	resp := gin.H{
		"id":                hash.String(),
		"version":           header.Version,
		"previousblockhash": header.PrevBlock.String(),
		"merkle_root":       header.MerkleRoot.String(),
		"timestamp":         header.Timestamp.Unix(),
		"bits":              header.Bits,
		"nonce":             header.Nonce,
		"tx_count":          meta.TxCount,
		"size":              meta.Size,
		"weight":            meta.Weight,
	}
	if canonical {
		resp["height"] = entry.Height
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ApiHandler) GetBlockTxids(c *gin.Context) {
	hash, ok := blockHashParam(c)
	if !ok {
		return
	}
	txids, err := h.query.Chain().BlockTxids(hash)
	if err != nil {
		abortOnError(c, err)
		return
	}
	out := make([]string, len(txids))
	for i := range txids {
		out[i] = txids[i].String()
	}
	c.JSON(http.StatusOK, out)
}

func (h *ApiHandler) GetBlockRaw(c *gin.Context) {
	hash, ok := blockHashParam(c)
	if !ok {
		return
	}
	raw, err := h.query.Chain().BlockRaw(hash)
	if err != nil {
		abortOnError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", raw)
}

func txidParam(c *gin.Context) (*chainhash.Hash, bool) {
	txid, err := chainhash.NewHashFromStr(c.Param("txid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid txid"})
		return nil, false
	}
	return txid, true
}

func txStatusJSON(status types.TxStatus) gin.H {
	out := gin.H{"confirmed": status.Confirmed}
	if status.Confirmed {
		out["block_height"] = status.BlockHeight
		out["block_hash"] = status.BlockHash.String()
	}
	return out
}

func (h *ApiHandler) GetTx(c *gin.Context) {
	txid, ok := txidParam(c)
	if !ok {
		return
	}
	tx, status, err := h.query.LookupTx(txid)
	if err != nil {
		abortOnError(c, err)
		return
	}
	resp := gin.H{
		"txid":     txid.String(),
		"version":  tx.Version,
		"locktime": tx.LockTime,
		"vin":      len(tx.TxIn),
		"vout":     len(tx.TxOut),
		"status":   txStatusJSON(status),
	}
	if info, ok := h.query.Mempool().LookupFeeInfo(txid); ok {
		resp["fee"] = info.Fee
		resp["vsize"] = info.VSize
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ApiHandler) GetTxHex(c *gin.Context) {
	txid, ok := txidParam(c)
	if !ok {
		return
	}
	raw, err := h.query.LookupRawTx(txid)
	if err != nil {
		abortOnError(c, err)
		return
	}
	c.String(http.StatusOK, hex.EncodeToString(raw))
}

func (h *ApiHandler) GetTxStatus(c *gin.Context) {
	txid, ok := txidParam(c)
	if !ok {
		return
	}
	if h.query.Mempool().HasTx(txid) {
		c.JSON(http.StatusOK, txStatusJSON(types.TxStatus{}))
		return
	}
	status, err := h.query.Chain().TxStatus(txid)
	if err != nil {
		abortOnError(c, err)
		return
	}
	c.JSON(http.StatusOK, txStatusJSON(status))
}

func (h *ApiHandler) GetTxMerkleProof(c *gin.Context) {
	txid, ok := txidParam(c)
	if !ok {
		return
	}
	entry, found, err := h.query.Chain().TxConfirmingBlock(txid)
	if err != nil {
		abortOnError(c, err)
		return
	}
	if !found {
		abortOnError(c, chain.ErrNotFound)
		return
	}
	branch, pos, err := h.query.Chain().TxMerkleProof(txid, &entry.Hash)
	if err != nil {
		abortOnError(c, err)
		return
	}
	merkle := make([]string, len(branch))
	for i := range branch {
		merkle[i] = branch[i].String()
	}
	c.JSON(http.StatusOK, gin.H{
		"block_height": entry.Height,
		"merkle":       merkle,
		"pos":          pos,
	})
}

func (h *ApiHandler) GetTxOutspend(c *gin.Context) {
	txid, ok := txidParam(c)
	if !ok {
		return
	}
	vout, err := strconv.ParseUint(c.Param("vout"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid vout"})
		return
	}
	spend, err := h.query.LookupSpend(types.Outpoint{Txid: *txid, Vout: uint32(vout)})
	if err != nil {
		abortOnError(c, err)
		return
	}
	if !spend.Spent {
		c.JSON(http.StatusOK, gin.H{"spent": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"spent":  true,
		"txid":   spend.Txid.String(),
		"vin":    spend.Vin,
		"status": txStatusJSON(spend.Status),
	})
}

func scriptHashParam(c *gin.Context) (types.ScriptHash, bool) {
	scriptHash, err := types.ScriptHashFromHex(c.Param("hash"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid script hash"})
		return types.ScriptHash{}, false
	}
	return scriptHash, true
}

func (h *ApiHandler) GetScriptHashHistory(c *gin.Context) {
	scriptHash, ok := scriptHashParam(c)
	if !ok {
		return
	}
	items, err := h.query.HistoryTxids(scriptHash, config.TxsLimit)
	if err != nil {
		abortOnError(c, err)
		return
	}
	out := make([]gin.H, 0, len(items))
	for _, item := range items {
		out = append(out, gin.H{
			"txid":   item.Txid.String(),
			"status": txStatusJSON(item.Status),
		})
	}
	c.JSON(http.StatusOK, out)
}

func (h *ApiHandler) GetScriptHashUtxo(c *gin.Context) {
	scriptHash, ok := scriptHashParam(c)
	if !ok {
		return
	}
	utxos, err := h.query.Utxo(scriptHash)
	if err != nil {
		abortOnError(c, err)
		return
	}
	out := make([]gin.H, 0, len(utxos))
	for _, utxo := range utxos {
		entry := gin.H{
			"txid":  utxo.Outpoint.Txid.String(),
			"vout":  utxo.Outpoint.Vout,
			"value": utxo.Value,
		}
		if utxo.Height > 0 || utxo.BlockHash != (chainhash.Hash{}) {
			entry["status"] = gin.H{
				"confirmed":    true,
				"block_height": utxo.Height,
				"block_hash":   utxo.BlockHash.String(),
			}
		} else {
			entry["status"] = gin.H{"confirmed": false}
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, out)
}

func (h *ApiHandler) GetScriptHashStats(c *gin.Context) {
	scriptHash, ok := scriptHashParam(c)
	if !ok {
		return
	}
	stats, err := h.query.Chain().Stats(scriptHash)
	if err != nil {
		abortOnError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *ApiHandler) GetMempool(c *gin.Context) {
	c.JSON(http.StatusOK, h.query.Mempool().BacklogStats())
}

func (h *ApiHandler) GetMempoolRecent(c *gin.Context) {
	c.JSON(http.StatusOK, h.query.Mempool().Recent(10))
}

func (h *ApiHandler) GetFeeEstimates(c *gin.Context) {
	fees, err := h.query.FeeEstimates()
	if err != nil {
		abortOnError(c, err)
		return
	}
	out := make(map[string]float64, len(fees))
	for target, rate := range fees {
		out[strconv.Itoa(target)] = rate
	}
	c.JSON(http.StatusOK, out)
}

// BroadcastTx accepts a raw transaction as a hex string body.
func (h *ApiHandler) BroadcastTx(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read body"})
		return
	}
	rawHex := string(body)
	if _, err := hex.DecodeString(rawHex); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body is not valid hex"})
		return
	}
	txid, err := h.query.Broadcast(rawHex)
	if err != nil {
		logging.L.Err(err).Msg("broadcast rejected")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.String(http.StatusOK, txid.String())
}
