package server

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/meridianbtc/meridian/internal/config"
	"github.com/meridianbtc/meridian/internal/logging"
)

func RunServer(api *ApiHandler) {
	gin.SetMode(gin.ReleaseMode)

	router := gin.Default()
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		MaxAge:           12 * time.Hour,
		AllowCredentials: true,
	}))

	router.GET("/info", api.GetInfo)
	router.GET("/blocks/tip/hash", api.GetTipHash)
	router.GET("/blocks/tip/height", api.GetTipHeight)
	router.GET("/block-height/:height", api.GetBlockHashByHeight)
	router.GET("/block/:hash", api.GetBlock)
	router.GET("/block/:hash/txids", api.GetBlockTxids)
	router.GET("/block/:hash/raw", api.GetBlockRaw)

	router.GET("/tx/:txid", api.GetTx)
	router.GET("/tx/:txid/hex", api.GetTxHex)
	router.GET("/tx/:txid/status", api.GetTxStatus)
	router.GET("/tx/:txid/merkle-proof", api.GetTxMerkleProof)
	router.GET("/tx/:txid/outspend/:vout", api.GetTxOutspend)

	router.GET("/scripthash/:hash/history", api.GetScriptHashHistory)
	router.GET("/scripthash/:hash/utxo", api.GetScriptHashUtxo)
	router.GET("/scripthash/:hash/stats", api.GetScriptHashStats)

	router.GET("/mempool", api.GetMempool)
	router.GET("/mempool/recent", api.GetMempoolRecent)
	router.GET("/fee-estimates", api.GetFeeEstimates)

	router.POST("/tx", api.BroadcastTx)

	if err := router.Run(config.HTTPHost); err != nil {
		logging.L.Err(err).Msg("could not run server")
	}
}
