package config

import (
	"runtime"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	ConfigFileName       string = "meridian.toml"
	DefaultBaseDirectory string = "~/.meridian"
)

var (
	LogLevel     = "info"
	LogsPath     = ""
	LogToConsole = true
)

var (
	RpcEndpoint = "http://127.0.0.1:8332" // default local node
	CookiePath  = ""
	RpcUser     = ""
	RpcPass     = ""

	// BlocksDir is the upstream node's blocks directory. When set and the
	// initial sync has not completed yet, blocks are read from the blk*.dat
	// files directly instead of over RPC.
	BlocksDir = ""
	// JSONRPCImport forces the RPC fetcher even for the initial sync.
	JSONRPCImport = false

	ZMQEndpoint = "" // empty disables the hashblock subscription

	BaseDirectory = ""
	// DBPath defaults to <datadir>/db; a db_path config entry overrides it.
	DBPath = ""
	// PrecacheFile lists script hashes (hex, one per line) whose stats and
	// UTXO caches are warmed after startup.
	PrecacheFile = ""

	HTTPHost = "127.0.0.1:3000"
)

// Index behavior.
var (
	// LightMode skips storing raw block bytes; raw blocks are reassembled
	// from individual transaction rows on demand.
	LightMode = false
	// IndexUnspendables also indexes provably unspendable (OP_RETURN)
	// outputs into script history and stats.
	IndexUnspendables = false
	// AddressSearch is accepted for config compatibility; only script-hash
	// lookup is served.
	AddressSearch = false

	// UtxosLimit caps the size of a UTXO set returned or cached for one
	// script before the query bails with a too-popular error.
	UtxosLimit = 500
	// TxsLimit caps the number of history txids returned in one call.
	TxsLimit = 500

	// UtxoCacheMinItems is the number of history rows a utxo/stats query
	// must process before the result is worth writing back to the cache.
	UtxoCacheMinItems = 100

	// InitialSyncCompaction disables auto-compactions during the initial
	// bulk load and triggers one manual compaction afterwards.
	InitialSyncCompaction = true
)

// Mempool and fee behavior.
var (
	MempoolRecentSize   = 10_000
	BacklogStatsTTLSecs = 60
	FeeEstimateTTLSecs  = 60
)

// Performance.
var (
	// MaxParallelRequests sets how many RPC calls are in flight at once
	// against the node.
	MaxParallelRequests = 4

	// We default to max num cores - 2.
	MaxCPUCores = runtime.NumCPU() - 2

	PollIntervalSecs = 5
)

type chain int

const (
	Unknown chain = iota
	Mainnet
	Signet
	Regtest
	Testnet3
)

var Chain = Unknown

func ChainParams() *chaincfg.Params {
	switch Chain {
	case Mainnet:
		return &chaincfg.MainNetParams
	case Signet:
		return &chaincfg.SigNetParams
	case Regtest:
		return &chaincfg.RegressionNetParams
	case Testnet3:
		return &chaincfg.TestNet3Params
	default:
		return nil
	}
}

// GenesisHash is a pure function of the configured network.
func GenesisHash() *chainhash.Hash {
	params := ChainParams()
	if params == nil {
		return nil
	}
	return params.GenesisHash
}

func ChainToString(c chain) string {
	switch c {
	case Mainnet:
		return "main"
	case Signet:
		return "signet"
	case Regtest:
		return "regtest"
	case Testnet3:
		return "testnet"
	default:
		return "unknown"
	}
}
