package config

import (
	"os"
	"path"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/meridianbtc/meridian/internal/logging"
)

func LoadConfigs(pathToConfig string) {
	// Set the file name of the configurations file
	viper.SetConfigFile(pathToConfig)

	// Handle errors reading the config file
	if err := viper.ReadInConfig(); err != nil {
		logging.L.Warn().Err(err).Msg("No config file detected")
	}

	/* set defaults */
	viper.SetDefault("network", "main")
	viper.SetDefault("http_host", HTTPHost)
	viper.SetDefault("rpc_endpoint", RpcEndpoint)
	viper.SetDefault("zmq_endpoint", ZMQEndpoint)
	viper.SetDefault("blocks_dir", BlocksDir)
	viper.SetDefault("jsonrpc_import", JSONRPCImport)
	viper.SetDefault("db_path", "")
	viper.SetDefault("precache_file", "")

	viper.SetDefault("light_mode", LightMode)
	viper.SetDefault("address_search", AddressSearch)
	viper.SetDefault("index_unspendables", IndexUnspendables)
	viper.SetDefault("utxos_limit", UtxosLimit)
	viper.SetDefault("txs_limit", TxsLimit)
	viper.SetDefault("utxo_cache_min_items", UtxoCacheMinItems)
	viper.SetDefault("initial_sync_compaction", InitialSyncCompaction)

	viper.SetDefault("mempool_recent_size", MempoolRecentSize)
	viper.SetDefault("backlog_stats_ttl_secs", BacklogStatsTTLSecs)
	viper.SetDefault("fee_estimate_ttl_secs", FeeEstimateTTLSecs)

	viper.SetDefault("max_parallel_requests", MaxParallelRequests)
	viper.SetDefault("max_cpu_cores", MaxCPUCores)
	viper.SetDefault("poll_interval_secs", PollIntervalSecs)

	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_path", "")
	viper.SetDefault("log_to_console", true)

	// Bind viper keys to environment variables (optional, for backup)
	viper.AutomaticEnv()
	viper.BindEnv("network", "NETWORK")
	viper.BindEnv("http_host", "HTTP_HOST")
	viper.BindEnv("rpc_endpoint", "RPC_ENDPOINT")
	viper.BindEnv("zmq_endpoint", "ZMQ_ENDPOINT")
	viper.BindEnv("cookie_path", "COOKIE_PATH")
	viper.BindEnv("rpc_user", "RPC_USER")
	viper.BindEnv("rpc_pass", "RPC_PASS")
	viper.BindEnv("blocks_dir", "BLOCKS_DIR")
	viper.BindEnv("max_parallel_requests", "MAX_PARALLEL_REQUESTS")
	viper.BindEnv("max_cpu_cores", "MAX_CPU_CORES")
	viper.BindEnv("log_level", "LOG_LEVEL")

	/* read and set config variables */
	// General
	HTTPHost = viper.GetString("http_host")
	LogLevel = viper.GetString("log_level")
	if lp := viper.GetString("log_path"); lp != "" {
		LogsPath = resolvePath(lp)
	}
	LogToConsole = viper.GetBool("log_to_console")

	// Upstream node
	RpcEndpoint = viper.GetString("rpc_endpoint")
	CookiePath = viper.GetString("cookie_path")
	RpcUser = viper.GetString("rpc_user")
	RpcPass = viper.GetString("rpc_pass")
	BlocksDir = viper.GetString("blocks_dir")
	JSONRPCImport = viper.GetBool("jsonrpc_import")
	ZMQEndpoint = viper.GetString("zmq_endpoint")
	PrecacheFile = viper.GetString("precache_file")
	if custom := viper.GetString("db_path"); custom != "" {
		DBPath = resolvePath(custom)
	}

	// Index behavior
	LightMode = viper.GetBool("light_mode")
	AddressSearch = viper.GetBool("address_search")
	IndexUnspendables = viper.GetBool("index_unspendables")
	UtxosLimit = viper.GetInt("utxos_limit")
	TxsLimit = viper.GetInt("txs_limit")
	UtxoCacheMinItems = viper.GetInt("utxo_cache_min_items")
	InitialSyncCompaction = viper.GetBool("initial_sync_compaction")

	// Mempool
	MempoolRecentSize = viper.GetInt("mempool_recent_size")
	BacklogStatsTTLSecs = viper.GetInt("backlog_stats_ttl_secs")
	FeeEstimateTTLSecs = viper.GetInt("fee_estimate_ttl_secs")

	// Performance
	MaxParallelRequests = viper.GetInt("max_parallel_requests")
	MaxCPUCores = viper.GetInt("max_cpu_cores")
	PollIntervalSecs = viper.GetInt("poll_interval_secs")

	networkInput := viper.GetString("network")

	switch networkInput {
	case "main", "mainnet", "bitcoin":
		Chain = Mainnet
	case "signet":
		Chain = Signet
	case "regtest":
		Chain = Regtest
	case "testnet", "testnet3":
		Chain = Testnet3
	default:
		logging.L.Fatal().Str("network", networkInput).Msg("network undefined")
		return
	}

	switch LogLevel {
	case "trace":
		logging.SetLogLevel(zerolog.TraceLevel)
	case "info":
		logging.SetLogLevel(zerolog.InfoLevel)
	case "debug":
		logging.SetLogLevel(zerolog.DebugLevel)
	case "warn":
		logging.SetLogLevel(zerolog.WarnLevel)
	case "error":
		logging.SetLogLevel(zerolog.ErrorLevel)
	}

	if RpcEndpoint != "" {
		if CookiePath != "" {
			data, err := os.ReadFile(CookiePath)
			if err != nil {
				logging.L.Fatal().Err(err).Msg("error reading cookie file")
			}

			credentials := strings.SplitN(strings.TrimSpace(string(data)), ":", 2)
			if len(credentials) != 2 {
				logging.L.Fatal().Msg("cookie file is invalid")
			}
			RpcUser = credentials[0]
			RpcPass = credentials[1]
		}

		if RpcUser == "" {
			logging.L.Fatal().Msg("rpc user not set")
		}

		if RpcPass == "" {
			logging.L.Fatal().Msg("rpc pass not set")
		}
	}
}

// SetDirectories derives the data paths from the base directory. Has to be
// called before opening the store, otherwise DBPath is empty.
func SetDirectories() {
	BaseDirectory = resolvePath(BaseDirectory)
	DBPath = path.Join(BaseDirectory, "db")
	if LogsPath == "" {
		LogsPath = path.Join(BaseDirectory, "logs")
	}
}

func resolvePath(p string) string {
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			logging.L.Fatal().Err(err).Msg("could not resolve home directory")
		}
		return path.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}
