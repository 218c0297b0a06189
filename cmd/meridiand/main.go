package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/meridianbtc/meridian/internal/chain"
	"github.com/meridianbtc/meridian/internal/config"
	"github.com/meridianbtc/meridian/internal/daemon"
	"github.com/meridianbtc/meridian/internal/indexer"
	"github.com/meridianbtc/meridian/internal/logging"
	"github.com/meridianbtc/meridian/internal/mempool"
	"github.com/meridianbtc/meridian/internal/notify"
	"github.com/meridianbtc/meridian/internal/query"
	"github.com/meridianbtc/meridian/internal/server"
	"github.com/meridianbtc/meridian/internal/store"
	"github.com/meridianbtc/meridian/internal/types"
)

var (
	displayVersion bool
	configFile     string
	Version        = "0.0.0"
)

func init() {
	flag.StringVar(
		&config.BaseDirectory,
		"datadir",
		config.DefaultBaseDirectory,
		"Set the base directory for meridian. Default directory is ~/.meridian",
	)
	flag.StringVar(
		&configFile,
		"config",
		"",
		"Path to config file (default: datadir/meridian.toml)",
	)
	flag.BoolVar(
		&displayVersion,
		"version",
		false,
		"show version of meridiand",
	)
	flag.Parse()

	if displayVersion {
		// we only need the version for this
		return
	}

	config.SetDirectories()

	err := os.MkdirAll(config.BaseDirectory, 0750)
	if err != nil && !errors.Is(err, os.ErrExist) {
		logging.L.Fatal().Err(err).Msg("error creating base directory")
	}

	logging.L.Info().Msgf("base directory %s", config.BaseDirectory)

	// load after loggers are instantiated
	if configFile == "" {
		configFile = path.Join(config.BaseDirectory, config.ConfigFileName)
	}
	config.LoadConfigs(configFile)

	if config.LogsPath != "" {
		if err := logging.SetLogOutput(config.LogsPath, "meridian.log", config.LogToConsole); err != nil {
			logging.L.Warn().Err(err).Msg("failed to initialize file logging")
		}
	}
}

func main() {
	if displayVersion {
		fmt.Println("meridiand version:", Version) // using fmt because loggers are not initialised
		os.Exit(0)
	}
	defer logging.L.Info().Msg("program shut down")
	defer logging.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	logging.L.Info().Str("network", config.ChainToString(config.Chain)).Msg("program started")

	opts := store.DefaultOptions()
	opts.DisableAutoCompactions = config.InitialSyncCompaction
	db, err := store.Open(path.Join(config.DBPath, config.ChainToString(config.Chain)), opts)
	if err != nil {
		logging.L.Fatal().Err(err).Msg("failed opening stores")
	}
	defer db.Close()

	headers, err := indexer.LoadHeaders(db)
	if err != nil {
		logging.L.Fatal().Err(err).Msg("failed loading header chain")
	}

	// composition per the ownership design: the store is the leaf, the
	// chain query and mempool hold it, the facade holds both; no
	// back-references
	client := daemon.NewClient(config.RpcEndpoint, config.RpcUser, config.RpcPass)
	chainInfo, err := client.GetBlockchainInfo()
	if err != nil {
		logging.L.Fatal().Err(err).Msg("upstream node unreachable")
	}
	if chainInfo.Pruned {
		logging.L.Fatal().Msg("pruned nodes are not supported")
	}
	logging.L.Info().
		Str("chain", chainInfo.Chain).
		Int64("blocks", chainInfo.Blocks).
		Bool("ibd", chainInfo.InitialBlockDownload).
		Msg("connected to upstream node")

	ix := indexer.New(db, client, client, headers)
	cq := chain.NewQuery(db, headers)
	mp := mempool.New(client, cq)
	q := query.New(cq, mp, client)

	wasDone, err := ix.DoneInitialSync()
	if err != nil {
		logging.L.Fatal().Err(err).Msg("failed reading sync marker")
	}

	// catch up to the node before serving; this is the bulk load on a
	// fresh database
	if _, err := ix.Update(); err != nil {
		logging.L.Fatal().Err(err).Msg("initial indexing failed")
	}

	if !wasDone && config.InitialSyncCompaction {
		if err := db.CompactAll(); err != nil {
			logging.L.Fatal().Err(err).Msg("post-sync compaction failed")
		}
	}
	if config.InitialSyncCompaction {
		// reopen with auto-compactions for steady state; servers are not
		// running yet, so no reads are in flight
		if err := db.ReopenForNormalOps(); err != nil {
			logging.L.Fatal().Err(err).Msg("failed reopening stores")
		}
	}

	if config.PrecacheFile != "" {
		go precacheScripts(cq, config.PrecacheFile)
	}

	go server.RunServer(server.NewApiHandler(q))

	var blockNotify <-chan struct{}
	if config.ZMQEndpoint != "" {
		watcher, err := notify.StartBlockWatcher(config.ZMQEndpoint)
		if err != nil {
			logging.L.Warn().Err(err).Msg("block notifications unavailable, polling only")
		} else {
			defer watcher.Close()
			wake := make(chan struct{}, 1)
			go func() {
				for range watcher.Blocks() {
					select {
					case wake <- struct{}{}:
					default:
					}
				}
			}()
			blockNotify = wake
		}
	}

	ticker := time.NewTicker(time.Duration(config.PollIntervalSecs) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-interrupt:
			logging.L.Info().Msg("program interrupted")
			return
		case <-ticker.C:
		case <-blockNotify:
		}

		if err := reconcile(ix, mp); err != nil {
			logging.L.Err(err).Msg("reconciliation failed")
		}
	}
}

// precacheScripts warms the stats and UTXO caches for the script hashes
// listed in the precache file, one hex hash per line.
func precacheScripts(cq *chain.Query, file string) {
	data, err := os.ReadFile(file)
	if err != nil {
		logging.L.Warn().Err(err).Str("file", file).Msg("could not read precache file")
		return
	}
	var warmed, failed int
	for _, line := range strings.Fields(string(data)) {
		scriptHash, err := types.ScriptHashFromHex(line)
		if err != nil {
			failed++
			continue
		}
		if _, err := cq.Stats(scriptHash); err != nil {
			failed++
			continue
		}
		if _, err := cq.Utxo(scriptHash); err != nil {
			failed++
			continue
		}
		warmed++
	}
	logging.L.Info().Int("warmed", warmed).Int("failed", failed).Msg("precache complete")
}

// reconcile is one pass of the main loop: index to the upstream tip, then
// mirror the upstream mempool. A tip move during the mempool pass re-runs
// the indexer before retrying.
func reconcile(ix *indexer.Indexer, mp *mempool.Mempool) error {
	for {
		tip, err := ix.Update()
		if err != nil {
			return err
		}
		err = mp.Sync(tip)
		if errors.Is(err, mempool.ErrChainTipMoved) {
			logging.L.Debug().Msg("tip moved during mempool sync, re-indexing")
			continue
		}
		return err
	}
}
