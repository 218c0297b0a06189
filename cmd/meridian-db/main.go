// meridian-db is a read-only inspection tool for the on-disk stores.
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"path"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/spf13/cobra"

	"github.com/meridianbtc/meridian/internal/config"
	"github.com/meridianbtc/meridian/internal/logging"
	"github.com/meridianbtc/meridian/internal/store"
	"github.com/meridianbtc/meridian/internal/types"
)

var (
	Version = "0.0.0"

	// Global flags
	datadir string
	network string
)

func init() {
	rootCmd.PersistentFlags().StringVar(
		&datadir,
		"datadir",
		config.DefaultBaseDirectory,
		"Set the base directory for meridian. Default directory is ~/.meridian",
	)
	rootCmd.PersistentFlags().StringVar(
		&network,
		"network",
		"main",
		"Network the database belongs to: main, testnet, signet, regtest",
	)

	rootCmd.AddCommand(countCmd)
	rootCmd.AddCommand(tipCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

var rootCmd = &cobra.Command{
	Use:   "meridian-db",
	Short: "Inspect the meridian index databases",
}

func openStores() *store.Store {
	config.BaseDirectory = datadir
	config.SetDirectories()
	opts := store.DefaultOptions()
	opts.CreateIfMissing = false
	db, err := store.Open(path.Join(config.DBPath, network), opts)
	if err != nil {
		logging.L.Fatal().Err(err).Msg("failed opening stores")
	}
	return db
}

func countPrefix(db *store.DB, tag byte) uint64 {
	it, err := db.Iter([]byte{tag}, []byte{tag + 1})
	if err != nil {
		logging.L.Fatal().Err(err).Msg("failed creating iterator")
	}
	defer it.Close()
	var n uint64
	for it.Next() {
		n++
	}
	return n
}

var countCmd = &cobra.Command{
	Use:   "count",
	Short: "Count rows per tag in all three stores",
	Run: func(cmd *cobra.Command, args []string) {
		db := openStores()
		defer db.Close()

		txstoreTags := map[string]byte{
			"block (B)":       store.KBlock,
			"block-txids (X)": store.KBlockTxids,
			"tx (T)":          store.KTx,
			"txconf (C)":      store.KTxConf,
			"funding-out (O)": store.KFundingOut,
		}
		for name, tag := range txstoreTags {
			fmt.Printf("txstore %-16s %d\n", name, countPrefix(db.Txstore, tag))
		}
		fmt.Printf("history %-16s %d\n", "history (H)", countPrefix(db.History, store.KHistory))
		fmt.Printf("history %-16s %d\n", "indexed (M)", countPrefix(db.History, store.KIndexed))
		fmt.Printf("cache   %-16s %d\n", "stats (A)", countPrefix(db.Cache, store.KStatsCache))
		fmt.Printf("cache   %-16s %d\n", "utxo (U)", countPrefix(db.Cache, store.KUtxoCache))
	},
}

var tipCmd = &cobra.Command{
	Use:   "tip",
	Short: "Print the indexed tip",
	Run: func(cmd *cobra.Command, args []string) {
		db := openStores()
		defer db.Close()

		data, err := db.Txstore.Get(store.KeyTip)
		if err != nil {
			logging.L.Fatal().Err(err).Msg("no tip marker")
		}
		hash, err := chainhash.NewHash(data)
		if err != nil {
			logging.L.Fatal().Err(err).Msg("malformed tip marker")
		}
		fmt.Println(hash)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <scripthash>",
	Short: "Dump the confirmed history rows of a script",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		scriptHash, err := types.ScriptHashFromHex(args[0])
		if err != nil {
			logging.L.Fatal().Err(err).Msg("invalid script hash")
		}
		db := openStores()
		defer db.Close()

		lower, upper := store.BoundsHistory(scriptHash)
		it, err := db.History.Iter(lower, upper)
		if err != nil {
			logging.L.Fatal().Err(err).Msg("failed creating iterator")
		}
		defer it.Close()

		for it.Next() {
			row, err := store.ParseHistoryRow(it.Key(), it.Value())
			if err != nil {
				logging.L.Fatal().Err(err).Msg("malformed history row")
			}
			if row.IsFunding() {
				fmt.Printf("%8d %s funding vout=%d value=%d\n",
					row.Height, row.Txid, row.Index, row.Value)
			} else {
				fmt.Printf("%8d %s spending vin=%d prevout=%s:%d value=%d\n",
					row.Height, row.Txid, row.Index, row.PrevTxid, row.PrevVout, row.Value)
			}
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print tool and schema version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("meridian-db version:", Version)
		db := openStores()
		defer db.Close()
		data, err := db.Txstore.Get(store.KeyVersion)
		if err == nil && len(data) == 4 {
			fmt.Println("schema version:", binary.LittleEndian.Uint32(data))
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
