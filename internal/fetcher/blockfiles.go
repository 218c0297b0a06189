package fetcher

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/meridianbtc/meridian/internal/config"
	"github.com/meridianbtc/meridian/internal/logging"
	"github.com/meridianbtc/meridian/internal/types"
)

// xorKeyFile holds the 8-byte obfuscation key newer nodes apply to their
// block files. Absent file means no obfuscation.
const xorKeyFile = "xor.dat"

// dispatchBatchSize bounds how many in-order blocks one batch carries on
// the block-file path.
const dispatchBatchSize = 100

// xorReader de-obfuscates a block file stream with a rolling 8-byte key.
type xorReader struct {
	r      io.Reader
	key    []byte
	offset int64
}

func newXorReader(r io.Reader, key []byte) io.Reader {
	if len(key) == 0 {
		return r
	}
	return &xorReader{r: r, key: key}
}

func (x *xorReader) Read(p []byte) (int, error) {
	n, err := x.r.Read(p)
	for i := 0; i < n; i++ {
		p[i] ^= x.key[(x.offset+int64(i))%int64(len(x.key))]
	}
	x.offset += int64(n)
	return n, err
}

func readXorKey(blocksDir string) ([]byte, error) {
	key, err := os.ReadFile(filepath.Join(blocksDir, xorKeyFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(key) != 8 {
		return nil, fmt.Errorf("xor key is %d bytes, want 8", len(key))
	}
	return key, nil
}

func listBlockFiles(blocksDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(blocksDir, "blk*.dat"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no blk*.dat files in %s", blocksDir)
	}
	sort.Strings(files)
	return files, nil
}

// rawRecord is one framed block as read from disk, identified by the hash
// of its 80-byte header without a full deserialize.
type rawRecord struct {
	hash chainhash.Hash
	data []byte
}

// scanBlockFile yields the framed records of one file. Frames are
// magic(4) | length(4 LE) | block; trailing zero padding is skipped.
func scanBlockFile(path string, magic wire.BitcoinNet, key []byte, emit func(rawRecord) bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var magicBytes [4]byte
	binary.LittleEndian.PutUint32(magicBytes[:], uint32(magic))

	r := bufio.NewReaderSize(newXorReader(f, key), 1<<20)
	var window [4]byte
	for {
		// align on the next magic; preallocated block slots are zero
		if _, err := io.ReadFull(r, window[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		for !bytes.Equal(window[:], magicBytes[:]) {
			b, err := r.ReadByte()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			copy(window[:], window[1:])
			window[3] = b
		}

		var lengthBytes [4]byte
		if _, err := io.ReadFull(r, lengthBytes[:]); err != nil {
			return err
		}
		length := binary.LittleEndian.Uint32(lengthBytes[:])
		if length < 80 || length > wire.MaxBlockPayload {
			logging.L.Warn().Uint32("length", length).Str("file", path).Msg("skipping implausible block frame")
			continue
		}

		data := make([]byte, length)
		if _, err := io.ReadFull(r, data); err != nil {
			return err
		}
		if !emit(rawRecord{hash: chainhash.DoubleHashH(data[:80]), data: data}) {
			return nil
		}
	}
}

// StartBlockFiles reads the upstream node's block database directly. Block
// order on disk is arbitrary; records are deserialized in parallel and
// dispatched in header order against the requested set. An unrequested
// block is discarded; a requested block still missing when the file stream
// ends fails the pass.
func StartBlockFiles(blocksDir string, headers []types.HeaderEntry) *Fetcher {
	f := &Fetcher{
		batches: make(chan BlockBatch, 1),
		quit:    make(chan struct{}),
	}
	go func() {
		defer close(f.batches)
		f.err = f.runBlockFiles(blocksDir, headers)
	}()
	return f
}

func (f *Fetcher) runBlockFiles(blocksDir string, headers []types.HeaderEntry) error {
	key, err := readXorKey(blocksDir)
	if err != nil {
		logging.L.Err(err).Msg("error reading xor key")
		return err
	}
	files, err := listBlockFiles(blocksDir)
	if err != nil {
		logging.L.Err(err).Msg("error listing block files")
		return err
	}
	magic := config.ChainParams().Net

	requested := make(map[chainhash.Hash]int, len(headers))
	for i := range headers {
		requested[headers[i].Hash] = i
	}

	workers := config.MaxCPUCores
	if workers < 1 {
		workers = 1
	}
	records := make(chan rawRecord, workers)
	parsed := make(chan BlockEntry, workers)

	var wg sync.WaitGroup
	parseErr := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			failed := false
			for rec := range records {
				if failed {
					continue // drain so the scanner never blocks
				}
				var msg wire.MsgBlock
				if err := msg.Deserialize(bytes.NewReader(rec.data)); err != nil {
					parseErr <- fmt.Errorf("block %s: %w", rec.hash, err)
					failed = true
					continue
				}
				idx := requested[rec.hash]
				parsed <- BlockEntry{
					Block: btcutil.NewBlock(&msg),
					Entry: headers[idx],
					Size:  len(rec.data),
				}
			}
		}()
	}

	scanDone := make(chan error, 1)
	go func() {
		defer close(records)
		for _, file := range files {
			select {
			case <-f.quit:
				scanDone <- nil
				return
			default:
			}
			logging.L.Debug().Str("file", file).Msg("scanning block file")
			err := scanBlockFile(file, magic, key, func(rec rawRecord) bool {
				if _, ok := requested[rec.hash]; !ok {
					return true // not ours; next record
				}
				select {
				case records <- rec:
					return true
				case <-f.quit:
					return false
				}
			})
			if err != nil {
				scanDone <- err
				return
			}
		}
		scanDone <- nil
	}()

	go func() {
		wg.Wait()
		close(parsed)
	}()

	// dispatch in header order; on cancellation keep draining so the
	// parse workers never block on a dead channel
	pending := make(map[chainhash.Hash]BlockEntry)
	next := 0
	cancelled := false
	var batch BlockBatch
	flush := func() {
		if cancelled || len(batch) == 0 {
			batch = nil
			return
		}
		cancelled = !f.send(batch)
		batch = nil
	}

	for entry := range parsed {
		if cancelled {
			continue
		}
		pending[entry.Entry.Hash] = entry
		for next < len(headers) {
			ready, ok := pending[headers[next].Hash]
			if !ok {
				break
			}
			delete(pending, headers[next].Hash)
			batch = append(batch, ready)
			next++
			if len(batch) >= dispatchBatchSize {
				flush()
			}
		}
	}
	flush()
	if cancelled {
		return nil
	}

	select {
	case err := <-parseErr:
		logging.L.Err(err).Msg("error deserialising block")
		return err
	default:
	}
	if err := <-scanDone; err != nil {
		logging.L.Err(err).Msg("error scanning block files")
		return err
	}

	select {
	case <-f.quit:
		return nil
	default:
	}
	if next < len(headers) {
		err := fmt.Errorf("block %s (height %d) missing from block files",
			headers[next].Hash, headers[next].Height)
		logging.L.Err(err).Msg("incomplete block file import")
		return err
	}
	return nil
}
