package mempool

import (
	"encoding/json"
	"sort"
)

// histogramBinVSize is the bin width of the fee histogram, in vbytes.
const histogramBinVSize = 50_000

// HistogramBin is one (fee rate, vsize) step of the backlog histogram.
// Serialized as a two-element array, electrum style.
type HistogramBin struct {
	FeeRate float64
	VSize   uint64
}

func (b HistogramBin) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{b.FeeRate, b.VSize})
}

// FeeHistogram accumulates vsizes into bins of descending fee rate. A bin
// closes once its accumulated size exceeds the width and the next rate
// differs from the current one; equal rates keep accumulating past the
// threshold.
func FeeHistogram(entries []FeeInfo) []HistogramBin {
	sorted := make([]FeeInfo, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].FeeRate > sorted[j].FeeRate
	})

	histogram := []HistogramBin{}
	var binSize uint64
	for i, entry := range sorted {
		binSize += entry.VSize
		last := i == len(sorted)-1
		rateChanges := !last && sorted[i+1].FeeRate != entry.FeeRate
		if last || (binSize > histogramBinVSize && rateChanges) {
			histogram = append(histogram, HistogramBin{FeeRate: entry.FeeRate, VSize: binSize})
			binSize = 0
		}
	}
	return histogram
}
