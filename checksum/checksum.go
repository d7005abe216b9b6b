// Package checksum computes the integrity digests used by the journal.
//
// Every on-disk transaction descriptor and metadata record carries a SHA-256
// digest over its body. Recovery rejects any record whose stored digest does
// not match the recomputed one, so the digest must be deterministic for fixed
// bytes and change on any single-byte mutation; SHA-256 gives both.
package checksum

import (
	"crypto/sha256"
	"sync/atomic"

	"github.com/goose-lang/std"

	"github.com/vexfs/vexjournal/metrics"
)

// Size is the digest length in bytes.
const Size = sha256.Size

var ops uint64

// Sum computes the SHA-256 digest of data.
func Sum(data []byte) []byte {
	atomic.AddUint64(&ops, 1)
	metrics.ChecksumOps.Inc()
	h := sha256.Sum256(data)
	return h[:]
}

// SumRanges computes one digest over several byte ranges, in order.
func SumRanges(ranges [][]byte) []byte {
	atomic.AddUint64(&ops, 1)
	metrics.ChecksumOps.Inc()
	h := sha256.New()
	for _, r := range ranges {
		h.Write(r)
	}
	return h.Sum(nil)
}

// Verify reports whether sum is the digest of data.
func Verify(data []byte, sum []byte) bool {
	return std.BytesEqual(Sum(data), sum)
}

// Ops reports how many digests have been computed since process start.
func Ops() uint64 {
	return atomic.LoadUint64(&ops)
}
