// Package bitmap implements the fixed-size bit vectors backing block and
// inode allocation.
//
// A Bitmap mirrors one or more on-disk bitmap blocks; mutation goes through
// the allocation journal, which stages the corresponding bit writes before
// the in-memory state is trusted.
package bitmap

import (
	"fmt"

	"math/bits"

	"github.com/vexfs/vexjournal/checksum"
)

// NotFound is returned by the search operations when no suitable run of
// zero bits exists.
const NotFound = ^uint64(0)

// Bitmap is a fixed-size bit vector.
type Bitmap struct {
	data  []byte
	nbits uint64
}

func New(nbits uint64) *Bitmap {
	nbytes := (nbits + 7) / 8
	return &Bitmap{
		data:  make([]byte, nbytes),
		nbits: nbits,
	}
}

// FromBytes builds a bitmap over an existing byte image (for loading
// on-disk bitmap blocks). The image is copied.
func FromBytes(data []byte, nbits uint64) *Bitmap {
	if uint64(len(data))*8 < nbits {
		panic(fmt.Sprintf("FromBytes: %d bytes for %d bits", len(data), nbits))
	}
	b := New(nbits)
	copy(b.data, data)
	return b
}

func (b *Bitmap) Len() uint64 {
	return b.nbits
}

// Bytes returns the underlying image; the caller must not mutate it.
func (b *Bitmap) Bytes() []byte {
	return b.data
}

func (b *Bitmap) check(n uint64) {
	if n >= b.nbits {
		panic(fmt.Sprintf("bitmap: bit %d out of %d", n, b.nbits))
	}
}

func (b *Bitmap) Set(n uint64) {
	b.check(n)
	b.data[n/8] |= 1 << (n % 8)
}

func (b *Bitmap) Clear(n uint64) {
	b.check(n)
	b.data[n/8] &= ^(byte(1) << (n % 8))
}

func (b *Bitmap) Test(n uint64) bool {
	b.check(n)
	return b.data[n/8]&(1<<(n%8)) != 0
}

// Weight is the population count: the number of set bits.
func (b *Bitmap) Weight() uint64 {
	var w uint64
	for i, by := range b.data {
		// mask the padding bits of the last byte
		if uint64(i) == b.nbits/8 {
			by &= byte(1<<(b.nbits%8)) - 1
		}
		w += uint64(bits.OnesCount8(by))
	}
	return w
}

// FindFirstZero returns the index of the first clear bit, or NotFound.
func (b *Bitmap) FindFirstZero() uint64 {
	return b.FindNextZeroArea(0, 1, 1)
}

// FindNextZeroArea searches from start for a run of length clear bits whose
// first bit is aligned to align. Returns the first bit of the run, or
// NotFound.
func (b *Bitmap) FindNextZeroArea(start uint64, length uint64, align uint64) uint64 {
	if length == 0 || length > b.nbits {
		return NotFound
	}
	if align == 0 {
		align = 1
	}
	var n = start
	// round up to alignment
	if n%align != 0 {
		n += align - n%align
	}
	for n+length <= b.nbits {
		run := uint64(0)
		for run < length && !b.Test(n+run) {
			run++
		}
		if run == length {
			return n
		}
		// skip past the set bit that broke the run
		n = n + run + 1
		if n%align != 0 {
			n += align - n%align
		}
	}
	return NotFound
}

// SetArea sets bits [start, start+length).
func (b *Bitmap) SetArea(start uint64, length uint64) {
	for i := uint64(0); i < length; i++ {
		b.Set(start + i)
	}
}

// ClearArea clears bits [start, start+length).
func (b *Bitmap) ClearArea(start uint64, length uint64) {
	for i := uint64(0); i < length; i++ {
		b.Clear(start + i)
	}
}

// Checksum is a digest of the bit pattern; deterministic for a fixed
// pattern.
func (b *Bitmap) Checksum() []byte {
	return checksum.Sum(b.data)
}
