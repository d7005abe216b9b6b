// Package buf manages sub-block disk objects, to be packed into disk blocks.
//
// Metadata and allocation journaling stage their edits as bufs (a bitmap
// bit, an inode record, or a whole block); at commit the dirty bufs are
// installed into block images and handed to the write-ahead log.
package buf

import (
	"fmt"

	"github.com/vexfs/vexjournal/addr"
	"github.com/vexfs/vexjournal/common"
	"github.com/vexfs/vexjournal/disk"
)

// A Buf is a write to a disk object (an inode record, a bitmap bit, or a
// whole disk block).
type Buf struct {
	Addr  addr.Addr
	Data  []byte
	dirty bool
}

func MkBuf(a addr.Addr, data []byte) *Buf {
	// a bit object still occupies one byte of payload
	if a.Sz == 1 {
		if len(data) != 1 {
			panic(fmt.Sprintf("MkBuf: %d bytes for a bit object", len(data)))
		}
	} else if uint64(len(data)*8) != a.Sz {
		panic(fmt.Sprintf("MkBuf: %d bits for %d-bit object", len(data)*8, a.Sz))
	}
	return &Buf{
		Addr:  a,
		Data:  data,
		dirty: false,
	}
}

// MkBufLoad loads the bits of a disk block into a new buf, as specified by
// addr.
func MkBufLoad(a addr.Addr, blk disk.Block) *Buf {
	bytefirst := a.Off / 8
	bytelast := (a.Off + a.Sz - 1) / 8
	data := blk[bytefirst : bytelast+1]
	return &Buf{
		Addr:  a,
		Data:  data,
		dirty: false,
	}
}

// Install 1 bit from src into dst, at offset bit. return new dst.
func installOneBit(src byte, dst byte, bit uint64) byte {
	var new byte = dst
	if src&(1<<bit) != dst&(1<<bit) {
		if src&(1<<bit) == 0 {
			// dst is 1, but should be 0
			new = new & ^(1 << bit)
		} else {
			// dst is 0, but should be 1
			new = new | (1 << bit)
		}
	}
	return new
}

// Install bit from src to dst, at dstoff in destination. dstoff is in bits.
func installBit(src []byte, dst []byte, dstoff uint64) {
	dstbyte := dstoff / 8
	dst[dstbyte] = installOneBit(src[0], dst[dstbyte], dstoff%8)
}

// Install bytes from src to dst.
func installBytes(src []byte, dst []byte, dstoff uint64, nbit uint64) {
	sz := nbit / 8
	copy(dst[dstoff/8:], src[:sz])
}

// Install installs the bits from buf into blk. Two cases: a bit or a
// byte-aligned object.
func (buf *Buf) Install(blk disk.Block) {
	if buf.Addr.Sz == 1 {
		installBit(buf.Data, blk, buf.Addr.Off)
	} else if buf.Addr.Sz%8 == 0 && buf.Addr.Off%8 == 0 {
		installBytes(buf.Data, blk, buf.Addr.Off, buf.Addr.Sz)
	} else {
		panic("Install unsupported")
	}
}

func (buf *Buf) IsDirty() bool {
	return buf.dirty
}

func (buf *Buf) SetDirty() {
	buf.dirty = true
}

// IsBlock reports whether the buf covers a whole block.
func (buf *Buf) IsBlock() bool {
	return buf.Addr.Sz == common.NBITBLOCK
}
