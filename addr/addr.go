package addr

import (
	"github.com/vexfs/vexjournal/common"
)

// Addr identifies a disk object smaller than a block.
//
// Blkno is the block containing the object, Off is the object's location
// within the block (in bits) and Sz its size (in bits). Bitmap bits have
// Sz == 1; inode records have Sz == common.INODESZ * 8.
type Addr struct {
	Blkno common.Bnum
	Off   uint64 // offset in bits
	Sz    uint64 // size in bits
}

// Flatid maps an address to a unique integer, for lock maps.
func (a Addr) Flatid() uint64 {
	return a.Blkno*common.NBITBLOCK + a.Off
}

func (a Addr) Eq(b Addr) bool {
	return a.Blkno == b.Blkno && a.Off == b.Off && a.Sz == b.Sz
}

func MkAddr(blkno common.Bnum, off uint64, sz uint64) Addr {
	return Addr{Blkno: blkno, Off: off, Sz: sz}
}

// MkBitAddr addresses the n-th bit of a bitmap starting at block start.
func MkBitAddr(start common.Bnum, n uint64) Addr {
	bit := n % common.NBITBLOCK
	i := n / common.NBITBLOCK
	return MkAddr(start+common.Bnum(i), bit, 1)
}

// MkBlockAddr addresses a whole block.
func MkBlockAddr(blkno common.Bnum) Addr {
	return MkAddr(blkno, 0, common.NBITBLOCK)
}
