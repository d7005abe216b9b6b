package buf

import (
	"github.com/vexfs/vexjournal/addr"
	"github.com/vexfs/vexjournal/common"
)

// BufMap maps addresses to bufs buffered by an operation.
type BufMap struct {
	addrs map[common.Bnum][]*Buf
}

func MkBufMap() *BufMap {
	return &BufMap{
		addrs: make(map[common.Bnum][]*Buf),
	}
}

func (bmap *BufMap) Insert(b *Buf) {
	blkno := b.Addr.Blkno
	bmap.addrs[blkno] = append(bmap.addrs[blkno], b)
}

func (bmap *BufMap) Lookup(a addr.Addr) *Buf {
	for _, b := range bmap.addrs[a.Blkno] {
		if a.Eq(b.Addr) {
			return b
		}
	}
	return nil
}

func (bmap *BufMap) Del(a addr.Addr) {
	bufs, found := bmap.addrs[a.Blkno]
	if !found {
		panic("Del")
	}
	for i, b := range bufs {
		if b.Addr.Eq(a) {
			bmap.addrs[a.Blkno] = append(bufs[:i], bufs[i+1:]...)
			return
		}
	}
	panic("Del")
}

func (bmap *BufMap) Ndirty() uint64 {
	n := uint64(0)
	for _, bufs := range bmap.addrs {
		for _, b := range bufs {
			if b.dirty {
				n += 1
			}
		}
	}
	return n
}

func (bmap *BufMap) DirtyBufs() []*Buf {
	var dirty []*Buf
	for _, bufs := range bmap.addrs {
		for _, b := range bufs {
			if b.dirty {
				dirty = append(dirty, b)
			}
		}
	}
	return dirty
}

// TakeAll removes and returns every buffered buf, dirty or not.
func (bmap *BufMap) TakeAll() []*Buf {
	var all []*Buf
	for _, bufs := range bmap.addrs {
		all = append(all, bufs...)
	}
	bmap.addrs = make(map[common.Bnum][]*Buf)
	return all
}
