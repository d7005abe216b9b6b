// Package jrnl is the atomic operation manager.
//
// An Op buffers sub-block writes (bitmap bits, inode records, whole blocks)
// locally; CommitWait installs the dirty buffers into block images and
// commits them as one core-journal transaction, so either every joined
// sub-operation is visible afterwards or none is. Joining merges another
// op's buffers into this one, which is how "update inode" and "update
// dentry" become a single durable unit.
//
// The caller locks objects before using them in an op; block-image
// assembly at commit takes per-block locks internally so concurrent ops
// touching different objects in the same block stay correct.
package jrnl

import (
	"sort"

	"github.com/vexfs/vexjournal/addr"
	"github.com/vexfs/vexjournal/buf"
	"github.com/vexfs/vexjournal/common"
	"github.com/vexfs/vexjournal/disk"
	"github.com/vexfs/vexjournal/lockmap"
	"github.com/vexfs/vexjournal/util"
	"github.com/vexfs/vexjournal/wal"
)

// Mgr mediates op commits into the core journal. There is one Mgr per
// journal.
type Mgr struct {
	log   *wal.Journal
	locks *lockmap.LockMap
}

func MkMgr(log *wal.Journal) *Mgr {
	return &Mgr{
		log:   log,
		locks: lockmap.MkLockMap(),
	}
}

func (m *Mgr) Log() *wal.Journal {
	return m.log
}

// Op is an in-progress atomic operation.
type Op struct {
	mgr  *Mgr
	op   wal.OpKind
	bufs *buf.BufMap
}

// Begin starts an atomic operation.
func Begin(mgr *Mgr, op wal.OpKind) *Op {
	o := &Op{
		mgr:  mgr,
		op:   op,
		bufs: buf.MkBufMap(),
	}
	util.DPrintf(3, "jrnl.Begin: %p op %v\n", o, op)
	return o
}

// ReadBuf reads a disk object into the op, caching it for later reads and
// writes within the same op.
func (o *Op) ReadBuf(a addr.Addr) *buf.Buf {
	b := o.bufs.Lookup(a)
	if b == nil {
		blk := o.mgr.log.Read(a.Blkno)
		b = buf.MkBufLoad(a, blk)
		o.bufs.Insert(b)
	}
	return b
}

// OverWrite buffers a write to addr without reading it first. A later
// OverWrite to the same address absorbs the earlier one.
func (o *Op) OverWrite(a addr.Addr, data []byte) {
	b := o.bufs.Lookup(a)
	if b == nil {
		b = buf.MkBuf(a, data)
		o.bufs.Insert(b)
	} else {
		if b.Addr.Sz != 1 && uint64(len(data)*8) != b.Addr.Sz {
			panic("OverWrite: size mismatch")
		}
		b.Data = data
	}
	b.SetDirty()
}

// Join merges other's buffered writes into o; other must not be used
// afterwards. Overlapping addresses take other's version.
func (o *Op) Join(other *Op) {
	for _, b := range other.bufs.TakeAll() {
		if prev := o.bufs.Lookup(b.Addr); prev != nil {
			o.bufs.Del(b.Addr)
		}
		o.bufs.Insert(b)
	}
	util.DPrintf(3, "jrnl.Join: %p <- %p\n", o, other)
}

// NDirty reports an upper bound on the blocks this op will log.
func (o *Op) NDirty() uint64 {
	return o.bufs.Ndirty()
}

// installBufs assembles the dirty bufs into whole-block images, locking
// each touched block while it is read-modified.
func (o *Op) installBufs(dirty []*buf.Buf) map[common.Bnum][]byte {
	blks := make(map[common.Bnum][]byte)

	var blknos []common.Bnum
	for _, b := range dirty {
		if !b.IsBlock() {
			blknos = append(blknos, b.Addr.Blkno)
		}
	}
	sort.Slice(blknos, func(i, j int) bool { return blknos[i] < blknos[j] })
	uniq := blknos[:0]
	var last common.Bnum
	for i, bno := range blknos {
		if i == 0 || bno != last {
			uniq = append(uniq, bno)
			last = bno
		}
	}

	for _, bno := range uniq {
		o.mgr.locks.Acquire(bno)
	}
	defer func() {
		for _, bno := range uniq {
			o.mgr.locks.Release(bno)
		}
	}()

	for _, b := range dirty {
		if b.IsBlock() {
			blks[b.Addr.Blkno] = b.Data
			continue
		}
		blk, ok := blks[b.Addr.Blkno]
		if !ok {
			blk = o.mgr.log.Read(b.Addr.Blkno)
			blks[b.Addr.Blkno] = blk
		}
		b.Install(blk)
	}
	return blks
}

// CommitWait commits the op's dirty buffers as one journal transaction.
// Metadata sub-block objects are always logged; whole data blocks follow
// the journal's mode. Committing an op with no dirty buffers succeeds
// without I/O.
func (o *Op) CommitWait(wait bool, pri wal.Priority) error {
	dirty := o.bufs.DirtyBufs()
	if len(dirty) == 0 {
		util.DPrintf(4, "jrnl.CommitWait: %p read-only\n", o)
		return nil
	}
	blks := o.installBufs(dirty)

	// whole-block bufs that aren't sub-block metadata follow the mode
	meta := make(map[common.Bnum]bool)
	for _, b := range dirty {
		if !b.IsBlock() {
			meta[b.Addr.Blkno] = true
		}
	}

	txn, err := o.mgr.log.Begin(uint64(len(blks)), o.op, pri)
	if err != nil {
		return err
	}
	// deterministic log order
	var order []common.Bnum
	for bno := range blks {
		order = append(order, bno)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	for _, bno := range order {
		if meta[bno] {
			err = txn.AddMetaBlock(bno, blks[bno])
		} else {
			err = txn.AddBlock(bno, blks[bno])
		}
		if err != nil {
			txn.Abort()
			return err
		}
	}
	if err := txn.CommitWait(wait); err != nil {
		return err
	}
	util.DPrintf(3, "jrnl.CommitWait: %p seq %d, %d blocks\n", o, txn.Seq, len(blks))
	return nil
}

// Flush makes every asynchronously-committed op durable.
func (m *Mgr) Flush() {
	m.log.Flush()
}

// Abort discards the op; nothing was written.
func (o *Op) Abort() {
	o.bufs = buf.MkBufMap()
	util.DPrintf(3, "jrnl.Abort: %p\n", o)
}

// ReadBlock is a convenience for whole-block reads within an op.
func (o *Op) ReadBlock(blkno common.Bnum) *buf.Buf {
	return o.ReadBuf(addr.MkBlockAddr(blkno))
}

// OverWriteBlock buffers a whole-block write.
func (o *Op) OverWriteBlock(blkno common.Bnum, blk disk.Block) {
	o.OverWrite(addr.MkBlockAddr(blkno), blk)
}
