// Package alloc journals block and inode allocation.
//
// The disk is carved into allocation groups (see layout); each group owns a
// block bitmap, an inode bitmap, and in-memory free counters. Every bitmap
// mutation is staged as a single-bit journal write and committed before the
// allocation is returned to the caller, so a crash can never leak or
// double-allocate: recovery replays the bit writes and ReloadGroups rebuilds
// the in-memory state from the replayed bitmaps.
package alloc

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/vexfs/vexjournal/addr"
	"github.com/vexfs/vexjournal/bitmap"
	"github.com/vexfs/vexjournal/common"
	"github.com/vexfs/vexjournal/disk"
	"github.com/vexfs/vexjournal/jrnl"
	"github.com/vexfs/vexjournal/layout"
	"github.com/vexfs/vexjournal/meta"
	"github.com/vexfs/vexjournal/util"
	"github.com/vexfs/vexjournal/wal"
)

var (
	ErrNoSpace         = errors.New("alloc: no space")
	ErrBadGroup        = errors.New("alloc: no such group")
	ErrGroupExists     = errors.New("alloc: group already exists")
	ErrInvalidArgument = errors.New("alloc: invalid argument")
	ErrNotAllocated    = errors.New("alloc: not allocated")
	ErrInconsistent    = errors.New("alloc: bitmap state inconsistent")
	ErrOverflow        = errors.New("alloc: size computation overflows")
)

// Group is one allocation group. All fields behind mu mirror the group's
// on-disk bitmaps plus bookkeeping the bitmaps cannot hold (ownership
// back-references and intended links).
type Group struct {
	id      uint64
	start   common.Bnum // first data block
	nblocks uint64
	ninodes uint64
	bbmBlk  common.Bnum // block bitmap location
	ibmBlk  common.Bnum

	mu         sync.Mutex
	blockBm    *bitmap.Bitmap
	inodeBm    *bitmap.Bitmap
	freeBlocks uint64
	freeInodes uint64

	blockRefs map[uint64]common.Inum // bit -> owning inode
	inodeRefs map[uint64]bool        // bit -> reachable from a dirent
	pending   map[uint64]common.Inum // bit -> inode an orphaned block should link to
}

func (g *Group) Id() uint64         { return g.id }
func (g *Group) Start() common.Bnum { return g.start }
func (g *Group) BlockCount() uint64 { return g.nblocks }
func (g *Group) InodeCount() uint64 { return g.ninodes }

func (g *Group) FreeBlocks() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.freeBlocks
}
func (g *Group) FreeInodes() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.freeInodes
}

// Manager journals allocation for every group of one filesystem.
type Manager struct {
	fs    *layout.FsSuper
	opMgr *jrnl.Mgr

	mu     sync.Mutex
	groups map[uint64]*Group

	nBlockAllocs uint64 // atomic
	nBlockFrees  uint64 // atomic
	nInodeAllocs uint64 // atomic
	nInodeFrees  uint64 // atomic
	nVecAllocs   uint64 // atomic
}

func MkManager(fs *layout.FsSuper, opMgr *jrnl.Mgr) *Manager {
	return &Manager{
		fs:     fs,
		opMgr:  opMgr,
		groups: make(map[uint64]*Group),
	}
}

func mkGroup(fs *layout.FsSuper, id uint64) *Group {
	return &Group{
		id:        id,
		start:     fs.DataStart(id),
		nblocks:   fs.BlocksPerGroup,
		ninodes:   fs.InodesPerGroup,
		bbmBlk:    fs.BlockBitmapBlk(id),
		ibmBlk:    fs.InodeBitmapBlk(id),
		blockRefs: make(map[uint64]common.Inum),
		inodeRefs: make(map[uint64]bool),
		pending:   make(map[uint64]common.Inum),
	}
}

// GroupCreate registers group id with the given geometry and formats its
// bitmaps (everything free). The geometry must agree with the disk layout.
func (m *Manager) GroupCreate(id uint64, startBlock common.Bnum, blockCount uint64, inodeCount uint64) (*Group, error) {
	if id >= m.fs.NGroups {
		return nil, ErrBadGroup
	}
	if startBlock != m.fs.DataStart(id) || blockCount != m.fs.BlocksPerGroup ||
		inodeCount != m.fs.InodesPerGroup {
		return nil, ErrInvalidArgument
	}
	m.mu.Lock()
	if _, ok := m.groups[id]; ok {
		m.mu.Unlock()
		return nil, ErrGroupExists
	}
	g := mkGroup(m.fs, id)
	g.blockBm = bitmap.New(g.nblocks)
	g.inodeBm = bitmap.New(g.ninodes)
	g.freeBlocks = g.nblocks
	g.freeInodes = g.ninodes
	if id == 0 {
		// inum 0 is NULLINUM; keep its bit permanently allocated
		g.inodeBm.Set(0)
		g.freeInodes--
	}
	m.groups[id] = g
	m.mu.Unlock()

	// format-time writes go straight to disk; there is nothing journaled
	// to be consistent with yet
	zero := make([]byte, disk.BlockSize)
	m.fs.Disk.Write(g.bbmBlk, zero)
	ibm := make([]byte, disk.BlockSize)
	copy(ibm, g.inodeBm.Bytes())
	m.fs.Disk.Write(g.ibmBlk, ibm)
	m.fs.Disk.Barrier()
	util.DPrintf(1, "alloc.GroupCreate: group %d, %d blocks %d inodes\n",
		id, blockCount, inodeCount)
	return g, nil
}

// GroupLoad registers group id and loads its bitmaps from disk.
func (m *Manager) GroupLoad(id uint64) (*Group, error) {
	if id >= m.fs.NGroups {
		return nil, ErrBadGroup
	}
	m.mu.Lock()
	if _, ok := m.groups[id]; ok {
		m.mu.Unlock()
		return nil, ErrGroupExists
	}
	g := mkGroup(m.fs, id)
	g.loadBitmaps(m.fs.Disk)
	m.groups[id] = g
	m.mu.Unlock()
	util.DPrintf(1, "alloc.GroupLoad: group %d, %d/%d blocks free\n",
		id, g.freeBlocks, g.nblocks)
	return g, nil
}

func (g *Group) loadBitmaps(d disk.Disk) {
	g.blockBm = bitmap.FromBytes(d.Read(g.bbmBlk), g.nblocks)
	g.inodeBm = bitmap.FromBytes(d.Read(g.ibmBlk), g.ninodes)
	g.freeBlocks = g.nblocks - g.blockBm.Weight()
	g.freeInodes = g.ninodes - g.inodeBm.Weight()
}

func (m *Manager) group(id uint64) (*Group, error) {
	m.mu.Lock()
	g, ok := m.groups[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrBadGroup
	}
	return g, nil
}

// Groups returns the registered group ids.
func (m *Manager) Groups() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint64, 0, len(m.groups))
	for id := range m.groups {
		ids = append(ids, id)
	}
	return ids
}

// bitByte is the one-byte payload of a single-bit journal write: the value
// sits at the bit's position within its byte.
func bitByte(bit uint64, set bool) []byte {
	if set {
		return []byte{byte(1) << (bit % 8)}
	}
	return []byte{0}
}

// journalBits commits a batch of bitmap-bit writes as one atomic op.
func (m *Manager) journalBits(op wal.OpKind, bm common.Bnum, bits []uint64, set bool, sync bool) error {
	o := jrnl.Begin(m.opMgr, op)
	for _, bit := range bits {
		o.OverWrite(addr.MkBitAddr(bm, bit), bitByte(bit, set))
	}
	// high priority: a full ring checkpoints inline instead of failing
	// the allocation
	return o.CommitWait(sync, wal.PriHigh)
}

// BlockAlloc allocates count contiguous blocks from group id, the first one
// aligned to align (in blocks; 0 or 1 means unaligned). The bit writes are
// journaled before the blocks are handed out.
func (m *Manager) BlockAlloc(id uint64, count uint64, align uint64, sync bool) (common.Bnum, error) {
	if count == 0 {
		return common.NULLBNUM, ErrInvalidArgument
	}
	g, err := m.group(id)
	if err != nil {
		return common.NULLBNUM, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.freeBlocks < count {
		return common.NULLBNUM, ErrNoSpace
	}
	start := g.blockBm.FindNextZeroArea(0, count, align)
	if start == bitmap.NotFound {
		return common.NULLBNUM, ErrNoSpace
	}
	g.blockBm.SetArea(start, count)
	g.freeBlocks -= count

	bits := make([]uint64, 0, count)
	for i := uint64(0); i < count; i++ {
		bits = append(bits, start+i)
	}
	if err := m.journalBits(wal.OpAlloc, g.bbmBlk, bits, true, sync); err != nil {
		g.blockBm.ClearArea(start, count)
		g.freeBlocks += count
		return common.NULLBNUM, err
	}
	atomic.AddUint64(&m.nBlockAllocs, count)
	util.DPrintf(3, "BlockAlloc: group %d [%d,%d)\n", id, start, start+count)
	return g.start + start, nil
}

// BlockFree returns count blocks starting at bnum to group id.
func (m *Manager) BlockFree(id uint64, bnum common.Bnum, count uint64, sync bool) error {
	g, err := m.group(id)
	if err != nil {
		return err
	}
	if bnum < g.start || bnum+count > g.start+g.nblocks {
		return ErrInvalidArgument
	}
	start := bnum - g.start

	g.mu.Lock()
	defer g.mu.Unlock()
	bits := make([]uint64, 0, count)
	for i := uint64(0); i < count; i++ {
		if !g.blockBm.Test(start + i) {
			return ErrNotAllocated
		}
		bits = append(bits, start+i)
	}
	g.blockBm.ClearArea(start, count)
	g.freeBlocks += count
	if err := m.journalBits(wal.OpFree, g.bbmBlk, bits, false, sync); err != nil {
		g.blockBm.SetArea(start, count)
		g.freeBlocks -= count
		return err
	}
	for _, bit := range bits {
		delete(g.blockRefs, bit)
		delete(g.pending, bit)
	}
	atomic.AddUint64(&m.nBlockFrees, count)
	util.DPrintf(3, "BlockFree: group %d [%d,%d)\n", id, start, start+count)
	return nil
}

// InodeAlloc allocates one inode from group id and returns its number.
func (m *Manager) InodeAlloc(id uint64, sync bool) (common.Inum, error) {
	g, err := m.group(id)
	if err != nil {
		return common.NULLINUM, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	bit := g.inodeBm.FindFirstZero()
	if bit == bitmap.NotFound {
		return common.NULLINUM, ErrNoSpace
	}
	g.inodeBm.Set(bit)
	g.freeInodes--
	if err := m.journalBits(wal.OpAlloc, g.ibmBlk, []uint64{bit}, true, sync); err != nil {
		g.inodeBm.Clear(bit)
		g.freeInodes++
		return common.NULLINUM, err
	}
	atomic.AddUint64(&m.nInodeAllocs, 1)
	inum := common.Inum(id*m.fs.InodesPerGroup + bit)
	util.DPrintf(3, "InodeAlloc: group %d bit %d -> inum %d\n", id, bit, inum)
	return inum, nil
}

// InodeFree returns inum to its group.
func (m *Manager) InodeFree(inum common.Inum, sync bool) error {
	if inum == common.NULLINUM {
		return ErrInvalidArgument
	}
	id, bit := m.fs.InodeGroup(inum)
	g, err := m.group(id)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.inodeBm.Test(bit) {
		return ErrNotAllocated
	}
	g.inodeBm.Clear(bit)
	g.freeInodes++
	if err := m.journalBits(wal.OpFree, g.ibmBlk, []uint64{bit}, false, sync); err != nil {
		g.inodeBm.Set(bit)
		g.freeInodes--
		return err
	}
	delete(g.inodeRefs, bit)
	atomic.AddUint64(&m.nInodeFrees, 1)
	return nil
}

// VectorAlloc allocates the contiguous, aligned block run backing a vector
// of vcount elements of dims dimensions. Returns the first block and the
// run length.
func (m *Manager) VectorAlloc(id uint64, dims uint32, elem meta.ElemKind, vcount uint64, align uint64, sync bool) (common.Bnum, uint64, error) {
	esz := elem.ElemSize()
	if dims == 0 || esz == 0 || vcount == 0 {
		return common.NULLBNUM, 0, ErrInvalidArgument
	}
	rowBytes, ok := mulU64(uint64(dims), esz)
	if !ok {
		return common.NULLBNUM, 0, ErrOverflow
	}
	total, ok := mulU64(rowBytes, vcount)
	if !ok || util.SumOverflows(total, disk.BlockSize) {
		return common.NULLBNUM, 0, ErrOverflow
	}
	nblocks := util.RoundUp(total, disk.BlockSize)
	if align == 0 {
		align = 1
	}
	start, err := m.BlockAlloc(id, nblocks, align, sync)
	if err != nil {
		return common.NULLBNUM, 0, err
	}
	atomic.AddUint64(&m.nVecAllocs, 1)
	util.DPrintf(2, "VectorAlloc: %d x %dB x %d -> %d blocks at %d\n",
		dims, esz, vcount, nblocks, start)
	return start, nblocks, nil
}

func mulU64(a uint64, b uint64) (uint64, bool) {
	r := a * b
	if a != 0 && r/a != b {
		return 0, false
	}
	return r, true
}

type Stats struct {
	BlockAllocs uint64
	BlockFrees  uint64
	InodeAllocs uint64
	InodeFrees  uint64
	VecAllocs   uint64
	FreeBlocks  uint64
	FreeInodes  uint64
}

func (m *Manager) Stats() Stats {
	s := Stats{
		BlockAllocs: atomic.LoadUint64(&m.nBlockAllocs),
		BlockFrees:  atomic.LoadUint64(&m.nBlockFrees),
		InodeAllocs: atomic.LoadUint64(&m.nInodeAllocs),
		InodeFrees:  atomic.LoadUint64(&m.nInodeFrees),
		VecAllocs:   atomic.LoadUint64(&m.nVecAllocs),
	}
	m.mu.Lock()
	groups := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		groups = append(groups, g)
	}
	m.mu.Unlock()
	for _, g := range groups {
		g.mu.Lock()
		s.FreeBlocks += g.freeBlocks
		s.FreeInodes += g.freeInodes
		g.mu.Unlock()
	}
	return s
}
