// Package metajrnl journals filesystem metadata: inode records and
// directory entries.
//
// Writes are staged in memory and flushed either synchronously (one op per
// record) or in batches (all staged records in a single atomic op). Decoded
// records are kept in a bounded cache keyed by (object id, record kind), so
// hot metadata avoids repeated decode and checksum work.
package metajrnl

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/vexfs/vexjournal/addr"
	"github.com/vexfs/vexjournal/common"
	"github.com/vexfs/vexjournal/jrnl"
	"github.com/vexfs/vexjournal/layout"
	"github.com/vexfs/vexjournal/lockmap"
	"github.com/vexfs/vexjournal/meta"
	"github.com/vexfs/vexjournal/metrics"
	"github.com/vexfs/vexjournal/util"
	"github.com/vexfs/vexjournal/wal"
)

var ErrNotFound = errors.New("metajrnl: record not cached")

// RecordKind distinguishes the cached record types.
type RecordKind uint32

const (
	KindInode RecordKind = iota
	KindDirEnt
)

// DefaultCacheSlots bounds the decoded-record cache.
const DefaultCacheSlots uint64 = 1024

type cacheKey struct {
	id   uint64
	kind RecordKind
}

// staged is one record waiting for BatchCommit.
type staged struct {
	ip *meta.Inode
	op wal.OpKind
}

// Manager journals inode and directory-entry updates.
type Manager struct {
	fs    *layout.FsSuper
	opMgr *jrnl.Mgr
	locks *lockmap.LockMap // per-inum

	mu     sync.Mutex
	batch  []staged
	cache  map[cacheKey]interface{}
	order  []cacheKey // eviction order, oldest first
	nslots uint64

	hits     uint64 // atomic
	misses   uint64 // atomic
	inodeOps uint64
	totalOps uint64
}

func MkManager(fs *layout.FsSuper, opMgr *jrnl.Mgr) *Manager {
	return &Manager{
		fs:     fs,
		opMgr:  opMgr,
		locks:  lockmap.MkLockMap(),
		cache:  make(map[cacheKey]interface{}),
		nslots: DefaultCacheSlots,
	}
}

// SetCacheSlots resizes the decoded-record cache bound.
func (m *Manager) SetCacheSlots(n uint64) {
	m.mu.Lock()
	m.nslots = n
	m.evictLocked()
	m.mu.Unlock()
}

func (m *Manager) evictLocked() {
	for uint64(len(m.order)) > m.nslots {
		victim := m.order[0]
		m.order = m.order[1:]
		delete(m.cache, victim)
	}
}

func (m *Manager) cachePutLocked(k cacheKey, v interface{}) {
	if m.nslots == 0 {
		return
	}
	if _, ok := m.cache[k]; !ok {
		m.order = append(m.order, k)
	}
	m.cache[k] = v
	m.evictLocked()
}

// CachePut caches a decoded record under (id, kind).
func (m *Manager) CachePut(id uint64, kind RecordKind, v interface{}) {
	m.mu.Lock()
	m.cachePutLocked(cacheKey{id: id, kind: kind}, v)
	m.mu.Unlock()
}

// CacheGet returns the cached record for (id, kind), or ErrNotFound. Hit and
// miss counts feed Stats.
func (m *Manager) CacheGet(id uint64, kind RecordKind) (interface{}, error) {
	m.mu.Lock()
	v, ok := m.cache[cacheKey{id: id, kind: kind}]
	m.mu.Unlock()
	if !ok {
		atomic.AddUint64(&m.misses, 1)
		metrics.MetaCacheMisses.Inc()
		return nil, ErrNotFound
	}
	atomic.AddUint64(&m.hits, 1)
	metrics.MetaCacheHits.Inc()
	return v, nil
}

// writeInode stages ip's record into op.
func (m *Manager) writeInode(op *jrnl.Op, ip *meta.Inode) {
	rec := meta.EncodeInode(ip)
	op.OverWrite(m.fs.InodeAddr(ip.Inum), rec)
}

// JournalInodeCreate journals a freshly-initialized inode record. With
// sync=true the record is committed immediately; otherwise it joins the
// next BatchCommit.
func (m *Manager) JournalInodeCreate(ip *meta.Inode, sync bool) error {
	return m.journalInode(ip, wal.OpCreate, sync)
}

// JournalInodeUpdate journals an update to an existing inode record.
func (m *Manager) JournalInodeUpdate(ip *meta.Inode, sync bool) error {
	return m.journalInode(ip, wal.OpMetaUpdate, sync)
}

func (m *Manager) journalInode(ip *meta.Inode, kind wal.OpKind, sync bool) error {
	m.mu.Lock()
	m.inodeOps++
	m.totalOps++
	m.cachePutLocked(cacheKey{id: uint64(ip.Inum), kind: KindInode}, ip)
	if !sync {
		m.batch = append(m.batch, staged{ip: ip, op: kind})
		m.mu.Unlock()
		util.DPrintf(3, "metajrnl: staged inode %d (%d pending)\n",
			ip.Inum, len(m.batch))
		return nil
	}
	m.mu.Unlock()

	op := jrnl.Begin(m.opMgr, kind)
	m.writeInode(op, ip)
	return op.CommitWait(true, wal.PriNormal)
}

// dirEntId flattens a directory slot to a cache id.
func dirEntId(blkno common.Bnum, slot uint64) uint64 {
	return blkno*(common.BlockSize/meta.DIRENTSZ) + slot
}

// dirEntAddr is the sub-block address of the slot-th entry of a directory
// block.
func dirEntAddr(blkno common.Bnum, slot uint64) addr.Addr {
	if (slot+1)*meta.DIRENTSZ*8 > common.NBITBLOCK {
		panic("dirEntAddr: slot out of block")
	}
	return addr.MkAddr(blkno, slot*meta.DIRENTSZ*8, meta.DIRENTSZ*8)
}

// JournalDirEnt journals one directory-entry slot of a directory block.
// slot is the entry index within the block.
func (m *Manager) JournalDirEnt(blkno common.Bnum, slot uint64, de *meta.DirEnt, sync bool) error {
	rec, err := meta.EncodeDirEnt(de)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.totalOps++
	m.cachePutLocked(cacheKey{id: dirEntId(blkno, slot), kind: KindDirEnt}, de)
	m.mu.Unlock()

	op := jrnl.Begin(m.opMgr, wal.OpMetaUpdate)
	op.OverWrite(dirEntAddr(blkno, slot), rec)
	return op.CommitWait(sync, wal.PriNormal)
}

// ReadDirEnt returns the directory entry at (blkno, slot), from cache when
// possible.
func (m *Manager) ReadDirEnt(blkno common.Bnum, slot uint64) (*meta.DirEnt, error) {
	if v, err := m.CacheGet(dirEntId(blkno, slot), KindDirEnt); err == nil {
		return v.(*meta.DirEnt), nil
	}
	op := jrnl.Begin(m.opMgr, wal.OpMetaUpdate)
	b := op.ReadBuf(dirEntAddr(blkno, slot))
	de, err := meta.DecodeDirEnt(b.Data)
	op.Abort()
	if err != nil {
		return nil, err
	}
	m.CachePut(dirEntId(blkno, slot), KindDirEnt, de)
	return de, nil
}

// BatchCommit commits every staged record as a single atomic operation.
// Committing with nothing staged is a successful no-op.
func (m *Manager) BatchCommit(sync bool) error {
	m.mu.Lock()
	batch := m.batch
	m.batch = nil
	m.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	op := jrnl.Begin(m.opMgr, wal.OpMetaUpdate)
	for _, s := range batch {
		m.writeInode(op, s.ip)
	}
	err := op.CommitWait(sync, wal.PriNormal)
	if err != nil {
		// the records stay unjournaled; put them back for a retry
		m.mu.Lock()
		m.batch = append(batch, m.batch...)
		m.mu.Unlock()
		return err
	}
	util.DPrintf(2, "metajrnl.BatchCommit: %d records\n", len(batch))
	return nil
}

// Pending reports the number of staged, uncommitted records.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batch)
}

// ReadInode returns inum's record, from cache when possible. The returned
// inode is shared with the cache; callers mutate it only while holding the
// inode lock.
func (m *Manager) ReadInode(inum common.Inum) (*meta.Inode, error) {
	if v, err := m.CacheGet(uint64(inum), KindInode); err == nil {
		return v.(*meta.Inode), nil
	}
	op := jrnl.Begin(m.opMgr, wal.OpMetaUpdate)
	b := op.ReadBuf(m.fs.InodeAddr(inum))
	ip, err := meta.DecodeInode(b.Data)
	op.Abort()
	if err != nil {
		return nil, err
	}
	m.CachePut(uint64(inum), KindInode, ip)
	return ip, nil
}

// LockInode serializes writers of one inode.
func (m *Manager) LockInode(inum common.Inum) {
	m.locks.Acquire(uint64(inum))
}

func (m *Manager) UnlockInode(inum common.Inum) {
	m.locks.Release(uint64(inum))
}

// Invalidate drops (id, kind) from the cache; recovery invalidates after
// replaying metadata blocks.
func (m *Manager) Invalidate(id uint64, kind RecordKind) {
	k := cacheKey{id: id, kind: kind}
	m.mu.Lock()
	if _, ok := m.cache[k]; ok {
		delete(m.cache, k)
		for i, o := range m.order {
			if o == k {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
}

// InvalidateAll empties the cache.
func (m *Manager) InvalidateAll() {
	m.mu.Lock()
	m.cache = make(map[cacheKey]interface{})
	m.order = nil
	m.mu.Unlock()
}

type Stats struct {
	InodeOps    uint64
	TotalOps    uint64
	CacheHits   uint64
	CacheMisses uint64
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	s := Stats{InodeOps: m.inodeOps, TotalOps: m.totalOps}
	m.mu.Unlock()
	s.CacheHits = atomic.LoadUint64(&m.hits)
	s.CacheMisses = atomic.LoadUint64(&m.misses)
	return s
}
