package alloc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vexfs/vexjournal/common"
	"github.com/vexfs/vexjournal/disk"
	"github.com/vexfs/vexjournal/jrnl"
	"github.com/vexfs/vexjournal/layout"
	"github.com/vexfs/vexjournal/meta"
	"github.com/vexfs/vexjournal/wal"
)

// small geometry: 2 groups of 64 blocks and 16 inodes each
func newSmall(t *testing.T) (*Manager, *layout.FsSuper, *disk.MemDisk) {
	d := disk.NewMemDisk(512)
	fs, err := layout.MkFsSuper(d, 64, 2, 64, 16)
	require.NoError(t, err)
	log, err := wal.Init(d, fs.JournalStart, fs.JournalBlocks, wal.ModeOrdered)
	require.NoError(t, err)
	m := MkManager(fs, jrnl.MkMgr(log))
	for g := uint64(0); g < fs.NGroups; g++ {
		_, err := m.GroupCreate(g, fs.DataStart(g), fs.BlocksPerGroup, fs.InodesPerGroup)
		require.NoError(t, err)
	}
	return m, fs, d
}

func TestGroupCreateValidation(t *testing.T) {
	m, fs, _ := newSmall(t)
	_, err := m.GroupCreate(0, fs.DataStart(0), fs.BlocksPerGroup, fs.InodesPerGroup)
	assert.ErrorIs(t, err, ErrGroupExists)
	_, err = m.GroupCreate(9, fs.DataStart(0), fs.BlocksPerGroup, fs.InodesPerGroup)
	assert.ErrorIs(t, err, ErrBadGroup)

	m2 := MkManager(fs, m.opMgr)
	_, err = m2.GroupCreate(0, fs.DataStart(0)+1, fs.BlocksPerGroup, fs.InodesPerGroup)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestBlockAllocFree(t *testing.T) {
	m, fs, _ := newSmall(t)

	bnum, err := m.BlockAlloc(0, 4, 1, true)
	require.NoError(t, err)
	assert.Equal(t, fs.DataStart(0), bnum)

	g, _ := m.group(0)
	assert.Equal(t, fs.BlocksPerGroup-4, g.FreeBlocks())

	require.NoError(t, m.BlockFree(0, bnum, 4, true))
	assert.Equal(t, fs.BlocksPerGroup, g.FreeBlocks())

	assert.ErrorIs(t, m.BlockFree(0, bnum, 4, true), ErrNotAllocated)
	assert.ErrorIs(t, m.BlockFree(0, fs.DataStart(0)-1, 1, true), ErrInvalidArgument)
	_, err = m.BlockAlloc(0, 0, 1, true)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = m.BlockAlloc(5, 1, 1, true)
	assert.ErrorIs(t, err, ErrBadGroup)
}

func TestBlockAllocAligned(t *testing.T) {
	m, fs, _ := newSmall(t)
	// take bit 0 so the next aligned run cannot start there
	_, err := m.BlockAlloc(0, 1, 1, true)
	require.NoError(t, err)

	bnum, err := m.BlockAlloc(0, 8, 8, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), (bnum-fs.DataStart(0))%8)
	assert.Equal(t, fs.DataStart(0)+8, bnum)
}

func TestBlockAllocExhaustion(t *testing.T) {
	m, _, _ := newSmall(t)
	_, err := m.BlockAlloc(0, 64, 1, true)
	require.NoError(t, err)
	_, err = m.BlockAlloc(0, 1, 1, true)
	assert.ErrorIs(t, err, ErrNoSpace)
}

func TestInodeAllocFree(t *testing.T) {
	m, fs, _ := newSmall(t)

	// bit 0 of group 0 is reserved for NULLINUM
	inum, err := m.InodeAlloc(0, true)
	require.NoError(t, err)
	assert.Equal(t, common.Inum(1), inum)
	inum2, err := m.InodeAlloc(1, true)
	require.NoError(t, err)
	assert.Equal(t, common.Inum(fs.InodesPerGroup), inum2)

	require.NoError(t, m.InodeFree(inum, true))
	assert.ErrorIs(t, m.InodeFree(inum, true), ErrNotAllocated)
	assert.ErrorIs(t, m.InodeFree(common.NULLINUM, true), ErrInvalidArgument)

	// exhaustion
	for i := uint64(1); i < fs.InodesPerGroup; i++ {
		_, err := m.InodeAlloc(1, true)
		require.NoError(t, err)
	}
	_, err = m.InodeAlloc(1, true)
	assert.ErrorIs(t, err, ErrNoSpace)
}

func TestVectorAlloc(t *testing.T) {
	m, fs, _ := newSmall(t)

	// 256 float32 dims x 16 vectors = 16KiB = 4 blocks
	bnum, nblocks, err := m.VectorAlloc(0, 256, meta.ElemF32, 16, 4, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), nblocks)
	assert.Equal(t, uint64(0), (bnum-fs.DataStart(0))%4)

	_, _, err = m.VectorAlloc(0, 0, meta.ElemF32, 16, 1, true)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, _, err = m.VectorAlloc(0, 256, meta.ElemNone, 16, 1, true)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, _, err = m.VectorAlloc(0, 1<<31, meta.ElemF32, 1<<62, 1, true)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestAllocationJournaledAcrossCrash(t *testing.T) {
	m, fs, d := newSmall(t)

	bnum, err := m.BlockAlloc(0, 3, 1, true)
	require.NoError(t, err)
	inum, err := m.InodeAlloc(0, true)
	require.NoError(t, err)

	// crash: reopen the journal on the same disk and replay the log
	log2, err := wal.Open(d, fs.JournalStart, fs.JournalBlocks)
	require.NoError(t, err)
	txns, partials, err := log2.Recover(0)
	require.NoError(t, err)
	assert.Empty(t, partials)
	for _, txn := range txns {
		for _, r := range txn.Records {
			r.Install(d)
		}
	}

	// a fresh manager sees the allocations in the replayed bitmaps
	m2 := MkManager(fs, jrnl.MkMgr(log2))
	g, err := m2.GroupLoad(0)
	require.NoError(t, err)
	assert.Equal(t, fs.BlocksPerGroup-3, g.FreeBlocks())
	// one allocated inode plus the reserved null inum
	assert.Equal(t, fs.InodesPerGroup-2, g.FreeInodes())

	// and can free them
	require.NoError(t, m2.BlockFree(0, bnum, 3, true))
	require.NoError(t, m2.InodeFree(inum, true))
	require.NoError(t, m2.ConsistencyCheck(0))
}

func TestOrphanLifecycle(t *testing.T) {
	m, fs, _ := newSmall(t)

	owned, err := m.BlockAlloc(0, 1, 1, true)
	require.NoError(t, err)
	require.NoError(t, m.RegisterBlockRef(0, owned, common.ROOTINUM))

	leaked, err := m.BlockAlloc(0, 1, 1, true)
	require.NoError(t, err)

	linked, err := m.BlockAlloc(0, 1, 1, true)
	require.NoError(t, err)
	require.NoError(t, m.AddPendingLink(0, linked, common.Inum(5)))

	inum, err := m.InodeAlloc(0, true)
	require.NoError(t, err)

	orphans, err := m.DetectOrphans(0)
	require.NoError(t, err)
	// leaked block, pending-link block, unlinked inode
	assert.Len(t, orphans, 3)

	completed, freed, err := m.ResolveOrphans(orphans, true)
	require.NoError(t, err)
	assert.Equal(t, 1, completed) // linked got its pending link
	assert.Equal(t, 2, freed)     // leaked block and orphan inode

	// idempotent: nothing left to resolve
	orphans, err = m.DetectOrphans(0)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	g, _ := m.group(0)
	assert.Equal(t, fs.BlocksPerGroup-2, g.FreeBlocks())
	assert.Equal(t, fs.InodesPerGroup-1, g.FreeInodes())
	// the leaked block and the orphan inode really were freed
	assert.ErrorIs(t, m.BlockFree(0, leaked, 1, true), ErrNotAllocated)
	assert.ErrorIs(t, m.InodeFree(inum, true), ErrNotAllocated)
	require.NoError(t, m.FullConsistencyCheck())
}

func TestRefValidation(t *testing.T) {
	m, fs, _ := newSmall(t)
	free := fs.DataStart(0) + 10
	assert.ErrorIs(t, m.RegisterBlockRef(0, free, 1), ErrNotAllocated)
	assert.ErrorIs(t, m.AddPendingLink(0, free, 1), ErrNotAllocated)
	assert.ErrorIs(t, m.RegisterInodeRef(3), ErrNotAllocated)
	assert.ErrorIs(t, m.RegisterBlockRef(0, fs.DataStart(1)+1, 1), ErrInvalidArgument)
}

func TestConsistencyCheckDetectsDamage(t *testing.T) {
	m, _, _ := newSmall(t)
	_, err := m.BlockAlloc(0, 2, 1, true)
	require.NoError(t, err)
	require.NoError(t, m.ConsistencyCheck(0))

	// corrupt the in-memory counter
	g, _ := m.group(0)
	g.mu.Lock()
	g.freeBlocks++
	g.mu.Unlock()
	assert.ErrorIs(t, m.ConsistencyCheck(0), ErrInconsistent)
	assert.ErrorIs(t, m.FullConsistencyCheck(), ErrInconsistent)
}

func TestReloadGroups(t *testing.T) {
	m, fs, _ := newSmall(t)
	bnum, err := m.BlockAlloc(0, 2, 1, true)
	require.NoError(t, err)
	require.NoError(t, m.RegisterBlockRef(0, bnum, 1))

	// install the journaled bits home, then reload from disk
	require.NoError(t, m.opMgr.Log().Checkpoint(wal.CkptFull, 0))
	m.ReloadGroups()

	g, _ := m.group(0)
	assert.Equal(t, fs.BlocksPerGroup-2, g.FreeBlocks())
	require.NoError(t, m.ConsistencyCheck(0))
}

// larger geometry for the contention scenario
func TestConcurrentAllocators(t *testing.T) {
	const (
		workers   = 8
		perWorker = 1000
	)
	d := disk.NewMemDisk(20000)
	fs, err := layout.MkFsSuper(d, 256, 1, 16384, 16)
	require.NoError(t, err)
	log, err := wal.Init(d, fs.JournalStart, fs.JournalBlocks, wal.ModeOrdered)
	require.NoError(t, err)
	m := MkManager(fs, jrnl.MkMgr(log))
	_, err = m.GroupCreate(0, fs.DataStart(0), fs.BlocksPerGroup, fs.InodesPerGroup)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]common.Bnum, workers)
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				bnum, err := m.BlockAlloc(0, 1, 1, true)
				if err != nil {
					t.Error(err)
					return
				}
				results[w] = append(results[w], bnum)
			}
		}()
	}
	wg.Wait()

	// no block was handed out twice
	seen := make(map[common.Bnum]bool)
	for _, rs := range results {
		for _, bnum := range rs {
			assert.False(t, seen[bnum], "block %d allocated twice", bnum)
			seen[bnum] = true
		}
	}
	assert.Len(t, seen, workers*perWorker)

	g, _ := m.group(0)
	assert.Equal(t, fs.BlocksPerGroup-uint64(workers*perWorker), g.FreeBlocks())
	require.NoError(t, m.ConsistencyCheck(0))

	s := m.Stats()
	assert.Equal(t, uint64(workers*perWorker), s.BlockAllocs)
}
