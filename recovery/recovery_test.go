package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vexfs/vexjournal/alloc"
	"github.com/vexfs/vexjournal/common"
	"github.com/vexfs/vexjournal/disk"
	"github.com/vexfs/vexjournal/jrnl"
	"github.com/vexfs/vexjournal/layout"
	"github.com/vexfs/vexjournal/metajrnl"
	"github.com/vexfs/vexjournal/wal"
)

const (
	tStart common.Bnum = 1
	tTotal uint64      = 66
	tDisk  uint64      = 1000
)

func mkBlock(b byte) disk.Block {
	blk := make(disk.Block, disk.BlockSize)
	for i := range blk {
		blk[i] = b
	}
	return blk
}

func commitBlock(t *testing.T, j *wal.Journal, blkno common.Bnum, b byte) {
	txn, err := j.Begin(1, wal.OpWrite, wal.PriHigh)
	require.NoError(t, err)
	require.NoError(t, txn.AddBlock(blkno, mkBlock(b)))
	require.NoError(t, txn.Commit())
}

// writeWorkload commits the same transactions, including overlapping block
// writes, so two disks end up with identical journals.
func writeWorkload(t *testing.T, j *wal.Journal) {
	commitBlock(t, j, 500, 0x01)
	commitBlock(t, j, 501, 0x01)
	commitBlock(t, j, 501, 0x02) // overwrites txn 2's block
	commitBlock(t, j, 502, 0x03)
	commitBlock(t, j, 500, 0x05) // overwrites txn 1's block
}

func crashJournal(t *testing.T, mode wal.Mode) (*wal.Journal, *disk.MemDisk) {
	d := disk.NewMemDisk(tDisk)
	j, err := wal.Init(d, tStart, tTotal, mode)
	require.NoError(t, err)
	writeWorkload(t, j)
	// crash: reopen the same disk
	j2, err := wal.Open(d, tStart, tTotal)
	require.NoError(t, err)
	return j2, d
}

func newRecovery(t *testing.T, j *wal.Journal) *Manager {
	m, err := NewManager(j, jrnl.MkMgr(j), nil, nil)
	require.NoError(t, err)
	return m
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(nil, nil, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestStartReplaysCommitted(t *testing.T) {
	j, d := crashJournal(t, wal.ModeJournal)
	m := newRecovery(t, j)
	assert.Equal(t, StateIdle, m.State())

	require.NoError(t, m.Start(0))
	assert.Equal(t, StateComplete, m.State())

	assert.Equal(t, mkBlock(0x05), d.Read(500))
	assert.Equal(t, mkBlock(0x02), d.Read(501))
	assert.Equal(t, mkBlock(0x03), d.Read(502))

	s := m.Stats()
	assert.Equal(t, uint64(1), s.TotalRecoveries)
	assert.Equal(t, uint64(5), s.ReplayedTxns)
	assert.Equal(t, uint64(0), s.SkippedTxns)

	// recovery ends with a fresh checkpoint covering the replayed history
	ckpt, ok := j.LatestCheckpoint()
	require.True(t, ok)
	assert.Equal(t, j.Head(), ckpt.Pos)
}

func TestRecoveryIsIdempotent(t *testing.T) {
	j, d := crashJournal(t, wal.ModeJournal)
	m := newRecovery(t, j)
	require.NoError(t, m.Start(0))
	want := [3]disk.Block{d.Read(500), d.Read(501), d.Read(502)}

	require.NoError(t, m.Start(0))
	assert.Equal(t, StateComplete, m.State())
	assert.Equal(t, want[0], d.Read(500))
	assert.Equal(t, want[1], d.Read(501))
	assert.Equal(t, want[2], d.Read(502))

	// a full-scan run replays the same absolute writes again, to the same
	// final state
	require.NoError(t, m.Start(FlagFullScan))
	assert.Equal(t, want[0], d.Read(500))
	assert.Equal(t, want[1], d.Read(501))
	assert.Equal(t, want[2], d.Read(502))
}

func TestParallelMatchesSerial(t *testing.T) {
	jSerial, dSerial := crashJournal(t, wal.ModeJournal)
	jParallel, dParallel := crashJournal(t, wal.ModeJournal)

	mSerial := newRecovery(t, jSerial)
	require.NoError(t, mSerial.Start(FlagSerial))

	mParallel := newRecovery(t, jParallel)
	require.NoError(t, mParallel.Start(0))

	for _, blkno := range []common.Bnum{500, 501, 502} {
		assert.Equal(t, dSerial.Read(blkno), dParallel.Read(blkno), "block %d", blkno)
	}
}

func TestReplayJournalRange(t *testing.T) {
	j, d := crashJournal(t, wal.ModeJournal)
	m := newRecovery(t, j)

	_, err := m.ReplayJournal(5, 5, 0)
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = m.ReplayJournal(7, 2, 0)
	assert.ErrorIs(t, err, ErrInvalidRange)

	// replay only the first two transactions
	n, err := m.ReplayJournal(1, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, mkBlock(0x01), d.Read(500))
	assert.Equal(t, mkBlock(0x01), d.Read(501))
	assert.Equal(t, mkBlock(0), d.Read(502))

	done, total, phase, pct := m.GetProgress()
	assert.Equal(t, done, total)
	assert.Equal(t, StateReplaying, phase)
	assert.Equal(t, float64(100), pct)
}

func TestPartialTxnDetection(t *testing.T) {
	j, d := crashJournal(t, wal.ModeJournal)
	// tear the payload of the last transaction (descriptor at head-2)
	d.Write(tStart+wal.HdrBlocks+(j.Head()-1), mkBlock(0xff))

	m := newRecovery(t, j)
	partials, err := m.DetectPartialTxns()
	require.NoError(t, err)
	require.Len(t, partials, 1)
	assert.Equal(t, common.SeqNum(5), partials[0].Seq)

	n, err := m.CleanupPartialTxns()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// the torn transaction is never replayed; block 500 keeps txn 1's value
	require.NoError(t, m.Start(0))
	assert.Equal(t, mkBlock(0x01), d.Read(500))
	assert.Equal(t, mkBlock(0x02), d.Read(501))
	s := m.Stats()
	assert.Equal(t, uint64(2), s.SkippedTxns) // cleanup + start both saw it
}

func TestWorkerLimits(t *testing.T) {
	j, _ := crashJournal(t, wal.ModeJournal)
	m := newRecovery(t, j)

	assert.ErrorIs(t, m.CreateWorkers(0), ErrInvalidArgument)
	assert.ErrorIs(t, m.CreateWorkers(MaxWorkers()+1), ErrTooManyWorkers)

	n := MaxWorkers()
	require.NoError(t, m.CreateWorkers(n))
	assert.Equal(t, n, m.Workers())
	m.CleanupWorkers()
	assert.Equal(t, 0, m.Workers())

	assert.ErrorIs(t, m.ParallelReplay(nil), ErrNoWorkers)
	assert.ErrorIs(t, m.AssignWork(nil), ErrNoWorkers)
}

func TestMmapWindow(t *testing.T) {
	j, d := crashJournal(t, wal.ModeJournal)
	m := newRecovery(t, j)

	assert.ErrorIs(t, m.MmapJournal(3, 3), ErrInvalidRange)
	assert.ErrorIs(t, m.MmapJournal(j.Tail(), j.Head()+1), ErrInvalidRange)
	assert.ErrorIs(t, m.MunmapJournal(), ErrNotMapped)

	// MemDisk has no mmap; the window falls back to a copy and scans
	// identically
	require.NoError(t, m.MmapJournal(j.Tail(), j.Head()))
	n, err := m.ReplayJournal(1, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.NoError(t, m.MunmapJournal())

	assert.Equal(t, mkBlock(0x05), d.Read(500))
}

func TestStartWithMmap(t *testing.T) {
	j, d := crashJournal(t, wal.ModeJournal)
	m := newRecovery(t, j)
	require.NoError(t, m.Start(FlagMmap))
	assert.Equal(t, StateComplete, m.State())
	assert.Equal(t, mkBlock(0x05), d.Read(500))
}

func TestBadCheckpointIsFatal(t *testing.T) {
	j, d := crashJournal(t, wal.ModeJournal)
	blk := d.Read(tStart + 1)
	blk[9] ^= 0xff
	d.Write(tStart+1, blk)

	m := newRecovery(t, j)
	err := m.Start(0)
	assert.ErrorIs(t, err, ErrBadCheckpoint)
	assert.Equal(t, StateFailed, m.State())
}

func TestCheckpointHelpers(t *testing.T) {
	j, _ := crashJournal(t, wal.ModeJournal)
	m := newRecovery(t, j)

	_, found, err := m.FindLatestCheckpoint()
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, m.CreateCheckpoint(wal.CkptFull))
	ckpt, found, err := m.FindLatestCheckpoint()
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, j.Head(), ckpt.Pos)

	require.NoError(t, m.CreateCheckpoint(wal.CkptFull))
	assert.Equal(t, 1, m.CleanupOldCheckpoints(1))
}

// full integration: journaled allocations and metadata survive a crash, and
// unreferenced allocations are resolved as orphans.
func TestFullRecoveryFlow(t *testing.T) {
	d := disk.NewMemDisk(512)
	fs, err := layout.MkFsSuper(d, 64, 1, 64, 16)
	require.NoError(t, err)
	log, err := wal.Init(d, fs.JournalStart, fs.JournalBlocks, wal.ModeOrdered)
	require.NoError(t, err)
	opMgr := jrnl.MkMgr(log)
	allocMgr := alloc.MkManager(fs, opMgr)
	_, err = allocMgr.GroupCreate(0, fs.DataStart(0), fs.BlocksPerGroup, fs.InodesPerGroup)
	require.NoError(t, err)

	// two allocations; neither gets linked before the crash
	_, err = allocMgr.BlockAlloc(0, 2, 1, true)
	require.NoError(t, err)
	_, err = allocMgr.InodeAlloc(0, true)
	require.NoError(t, err)

	// crash and recover with fresh managers
	log2, err := wal.Open(d, fs.JournalStart, fs.JournalBlocks)
	require.NoError(t, err)
	opMgr2 := jrnl.MkMgr(log2)
	metaMgr2 := metajrnl.MkManager(fs, opMgr2)
	allocMgr2 := alloc.MkManager(fs, opMgr2)
	_, err = allocMgr2.GroupLoad(0)
	require.NoError(t, err)

	m, err := NewManager(log2, opMgr2, metaMgr2, allocMgr2)
	require.NoError(t, err)

	// first, recovery that preserves the allocations
	require.NoError(t, m.Start(FlagSkipOrphans))
	assert.Equal(t, StateComplete, m.State())
	require.NoError(t, allocMgr2.ConsistencyCheck(0))
	g := allocMgr2.Stats()
	assert.Equal(t, fs.BlocksPerGroup-2, g.FreeBlocks)
	// one allocated inode plus the reserved null inum
	assert.Equal(t, fs.InodesPerGroup-2, g.FreeInodes)

	// then orphan resolution frees what nothing references
	require.NoError(t, m.Start(0))
	s := m.Stats()
	assert.Equal(t, uint64(3), s.OrphansFreed) // 2 blocks + 1 inode
	assert.Equal(t, uint64(0), s.OrphansLinked)
	g = allocMgr2.Stats()
	assert.Equal(t, fs.BlocksPerGroup, g.FreeBlocks)
	assert.Equal(t, fs.InodesPerGroup-1, g.FreeInodes)
	require.NoError(t, allocMgr2.FullConsistencyCheck())
}
