package recovery

import (
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vexfs/vexjournal/disk"
	"github.com/vexfs/vexjournal/metrics"
	"github.com/vexfs/vexjournal/util"
	"github.com/vexfs/vexjournal/wal"
)

const blockLen = disk.BlockSize

// Flags tune a recovery run.
type Flags uint32

const (
	// FlagFullScan ignores the checkpoint and replays from the tail.
	FlagFullScan Flags = 1 << iota
	// FlagSerial disables the parallel replay path.
	FlagSerial
	// FlagSkipOrphans leaves orphan detection to the caller.
	FlagSkipOrphans
	// FlagMmap scans through a mapped window when the disk supports it.
	FlagMmap
)

// window is a mapped (or copied) view of a contiguous ring span.
type window struct {
	from   wal.Pos
	to     wal.Pos
	data   []byte
	mapper disk.Mapper // nil when data is a copy
}

// MmapJournal maps the ring positions [from, to) for zero-copy scanning.
// The range must lie within the unconsumed log and must not wrap the ring;
// on disks without mmap support the span is copied instead.
func (m *Manager) MmapJournal(from wal.Pos, to wal.Pos) error {
	if from >= to {
		return ErrInvalidRange
	}
	tail, head := m.log.Tail(), m.log.Head()
	if from < tail || to > head {
		return ErrInvalidRange
	}
	startBlk, n, ok := m.log.RingSpan(from, to)
	if !ok {
		return ErrInvalidRange
	}

	w := &window{from: from, to: to}
	if mapper, isMapper := m.log.Disk().(disk.Mapper); isMapper {
		data, err := mapper.Map(startBlk, n)
		if err != nil {
			return err
		}
		w.data = data
		w.mapper = mapper
	} else {
		data := make([]byte, n*disk.BlockSize)
		for i := uint64(0); i < n; i++ {
			copy(data[i*disk.BlockSize:], m.log.Disk().Read(startBlk+i))
		}
		w.data = data
	}

	m.mu.Lock()
	old := m.window
	m.window = w
	m.mu.Unlock()
	if old != nil && old.mapper != nil {
		old.mapper.Unmap(old.data)
	}
	util.DPrintf(2, "recovery: window [%d,%d) mapped=%v\n", from, to, w.mapper != nil)
	return nil
}

// MunmapJournal releases the window.
func (m *Manager) MunmapJournal() error {
	m.mu.Lock()
	w := m.window
	m.window = nil
	m.mu.Unlock()
	if w == nil {
		return ErrNotMapped
	}
	if w.mapper != nil {
		return w.mapper.Unmap(w.data)
	}
	return nil
}

// windowReader reads ring positions out of the window.
func (w *window) read(pos wal.Pos) disk.Block {
	if pos < w.from || pos >= w.to {
		panic("window read out of range")
	}
	off := (pos - w.from) * disk.BlockSize
	return disk.Block(w.data[off : off+disk.BlockSize])
}

// scan classifies the unconsumed log, going through the mapped window when
// one covers the whole span.
func (m *Manager) scan(flags Flags) ([]wal.ScannedTxn, []wal.PartialTxn, error) {
	from := m.log.Tail()
	to := m.log.Head()
	if flags&FlagFullScan == 0 {
		if ckpt, ok := m.log.LatestCheckpoint(); ok && ckpt.Pos > from {
			from = ckpt.Pos
		}
	}
	m.mu.Lock()
	w := m.window
	m.mu.Unlock()
	if w != nil && w.from <= from && to <= w.to {
		return m.log.ScanWith(w.read, from, to)
	}
	return m.log.ScanCommitted(from, to)
}

// ReplayJournal replays the committed transactions with sequence numbers in
// [startSeq, endSeq) serially, in sequence order. Replay is idempotent:
// every record is an absolute write.
func (m *Manager) ReplayJournal(startSeq uint64, endSeq uint64, flags Flags) (int, error) {
	if startSeq >= endSeq {
		return 0, ErrInvalidRange
	}
	txns, _, err := m.scan(flags)
	if err != nil {
		return 0, err
	}
	var picked []wal.ScannedTxn
	var nrec uint64
	for _, t := range txns {
		if uint64(t.Seq) >= startSeq && uint64(t.Seq) < endSeq {
			picked = append(picked, t)
			nrec += uint64(len(t.Records))
		}
	}
	m.InitProgress(nrec)

	d := m.log.Disk()
	for _, t := range picked {
		for _, r := range t.Records {
			r.Install(d)
			m.UpdateProgress(1, StateReplaying)
		}
		metrics.ReplayedTxns.Inc()
	}
	d.Barrier()

	m.mu.Lock()
	m.nReplayed += uint64(len(picked))
	m.mu.Unlock()
	util.DPrintf(1, "ReplayJournal: %d txns, seqs [%d,%d)\n",
		len(picked), startSeq, endSeq)
	return len(picked), nil
}

// ParallelReplay replays the given transactions on the worker pool. The
// records are partitioned by target block, so workers never write the same
// block and the result is identical to a serial replay.
func (m *Manager) ParallelReplay(txns []wal.ScannedTxn) error {
	m.mu.Lock()
	nworkers := m.nworkers
	m.mu.Unlock()
	if nworkers == 0 {
		return ErrNoWorkers
	}
	if err := m.AssignWork(txns); err != nil {
		return err
	}
	m.mu.Lock()
	assigned := m.assigned
	m.mu.Unlock()

	var nrec uint64
	for _, t := range txns {
		nrec += uint64(len(t.Records))
	}
	m.InitProgress(nrec)

	d := m.log.Disk()
	var g errgroup.Group
	for _, part := range assigned {
		part := part
		g.Go(func() error {
			for _, bw := range part {
				for _, r := range bw.records {
					r.Install(d)
					m.UpdateProgress(1, StateReplaying)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	d.Barrier()

	m.mu.Lock()
	m.nReplayed += uint64(len(txns))
	m.mu.Unlock()
	for range txns {
		metrics.ReplayedTxns.Inc()
	}
	util.DPrintf(1, "ParallelReplay: %d txns on %d workers\n", len(txns), nworkers)
	return nil
}

// Start runs a full recovery: validate the checkpoint, drop partial
// transactions, replay everything committed since the checkpoint, refresh
// the metadata and allocation state, resolve orphans, and checkpoint the
// recovered state.
func (m *Manager) Start(flags Flags) error {
	if s := m.State(); s == StateReplaying || s == StateCheckpointing {
		return ErrBadState
	}
	began := time.Now()
	m.setState(StateReplaying)

	if _, _, err := m.FindLatestCheckpoint(); err != nil {
		m.setState(StateFailed)
		return err
	}

	if flags&FlagMmap != 0 {
		from, to := m.log.Tail(), m.log.Head()
		if to > from {
			// best effort; a wrapping span just falls back to disk reads
			if err := m.MmapJournal(from, to); err == nil {
				defer m.MunmapJournal()
			}
		}
	}

	txns, partials, err := m.scan(flags)
	if err != nil {
		m.setState(StateFailed)
		return err
	}
	for _, p := range partials {
		util.DPrintf(1, "recovery: skipping partial txn at pos %d: %s\n",
			p.Pos, p.Reason)
		// a reopen may have cached the record before it was torn; make sure
		// no checkpoint installs it
		m.log.DropCommitted(p.Pos)
		metrics.SkippedTxns.Inc()
	}
	m.mu.Lock()
	m.nSkipped += uint64(len(partials))
	m.mu.Unlock()

	if flags&FlagSerial != 0 || len(txns) == 0 {
		d := m.log.Disk()
		for _, t := range txns {
			for _, r := range t.Records {
				r.Install(d)
			}
			metrics.ReplayedTxns.Inc()
		}
		if len(txns) > 0 {
			d.Barrier()
		}
		m.mu.Lock()
		m.nReplayed += uint64(len(txns))
		m.mu.Unlock()
	} else {
		nworkers := len(txns)
		if nworkers > MaxWorkers() {
			nworkers = MaxWorkers()
		}
		if err := m.CreateWorkers(nworkers); err != nil {
			m.setState(StateFailed)
			return err
		}
		if err := m.ParallelReplay(txns); err != nil {
			m.CleanupWorkers()
			m.setState(StateFailed)
			return err
		}
		m.CleanupWorkers()
	}

	// replayed state supersedes anything cached before the crash
	if m.metaMgr != nil {
		m.metaMgr.InvalidateAll()
	}
	if m.allocMgr != nil {
		m.allocMgr.ReloadGroups()
		if flags&FlagSkipOrphans == 0 {
			orphans, err := m.allocMgr.DetectAllOrphans()
			if err != nil {
				m.setState(StateFailed)
				return err
			}
			linked, freed, err := m.allocMgr.ResolveOrphans(orphans, true)
			if err != nil {
				m.setState(StateFailed)
				return err
			}
			m.mu.Lock()
			m.nLinked += uint64(linked)
			m.nFreed += uint64(freed)
			m.mu.Unlock()
		}
	}

	m.setState(StateCheckpointing)
	if err := m.CreateCheckpoint(wal.CkptFull); err != nil {
		m.setState(StateFailed)
		return err
	}

	m.mu.Lock()
	m.nRuns++
	m.totalTimeMs += uint64(time.Since(began).Milliseconds())
	m.mu.Unlock()
	metrics.RecoveryRuns.Inc()
	m.setState(StateComplete)
	util.DPrintf(1, "recovery: complete, %d txns replayed, %d partial\n",
		len(txns), len(partials))
	return nil
}
