// Package recovery replays the journal after a crash.
//
// Recovery is a state machine: Idle -> Replaying -> Checkpointing ->
// Complete, with Failed reachable from anywhere. The engine scans the
// unconsumed log (optionally through an mmap window over the ring),
// partitions the committed records by target block, and replays the
// partitions on a bounded pool of workers. Because each block is owned by
// exactly one worker and that worker applies the block's records in
// sequence order, parallel replay writes exactly the blocks a serial replay
// would.
package recovery

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/vexfs/vexjournal/alloc"
	"github.com/vexfs/vexjournal/common"
	"github.com/vexfs/vexjournal/jrnl"
	"github.com/vexfs/vexjournal/metajrnl"
	"github.com/vexfs/vexjournal/util"
	"github.com/vexfs/vexjournal/wal"
)

var (
	ErrInvalidArgument = errors.New("recovery: invalid argument")
	ErrInvalidRange    = errors.New("recovery: invalid range")
	ErrTooManyWorkers  = errors.New("recovery: worker count exceeds limit")
	ErrNoWorkers       = errors.New("recovery: no workers created")
	ErrNotMapped       = errors.New("recovery: no mapped window")
	ErrBadState        = errors.New("recovery: operation not valid in this state")
	ErrBadCheckpoint   = errors.New("recovery: checkpoint record corrupt")
)

// State is the recovery lifecycle.
type State int32

const (
	StateIdle State = iota
	StateReplaying
	StateCheckpointing
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReplaying:
		return "replaying"
	case StateCheckpointing:
		return "checkpointing"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	}
	return "invalid"
}

// MaxWorkers bounds the replay pool.
func MaxWorkers() int {
	n := 2 * runtime.GOMAXPROCS(0)
	if n > 64 {
		n = 64
	}
	return n
}

// Manager drives recovery for one journal. The metadata and allocation
// managers are optional; when present their caches are refreshed after
// replay and orphans are resolved.
type Manager struct {
	log      *wal.Journal
	opMgr    *jrnl.Mgr
	metaMgr  *metajrnl.Manager
	allocMgr *alloc.Manager

	state int32 // State, atomic

	mu       sync.Mutex
	window   *window
	nworkers int
	assigned [][]blockWork // per-worker partitions

	progressDone  uint64 // atomic
	progressTotal uint64 // atomic
	progressPhase int32  // State, atomic

	nRuns       uint64
	nReplayed   uint64
	nSkipped    uint64
	nFreed      uint64
	nLinked     uint64
	totalTimeMs uint64
}

// blockWork is every logged record targeting one block, ascending by
// sequence number.
type blockWork struct {
	blkno   common.Bnum
	records []wal.Record
}

func NewManager(log *wal.Journal, opMgr *jrnl.Mgr, metaMgr *metajrnl.Manager, allocMgr *alloc.Manager) (*Manager, error) {
	if log == nil {
		return nil, ErrInvalidArgument
	}
	return &Manager{
		log:      log,
		opMgr:    opMgr,
		metaMgr:  metaMgr,
		allocMgr: allocMgr,
	}, nil
}

func (m *Manager) State() State {
	return State(atomic.LoadInt32(&m.state))
}

func (m *Manager) setState(s State) {
	atomic.StoreInt32(&m.state, int32(s))
	util.DPrintf(2, "recovery: state -> %v\n", s)
}

// InitProgress resets the progress counters for a run of total units; the
// phase starts out as the manager's current state.
func (m *Manager) InitProgress(total uint64) {
	atomic.StoreUint64(&m.progressTotal, total)
	atomic.StoreUint64(&m.progressDone, 0)
	atomic.StoreInt32(&m.progressPhase, atomic.LoadInt32(&m.state))
}

// UpdateProgress adds n completed units and tags the phase they belong to.
func (m *Manager) UpdateProgress(n uint64, phase State) {
	atomic.AddUint64(&m.progressDone, n)
	atomic.StoreInt32(&m.progressPhase, int32(phase))
}

// GetProgress returns completed units, total units, the phase of the most
// recent update, and percent complete.
func (m *Manager) GetProgress() (uint64, uint64, State, float64) {
	done := atomic.LoadUint64(&m.progressDone)
	total := atomic.LoadUint64(&m.progressTotal)
	phase := State(atomic.LoadInt32(&m.progressPhase))
	if total == 0 {
		return done, total, phase, 0
	}
	return done, total, phase, 100 * float64(done) / float64(total)
}

// CreateCheckpoint records a new checkpoint of the given kind.
func (m *Manager) CreateCheckpoint(kind wal.CheckpointKind) error {
	return m.log.Checkpoint(kind, 0)
}

// FindLatestCheckpoint reads and validates the persisted checkpoint record.
// A checksum failure is unrecoverable: the replay base cannot be trusted.
func (m *Manager) FindLatestCheckpoint() (wal.Checkpoint, bool, error) {
	ckpt, nckpts, err := m.log.ReadCheckpoint()
	if err != nil {
		return wal.Checkpoint{}, false, fmt.Errorf("%w: %v", ErrBadCheckpoint, err)
	}
	return ckpt, nckpts > 0, nil
}

// CleanupOldCheckpoints drops all but the newest keep checkpoints and
// returns how many were dropped.
func (m *Manager) CleanupOldCheckpoints(keep int) int {
	return m.log.PruneCheckpoints(keep)
}

// DetectPartialTxns scans the unconsumed log for transactions whose commit
// record is torn or whose payload fails its checksum.
func (m *Manager) DetectPartialTxns() ([]wal.PartialTxn, error) {
	_, partials, err := m.scan(0)
	return partials, err
}

// CleanupPartialTxns drops partial transactions from the journal's committed
// list so no checkpoint installs them; their ring space is reclaimed by the
// post-replay checkpoint. Returns how many were dropped.
func (m *Manager) CleanupPartialTxns() (int, error) {
	partials, err := m.DetectPartialTxns()
	if err != nil {
		return 0, err
	}
	for _, p := range partials {
		util.DPrintf(1, "recovery: dropping partial txn at pos %d: %s\n",
			p.Pos, p.Reason)
		m.log.DropCommitted(p.Pos)
	}
	m.mu.Lock()
	m.nSkipped += uint64(len(partials))
	m.mu.Unlock()
	return len(partials), nil
}

// CreateWorkers sizes the replay pool. Fails with ErrTooManyWorkers beyond
// MaxWorkers.
func (m *Manager) CreateWorkers(count int) error {
	if count < 1 {
		return ErrInvalidArgument
	}
	if count > MaxWorkers() {
		return ErrTooManyWorkers
	}
	m.mu.Lock()
	m.nworkers = count
	m.assigned = make([][]blockWork, count)
	m.mu.Unlock()
	util.DPrintf(2, "recovery: %d workers\n", count)
	return nil
}

// AssignWork partitions the scanned transactions' records across the
// workers by target block. Records for one block always land on the same
// worker, in sequence order.
func (m *Manager) AssignWork(txns []wal.ScannedTxn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nworkers == 0 {
		return ErrNoWorkers
	}
	work := partitionByBlock(txns)
	m.assigned = make([][]blockWork, m.nworkers)
	for i, w := range work {
		slot := i % m.nworkers
		m.assigned[slot] = append(m.assigned[slot], w)
	}
	return nil
}

// CleanupWorkers releases the pool.
func (m *Manager) CleanupWorkers() {
	m.mu.Lock()
	m.nworkers = 0
	m.assigned = nil
	m.mu.Unlock()
}

// Workers reports the current pool size.
func (m *Manager) Workers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nworkers
}

// partitionByBlock groups records by target block, keeping sequence order
// within each block. A later whole-block record makes the earlier history
// of that block dead, so only the suffix from the last whole-block write
// onward is kept.
func partitionByBlock(txns []wal.ScannedTxn) []blockWork {
	perBlock := make(map[common.Bnum][]wal.Record)
	var order []common.Bnum
	for _, t := range txns {
		for _, r := range t.Records {
			if _, ok := perBlock[r.Blkno]; !ok {
				order = append(order, r.Blkno)
			}
			if r.Len == blockLen {
				// full overwrite: drop the dead prefix
				perBlock[r.Blkno] = perBlock[r.Blkno][:0]
			}
			perBlock[r.Blkno] = append(perBlock[r.Blkno], r)
		}
	}
	work := make([]blockWork, 0, len(order))
	for _, bno := range order {
		work = append(work, blockWork{blkno: bno, records: perBlock[bno]})
	}
	return work
}

type Stats struct {
	TotalRecoveries     uint64
	TotalRecoveryTimeMs uint64
	ReplayedTxns        uint64
	SkippedTxns         uint64
	OrphansFreed        uint64
	OrphansLinked       uint64
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		TotalRecoveries:     m.nRuns,
		TotalRecoveryTimeMs: m.totalTimeMs,
		ReplayedTxns:        m.nReplayed,
		SkippedTxns:         m.nSkipped,
		OrphansFreed:        m.nFreed,
		OrphansLinked:       m.nLinked,
	}
}
