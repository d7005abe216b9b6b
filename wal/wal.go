package wal

import (
	"sync"

	"github.com/google/uuid"

	"github.com/vexfs/vexjournal/checksum"
	"github.com/vexfs/vexjournal/common"
	"github.com/vexfs/vexjournal/disk"
	"github.com/vexfs/vexjournal/util"
)

// committedTxn is a committed transaction retained in memory until a
// checkpoint installs it. The slice of these is ordered by sequence number,
// so lookups are index-stable.
type committedTxn struct {
	id      common.TxnId
	seq     common.SeqNum
	pos     Pos
	nblocks uint64
	mode    Mode
	records []Record // logged records only
}

// Journal is the core journal. There is exactly one per filesystem
// instance.
type Journal struct {
	mu *sync.Mutex
	d  disk.Disk

	start  common.Bnum // first block of the journal region
	total  uint64      // region size in blocks
	ringSz uint64
	uuid   uuid.UUID

	mode Mode
	seq  common.SeqNum // next sequence number to assign
	head Pos           // next ring write position
	tail Pos           // oldest un-checkpointed position

	reserved  uint64 // ring blocks reserved by open transactions
	committed []committedTxn
	ckpts     []Checkpoint
	nextTxnId common.TxnId
	nextCkpt  uint64

	barriers  map[uint64]*barrier
	condSpace *sync.Cond

	nTxns    uint64
	nCommits uint64
	nAborts  uint64
	nCkpts   uint64
}

// Init formats the journal region [start, start+total) and returns a fresh
// journal in the given mode.
func Init(d disk.Disk, start common.Bnum, total uint64, mode Mode) (*Journal, error) {
	if !mode.Valid() {
		return nil, ErrInvalidMode
	}
	if total < MinJournalBlocks || start+total > d.Size() {
		return nil, ErrInsufficientSpace
	}
	j := mkJournal(d, start, total)
	j.mode = mode
	j.uuid = uuid.New()
	j.seq = 1
	j.writeHdr()
	j.writeHdr2()
	d.Barrier()
	util.DPrintf(1, "wal.Init: %d blocks at %d, mode %v\n", total, start, mode)
	return j, nil
}

// Open reads an existing journal's headers without replaying anything;
// recovery decides what to replay.
func Open(d disk.Disk, start common.Bnum, total uint64) (*Journal, error) {
	if total < MinJournalBlocks || start+total > d.Size() {
		return nil, ErrInsufficientSpace
	}
	j := mkJournal(d, start, total)
	h, err := decodeHdr(d.Read(start))
	if err != nil {
		return nil, err
	}
	if h.total != total {
		return nil, ErrBadMagic
	}
	h2, err := decodeHdr2(d.Read(start + 1))
	if err != nil {
		return nil, err
	}
	j.mode = h.mode
	j.uuid = h.uuid
	j.seq = h.seq
	j.head = h.head
	j.tail = h2.tail
	j.nextCkpt = h2.nckpts
	if h2.nckpts > 0 {
		j.ckpts = append(j.ckpts, h2.ckpt)
	}
	// rebuild the committed in-memory list from the un-checkpointed ring
	txns, _ := scanRange(j.readRing, j.tail, j.head)
	for _, t := range txns {
		j.committed = append(j.committed, committedTxn{
			id:      t.Id,
			seq:     t.Seq,
			pos:     t.Pos,
			nblocks: t.NBlocks,
			mode:    j.mode,
			records: t.Records,
		})
	}
	util.DPrintf(1, "wal.Open: head %d tail %d seq %d, %d live txns\n",
		j.head, j.tail, j.seq, len(j.committed))
	return j, nil
}

func mkJournal(d disk.Disk, start common.Bnum, total uint64) *Journal {
	mu := new(sync.Mutex)
	j := &Journal{
		mu:        mu,
		d:         d,
		start:     start,
		total:     total,
		ringSz:    total - HdrBlocks,
		nextTxnId: 1,
		barriers:  make(map[uint64]*barrier),
	}
	j.condSpace = sync.NewCond(mu)
	return j
}

// ringBlock maps a monotonic position to its disk block.
func (j *Journal) ringBlock(pos Pos) common.Bnum {
	return j.start + HdrBlocks + pos%j.ringSz
}

func (j *Journal) readRing(pos Pos) disk.Block {
	return j.d.Read(j.ringBlock(pos))
}

func (j *Journal) writeHdr() {
	j.d.Write(j.start, encodeHdr(&hdr{
		mode:  j.mode,
		total: j.total,
		head:  j.head,
		seq:   j.seq,
		uuid:  j.uuid,
	}))
}

func (j *Journal) writeHdr2() {
	h := &hdr2{tail: j.tail, nckpts: j.nextCkpt}
	if len(j.ckpts) > 0 {
		h.ckpt = j.ckpts[len(j.ckpts)-1]
	}
	j.d.Write(j.start+1, encodeHdr2(h))
}

// free space in ring blocks, not counting reservations
func (j *Journal) freeSpace() uint64 {
	return j.ringSz - (j.head - j.tail)
}

// Begin opens a transaction, reserving log space optimistically.
//
// The reservation never lets the head overwrite the unconsumed tail. If
// space is short, a high-priority caller triggers an inline checkpoint of
// committed history and retries once; other callers get ErrJournalFull.
func (j *Journal) Begin(estimated uint64, op OpKind, pri Priority) (*Txn, error) {
	need := estimated + 1 // descriptor block
	if need > j.ringSz || estimated > MaxTxnBlocks {
		return nil, ErrJournalFull
	}
	j.mu.Lock()
	if j.freeSpace() < j.reserved+need {
		if pri != PriHigh || len(j.committed) == 0 {
			j.mu.Unlock()
			return nil, ErrJournalFull
		}
		j.checkpointLocked(CkptIncremental)
		if j.freeSpace() < j.reserved+need {
			j.mu.Unlock()
			return nil, ErrJournalFull
		}
	}
	j.reserved += need
	id := j.nextTxnId
	j.nextTxnId++
	j.nTxns++
	j.mu.Unlock()
	util.DPrintf(3, "Begin: txn %d op %v estimated %d\n", id, op, estimated)
	return &Txn{
		j:        j,
		Id:       id,
		Op:       op,
		Pri:      pri,
		reserved: need,
		state:    TxnOpen,
	}, nil
}

// Read returns the newest logged version of blkno, falling back to the
// installed state on disk.
func (j *Journal) Read(blkno common.Bnum) disk.Block {
	j.mu.Lock()
	for i := len(j.committed) - 1; i >= 0; i-- {
		for k := len(j.committed[i].records) - 1; k >= 0; k-- {
			r := j.committed[i].records[k]
			if r.Blkno == blkno && r.Len == disk.BlockSize {
				blk := util.CloneByteSlice(r.Data)
				j.mu.Unlock()
				return blk
			}
		}
	}
	j.mu.Unlock()
	return j.d.Read(blkno)
}

// Flush makes every asynchronously-committed transaction durable.
func (j *Journal) Flush() {
	j.d.Barrier()
}

// DropCommitted removes the in-memory committed entry at pos. Recovery calls
// it for records it classified as partial after a reopen, so a checkpoint
// never installs a transaction whose on-disk record is torn. Reports whether
// an entry was dropped.
func (j *Journal) DropCommitted(pos Pos) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, c := range j.committed {
		if c.pos == pos {
			j.committed = append(j.committed[:i], j.committed[i+1:]...)
			util.DPrintf(1, "DropCommitted: txn %d seq %d at pos %d\n",
				c.id, c.seq, pos)
			return true
		}
	}
	return false
}

func (j *Journal) Mode() Mode {
	j.mu.Lock()
	m := j.mode
	j.mu.Unlock()
	return m
}

// SetMode switches the journaling mode for future transactions. Already
// committed transactions keep the guarantees of the mode they committed
// under.
func (j *Journal) SetMode(m Mode) error {
	if !m.Valid() {
		return ErrInvalidMode
	}
	j.mu.Lock()
	j.mode = m
	j.writeHdr()
	j.d.Barrier()
	j.mu.Unlock()
	util.DPrintf(1, "SetMode: %v\n", m)
	return nil
}

func (j *Journal) UUID() uuid.UUID {
	return j.uuid
}

// CheckUUID guards against replaying a journal that belongs to another
// filesystem instance.
func (j *Journal) CheckUUID(expect uuid.UUID) error {
	if j.uuid != expect {
		return ErrWrongUUID
	}
	return nil
}

// Head and Tail expose the ring cursors for recovery.
func (j *Journal) Head() Pos {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.head
}

func (j *Journal) Tail() Pos {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.tail
}

// NextSeq is the next sequence number the journal will assign.
func (j *Journal) NextSeq() common.SeqNum {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

func (j *Journal) LogSz() uint64 {
	return j.ringSz
}

// RecoverFlags select how much of the log Recover scans.
type RecoverFlags uint32

const (
	// RecoverFullScan scans from the tail even when a checkpoint could
	// be used to skip stable history.
	RecoverFullScan RecoverFlags = 1 << iota
	// RecoverFast starts at the latest checkpoint position.
	RecoverFast
	// RecoverVerifyOnly validates checksums without returning payloads.
	RecoverVerifyOnly
)

// Recover scans the unconsumed log and classifies its transactions. It is
// the primitive the recovery engine drives; it performs no replay itself.
func (j *Journal) Recover(flags RecoverFlags) ([]ScannedTxn, []PartialTxn, error) {
	j.mu.Lock()
	from := j.tail
	to := j.head
	if flags&RecoverFast != 0 && len(j.ckpts) > 0 {
		from = j.ckpts[len(j.ckpts)-1].Pos
	}
	j.mu.Unlock()
	committed, partials := scanRange(j.readRing, from, to)
	if flags&RecoverVerifyOnly != 0 {
		for i := range committed {
			committed[i].Records = nil
		}
	}
	return committed, partials, nil
}

// ScanCommitted scans the ring positions [from, to), classifying records.
// Recovery uses it with to == Head().
func (j *Journal) ScanCommitted(from Pos, to Pos) ([]ScannedTxn, []PartialTxn, error) {
	if from > to {
		return nil, nil, ErrInvalidRange
	}
	committed, partials := scanRange(j.readRing, from, to)
	return committed, partials, nil
}

// ScanWith is ScanCommitted over a caller-supplied reader (an mmap window).
func (j *Journal) ScanWith(read func(pos Pos) disk.Block, from Pos, to Pos) ([]ScannedTxn, []PartialTxn, error) {
	if from > to {
		return nil, nil, ErrInvalidRange
	}
	committed, partials := scanRange(blockReader(read), from, to)
	return committed, partials, nil
}

// RingSpan translates a position range to the disk block range holding it,
// or ok=false if the range wraps around the ring.
func (j *Journal) RingSpan(from Pos, to Pos) (common.Bnum, uint64, bool) {
	if from >= to {
		return 0, 0, false
	}
	if from/j.ringSz != (to-1)/j.ringSz {
		return 0, 0, false // wraps
	}
	return j.ringBlock(from), to - from, true
}

func (j *Journal) Disk() disk.Disk {
	return j.d
}

func (j *Journal) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Stats{
		Transactions: j.nTxns,
		Commits:      j.nCommits,
		Aborts:       j.nAborts,
		Checkpoints:  j.nCkpts,
		Sha256Ops:    checksum.Ops(),
	}
}
