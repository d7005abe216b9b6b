package wal

import (
	"github.com/vexfs/vexjournal/common"
	"github.com/vexfs/vexjournal/disk"
	"github.com/vexfs/vexjournal/metrics"
	"github.com/vexfs/vexjournal/util"
)

// Txn is a unit of atomicity. It is owned exclusively by the caller until
// Commit or Abort; after a successful Commit the journal owns the logged
// records for replay purposes until a checkpoint retires them.
type Txn struct {
	j   *Journal
	Id  common.TxnId
	Seq common.SeqNum // assigned at commit
	Op  OpKind
	Pri Priority

	records  []Record
	reserved uint64
	state    TxnState
	barriers []*barrierWait
}

func (t *Txn) State() TxnState {
	return t.state
}

func (t *Txn) addRecord(blkno common.Bnum, payload []byte, meta bool) error {
	if t.state != TxnOpen {
		return ErrTxnClosed
	}
	if uint64(len(payload)) > disk.BlockSize {
		return ErrBufferTooLarge
	}
	if uint64(len(t.records)) >= MaxTxnBlocks {
		return ErrTxnTooLarge
	}
	t.records = append(t.records, Record{
		Blkno: blkno,
		Data:  util.CloneByteSlice(payload),
		Len:   uint64(len(payload)),
		Meta:  meta,
	})
	return nil
}

// AddBlock appends a data-block change. In ordered and writeback modes the
// payload is written to its home location rather than logged.
func (t *Txn) AddBlock(blkno common.Bnum, payload []byte) error {
	return t.addRecord(blkno, payload, false)
}

// AddMetaBlock appends a metadata change; metadata is logged in every mode.
func (t *Txn) AddMetaBlock(blkno common.Bnum, payload []byte) error {
	return t.addRecord(blkno, payload, true)
}

func (t *Txn) NRecords() uint64 {
	return uint64(len(t.records))
}

// installRecord writes a logged record to its home location, honoring
// sub-block lengths.
func installRecord(d disk.Disk, r Record) {
	if r.Len == disk.BlockSize {
		d.Write(r.Blkno, r.Data)
		return
	}
	blk := d.Read(r.Blkno)
	copy(blk[:r.Len], r.Data[:r.Len])
	d.Write(r.Blkno, blk)
}

// Install writes the record to its home location; recovery replays scanned
// records with it.
func (r Record) Install(d disk.Disk) {
	installRecord(d, r)
}

func padBlock(data []byte) disk.Block {
	if uint64(len(data)) == disk.BlockSize {
		return data
	}
	blk := make([]byte, disk.BlockSize)
	copy(blk, data)
	return blk
}

// Commit makes the transaction durable according to the journal's current
// mode and marks it committed. On return the logged records are replayable
// from the ring.
func (t *Txn) Commit() error {
	return t.CommitWait(true)
}

// CommitWait with wait=false logs the transaction without issuing write
// barriers: it is made visible atomically (the descriptor checksum rejects
// torn records after a crash) but may be lost until the next Flush or
// synchronous commit.
func (t *Txn) CommitWait(wait bool) error {
	if t.state != TxnOpen {
		return ErrTxnClosed
	}
	t.state = TxnCommitting
	if err := t.waitBarriers(); err != nil {
		t.state = TxnOpen
		return err
	}

	j := t.j
	j.mu.Lock()
	mode := j.mode

	var logged []Record
	var direct []Record
	for _, r := range t.records {
		if r.Meta || mode == ModeJournal {
			logged = append(logged, r)
		} else {
			direct = append(direct, r)
		}
	}
	need := uint64(len(logged)) + 1

	if j.freeSpace() < need {
		if len(j.committed) > 0 {
			j.checkpointLocked(CkptIncremental)
		}
		if j.freeSpace() < need {
			j.releaseLocked(t)
			j.mu.Unlock()
			t.state = TxnAborted
			return ErrJournalFull
		}
	}

	// ordered mode: data reaches its home location before the commit
	// record exists.
	if mode == ModeOrdered && len(direct) > 0 {
		for _, r := range direct {
			installRecord(j.d, r)
		}
		if wait {
			j.d.Barrier()
		}
	}

	pos := j.head
	payload := make([][]byte, 0, len(logged))
	entries := make([]descEntry, 0, len(logged))
	for i, r := range logged {
		blk := padBlock(r.Data)
		j.d.Write(j.ringBlock(pos+1+uint64(i)), blk)
		payload = append(payload, blk[:r.Len])
		entries = append(entries, descEntry{blkno: r.Blkno, len: r.Len, meta: r.Meta})
	}
	if wait {
		j.d.Barrier()
	}

	seq := j.seq
	descBlk := encodeDesc(&desc{
		txid:    t.Id,
		seq:     seq,
		op:      t.Op,
		pri:     t.Pri,
		entries: entries,
	}, payload)
	j.d.Write(j.ringBlock(pos), descBlk)

	j.head = pos + need
	j.seq = seq + 1
	j.writeHdr()
	if wait {
		j.d.Barrier()
	}

	// writeback mode: home writes need no ordering against the commit
	// record.
	if mode == ModeWriteback {
		for _, r := range direct {
			installRecord(j.d, r)
		}
	}

	j.committed = append(j.committed, committedTxn{
		id:      t.Id,
		seq:     seq,
		pos:     pos,
		nblocks: need,
		mode:    mode,
		records: logged,
	})
	j.releaseLocked(t)
	j.nCommits++
	j.signalBarriersLocked(t)
	j.condSpace.Broadcast()
	j.mu.Unlock()

	t.Seq = seq
	t.state = TxnCommitted
	metrics.TxnCommits.Inc()
	util.DPrintf(3, "Commit: txn %d seq %d, %d logged %d direct\n",
		t.Id, seq, len(logged), len(direct))
	return nil
}

// Abort discards the reservation; nothing was written.
func (t *Txn) Abort() error {
	if t.state != TxnOpen {
		return ErrTxnClosed
	}
	j := t.j
	j.mu.Lock()
	j.releaseLocked(t)
	j.dropBarrierMembershipLocked(t)
	j.nAborts++
	j.condSpace.Broadcast()
	j.mu.Unlock()
	t.state = TxnAborted
	metrics.TxnAborts.Inc()
	util.DPrintf(3, "Abort: txn %d\n", t.Id)
	return nil
}

// releaseLocked returns t's reservation to the ring.
func (j *Journal) releaseLocked(t *Txn) {
	if t.reserved > 0 {
		j.reserved -= t.reserved
		t.reserved = 0
	}
}
