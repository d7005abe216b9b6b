package wal

import (
	"github.com/vexfs/vexjournal/common"
	"github.com/vexfs/vexjournal/metrics"
	"github.com/vexfs/vexjournal/util"
)

// Checkpoint marks that all history before Seq is stable in its final
// on-disk structures; recovery resumes from Pos.
type Checkpoint struct {
	Id   uint64
	Kind CheckpointKind
	Seq  common.SeqNum
	Pos  Pos
}

// CheckpointFlags tune checkpoint creation; none are defined yet beyond
// zero.
type CheckpointFlags uint32

// Checkpoint installs committed-but-unstabilized records to their home
// locations, advances the tail, and records a checkpoint. A full checkpoint
// retires all committed history; an incremental one retires the oldest
// half.
func (j *Journal) Checkpoint(kind CheckpointKind, flags CheckpointFlags) error {
	j.mu.Lock()
	j.checkpointLocked(kind)
	j.condSpace.Broadcast()
	j.mu.Unlock()
	return nil
}

func (j *Journal) checkpointLocked(kind CheckpointKind) {
	n := len(j.committed)
	if kind == CkptIncremental && n > 1 {
		n = (n + 1) / 2
	}
	var lastSeq common.SeqNum
	var newTail Pos
	if n == 0 {
		// nothing buffered; the checkpoint still records the frontier
		lastSeq = j.seq - 1
		newTail = j.head
	} else {
		for _, c := range j.committed[:n] {
			for _, r := range c.records {
				installRecord(j.d, r)
			}
			lastSeq = c.seq
			newTail = c.pos + c.nblocks
		}
		j.d.Barrier()
	}
	if kind == CkptFull {
		// a full checkpoint retires the whole ring, including the space of
		// any torn record dropped from the committed list
		lastSeq = j.seq - 1
		newTail = j.head
	}

	ckpt := Checkpoint{
		Id:   j.nextCkpt + 1,
		Kind: kind,
		Seq:  lastSeq,
		Pos:  newTail,
	}
	j.nextCkpt++
	j.tail = newTail
	j.ckpts = append(j.ckpts, ckpt)
	j.committed = j.committed[n:]
	j.writeHdr2()
	j.d.Barrier()
	j.nCkpts++
	metrics.Checkpoints.Inc()
	util.DPrintf(2, "checkpoint %d: kind %d seq %d tail %d\n",
		ckpt.Id, kind, lastSeq, newTail)
}

// LatestCheckpoint returns the most recent checkpoint, if any.
func (j *Journal) LatestCheckpoint() (Checkpoint, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.ckpts) == 0 {
		return Checkpoint{}, false
	}
	return j.ckpts[len(j.ckpts)-1], true
}

// ReadCheckpoint re-reads and validates the persisted checkpoint record.
// A checksum failure here is fatal for recovery: the base state cannot be
// trusted.
func (j *Journal) ReadCheckpoint() (Checkpoint, uint64, error) {
	h2, err := decodeHdr2(j.d.Read(j.start + 1))
	if err != nil {
		return Checkpoint{}, 0, err
	}
	return h2.ckpt, h2.nckpts, nil
}

// PruneCheckpoints drops all but the most recent keep checkpoints from the
// in-memory list; the persisted record always holds the newest one.
func (j *Journal) PruneCheckpoints(keep int) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	if keep < 1 {
		keep = 1
	}
	if len(j.ckpts) <= keep {
		return 0
	}
	dropped := len(j.ckpts) - keep
	j.ckpts = append([]Checkpoint(nil), j.ckpts[dropped:]...)
	return dropped
}
