package wal

import (
	"sync"
	"time"

	"github.com/vexfs/vexjournal/common"
	"github.com/vexfs/vexjournal/util"
)

// Barriers give concurrently-open transactions a partial commit order in
// journal mode without serializing all commits: a transaction that joins a
// barrier commits only after every transaction that joined the same barrier
// before it has committed. In ordered mode commit order is already the log
// order, so barriers are a no-op.

type barrierMember struct {
	txn       common.TxnId
	committed bool
}

type barrier struct {
	id      uint64
	members []barrierMember
	cond    *sync.Cond // on Journal.mu
}

// barrierWait is one transaction's membership in a barrier.
type barrierWait struct {
	b       *barrier
	rank    int // index of this txn in b.members
	timeout time.Duration
}

// AddBarrier joins barrier id: this transaction's commit will wait for all
// transactions that joined earlier. timeout bounds the wait at commit.
func (t *Txn) AddBarrier(id uint64, timeout time.Duration) error {
	if t.state != TxnOpen {
		return ErrTxnClosed
	}
	j := t.j
	j.mu.Lock()
	if j.mode != ModeJournal {
		j.mu.Unlock()
		return nil
	}
	b, ok := j.barriers[id]
	if !ok {
		b = &barrier{id: id, cond: sync.NewCond(j.mu)}
		j.barriers[id] = b
	}
	rank := len(b.members)
	b.members = append(b.members, barrierMember{txn: t.Id})
	t.barriers = append(t.barriers, &barrierWait{b: b, rank: rank, timeout: timeout})
	j.mu.Unlock()
	util.DPrintf(3, "AddBarrier: txn %d barrier %d rank %d\n", t.Id, id, rank)
	return nil
}

// WaitBarrier blocks until every earlier member of each joined barrier has
// committed, or a timeout elapses. Commit calls this implicitly.
func (t *Txn) WaitBarrier() error {
	if t.state != TxnOpen && t.state != TxnCommitting {
		return ErrTxnClosed
	}
	return t.waitBarriers()
}

func (t *Txn) waitBarriers() error {
	j := t.j
	for _, w := range t.barriers {
		j.mu.Lock()
		deadline := time.Now().Add(w.timeout)
		expired := false
		var timer *time.Timer
		if w.timeout > 0 {
			timer = time.AfterFunc(w.timeout, func() {
				j.mu.Lock()
				expired = true
				w.b.cond.Broadcast()
				j.mu.Unlock()
			})
		}
		for !barrierReadyLocked(w) {
			if w.timeout > 0 && (expired || !time.Now().Before(deadline)) {
				j.mu.Unlock()
				if timer != nil {
					timer.Stop()
				}
				return ErrBarrierTimeout
			}
			w.b.cond.Wait()
		}
		j.mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
	}
	return nil
}

// barrierReadyLocked reports whether all members ranked before w have
// committed.
func barrierReadyLocked(w *barrierWait) bool {
	for i := 0; i < w.rank; i++ {
		if !w.b.members[i].committed {
			return false
		}
	}
	return true
}

// signalBarriersLocked marks t committed in each of its barriers and wakes
// waiters.
func (j *Journal) signalBarriersLocked(t *Txn) {
	for _, w := range t.barriers {
		w.b.members[w.rank].committed = true
		w.b.cond.Broadcast()
	}
}

// dropBarrierMembershipLocked marks an aborted transaction committed for
// ordering purposes so later members do not wait on it forever.
func (j *Journal) dropBarrierMembershipLocked(t *Txn) {
	for _, w := range t.barriers {
		w.b.members[w.rank].committed = true
		w.b.cond.Broadcast()
	}
}
