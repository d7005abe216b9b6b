// Package lockmap provides fine-grained locks over a sparse address space.
//
// The journaling layers lock disk objects by flat address: the operation
// manager locks block numbers while assembling block images, and the
// metadata journal locks inode numbers across read-modify-write cycles.
// Allocating one mutex per possible address is out of the question, so the
// map keeps lock state only for addresses that are currently held or
// contended, sharded to keep unrelated addresses from synchronizing with
// each other.
package lockmap

import "sync"

const nshard = 43

type lockState struct {
	cond    *sync.Cond
	held    bool
	waiters uint64
}

// shard holds the state of every locked address that hashes to it.
type shard struct {
	mu    sync.Mutex
	locks map[uint64]*lockState
}

// LockMap acts as a lock per uint64 address.
type LockMap struct {
	shards [nshard]*shard
}

func MkLockMap() *LockMap {
	lm := &LockMap{}
	for i := range lm.shards {
		lm.shards[i] = &shard{locks: make(map[uint64]*lockState)}
	}
	return lm
}

func (lm *LockMap) shardOf(addr uint64) *shard {
	return lm.shards[addr%nshard]
}

// Acquire blocks until the lock for addr is held by the caller.
func (lm *LockMap) Acquire(addr uint64) {
	s := lm.shardOf(addr)
	s.mu.Lock()
	st, ok := s.locks[addr]
	if !ok {
		st = &lockState{cond: sync.NewCond(&s.mu)}
		s.locks[addr] = st
	}
	for st.held {
		st.waiters++
		st.cond.Wait()
		st.waiters--
	}
	st.held = true
	s.mu.Unlock()
}

// Release unlocks addr. The state is dropped once nothing waits on it, so
// the map stays proportional to the working set.
func (lm *LockMap) Release(addr uint64) {
	s := lm.shardOf(addr)
	s.mu.Lock()
	st, ok := s.locks[addr]
	if !ok || !st.held {
		s.mu.Unlock()
		panic("lockmap: release of unheld address")
	}
	st.held = false
	if st.waiters > 0 {
		st.cond.Signal()
	} else {
		delete(s.locks, addr)
	}
	s.mu.Unlock()
}
