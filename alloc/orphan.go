package alloc

import (
	"fmt"

	"github.com/vexfs/vexjournal/common"
	"github.com/vexfs/vexjournal/metrics"
	"github.com/vexfs/vexjournal/util"
)

// OrphanKind says which bitmap an orphan was found in.
type OrphanKind uint32

const (
	OrphanBlock OrphanKind = iota
	OrphanInode
)

// Orphan is an allocated bit with no owner: a block no inode references, or
// an inode no directory entry links to. Orphans appear when a crash lands
// between the allocation commit and the commit that would have linked the
// object.
type Orphan struct {
	Group uint64
	Kind  OrphanKind
	Bit   uint64
}

// RegisterBlockRef records that owner references the block at bnum. The
// block must be allocated.
func (m *Manager) RegisterBlockRef(id uint64, bnum common.Bnum, owner common.Inum) error {
	g, err := m.group(id)
	if err != nil {
		return err
	}
	if bnum < g.start || bnum >= g.start+g.nblocks {
		return ErrInvalidArgument
	}
	bit := bnum - g.start
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.blockBm.Test(bit) {
		return ErrNotAllocated
	}
	g.blockRefs[bit] = owner
	delete(g.pending, bit)
	return nil
}

// DropBlockRef removes a block's ownership record without freeing it; the
// block becomes an orphan until freed or re-registered.
func (m *Manager) DropBlockRef(id uint64, bnum common.Bnum) error {
	g, err := m.group(id)
	if err != nil {
		return err
	}
	if bnum < g.start || bnum >= g.start+g.nblocks {
		return ErrInvalidArgument
	}
	g.mu.Lock()
	delete(g.blockRefs, bnum-g.start)
	g.mu.Unlock()
	return nil
}

// RegisterInodeRef records that inum is linked from a directory.
func (m *Manager) RegisterInodeRef(inum common.Inum) error {
	id, bit := m.fs.InodeGroup(inum)
	g, err := m.group(id)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.inodeBm.Test(bit) {
		return ErrNotAllocated
	}
	g.inodeRefs[bit] = true
	return nil
}

// DropInodeRef removes inum's link record.
func (m *Manager) DropInodeRef(inum common.Inum) error {
	id, bit := m.fs.InodeGroup(inum)
	g, err := m.group(id)
	if err != nil {
		return err
	}
	g.mu.Lock()
	delete(g.inodeRefs, bit)
	g.mu.Unlock()
	return nil
}

// AddPendingLink declares that the block at bnum is about to be linked to
// owner. If a crash orphans the block first, resolution completes the link
// instead of freeing it.
func (m *Manager) AddPendingLink(id uint64, bnum common.Bnum, owner common.Inum) error {
	g, err := m.group(id)
	if err != nil {
		return err
	}
	if bnum < g.start || bnum >= g.start+g.nblocks {
		return ErrInvalidArgument
	}
	bit := bnum - g.start
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.blockBm.Test(bit) {
		return ErrNotAllocated
	}
	g.pending[bit] = owner
	return nil
}

// DetectOrphans scans group id for allocated bits without owners.
func (m *Manager) DetectOrphans(id uint64) ([]Orphan, error) {
	g, err := m.group(id)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	var orphans []Orphan
	for bit := uint64(0); bit < g.nblocks; bit++ {
		if g.blockBm.Test(bit) {
			if _, ok := g.blockRefs[bit]; !ok {
				orphans = append(orphans, Orphan{Group: id, Kind: OrphanBlock, Bit: bit})
			}
		}
	}
	for bit := uint64(0); bit < g.ninodes; bit++ {
		if id == 0 && bit == 0 {
			continue // reserved for NULLINUM
		}
		if g.inodeBm.Test(bit) && !g.inodeRefs[bit] {
			orphans = append(orphans, Orphan{Group: id, Kind: OrphanInode, Bit: bit})
		}
	}
	util.DPrintf(2, "DetectOrphans: group %d, %d orphans\n", id, len(orphans))
	return orphans, nil
}

// DetectAllOrphans scans every registered group.
func (m *Manager) DetectAllOrphans() ([]Orphan, error) {
	var all []Orphan
	for _, id := range m.Groups() {
		o, err := m.DetectOrphans(id)
		if err != nil {
			return nil, err
		}
		all = append(all, o...)
	}
	return all, nil
}

// ResolveOrphans disposes of previously detected orphans: a block with a
// pending link is handed to its intended owner, everything else is freed.
// Frees are journaled like any other free.
func (m *Manager) ResolveOrphans(orphans []Orphan, sync bool) (completed int, freed int, err error) {
	for _, o := range orphans {
		g, gerr := m.group(o.Group)
		if gerr != nil {
			return completed, freed, gerr
		}
		switch o.Kind {
		case OrphanBlock:
			g.mu.Lock()
			owner, pend := g.pending[o.Bit]
			g.mu.Unlock()
			if pend {
				if rerr := m.RegisterBlockRef(o.Group, g.start+o.Bit, owner); rerr != nil {
					return completed, freed, rerr
				}
				completed++
			} else {
				if ferr := m.BlockFree(o.Group, g.start+o.Bit, 1, sync); ferr != nil {
					return completed, freed, ferr
				}
				freed++
			}
		case OrphanInode:
			inum := common.Inum(o.Group*m.fs.InodesPerGroup + o.Bit)
			if ferr := m.InodeFree(inum, sync); ferr != nil {
				return completed, freed, ferr
			}
			freed++
		}
		metrics.OrphansResolved.Inc()
	}
	util.DPrintf(1, "ResolveOrphans: %d linked, %d freed\n", completed, freed)
	return completed, freed, nil
}

// ConsistencyCheck verifies group id's invariants: free counters agree with
// bitmap population counts, and every ownership record points at an
// allocated bit.
func (m *Manager) ConsistencyCheck(id uint64) error {
	g, err := m.group(id)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if w := g.blockBm.Weight(); w+g.freeBlocks != g.nblocks {
		return fmt.Errorf("%w: group %d blocks: %d used + %d free != %d",
			ErrInconsistent, id, w, g.freeBlocks, g.nblocks)
	}
	if w := g.inodeBm.Weight(); w+g.freeInodes != g.ninodes {
		return fmt.Errorf("%w: group %d inodes: %d used + %d free != %d",
			ErrInconsistent, id, w, g.freeInodes, g.ninodes)
	}
	for bit := range g.blockRefs {
		if !g.blockBm.Test(bit) {
			return fmt.Errorf("%w: group %d block bit %d referenced but free",
				ErrInconsistent, id, bit)
		}
	}
	for bit := range g.inodeRefs {
		if !g.inodeBm.Test(bit) {
			return fmt.Errorf("%w: group %d inode bit %d linked but free",
				ErrInconsistent, id, bit)
		}
	}
	return nil
}

// FullConsistencyCheck checks every group plus the cross-group invariants:
// the registered groups tile the data region without gaps or overlap.
func (m *Manager) FullConsistencyCheck() error {
	ids := m.Groups()
	seen := make(map[uint64]bool)
	for _, id := range ids {
		if seen[id] {
			return fmt.Errorf("%w: group %d registered twice", ErrInconsistent, id)
		}
		seen[id] = true
		g, _ := m.group(id)
		if g.start != m.fs.DataStart(id) || g.start+g.nblocks > m.fs.MaxBnum() {
			return fmt.Errorf("%w: group %d outside its region", ErrInconsistent, id)
		}
		if err := m.ConsistencyCheck(id); err != nil {
			return err
		}
	}
	return nil
}

// ReloadGroups re-reads every group's bitmaps from disk and rebuilds the
// counters. Recovery calls this after replay so the in-memory state
// reflects the replayed bits. Ownership records that now point at free bits
// are dropped.
func (m *Manager) ReloadGroups() {
	m.mu.Lock()
	groups := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		groups = append(groups, g)
	}
	d := m.fs.Disk
	m.mu.Unlock()
	for _, g := range groups {
		g.mu.Lock()
		g.loadBitmaps(d)
		for bit := range g.blockRefs {
			if !g.blockBm.Test(bit) {
				delete(g.blockRefs, bit)
			}
		}
		for bit := range g.inodeRefs {
			if !g.inodeBm.Test(bit) {
				delete(g.inodeRefs, bit)
			}
		}
		for bit := range g.pending {
			if !g.blockBm.Test(bit) {
				delete(g.pending, bit)
			}
		}
		g.mu.Unlock()
	}
	util.DPrintf(1, "ReloadGroups: %d groups reloaded\n", len(groups))
}
