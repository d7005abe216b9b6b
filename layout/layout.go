// Package layout describes the disk geometry shared by the journaling
// layers.
//
// The disk is partitioned statically at format time:
//
//	[ superblock | journal region | group 0 | group 1 | ... ]
//
// and each allocation group is itself partitioned as
//
//	[ block bitmap | inode bitmap | inode table | data blocks ]
//
// Each group's bitmaps fit in one block each, which bounds the group size
// and keeps per-group locking simple.
package layout

import (
	"fmt"

	"github.com/vexfs/vexjournal/addr"
	"github.com/vexfs/vexjournal/common"
	"github.com/vexfs/vexjournal/disk"
)

type FsSuper struct {
	Disk disk.Disk
	Size uint64

	JournalStart  common.Bnum
	JournalBlocks uint64

	NGroups        uint64
	BlocksPerGroup uint64 // data blocks per group
	InodesPerGroup uint64
}

func MkFsSuper(d disk.Disk, journalBlocks, nGroups, blocksPerGroup, inodesPerGroup uint64) (*FsSuper, error) {
	if blocksPerGroup > common.NBITBLOCK {
		return nil, fmt.Errorf("group of %d blocks exceeds one bitmap block", blocksPerGroup)
	}
	if inodesPerGroup > common.NBITBLOCK {
		return nil, fmt.Errorf("group of %d inodes exceeds one bitmap block", inodesPerGroup)
	}
	if inodesPerGroup%common.INODEBLK != 0 {
		return nil, fmt.Errorf("inodes per group %d not a multiple of %d", inodesPerGroup, common.INODEBLK)
	}
	fs := &FsSuper{
		Disk:           d,
		Size:           d.Size(),
		JournalStart:   1,
		JournalBlocks:  journalBlocks,
		NGroups:        nGroups,
		BlocksPerGroup: blocksPerGroup,
		InodesPerGroup: inodesPerGroup,
	}
	if fs.GroupStart(nGroups) > fs.Size {
		return nil, fmt.Errorf("layout needs %d blocks, disk has %d",
			fs.GroupStart(nGroups), fs.Size)
	}
	return fs, nil
}

// InodeTableBlocks is the number of blocks in one group's inode table.
func (fs *FsSuper) InodeTableBlocks() uint64 {
	return fs.InodesPerGroup / common.INODEBLK
}

// GroupBlocks is the on-disk footprint of one group.
func (fs *FsSuper) GroupBlocks() uint64 {
	return 2 + fs.InodeTableBlocks() + fs.BlocksPerGroup
}

func (fs *FsSuper) GroupStart(g uint64) common.Bnum {
	return fs.JournalStart + fs.JournalBlocks + g*fs.GroupBlocks()
}

func (fs *FsSuper) BlockBitmapBlk(g uint64) common.Bnum {
	return fs.GroupStart(g)
}

func (fs *FsSuper) InodeBitmapBlk(g uint64) common.Bnum {
	return fs.GroupStart(g) + 1
}

func (fs *FsSuper) InodeTableStart(g uint64) common.Bnum {
	return fs.GroupStart(g) + 2
}

// DataStart is the first data block of group g; bitmap bit i of the group
// covers block DataStart(g)+i.
func (fs *FsSuper) DataStart(g uint64) common.Bnum {
	return fs.InodeTableStart(g) + fs.InodeTableBlocks()
}

func (fs *FsSuper) MaxBnum() common.Bnum {
	return fs.GroupStart(fs.NGroups)
}

// InodeGroup maps an inode number to its group and index within the group.
func (fs *FsSuper) InodeGroup(inum common.Inum) (uint64, uint64) {
	g := uint64(inum) / fs.InodesPerGroup
	return g, uint64(inum) % fs.InodesPerGroup
}

// InodeAddr is the sub-block address of inum's record in its group's inode
// table.
func (fs *FsSuper) InodeAddr(inum common.Inum) addr.Addr {
	g, idx := fs.InodeGroup(inum)
	blk := fs.InodeTableStart(g) + idx/common.INODEBLK
	off := (idx % common.INODEBLK) * common.INODESZ * 8
	return addr.MkAddr(blk, off, common.INODESZ*8)
}

func (fs *FsSuper) Block2Addr(blkno common.Bnum) addr.Addr {
	return addr.MkBlockAddr(blkno)
}
