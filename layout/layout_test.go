package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vexfs/vexjournal/common"
	"github.com/vexfs/vexjournal/disk"
)

func TestMkFsSuperValidation(t *testing.T) {
	d := disk.NewMemDisk(512)
	_, err := MkFsSuper(d, 64, 1, common.NBITBLOCK+1, 16)
	assert.Error(t, err)
	_, err = MkFsSuper(d, 64, 1, 64, common.NBITBLOCK+1)
	assert.Error(t, err)
	_, err = MkFsSuper(d, 64, 1, 64, 17) // not a multiple of INODEBLK
	assert.Error(t, err)
	_, err = MkFsSuper(d, 64, 100, 64, 16) // does not fit the disk
	assert.Error(t, err)
}

func TestRegionsAreDisjoint(t *testing.T) {
	d := disk.NewMemDisk(512)
	fs, err := MkFsSuper(d, 64, 2, 64, 32)
	require.NoError(t, err)

	// journal region follows the superblock
	assert.Equal(t, common.Bnum(1), fs.JournalStart)
	assert.Equal(t, fs.JournalStart+fs.JournalBlocks, fs.GroupStart(0))

	for g := uint64(0); g < fs.NGroups; g++ {
		assert.Equal(t, fs.GroupStart(g), fs.BlockBitmapBlk(g))
		assert.Equal(t, fs.GroupStart(g)+1, fs.InodeBitmapBlk(g))
		assert.Equal(t, fs.GroupStart(g)+2, fs.InodeTableStart(g))
		assert.Equal(t, fs.InodeTableStart(g)+fs.InodeTableBlocks(), fs.DataStart(g))
		assert.Equal(t, fs.DataStart(g)+fs.BlocksPerGroup, fs.GroupStart(g+1))
	}
	assert.LessOrEqual(t, fs.MaxBnum(), fs.Size)
}

func TestInodeAddr(t *testing.T) {
	d := disk.NewMemDisk(512)
	fs, err := MkFsSuper(d, 64, 2, 64, 32)
	require.NoError(t, err)

	// inode 0 sits at the start of group 0's table
	a := fs.InodeAddr(0)
	assert.Equal(t, fs.InodeTableStart(0), a.Blkno)
	assert.Equal(t, uint64(0), a.Off)
	assert.Equal(t, common.INODESZ*8, a.Sz)

	// one group holds 32 inodes across 2 table blocks
	a = fs.InodeAddr(17)
	assert.Equal(t, fs.InodeTableStart(0)+1, a.Blkno)
	assert.Equal(t, common.INODESZ*8, a.Off)

	// inode 32 is the first of group 1
	g, idx := fs.InodeGroup(32)
	assert.Equal(t, uint64(1), g)
	assert.Equal(t, uint64(0), idx)
	assert.Equal(t, fs.InodeTableStart(1), fs.InodeAddr(32).Blkno)
}
