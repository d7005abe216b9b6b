package meta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vexfs/vexjournal/common"
)

func mkVectorInode() *Inode {
	ip := MkInode(42, FtVector)
	ip.Nlink = 2
	ip.Gen = 7
	ip.Size = 3 * 4096
	ip.Atime = 1700000000
	ip.Mtime = 1700000001
	ip.Flags = FlagVectorAligned
	ip.VecDims = 768
	ip.VecElem = ElemF32
	ip.VecCount = 4
	ip.VecAlign = 8
	ip.Blks[0] = 100
	ip.Blks[9] = 109
	return ip
}

func TestInodeRoundTrip(t *testing.T) {
	ip := mkVectorInode()
	rec := EncodeInode(ip)
	require.Equal(t, common.INODESZ, uint64(len(rec)))

	got, err := DecodeInode(rec)
	require.NoError(t, err)
	assert.Equal(t, ip, got)
}

func TestInodeEncodeDeterministic(t *testing.T) {
	a := EncodeInode(mkVectorInode())
	b := EncodeInode(mkVectorInode())
	assert.Equal(t, a, b)
}

func TestInodeChecksumRejectsCorruption(t *testing.T) {
	rec := EncodeInode(mkVectorInode())
	// a single bit flip anywhere in the body must be detected
	for _, off := range []int{0, 17, 100, int(common.INODESZ) - 33} {
		bad := append([]byte(nil), rec...)
		bad[off] ^= 0x01
		_, err := DecodeInode(bad)
		assert.ErrorIs(t, err, ErrChecksum, "flip at %d", off)
	}
	// a corrupted trailer is also a checksum failure
	bad := append([]byte(nil), rec...)
	bad[common.INODESZ-1] ^= 0x80
	_, err := DecodeInode(bad)
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestInodeBadLength(t *testing.T) {
	_, err := DecodeInode(make([]byte, 100))
	assert.ErrorIs(t, err, ErrBadRecord)
}

func TestVectorBytes(t *testing.T) {
	ip := mkVectorInode()
	assert.True(t, ip.IsVector())
	assert.Equal(t, uint64(768*4*4), ip.VectorBytes())

	plain := MkInode(1, FtFile)
	assert.False(t, plain.IsVector())
	assert.Equal(t, uint64(0), plain.VectorBytes())
}

func TestElemSize(t *testing.T) {
	assert.Equal(t, uint64(4), ElemF32.ElemSize())
	assert.Equal(t, uint64(2), ElemF16.ElemSize())
	assert.Equal(t, uint64(1), ElemI8.ElemSize())
	assert.Equal(t, uint64(1), ElemU8.ElemSize())
	assert.Equal(t, uint64(0), ElemNone.ElemSize())
}

func TestDirEntRoundTrip(t *testing.T) {
	de := &DirEnt{Inum: 9, Name: "embeddings.vec"}
	rec, err := EncodeDirEnt(de)
	require.NoError(t, err)
	require.Equal(t, DIRENTSZ, uint64(len(rec)))

	got, err := DecodeDirEnt(rec)
	require.NoError(t, err)
	assert.Equal(t, de, got)
}

func TestDirEntNameTooLong(t *testing.T) {
	name := make([]byte, MAXNAMELEN+1)
	for i := range name {
		name[i] = 'a'
	}
	_, err := EncodeDirEnt(&DirEnt{Inum: 1, Name: string(name)})
	assert.ErrorIs(t, err, ErrNameLength)
}

func TestDirEntEmptyName(t *testing.T) {
	rec, err := EncodeDirEnt(&DirEnt{Inum: common.NULLINUM})
	require.NoError(t, err)
	got, err := DecodeDirEnt(rec)
	require.NoError(t, err)
	assert.Equal(t, common.NULLINUM, got.Inum)
	assert.Equal(t, "", got.Name)
}
