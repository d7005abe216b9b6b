package common

const (
	// BlockSize is the logical block size of the filesystem and journal.
	BlockSize uint64 = 4096

	// NBITBLOCK is the number of bitmap bits stored in one block.
	NBITBLOCK uint64 = BlockSize * 8

	// INODESZ is the on-disk size of an inode record, including its
	// checksum trailer.
	INODESZ uint64 = 256

	// INODEBLK is the number of inode records per block.
	INODEBLK uint64 = BlockSize / INODESZ
)

// Bnum is a block number on the underlying device.
type Bnum = uint64

// Inum is an inode number.
type Inum uint64

// SeqNum is a journal transaction sequence number. Sequence numbers are
// assigned at commit time and strictly increase.
type SeqNum = uint64

// TxnId identifies an in-flight transaction; unlike SeqNum it is assigned
// at Begin and never reused.
type TxnId = uint64

const (
	NULLINUM Inum = 0
	ROOTINUM Inum = 1
	NULLBNUM Bnum = 0
)
