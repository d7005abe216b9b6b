// Package wal implements the VexFS core journal: a circular write-ahead
// log over a fixed region of the block device.
//
// The layout of the journal region:
//
//	[ HDR | HDR2 | ring of transaction records ........ ]
//	  ^      ^     ^
//	  +0     +1    +2
//
// Each transaction record is one descriptor block followed by the logged
// payload blocks. The payload is written first, then a barrier, then the
// descriptor; a descriptor with a valid checksum therefore doubles as the
// commit record. HDR tracks the head (next write position) and the next
// sequence number; HDR2 tracks the tail (oldest un-checkpointed position)
// and the latest checkpoint.
//
// Positions count ring blocks monotonically; a position p lives at disk
// block start+HdrBlocks+(p % ring size). tail <= head always, and no live
// transaction references a sequence number older than the tail.
package wal

import (
	"errors"

	"github.com/vexfs/vexjournal/common"
)

const (
	// HdrBlocks is the number of header blocks before the ring.
	HdrBlocks uint64 = 2

	// MinJournalBlocks is the smallest usable journal: headers plus one
	// descriptor plus one payload block.
	MinJournalBlocks uint64 = HdrBlocks + 2

	// MaxTxnBlocks bounds the payload of one transaction; the record
	// entries must fit a single descriptor block.
	MaxTxnBlocks uint64 = 128

	hdrMagic  uint64 = 0x56584a4c4f473131 // "VXJLOG11"
	hdr2Magic uint64 = 0x56584a4c4f473232
	descMagic uint64 = 0x56584a44455343 // "VXJDESC"
)

// Pos is a monotonic ring position, in blocks.
type Pos = uint64

// Mode selects how much data is logged before a commit is durable.
type Mode uint32

const (
	// ModeOrdered writes data blocks to their home location before the
	// commit record; only metadata is logged.
	ModeOrdered Mode = iota
	// ModeWriteback gives no ordering guarantee between data and
	// metadata; fastest.
	ModeWriteback
	// ModeJournal logs data and metadata; strongest.
	ModeJournal
)

func (m Mode) Valid() bool {
	return m == ModeOrdered || m == ModeWriteback || m == ModeJournal
}

func (m Mode) String() string {
	switch m {
	case ModeOrdered:
		return "ordered"
	case ModeWriteback:
		return "writeback"
	case ModeJournal:
		return "journal"
	}
	return "invalid"
}

// OpKind records what filesystem operation opened a transaction.
type OpKind uint32

const (
	OpCreate OpKind = iota
	OpWrite
	OpMkdir
	OpRename
	OpUnlink
	OpAlloc
	OpFree
	OpMetaUpdate
	OpVectorWrite
)

// Priority affects whether Begin may wait for log space.
type Priority uint32

const (
	PriLow Priority = iota
	PriNormal
	PriHigh
)

// TxnState is the lifecycle of a transaction.
type TxnState uint32

const (
	TxnOpen TxnState = iota
	TxnCommitting
	TxnCommitted
	TxnAborted
)

// CheckpointKind distinguishes full from incremental checkpoints.
type CheckpointKind uint32

const (
	CkptFull CheckpointKind = iota
	CkptIncremental
)

var (
	ErrInsufficientSpace = errors.New("wal: journal region too small")
	ErrInvalidMode       = errors.New("wal: invalid journaling mode")
	ErrJournalFull       = errors.New("wal: journal full")
	ErrBufferTooLarge    = errors.New("wal: buffer larger than a block")
	ErrTxnClosed         = errors.New("wal: transaction is not open")
	ErrTxnTooLarge       = errors.New("wal: transaction exceeds descriptor capacity")
	ErrBarrierTimeout    = errors.New("wal: barrier wait timed out")
	ErrChecksum          = errors.New("wal: checksum mismatch")
	ErrBadMagic          = errors.New("wal: bad journal magic")
	ErrWrongUUID         = errors.New("wal: journal belongs to another filesystem")
	ErrInvalidRange      = errors.New("wal: invalid position range")
)

// Record is one block-level change carried by a transaction.
type Record struct {
	Blkno common.Bnum
	Data  []byte
	Len   uint64
	Meta  bool
}

// Stats counts journal activity since Init/Open.
type Stats struct {
	Transactions uint64
	Commits      uint64
	Aborts       uint64
	Checkpoints  uint64
	Sha256Ops    uint64
}
