package wal

import (
	"github.com/google/uuid"
	"github.com/tchajed/marshal"

	"github.com/vexfs/vexjournal/checksum"
	"github.com/vexfs/vexjournal/common"
	"github.com/vexfs/vexjournal/disk"
	"github.com/vexfs/vexjournal/util"
)

// hdr is the persistent image of HDR: the write frontier of the ring.
type hdr struct {
	mode  Mode
	total uint64
	head  Pos
	seq   common.SeqNum
	uuid  uuid.UUID
}

// hdr2 is the persistent image of HDR2: the tail and latest checkpoint.
type hdr2 struct {
	tail   Pos
	nckpts uint64
	ckpt   Checkpoint
}

func encodeHdr(h *hdr) disk.Block {
	enc := marshal.NewEnc(disk.BlockSize)
	enc.PutInt(hdrMagic)
	enc.PutInt32(uint32(h.mode))
	enc.PutInt32(0)
	enc.PutInt(h.total)
	enc.PutInt(disk.BlockSize)
	enc.PutInt(h.head)
	enc.PutInt(h.seq)
	enc.PutBytes(h.uuid[:])
	blk := enc.Finish()
	sum := checksum.Sum(blk[:hdrBodyLen])
	copy(blk[hdrBodyLen:hdrBodyLen+checksum.Size], sum)
	return blk
}

const hdrBodyLen = 8 + 4 + 4 + 8 + 8 + 8 + 8 + 16

func decodeHdr(blk disk.Block) (*hdr, error) {
	if !checksum.Verify(blk[:hdrBodyLen], blk[hdrBodyLen:hdrBodyLen+checksum.Size]) {
		return nil, ErrChecksum
	}
	dec := marshal.NewDec(blk)
	if dec.GetInt() != hdrMagic {
		return nil, ErrBadMagic
	}
	h := &hdr{}
	h.mode = Mode(dec.GetInt32())
	dec.GetInt32()
	h.total = dec.GetInt()
	if dec.GetInt() != disk.BlockSize {
		return nil, ErrBadMagic
	}
	h.head = dec.GetInt()
	h.seq = dec.GetInt()
	copy(h.uuid[:], dec.GetBytes(16))
	return h, nil
}

const hdr2BodyLen = 8 + 8 + 8 + 8 + 4 + 4 + 8 + 8

func encodeHdr2(h *hdr2) disk.Block {
	enc := marshal.NewEnc(disk.BlockSize)
	enc.PutInt(hdr2Magic)
	enc.PutInt(h.tail)
	enc.PutInt(h.nckpts)
	enc.PutInt(h.ckpt.Id)
	enc.PutInt32(uint32(h.ckpt.Kind))
	enc.PutInt32(0)
	enc.PutInt(h.ckpt.Seq)
	enc.PutInt(h.ckpt.Pos)
	blk := enc.Finish()
	sum := checksum.Sum(blk[:hdr2BodyLen])
	copy(blk[hdr2BodyLen:hdr2BodyLen+checksum.Size], sum)
	return blk
}

func decodeHdr2(blk disk.Block) (*hdr2, error) {
	if !checksum.Verify(blk[:hdr2BodyLen], blk[hdr2BodyLen:hdr2BodyLen+checksum.Size]) {
		return nil, ErrChecksum
	}
	dec := marshal.NewDec(blk)
	if dec.GetInt() != hdr2Magic {
		return nil, ErrBadMagic
	}
	h := &hdr2{}
	h.tail = dec.GetInt()
	h.nckpts = dec.GetInt()
	h.ckpt.Id = dec.GetInt()
	h.ckpt.Kind = CheckpointKind(dec.GetInt32())
	dec.GetInt32()
	h.ckpt.Seq = dec.GetInt()
	h.ckpt.Pos = dec.GetInt()
	return h, nil
}

// descriptor block layout: a fixed prefix, one entry per logged record, and
// a SHA-256 digest over the prefix, the entries, and the payload bytes.
const (
	descPrefixLen = 8 + 8 + 8 + 4 + 4 + 4 + 4
	descEntryLen  = 8 + 8 + 8
)

type descEntry struct {
	blkno common.Bnum
	len   uint64
	meta  bool
}

type desc struct {
	txid    common.TxnId
	seq     common.SeqNum
	op      OpKind
	pri     Priority
	entries []descEntry
}

func encodeDesc(d *desc, payload [][]byte) disk.Block {
	enc := marshal.NewEnc(disk.BlockSize)
	enc.PutInt(descMagic)
	enc.PutInt(d.txid)
	enc.PutInt(d.seq)
	enc.PutInt32(uint32(d.op))
	enc.PutInt32(uint32(d.pri))
	enc.PutInt32(uint32(len(d.entries)))
	enc.PutInt32(0)
	for _, e := range d.entries {
		enc.PutInt(e.blkno)
		enc.PutInt(e.len)
		var flags uint64
		if e.meta {
			flags |= 1
		}
		enc.PutInt(flags)
	}
	blk := enc.Finish()
	bodyLen := descPrefixLen + len(d.entries)*descEntryLen
	ranges := make([][]byte, 0, len(payload)+1)
	ranges = append(ranges, blk[:bodyLen])
	ranges = append(ranges, payload...)
	sum := checksum.SumRanges(ranges)
	copy(blk[bodyLen:bodyLen+checksum.Size], sum)
	return blk
}

// decodeDesc parses a descriptor block without verifying its digest; the
// digest needs the payload, which the caller reads afterwards.
func decodeDesc(blk disk.Block) (*desc, []byte, error) {
	dec := marshal.NewDec(blk)
	if dec.GetInt() != descMagic {
		return nil, nil, ErrBadMagic
	}
	d := &desc{}
	d.txid = dec.GetInt()
	d.seq = dec.GetInt()
	d.op = OpKind(dec.GetInt32())
	d.pri = Priority(dec.GetInt32())
	n := dec.GetInt32()
	dec.GetInt32()
	if uint64(n) > MaxTxnBlocks {
		return nil, nil, ErrBadMagic
	}
	for i := uint32(0); i < n; i++ {
		e := descEntry{}
		e.blkno = dec.GetInt()
		e.len = dec.GetInt()
		e.meta = dec.GetInt()&1 != 0
		d.entries = append(d.entries, e)
	}
	bodyLen := descPrefixLen + len(d.entries)*descEntryLen
	return d, blk[bodyLen : bodyLen+checksum.Size], nil
}

// verifyDesc checks the descriptor digest against the payload blocks.
func verifyDesc(blk disk.Block, d *desc, sum []byte, payload [][]byte) bool {
	bodyLen := descPrefixLen + len(d.entries)*descEntryLen
	ranges := make([][]byte, 0, len(payload)+1)
	ranges = append(ranges, blk[:bodyLen])
	ranges = append(ranges, payload...)
	got := checksum.SumRanges(ranges)
	for i := range got {
		if got[i] != sum[i] {
			return false
		}
	}
	return true
}

// ScannedTxn is one committed transaction found by a log scan.
type ScannedTxn struct {
	Id      common.TxnId
	Seq     common.SeqNum
	Pos     Pos
	NBlocks uint64 // descriptor + payload
	Op      OpKind
	Records []Record
}

// PartialTxn is a transaction record whose descriptor or payload failed
// validation; it is never replayed.
type PartialTxn struct {
	Pos    Pos
	Seq    common.SeqNum
	Reason string
}

// blockReader reads one ring position; it abstracts direct disk reads from
// mmap-window reads during recovery.
type blockReader func(pos Pos) disk.Block

func badEntryLen(entries []descEntry) bool {
	for _, e := range entries {
		if e.len > disk.BlockSize {
			return true
		}
	}
	return false
}

// scanRange walks descriptors in [from, to) and classifies each record as
// committed or partial. A descriptor with an unrecognizable magic ends the
// scan (the ring's remainder is old history).
func scanRange(read blockReader, from Pos, to Pos) ([]ScannedTxn, []PartialTxn) {
	var committed []ScannedTxn
	var partials []PartialTxn
	pos := from
	for pos < to {
		blk := read(pos)
		d, sum, err := decodeDesc(blk)
		if err != nil {
			util.DPrintf(2, "scan: stop at pos %d: %v\n", pos, err)
			break
		}
		// the descriptor fields are untrusted until the digest checks out;
		// bound them before reading payload through them
		nblocks := 1 + uint64(len(d.entries))
		if pos+nblocks > to {
			partials = append(partials, PartialTxn{
				Pos:    pos,
				Seq:    d.seq,
				Reason: "descriptor overruns the scanned range",
			})
			break
		}
		if badEntryLen(d.entries) {
			partials = append(partials, PartialTxn{
				Pos:    pos,
				Seq:    d.seq,
				Reason: "entry length out of range",
			})
			pos += nblocks
			continue
		}
		payload := make([][]byte, 0, len(d.entries))
		records := make([]Record, 0, len(d.entries))
		for i, e := range d.entries {
			pblk := read(pos + 1 + uint64(i))
			payload = append(payload, pblk[:e.len])
			records = append(records, Record{
				Blkno: e.blkno,
				Data:  pblk,
				Len:   e.len,
				Meta:  e.meta,
			})
		}
		if !verifyDesc(blk, d, sum, payload) {
			partials = append(partials, PartialTxn{
				Pos:    pos,
				Seq:    d.seq,
				Reason: "payload checksum mismatch",
			})
			pos += nblocks
			continue
		}
		committed = append(committed, ScannedTxn{
			Id:      d.txid,
			Seq:     d.seq,
			Pos:     pos,
			NBlocks: nblocks,
			Op:      d.op,
			Records: records,
		})
		pos += nblocks
	}
	return committed, partials
}
