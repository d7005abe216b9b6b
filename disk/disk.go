// Package disk provides access to a logical block device.
//
// Two implementations are included: an in-memory disk for tests and an
// on-disk file image backed by pread/pwrite. The journal issues writes in
// order and relies on Barrier for durability; no write reordering is assumed
// safe without it.
package disk

// Block is a BlockSize-byte buffer
type Block = []byte

const BlockSize uint64 = 4096

// Disk provides access to a logical block-based disk
type Disk interface {
	// Read reads a disk block by address
	//
	// Expects a < Size().
	Read(a uint64) Block

	// ReadTo reads the disk block at a and stores the result in b
	//
	// Expects a < Size().
	ReadTo(a uint64, b Block)

	// Write updates a disk block by address
	//
	// Expects a < Size().
	Write(a uint64, v Block)

	// Size reports how big the disk is, in blocks
	Size() uint64

	// Barrier ensures data is persisted.
	//
	// When it returns, all outstanding writes are guaranteed to be
	// durably on disk
	Barrier()

	// Close releases any resources used by the disk and makes it
	// unusable.
	Close()
}

// Mapper is implemented by disks that can expose a read-only
// memory-mapped window over a block range, for scan-heavy recovery.
type Mapper interface {
	// Map maps nblocks blocks starting at block a.
	//
	// The returned bytes alias the device contents; the caller must call
	// Unmap before the disk is closed.
	Map(a uint64, nblocks uint64) ([]byte, error)

	// Unmap releases a mapping returned by Map.
	Unmap(data []byte) error
}
