package falloc

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"slices"
	"sort"
	"unicode/utf8"

	"github.com/dkvstore/falloc/pkg/fsio"
)

const metadataFilePerm = 0o600

// AllocationTable is the global disk map: the block allocator's free list,
// the set of all per-key allocations, and the high-water mark of blocks the
// data file has ever been grown to. BlockSize is fixed at creation time and
// never changes for the lifetime of a metadata file.
type AllocationTable struct {
	BlockSize        uint64
	BlocksReserved   uint64
	Free             []Extent // sorted by Start, disjoint, coalesced
	Map              map[string]*Allocation
	MetadataFilename string
}

// NewTable creates an empty allocation table for a brand-new database.
func NewTable(metadataFilename string, blockSize uint64) *AllocationTable {
	return &AllocationTable{
		BlockSize:        blockSize,
		MetadataFilename: metadataFilename,
		Map:              make(map[string]*Allocation),
	}
}

// ceilBlocks rounds n up to the next positive multiple of blockSize.
func ceilBlocks(n, blockSize uint64) uint64 {
	if n == 0 {
		return 0
	}

	return ((n-1)/blockSize + 1) * blockSize
}

// Alloc finds space for at least amount bytes and returns the extent
// reserved for it. The returned extent's length is ceilBlocks(amount).
//
// First-fit: the free list is scanned in its current (start-sorted) order
// for the first extent at least as large as needed. If none fits, the data
// file is grown: rounded zero bytes are written at the current high-water
// mark and BlocksReserved advances past them.
func (t *AllocationTable) Alloc(amount uint64, dataFile fsio.File) (Extent, error) {
	rounded := ceilBlocks(amount, t.BlockSize)

	for i, free := range t.Free {
		if free.Length < rounded {
			continue
		}

		t.Free = slices.Delete(t.Free, i, i+1)

		if remainder := free.Length - rounded; remainder > 0 {
			t.Free = slices.Insert(t.Free, i, Extent{Start: free.Start + rounded, Length: remainder})
		}

		return Extent{Start: free.Start, Length: rounded}, nil
	}

	start := t.BlocksReserved * t.BlockSize

	zeros := make([]byte, rounded)
	if _, err := dataFile.WriteAt(zeros, int64(start)); err != nil {
		return Extent{}, ioErrorf("growing data file to %d bytes: %w", start+rounded, err)
	}

	t.BlocksReserved += rounded / t.BlockSize

	return Extent{Start: start, Length: rounded}, nil
}

// Dealloc returns ext to the free list, rounding its length up to a block
// multiple (every extent on the free list must satisfy that invariant even
// though a caller may pass an already-rounded allocation extent) and
// coalescing with any adjacent free extents on either side.
func (t *AllocationTable) Dealloc(ext Extent) {
	rounded := ceilBlocks(ext.Length, t.BlockSize)
	s := ext.Start

	idx := sort.Search(len(t.Free), func(i int) bool { return t.Free[i].Start >= s })

	mergedIdx := idx

	if idx > 0 && t.Free[idx-1].End() == s {
		t.Free[idx-1].Length += rounded
		mergedIdx = idx - 1
	} else {
		t.Free = slices.Insert(t.Free, idx, Extent{Start: s, Length: rounded})
	}

	// Coalesce forward with the following extent, if now adjacent.
	for mergedIdx+1 < len(t.Free) && t.Free[mergedIdx].End() == t.Free[mergedIdx+1].Start {
		t.Free[mergedIdx].Length += t.Free[mergedIdx+1].Length
		t.Free = slices.Delete(t.Free, mergedIdx+1, mergedIdx+2)
	}
}

// SetLength grows or shrinks alloc in place so FullSize == needed,
// allocating or releasing extents as necessary. Growing always appends a
// new extent rather than relocating existing bytes; shrinking always frees
// from the tail, preserving the order of remaining extents.
func (t *AllocationTable) SetLength(alloc *Allocation, dataFile fsio.File, needed uint64) error {
	current := alloc.FullSize
	if needed == current {
		return nil
	}

	if len(alloc.Extents) == 0 {
		if needed == 0 {
			alloc.FullSize = 0
			return nil
		}

		ext, err := t.Alloc(needed, dataFile)
		if err != nil {
			return err
		}

		alloc.Extents = []Extent{ext}
		alloc.FullSize = needed

		return nil
	}

	if needed == 0 {
		for _, e := range alloc.Extents {
			t.Dealloc(e)
		}

		alloc.Extents = nil
		alloc.FullSize = 0

		return nil
	}

	totalBlocked := alloc.blockedSize()

	if needed > current {
		if needed <= totalBlocked {
			// Fits within already-reserved tail padding: purely logical grow.
			alloc.FullSize = needed
			return nil
		}

		ext, err := t.Alloc(needed-current, dataFile)
		if err != nil {
			return err
		}

		alloc.Extents = append(alloc.Extents, ext)
		alloc.FullSize = needed

		return nil
	}

	// needed < current: shrink.
	neededBlocked := ceilBlocks(needed, t.BlockSize)
	if neededBlocked == totalBlocked {
		alloc.FullSize = needed
		return nil
	}

	for len(alloc.Extents) > 0 {
		last := alloc.Extents[len(alloc.Extents)-1]
		withoutLast := totalBlocked - last.Length

		if withoutLast >= neededBlocked {
			t.Dealloc(last)
			alloc.Extents = alloc.Extents[:len(alloc.Extents)-1]
			totalBlocked = withoutLast

			continue
		}

		keep := neededBlocked - withoutLast
		if keep < last.Length {
			t.Dealloc(Extent{Start: last.Start + keep, Length: last.Length - keep})
			alloc.Extents[len(alloc.Extents)-1] = Extent{Start: last.Start, Length: keep}
		}

		break
	}

	alloc.FullSize = needed

	return nil
}

// Save atomically replaces the metadata file with the current state: write
// to "<filename>.tmp" then rename over the destination. The data file must
// be fsynced by the caller before Save is invoked so a crash after rename
// never promises bytes the data file does not contain.
func (t *AllocationTable) Save(fs fsio.FS) error {
	data := t.encode()

	if err := fs.WriteFileAtomic(t.MetadataFilename, data, metadataFilePerm); err != nil {
		return ioErrorf("saving metadata %s: %w", t.MetadataFilename, err)
	}

	return nil
}

// encode serializes the table per the wire format: big-endian u64 fields
// throughout.
//
//	block_size, blocks_reserved, free_len, map_len
//	free_len * (start, length)
//	map_len * (key_len, key_bytes, full_size, locations_len, locations_len*(start,length))
func (t *AllocationTable) encode() []byte {
	var buf bytes.Buffer

	putU64 := func(v uint64) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v)
		buf.Write(b[:])
	}

	putU64(t.BlockSize)
	putU64(t.BlocksReserved)
	putU64(uint64(len(t.Free)))
	putU64(uint64(len(t.Map)))

	for _, e := range t.Free {
		putU64(e.Start)
		putU64(e.Length)
	}

	for key, alloc := range t.Map {
		putU64(uint64(len(key)))
		buf.WriteString(key)
		putU64(alloc.FullSize)
		putU64(uint64(len(alloc.Extents)))

		for _, e := range alloc.Extents {
			putU64(e.Start)
			putU64(e.Length)
		}
	}

	return buf.Bytes()
}

// LoadTable parses the metadata file at path (per the wire format described
// on [AllocationTable.encode]) and returns the table. A missing file yields
// the unwrapped not-exist error from fs.ReadFile; any other read failure
// fails with ErrIO, and a truncated file or a key that is not valid UTF-8
// fails with ErrCorruptMetadata.
func LoadTable(fs fsio.FS, path string) (*AllocationTable, error) {
	raw, err := fs.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}

		return nil, ioErrorf("reading metadata %s: %w", path, err)
	}

	r := bytes.NewReader(raw)

	readU64 := func(what string) (uint64, error) {
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, corruptErrorf("reading %s: %w", what, err)
		}

		return binary.BigEndian.Uint64(b[:]), nil
	}

	blockSize, err := readU64("block_size")
	if err != nil {
		return nil, err
	}

	blocksReserved, err := readU64("blocks_reserved")
	if err != nil {
		return nil, err
	}

	freeLen, err := readU64("free_len")
	if err != nil {
		return nil, err
	}

	mapLen, err := readU64("map_len")
	if err != nil {
		return nil, err
	}

	t := &AllocationTable{
		BlockSize:        blockSize,
		BlocksReserved:   blocksReserved,
		MetadataFilename: path,
		Map:              make(map[string]*Allocation, mapLen),
	}

	for i := uint64(0); i < freeLen; i++ {
		start, err := readU64("free.start")
		if err != nil {
			return nil, err
		}

		length, err := readU64("free.length")
		if err != nil {
			return nil, err
		}

		t.Free = append(t.Free, Extent{Start: start, Length: length})
	}

	for i := uint64(0); i < mapLen; i++ {
		keyLen, err := readU64("map.key_len")
		if err != nil {
			return nil, err
		}

		keyBytes := make([]byte, keyLen)
		if _, err := io.ReadFull(r, keyBytes); err != nil {
			return nil, corruptErrorf("reading map.key_bytes: %w", err)
		}

		if !utf8.Valid(keyBytes) {
			return nil, corruptErrorf("key %d is not valid UTF-8", i)
		}

		fullSize, err := readU64("map.full_size")
		if err != nil {
			return nil, err
		}

		locLen, err := readU64("map.locations_len")
		if err != nil {
			return nil, err
		}

		alloc := &Allocation{FullSize: fullSize, Extents: make([]Extent, 0, locLen)}

		for j := uint64(0); j < locLen; j++ {
			start, err := readU64("map.location.start")
			if err != nil {
				return nil, err
			}

			length, err := readU64("map.location.length")
			if err != nil {
				return nil, err
			}

			alloc.Extents = append(alloc.Extents, Extent{Start: start, Length: length})
		}

		t.Map[string(keyBytes)] = alloc
	}

	return t, nil
}
