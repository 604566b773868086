package falloc

import (
	"github.com/dkvstore/falloc/pkg/fsio"
)

// Extent is a contiguous (start, length) region of the data file. Length is
// always a positive multiple of the owning table's block size.
type Extent struct {
	Start  uint64
	Length uint64
}

// End returns the first byte offset past this extent.
func (e Extent) End() uint64 {
	return e.Start + e.Length
}

// Allocation is a key's on-disk footprint: the logical size visible to
// readers plus the ordered list of extents that back it. Extents may span
// disjoint regions of the data file when an allocation has grown after
// creation; growth appends a new extent rather than relocating existing
// bytes.
type Allocation struct {
	FullSize uint64
	Extents  []Extent
}

// blockedSize returns the sum of this allocation's extent lengths, i.e. the
// total number of bytes reserved for it on disk (always >= FullSize).
func (a *Allocation) blockedSize() uint64 {
	var total uint64
	for _, e := range a.Extents {
		total += e.Length
	}

	return total
}

// ReadAll reads this allocation's logical bytes from f: each extent in
// order, truncated so the result is exactly FullSize bytes. An extent that
// extends past FullSize (tail padding) is read only up to the needed prefix.
func (a *Allocation) ReadAll(f fsio.File) ([]byte, error) {
	out := make([]byte, a.FullSize)

	var written uint64

	for _, ext := range a.Extents {
		if written >= a.FullSize {
			break
		}

		remaining := a.FullSize - written
		want := ext.Length
		if want > remaining {
			want = remaining
		}

		n, err := f.ReadAt(out[written:written+want], int64(ext.Start))
		if err != nil || uint64(n) != want {
			return nil, ioErrorf("reading extent at offset %d: %w", ext.Start, err)
		}

		written += want
	}

	return out, nil
}

// WriteAll scatter-writes data into this allocation's extents in order. data
// is conceptually zero-padded up to FullSize before writing; bytes beyond
// FullSize are unspecified. The caller must have already resized the
// allocation (via AllocationTable.SetLength) so its extents can hold
// len(data) == FullSize bytes.
func (a *Allocation) WriteAll(f fsio.File, data []byte) error {
	if uint64(len(data)) < a.FullSize {
		padded := make([]byte, a.FullSize)
		copy(padded, data)
		data = padded
	}

	var offset uint64

	for _, ext := range a.Extents {
		if offset >= uint64(len(data)) {
			break
		}

		remaining := uint64(len(data)) - offset
		want := ext.Length
		if want > remaining {
			want = remaining
		}

		n, err := f.WriteAt(data[offset:offset+want], int64(ext.Start))
		if err != nil || uint64(n) != want {
			return ioErrorf("writing extent at offset %d: %w", ext.Start, err)
		}

		offset += want
	}

	return nil
}
