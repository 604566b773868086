// Package fsio provides filesystem abstractions for FAlloc's data and
// metadata files.
//
// The main types are:
//   - [File]: interface for open files (satisfied by [os.File])
//   - [FS]: interface for opening/creating/removing files
//   - [Real]: production implementation backed by the [os] package
//   - [Locker]: flock(2)-based exclusive locking used to guard a data file
//     against being opened by a second FAlloc instance
package fsio

import (
	"io"
	"os"
)

// File represents an open, random-access file descriptor.
//
// Satisfied by [os.File]. FAlloc's allocator needs positioned reads/writes
// (scatter/gather across extents) so File embeds [io.ReaderAt]/[io.WriterAt]
// in addition to the [os.File]-shaped basics.
type File interface {
	io.Closer
	io.ReaderAt
	io.WriterAt
	io.Seeker

	// Fd returns the OS file descriptor, used for flock(2).
	Fd() uintptr

	// Stat returns file info. See [os.File.Stat].
	Stat() (os.FileInfo, error)

	// Sync commits the file's contents and metadata to disk. See [os.File.Sync].
	Sync() error

	// Truncate changes the file's size. See [os.File.Truncate].
	Truncate(size int64) error
}

// FS defines the filesystem operations FAlloc needs for its data and
// metadata files.
type FS interface {
	// OpenFile opens a file with specified flags and permissions. See [os.OpenFile].
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// ReadFile reads an entire file into memory. See [os.ReadFile].
	ReadFile(path string) ([]byte, error)

	// WriteFileAtomic writes data to path atomically: temp file in the same
	// directory, fsync, then rename over path.
	WriteFileAtomic(path string, data []byte, perm os.FileMode) error

	// Stat returns file info. See [os.Stat].
	Stat(path string) (os.FileInfo, error)

	// Remove deletes a file. See [os.Remove].
	Remove(path string) error
}

// Compile-time interface check.
var _ File = (*os.File)(nil)
