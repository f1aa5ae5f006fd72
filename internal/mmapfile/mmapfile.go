// Package mmapfile memory-maps a regular file read-write so that a
// filesystem populator can treat on-disk sectors as ordinary Go byte
// slices. Grounded on the teacher's own use of golang.org/x/sys/unix for
// raw syscalls (packer/packer_linux.go's ioctl, parttable.go's unix.Sync),
// generalized here to mmap rather than buffered I/O.
package mmapfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// File is a memory-mapped, shared, read-write view of a regular file.
type File struct {
	f    *os.File
	Data []byte
}

// Open opens path and maps its first size bytes read-write/shared. The
// underlying file is truncated up to size first if it is shorter.
func Open(path string, size int64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("mmapfile: open %s: %v", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmapfile: stat %s: %v", path, err)
	}
	if fi.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("mmapfile: truncate %s to %d: %v", path, size, err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmapfile: mmap %s (%d bytes): %v", path, size, err)
	}

	return &File{f: f, Data: data}, nil
}

// Close flushes mapped pages back to the file (Msync) before unmapping and
// closing the underlying file descriptor. The explicit Msync matters: Munmap
// alone does not guarantee dirty pages have reached disk on every kernel.
func (m *File) Close() error {
	if err := unix.Msync(m.Data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("mmapfile: msync: %v", err)
	}
	if err := unix.Munmap(m.Data); err != nil {
		return fmt.Errorf("mmapfile: munmap: %v", err)
	}
	return m.f.Close()
}
