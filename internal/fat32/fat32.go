// Package fat32 populates a FAT32 filesystem directly into a memory-mapped
// byte region: BPB/FSInfo, dual FAT tables, and a directory tree built up
// in memory and flushed cluster-by-cluster as files and subdirectories are
// added. Nothing is ever read back off disk mid-build; CreateFilesystem
// starts from a blank region and every subsequent call mutates the mapped
// bytes directly, mirroring how the teacher's packer writes sector-aligned
// structures straight into an os.File via WriteAt, just onto mmap'd memory
// instead of through syscalls.
package fat32

import (
	"encoding/binary"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

const (
	defaultReservedSectors = 32
	defaultNumFATs         = 2
	rootDirCluster         = 2

	fatEntryMask = 0x0FFFFFFF
	fatEOC       = 0x0FFFFFFF
	fatBad       = 0x0FFFFFF7
	fatFree      = 0x00000000
)

// dirHandle is a stable reference to the directory entry that names a
// directory: the first cluster of the parent directory holding that entry,
// and the index at which the entry's record starts within the parent's
// entry stream. It is deliberately not a Go pointer into the mmap'd
// region — that region can be re-written out from under any cached pointer
// as sibling entries are appended, so ".." linkage is always re-resolved
// through Volume.dirs by path instead of held directly.
type dirHandle struct {
	cluster    uint32
	entryIndex int
}

type dirNode struct {
	path       string
	cluster    uint32
	clusters   []uint32
	parent     dirHandle
	shortNames map[string]bool
	entries    []byte
}

// Volume is a FAT32 filesystem under construction inside a byte slice
// backed by mmapfile.File.Data.
type Volume struct {
	data   []byte
	offset uint64
	size   uint64

	bytesPerSector    uint32
	sectorsPerCluster uint32
	clusterSizeBytes  uint32
	reservedSectors   uint32
	numFATs           uint32
	fatSizeSectors    uint32
	fatOffsetBytes    [2]uint64
	dataOffsetBytes   uint64
	totalClusters     uint32

	freeCount uint32
	nextFree  uint32

	volumeLabel string
	volumeID    uint32

	dirs map[string]*dirNode
}

// CreateFilesystem lays out a fresh FAT32 BPB, FSInfo, and FAT tables over
// data[offset:offset+size], and creates an empty root directory. size must
// be large enough for at least fat32MinDataClusters data clusters — FAT32
// is specified only for volumes at or above this size (Microsoft FAT spec
// §3.5); smaller volumes are rejected rather than silently written as a
// malformed FAT32 filesystem, unlike the tool spec.md was distilled from.
func CreateFilesystem(data []byte, offset, size uint64, volumeLabel string) (*Volume, error) {
	if offset+size > uint64(len(data)) {
		return nil, fmt.Errorf("fat32: region [%d,%d) exceeds mapped length %d", offset, offset+size, len(data))
	}

	totalSectors := size / sectorSize
	secPerClus, err := sectorsPerClusterFor(totalSectors)
	if err != nil {
		return nil, err
	}

	v := &Volume{
		data:              data,
		offset:            offset,
		size:              size,
		bytesPerSector:    sectorSize,
		sectorsPerCluster: uint32(secPerClus),
		clusterSizeBytes:  uint32(secPerClus) * sectorSize,
		reservedSectors:   defaultReservedSectors,
		numFATs:           defaultNumFATs,
		volumeLabel:       volumeLabel,
		volumeID:          0x12345678,
		dirs:              make(map[string]*dirNode),
	}

	v.fatSizeSectors = fatSizeInSectors(totalSectors, v.reservedSectors, secPerClus, v.numFATs)
	v.fatOffsetBytes[0] = uint64(v.reservedSectors) * sectorSize
	v.fatOffsetBytes[1] = v.fatOffsetBytes[0] + uint64(v.fatSizeSectors)*sectorSize
	v.dataOffsetBytes = v.fatOffsetBytes[1] + uint64(v.fatSizeSectors)*sectorSize

	dataBytes := size - v.dataOffsetBytes
	v.totalClusters = uint32(dataBytes / uint64(v.clusterSizeBytes))
	if v.totalClusters < fat32MinDataClusters {
		return nil, fmt.Errorf("fat32: volume has only %d data clusters, minimum for FAT32 is %d", v.totalClusters, fat32MinDataClusters)
	}

	v.freeCount = v.totalClusters - 1 // root directory's cluster is claimed below
	v.nextFree = rootDirCluster + 1

	v.writeBPB()

	// FAT[0] and FAT[1] are reserved, carrying the media descriptor and an
	// all-ones end-of-chain marker respectively; both must always agree
	// across the primary and backup FAT copies.
	v.setFATEntry(0, 0x0FFFFFF8) // low byte mirrors the media descriptor, 0xF8
	v.setFATEntry(1, fatEOC)
	v.setFATEntry(rootDirCluster, fatEOC)

	root := &dirNode{
		path:       "/",
		cluster:    rootDirCluster,
		clusters:   []uint32{rootDirCluster},
		parent:     dirHandle{cluster: 0, entryIndex: -1},
		shortNames: make(map[string]bool),
	}
	v.dirs["/"] = root

	v.writeFSInfo()

	return v, nil
}

// OpenFilesystem re-derives a Volume's geometry from an already-initialized
// region (its BPB and FSInfo sectors). It does not reconstruct the
// in-memory directory tree from on-disk entries: this package only ever
// builds filesystems forward from CreateFilesystem in a single pass, so
// OpenFilesystem exists for read-back of the volume's free-space counters,
// not for resuming population of an existing tree.
func OpenFilesystem(data []byte, offset, size uint64) (*Volume, error) {
	if offset+size > uint64(len(data)) {
		return nil, fmt.Errorf("fat32: region [%d,%d) exceeds mapped length %d", offset, offset+size, len(data))
	}
	b := data[offset : offset+uint64(sectorSize)]
	if binary.LittleEndian.Uint16(b[510:512]) != bootSignature {
		return nil, fmt.Errorf("fat32: missing boot signature at offset %d", offset)
	}

	secPerClus := uint32(b[13])
	reservedSectors := uint32(binary.LittleEndian.Uint16(b[14:16]))
	numFATs := uint32(b[16])
	fatSizeSectors := binary.LittleEndian.Uint32(b[36:40])
	rootClus := binary.LittleEndian.Uint32(b[44:48])

	v := &Volume{
		data:              data,
		offset:            offset,
		size:              size,
		bytesPerSector:    sectorSize,
		sectorsPerCluster: secPerClus,
		clusterSizeBytes:  secPerClus * sectorSize,
		reservedSectors:   reservedSectors,
		numFATs:           numFATs,
		fatSizeSectors:    fatSizeSectors,
		dirs:              make(map[string]*dirNode),
	}
	v.fatOffsetBytes[0] = uint64(reservedSectors) * sectorSize
	v.fatOffsetBytes[1] = v.fatOffsetBytes[0] + uint64(fatSizeSectors)*sectorSize
	v.dataOffsetBytes = v.fatOffsetBytes[1] + uint64(fatSizeSectors)*sectorSize
	v.totalClusters = uint32((size - v.dataOffsetBytes) / uint64(v.clusterSizeBytes))

	fsi := data[offset+uint64(sectorSize) : offset+2*uint64(sectorSize)]
	v.freeCount = binary.LittleEndian.Uint32(fsi[488:492])
	v.nextFree = binary.LittleEndian.Uint32(fsi[492:496])

	v.dirs["/"] = &dirNode{
		path:       "/",
		cluster:    rootClus,
		clusters:   []uint32{rootClus},
		parent:     dirHandle{cluster: 0, entryIndex: -1},
		shortNames: make(map[string]bool),
	}
	return v, nil
}

// CloseFilesystem writes the final FreeCount/NxtFree accounting into both
// FSInfo sectors. The caller is responsible for msync/munmap of the
// backing mapping (internal/mmapfile.File.Close).
func (v *Volume) CloseFilesystem() error {
	v.writeFSInfo()
	return nil
}

func (v *Volume) writeBPB() {
	b := bpb{
		JmpBoot:    [3]byte{0xEB, 0x58, 0x90},
		OEMName:    [8]byte{'S', 'I', 'P', 'O', 'S', 'D', 'V', ' '},
		BytsPerSec: sectorSize,
		SecPerClus: uint8(v.sectorsPerCluster),
		RsvdSecCnt: uint16(v.reservedSectors),
		NumFATs:    uint8(v.numFATs),
		Media:      0xF8,
		SecPerTrk:  63,
		NumHeads:   255,
		TotSec32:   uint32(v.size / sectorSize),
		FATSz32:    v.fatSizeSectors,
		RootClus:   rootDirCluster,
		FSInfoSec:  1,
		BkBootSec:  6,
		DrvNum:     0x80,
		BootSig:    0x29,
		VolID:      v.volumeID,
		Signature:  bootSignature,
	}
	copy(b.VolLab[:], []byte("NO NAME    "))
	copy(b.FilSysType[:], []byte("FAT32   "))
	if v.volumeLabel != "" {
		label := v.volumeLabel
		if len(label) > 11 {
			label = label[:11]
		}
		var lb [11]byte
		copy(lb[:], strings.ToUpper(label))
		for i := len(label); i < 11; i++ {
			lb[i] = ' '
		}
		b.VolLab = lb
	}

	raw := encodeStruct(b)
	primary := v.sector(0)
	copy(primary, raw)
	// The backup boot sector at BkBootSec is a verbatim copy of sector 0.
	backup := v.sector(int(b.BkBootSec))
	copy(backup, raw)
}

func (v *Volume) writeFSInfo() {
	fi := fsInfo{
		LeadSig:   fsInfoLeadSig,
		StrucSig:  fsInfoStrucSig,
		FreeCount: v.freeCount,
		NxtFree:   v.nextFree,
		TrailSig:  fsInfoTrailSig,
	}
	raw := encodeStruct(fi)
	copy(v.sector(1), raw)
	copy(v.sector(1+6), raw) // backup FSInfo sector, alongside the backup boot sector
}

func (v *Volume) sector(n int) []byte {
	start := v.offset + uint64(n)*sectorSize
	return v.data[start : start+sectorSize]
}

func (v *Volume) clusterBytes(cluster uint32) []byte {
	start := v.offset + v.dataOffsetBytes + uint64(cluster-2)*uint64(v.clusterSizeBytes)
	return v.data[start : start+uint64(v.clusterSizeBytes)]
}

func (v *Volume) fatEntryOffset(which int, cluster uint32) uint64 {
	return v.offset + v.fatOffsetBytes[which] + uint64(cluster)*4
}

func (v *Volume) getFATEntry(cluster uint32) uint32 {
	off := v.fatEntryOffset(0, cluster)
	return binary.LittleEndian.Uint32(v.data[off:off+4]) & fatEntryMask
}

// setFATEntry writes value into cluster's FAT entry in both FAT copies,
// preserving the top 4 reserved bits at zero. FAT[0] must always equal
// FAT[1] byte-for-byte (spec.md §8 invariant).
func (v *Volume) setFATEntry(cluster uint32, value uint32) {
	value &= fatEntryMask
	for which := 0; which < int(v.numFATs) && which < 2; which++ {
		off := v.fatEntryOffset(which, cluster)
		binary.LittleEndian.PutUint32(v.data[off:off+4], value)
	}
}

// allocateCluster finds one free cluster via a forward linear scan from
// nextFree (wrapping once), marks it end-of-chain, and updates the FSInfo
// counters kept in memory.
func (v *Volume) allocateCluster() (uint32, error) {
	start := v.nextFree
	if start < rootDirCluster+1 {
		start = rootDirCluster + 1
	}
	span := v.totalClusters - 1 // every data cluster except the root's own
	for i := uint32(0); i < span; i++ {
		c := rootDirCluster + 1 + (start-rootDirCluster-1+i)%span
		if v.getFATEntry(c) == fatFree {
			v.setFATEntry(c, fatEOC)
			v.freeCount--
			v.nextFree = c + 1
			return c, nil
		}
	}
	return 0, fmt.Errorf("fat32: volume full, no free clusters remain")
}

func (v *Volume) allocateChain(n int) ([]uint32, error) {
	if n <= 0 {
		n = 1
	}
	chain := make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		c, err := v.allocateCluster()
		if err != nil {
			return nil, err
		}
		if len(chain) > 0 {
			v.setFATEntry(chain[len(chain)-1], c)
		}
		chain = append(chain, c)
	}
	return chain, nil
}

func (v *Volume) extendChain(node *dirNode, additional int) error {
	last := node.clusters[len(node.clusters)-1]
	added, err := v.allocateChain(additional)
	if err != nil {
		return err
	}
	v.setFATEntry(last, added[0])
	node.clusters = append(node.clusters, added...)
	return nil
}

// writeDirectoryBuffer flushes node.entries across node's cluster chain,
// growing the chain if the buffer has outgrown it, then zero-pads the
// remainder of the final cluster.
func (v *Volume) writeDirectoryBuffer(node *dirNode) error {
	needed := ceilDivU64(uint64(len(node.entries)), uint64(v.clusterSizeBytes))
	if needed == 0 {
		needed = 1
	}
	if uint64(len(node.clusters)) < needed {
		if err := v.extendChain(node, int(needed)-len(node.clusters)); err != nil {
			return err
		}
	}

	remaining := node.entries
	for _, c := range node.clusters {
		buf := v.clusterBytes(c)
		n := copy(buf, remaining)
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		if n < len(remaining) {
			remaining = remaining[n:]
		} else {
			remaining = nil
		}
	}
	return nil
}

func splitPath(p string) (dir, name string) {
	p = strings.Trim(p, "/")
	dir, name = path.Split(p)
	dir = "/" + strings.Trim(dir, "/")
	return dir, name
}

func (v *Volume) lookupDir(p string) (*dirNode, bool) {
	if p == "" {
		p = "/"
	}
	n, ok := v.dirs[p]
	return n, ok
}

// CreateDirectory creates the directory named by p (e.g. "/boot/efi"). Its
// parent must already exist; CreateDirectory never creates intermediate
// directories implicitly.
func (v *Volume) CreateDirectory(p string) error {
	parentPath, name := splitPath(p)
	if name == "" {
		return fmt.Errorf("fat32: empty directory name in %q", p)
	}
	parent, ok := v.lookupDir(parentPath)
	if !ok {
		return fmt.Errorf("fat32: parent directory %q of %q does not exist", parentPath, p)
	}

	chain, err := v.allocateChain(1)
	if err != nil {
		return err
	}
	newCluster := chain[0]

	now := time.Now()
	selfShortNames := map[string]bool{}
	var dotEntries []byte
	dotEntries = append(dotEntries, buildDirectoryRecord(".", selfShortNames, attrDirectory, newCluster, 0, now)...)
	parentDotDotCluster := parent.cluster
	if parent.cluster == rootDirCluster {
		parentDotDotCluster = 0
	}
	dotEntries = append(dotEntries, buildDirectoryRecord("..", selfShortNames, attrDirectory, parentDotDotCluster, 0, now)...)

	child := &dirNode{
		path:       strings.TrimRight(parentPath, "/") + "/" + name,
		cluster:    newCluster,
		clusters:   []uint32{newCluster},
		parent:     dirHandle{cluster: parent.cluster, entryIndex: len(parent.entries) / dirEntrySize},
		shortNames: make(map[string]bool),
		entries:    dotEntries,
	}
	if err := v.writeDirectoryBuffer(child); err != nil {
		return err
	}

	parent.entries = append(parent.entries, buildDirectoryRecord(name, parent.shortNames, attrDirectory, newCluster, 0, now)...)
	if err := v.writeDirectoryBuffer(parent); err != nil {
		return err
	}

	v.dirs[child.path] = child
	return nil
}

// maxFileSize is the smallest file size CreateFile rejects, so the largest
// accepted file is maxFileSize-1 bytes (spec.md §4.3/§7, "reject files
// >= 2^32-1 bytes").
const maxFileSize = 1<<32 - 1

// CreateFile streams size bytes read from src into a new file named by p;
// p's parent directory must already exist. Cluster-sized chunks are read
// directly into the mapped cluster memory in chain order (spec.md §4.3
// "File write"), so src is never buffered in full regardless of size.
func (v *Volume) CreateFile(p string, src io.Reader, size int64) error {
	if size < 0 {
		return fmt.Errorf("fat32: negative file size %d for %q", size, p)
	}
	if size >= maxFileSize {
		return fmt.Errorf("fat32: file %q is %d bytes, at or above the %d-byte limit", p, size, maxFileSize)
	}

	parentPath, name := splitPath(p)
	if name == "" {
		return fmt.Errorf("fat32: empty file name in %q", p)
	}
	parent, ok := v.lookupDir(parentPath)
	if !ok {
		return fmt.Errorf("fat32: parent directory %q of %q does not exist", parentPath, p)
	}

	var firstCluster uint32
	if size > 0 {
		n := int(ceilDivU64(uint64(size), uint64(v.clusterSizeBytes)))
		chain, err := v.allocateChain(n)
		if err != nil {
			return err
		}
		firstCluster = chain[0]

		remaining := size
		for _, c := range chain {
			buf := v.clusterBytes(c)
			toRead := int64(len(buf))
			if remaining < toRead {
				toRead = remaining
			}
			if _, err := io.ReadFull(src, buf[:toRead]); err != nil {
				return fmt.Errorf("fat32: reading %q: %v", p, err)
			}
			remaining -= toRead
		}
	}

	parent.entries = append(parent.entries, buildDirectoryRecord(name, parent.shortNames, attrArchive, firstCluster, uint32(size), time.Now())...)
	return v.writeDirectoryBuffer(parent)
}

// FreeClusters returns the number of still-unallocated clusters, the same
// value CloseFilesystem stamps into FSInfo's FreeCount field.
func (v *Volume) FreeClusters() uint32 {
	return v.freeCount
}
