package fat32

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func newTestVolume(t *testing.T, dataClusters int) (*Volume, []byte) {
	t.Helper()
	// Smallest cluster size (0.5k, i.e. 1 sector/cluster) keeps the region
	// small while still clearing the FAT32 minimum cluster count.
	reserved := uint64(defaultReservedSectors) * sectorSize
	fatBytes := uint64(dataClusters+2) * 4 * 2 // rough estimate of both FATs
	size := reserved + fatBytes + uint64(dataClusters)*sectorSize
	data := make([]byte, size+4096) // headroom so the FAT-size formula fits
	v, err := CreateFilesystem(data, 0, size+4096, "TESTVOL")
	if err != nil {
		t.Fatalf("CreateFilesystem: %v", err)
	}
	return v, data
}

func TestOpenFilesystemRederivesGeometry(t *testing.T) {
	v, data := newTestVolume(t, fat32MinDataClusters+16)
	if err := v.CreateDirectory("/boot"); err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	if err := v.CloseFilesystem(); err != nil {
		t.Fatalf("CloseFilesystem: %v", err)
	}

	reopened, err := OpenFilesystem(data, 0, v.size)
	if err != nil {
		t.Fatalf("OpenFilesystem: %v", err)
	}
	if reopened.clusterSizeBytes != v.clusterSizeBytes {
		t.Errorf("clusterSizeBytes = %d, want %d", reopened.clusterSizeBytes, v.clusterSizeBytes)
	}
	if reopened.dataOffsetBytes != v.dataOffsetBytes {
		t.Errorf("dataOffsetBytes = %d, want %d", reopened.dataOffsetBytes, v.dataOffsetBytes)
	}
	if reopened.freeCount != v.FreeClusters() {
		t.Errorf("freeCount = %d, want %d (FSInfo round-trip)", reopened.freeCount, v.FreeClusters())
	}
	if reopened.nextFree != v.nextFree {
		t.Errorf("nextFree = %d, want %d (FSInfo round-trip)", reopened.nextFree, v.nextFree)
	}
}

func TestCreateFilesystemRejectsTinyVolume(t *testing.T) {
	data := make([]byte, 1<<20) // 1 MiB, far below the FAT32 minimum
	_, err := CreateFilesystem(data, 0, uint64(len(data)), "TINY")
	if err == nil {
		t.Fatal("expected error for undersized FAT32 volume, got nil")
	}
}

func TestShortNameNoLongEntriesNeeded(t *testing.T) {
	name, needsLong := deriveShortName("a.txt", map[string]bool{})
	if needsLong {
		t.Errorf("a.txt should not need long-name entries")
	}
	want := [11]byte{'A', ' ', ' ', ' ', ' ', ' ', ' ', ' ', 'T', 'X', 'T'}
	if name != want {
		t.Errorf("short name = %q, want %q", name, want)
	}
}

func TestShortNameLongNameChain(t *testing.T) {
	shortName, needsLong := deriveShortName("ThisIsALongName.txt", map[string]bool{})
	if !needsLong {
		t.Fatal("expected long-name entries to be required")
	}
	wantShort := "THISIS~1TXT"
	if string(shortName[:]) != wantShort {
		t.Errorf("short name = %q, want %q", shortName, wantShort)
	}

	chain := longNameChain("ThisIsALongName.txt", shortName)
	if len(chain) != 2 {
		t.Fatalf("long-name chain length = %d, want 2", len(chain))
	}
	if chain[0].Ord != 0x42 {
		t.Errorf("first entry ordinal = %#x, want 0x42", chain[0].Ord)
	}
	if chain[1].Ord != 0x01 {
		t.Errorf("second entry ordinal = %#x, want 0x01", chain[1].Ord)
	}
	if chain[0].Chksum != chain[1].Chksum {
		t.Errorf("checksum mismatch across chain: %#x vs %#x", chain[0].Chksum, chain[1].Chksum)
	}
}

func TestShortNameThreeEntryChain(t *testing.T) {
	long := "abcdefghijklmnopqrstuvwxyz.txt" // 26-char base name
	shortName, needsLong := deriveShortName(long, map[string]bool{})
	if !needsLong {
		t.Fatal("expected long-name entries to be required")
	}
	chain := longNameChain(long, shortName)
	if len(chain) != 3 {
		t.Fatalf("long-name chain length = %d, want 3", len(chain))
	}
	wantOrds := []uint8{0x43, 0x02, 0x01}
	for i, want := range wantOrds {
		if chain[i].Ord != want {
			t.Errorf("entry[%d].Ord = %#x, want %#x", i, chain[i].Ord, want)
		}
	}
}

func TestShortNameSiblingDisambiguation(t *testing.T) {
	existing := map[string]bool{}
	first, _ := deriveShortName("ThisIsALongName.txt", existing)
	existing[string(first[:])] = true

	second, needsLong := deriveShortName("ThisIsADifferentLongName.txt", existing)
	if !needsLong {
		t.Fatal("expected long-name entries to be required")
	}
	if string(second[:]) == string(first[:]) {
		t.Fatalf("sibling collision: both names derived to %q", first)
	}
	if string(second[:8]) != "THISIS~2" {
		t.Errorf("second short name = %q, want prefix THISIS~2", second)
	}
}

func TestShortNameChecksumStable(t *testing.T) {
	name := [11]byte{'T', 'H', 'I', 'S', 'I', 'S', '~', '1', 'T', 'X', 'T'}
	c1 := shortNameChecksum(name)
	c2 := shortNameChecksum(name)
	if c1 != c2 {
		t.Errorf("checksum not stable: %#x vs %#x", c1, c2)
	}
}

func TestFATZeroAndOneAlwaysAgree(t *testing.T) {
	v, _ := newTestVolume(t, fat32MinDataClusters+16)
	for _, cluster := range []uint32{0, 1, rootDirCluster} {
		off0 := v.fatEntryOffset(0, cluster)
		off1 := v.fatEntryOffset(1, cluster)
		e0 := binary.LittleEndian.Uint32(v.data[off0 : off0+4])
		e1 := binary.LittleEndian.Uint32(v.data[off1 : off1+4])
		if e0 != e1 {
			t.Errorf("cluster %d: FAT0=%#x FAT1=%#x, must agree", cluster, e0, e1)
		}
	}
}

func TestCreateDirectoryMissingParentFails(t *testing.T) {
	v, _ := newTestVolume(t, fat32MinDataClusters+16)
	if err := v.CreateDirectory("/missing/child"); err == nil {
		t.Fatal("expected error creating a directory under a missing parent")
	}
}

func TestCreateDirectoryNestedDotDot(t *testing.T) {
	v, _ := newTestVolume(t, fat32MinDataClusters+16)
	if err := v.CreateDirectory("/boot"); err != nil {
		t.Fatalf("CreateDirectory(/boot): %v", err)
	}
	if err := v.CreateDirectory("/boot/efi"); err != nil {
		t.Fatalf("CreateDirectory(/boot/efi): %v", err)
	}

	boot := v.dirs["/boot"]
	efi := v.dirs["/boot/efi"]
	if efi.parent.cluster != boot.cluster {
		t.Errorf("efi parent cluster = %d, want boot cluster %d", efi.parent.cluster, boot.cluster)
	}

	// efi's ".." short entry must carry boot's first cluster.
	dotDot := efi.entries[dirEntrySize : 2*dirEntrySize]
	var e dirEntry
	if err := binaryReadDirEntry(dotDot, &e); err != nil {
		t.Fatal(err)
	}
	gotCluster := uint32(e.FstClusHI)<<16 | uint32(e.FstClusLO)
	if gotCluster != boot.cluster {
		t.Errorf("..entry cluster = %d, want %d", gotCluster, boot.cluster)
	}
}

func TestCreateDirectoryRootDotDotIsZero(t *testing.T) {
	v, _ := newTestVolume(t, fat32MinDataClusters+16)
	if err := v.CreateDirectory("/boot"); err != nil {
		t.Fatalf("CreateDirectory(/boot): %v", err)
	}
	boot := v.dirs["/boot"]
	dotDot := boot.entries[dirEntrySize : 2*dirEntrySize]
	var e dirEntry
	if err := binaryReadDirEntry(dotDot, &e); err != nil {
		t.Fatal(err)
	}
	if e.FstClusHI != 0 || e.FstClusLO != 0 {
		t.Errorf("root's child's ..entry cluster = %d, want 0", uint32(e.FstClusHI)<<16|uint32(e.FstClusLO))
	}
}

func TestCreateFileSingleAndMultiCluster(t *testing.T) {
	v, _ := newTestVolume(t, fat32MinDataClusters+16)

	small := bytes.Repeat([]byte{'x'}, int(v.clusterSizeBytes)-1)
	if err := v.CreateFile("/small.bin", bytes.NewReader(small), int64(len(small))); err != nil {
		t.Fatalf("CreateFile(small): %v", err)
	}

	big := bytes.Repeat([]byte{'y'}, int(v.clusterSizeBytes)+1)
	if err := v.CreateFile("/big.bin", bytes.NewReader(big), int64(len(big))); err != nil {
		t.Fatalf("CreateFile(big): %v", err)
	}

	root := v.dirs["/"]
	entries := parseShortEntries(t, root.entries)
	var smallEntry, bigEntry *dirEntry
	for i := range entries {
		name := string(entries[i].Name[:])
		if name == "SMALL   BIN" {
			smallEntry = &entries[i]
		}
		if name == "BIG     BIN" {
			bigEntry = &entries[i]
		}
	}
	if smallEntry == nil || bigEntry == nil {
		t.Fatal("expected both small.bin and big.bin entries in root directory")
	}
	if smallEntry.FileSize != uint32(len(small)) {
		t.Errorf("small.bin size = %d, want %d", smallEntry.FileSize, len(small))
	}
	bigCluster := uint32(bigEntry.FstClusHI)<<16 | uint32(bigEntry.FstClusLO)
	next := v.getFATEntry(bigCluster)
	if next == fatEOC {
		t.Error("big.bin should span more than one cluster, but its first cluster is already EOC")
	}
}

func TestCreateFileRejectsFileAtOrAboveMaxSize(t *testing.T) {
	v, _ := newTestVolume(t, fat32MinDataClusters+16)

	if err := v.CreateFile("/huge.bin", bytes.NewReader(nil), maxFileSize); err == nil {
		t.Fatal("expected error creating a file at the 2^32-1 byte boundary")
	}
	if err := v.CreateFile("/huger.bin", bytes.NewReader(nil), maxFileSize+1); err == nil {
		t.Fatal("expected error creating a file above the 2^32-1 byte boundary")
	}
}

// parseShortEntries extracts every 32-byte short (non-long-name) entry from
// a raw directory buffer.
func parseShortEntries(t *testing.T, buf []byte) []dirEntry {
	t.Helper()
	var out []dirEntry
	for off := 0; off+dirEntrySize <= len(buf); off += dirEntrySize {
		chunk := buf[off : off+dirEntrySize]
		if chunk[11] == attrLongName {
			continue
		}
		var e dirEntry
		if err := binaryReadDirEntry(chunk, &e); err != nil {
			t.Fatal(err)
		}
		out = append(out, e)
	}
	return out
}

func binaryReadDirEntry(buf []byte, e *dirEntry) error {
	r := bytes.NewReader(buf)
	return binary.Read(r, binary.LittleEndian, e)
}
