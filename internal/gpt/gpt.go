// Package gpt lays out a GPT-partitioned disk image: protective MBR,
// primary and secondary GPT headers, and their partition entry arrays.
//
// The layout follows UEFI §5: a disk opens in the Unconfigured state,
// ConfigureDisk assigns every partition its LBA range and a unique GUID
// (Configured), and CreateDisk writes the image (Written). GetPartition
// only returns results once the disk has been written, matching the
// teacher's own configureDisk/createDisk/getPartition sequencing in
// packer/packer.go — just generalized from four fixed gokrazy partitions to
// an arbitrary manifest-driven list.
package gpt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"unicode/utf16"
)

const (
	// SectorSize is the fixed logical block size for all LBAs in this
	// package.
	SectorSize = 512

	// DefaultPartitionEntrySize is the on-disk size reserved per partition
	// entry slot: 2x the UEFI minimum reserve (16 KiB), matching byte
	// output of the original tool this was distilled from. See spec.md §9
	// "Partition entry slot oversize". Pass a different value to
	// NewDiskWithEntrySize (e.g. 128, the tight UEFI-standard packing) to
	// opt out.
	DefaultPartitionEntrySize = 2 * 16384

	maxPartitionNameUnits = 36 // UTF-16 code units, per UEFI PartitionName[36]
)

// ConfiguredPartition is one entry of the manifest-supplied partition list,
// before LBA ranges or a unique GUID have been assigned.
type ConfiguredPartition struct {
	TypeGUID EfiGuid
	LBACount uint64
	Name     string // UTF-8; must encode to <= 36 UTF-16 code units
}

// PlacedPartition is a ConfiguredPartition after ConfigureDisk has assigned
// it a unique GUID and an LBA range.
type PlacedPartition struct {
	TypeGUID    EfiGuid
	UniqueGUID  EfiGuid
	LBACount    uint64
	StartingLBA uint64
	EndingLBA   uint64
	Name        string
}

type diskState int

const (
	stateUnconfigured diskState = iota
	stateConfigured
	stateWritten
)

// Disk lays out and writes a single GPT disk image.
type Disk struct {
	path string

	partitionEntrySize uint64

	state      diskState
	partitions []PlacedPartition

	diskGUID EfiGuid

	primaryHeaderLBA     uint64
	partitionTableLBA    uint64
	firstUsableLBA       uint64
	lastUsableLBA        uint64
	backupPartitionTable uint64
	secondaryHeaderLBA   uint64
	diskSize             uint64
}

// NewDisk returns a Disk that will author its image at path, using the
// default (oversized, byte-compatible) partition entry slot size.
func NewDisk(path string) *Disk {
	return NewDiskWithEntrySize(path, DefaultPartitionEntrySize)
}

// NewDiskWithEntrySize is NewDisk with an explicit partition entry slot
// size. entrySize must be a multiple of 128 bytes (128 * 2^n per UEFI §5.3.3).
func NewDiskWithEntrySize(path string, entrySize uint64) *Disk {
	return &Disk{
		path:               path,
		partitionEntrySize: entrySize,
	}
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

// ConfigureDisk assigns every partition a unique GUID and a contiguous LBA
// range, laying them out head-to-tail in input order with a 2-LBA padding
// gap between adjacent partitions (spec.md §3 PlacedPartition invariant).
func (d *Disk) ConfigureDisk(configs []ConfiguredPartition) error {
	if d.state != stateUnconfigured {
		return fmt.Errorf("gpt: ConfigureDisk called twice")
	}
	for _, c := range configs {
		if n := len(utf16.Encode([]rune(c.Name))); n > maxPartitionNameUnits {
			return fmt.Errorf("gpt: partition name %q has %d UTF-16 code units, maximum is %d", c.Name, n, maxPartitionNameUnits)
		}
		if c.LBACount == 0 {
			return fmt.Errorf("gpt: partition %q has zero LBACount", c.Name)
		}
	}

	d.diskGUID = newGuid()

	n := uint64(len(configs))
	entryArraySize := d.partitionEntrySize * n

	d.primaryHeaderLBA = 1
	d.partitionTableLBA = 2
	d.firstUsableLBA = d.partitionTableLBA + ceilDiv(entryArraySize, SectorSize) + 1

	current := d.firstUsableLBA
	placed := make([]PlacedPartition, 0, len(configs))
	for _, c := range configs {
		p := PlacedPartition{
			TypeGUID:    c.TypeGUID,
			UniqueGUID:  newGuid(),
			LBACount:    c.LBACount,
			StartingLBA: current,
			Name:        c.Name,
		}
		current += p.LBACount - 1
		p.EndingLBA = current
		current += 2 // padding gap to the next partition
		placed = append(placed, p)
	}

	d.lastUsableLBA = current
	d.backupPartitionTable = d.lastUsableLBA + 1
	d.secondaryHeaderLBA = d.backupPartitionTable + ceilDiv(entryArraySize, SectorSize)
	d.diskSize = (d.secondaryHeaderLBA + 2) * SectorSize

	d.partitions = placed
	d.state = stateConfigured
	return nil
}

func partitionNameBytes(name string) [72]byte {
	var out [72]byte
	for i, u := range utf16.Encode([]rune(name)) {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], u)
	}
	return out
}

// efiPartitionEntry mirrors UEFI's EFI_PARTITION_ENTRY, 128 bytes.
type efiPartitionEntry struct {
	TypeGUID    EfiGuid
	UniqueGUID  EfiGuid
	StartingLBA uint64
	EndingLBA   uint64
	Attributes  uint64
	Name        [72]byte
}

// efiHeader mirrors UEFI's EFI_PARTITION_TABLE_HEADER. Per spec.md §4.1,
// HeaderSize is stamped 512 (the whole on-disk header sector), and the
// header CRC32 covers the whole 512-byte sector with the CRC field zeroed
// — not just the struct's own 92 bytes.
type efiHeader struct {
	Signature      [8]byte
	Revision       uint32
	HeaderSize     uint32
	CRC32Header    uint32
	Reserved       uint32
	MyLBA          uint64
	AlternateLBA   uint64
	FirstUsableLBA uint64
	LastUsableLBA  uint64
	DiskGUID       EfiGuid
	EntriesLBA     uint64
	EntriesCount   uint32
	EntriesSize    uint32
	EntriesCRC32   uint32
}

const efiHeaderStructSize = 92

func (d *Disk) partitionEntryArray() []byte {
	n := uint64(len(d.partitions))
	buf := make([]byte, d.partitionEntrySize*n)
	for i, p := range d.partitions {
		entry := efiPartitionEntry{
			TypeGUID:    p.TypeGUID,
			UniqueGUID:  p.UniqueGUID,
			StartingLBA: p.StartingLBA,
			EndingLBA:   p.EndingLBA,
			Attributes:  1, // bit 0: partition required for the platform to function
			Name:        partitionNameBytes(p.Name),
		}
		var eb bytes.Buffer
		if err := binary.Write(&eb, binary.LittleEndian, entry); err != nil {
			panic(err) // fixed-size struct, cannot fail
		}
		copy(buf[uint64(i)*d.partitionEntrySize:], eb.Bytes())
	}
	return buf
}

func (d *Disk) header(myLBA, alternateLBA uint64, entriesCRC32 uint32) []byte {
	h := efiHeader{
		Signature:      [8]byte{'E', 'F', 'I', ' ', 'P', 'A', 'R', 'T'},
		Revision:       0x00010000,
		HeaderSize:     SectorSize,
		MyLBA:          myLBA,
		AlternateLBA:   alternateLBA,
		FirstUsableLBA: d.firstUsableLBA,
		LastUsableLBA:  d.lastUsableLBA,
		DiskGUID:       d.diskGUID,
		EntriesLBA:     d.partitionTableLBA,
		EntriesCount:   uint32(len(d.partitions)),
		EntriesSize:    uint32(d.partitionEntrySize),
		EntriesCRC32:   entriesCRC32,
	}

	sector := make([]byte, SectorSize)
	var hb bytes.Buffer
	if err := binary.Write(&hb, binary.LittleEndian, h); err != nil {
		panic(err)
	}
	if hb.Len() != efiHeaderStructSize {
		panic(fmt.Sprintf("gpt: BUG: header struct size = %d, want %d", hb.Len(), efiHeaderStructSize))
	}
	copy(sector, hb.Bytes())

	h.CRC32Header = crc32.ChecksumIEEE(sector)
	hb.Reset()
	if err := binary.Write(&hb, binary.LittleEndian, h); err != nil {
		panic(err)
	}
	copy(sector, hb.Bytes())
	return sector
}

func protectiveMBR() []byte {
	sector := make([]byte, SectorSize)
	const partitionRecordOffset = 446
	rec := sector[partitionRecordOffset : partitionRecordOffset+16]
	rec[4] = 0xEE                         // OSIndicator: GPT protective
	rec[2] = 0x02                         // StartSector CHS byte
	rec[5], rec[6], rec[7] = 0xFF, 0xFF, 0xFF // End CHS
	binary.LittleEndian.PutUint32(rec[8:12], 1)          // StartingLBA
	binary.LittleEndian.PutUint32(rec[12:16], 0xFFFFFFFF) // SizeInLBA
	binary.LittleEndian.PutUint16(sector[510:512], 0xAA55)
	return sector
}

// CreateDisk writes the protective MBR, primary GPT header and partition
// array, and their backup copies, to the image file. See spec.md §4.1.
func (d *Disk) CreateDisk() error {
	if d.state != stateConfigured {
		return fmt.Errorf("gpt: CreateDisk called before ConfigureDisk or twice")
	}

	f, err := os.OpenFile(d.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("gpt: open %s: %v", d.path, err)
	}
	defer f.Close()

	entries := d.partitionEntryArray()
	entriesCRC32 := crc32.ChecksumIEEE(entries)

	writeAt := func(lba uint64, p []byte) error {
		if _, err := f.WriteAt(p, int64(lba*SectorSize)); err != nil {
			return fmt.Errorf("gpt: write at LBA %d: %v", lba, err)
		}
		return nil
	}

	if err := writeAt(0, protectiveMBR()); err != nil {
		return err
	}
	if err := writeAt(d.primaryHeaderLBA, d.header(d.primaryHeaderLBA, d.secondaryHeaderLBA, entriesCRC32)); err != nil {
		return err
	}
	if err := writeAt(d.partitionTableLBA, entries); err != nil {
		return err
	}
	if err := writeAt(d.backupPartitionTable, entries); err != nil {
		return err
	}
	if err := writeAt(d.secondaryHeaderLBA, d.header(d.secondaryHeaderLBA, d.primaryHeaderLBA, entriesCRC32)); err != nil {
		return err
	}

	// Extend the file to its full size: the last partition's trailing
	// padding and anything past the secondary header is otherwise absent
	// from a freshly truncated file.
	if err := f.Truncate(int64(d.diskSize)); err != nil {
		return fmt.Errorf("gpt: truncate to %d bytes: %v", d.diskSize, err)
	}

	d.state = stateWritten
	return nil
}

// GetPartition returns the placed partition with the given name. Only
// returns a result once CreateDisk has run.
func (d *Disk) GetPartition(name string) (PlacedPartition, bool) {
	if d.state != stateWritten {
		return PlacedPartition{}, false
	}
	for _, p := range d.partitions {
		if p.Name == name {
			return p, true
		}
	}
	return PlacedPartition{}, false
}

// DiskSize returns the total image size in bytes, once configured.
func (d *Disk) DiskSize() (uint64, bool) {
	if d.state == stateUnconfigured {
		return 0, false
	}
	return d.diskSize, true
}
