package fat32

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const sectorSize = 512

// bpb mirrors the FAT32 BIOS Parameter Block + extended boot record,
// Microsoft's "FAT: General Overview of On-Disk Format" §3.
type bpb struct {
	JmpBoot     [3]byte
	OEMName     [8]byte
	BytsPerSec  uint16
	SecPerClus  uint8
	RsvdSecCnt  uint16
	NumFATs     uint8
	RootEntCnt  uint16
	TotSec16    uint16
	Media       uint8
	FATSz16     uint16
	SecPerTrk   uint16
	NumHeads    uint16
	HiddSec     uint32
	TotSec32    uint32
	FATSz32     uint32
	ExtFlags    uint16
	FSVer       uint16
	RootClus    uint32
	FSInfoSec   uint16
	BkBootSec   uint16
	Reserved    [12]byte
	DrvNum      uint8
	Reserved1   uint8
	BootSig     uint8
	VolID       uint32
	VolLab      [11]byte
	FilSysType  [8]byte
	BootCode    [420]byte
	Signature   uint16
}

// fsInfo mirrors the FAT32 FSInfo sector.
type fsInfo struct {
	LeadSig    uint32
	Reserved1  [480]byte
	StrucSig   uint32
	FreeCount  uint32
	NxtFree    uint32
	Reserved2  [12]byte
	TrailSig   uint32
}

const (
	fsInfoLeadSig  = 0x41615252
	fsInfoStrucSig = 0x61417272
	fsInfoTrailSig = 0xAA550000

	bootSignature = 0xAA55

	fat32MinDataClusters = 65525 // FAT16/FAT32 boundary, Microsoft FAT spec
)

type diskSizeToSecPerClus struct {
	maxSectors uint32
	secPerClus uint8
}

// fat32ClusterSizeTable is Microsoft's DSKSZTOSECPERCLUS table for FAT32,
// looked up by scanning for the first entry whose DiskSize is >= the
// partition's sector count.
var fat32ClusterSizeTable = []diskSizeToSecPerClus{
	{66600, 0},          // up to 32.5 MB: 0 trips an error (too small for FAT32)
	{532480, 1},         // up to 260 MB: 0.5k cluster
	{16777216, 8},       // up to 8 GB: 4k cluster
	{33554432, 16},      // up to 16 GB: 8k cluster
	{67108864, 32},      // up to 32 GB: 16k cluster
	{0xFFFFFFFF, 64},    // greater than 32GB: 32k cluster
}

func sectorsPerClusterFor(totalSectors uint64) (uint8, error) {
	for _, e := range fat32ClusterSizeTable {
		if totalSectors <= uint64(e.maxSectors) {
			if e.secPerClus == 0 {
				return 0, fmt.Errorf("fat32: partition of %d sectors is too small for FAT32 (< 32.5 MiB)", totalSectors)
			}
			return e.secPerClus, nil
		}
	}
	return 64, nil
}

// fatSizeInSectors implements the Microsoft FAT32 BPB_FATSz32 formula:
// ceil((totalSectors - reservedSectors) / ((256*secPerClus + numFATs) / 2)).
func fatSizeInSectors(totalSectors uint64, reservedSectors uint32, secPerClus uint8, numFATs uint32) uint32 {
	dataAndFatSectors := totalSectors - uint64(reservedSectors)
	clustersPerFatSectorPair := uint64((256*uint32(secPerClus) + numFATs) / 2)
	return uint32(ceilDivU64(dataAndFatSectors, clustersPerFatSectorPair))
}

func ceilDivU64(a, b uint64) uint64 {
	return (a + b - 1) / b
}

func encodeStruct(v interface{}) []byte {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		panic(err) // fixed-size struct, cannot fail
	}
	return buf.Bytes()
}
