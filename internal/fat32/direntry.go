package fat32

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf16"
)

// dirEntry mirrors the 32-byte FAT short (8.3) directory entry.
type dirEntry struct {
	Name         [11]byte
	Attr         uint8
	NTRes        uint8
	CrtTimeTenth uint8
	CrtTime      uint16
	CrtDate      uint16
	LstAccDate   uint16
	FstClusHI    uint16
	WrtTime      uint16
	WrtDate      uint16
	FstClusLO    uint16
	FileSize     uint32
}

// longDirEntry mirrors the 32-byte VFAT long file name directory entry.
type longDirEntry struct {
	Ord       uint8
	Name1     [5]uint16
	Attr      uint8
	Type      uint8
	Chksum    uint8
	Name2     [6]uint16
	FstClusLO uint16
	Name3     [2]uint16
}

const (
	attrReadOnly  = 0x01
	attrHidden    = 0x02
	attrSystem    = 0x04
	attrVolumeID  = 0x08
	attrDirectory = 0x10
	attrArchive   = 0x20
	attrLongName  = attrReadOnly | attrHidden | attrSystem | attrVolumeID

	lastLongEntry = 0x40

	dirEntrySize = 32

	direntryFree    = 0xE5
	direntryEndMark = 0x00
)

// fatDateTime packs a time.Time into the FAT DATE/TIME on-disk bitfields,
// per Microsoft's "FAT: General Overview of On-Disk Format" §6.
func fatDateTime(t time.Time) (date, clock uint16, tenth uint8) {
	year := t.Year() - 1980
	if year < 0 {
		year = 0
	}
	date = uint16(year<<9 | int(t.Month())<<5 | t.Day())
	clock = uint16(t.Hour()<<11 | t.Minute()<<5 | t.Second()/2)
	tenth = uint8((t.Second()%2)*100 + t.Nanosecond()/10000000)
	return date, clock, tenth
}

// shortNameChecksum implements the 8-bit rotate-right checksum that binds a
// chain of long-name entries to its short-name entry (Microsoft FAT spec
// §7, ChkSum algorithm).
func shortNameChecksum(shortName [11]byte) uint8 {
	var sum uint8
	for _, b := range shortName {
		var rot uint8
		if sum&1 != 0 {
			rot = 0x80
		}
		sum = rot + (sum >> 1) + b
	}
	return sum
}

var shortNameInvalid = " \"*+,/:;<=>?[\\]|"

func shortNameValidByte(b byte) bool {
	if b < 0x20 || b == 0x7F {
		return false
	}
	return !strings.ContainsRune(shortNameInvalid, rune(b))
}

// basisShortName implements the short-name derivation from spec.md §4.3
// ("Split name on the first '.'"; cf. original_source/src/fat.cpp's
// getShortName, which likewise splits at name.find('.'), the first
// occurrence): uppercase, replace invalid characters with '_', drop
// leading and embedded dots/spaces, split at the first dot into an
// up-to-8-char base and an up-to-3-char extension.
func basisShortName(long string) (base string, ext string, lossy bool) {
	upper := strings.ToUpper(long)

	// Strip leading dots/spaces (DOS never has them) and find the first dot
	// for the extension split.
	trimmed := strings.TrimLeft(upper, ". ")
	if trimmed != upper {
		lossy = true
	}
	upper = trimmed

	firstDot := strings.IndexByte(upper, '.')
	var namePart, extPart string
	if firstDot >= 0 {
		namePart, extPart = upper[:firstDot], upper[firstDot+1:]
	} else {
		namePart = upper
	}

	clean := func(s string, max int) string {
		var b strings.Builder
		for i := 0; i < len(s); i++ {
			c := s[i]
			if c == ' ' || c == '.' {
				lossy = true
				continue
			}
			if !shortNameValidByte(c) {
				lossy = true
				c = '_'
			}
			b.WriteByte(c)
		}
		out := b.String()
		if len(out) > max {
			lossy = true
			out = out[:max]
		}
		return out
	}

	base = clean(namePart, 8)
	ext = clean(extPart, 3)
	if base == "" {
		base = "_"
	}
	// lossy is set only by the leading dot/space trim and by clean()'s
	// length/character-validity checks above, matching getShortName's
	// base>8/extension>3 rule (spec.md §4.3) — a plain case difference
	// from the input is not itself
	// grounds for a long-name chain (spec.md §8's "a.txt" boundary case).
	return base, ext, lossy
}

// deriveShortName returns an 11-byte padded 8.3 short name for long, unique
// among existingShortNames (sibling short names already in this directory,
// compared case-insensitively). It generates ~1, ~2, ... numeric tails,
// walking past any already-taken by a sibling — unlike a single fixed ~1
// suffix, this matches how real DOS/Windows directories avoid collisions
// when several long names reduce to the same basis.
//
// needsLongEntries reports whether long cannot be represented by the short
// name alone (base or extension too long, invalid characters, dropped
// dots/spaces, or a numeric tail was required), in which case a VFAT
// long-name entry chain must accompany it. A difference in case alone does
// not count.
func deriveShortName(long string, existingShortNames map[string]bool) (name [11]byte, needsLongEntries bool) {
	base, ext, lossy := basisShortName(long)

	pad := func(s string, n int) string {
		if len(s) > n {
			s = s[:n]
		}
		return s + strings.Repeat(" ", n-len(s))
	}

	tryName := func(base, ext string) [11]byte {
		var out [11]byte
		copy(out[:8], pad(base, 8))
		copy(out[8:], pad(ext, 3))
		return out
	}

	candidateKey := func(n [11]byte) string {
		return string(n[:])
	}

	if !lossy {
		candidate := tryName(base, ext)
		if !existingShortNames[candidateKey(candidate)] {
			return candidate, false
		}
	}

	// Need a numeric tail: base truncated to leave room for "~N".
	for n := 1; n < 1000000; n++ {
		tail := fmt.Sprintf("~%d", n)
		truncLen := 8 - len(tail)
		if truncLen < 1 {
			break
		}
		b := base
		if len(b) > truncLen {
			b = b[:truncLen]
		}
		candidate := tryName(b+tail, ext)
		key := candidateKey(candidate)
		if !existingShortNames[key] {
			return candidate, true
		}
	}
	panic("fat32: exhausted numeric tail namespace in one directory")
}

// longNameChain builds the VFAT long-name directory entries for long,
// ordered highest-ordinal-first (the order they're written to disk; entry
// ordinal N carries the LAST_LONG_ENTRY bit and holds the final, possibly
// partial, 13-UTF16-unit chunk of the name).
func longNameChain(long string, shortName [11]byte) []longDirEntry {
	units := utf16.Encode([]rune(long))
	// Name is NUL-terminated and padded with 0xFFFF once within the chain.
	const charsPerEntry = 13
	n := (len(units) + charsPerEntry - 1) / charsPerEntry
	if n == 0 {
		n = 1
	}
	padded := make([]uint16, n*charsPerEntry)
	for i := range padded {
		padded[i] = 0xFFFF
	}
	copy(padded, units)
	if len(units) < len(padded) {
		padded[len(units)] = 0x0000
	}

	chksum := shortNameChecksum(shortName)
	entries := make([]longDirEntry, n)
	for i := 0; i < n; i++ {
		chunk := padded[i*charsPerEntry : (i+1)*charsPerEntry]
		e := longDirEntry{
			Ord:    uint8(i + 1),
			Attr:   attrLongName,
			Chksum: chksum,
		}
		copy(e.Name1[:], chunk[0:5])
		copy(e.Name2[:], chunk[5:11])
		copy(e.Name3[:], chunk[11:13])
		entries[i] = e
	}
	entries[n-1].Ord |= lastLongEntry

	// Reverse so entries[0] is the highest ordinal, matching on-disk order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries
}

// buildDirectoryRecord returns the full sequence of 32-byte directory
// entries (long-name chain, if needed, followed by the short entry) for one
// file or subdirectory.
func buildDirectoryRecord(longName string, existingShortNames map[string]bool, attr uint8, firstCluster uint32, fileSize uint32, modTime time.Time) []byte {
	var shortName [11]byte
	var needsLong bool
	switch longName {
	case ".":
		copy(shortName[:], ".          ")
	case "..":
		copy(shortName[:], "..         ")
	default:
		shortName, needsLong = deriveShortName(longName, existingShortNames)
		existingShortNames[string(shortName[:])] = true
	}

	date, clock, tenth := fatDateTime(modTime)
	short := dirEntry{
		Name:         shortName,
		Attr:         attr,
		CrtTimeTenth: tenth,
		CrtTime:      clock,
		CrtDate:      date,
		LstAccDate:   date,
		WrtTime:      clock,
		WrtDate:      date,
		FstClusHI:    uint16(firstCluster >> 16),
		FstClusLO:    uint16(firstCluster & 0xFFFF),
		FileSize:     fileSize,
	}

	var out []byte
	if needsLong {
		for _, e := range longNameChain(longName, shortName) {
			out = append(out, encodeStruct(e)...)
		}
	}
	out = append(out, encodeStruct(short)...)
	return out
}
