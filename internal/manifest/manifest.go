// Package manifest reads the JSON manifest describing a disk image: its
// output path, GPT partitions, and the directories/files to populate into
// each partition's FAT32 filesystem. See spec.md §6 for the wire format.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/gokrazy/diskimage/internal/gpt"
)

// Manifest is the top-level JSON document.
type Manifest struct {
	Output      string           `json:"output"`
	Partitions  []PartitionSpec  `json:"partitions"`
	Filesystems []FilesystemSpec `json:"filesystems"`
}

// PartitionSpec is one entry of the manifest's "partitions" array.
type PartitionSpec struct {
	Type string `json:"type"` // "EFI", "BDP", or "LINUX_SWAP"
	Size uint64 `json:"size"` // despite the name, this is KiB: LBACount = Size*2
	Name string `json:"name"`
}

// FilesystemSpec is one entry of the manifest's "filesystems" array: the
// directories and files to create inside one named partition.
type FilesystemSpec struct {
	Partition   string      `json:"partition"`
	Directories []string    `json:"directories"`
	Files       []FileSpec  `json:"files"`
}

// FileSpec names one file to copy from the host filesystem into the image.
type FileSpec struct {
	Destination string `json:"destination"`
	Source      string `json:"source"`
}

// partitionTypeGUIDs maps the manifest's partition type strings to their
// canonical GPT partition type GUID, per spec.md §6.
var partitionTypeGUIDs = map[string]string{
	"EFI":        "C12A7328-F81F-11D2-BA4B-00A0C93EC93B",
	"BDP":        "EBD0A0A2-B9E5-4433-87C0-68B6B72699C7",
	"LINUX_SWAP": "0657FD6D-A4AB-43C4-84E5-0933C84B4F4F",
}

// ErrUnknownPartitionType is returned by ConfiguredPartitions when a partition's "type"
// field does not match one of the known type strings; the CLI maps this to
// exit code 2.
type ErrUnknownPartitionType struct {
	Type string
}

func (e *ErrUnknownPartitionType) Error() string {
	return fmt.Sprintf("manifest: unknown partition type %q", e.Type)
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %v", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %v", path, err)
	}
	return &m, nil
}

// ConfiguredPartitions converts every PartitionSpec into a
// gpt.ConfiguredPartition, resolving type strings to GUIDs and applying the
// size-field KiB convention (spec.md §9 "LBA count scaling").
func (m *Manifest) ConfiguredPartitions() ([]gpt.ConfiguredPartition, error) {
	out := make([]gpt.ConfiguredPartition, 0, len(m.Partitions))
	for _, p := range m.Partitions {
		guidStr, ok := partitionTypeGUIDs[p.Type]
		if !ok {
			return nil, &ErrUnknownPartitionType{Type: p.Type}
		}
		typeGUID, err := gpt.ParseGUID(guidStr)
		if err != nil {
			return nil, fmt.Errorf("manifest: BUG: bad built-in GUID for type %q: %v", p.Type, err)
		}
		out = append(out, gpt.ConfiguredPartition{
			TypeGUID: typeGUID,
			LBACount: p.Size * 2,
			Name:     p.Name,
		})
	}
	return out, nil
}

// FilesystemByPartition returns the FilesystemSpec targeting the named
// partition, if any.
func (m *Manifest) FilesystemByPartition(name string) (FilesystemSpec, bool) {
	for _, fs := range m.Filesystems {
		if fs.Partition == name {
			return fs, true
		}
	}
	return FilesystemSpec{}, false
}
