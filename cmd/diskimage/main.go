// Command diskimage authors a raw GPT/FAT32 disk image from a declarative
// JSON manifest: lay out the partition table, then format and populate a
// FAT32 filesystem in each partition that names one.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gokrazy/diskimage/internal/fat32"
	"github.com/gokrazy/diskimage/internal/gpt"
	"github.com/gokrazy/diskimage/internal/manifest"
	"github.com/gokrazy/diskimage/internal/measure"
	"github.com/gokrazy/diskimage/internal/mmapfile"
	"github.com/gokrazy/diskimage/internal/version"
)

// Exit codes per spec.md §6.
const (
	exitOK                    = 0
	exitMissingArgument       = 1
	exitUnknownPartitionType  = 2
	exitPartitionNotFound     = 3
	exitDirectoryCreateFailed = 4
	exitFileCreateFailed      = 5
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("diskimage", flag.ContinueOnError)
	showVersion := fs.Bool("version", false, "print version information and exit")
	if err := fs.Parse(args); err != nil {
		return exitMissingArgument
	}
	if *showVersion {
		fmt.Println(version.Read())
		return exitOK
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: diskimage <manifest.json>")
		return exitMissingArgument
	}

	m, err := manifest.Load(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitMissingArgument
	}

	configured, err := m.ConfiguredPartitions()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if _, ok := err.(*manifest.ErrUnknownPartitionType); ok {
			return exitUnknownPartitionType
		}
		return exitMissingArgument
	}

	if err := os.WriteFile(m.Output, nil, 0o644); err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("diskimage: create %s: %v", m.Output, err))
		return exitMissingArgument
	}

	disk := gpt.NewDisk(m.Output)

	done := measure.Stage("configuring GPT")
	if err := disk.ConfigureDisk(configured); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUnknownPartitionType
	}
	if err := disk.CreateDisk(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitMissingArgument
	}
	done("")

	diskSize, _ := disk.DiskSize()

	for _, fsSpec := range m.Filesystems {
		placed, ok := disk.GetPartition(fsSpec.Partition)
		if !ok {
			fmt.Fprintf(os.Stderr, "diskimage: partition %q not found\n", fsSpec.Partition)
			return exitPartitionNotFound
		}

		if code := populateFilesystem(m.Output, diskSize, placed, fsSpec); code != exitOK {
			return code
		}
	}

	return exitOK
}

func populateFilesystem(path string, diskSize uint64, placed gpt.PlacedPartition, fsSpec manifest.FilesystemSpec) int {
	done := measure.Stage(fmt.Sprintf("populating %s", fsSpec.Partition))
	defer func() { done("") }()

	mapping, err := mmapfile.Open(path, int64(diskSize))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitDirectoryCreateFailed
	}
	defer mapping.Close()

	offset := placed.StartingLBA * gpt.SectorSize
	size := placed.LBACount * gpt.SectorSize

	vol, err := fat32.CreateFilesystem(mapping.Data, offset, size, "")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitDirectoryCreateFailed
	}

	for _, dir := range fsSpec.Directories {
		if err := vol.CreateDirectory(dir); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitDirectoryCreateFailed
		}
	}

	for _, file := range fsSpec.Files {
		if code := createFileStreaming(vol, file); code != exitOK {
			return code
		}
	}

	if err := vol.CloseFilesystem(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFileCreateFailed
	}

	return exitOK
}

// createFileStreaming opens file.Source, streams it into the volume at
// file.Destination without buffering it whole, and closes it again before
// returning, per spec.md §5's "opened, fully consumed, and closed within
// that call" source-file lifecycle.
func createFileStreaming(vol *fat32.Volume, file manifest.FileSpec) int {
	src, err := os.Open(file.Source)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFileCreateFailed
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFileCreateFailed
	}

	if err := vol.CreateFile(file.Destination, src, info.Size()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFileCreateFailed
	}
	return exitOK
}
