package msc

import (
	"fmt"
	"os"
	"path"
	"sort"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/backend/file"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/samber/lo"

	"github.com/ardnew/pmausb/pkg"
)

// DefaultImageSizeMB is the size of images built by NewFATImage when no
// size is given.
const DefaultImageSizeMB = 64

// NewFATImage creates an unpartitioned FAT32 image at imagePath, sizeMB
// megabytes long, holding files in its root directory. The image is meant
// to be served with NewFileStorage.
func NewFATImage(imagePath string, sizeMB int, label string, files map[string][]byte) error {
	if sizeMB <= 0 {
		sizeMB = DefaultImageSizeMB
	}

	f, err := os.Create(imagePath)
	if err != nil {
		return fmt.Errorf("create image %s: %w", imagePath, err)
	}
	if err := f.Truncate(int64(sizeMB) << 20); err != nil {
		f.Close()
		return fmt.Errorf("size image %s: %w", imagePath, err)
	}

	img, err := diskfs.OpenBackend(file.New(f, false),
		diskfs.WithOpenMode(diskfs.ReadWriteExclusive),
		diskfs.WithSectorSize(diskfs.SectorSizeDefault))
	if err != nil {
		f.Close()
		return fmt.Errorf("open image backend: %w", err)
	}
	defer img.Close()

	fs, err := img.CreateFilesystem(disk.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeFat32,
		VolumeLabel: label,
	})
	if err != nil {
		return fmt.Errorf("format image: %w", err)
	}

	names := lo.Keys(files)
	sort.Strings(names)

	for _, name := range names {
		if err := writeImageFile(fs, "/"+path.Base(name), files[name]); err != nil {
			return err
		}
	}

	pkg.LogInfo(pkg.ComponentMSC, "FAT image created",
		"path", imagePath, "sizeMB", sizeMB, "files", len(names))
	return nil
}

func writeImageFile(fs filesystem.FileSystem, name string, data []byte) error {
	rw, err := fs.OpenFile(name, os.O_CREATE|os.O_RDWR)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	defer rw.Close()

	if _, err := rw.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
