package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ardnew/pmausb/device/class/msc"
	"github.com/ardnew/pmausb/device/hal"
	"github.com/ardnew/pmausb/pkg"
	"github.com/ardnew/pmausb/pkg/usbid"
)

const readmeName = "README.TXT"

// runMSC serves a FAT image over Bulk-Only Transport and exercises it the
// way a host's storage driver would on attach.
func runMSC(ctx context.Context, cfg Config, ids *usbid.Database, out io.Writer) error {
	image, cleanup, err := prepareImage(cfg.MSC)
	if err != nil {
		return err
	}
	defer cleanup()

	fs, err := msc.NewFileStorage(image, cfg.MSC.ReadOnly)
	if err != nil {
		return err
	}
	defer fs.Close()

	opts := []msc.Option{msc.WithInquiry(cfg.MSC.Vendor, cfg.MSC.Product, cfg.MSC.Revision)}
	if cfg.MSC.DoubleBuffer {
		opts = append(opts, msc.WithDoubleBuffer())
	}
	var storage msc.Storage = fs
	if cfg.MSC.ReadOnly {
		storage = msc.ReadOnly(fs)
	}

	s, err := newSession(ctx, cfg.Device, msc.New(storage, opts...), ids, out)
	if err != nil {
		return err
	}
	defer s.close()
	if err := s.enumerate(); err != nil {
		return err
	}

	in, err := s.endpoint(hal.KindBulk, true)
	if err != nil {
		return err
	}
	bulkOut, err := s.endpoint(hal.KindBulk, false)
	if err != nil {
		return err
	}
	b := &botHost{session: s, epIn: in.EndpointAddress, epOut: bulkOut.EndpointAddress}

	if _, err := b.command(0, msc.CBWFlagDataIn, msc.SCSITestUnitReady, 0, 0, 0, 0, 0); err != nil {
		return err
	}

	inq, err := b.command(36, msc.CBWFlagDataIn, msc.SCSIInquiry, 0, 0, 0, 36, 0)
	if err != nil {
		return err
	}
	if len(inq) < 36 {
		return fmt.Errorf("%w: inquiry of %d bytes", pkg.ErrProtocol, len(inq))
	}
	s.printf("inquiry    %s %s %s\n",
		strings.TrimSpace(string(inq[8:16])),
		strings.TrimSpace(string(inq[16:32])),
		strings.TrimSpace(string(inq[32:36])))

	capacity, err := b.command(8, msc.CBWFlagDataIn, msc.SCSIReadCapacity10, 0, 0, 0, 0, 0, 0, 0, 0, 0)
	if err != nil {
		return err
	}
	if len(capacity) < 8 {
		return fmt.Errorf("%w: capacity of %d bytes", pkg.ErrProtocol, len(capacity))
	}
	last := binary.BigEndian.Uint32(capacity[0:4])
	size := binary.BigEndian.Uint32(capacity[4:8])
	s.printf("capacity   %d blocks of %d bytes (%d MiB)\n", last+1, size, (uint64(last)+1)*uint64(size)>>20)

	boot, err := b.read10(0, 1)
	if err != nil {
		return err
	}
	if len(boot) < msc.BlockSize {
		return fmt.Errorf("%w: boot sector of %d bytes", pkg.ErrProtocol, len(boot))
	}
	s.printf("boot       oem %q signature %02X%02X\n", strings.TrimSpace(string(boot[3:11])), boot[510], boot[511])

	if cfg.MSC.ReadOnly {
		return nil
	}
	return b.scratchTest(last)
}

// prepareImage returns the image to serve, formatting a new one when
// asked to or when none exists.
func prepareImage(cfg MSCConfig) (string, func(), error) {
	cleanup := func() {}
	image := cfg.Image
	if image == "" {
		dir, err := os.MkdirTemp("", "pmausb-")
		if err != nil {
			return "", cleanup, err
		}
		cleanup = func() { os.RemoveAll(dir) }
		image = filepath.Join(dir, "disk.img")
	}

	_, err := os.Stat(image)
	switch {
	case err == nil && !cfg.Format:
		pkg.LogInfo(pkg.ComponentMSC, "serving existing image", "path", image)
		return image, cleanup, nil
	case err != nil && !errors.Is(err, os.ErrNotExist):
		cleanup()
		return "", func() {}, err
	}

	files := make(map[string][]byte, len(cfg.Files)+1)
	for name, src := range cfg.Files {
		data, err := os.ReadFile(src)
		if err != nil {
			cleanup()
			return "", func() {}, fmt.Errorf("image file %s: %w", name, err)
		}
		files[name] = data
	}
	if len(files) == 0 {
		files[readmeName] = []byte("pmausb simulated mass storage\n")
	}
	if err := msc.NewFATImage(image, cfg.SizeMB, cfg.Label, files); err != nil {
		cleanup()
		return "", func() {}, err
	}
	return image, cleanup, nil
}

// botHost issues Bulk-Only Transport commands.
type botHost struct {
	*session
	epIn  uint8
	epOut uint8
	tag   uint32
}

// command runs one CBW/data/CSW exchange and returns the data stage.
func (b *botHost) command(length uint32, flags uint8, cb ...byte) ([]byte, error) {
	return b.transfer(length, flags, nil, cb...)
}

func (b *botHost) transfer(length uint32, flags uint8, data []byte, cb ...byte) ([]byte, error) {
	b.tag++
	cbw := msc.NewCBW(b.tag, length, flags, cb...)
	var raw [msc.CBWSize]byte
	cbw.MarshalTo(raw[:])
	if err := b.host.BulkOut(b.epOut, raw[:], msc.MaxPacketSize); err != nil {
		return nil, fmt.Errorf("CBW 0x%02X: %w", cb[0], err)
	}

	var resp []byte
	switch {
	case length > 0 && flags&msc.CBWFlagDataIn != 0:
		var err error
		if resp, err = b.host.BulkIn(b.epIn, int(length), msc.MaxPacketSize); err != nil {
			return nil, fmt.Errorf("data-in 0x%02X: %w", cb[0], err)
		}
	case length > 0:
		if err := b.host.BulkOut(b.epOut, data, msc.MaxPacketSize); err != nil {
			return nil, fmt.Errorf("data-out 0x%02X: %w", cb[0], err)
		}
	}

	status, err := b.host.BulkIn(b.epIn, msc.CSWSize, msc.MaxPacketSize)
	if err != nil {
		return nil, fmt.Errorf("CSW 0x%02X: %w", cb[0], err)
	}
	var csw msc.CommandStatusWrapper
	if err := msc.ParseCSW(status, &csw); err != nil {
		return nil, err
	}
	if csw.Tag != b.tag {
		return nil, fmt.Errorf("%w: CSW tag %d, want %d", pkg.ErrProtocol, csw.Tag, b.tag)
	}
	if csw.Status != msc.CSWStatusGood {
		return nil, b.senseError(cb[0], csw.Status)
	}
	return resp, nil
}

// senseError fetches the sense data behind a failed command.
func (b *botHost) senseError(op, status uint8) error {
	sense, err := b.command(18, msc.CBWFlagDataIn, msc.SCSIRequestSense, 0, 0, 0, 18, 0)
	if err != nil {
		return fmt.Errorf("command 0x%02X status %d: %w", op, status, err)
	}
	return fmt.Errorf("%w: command 0x%02X sense %02X/%02X", pkg.ErrProtocol, op, sense[2]&0x0F, sense[12])
}

func cdb10(op uint8, lba uint32, count uint16) []byte {
	cb := make([]byte, 10)
	cb[0] = op
	binary.BigEndian.PutUint32(cb[2:], lba)
	binary.BigEndian.PutUint16(cb[7:], count)
	return cb
}

func (b *botHost) read10(lba uint32, count uint16) ([]byte, error) {
	return b.command(uint32(count)*msc.BlockSize, msc.CBWFlagDataIn, cdb10(msc.SCSIRead10, lba, count)...)
}

func (b *botHost) write10(lba uint32, data []byte) error {
	_, err := b.transfer(uint32(len(data)), msc.CBWFlagDataOut, data, cdb10(msc.SCSIWrite10, lba, uint16(len(data)/msc.BlockSize))...)
	return err
}

// scratchTest writes a pattern to the last block, reads it back and
// restores the original contents.
func (b *botHost) scratchTest(lba uint32) error {
	saved, err := b.read10(lba, 1)
	if err != nil {
		return err
	}
	pattern := make([]byte, msc.BlockSize)
	for i := range pattern {
		pattern[i] = byte(i ^ 0xA5)
	}
	if err := b.write10(lba, pattern); err != nil {
		return err
	}
	got, err := b.read10(lba, 1)
	if err != nil {
		return err
	}
	if err := b.write10(lba, saved); err != nil {
		return err
	}
	if !bytes.Equal(got, pattern) {
		return fmt.Errorf("%w: block %d readback mismatch", pkg.ErrProtocol, lba)
	}
	b.printf("scratch    block %d write/read ok\n", lba)
	return nil
}
