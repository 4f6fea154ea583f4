// Package vhdx reads Hyper-V VHDX images, fixed and dynamic.
package vhdx

import (
	"bytes"
	"encoding/binary"
	"io"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/deploymenttheory/go-diskimage/internal/guid"
	"github.com/deploymenttheory/go-diskimage/internal/source"
	"github.com/deploymenttheory/go-diskimage/pkg/container"
)

// Name is the registry name of the VHDX kind
const Name = "vhdx"

// Payload block states
const (
	BlockNotPresent       = 0
	BlockUndefined        = 1
	BlockZero             = 2
	BlockUnmapped         = 3
	BlockFullyPresent     = 6
	BlockPartiallyPresent = 7
)

const fileParamHasParent = 1 << 1

// Payload block sizes allowed by the format
const (
	minBlockSize = 1024 * 1024
	maxBlockSize = 256 * 1024 * 1024

	maxVirtualDiskSize = 64 << 40
)

// Kind detects VHDX images
type Kind struct{}

// Name implements container.Kind
func (Kind) Name() string { return Name }

// DetectStream checks the file type identifier at offset 0
func (Kind) DetectStream(r io.ReadSeeker, _ container.Input) (bool, error) {
	b, err := container.Peek(r, 0, io.SeekStart, len(fileSignature))
	if err != nil {
		return false, err
	}
	return bytes.Equal(b, fileSignature), nil
}

// DetectPath matches the .vhdx and .avhdx extensions
func (Kind) DetectPath(path string, _ container.Input) (bool, error) {
	return container.HasExtension(path, ".vhdx", ".avhdx"), nil
}

// Open implements container.Kind
func (Kind) Open(in container.Input, opts ...container.Option) (container.Container, error) {
	return Open(in, opts...)
}

// Metadata holds the system metadata items
type Metadata struct {
	BlockSize          uint32
	LeaveAllocated     bool
	HasParent          bool
	VirtualDiskSize    uint64
	VirtualDiskID      uuid.UUID
	LogicalSectorSize  uint32
	PhysicalSectorSize uint32
}

// Container is an opened VHDX
type Container struct {
	*container.Stream
	creator  string
	header   *Header
	metadata *Metadata
}

// Open opens a VHDX without a parent and with a clean log
func Open(in container.Input, opts ...container.Option) (*Container, error) {
	o := container.NewOptions(opts...)

	h, err := source.Open(in.Fs(), in.First())
	if err != nil {
		return nil, errors.Wrap(err, "vhdx")
	}

	c, r, err := open(h, o)
	if err != nil {
		h.Close()
		return nil, err
	}
	c.Stream = container.NewStream(Name, in, r, int64(c.metadata.VirtualDiskSize), h)
	c.SetVolumeSystem(o.VolumeSystem)
	return c, nil
}

func open(h *source.Handle, o container.Options) (*Container, *reader, error) {
	ident := make([]byte, 520)
	if err := h.ReadFullAt(ident, 0); err != nil {
		return nil, nil, errors.Wrap(err, "read file identifier")
	}
	if !bytes.Equal(ident[:8], fileSignature) {
		return nil, nil, errors.Errorf("invalid file signature %q", ident[:8])
	}
	c := &Container{creator: decodeUTF16LE(ident[8:])}

	hdr, err := currentHeader(h, o.Logger)
	if err != nil {
		return nil, nil, err
	}
	if hdr.LogGUID != uuid.Nil {
		return nil, nil, errors.New("log has entries that need replay, which is not supported")
	}
	c.header = hdr

	regions, err := regionTable(h, o.Logger)
	if err != nil {
		return nil, nil, err
	}
	var bat, meta *RegionEntry
	for i := range regions {
		switch regions[i].GUID {
		case RegionBAT:
			bat = &regions[i]
		case RegionMetadata:
			meta = &regions[i]
		default:
			if regions[i].Required {
				return nil, nil, errors.Errorf("unknown required region %s", regions[i].GUID)
			}
		}
	}
	if bat == nil || meta == nil {
		return nil, nil, errors.New("region table lacks the BAT or metadata region")
	}

	md, err := readMetadata(h, meta)
	if err != nil {
		return nil, nil, err
	}
	if md.HasParent {
		return nil, nil, errors.New("differencing vhdx images require their parent and are not supported")
	}
	c.metadata = md

	r, err := newReader(h, md, bat)
	if err != nil {
		return nil, nil, err
	}
	return c, r, nil
}

// currentHeader returns the valid header with the highest sequence number
func currentHeader(h *source.Handle, logger *zap.Logger) (*Header, error) {
	var current *Header
	var errs []error
	for _, off := range []int64{headerOffset1, headerOffset2} {
		buf := make([]byte, headerSize)
		if err := h.ReadFullAt(buf, off); err != nil {
			errs = append(errs, err)
			continue
		}
		hdr, err := ParseHeader(buf)
		if err != nil {
			logger.Debug("skipping vhdx header", zap.Int64("offset", off), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if current == nil || hdr.SequenceNumber > current.SequenceNumber {
			current = hdr
		}
	}
	if current == nil {
		return nil, errors.Errorf("no valid header: %v", errs)
	}
	return current, nil
}

// regionTable reads the primary region table, falling back to the backup copy
func regionTable(h *source.Handle, logger *zap.Logger) ([]RegionEntry, error) {
	var firstErr error
	for _, off := range []int64{regionTableOffset1, regionTableOffset2} {
		buf := make([]byte, regionTableSize)
		err := h.ReadFullAt(buf, off)
		if err == nil {
			var entries []RegionEntry
			if entries, err = ParseRegionTable(buf); err == nil {
				return entries, nil
			}
		}
		logger.Debug("skipping vhdx region table", zap.Int64("offset", off), zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, errors.Wrap(firstErr, "no valid region table")
}

func readMetadata(h *source.Handle, region *RegionEntry) (*Metadata, error) {
	if region.FileOffset > uint64(h.Size()) {
		return nil, errors.Errorf("metadata region offset %d lies beyond the end of the image", region.FileOffset)
	}
	raw, err := h.ReadRange(int64(region.FileOffset), int64(region.Length))
	if err != nil {
		return nil, errors.Wrap(err, "read metadata region")
	}
	entries, err := ParseMetadataTable(raw)
	if err != nil {
		return nil, err
	}

	md := &Metadata{LogicalSectorSize: 512, PhysicalSectorSize: 512}
	seen := map[uuid.UUID]bool{}
	for _, e := range entries {
		end := uint64(e.Offset) + uint64(e.Length)
		if end > uint64(len(raw)) {
			return nil, errors.Errorf("metadata item %s lies outside the region", e.ItemID)
		}
		item := raw[e.Offset:end]
		le := binary.LittleEndian

		switch e.ItemID {
		case ItemFileParameters:
			if len(item) < 8 {
				return nil, errors.New("file parameters item too short")
			}
			md.BlockSize = le.Uint32(item)
			flags := le.Uint32(item[4:])
			md.LeaveAllocated = flags&1 != 0
			md.HasParent = flags&fileParamHasParent != 0
		case ItemVirtualDiskSize:
			if len(item) < 8 {
				return nil, errors.New("virtual disk size item too short")
			}
			md.VirtualDiskSize = le.Uint64(item)
		case ItemVirtualDiskID:
			if len(item) < 16 {
				return nil, errors.New("virtual disk id item too short")
			}
			md.VirtualDiskID = guid.FromMixedEndian(item)
		case ItemLogicalSectorSize:
			if len(item) < 4 {
				return nil, errors.New("logical sector size item too short")
			}
			md.LogicalSectorSize = le.Uint32(item)
		case ItemPhysicalSectorSize:
			if len(item) < 4 {
				return nil, errors.New("physical sector size item too short")
			}
			md.PhysicalSectorSize = le.Uint32(item)
		case ItemParentLocator:
		default:
			if e.IsRequired {
				return nil, errors.Errorf("unknown required metadata item %s", e.ItemID)
			}
		}
		seen[e.ItemID] = true
	}

	for _, id := range []uuid.UUID{ItemFileParameters, ItemVirtualDiskSize, ItemLogicalSectorSize} {
		if !seen[id] {
			return nil, errors.Errorf("required metadata item %s missing", id)
		}
	}
	if md.VirtualDiskSize > maxVirtualDiskSize {
		return nil, errors.Errorf("virtual disk size %d exceeds the 64 TiB limit", md.VirtualDiskSize)
	}
	if md.BlockSize < minBlockSize || md.BlockSize > maxBlockSize || md.BlockSize&(md.BlockSize-1) != 0 {
		return nil, errors.Errorf("invalid block size %d", md.BlockSize)
	}
	switch md.LogicalSectorSize {
	case 512, 4096:
	default:
		return nil, errors.Errorf("invalid logical sector size %d", md.LogicalSectorSize)
	}
	return md, nil
}

// Header returns the current header
func (c *Container) Header() *Header {
	return c.header
}

// Metadata returns the system metadata
func (c *Container) Metadata() *Metadata {
	return c.metadata
}

// Describe implements container.Describer
func (c *Container) Describe() map[string]string {
	return map[string]string{
		"creator":              c.creator,
		"virtual_disk_id":      c.metadata.VirtualDiskID.String(),
		"block_size":           strconv.FormatUint(uint64(c.metadata.BlockSize), 10),
		"logical_sector_size":  strconv.FormatUint(uint64(c.metadata.LogicalSectorSize), 10),
		"physical_sector_size": strconv.FormatUint(uint64(c.metadata.PhysicalSectorSize), 10),
		"sequence_number":      strconv.FormatUint(c.header.SequenceNumber, 10),
	}
}

// reader maps virtual offsets to payload blocks through the BAT
type reader struct {
	h          *source.Handle
	blockSize  int64
	chunkRatio int64
	bat        []uint64
}

func newReader(h *source.Handle, md *Metadata, region *RegionEntry) (*reader, error) {
	chunkRatio := int64(1) << 23 * int64(md.LogicalSectorSize) / int64(md.BlockSize)
	if chunkRatio == 0 {
		return nil, errors.Errorf("block size %d too large", md.BlockSize)
	}
	blocks := (int64(md.VirtualDiskSize) + int64(md.BlockSize) - 1) / int64(md.BlockSize)
	entries := blocks
	if blocks > 0 {
		entries += (blocks - 1) / chunkRatio
	}
	if entries*8 > int64(region.Length) {
		return nil, errors.Errorf("BAT region holds %d bytes, %d entries needed", region.Length, entries)
	}

	if region.FileOffset > uint64(h.Size()) {
		return nil, errors.Errorf("BAT region offset %d lies beyond the end of the image", region.FileOffset)
	}
	raw, err := h.ReadRange(int64(region.FileOffset), entries*8)
	if err != nil {
		return nil, errors.Wrap(err, "read BAT")
	}
	bat := make([]uint64, entries)
	for i := range bat {
		bat[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}

	return &reader{h: h, blockSize: int64(md.BlockSize), chunkRatio: chunkRatio, bat: bat}, nil
}

func (r *reader) ReadAt(p []byte, off int64) (int, error) {
	total := 0
	for total < len(p) {
		block := off / r.blockSize
		within := off % r.blockSize
		n := len(p) - total
		if rem := r.blockSize - within; int64(n) > rem {
			n = int(rem)
		}
		chunk := p[total : total+n]

		if err := r.readBlock(chunk, block, within); err != nil {
			return total, errors.Wrapf(err, "read block %d", block)
		}
		total += n
		off += int64(n)
	}
	return total, nil
}

func (r *reader) readBlock(dst []byte, block, within int64) error {
	idx := block + block/r.chunkRatio
	if idx >= int64(len(r.bat)) {
		clear(dst)
		return nil
	}
	entry := r.bat[idx]

	switch state := entry & 7; state {
	case BlockFullyPresent:
		offset := int64(entry>>20) * mib
		return r.h.ReadFullAt(dst, offset+within)
	case BlockPartiallyPresent:
		return errors.New("partially present block needs the parent image")
	case BlockNotPresent, BlockUndefined, BlockZero, BlockUnmapped:
		clear(dst)
		return nil
	default:
		return errors.Errorf("invalid payload block state %d", state)
	}
}
