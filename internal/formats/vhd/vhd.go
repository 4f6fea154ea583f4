// Package vhd reads Microsoft Virtual PC / Hyper-V VHD images, fixed and dynamic.
package vhd

import (
	"bytes"
	"encoding/binary"
	"io"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/deploymenttheory/go-diskimage/internal/source"
	"github.com/deploymenttheory/go-diskimage/pkg/container"
)

// Name is the registry name of the VHD kind
const Name = "vhd"

const (
	footerSize        = 512
	dynamicHeaderSize = 1024
	sectorSize        = 512

	unallocated = 0xFFFFFFFF
)

var (
	footerCookie  = []byte("conectix")
	dynamicCookie = []byte("cxsparse")
)

// Disk types stored in the footer
const (
	DiskTypeFixed        uint32 = 2
	DiskTypeDynamic      uint32 = 3
	DiskTypeDifferencing uint32 = 4
)

// Footer is the 512-byte trailer present in every VHD
type Footer struct {
	Features           uint32
	FormatVersion      uint32
	DataOffset         uint64
	Timestamp          uint32
	CreatorApplication string
	CreatorVersion     uint32
	CreatorHostOS      string
	OriginalSize       uint64
	CurrentSize        uint64
	DiskGeometry       uint32
	DiskType           uint32
	Checksum           uint32
	UniqueID           uuid.UUID
	SavedState         uint8
}

// ParseFooter decodes and validates a footer
func ParseFooter(b []byte) (*Footer, error) {
	if len(b) < footerSize {
		return nil, errors.Errorf("footer too short: %d bytes", len(b))
	}
	if !bytes.Equal(b[0:8], footerCookie) {
		return nil, errors.Errorf("invalid footer cookie %q", b[0:8])
	}

	f := &Footer{
		Features:           binary.BigEndian.Uint32(b[8:12]),
		FormatVersion:      binary.BigEndian.Uint32(b[12:16]),
		DataOffset:         binary.BigEndian.Uint64(b[16:24]),
		Timestamp:          binary.BigEndian.Uint32(b[24:28]),
		CreatorApplication: string(bytes.TrimRight(b[28:32], "\x00 ")),
		CreatorVersion:     binary.BigEndian.Uint32(b[32:36]),
		CreatorHostOS:      string(bytes.TrimRight(b[36:40], "\x00 ")),
		OriginalSize:       binary.BigEndian.Uint64(b[40:48]),
		CurrentSize:        binary.BigEndian.Uint64(b[48:56]),
		DiskGeometry:       binary.BigEndian.Uint32(b[56:60]),
		DiskType:           binary.BigEndian.Uint32(b[60:64]),
		Checksum:           binary.BigEndian.Uint32(b[64:68]),
		SavedState:         b[84],
	}
	f.UniqueID, _ = uuid.FromBytes(b[68:84])

	if sum := Checksum(b[:footerSize], 64); sum != f.Checksum {
		return nil, errors.Errorf("footer checksum mismatch: stored 0x%08x, computed 0x%08x", f.Checksum, sum)
	}
	return f, nil
}

// Checksum is the one's complement of the byte sum of b, skipping the four checksum
// bytes at checksumOffset
func Checksum(b []byte, checksumOffset int) uint32 {
	var sum uint32
	for i, v := range b {
		if i >= checksumOffset && i < checksumOffset+4 {
			continue
		}
		sum += uint32(v)
	}
	return ^sum
}

// Kind detects VHD images
type Kind struct{}

// Name implements container.Kind
func (Kind) Name() string { return Name }

// DetectStream looks for the footer cookie in the last 512 bytes
func (Kind) DetectStream(r io.ReadSeeker, _ container.Input) (bool, error) {
	size, err := container.StreamSize(r)
	if err != nil {
		return false, err
	}
	if size < footerSize {
		return false, nil
	}
	b, err := container.Peek(r, -footerSize, io.SeekEnd, len(footerCookie))
	if err != nil {
		return false, err
	}
	return bytes.Equal(b, footerCookie), nil
}

// DetectPath matches the .vhd extension
func (Kind) DetectPath(path string, _ container.Input) (bool, error) {
	return container.HasExtension(path, ".vhd"), nil
}

// Open implements container.Kind
func (Kind) Open(in container.Input, opts ...container.Option) (container.Container, error) {
	return Open(in, opts...)
}

// Container is an opened VHD
type Container struct {
	*container.Stream
	footer    *Footer
	blockSize uint32
}

// Open opens a fixed or dynamic VHD. Differencing disks need their parent and are rejected.
func Open(in container.Input, opts ...container.Option) (*Container, error) {
	o := container.NewOptions(opts...)

	h, err := source.Open(in.Fs(), in.First())
	if err != nil {
		return nil, errors.Wrap(err, "vhd")
	}

	c, err := open(in, h)
	if err != nil {
		h.Close()
		return nil, err
	}
	c.SetVolumeSystem(o.VolumeSystem)
	return c, nil
}

func open(in container.Input, h *source.Handle) (*Container, error) {
	if h.Size() < footerSize {
		return nil, errors.Errorf("file too small for a VHD footer: %d bytes", h.Size())
	}
	buf := make([]byte, footerSize)
	if err := h.ReadFullAt(buf, h.Size()-footerSize); err != nil {
		return nil, errors.Wrap(err, "read vhd footer")
	}
	footer, err := ParseFooter(buf)
	if err != nil {
		return nil, err
	}

	size := int64(footer.CurrentSize)
	c := &Container{footer: footer}

	switch footer.DiskType {
	case DiskTypeFixed:
		if size > h.Size()-footerSize {
			return nil, errors.Errorf("fixed vhd declares %d bytes but holds %d", size, h.Size()-footerSize)
		}
		c.Stream = container.NewStream(Name, in, io.NewSectionReader(h, 0, size), size, h)
	case DiskTypeDynamic:
		d, err := newDynamic(h, footer)
		if err != nil {
			return nil, err
		}
		c.blockSize = d.blockSize
		c.Stream = container.NewStream(Name, in, d, size, h)
	case DiskTypeDifferencing:
		return nil, errors.New("differencing vhd images require their parent and are not supported")
	default:
		return nil, errors.Errorf("unknown vhd disk type %d", footer.DiskType)
	}
	return c, nil
}

// Footer returns the parsed footer
func (c *Container) Footer() *Footer {
	return c.footer
}

// Describe implements container.Describer
func (c *Container) Describe() map[string]string {
	m := map[string]string{
		"disk_type":   diskTypeName(c.footer.DiskType),
		"unique_id":   c.footer.UniqueID.String(),
		"creator_app": c.footer.CreatorApplication,
		"creator_os":  c.footer.CreatorHostOS,
	}
	if c.blockSize != 0 {
		m["block_size"] = strconv.FormatUint(uint64(c.blockSize), 10)
	}
	return m
}

func diskTypeName(t uint32) string {
	switch t {
	case DiskTypeFixed:
		return "fixed"
	case DiskTypeDynamic:
		return "dynamic"
	case DiskTypeDifferencing:
		return "differencing"
	}
	return "unknown"
}

// dynamic resolves virtual offsets through the block allocation table
type dynamic struct {
	h          *source.Handle
	blockSize  uint32
	bitmapSize int64
	bat        []uint32
}

func newDynamic(h *source.Handle, footer *Footer) (*dynamic, error) {
	hdr := make([]byte, dynamicHeaderSize)
	if err := h.ReadFullAt(hdr, int64(footer.DataOffset)); err != nil {
		return nil, errors.Wrap(err, "read dynamic disk header")
	}
	if !bytes.Equal(hdr[0:8], dynamicCookie) {
		return nil, errors.Errorf("invalid dynamic disk header cookie %q", hdr[0:8])
	}
	if stored, sum := binary.BigEndian.Uint32(hdr[36:40]), Checksum(hdr, 36); stored != sum {
		return nil, errors.Errorf("dynamic header checksum mismatch: stored 0x%08x, computed 0x%08x", stored, sum)
	}

	tableOffset := int64(binary.BigEndian.Uint64(hdr[16:24]))
	entries := binary.BigEndian.Uint32(hdr[28:32])
	blockSize := binary.BigEndian.Uint32(hdr[32:36])
	if blockSize == 0 || blockSize%sectorSize != 0 {
		return nil, errors.Errorf("invalid block size %d", blockSize)
	}
	if need := (footer.CurrentSize + uint64(blockSize) - 1) / uint64(blockSize); uint64(entries) < need {
		return nil, errors.Errorf("block table has %d entries, disk needs %d", entries, need)
	}

	raw := make([]byte, int(entries)*4)
	if err := h.ReadFullAt(raw, tableOffset); err != nil {
		return nil, errors.Wrap(err, "read block allocation table")
	}
	bat := make([]uint32, entries)
	for i := range bat {
		bat[i] = binary.BigEndian.Uint32(raw[i*4:])
	}

	// one bit per sector, padded to a whole sector
	bitmapBytes := int64(blockSize/sectorSize+7) / 8
	bitmapSize := (bitmapBytes + sectorSize - 1) / sectorSize * sectorSize

	return &dynamic{h: h, blockSize: blockSize, bitmapSize: bitmapSize, bat: bat}, nil
}

func (d *dynamic) ReadAt(p []byte, off int64) (int, error) {
	total := 0
	for total < len(p) {
		block := off / int64(d.blockSize)
		within := off % int64(d.blockSize)
		n := len(p) - total
		if rem := int64(d.blockSize) - within; int64(n) > rem {
			n = int(rem)
		}
		chunk := p[total : total+n]

		if block >= int64(len(d.bat)) || d.bat[block] == unallocated {
			clear(chunk)
		} else {
			phys := int64(d.bat[block])*sectorSize + d.bitmapSize + within
			if err := d.h.ReadFullAt(chunk, phys); err != nil {
				return total, errors.Wrapf(err, "read block %d", block)
			}
		}
		total += n
		off += int64(n)
	}
	return total, nil
}
