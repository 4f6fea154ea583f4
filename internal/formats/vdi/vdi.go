// Package vdi reads VirtualBox VDI images, fixed and dynamic.
package vdi

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/deploymenttheory/go-diskimage/internal/guid"
	"github.com/deploymenttheory/go-diskimage/internal/source"
	"github.com/deploymenttheory/go-diskimage/pkg/container"
)

// Name is the registry name of the VDI kind
const Name = "vdi"

// Signature is the little-endian magic at offset 0x40
const Signature uint32 = 0xbeda107f

const (
	signatureOffset = 0x40
	headerEnd       = 0x1c8

	blockFree = 0xffffffff
	blockZero = 0xfffffffe

	maxBlockSize = 256 * 1024 * 1024
)

// Image types
const (
	TypeNormal = 1
	TypeFixed  = 2
	TypeUndo   = 3
	TypeDiff   = 4
)

// Header holds the fields of a version 1.1 header needed to read data
type Header struct {
	Version          uint32
	HeaderSize       uint32
	ImageType        uint32
	Flags            uint32
	Comment          string
	BlocksOffset     uint32
	DataOffset       uint32
	DiskSize         uint64
	BlockSize        uint32
	BlockExtra       uint32
	Blocks           uint32
	BlocksAllocated  uint32
	UUID             uuid.UUID
	ModificationUUID uuid.UUID
	ParentUUID       uuid.UUID
}

// ParseHeader decodes the pre-header and header from the first 0x1c8 bytes
func ParseHeader(b []byte) (*Header, error) {
	if len(b) < headerEnd {
		return nil, errors.Errorf("header too short: %d bytes", len(b))
	}
	if sig := binary.LittleEndian.Uint32(b[0x40:]); sig != Signature {
		return nil, errors.Errorf("invalid signature 0x%08x", sig)
	}

	h := &Header{
		Version:         binary.LittleEndian.Uint32(b[0x44:]),
		HeaderSize:      binary.LittleEndian.Uint32(b[0x48:]),
		ImageType:       binary.LittleEndian.Uint32(b[0x4c:]),
		Flags:           binary.LittleEndian.Uint32(b[0x50:]),
		Comment:         string(bytes.TrimRight(b[0x54:0x154], "\x00")),
		BlocksOffset:    binary.LittleEndian.Uint32(b[0x154:]),
		DataOffset:      binary.LittleEndian.Uint32(b[0x158:]),
		DiskSize:        binary.LittleEndian.Uint64(b[0x170:]),
		BlockSize:       binary.LittleEndian.Uint32(b[0x178:]),
		BlockExtra:      binary.LittleEndian.Uint32(b[0x17c:]),
		Blocks:          binary.LittleEndian.Uint32(b[0x180:]),
		BlocksAllocated: binary.LittleEndian.Uint32(b[0x184:]),
	}
	h.UUID = guid.FromMixedEndian(b[0x188:0x198])
	h.ModificationUUID = guid.FromMixedEndian(b[0x198:0x1a8])
	h.ParentUUID = guid.FromMixedEndian(b[0x1b8:0x1c8])

	if major := h.Version >> 16; major != 1 {
		return nil, errors.Errorf("unsupported vdi version %d.%d", major, h.Version&0xffff)
	}
	if h.BlockSize == 0 || h.BlockSize > maxBlockSize || h.BlockExtra > maxBlockSize {
		return nil, errors.Errorf("invalid block geometry: %d byte blocks with %d extra bytes", h.BlockSize, h.BlockExtra)
	}
	if h.DiskSize > math.MaxInt64 {
		return nil, errors.Errorf("disk size %d is too large", h.DiskSize)
	}
	if need := (h.DiskSize + uint64(h.BlockSize) - 1) / uint64(h.BlockSize); uint64(h.Blocks) < need {
		return nil, errors.Errorf("block map has %d entries, disk needs %d", h.Blocks, need)
	}
	return h, nil
}

// Kind detects VDI images
type Kind struct{}

// Name implements container.Kind
func (Kind) Name() string { return Name }

// DetectStream checks the signature at 0x40
func (Kind) DetectStream(r io.ReadSeeker, _ container.Input) (bool, error) {
	b, err := container.Peek(r, signatureOffset, io.SeekStart, 4)
	if err != nil {
		return false, err
	}
	return len(b) == 4 && binary.LittleEndian.Uint32(b) == Signature, nil
}

// DetectPath matches the .vdi extension
func (Kind) DetectPath(path string, _ container.Input) (bool, error) {
	return container.HasExtension(path, ".vdi"), nil
}

// Open implements container.Kind
func (Kind) Open(in container.Input, opts ...container.Option) (container.Container, error) {
	return Open(in, opts...)
}

// Container is an opened VDI
type Container struct {
	*container.Stream
	header *Header
}

// Open opens a normal (dynamic) or fixed VDI. Differencing and undo images are rejected.
func Open(in container.Input, opts ...container.Option) (*Container, error) {
	o := container.NewOptions(opts...)

	h, err := source.Open(in.Fs(), in.First())
	if err != nil {
		return nil, errors.Wrap(err, "vdi")
	}

	r, hdr, err := newReader(h)
	if err != nil {
		h.Close()
		return nil, err
	}

	c := &Container{
		Stream: container.NewStream(Name, in, r, int64(hdr.DiskSize), h),
		header: hdr,
	}
	c.SetVolumeSystem(o.VolumeSystem)
	return c, nil
}

// Header returns the parsed header
func (c *Container) Header() *Header {
	return c.header
}

// Describe implements container.Describer
func (c *Container) Describe() map[string]string {
	return map[string]string{
		"image_type":       typeName(c.header.ImageType),
		"uuid":             c.header.UUID.String(),
		"block_size":       strconv.FormatUint(uint64(c.header.BlockSize), 10),
		"blocks_allocated": strconv.FormatUint(uint64(c.header.BlocksAllocated), 10),
		"comment":          c.header.Comment,
	}
}

func typeName(t uint32) string {
	switch t {
	case TypeNormal:
		return "normal"
	case TypeFixed:
		return "fixed"
	case TypeUndo:
		return "undo"
	case TypeDiff:
		return "differencing"
	}
	return "unknown"
}

type reader struct {
	h        *source.Handle
	hdr      *Header
	blockMap []uint32
}

func newReader(h *source.Handle) (*reader, *Header, error) {
	buf := make([]byte, headerEnd)
	if err := h.ReadFullAt(buf, 0); err != nil {
		return nil, nil, errors.Wrap(err, "read vdi header")
	}
	hdr, err := ParseHeader(buf)
	if err != nil {
		return nil, nil, err
	}
	switch hdr.ImageType {
	case TypeNormal, TypeFixed:
	case TypeDiff, TypeUndo:
		return nil, nil, errors.Errorf("%s vdi images require their parent and are not supported", typeName(hdr.ImageType))
	default:
		return nil, nil, errors.Errorf("unknown vdi image type %d", hdr.ImageType)
	}

	raw, err := h.ReadRange(int64(hdr.BlocksOffset), int64(hdr.Blocks)*4)
	if err != nil {
		return nil, nil, errors.Wrap(err, "read block map")
	}
	blockMap := make([]uint32, hdr.Blocks)
	for i := range blockMap {
		blockMap[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return &reader{h: h, hdr: hdr, blockMap: blockMap}, hdr, nil
}

func (r *reader) ReadAt(p []byte, off int64) (int, error) {
	blockSize := int64(r.hdr.BlockSize)
	stride := blockSize + int64(r.hdr.BlockExtra)

	total := 0
	for total < len(p) {
		block := off / blockSize
		within := off % blockSize
		n := len(p) - total
		if rem := blockSize - within; int64(n) > rem {
			n = int(rem)
		}
		chunk := p[total : total+n]

		var entry uint32 = blockFree
		if block < int64(len(r.blockMap)) {
			entry = r.blockMap[block]
		}
		if entry == blockFree || entry == blockZero {
			clear(chunk)
		} else {
			phys := int64(r.hdr.DataOffset) + int64(entry)*stride + int64(r.hdr.BlockExtra) + within
			if err := r.h.ReadFullAt(chunk, phys); err != nil {
				return total, errors.Wrapf(err, "read block %d", block)
			}
		}
		total += n
		off += int64(n)
	}
	return total, nil
}
