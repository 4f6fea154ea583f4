package vmdk

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"

	"github.com/deploymenttheory/go-diskimage/internal/chunkcache"
	"github.com/deploymenttheory/go-diskimage/internal/source"
)

const (
	sectorSize       = 512
	sparseHeaderSize = 79

	gdAtEnd = ^uint64(0)

	flagNewLineTest     = 1 << 0
	flagRedundantGT     = 1 << 1
	flagZeroGrainGTE    = 1 << 2
	flagCompressedGrain = 1 << 16
	flagMarkers         = 1 << 17

	compressionNone    = 0
	compressionDeflate = 1

	gteUnallocated = 0
	gteZero        = 1

	maxGrainSectors = 128 * 1024 * 1024 / sectorSize
	maxGTEsPerGT    = 64 * 1024
	maxSectors      = math.MaxInt64 / sectorSize
)

var (
	sparseMagic = []byte("KDMV")
	cowdMagic   = []byte("COWD")
)

// SparseHeader is the header of a hosted sparse extent
type SparseHeader struct {
	Version           uint32
	Flags             uint32
	Capacity          uint64 // sectors
	GrainSize         uint64 // sectors
	DescriptorOffset  uint64
	DescriptorSize    uint64
	NumGTEsPerGT      uint32
	RGDOffset         uint64
	GDOffset          uint64
	Overhead          uint64
	UncleanShutdown   bool
	CompressAlgorithm uint16
}

// Compressed reports whether grains are stored compressed
func (h *SparseHeader) Compressed() bool {
	return h.Flags&flagCompressedGrain != 0
}

// ParseSparseHeader decodes a KDMV header
func ParseSparseHeader(b []byte) (*SparseHeader, error) {
	if len(b) < sparseHeaderSize {
		return nil, errors.Errorf("sparse header too short: %d bytes", len(b))
	}
	if !bytes.Equal(b[0:4], sparseMagic) {
		return nil, errors.Errorf("invalid sparse extent magic %q", b[0:4])
	}

	le := binary.LittleEndian
	h := &SparseHeader{
		Version:           le.Uint32(b[4:]),
		Flags:             le.Uint32(b[8:]),
		Capacity:          le.Uint64(b[12:]),
		GrainSize:         le.Uint64(b[20:]),
		DescriptorOffset:  le.Uint64(b[28:]),
		DescriptorSize:    le.Uint64(b[36:]),
		NumGTEsPerGT:      le.Uint32(b[44:]),
		RGDOffset:         le.Uint64(b[48:]),
		GDOffset:          le.Uint64(b[56:]),
		Overhead:          le.Uint64(b[64:]),
		UncleanShutdown:   b[72] != 0,
		CompressAlgorithm: le.Uint16(b[77:]),
	}
	if h.Version > 3 {
		return nil, errors.Errorf("unsupported sparse extent version %d", h.Version)
	}
	return h, nil
}

func (h *SparseHeader) validate() error {
	if h.GrainSize == 0 || h.GrainSize > maxGrainSectors {
		return errors.Errorf("invalid grain size of %d sectors", h.GrainSize)
	}
	if h.NumGTEsPerGT == 0 || h.NumGTEsPerGT > maxGTEsPerGT {
		return errors.Errorf("invalid grain table size of %d entries", h.NumGTEsPerGT)
	}
	if h.Capacity > maxSectors {
		return errors.Errorf("capacity of %d sectors is too large", h.Capacity)
	}
	if h.Compressed() && h.CompressAlgorithm != compressionDeflate {
		return errors.Errorf("unsupported grain compression algorithm %d", h.CompressAlgorithm)
	}
	return nil
}

// sparseExtent resolves extent-relative offsets through the grain directory
type sparseExtent struct {
	h          *source.Handle
	hdr        *SparseHeader
	size       int64
	grainBytes int64
	gd         []uint32
	tables     *chunkcache.Cache
	grains     *chunkcache.Cache
}

// readSparseHeader reads the header, following it to the footer of stream-optimized extents
func readSparseHeader(h *source.Handle) (*SparseHeader, error) {
	buf := make([]byte, sectorSize)
	if err := h.ReadFullAt(buf, 0); err != nil {
		return nil, errors.Wrap(err, "read sparse header")
	}
	hdr, err := ParseSparseHeader(buf)
	if err != nil {
		return nil, err
	}
	if hdr.GDOffset != gdAtEnd {
		return hdr, nil
	}

	// the footer is a copy of the header with the real directory offset, followed by
	// the end-of-stream marker
	if h.Size() < 3*sectorSize {
		return nil, errors.New("stream-optimized extent too small for a footer")
	}
	if err := h.ReadFullAt(buf, h.Size()-2*sectorSize); err != nil {
		return nil, errors.Wrap(err, "read sparse footer")
	}
	footer, err := ParseSparseHeader(buf)
	if err != nil {
		return nil, errors.Wrap(err, "footer")
	}
	if footer.GDOffset == gdAtEnd {
		return nil, errors.New("footer has no grain directory offset")
	}
	return footer, nil
}

func newSparseExtent(h *source.Handle, hdr *SparseHeader, sectors int64, cacheSize int64) (*sparseExtent, error) {
	if err := hdr.validate(); err != nil {
		return nil, err
	}

	grainBytes := int64(hdr.GrainSize) * sectorSize
	coverage := uint64(hdr.NumGTEsPerGT) * hdr.GrainSize
	entries := (hdr.Capacity + coverage - 1) / coverage

	if hdr.GDOffset > uint64(h.Size())/sectorSize {
		return nil, errors.Errorf("grain directory offset %d lies beyond the end of the extent", hdr.GDOffset)
	}
	raw, err := h.ReadRange(int64(hdr.GDOffset)*sectorSize, int64(entries)*4)
	if err != nil {
		return nil, errors.Wrap(err, "read grain directory")
	}
	gd := make([]uint32, entries)
	for i := range gd {
		gd[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}

	return &sparseExtent{
		h:          h,
		hdr:        hdr,
		size:       sectors * sectorSize,
		grainBytes: grainBytes,
		gd:         gd,
		tables:     chunkcache.New(cacheSize / 8),
		grains:     chunkcache.New(cacheSize),
	}, nil
}

func (e *sparseExtent) Size() int64 {
	return e.size
}

func (e *sparseExtent) Name() string {
	return e.h.Name()
}

func (e *sparseExtent) ReadAt(p []byte, off int64) (int, error) {
	total := 0
	for total < len(p) && off < e.size {
		grain := off / e.grainBytes
		within := off % e.grainBytes
		n := len(p) - total
		if rem := e.grainBytes - within; int64(n) > rem {
			n = int(rem)
		}
		if rem := e.size - off; int64(n) > rem {
			n = int(rem)
		}
		chunk := p[total : total+n]

		if err := e.readGrain(chunk, uint64(grain), within); err != nil {
			return total, errors.Wrapf(err, "read grain %d of %s", grain, e.h.Name())
		}
		total += n
		off += int64(n)
	}
	if total < len(p) {
		return total, io.EOF
	}
	return total, nil
}

func (e *sparseExtent) readGrain(dst []byte, grain uint64, within int64) error {
	gte, err := e.grainTableEntry(grain)
	if err != nil {
		return err
	}
	switch gte {
	case gteUnallocated, gteZero:
		clear(dst)
		return nil
	}

	if !e.hdr.Compressed() {
		return e.h.ReadFullAt(dst, int64(gte)*sectorSize+within)
	}

	data, err := e.grains.Load(grain, func() ([]byte, error) {
		return e.inflate(int64(gte) * sectorSize)
	})
	if err != nil {
		return err
	}
	copy(dst, data[within:])
	return nil
}

func (e *sparseExtent) grainTableEntry(grain uint64) (uint32, error) {
	perTable := uint64(e.hdr.NumGTEsPerGT)
	idx := grain / perTable
	if idx >= uint64(len(e.gd)) || e.gd[idx] == 0 {
		return gteUnallocated, nil
	}

	table, err := e.tables.Load(idx, func() ([]byte, error) {
		b := make([]byte, perTable*4)
		if err := e.h.ReadFullAt(b, int64(e.gd[idx])*sectorSize); err != nil {
			return nil, errors.Wrap(err, "read grain table")
		}
		return b, nil
	})
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(table[(grain%perTable)*4:]), nil
}

// inflate decodes a compressed grain: a 12-byte marker (lba, size) followed by zlib data
func (e *sparseExtent) inflate(off int64) ([]byte, error) {
	marker := make([]byte, 12)
	if err := e.h.ReadFullAt(marker, off); err != nil {
		return nil, errors.Wrap(err, "read grain marker")
	}
	size := binary.LittleEndian.Uint32(marker[8:])
	if size == 0 || int64(size) > e.h.Size()-off-12 {
		return nil, errors.Errorf("invalid compressed grain size %d", size)
	}

	compressed := make([]byte, size)
	if err := e.h.ReadFullAt(compressed, off+12); err != nil {
		return nil, errors.Wrap(err, "read compressed grain")
	}
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, errors.Wrap(err, "zlib")
	}
	defer zr.Close()

	out := make([]byte, e.grainBytes)
	if _, err := io.ReadFull(zr, out); err != nil && err != io.ErrUnexpectedEOF {
		return nil, errors.Wrap(err, "inflate grain")
	}
	return out, nil
}
