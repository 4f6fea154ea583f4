// Package qcow2 reads standalone QEMU copy-on-write images, version 2 and 3.
package qcow2

import (
	"bytes"
	"encoding/binary"
	"io"
	"strconv"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/deploymenttheory/go-diskimage/internal/chunkcache"
	"github.com/deploymenttheory/go-diskimage/internal/source"
	"github.com/deploymenttheory/go-diskimage/pkg/container"
)

// Name is the registry name of the QCOW2 kind
const Name = "qcow2"

// Magic is the big-endian signature at offset 0
var Magic = []byte{'Q', 'F', 'I', 0xfb}

const (
	minClusterBits = 9
	maxClusterBits = 21

	l1OffsetMask = 0x00fffffffffffe00
	l2OffsetMask = 0x00fffffffffffe00

	l2Compressed = uint64(1) << 62
	l2ZeroFlag   = uint64(1)

	l2CacheSize = 4 * 1024 * 1024
)

// Incompatible feature bits
const (
	IncompatDirty        = 1 << 0
	IncompatCorrupt      = 1 << 1
	IncompatExternalData = 1 << 2
	IncompatCompression  = 1 << 3
	IncompatExtendedL2   = 1 << 4
)

// Compression types
const (
	CompressionDeflate = 0
	CompressionZstd    = 1
)

// Header is the image header
type Header struct {
	Version          uint32
	BackingOffset    uint64
	BackingSize      uint32
	ClusterBits      uint32
	Size             uint64
	CryptMethod      uint32
	L1Size           uint32
	L1Offset         uint64
	SnapshotCount    uint32
	IncompatFeatures uint64
	HeaderLength     uint32
	CompressionType  uint8
}

// ClusterSize returns the cluster size in bytes
func (h *Header) ClusterSize() int64 {
	return int64(1) << h.ClusterBits
}

// ParseHeader decodes the header from the start of the image
func ParseHeader(b []byte) (*Header, error) {
	if len(b) < 72 {
		return nil, errors.Errorf("header too short: %d bytes", len(b))
	}
	if !bytes.Equal(b[0:4], Magic) {
		return nil, errors.Errorf("invalid magic %q", b[0:4])
	}

	be := binary.BigEndian
	h := &Header{
		Version:       be.Uint32(b[4:]),
		BackingOffset: be.Uint64(b[8:]),
		BackingSize:   be.Uint32(b[16:]),
		ClusterBits:   be.Uint32(b[20:]),
		Size:          be.Uint64(b[24:]),
		CryptMethod:   be.Uint32(b[32:]),
		L1Size:        be.Uint32(b[36:]),
		L1Offset:      be.Uint64(b[40:]),
		SnapshotCount: be.Uint32(b[60:]),
		HeaderLength:  72,
	}

	switch h.Version {
	case 2:
	case 3:
		if len(b) < 104 {
			return nil, errors.Errorf("version 3 header too short: %d bytes", len(b))
		}
		h.IncompatFeatures = be.Uint64(b[72:])
		h.HeaderLength = be.Uint32(b[100:])
		if h.HeaderLength > 104 && len(b) > 104 {
			h.CompressionType = b[104]
		}
	default:
		return nil, errors.Errorf("unsupported qcow version %d", h.Version)
	}

	if h.ClusterBits < minClusterBits || h.ClusterBits > maxClusterBits {
		return nil, errors.Errorf("invalid cluster bits %d", h.ClusterBits)
	}
	return h, nil
}

func (h *Header) validate() error {
	if h.BackingOffset != 0 {
		return errors.New("images with a backing file are not supported")
	}
	if h.CryptMethod != 0 {
		return errors.Errorf("encrypted images are not supported (method %d)", h.CryptMethod)
	}
	if h.IncompatFeatures&IncompatCorrupt != 0 {
		return errors.New("image is marked corrupt")
	}
	if h.IncompatFeatures&IncompatExternalData != 0 {
		return errors.New("images with an external data file are not supported")
	}
	if h.IncompatFeatures&IncompatExtendedL2 != 0 {
		return errors.New("extended L2 entries are not supported")
	}
	known := uint64(IncompatDirty | IncompatCorrupt | IncompatExternalData | IncompatCompression | IncompatExtendedL2)
	if unknown := h.IncompatFeatures &^ known; unknown != 0 {
		return errors.Errorf("unknown incompatible features 0x%x", unknown)
	}
	switch h.CompressionType {
	case CompressionDeflate, CompressionZstd:
	default:
		return errors.Errorf("unknown compression type %d", h.CompressionType)
	}

	l2Entries := uint64(h.ClusterSize() / 8)
	clusters := (h.Size + uint64(h.ClusterSize()) - 1) / uint64(h.ClusterSize())
	if need := (clusters + l2Entries - 1) / l2Entries; uint64(h.L1Size) < need {
		return errors.Errorf("L1 table has %d entries, disk needs %d", h.L1Size, need)
	}
	return nil
}

// Kind detects QCOW2 images
type Kind struct{}

// Name implements container.Kind
func (Kind) Name() string { return Name }

// DetectStream checks the magic at offset 0
func (Kind) DetectStream(r io.ReadSeeker, _ container.Input) (bool, error) {
	b, err := container.Peek(r, 0, io.SeekStart, len(Magic))
	if err != nil {
		return false, err
	}
	return bytes.Equal(b, Magic), nil
}

// DetectPath matches the .qcow2 and .qcow extensions
func (Kind) DetectPath(path string, _ container.Input) (bool, error) {
	return container.HasExtension(path, ".qcow2", ".qcow"), nil
}

// Open implements container.Kind
func (Kind) Open(in container.Input, opts ...container.Option) (container.Container, error) {
	return Open(in, opts...)
}

// Container is an opened QCOW2 image
type Container struct {
	*container.Stream
	header *Header
	reader *reader
}

// Open opens a standalone, unencrypted QCOW2 image
func Open(in container.Input, opts ...container.Option) (*Container, error) {
	o := container.NewOptions(opts...)

	h, err := source.Open(in.Fs(), in.First())
	if err != nil {
		return nil, errors.Wrap(err, "qcow2")
	}

	r, err := newReader(h, o)
	if err != nil {
		h.Close()
		return nil, err
	}

	c := &Container{
		Stream: container.NewStream(Name, in, r, int64(r.hdr.Size), h),
		header: r.hdr,
		reader: r,
	}
	c.SetVolumeSystem(o.VolumeSystem)
	return c, nil
}

// Header returns the parsed header
func (c *Container) Header() *Header {
	return c.header
}

// CacheStats reports the decompressed cluster cache counters
func (c *Container) CacheStats() chunkcache.Stats {
	return c.reader.clusters.Stats()
}

// Describe implements container.Describer
func (c *Container) Describe() map[string]string {
	compression := "deflate"
	if c.header.CompressionType == CompressionZstd {
		compression = "zstd"
	}
	return map[string]string{
		"version":      strconv.FormatUint(uint64(c.header.Version), 10),
		"cluster_size": strconv.FormatInt(c.header.ClusterSize(), 10),
		"snapshots":    strconv.FormatUint(uint64(c.header.SnapshotCount), 10),
		"compression":  compression,
		"dirty":        strconv.FormatBool(c.header.IncompatFeatures&IncompatDirty != 0),
	}
}

type reader struct {
	h           *source.Handle
	hdr         *Header
	clusterSize int64
	l1          []uint64
	l2          *chunkcache.Cache
	clusters    *chunkcache.Cache
	logger      *zap.Logger
}

func newReader(h *source.Handle, o container.Options) (*reader, error) {
	buf := make([]byte, 112)
	n, err := h.ReadAt(buf, 0)
	if n < 72 {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.Wrap(err, "read qcow2 header")
	}
	hdr, err := ParseHeader(buf[:n])
	if err != nil {
		return nil, err
	}
	if err := hdr.validate(); err != nil {
		return nil, err
	}
	if hdr.IncompatFeatures&IncompatDirty != 0 {
		o.Logger.Warn("qcow2 image has the dirty bit set, refcounts may be stale", zap.String("source", h.Name()))
	}

	if hdr.L1Offset > uint64(h.Size()) {
		return nil, errors.Errorf("L1 table offset %d lies beyond the end of the image", hdr.L1Offset)
	}
	raw, err := h.ReadRange(int64(hdr.L1Offset), int64(hdr.L1Size)*8)
	if err != nil {
		return nil, errors.Wrap(err, "read L1 table")
	}
	l1 := make([]uint64, hdr.L1Size)
	for i := range l1 {
		l1[i] = binary.BigEndian.Uint64(raw[i*8:]) & l1OffsetMask
	}

	return &reader{
		h:           h,
		hdr:         hdr,
		clusterSize: hdr.ClusterSize(),
		l1:          l1,
		l2:          chunkcache.New(l2CacheSize),
		clusters:    chunkcache.New(o.ChunkCacheSize),
		logger:      o.Logger,
	}, nil
}

func (r *reader) ReadAt(p []byte, off int64) (int, error) {
	total := 0
	for total < len(p) {
		cluster := off / r.clusterSize
		within := off % r.clusterSize
		n := len(p) - total
		if rem := r.clusterSize - within; int64(n) > rem {
			n = int(rem)
		}
		chunk := p[total : total+n]

		if err := r.readCluster(chunk, uint64(cluster), within); err != nil {
			return total, errors.Wrapf(err, "read cluster %d", cluster)
		}
		total += n
		off += int64(n)
	}
	return total, nil
}

func (r *reader) readCluster(dst []byte, cluster uint64, within int64) error {
	entry, err := r.l2Entry(cluster)
	if err != nil {
		return err
	}

	switch {
	case entry&l2Compressed != 0:
		data, err := r.clusters.Load(cluster, func() ([]byte, error) {
			return r.decompress(entry)
		})
		if err != nil {
			return err
		}
		copy(dst, data[within:])
	case entry&l2ZeroFlag != 0, entry&l2OffsetMask == 0:
		clear(dst)
	default:
		return r.h.ReadFullAt(dst, int64(entry&l2OffsetMask)+within)
	}
	return nil
}

func (r *reader) l2Entry(cluster uint64) (uint64, error) {
	perTable := uint64(r.clusterSize / 8)
	l1Index := cluster / perTable
	if l1Index >= uint64(len(r.l1)) {
		return 0, nil
	}
	tableOffset := r.l1[l1Index]
	if tableOffset == 0 {
		return 0, nil
	}

	table, err := r.l2.Load(tableOffset, func() ([]byte, error) {
		b := make([]byte, r.clusterSize)
		if err := r.h.ReadFullAt(b, int64(tableOffset)); err != nil {
			return nil, errors.Wrap(err, "read L2 table")
		}
		return b, nil
	})
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(table[(cluster%perTable)*8:]), nil
}

func (r *reader) decompress(entry uint64) ([]byte, error) {
	x := 62 - (r.hdr.ClusterBits - 8)
	offset := int64(entry & (uint64(1)<<x - 1))
	sectors := int64((entry>>x)&(uint64(1)<<(r.hdr.ClusterBits-8)-1)) + 1

	length := sectors*512 - offset%512
	if end := r.h.Size(); offset+length > end {
		length = end - offset
	}
	if length <= 0 {
		return nil, errors.Errorf("compressed cluster at %d lies beyond the end of the image", offset)
	}
	compressed := make([]byte, length)
	if err := r.h.ReadFullAt(compressed, offset); err != nil {
		return nil, errors.Wrap(err, "read compressed cluster")
	}

	out := make([]byte, r.clusterSize)
	switch r.hdr.CompressionType {
	case CompressionZstd:
		dec, err := zstd.NewReader(bytes.NewReader(compressed), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, errors.Wrap(err, "zstd")
		}
		defer dec.Close()
		if _, err := io.ReadFull(dec, out); err != nil {
			return nil, errors.Wrap(err, "zstd decompress")
		}
	default:
		fr := flate.NewReader(bytes.NewReader(compressed))
		defer fr.Close()
		if _, err := io.ReadFull(fr, out); err != nil {
			return nil, errors.Wrap(err, "deflate decompress")
		}
	}
	return out, nil
}
