// Package vmdk reads VMware virtual disks: monolithic and split sparse extents, stream
// optimized images, and text descriptors over flat, sparse and zero extents.
package vmdk

import (
	"bytes"
	"io"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/deploymenttheory/go-diskimage/internal/source"
	"github.com/deploymenttheory/go-diskimage/pkg/container"
)

// Name is the registry name of the VMDK kind
const Name = "vmdk"

var descriptorMagic = []byte("# Di")

// Kind detects VMDK images and descriptors
type Kind struct{}

// Name implements container.Kind
func (Kind) Name() string { return Name }

// DetectStream matches a sparse extent header (KDMV or COWD) or a text descriptor
func (Kind) DetectStream(r io.ReadSeeker, _ container.Input) (bool, error) {
	b, err := container.Peek(r, 0, io.SeekStart, 4)
	if err != nil {
		return false, err
	}
	return bytes.Equal(b, sparseMagic) || bytes.Equal(b, cowdMagic) || bytes.Equal(b, descriptorMagic), nil
}

// DetectPath matches the .vmdk extension
func (Kind) DetectPath(path string, _ container.Input) (bool, error) {
	return container.HasExtension(path, ".vmdk"), nil
}

// Open implements container.Kind
func (Kind) Open(in container.Input, opts ...container.Option) (container.Container, error) {
	return Open(in, opts...)
}

// Container is an opened VMDK
type Container struct {
	*container.Stream
	descriptor *Descriptor
	sparse     *SparseHeader
	extents    *source.Concat
}

// Open opens the disk described by the first source of in. Extent files named by a
// text descriptor are resolved next to the descriptor.
func Open(in container.Input, opts ...container.Option) (*Container, error) {
	o := container.NewOptions(opts...)

	h, err := source.Open(in.Fs(), in.First())
	if err != nil {
		return nil, errors.Wrap(err, "vmdk")
	}

	handles := []*source.Handle{h}
	c, err := open(in, h, &handles, o)
	if err != nil {
		source.CloseAll(handles)
		return nil, err
	}
	c.Stream = container.NewStream(Name, in, c.extents, c.extents.Size(), source.Closer(handles))
	c.SetVolumeSystem(o.VolumeSystem)
	return c, nil
}

func open(in container.Input, h *source.Handle, handles *[]*source.Handle, o container.Options) (*Container, error) {
	magic := make([]byte, 4)
	if err := h.ReadFullAt(magic, 0); err != nil {
		return nil, errors.Wrap(err, "read vmdk magic")
	}

	switch {
	case bytes.Equal(magic, cowdMagic):
		return nil, errors.New("ESX sparse (COWD) extents are not supported")
	case bytes.Equal(magic, sparseMagic):
		return openSparse(h, o)
	}

	if h.Size() > maxDescriptorSize {
		return nil, errors.Errorf("descriptor of %d bytes exceeds the %d byte limit", h.Size(), maxDescriptorSize)
	}
	text := make([]byte, h.Size())
	if err := h.ReadFullAt(text, 0); err != nil {
		return nil, errors.Wrap(err, "read descriptor")
	}
	d, err := ParseDescriptor(string(text))
	if err != nil {
		return nil, err
	}
	if d.HasParent() {
		return nil, errors.Errorf("differencing disk with parentCID %s requires its parent and is not supported", d.ParentCID)
	}

	first := in.First()
	var dir string
	if !first.IsStream() {
		dir = filepath.Dir(first.Path)
	}

	parts := make([]source.Part, 0, len(d.Extents))
	for i, ed := range d.Extents {
		part, err := openExtent(in, dir, ed, handles, o)
		if err != nil {
			return nil, errors.Wrapf(err, "extent %d (%s)", i, ed.FileName)
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return nil, errors.New("descriptor lists no extents")
	}

	o.Logger.Debug("vmdk descriptor parsed",
		zap.String("create_type", d.CreateType),
		zap.Int("extents", len(parts)),
	)
	return &Container{descriptor: d, extents: source.NewConcat(parts...)}, nil
}

// maxDescriptorSize bounds standalone text descriptors
const maxDescriptorSize = 1024 * 1024

func openSparse(h *source.Handle, o container.Options) (*Container, error) {
	hdr, err := readSparseHeader(h)
	if err != nil {
		return nil, err
	}

	c := &Container{sparse: hdr}
	if hdr.DescriptorOffset != 0 && hdr.DescriptorSize != 0 {
		if hdr.DescriptorSize > maxDescriptorSize/sectorSize || hdr.DescriptorOffset > uint64(h.Size())/sectorSize {
			return nil, errors.Errorf("embedded descriptor of %d sectors at sector %d is out of bounds",
				hdr.DescriptorSize, hdr.DescriptorOffset)
		}
		text, err := h.ReadRange(int64(hdr.DescriptorOffset)*sectorSize, int64(hdr.DescriptorSize)*sectorSize)
		if err != nil {
			return nil, errors.Wrap(err, "read embedded descriptor")
		}
		d, err := ParseDescriptor(string(text))
		if err != nil {
			return nil, errors.Wrap(err, "embedded descriptor")
		}
		if d.HasParent() {
			return nil, errors.Errorf("differencing disk with parentCID %s requires its parent and is not supported", d.ParentCID)
		}
		c.descriptor = d
	}
	if hdr.UncleanShutdown {
		o.Logger.Warn("vmdk extent was not closed cleanly", zap.String("source", h.Name()))
	}

	extent, err := newSparseExtent(h, hdr, int64(hdr.Capacity), o.ChunkCacheSize)
	if err != nil {
		return nil, err
	}
	c.extents = source.NewConcat(extent)
	return c, nil
}

func openExtent(in container.Input, dir string, ed ExtentDescriptor, handles *[]*source.Handle, o container.Options) (source.Part, error) {
	if ed.Sectors < 0 || ed.Sectors > maxSectors || ed.Offset < 0 || ed.Offset > maxSectors {
		return nil, errors.Errorf("extent of %d sectors at sector %d is out of range", ed.Sectors, ed.Offset)
	}
	size := ed.Sectors * sectorSize
	if ed.Type == ExtentZero {
		return &zeroExtent{size: size}, nil
	}

	switch ed.Type {
	case ExtentFlat, ExtentVMFS, ExtentSparse:
	default:
		return nil, errors.Errorf("%s extents are not supported", ed.Type)
	}
	if dir == "" {
		return nil, errors.New("extent files of a stream descriptor cannot be located")
	}

	h, err := source.Open(in.Fs(), container.PathSource(filepath.Join(dir, ed.FileName)))
	if err != nil {
		return nil, err
	}
	*handles = append(*handles, h)

	if ed.Type == ExtentSparse {
		hdr, err := readSparseHeader(h)
		if err != nil {
			return nil, err
		}
		return newSparseExtent(h, hdr, ed.Sectors, o.ChunkCacheSize)
	}

	start := ed.Offset * sectorSize
	if !h.Contains(start, size) {
		return nil, errors.Errorf("flat extent holds %d bytes, descriptor needs %d at offset %d", h.Size(), size, start)
	}
	return &flatExtent{h: h, start: start, size: size}, nil
}

type flatExtent struct {
	h     *source.Handle
	start int64
	size  int64
}

func (e *flatExtent) ReadAt(p []byte, off int64) (int, error) {
	return io.NewSectionReader(e.h, e.start, e.size).ReadAt(p, off)
}

func (e *flatExtent) Size() int64  { return e.size }
func (e *flatExtent) Name() string { return e.h.Name() }

type zeroExtent struct {
	size int64
}

func (e *zeroExtent) ReadAt(p []byte, off int64) (int, error) {
	if off >= e.size {
		return 0, io.EOF
	}
	n := len(p)
	if rem := e.size - off; int64(n) > rem {
		n = int(rem)
	}
	clear(p[:n])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (e *zeroExtent) Size() int64  { return e.size }
func (e *zeroExtent) Name() string { return "zero" }

// Descriptor returns the text descriptor, or nil for a sparse extent without one
func (c *Container) Descriptor() *Descriptor {
	return c.descriptor
}

// SparseHeader returns the header of a directly opened sparse extent, or nil
func (c *Container) SparseHeader() *SparseHeader {
	return c.sparse
}

// Extents returns the files backing the disk in order
func (c *Container) Extents() []string {
	return c.extents.Names()
}

// Describe implements container.Describer
func (c *Container) Describe() map[string]string {
	m := map[string]string{
		"extents": strconv.Itoa(c.extents.Len()),
	}
	if d := c.descriptor; d != nil {
		m["create_type"] = d.CreateType
		m["cid"] = d.CID
		if v, ok := d.DDB["adapterType"]; ok {
			m["adapter_type"] = v
		}
	}
	if h := c.sparse; h != nil {
		m["sparse_version"] = strconv.FormatUint(uint64(h.Version), 10)
		m["grain_size"] = strconv.FormatUint(h.GrainSize*sectorSize, 10)
		m["compressed"] = strconv.FormatBool(h.Compressed())
	}
	return m
}
