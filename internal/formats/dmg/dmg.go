// Package dmg reads Apple UDIF disk images (.dmg) with raw, zero-fill, zlib and bzip2
// chunks.
package dmg

import (
	"bytes"
	"compress/bzip2"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/deploymenttheory/go-diskimage/internal/chunkcache"
	"github.com/deploymenttheory/go-diskimage/internal/source"
	"github.com/deploymenttheory/go-diskimage/pkg/container"
)

// Name is the registry name of the DMG kind
const Name = "dmg"

const maxPropertyListSize = 64 * 1024 * 1024

// Kind detects UDIF images
type Kind struct{}

// Name implements container.Kind
func (Kind) Name() string { return Name }

// DetectStream looks for the koly trailer in the last 512 bytes
func (Kind) DetectStream(r io.ReadSeeker, _ container.Input) (bool, error) {
	size, err := container.StreamSize(r)
	if err != nil {
		return false, err
	}
	if size < trailerSize {
		return false, nil
	}
	b, err := container.Peek(r, -trailerSize, io.SeekEnd, 4)
	if err != nil {
		return false, err
	}
	return isTrailer(b), nil
}

// DetectPath matches the .dmg extension
func (Kind) DetectPath(path string, _ container.Input) (bool, error) {
	return container.HasExtension(path, ".dmg"), nil
}

// Open implements container.Kind
func (Kind) Open(in container.Input, opts ...container.Option) (container.Container, error) {
	return Open(in, opts...)
}

// Container is an opened UDIF image
type Container struct {
	*container.Stream
	trailer    *Trailer
	partitions []Partition
	reader     *reader
}

// Open opens a single-segment UDIF image
func Open(in container.Input, opts ...container.Option) (*Container, error) {
	o := container.NewOptions(opts...)

	h, err := source.Open(in.Fs(), in.First())
	if err != nil {
		return nil, errors.Wrap(err, "dmg")
	}

	c, err := open(h, o)
	if err != nil {
		h.Close()
		return nil, err
	}
	c.Stream = container.NewStream(Name, in, c.reader, c.reader.size, h)
	c.SetVolumeSystem(o.VolumeSystem)
	return c, nil
}

func open(h *source.Handle, o container.Options) (*Container, error) {
	if h.Size() < trailerSize {
		return nil, errors.Errorf("file too small for DMG: %d bytes", h.Size())
	}
	buf := make([]byte, trailerSize)
	if err := h.ReadFullAt(buf, h.Size()-trailerSize); err != nil {
		return nil, errors.Wrap(err, "read trailer")
	}
	trailer, err := ParseTrailer(buf)
	if err != nil {
		return nil, err
	}
	if err := trailer.Validate(); err != nil {
		return nil, err
	}

	if trailer.XMLLength > maxPropertyListSize {
		return nil, errors.Errorf("property list of %d bytes is too large", trailer.XMLLength)
	}
	xml := make([]byte, trailer.XMLLength)
	if err := h.ReadFullAt(xml, int64(trailer.XMLOffset)); err != nil {
		return nil, errors.Wrap(err, "read property list")
	}
	partitions, err := ParsePropertyList(xml)
	if err != nil {
		return nil, err
	}

	var chunks []Chunk
	for _, p := range partitions {
		table, err := ParseBlockTable(p.Data)
		if err != nil {
			return nil, errors.Wrapf(err, "partition %q", p.Name)
		}
		for _, ch := range table {
			switch ch.Type {
			case ChunkZeroFill, ChunkRaw, ChunkIgnore, ChunkZlib, ChunkBzip2:
			default:
				return nil, errors.Errorf("partition %q uses %s compression, which is not supported",
					p.Name, chunkTypeName(ch.Type))
			}
			ch.CompressedOffset += trailer.DataForkOffset
			chunks = append(chunks, ch)
		}
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].SectorNumber < chunks[j].SectorNumber })

	size := int64(trailer.SectorCount) * sectorSize
	if n := len(chunks); n > 0 {
		if end := int64(chunks[n-1].SectorNumber+chunks[n-1].SectorCount) * sectorSize; end > size {
			o.Logger.Debug("dmg chunks extend past the trailer sector count",
				zap.Uint64("sectors", trailer.SectorCount),
				zap.Int64("end", end),
			)
			size = end
		}
	}

	return &Container{
		trailer:    trailer,
		partitions: partitions,
		reader: &reader{
			h:      h,
			chunks: chunks,
			size:   size,
			cache:  chunkcache.New(o.ChunkCacheSize),
		},
	}, nil
}

// Trailer returns the parsed koly trailer
func (c *Container) Trailer() *Trailer {
	return c.trailer
}

// Partitions returns the blkx entries of the property list
func (c *Container) Partitions() []Partition {
	return c.partitions
}

// Describe implements container.Describer
func (c *Container) Describe() map[string]string {
	names := make([]string, 0, len(c.partitions))
	for _, p := range c.partitions {
		names = append(names, p.Name)
	}
	return map[string]string{
		"version":    strconv.FormatUint(uint64(c.trailer.Version), 10),
		"variant":    strconv.FormatUint(uint64(c.trailer.ImageVariant), 10),
		"partitions": strings.Join(names, ","),
		"chunks":     strconv.Itoa(len(c.reader.chunks)),
	}
}

type reader struct {
	h      *source.Handle
	chunks []Chunk
	size   int64
	cache  *chunkcache.Cache
}

func (r *reader) ReadAt(p []byte, off int64) (int, error) {
	total := 0
	for total < len(p) && off < r.size {
		sector := uint64(off / sectorSize)
		idx := sort.Search(len(r.chunks), func(i int) bool {
			return r.chunks[i].SectorNumber+r.chunks[i].SectorCount > sector
		})

		n := len(p) - total
		if rem := r.size - off; int64(n) > rem {
			n = int(rem)
		}
		dst := p[total : total+n]

		// sectors before the next chunk, or past the last one, read as zeros
		if idx == len(r.chunks) || r.chunks[idx].SectorNumber > sector {
			if idx < len(r.chunks) {
				if gap := int64(r.chunks[idx].SectorNumber)*sectorSize - off; int64(len(dst)) > gap {
					dst = dst[:gap]
				}
			}
			clear(dst)
		} else {
			ch := r.chunks[idx]
			within := off - int64(ch.SectorNumber)*sectorSize
			if rem := int64(ch.SectorCount)*sectorSize - within; int64(len(dst)) > rem {
				dst = dst[:rem]
			}
			if err := r.readChunk(dst, idx, within); err != nil {
				return total, errors.Wrapf(err, "read %s chunk at sector %d", chunkTypeName(ch.Type), ch.SectorNumber)
			}
		}
		total += len(dst)
		off += int64(len(dst))
	}
	if total < len(p) {
		return total, io.EOF
	}
	return total, nil
}

func (r *reader) readChunk(dst []byte, idx int, within int64) error {
	ch := r.chunks[idx]
	switch ch.Type {
	case ChunkZeroFill, ChunkIgnore:
		clear(dst)
		return nil
	case ChunkRaw:
		return r.h.ReadFullAt(dst, int64(ch.CompressedOffset)+within)
	}

	data, err := r.cache.Load(uint64(idx), func() ([]byte, error) {
		compressed := make([]byte, ch.CompressedLength)
		if err := r.h.ReadFullAt(compressed, int64(ch.CompressedOffset)); err != nil {
			return nil, err
		}

		var zr io.Reader
		if ch.Type == ChunkZlib {
			z, err := zlib.NewReader(bytes.NewReader(compressed))
			if err != nil {
				return nil, errors.Wrap(err, "zlib")
			}
			defer z.Close()
			zr = z
		} else {
			zr = bzip2.NewReader(bytes.NewReader(compressed))
		}

		out := make([]byte, ch.SectorCount*sectorSize)
		if _, err := io.ReadFull(zr, out); err != nil {
			return nil, errors.Wrap(err, "decompress")
		}
		return out, nil
	})
	if err != nil {
		return err
	}
	copy(dst, data[within:])
	return nil
}
