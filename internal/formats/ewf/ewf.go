// Package ewf reads Expert Witness Format (EnCase E01 and SMART S01) evidence files,
// single or split across segments.
package ewf

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"
	"strconv"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/deploymenttheory/go-diskimage/internal/chunkcache"
	"github.com/deploymenttheory/go-diskimage/internal/source"
	"github.com/deploymenttheory/go-diskimage/pkg/container"
)

// Name is the registry name of the EWF kind
const Name = "ewf"

const tableCacheSize = 4 * 1024 * 1024

var headerFields = map[string]string{
	"c":  "case_number",
	"n":  "evidence_number",
	"a":  "description",
	"e":  "examiner",
	"t":  "notes",
	"av": "acquisition_version",
	"ov": "acquisition_os",
	"m":  "acquired",
	"u":  "system_date",
}

// Kind detects EWF segment files
type Kind struct{}

// Name implements container.Kind
func (Kind) Name() string { return Name }

// DetectStream matches the EVF, LVF and LEF signatures
func (Kind) DetectStream(r io.ReadSeeker, _ container.Input) (bool, error) {
	b, err := container.Peek(r, 0, io.SeekStart, 3)
	if err != nil {
		return false, err
	}
	switch string(b) {
	case "EVF", "LVF", "LEF":
		return true, nil
	}
	return false, nil
}

// DetectPath matches the first-segment extensions
func (Kind) DetectPath(path string, _ container.Input) (bool, error) {
	return container.HasExtension(path, ".e01", ".s01", ".l01", ".ex01", ".lx01"), nil
}

// Open implements container.Kind
func (Kind) Open(in container.Input, opts ...container.Option) (container.Container, error) {
	return Open(in, opts...)
}

// Container is an opened EWF image
type Container struct {
	*container.Stream
	segments []*segment
	volume   *Volume
	reader   *reader
}

// Open opens every segment of the image. A list input is taken as the complete ordered
// segment set; a single path is expanded to its numbered siblings.
func Open(in container.Input, opts ...container.Option) (*Container, error) {
	o := container.NewOptions(opts...)

	segmentsIn := in
	if !in.IsSegmented() && !in.First().IsStream() {
		paths, err := FindSegments(in.Fs(), in.First().Path)
		if err != nil {
			return nil, errors.Wrap(err, "find ewf segments")
		}
		srcs := make([]container.Source, 0, len(paths))
		for _, p := range paths {
			srcs = append(srcs, container.PathSource(p))
		}
		segmentsIn = container.Segmented(srcs...).WithFs(in.Fs())
	}

	handles, err := source.OpenAll(segmentsIn)
	if err != nil {
		return nil, errors.Wrap(err, "ewf")
	}

	c, err := open(handles, o)
	if err != nil {
		source.CloseAll(handles)
		return nil, err
	}
	c.Stream = container.NewStream(Name, in, c.reader, c.volume.MediaSize(), source.Closer(handles))
	c.SetVolumeSystem(o.VolumeSystem)
	return c, nil
}

func open(handles []*source.Handle, o container.Options) (*Container, error) {
	c := &Container{}
	for i, h := range handles {
		seg, err := readSegment(h, i, o.Logger)
		if err != nil {
			return nil, errors.Wrapf(err, "segment %s", h.Name())
		}
		c.segments = append(c.segments, seg)
		if seg.done {
			if i != len(handles)-1 {
				o.Logger.Debug("ignoring ewf segments after the done section", zap.Int("segments", len(handles)-i-1))
			}
			break
		}
	}

	last := c.segments[len(c.segments)-1]
	if !last.done {
		return nil, errors.Errorf("segment %s is not the last one; missing segment %d", last.handle.Name(), len(c.segments)+1)
	}

	c.volume = c.segments[0].volume
	if c.volume == nil {
		return nil, errors.New("first segment has no volume section")
	}

	var tables []table
	var chunks int64
	for _, seg := range c.segments {
		for _, t := range seg.tables {
			t.firstChunk = chunks
			chunks += t.count
			tables = append(tables, t)
		}
	}
	chunkSize := c.volume.ChunkSize()
	need := c.volume.MediaSize() / chunkSize
	if c.volume.MediaSize()%chunkSize != 0 {
		need++
	}
	if chunks < need {
		return nil, errors.Errorf("tables reference %d chunks, media needs %d", chunks, need)
	}

	c.reader = &reader{
		handles:   handles,
		tables:    tables,
		chunkSize: chunkSize,
		size:      c.volume.MediaSize(),
		entries:   chunkcache.New(tableCacheSize),
		chunks:    chunkcache.New(o.ChunkCacheSize),
	}
	return c, nil
}

// Volume returns the media geometry
func (c *Container) Volume() *Volume {
	return c.volume
}

// Segments returns the segment file names in order
func (c *Container) Segments() []string {
	names := make([]string, 0, len(c.segments))
	for _, s := range c.segments {
		names = append(names, s.handle.Name())
	}
	return names
}

// Header returns the acquisition metadata of the first segment, keyed by EWF field id
func (c *Container) Header() map[string]string {
	return c.segments[0].header
}

// MD5 returns the stored media hash in hex, or "" when the image carries none
func (c *Container) MD5() string {
	for _, s := range c.segments {
		if s.md5 != "" {
			return s.md5
		}
	}
	return ""
}

// CacheStats reports the decompressed chunk cache counters
func (c *Container) CacheStats() chunkcache.Stats {
	return c.reader.chunks.Stats()
}

// Describe implements container.Describer
func (c *Container) Describe() map[string]string {
	m := map[string]string{
		"segments":         strconv.Itoa(len(c.segments)),
		"chunk_size":       strconv.FormatInt(c.volume.ChunkSize(), 10),
		"bytes_per_sector": strconv.FormatUint(uint64(c.volume.BytesPerSector), 10),
		"sector_count":     strconv.FormatUint(c.volume.SectorCount, 10),
	}
	if c.volume.SMART {
		m["variant"] = "smart"
	} else {
		m["variant"] = "encase"
		m["set_identifier"] = c.volume.SetIdentifier.String()
	}
	if md5 := c.MD5(); md5 != "" {
		m["md5"] = md5
	}
	for k, v := range c.Header() {
		if name, ok := headerFields[k]; ok {
			m[name] = v
		}
	}
	return m
}

// reader resolves chunks through the table sections of every segment
type reader struct {
	handles   []*source.Handle
	tables    []table
	chunkSize int64
	size      int64
	entries   *chunkcache.Cache
	chunks    *chunkcache.Cache
}

func (r *reader) ReadAt(p []byte, off int64) (int, error) {
	total := 0
	for total < len(p) && off < r.size {
		chunk := off / r.chunkSize
		within := off % r.chunkSize
		n := len(p) - total
		if rem := r.chunkSize - within; int64(n) > rem {
			n = int(rem)
		}
		if rem := r.size - off; int64(n) > rem {
			n = int(rem)
		}

		if err := r.readChunk(p[total:total+n], chunk, within); err != nil {
			return total, errors.Wrapf(err, "read chunk %d", chunk)
		}
		total += n
		off += int64(n)
	}
	if total < len(p) {
		return total, io.EOF
	}
	return total, nil
}

type chunkLocation struct {
	handle     *source.Handle
	offset     int64
	size       int64
	compressed bool
}

func (r *reader) locate(chunk int64) (chunkLocation, error) {
	ti := sort.Search(len(r.tables), func(i int) bool {
		return r.tables[i].firstChunk+r.tables[i].count > chunk
	})
	if ti == len(r.tables) {
		return chunkLocation{}, errors.New("chunk not referenced by any table")
	}
	t := r.tables[ti]
	h := r.handles[t.segment]

	raw, err := r.entries.Load(uint64(ti), func() ([]byte, error) {
		b := make([]byte, t.count*4)
		if err := h.ReadFullAt(b, t.entriesOff); err != nil {
			return nil, errors.Wrap(err, "read table entries")
		}
		return b, nil
	})
	if err != nil {
		return chunkLocation{}, err
	}

	j := chunk - t.firstChunk
	entry := binary.LittleEndian.Uint32(raw[j*4:])
	loc := chunkLocation{
		handle:     h,
		offset:     t.base + int64(entry&0x7fffffff),
		compressed: entry&0x80000000 != 0,
	}
	end := t.end
	if j+1 < t.count {
		end = t.base + int64(binary.LittleEndian.Uint32(raw[(j+1)*4:])&0x7fffffff)
	}
	loc.size = end - loc.offset
	if loc.size <= 0 || !h.Contains(loc.offset, loc.size) {
		return chunkLocation{}, errors.Errorf("chunk has invalid extent %d..%d in %s", loc.offset, end, h.Name())
	}
	return loc, nil
}

func (r *reader) readChunk(dst []byte, chunk, within int64) error {
	loc, err := r.locate(chunk)
	if err != nil {
		return err
	}
	if !loc.compressed {
		return loc.handle.ReadFullAt(dst, loc.offset+within)
	}

	data, err := r.chunks.Load(uint64(chunk), func() ([]byte, error) {
		compressed, err := loc.handle.ReadRange(loc.offset, loc.size)
		if err != nil {
			return nil, err
		}
		zr, err := zlib.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, errors.Wrap(err, "zlib")
		}
		defer zr.Close()

		out := make([]byte, r.chunkSize)
		n, err := io.ReadFull(zr, out)
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, errors.Wrap(err, "inflate chunk")
		}
		return out[:n], nil
	})
	if err != nil {
		return err
	}
	if int64(len(data)) < within+int64(len(dst)) {
		return errors.Errorf("chunk decompressed to %d bytes, need %d", len(data), within+int64(len(dst)))
	}
	copy(dst, data[within:])
	return nil
}
