package ewf

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"hash/adler32"
	"io"
	"math"
	"strings"
	"unicode/utf16"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/deploymenttheory/go-diskimage/internal/guid"
	"github.com/deploymenttheory/go-diskimage/internal/source"
)

const (
	fileHeaderSize        = 13
	sectionDescriptorSize = 76
	tableHeaderSize       = 24
	smartVolumeSize       = 94
	maxVolumeSectionSize  = 64 * 1024
	maxHeaderSectionSize  = 16 * 1024 * 1024
	hashSectionSize       = 16

	// MaxChunkSize bounds the chunk geometry accepted from a volume section
	MaxChunkSize = 64 * 1024 * 1024
)

var (
	evfSignature  = []byte("EVF\x09\x0d\x0a\xff\x00")
	lvfSignature  = []byte("LVF\x09\x0d\x0a\xff\x00")
	evf2Signature = []byte("EVF2\x0d\x0a\x81\x00")
	lef2Signature = []byte("LEF2\x0d\x0a\x81\x00")
)

// Section is one section descriptor
type Section struct {
	Type   string
	Offset int64
	Next   int64
	Size   int64
}

// DataOffset is where the section payload starts
func (s Section) DataOffset() int64 {
	return s.Offset + sectionDescriptorSize
}

// DataSize is the payload size
func (s Section) DataSize() int64 {
	return s.Size - sectionDescriptorSize
}

// End is the first byte after the section
func (s Section) End() int64 {
	return s.Offset + s.Size
}

// Volume holds the media geometry from the volume, disk or data section
type Volume struct {
	MediaType       uint8
	ChunkCount      uint32
	SectorsPerChunk uint32
	BytesPerSector  uint32
	SectorCount     uint64
	SetIdentifier   uuid.UUID
	SMART           bool
}

// ChunkSize is the logical size of a chunk
func (v *Volume) ChunkSize() int64 {
	return int64(v.SectorsPerChunk) * int64(v.BytesPerSector)
}

// MediaSize is the logical size of the acquired media
func (v *Volume) MediaSize() int64 {
	return int64(v.SectorCount) * int64(v.BytesPerSector)
}

// ParseVolume decodes a volume section payload in either the EnCase or the SMART layout
func ParseVolume(b []byte) (*Volume, error) {
	if len(b) < smartVolumeSize {
		return nil, errors.Errorf("volume section too short: %d bytes", len(b))
	}
	le := binary.LittleEndian
	v := &Volume{
		ChunkCount:      le.Uint32(b[4:]),
		SectorsPerChunk: le.Uint32(b[8:]),
		BytesPerSector:  le.Uint32(b[12:]),
	}
	if len(b) == smartVolumeSize {
		v.SMART = true
		v.SectorCount = uint64(le.Uint32(b[16:]))
	} else {
		if len(b) < 80 {
			return nil, errors.Errorf("volume section too short: %d bytes", len(b))
		}
		v.MediaType = b[0]
		v.SectorCount = le.Uint64(b[16:])
		v.SetIdentifier = guid.FromMixedEndian(b[64:80])
	}

	if v.SectorsPerChunk == 0 || v.BytesPerSector == 0 {
		return nil, errors.Errorf("invalid geometry: %d sectors per chunk, %d bytes per sector",
			v.SectorsPerChunk, v.BytesPerSector)
	}
	if size := uint64(v.SectorsPerChunk) * uint64(v.BytesPerSector); size > MaxChunkSize {
		return nil, errors.Errorf("chunk size %d exceeds the %d byte limit", size, MaxChunkSize)
	}
	if v.SectorCount > math.MaxInt64/uint64(v.BytesPerSector) {
		return nil, errors.Errorf("media of %d sectors of %d bytes is too large", v.SectorCount, v.BytesPerSector)
	}
	return v, nil
}

// table is one table section: a run of chunk offsets relative to base
type table struct {
	segment    int
	firstChunk int64
	count      int64
	base       int64
	entriesOff int64
	end        int64 // end of the last chunk's data
}

// segment is the parsed structure of one segment file
type segment struct {
	handle   *source.Handle
	number   uint16
	sections []Section
	volume   *Volume
	header   map[string]string
	md5      string
	tables   []table
	done     bool
}

// readSegment walks the section chain of one segment file
func readSegment(h *source.Handle, index int, logger *zap.Logger) (*segment, error) {
	fh := make([]byte, fileHeaderSize)
	if err := h.ReadFullAt(fh, 0); err != nil {
		return nil, errors.Wrap(err, "read file header")
	}
	switch {
	case bytes.Equal(fh[:8], evfSignature):
	case bytes.Equal(fh[:8], lvfSignature):
		return nil, errors.New("logical evidence files (L01) hold files, not media, and are not supported")
	case bytes.Equal(fh[:8], evf2Signature), bytes.Equal(fh[:8], lef2Signature):
		return nil, errors.New("EWF2 (Ex01/Lx01) segments are not supported")
	default:
		return nil, errors.Errorf("invalid segment signature %q", fh[:8])
	}

	seg := &segment{handle: h, number: binary.LittleEndian.Uint16(fh[9:])}
	if int(seg.number) != index+1 {
		logger.Debug("ewf segment number does not match its position",
			zap.String("segment", h.Name()),
			zap.Uint16("number", seg.number),
			zap.Int("position", index+1),
		)
	}

	var sectorsEnd int64 = -1
	off := int64(fileHeaderSize)
	desc := make([]byte, sectionDescriptorSize)
	for {
		if off+sectionDescriptorSize > h.Size() {
			return nil, errors.Errorf("section chain runs past the end of the segment at offset %d", off)
		}
		if err := h.ReadFullAt(desc, off); err != nil {
			return nil, errors.Wrap(err, "read section descriptor")
		}
		if stored, sum := binary.LittleEndian.Uint32(desc[72:]), adler32.Checksum(desc[:72]); stored != sum {
			logger.Debug("ewf section descriptor checksum mismatch",
				zap.String("segment", h.Name()),
				zap.Int64("offset", off),
			)
		}

		s := Section{
			Type:   string(bytes.TrimRight(desc[:16], "\x00")),
			Offset: off,
			Next:   int64(binary.LittleEndian.Uint64(desc[16:])),
			Size:   int64(binary.LittleEndian.Uint64(desc[24:])),
		}
		seg.sections = append(seg.sections, s)

		switch s.Type {
		case "header", "header2":
			if seg.header == nil {
				hdr, err := readHeaderSection(h, s)
				if err != nil {
					return nil, errors.Wrapf(err, "%s section", s.Type)
				}
				seg.header = hdr
			}
		case "volume", "disk", "data":
			if seg.volume == nil {
				buf, err := readPayload(h, s, maxVolumeSectionSize)
				if err != nil {
					return nil, err
				}
				v, err := ParseVolume(buf)
				if err != nil {
					return nil, err
				}
				seg.volume = v
			}
		case "sectors":
			if err := checkSection(h, s, h.Size()); err != nil {
				return nil, err
			}
			sectorsEnd = s.End()
		case "table":
			t, err := readTable(h, s, sectorsEnd)
			if err != nil {
				return nil, err
			}
			t.segment = index
			seg.tables = append(seg.tables, t)
		case "hash":
			buf, err := readPayload(h, s, maxVolumeSectionSize)
			if err != nil {
				return nil, err
			}
			if len(buf) < hashSectionSize {
				return nil, errors.Errorf("hash section holds %d bytes", len(buf))
			}
			seg.md5 = hex.EncodeToString(buf[:hashSectionSize])
		case "done":
			seg.done = true
			return seg, nil
		case "next":
			return seg, nil
		}

		if s.Next <= off {
			return nil, errors.Errorf("section %q at %d does not advance the chain", s.Type, off)
		}
		off = s.Next
	}
}

// checkSection verifies the payload of s is non-empty, lies inside the segment and holds
// at most limit bytes
func checkSection(h *source.Handle, s Section, limit int64) error {
	n := s.DataSize()
	if n <= 0 || n > limit || !h.Contains(s.DataOffset(), n) {
		return errors.Errorf("%s section at %d has invalid size %d", s.Type, s.Offset, s.Size)
	}
	return nil
}

// readPayload reads the data of s after checkSection
func readPayload(h *source.Handle, s Section, limit int64) ([]byte, error) {
	if err := checkSection(h, s, limit); err != nil {
		return nil, err
	}
	buf, err := h.ReadRange(s.DataOffset(), s.DataSize())
	if err != nil {
		return nil, errors.Wrapf(err, "read %s section", s.Type)
	}
	return buf, nil
}

func readTable(h *source.Handle, s Section, sectorsEnd int64) (table, error) {
	if err := checkSection(h, s, h.Size()); err != nil {
		return table{}, err
	}
	if s.DataSize() < tableHeaderSize {
		return table{}, errors.Errorf("table at %d holds %d bytes, too short for its header", s.Offset, s.DataSize())
	}
	hdr := make([]byte, tableHeaderSize)
	if err := h.ReadFullAt(hdr, s.DataOffset()); err != nil {
		return table{}, errors.Wrap(err, "read table header")
	}
	t := table{
		count:      int64(binary.LittleEndian.Uint32(hdr[0:])),
		base:       int64(binary.LittleEndian.Uint64(hdr[8:])),
		entriesOff: s.DataOffset() + tableHeaderSize,
	}
	if t.count*4 > s.DataSize()-tableHeaderSize {
		return table{}, errors.Errorf("table at %d claims %d entries but holds %d bytes", s.Offset, t.count, s.DataSize())
	}

	// the last chunk runs to the end of the preceding sectors section, or to the end of
	// the table itself when the chunks are stored inline
	t.end = sectorsEnd
	if t.end < 0 {
		t.end = s.End()
	}
	return t, nil
}

func readHeaderSection(h *source.Handle, s Section) (map[string]string, error) {
	buf, err := readPayload(h, s, maxHeaderSectionSize)
	if err != nil {
		return nil, err
	}
	zr, err := zlib.NewReader(bytes.NewReader(buf))
	if err != nil {
		return nil, errors.Wrap(err, "zlib")
	}
	defer zr.Close()
	text, err := io.ReadAll(io.LimitReader(zr, maxHeaderSectionSize))
	if err != nil {
		return nil, errors.Wrap(err, "inflate")
	}

	if s.Type == "header2" {
		text = []byte(decodeUTF16(text))
	}
	return parseHeaderText(string(text)), nil
}

// decodeUTF16 decodes little-endian UTF-16 with an optional byte order mark
func decodeUTF16(b []byte) string {
	b = bytes.TrimPrefix(b, []byte{0xff, 0xfe})
	u16s := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		u16s = append(u16s, binary.LittleEndian.Uint16(b[i:]))
	}
	return string(utf16.Decode(u16s))
}

// parseHeaderText reads the tab-separated key and value lines that follow the "main"
// category line
func parseHeaderText(text string) map[string]string {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}

	values := map[string]string{}
	for i, line := range lines {
		if line != "main" || i+2 >= len(lines) {
			continue
		}
		keys := strings.Split(lines[i+1], "\t")
		vals := strings.Split(lines[i+2], "\t")
		for j, k := range keys {
			if j < len(vals) && vals[j] != "" {
				values[k] = vals[j]
			}
		}
		break
	}
	return values
}
