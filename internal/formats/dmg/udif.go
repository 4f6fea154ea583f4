package dmg

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"howett.net/plist"
)

// UDIFSignature is 'koly', the magic of the trailer in the last 512 bytes
const UDIFSignature uint32 = 0x6B6F6C79

// mishSignature is the magic of a blkx chunk table
const mishSignature uint32 = 0x6D697368

const (
	trailerSize   = 512
	sectorSize    = 512
	mishHeaderLen = 204
	mishChunkLen  = 40
)

// Chunk types of a blkx table
const (
	ChunkZeroFill   uint32 = 0x00000000
	ChunkRaw        uint32 = 0x00000001
	ChunkIgnore     uint32 = 0x00000002
	ChunkADC        uint32 = 0x80000004
	ChunkZlib       uint32 = 0x80000005
	ChunkBzip2      uint32 = 0x80000006
	ChunkLZFSE      uint32 = 0x80000007
	ChunkLZMA       uint32 = 0x80000008
	ChunkComment    uint32 = 0x7ffffffe
	ChunkTerminator uint32 = 0xffffffff
)

// Trailer is the UDIF resource file ('koly' block)
type Trailer struct {
	Version        uint32
	HeaderSize     uint32
	Flags          uint32
	DataForkOffset uint64
	DataForkLength uint64
	RsrcForkOffset uint64
	RsrcForkLength uint64
	SegmentNumber  uint32
	SegmentCount   uint32
	XMLOffset      uint64
	XMLLength      uint64
	ImageVariant   uint32
	SectorCount    uint64
}

// ParseTrailer decodes the 512-byte trailer
func ParseTrailer(data []byte) (*Trailer, error) {
	if len(data) < trailerSize {
		return nil, fmt.Errorf("insufficient data for UDIF trailer: %d bytes", len(data))
	}

	signature := binary.BigEndian.Uint32(data[0:4])
	if signature != UDIFSignature {
		return nil, fmt.Errorf("invalid UDIF signature: 0x%08X", signature)
	}

	be := binary.BigEndian
	return &Trailer{
		Version:        be.Uint32(data[4:8]),
		HeaderSize:     be.Uint32(data[8:12]),
		Flags:          be.Uint32(data[12:16]),
		DataForkOffset: be.Uint64(data[24:32]),
		DataForkLength: be.Uint64(data[32:40]),
		RsrcForkOffset: be.Uint64(data[40:48]),
		RsrcForkLength: be.Uint64(data[48:56]),
		SegmentNumber:  be.Uint32(data[56:60]),
		SegmentCount:   be.Uint32(data[60:64]),
		XMLOffset:      be.Uint64(data[216:224]),
		XMLLength:      be.Uint64(data[224:232]),
		ImageVariant:   be.Uint32(data[488:492]),
		SectorCount:    be.Uint64(data[492:500]),
	}, nil
}

// Validate checks the trailer describes an image this package can read
func (t *Trailer) Validate() error {
	if t.HeaderSize != trailerSize {
		return fmt.Errorf("unexpected trailer size: %d", t.HeaderSize)
	}
	if t.SegmentCount > 1 {
		return fmt.Errorf("segmented images (%d segments) are not supported", t.SegmentCount)
	}
	if t.XMLLength == 0 {
		return fmt.Errorf("image has no XML property list; resource-fork only images are not supported")
	}
	return nil
}

// Partition is one blkx entry of the property list
type Partition struct {
	Name       string `plist:"Name"`
	CFName     string `plist:"CFName"`
	ID         string `plist:"ID"`
	Attributes string `plist:"Attributes"`
	Data       []byte `plist:"Data"`
}

type propertyList struct {
	ResourceFork struct {
		Blkx []Partition `plist:"blkx"`
	} `plist:"resource-fork"`
}

// ParsePropertyList extracts the blkx partitions from the XML property list
func ParsePropertyList(data []byte) ([]Partition, error) {
	var pl propertyList
	if _, err := plist.Unmarshal(data, &pl); err != nil {
		return nil, fmt.Errorf("failed to decode property list: %w", err)
	}
	if len(pl.ResourceFork.Blkx) == 0 {
		return nil, fmt.Errorf("property list has no blkx entries")
	}
	return pl.ResourceFork.Blkx, nil
}

// Chunk is one run of sectors inside a blkx table, in absolute sectors and data fork
// relative offsets
type Chunk struct {
	Type             uint32
	SectorNumber     uint64
	SectorCount      uint64
	CompressedOffset uint64
	CompressedLength uint64
}

// ParseBlockTable decodes a 'mish' table and rebases its chunks onto the whole image
func ParseBlockTable(data []byte) ([]Chunk, error) {
	if len(data) < mishHeaderLen {
		return nil, fmt.Errorf("block table too short: %d bytes", len(data))
	}
	be := binary.BigEndian
	if sig := be.Uint32(data[0:4]); sig != mishSignature {
		return nil, fmt.Errorf("invalid block table signature: 0x%08X", sig)
	}

	firstSector := be.Uint64(data[8:16])
	dataOffset := be.Uint64(data[24:32])
	count := int(be.Uint32(data[200:204]))
	if need := mishHeaderLen + count*mishChunkLen; len(data) < need {
		return nil, fmt.Errorf("block table claims %d chunks but holds %d bytes", count, len(data))
	}

	chunks := make([]Chunk, 0, count)
	for i := 0; i < count; i++ {
		c := data[mishHeaderLen+i*mishChunkLen:]
		chunk := Chunk{
			Type:             be.Uint32(c[0:4]),
			SectorNumber:     firstSector + be.Uint64(c[8:16]),
			SectorCount:      be.Uint64(c[16:24]),
			CompressedOffset: dataOffset + be.Uint64(c[24:32]),
			CompressedLength: be.Uint64(c[32:40]),
		}
		if chunk.Type == ChunkTerminator {
			break
		}
		if chunk.Type == ChunkComment || chunk.SectorCount == 0 {
			continue
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// chunkTypeName names a chunk type for error messages
func chunkTypeName(t uint32) string {
	switch t {
	case ChunkZeroFill:
		return "zero-fill"
	case ChunkRaw:
		return "raw"
	case ChunkIgnore:
		return "ignore"
	case ChunkADC:
		return "ADC"
	case ChunkZlib:
		return "zlib"
	case ChunkBzip2:
		return "bzip2"
	case ChunkLZFSE:
		return "LZFSE"
	case ChunkLZMA:
		return "LZMA"
	}
	return fmt.Sprintf("0x%08x", t)
}

var kolyMagic = []byte("koly")

func isTrailer(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], kolyMagic)
}
