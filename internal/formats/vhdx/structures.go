package vhdx

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"unicode/utf16"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/deploymenttheory/go-diskimage/internal/guid"
)

const (
	fileIdentifierSize = 64 * 1024
	headerOffset1      = 64 * 1024
	headerOffset2      = 128 * 1024
	headerSize         = 4 * 1024
	regionTableOffset1 = 192 * 1024
	regionTableOffset2 = 256 * 1024
	regionTableSize    = 64 * 1024

	metadataHeaderSize = 32
	metadataEntrySize  = 32
	regionEntrySize    = 32

	mib = 1024 * 1024
)

var (
	fileSignature     = []byte("vhdxfile")
	headerSignature   = []byte("head")
	regionSignature   = []byte("regi")
	metadataSignature = []byte("metadata")

	castagnoli = crc32.MakeTable(crc32.Castagnoli)
)

// Region and metadata item identifiers
var (
	RegionBAT      = uuid.MustParse("2DC27766-F623-4200-9D64-115E9BFD4A08")
	RegionMetadata = uuid.MustParse("8B7CA206-4790-4B9A-B8FE-575F050F886E")

	ItemFileParameters     = uuid.MustParse("CAA16737-FA36-4D43-B3B6-33F0AA44E76B")
	ItemVirtualDiskSize    = uuid.MustParse("2FA54224-CD1B-4876-B211-5DBED83BF4B8")
	ItemVirtualDiskID      = uuid.MustParse("BECA12AB-B2E6-4523-93EF-C309E000C746")
	ItemLogicalSectorSize  = uuid.MustParse("8141BF1D-A96F-4709-BA47-F233A8FAAB5F")
	ItemPhysicalSectorSize = uuid.MustParse("CDA348C7-445D-4471-9CC9-E9885251C556")
	ItemParentLocator      = uuid.MustParse("A8D35F2D-B30B-454D-ABF7-D3D84834AB0C")
)

// checksum computes the CRC-32C of b with the 4-byte checksum field at off treated as zero
func checksum(b []byte, off int) uint32 {
	h := crc32.New(castagnoli)
	h.Write(b[:off])
	h.Write(make([]byte, 4))
	h.Write(b[off+4:])
	return h.Sum32()
}

func verify(b []byte, what string) error {
	stored := binary.LittleEndian.Uint32(b[4:8])
	if sum := checksum(b, 4); sum != stored {
		return errors.Errorf("%s checksum mismatch: stored 0x%08x, computed 0x%08x", what, stored, sum)
	}
	return nil
}

// Header is one of the two copies of the image header
type Header struct {
	SequenceNumber uint64
	FileWriteGUID  uuid.UUID
	DataWriteGUID  uuid.UUID
	LogGUID        uuid.UUID
	LogVersion     uint16
	Version        uint16
	LogLength      uint32
	LogOffset      uint64
}

// ParseHeader decodes and verifies a 4 KiB header
func ParseHeader(b []byte) (*Header, error) {
	if len(b) < headerSize {
		return nil, errors.Errorf("header too short: %d bytes", len(b))
	}
	b = b[:headerSize]
	if !bytes.Equal(b[0:4], headerSignature) {
		return nil, errors.Errorf("invalid header signature %q", b[0:4])
	}
	if err := verify(b, "header"); err != nil {
		return nil, err
	}

	le := binary.LittleEndian
	return &Header{
		SequenceNumber: le.Uint64(b[8:]),
		FileWriteGUID:  guid.FromMixedEndian(b[16:32]),
		DataWriteGUID:  guid.FromMixedEndian(b[32:48]),
		LogGUID:        guid.FromMixedEndian(b[48:64]),
		LogVersion:     le.Uint16(b[64:]),
		Version:        le.Uint16(b[66:]),
		LogLength:      le.Uint32(b[68:]),
		LogOffset:      le.Uint64(b[72:]),
	}, nil
}

// RegionEntry locates one region of the file
type RegionEntry struct {
	GUID       uuid.UUID
	FileOffset uint64
	Length     uint32
	Required   bool
}

// ParseRegionTable decodes and verifies a 64 KiB region table
func ParseRegionTable(b []byte) ([]RegionEntry, error) {
	if len(b) < regionTableSize {
		return nil, errors.Errorf("region table too short: %d bytes", len(b))
	}
	b = b[:regionTableSize]
	if !bytes.Equal(b[0:4], regionSignature) {
		return nil, errors.Errorf("invalid region table signature %q", b[0:4])
	}
	if err := verify(b, "region table"); err != nil {
		return nil, err
	}

	count := binary.LittleEndian.Uint32(b[8:])
	if limit := uint32((regionTableSize - 16) / regionEntrySize); count > limit {
		return nil, errors.Errorf("region table claims %d entries, at most %d fit", count, limit)
	}

	entries := make([]RegionEntry, count)
	for i := range entries {
		e := b[16+i*regionEntrySize:]
		entries[i] = RegionEntry{
			GUID:       guid.FromMixedEndian(e[0:16]),
			FileOffset: binary.LittleEndian.Uint64(e[16:]),
			Length:     binary.LittleEndian.Uint32(e[24:]),
			Required:   binary.LittleEndian.Uint32(e[28:])&1 != 0,
		}
	}
	return entries, nil
}

// MetadataEntry locates one metadata item relative to the metadata region
type MetadataEntry struct {
	ItemID        uuid.UUID
	Offset        uint32
	Length        uint32
	IsUser        bool
	IsVirtualDisk bool
	IsRequired    bool
}

// ParseMetadataTable decodes the metadata table header and entries
func ParseMetadataTable(b []byte) ([]MetadataEntry, error) {
	if len(b) < metadataHeaderSize {
		return nil, errors.Errorf("metadata table too short: %d bytes", len(b))
	}
	if !bytes.Equal(b[0:8], metadataSignature) {
		return nil, errors.Errorf("invalid metadata signature %q", b[0:8])
	}
	count := int(binary.LittleEndian.Uint16(b[10:]))
	if need := metadataHeaderSize + count*metadataEntrySize; len(b) < need {
		return nil, errors.Errorf("metadata table claims %d entries but holds %d bytes", count, len(b))
	}

	entries := make([]MetadataEntry, count)
	for i := range entries {
		e := b[metadataHeaderSize+i*metadataEntrySize:]
		flags := binary.LittleEndian.Uint32(e[24:])
		entries[i] = MetadataEntry{
			ItemID:        guid.FromMixedEndian(e[0:16]),
			Offset:        binary.LittleEndian.Uint32(e[16:]),
			Length:        binary.LittleEndian.Uint32(e[20:]),
			IsUser:        flags&1 != 0,
			IsVirtualDisk: flags&2 != 0,
			IsRequired:    flags&4 != 0,
		}
	}
	return entries, nil
}

// decodeUTF16LE decodes a UTF-16 little-endian string, stopping at the first NUL
func decodeUTF16LE(b []byte) string {
	u16s := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		val := binary.LittleEndian.Uint16(b[i : i+2])
		if val == 0 {
			break
		}
		u16s = append(u16s, val)
	}
	return string(utf16.Decode(u16s))
}
