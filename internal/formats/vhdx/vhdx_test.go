package vhdx

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"unicode/utf16"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-diskimage/internal/guid"
	"github.com/deploymenttheory/go-diskimage/pkg/container"
)

const (
	testBlockSize = mib
	testDiskSize  = 2*mib + mib/2
	batOffset     = 320 * 1024
	metaOffset    = 384 * 1024
	metaLength    = 128 * 1024
	dataOffset    = mib
)

var diskID = uuid.MustParse("6f1c9b0e-2a4d-4e8f-9b3c-0d1e2f3a4b5c")

type imageOptions struct {
	logGUID    uuid.UUID
	fileFlags  uint32
	extraItem  *uuid.UUID
	skipHeader bool

	// zero values mean the defaults of buildImage
	blockSize      uint32
	diskSize       uint64
	metaRegionSize uint32
}

func putHeader(img []byte, off int, seq uint64, logGUID uuid.UUID) {
	b := img[off : off+headerSize]
	copy(b, headerSignature)
	binary.LittleEndian.PutUint64(b[8:], seq)
	copy(b[48:], guid.ToMixedEndian(logGUID))
	binary.LittleEndian.PutUint16(b[66:], 1)
	binary.LittleEndian.PutUint32(b[4:], checksum(b, 4))
}

func putMetadataEntry(table []byte, i int, id uuid.UUID, offset, length, flags uint32) {
	e := table[metadataHeaderSize+i*metadataEntrySize:]
	copy(e, guid.ToMixedEndian(id))
	binary.LittleEndian.PutUint32(e[16:], offset)
	binary.LittleEndian.PutUint32(e[20:], length)
	binary.LittleEndian.PutUint32(e[24:], flags)
}

// buildImage returns a 2.5 MiB dynamic disk with 1 MiB blocks: block 0 is present at
// 1 MiB, block 1 is a zero block, block 2 is not present.
func buildImage(opts imageOptions) []byte {
	img := make([]byte, 2*mib)
	le := binary.LittleEndian

	copy(img, fileSignature)
	for i, u := range utf16.Encode([]rune("go-diskimage test")) {
		le.PutUint16(img[8+i*2:], u)
	}

	putHeader(img, headerOffset1, 1, opts.logGUID)
	if !opts.skipHeader {
		putHeader(img, headerOffset2, 2, opts.logGUID)
	}

	rt := img[regionTableOffset1 : regionTableOffset1+regionTableSize]
	copy(rt, regionSignature)
	le.PutUint32(rt[8:], 2)
	copy(rt[16:], guid.ToMixedEndian(RegionBAT))
	le.PutUint64(rt[32:], batOffset)
	le.PutUint32(rt[40:], 64*1024)
	le.PutUint32(rt[44:], 1)
	copy(rt[48:], guid.ToMixedEndian(RegionMetadata))
	le.PutUint64(rt[64:], metaOffset)
	metaRegionSize := uint32(metaLength)
	if opts.metaRegionSize != 0 {
		metaRegionSize = opts.metaRegionSize
	}
	le.PutUint32(rt[72:], metaRegionSize)
	le.PutUint32(rt[76:], 1)
	le.PutUint32(rt[4:], checksum(rt, 4))

	le.PutUint64(img[batOffset:], uint64(dataOffset/mib)<<20|BlockFullyPresent)
	le.PutUint64(img[batOffset+8:], BlockZero)
	le.PutUint64(img[batOffset+16:], BlockNotPresent)

	meta := img[metaOffset : metaOffset+metaLength]
	copy(meta, metadataSignature)
	items := 5
	if opts.extraItem != nil {
		items++
	}
	le.PutUint16(meta[10:], uint16(items))

	const itemBase = 64 * 1024
	putMetadataEntry(meta, 0, ItemFileParameters, itemBase, 8, 4)
	blockSize := uint32(testBlockSize)
	if opts.blockSize != 0 {
		blockSize = opts.blockSize
	}
	le.PutUint32(meta[itemBase:], blockSize)
	le.PutUint32(meta[itemBase+4:], opts.fileFlags)

	putMetadataEntry(meta, 1, ItemVirtualDiskSize, itemBase+8, 8, 6)
	diskSize := uint64(testDiskSize)
	if opts.diskSize != 0 {
		diskSize = opts.diskSize
	}
	le.PutUint64(meta[itemBase+8:], diskSize)

	putMetadataEntry(meta, 2, ItemVirtualDiskID, itemBase+16, 16, 6)
	copy(meta[itemBase+16:], guid.ToMixedEndian(diskID))

	putMetadataEntry(meta, 3, ItemLogicalSectorSize, itemBase+32, 4, 6)
	le.PutUint32(meta[itemBase+32:], 512)

	putMetadataEntry(meta, 4, ItemPhysicalSectorSize, itemBase+36, 4, 6)
	le.PutUint32(meta[itemBase+36:], 4096)

	if opts.extraItem != nil {
		putMetadataEntry(meta, 5, *opts.extraItem, itemBase+40, 4, 4)
	}

	for i := 0; i < testBlockSize; i++ {
		img[dataOffset+i] = byte(i % 251)
	}
	return img
}

func openImage(img []byte) (*Container, error) {
	return Open(container.Single(container.StreamSource(bytes.NewReader(img))))
}

func TestKind_Detect(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		pos  int64
		want bool
	}{
		{name: "vhdx", data: buildImage(imageOptions{}), pos: 4096, want: true},
		{name: "vhd cookie", data: []byte("conectix"), pos: 3, want: false},
		{name: "short", data: []byte("vhd"), pos: 1, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bytes.NewReader(tt.data)
			_, err := r.Seek(tt.pos, io.SeekStart)
			require.NoError(t, err)

			ok, err := Kind{}.DetectStream(r, container.Single(container.StreamSource(r)))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)

			pos, err := r.Seek(0, io.SeekCurrent)
			require.NoError(t, err)
			assert.Equal(t, tt.pos, pos)
		})
	}

	ok, _ := Kind{}.DetectPath(`C:\VMs\snapshot.avhdx`, container.Input{})
	assert.True(t, ok)
}

func TestOpen_Dynamic(t *testing.T) {
	c, err := openImage(buildImage(imageOptions{}))
	require.NoError(t, err)
	defer c.Close()

	require.Equal(t, int64(testDiskSize), c.Size())
	assert.Equal(t, uint64(2), c.Header().SequenceNumber)

	got, err := container.ReadN(c, int(c.Size()))
	require.NoError(t, err)
	require.Len(t, got, testDiskSize)
	for i := 0; i < testBlockSize; i += 4099 {
		require.Equal(t, byte(i%251), got[i], "offset %d", i)
	}
	assert.Equal(t, make([]byte, testDiskSize-testBlockSize), got[testBlockSize:])

	d := c.Describe()
	assert.Equal(t, "go-diskimage test", d["creator"])
	assert.Equal(t, diskID.String(), d["virtual_disk_id"])
	assert.Equal(t, "4096", d["physical_sector_size"])
}

func TestOpen_FallsBackToValidHeader(t *testing.T) {
	img := buildImage(imageOptions{})
	img[headerOffset2+100] ^= 0xff

	c, err := openImage(img)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, uint64(1), c.Header().SequenceNumber)

	buf := make([]byte, 4)
	_, err = c.ReadAt(buf, 251)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 3}, buf)
}

func TestOpen_Rejects(t *testing.T) {
	unknown := uuid.MustParse("11111111-2222-3333-4444-555555555555")

	tests := []struct {
		name    string
		img     []byte
		wantErr string
	}{
		{
			name:    "dirty log",
			img:     buildImage(imageOptions{logGUID: unknown}),
			wantErr: "replay",
		},
		{
			name:    "differencing",
			img:     buildImage(imageOptions{fileFlags: fileParamHasParent}),
			wantErr: "differencing",
		},
		{
			name:    "unknown required metadata",
			img:     buildImage(imageOptions{extraItem: &unknown}),
			wantErr: "unknown required metadata item",
		},
		{
			name:    "metadata region past the end",
			img:     buildImage(imageOptions{metaRegionSize: 0xffffffff}),
			wantErr: "range outside the source",
		},
		{
			name:    "block size not a power of two",
			img:     buildImage(imageOptions{blockSize: 3 * mib}),
			wantErr: "invalid block size",
		},
		{
			name:    "block size too large",
			img:     buildImage(imageOptions{blockSize: 0x80000000}),
			wantErr: "invalid block size",
		},
		{
			name:    "virtual disk too large",
			img:     buildImage(imageOptions{diskSize: 1 << 62}),
			wantErr: "64 TiB",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := openImage(tt.img)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestOpen_CorruptRegionTables(t *testing.T) {
	img := buildImage(imageOptions{})
	img[regionTableOffset1+20] ^= 0xff

	_, err := openImage(img)
	assert.ErrorContains(t, err, "no valid region table")
	assert.ErrorContains(t, err, "checksum mismatch")
}

func TestOpen_PositionPastEnd(t *testing.T) {
	c, err := openImage(buildImage(imageOptions{}))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Seek(10, io.SeekEnd)
	require.NoError(t, err)
	n, err := c.Read(make([]byte, 8))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
}
