package dmg

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-diskimage/pkg/container"
)

const plistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>resource-fork</key>
	<dict>
		<key>blkx</key>
		<array>
			<dict>
				<key>Attributes</key>
				<string>0x0050</string>
				<key>CFName</key>
				<string>disk image (Apple_HFS : 1)</string>
				<key>Data</key>
				<data>
				%s
				</data>
				<key>ID</key>
				<string>0</string>
				<key>Name</key>
				<string>disk image (Apple_HFS : 1)</string>
			</dict>
		</array>
	</dict>
</dict>
</plist>
`

func sectors(n int, seed byte) []byte {
	b := make([]byte, n*sectorSize)
	for i := range b {
		b[i] = seed + byte(i%29)
	}
	return b
}

type testChunk struct {
	typ    uint32
	sector uint64
	count  uint64
	offset uint64
	length uint64
}

func blockTable(chunks []testChunk) []byte {
	be := binary.BigEndian
	b := make([]byte, mishHeaderLen+len(chunks)*mishChunkLen)
	be.PutUint32(b[0:], mishSignature)
	be.PutUint32(b[4:], 1)
	be.PutUint64(b[16:], 6)
	be.PutUint32(b[200:], uint32(len(chunks)))
	for i, c := range chunks {
		e := b[mishHeaderLen+i*mishChunkLen:]
		be.PutUint32(e[0:], c.typ)
		be.PutUint64(e[8:], c.sector)
		be.PutUint64(e[16:], c.count)
		be.PutUint64(e[24:], c.offset)
		be.PutUint64(e[32:], c.length)
	}
	return b
}

// buildImage lays out six sectors: 0-1 raw, 2-3 zero-fill, 4-5 zlib
func buildImage(t *testing.T, compressedType uint32) []byte {
	var z bytes.Buffer
	zw := zlib.NewWriter(&z)
	_, err := zw.Write(sectors(2, 0x40))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	var img bytes.Buffer
	img.Write(sectors(2, 0x10))
	img.Write(z.Bytes())
	dataLen := img.Len()

	table := blockTable([]testChunk{
		{typ: ChunkRaw, sector: 0, count: 2, offset: 0, length: 2 * sectorSize},
		{typ: ChunkZeroFill, sector: 2, count: 2},
		{typ: compressedType, sector: 4, count: 2, offset: 2 * sectorSize, length: uint64(z.Len())},
		{typ: ChunkComment},
		{typ: ChunkTerminator},
	})
	xmlOffset := img.Len()
	fmt.Fprintf(&img, plistTemplate, base64.StdEncoding.EncodeToString(table))
	xmlLen := img.Len() - xmlOffset

	be := binary.BigEndian
	trailer := make([]byte, trailerSize)
	copy(trailer, kolyMagic)
	be.PutUint32(trailer[4:], 4)
	be.PutUint32(trailer[8:], trailerSize)
	be.PutUint64(trailer[32:], uint64(dataLen))
	be.PutUint32(trailer[60:], 1)
	be.PutUint64(trailer[216:], uint64(xmlOffset))
	be.PutUint64(trailer[224:], uint64(xmlLen))
	be.PutUint32(trailer[488:], 1)
	be.PutUint64(trailer[492:], 6)
	img.Write(trailer)
	return img.Bytes()
}

func TestKind_Detect(t *testing.T) {
	img := buildImage(t, ChunkZlib)
	r := bytes.NewReader(img)
	_, _ = r.Seek(3, io.SeekStart)

	ok, err := Kind{}.DetectStream(r, container.Single(container.StreamSource(r)))
	require.NoError(t, err)
	assert.True(t, ok)
	pos, _ := r.Seek(0, io.SeekCurrent)
	assert.Equal(t, int64(3), pos)

	small := bytes.NewReader([]byte("koly"))
	ok, err = Kind{}.DetectStream(small, container.Single(container.StreamSource(small)))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _ = Kind{}.DetectPath("/Users/me/Installer.DMG", container.Input{})
	assert.True(t, ok)
}

func TestOpen_ReadsAllChunkTypes(t *testing.T) {
	c, err := Open(container.Single(container.StreamSource(bytes.NewReader(buildImage(t, ChunkZlib)))))
	require.NoError(t, err)
	defer c.Close()

	require.Equal(t, int64(6*sectorSize), c.Size())
	got, err := container.ReadN(c, int(c.Size()))
	require.NoError(t, err)

	want := bytes.Join([][]byte{sectors(2, 0x10), make([]byte, 2*sectorSize), sectors(2, 0x40)}, nil)
	assert.Equal(t, want, got)

	d := c.Describe()
	assert.Equal(t, "disk image (Apple_HFS : 1)", d["partitions"])
	assert.Equal(t, "3", d["chunks"])
}

func TestOpen_ReadAcrossChunkBoundary(t *testing.T) {
	c, err := Open(container.Single(container.StreamSource(bytes.NewReader(buildImage(t, ChunkZlib)))))
	require.NoError(t, err)
	defer c.Close()

	buf := make([]byte, 2*sectorSize+20)
	_, err = c.ReadAt(buf, 2*sectorSize-10)
	require.NoError(t, err)

	assert.Equal(t, sectors(2, 0x10)[2*sectorSize-10:], buf[:10])
	assert.Equal(t, make([]byte, 2*sectorSize), buf[10:10+2*sectorSize])
	assert.Equal(t, sectors(2, 0x40)[:10], buf[10+2*sectorSize:])
}

func TestOpen_RejectsUnsupportedCompression(t *testing.T) {
	for _, typ := range []uint32{ChunkADC, ChunkLZFSE, ChunkLZMA} {
		_, err := Open(container.Single(container.StreamSource(bytes.NewReader(buildImage(t, typ)))))
		assert.ErrorContains(t, err, "not supported", chunkTypeName(typ))
	}
}

func TestParseTrailer(t *testing.T) {
	img := buildImage(t, ChunkZlib)
	tr, err := ParseTrailer(img[len(img)-trailerSize:])
	require.NoError(t, err)
	assert.Equal(t, uint32(4), tr.Version)
	assert.Equal(t, uint64(6), tr.SectorCount)
	assert.NoError(t, tr.Validate())

	_, err = ParseTrailer(make([]byte, trailerSize))
	assert.ErrorContains(t, err, "invalid UDIF signature")
}
