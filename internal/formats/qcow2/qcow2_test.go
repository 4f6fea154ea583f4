package qcow2

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-diskimage/pkg/container"
)

const clusterSize = 512

func pattern(seed byte) []byte {
	b := make([]byte, clusterSize)
	for i := range b {
		b[i] = seed + byte(i%7)
	}
	return b
}

func deflate(t *testing.T, data []byte) []byte {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func zstdCompress(t *testing.T, data []byte) []byte {
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

// buildImage lays out a four-cluster v3 image with 512-byte clusters:
// header, L1, L2, one standard data cluster, then a compressed cluster at 2048.
// Virtual clusters: 0 standard, 1 unallocated, 2 compressed, 3 zero flag.
func buildImage(t *testing.T, compressionType byte, compressed []byte) []byte {
	require.LessOrEqual(t, len(compressed), clusterSize)

	img := make([]byte, 5*clusterSize)
	be := binary.BigEndian
	copy(img, Magic)
	be.PutUint32(img[4:], 3)
	be.PutUint32(img[20:], 9)
	be.PutUint64(img[24:], 4*clusterSize)
	be.PutUint32(img[36:], 1)
	be.PutUint64(img[40:], 512)
	be.PutUint32(img[100:], 112)
	if compressionType != CompressionDeflate {
		be.PutUint64(img[72:], IncompatCompression)
	}
	img[104] = compressionType

	be.PutUint64(img[512:], 1024|1<<63)

	be.PutUint64(img[1024:], 1536|1<<63)
	be.PutUint64(img[1024+16:], uint64(1)<<62|2048)
	be.PutUint64(img[1024+24:], 1)

	copy(img[1536:], pattern(1))
	copy(img[2048:], compressed)
	return img
}

func open(t *testing.T, img []byte, opts ...container.Option) *Container {
	c, err := Open(container.Single(container.StreamSource(bytes.NewReader(img))), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestKind_Detect(t *testing.T) {
	img := buildImage(t, CompressionDeflate, deflate(t, pattern(2)))
	r := bytes.NewReader(img)
	_, _ = r.Seek(100, io.SeekStart)

	ok, err := Kind{}.DetectStream(r, container.Single(container.StreamSource(r)))
	require.NoError(t, err)
	assert.True(t, ok)
	pos, _ := r.Seek(0, io.SeekCurrent)
	assert.Equal(t, int64(100), pos)

	for path, want := range map[string]bool{
		"disk.qcow2": true,
		"disk.QCOW":  true,
		"disk.img":   false,
	} {
		got, _ := Kind{}.DetectPath(path, container.Input{})
		assert.Equal(t, want, got, path)
	}
}

func TestOpen_ReadsEveryClusterType(t *testing.T) {
	tests := []struct {
		name        string
		compression byte
		compress    func(*testing.T, []byte) []byte
		wantDescr   string
	}{
		{name: "deflate", compression: CompressionDeflate, compress: deflate, wantDescr: "deflate"},
		{name: "zstd", compression: CompressionZstd, compress: zstdCompress, wantDescr: "zstd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := open(t, buildImage(t, tt.compression, tt.compress(t, pattern(2))))
			require.Equal(t, int64(4*clusterSize), c.Size())

			got, err := container.ReadN(c, 4*clusterSize)
			require.NoError(t, err)

			want := bytes.Join([][]byte{pattern(1), make([]byte, clusterSize), pattern(2), make([]byte, clusterSize)}, nil)
			assert.Equal(t, want, got)
			assert.Equal(t, tt.wantDescr, c.Describe()["compression"])
		})
	}
}

func TestOpen_CachesDecompressedClusters(t *testing.T) {
	c := open(t, buildImage(t, CompressionDeflate, deflate(t, pattern(3))))

	buf := make([]byte, 16)
	for i := 0; i < 3; i++ {
		_, err := c.ReadAt(buf, 2*clusterSize+int64(i*16))
		require.NoError(t, err)
		assert.Equal(t, pattern(3)[i*16:(i+1)*16], buf)
	}

	stats := c.CacheStats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(2), stats.Hits)
}

func TestOpen_UnalignedReadAcrossClusters(t *testing.T) {
	c := open(t, buildImage(t, CompressionDeflate, deflate(t, pattern(2))))

	_, err := c.Seek(clusterSize-4, io.SeekStart)
	require.NoError(t, err)
	got, err := container.ReadN(c, 8)
	require.NoError(t, err)
	assert.Equal(t, append(pattern(1)[clusterSize-4:], 0, 0, 0, 0), got)
}

func TestOpen_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func([]byte)
		wantErr string
	}{
		{
			name:    "backing file",
			mutate:  func(b []byte) { binary.BigEndian.PutUint64(b[8:], 400) },
			wantErr: "backing file",
		},
		{
			name:    "encryption",
			mutate:  func(b []byte) { binary.BigEndian.PutUint32(b[32:], 1) },
			wantErr: "encrypted",
		},
		{
			name:    "external data file",
			mutate:  func(b []byte) { binary.BigEndian.PutUint64(b[72:], IncompatExternalData) },
			wantErr: "external data file",
		},
		{
			name:    "version 1",
			mutate:  func(b []byte) { binary.BigEndian.PutUint32(b[4:], 1) },
			wantErr: "unsupported qcow version",
		},
		{
			name:    "L1 table larger than the image",
			mutate:  func(b []byte) { binary.BigEndian.PutUint32(b[36:], 0xffffffff) },
			wantErr: "range outside the source",
		},
		{
			name:    "L1 table offset past the end",
			mutate:  func(b []byte) { binary.BigEndian.PutUint64(b[40:], 1<<40) },
			wantErr: "beyond the end of the image",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := buildImage(t, CompressionDeflate, deflate(t, pattern(2)))
			tt.mutate(img)
			_, err := Open(container.Single(container.StreamSource(bytes.NewReader(img))))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
