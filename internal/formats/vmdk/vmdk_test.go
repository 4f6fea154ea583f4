package vmdk

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-diskimage/pkg/container"
)

const grainBytes = 1024

func grainData(seed byte) []byte {
	b := make([]byte, grainBytes)
	for i := range b {
		b[i] = seed ^ byte(i%13)
	}
	return b
}

type sparseLayout struct {
	flags      uint32
	capacity   uint64
	descOffset uint64
	descSize   uint64
	gdOffset   uint64
	algorithm  uint16
}

func putSparseHeader(b []byte, l sparseLayout) {
	le := binary.LittleEndian
	copy(b, sparseMagic)
	le.PutUint32(b[4:], 1)
	le.PutUint32(b[8:], l.flags|flagNewLineTest)
	le.PutUint64(b[12:], l.capacity)
	le.PutUint64(b[20:], 2)
	le.PutUint64(b[28:], l.descOffset)
	le.PutUint64(b[36:], l.descSize)
	le.PutUint32(b[44:], 4)
	le.PutUint64(b[56:], l.gdOffset)
	b[73], b[74], b[75], b[76] = '\n', ' ', '\r', '\n'
	le.PutUint16(b[77:], l.algorithm)
}

// buildSparse returns a monolithic sparse extent with 2-sector grains and 4 entries per
// grain table. Sectors: 0 header, 1 descriptor, 2 directory, 3 table 0, 5-6 and 7-8 grains.
// Grain 0 and grain 3 hold data, grain 2 is an explicit zero grain, the rest is unallocated.
func buildSparse(capacity uint64, descriptor string) []byte {
	img := make([]byte, 9*sectorSize)
	putSparseHeader(img, sparseLayout{capacity: capacity, descOffset: 1, descSize: 1, gdOffset: 2})
	copy(img[sectorSize:], descriptor)

	le := binary.LittleEndian
	le.PutUint32(img[2*sectorSize:], 3)
	le.PutUint32(img[3*sectorSize:], 5)
	le.PutUint32(img[3*sectorSize+8:], gteZero)
	le.PutUint32(img[3*sectorSize+12:], 7)

	copy(img[5*sectorSize:], grainData(0xa0))
	copy(img[7*sectorSize:], grainData(0xb0))
	return img
}

const monolithicDescriptor = `# Disk DescriptorFile
version=1
CID=12345678
parentCID=ffffffff
createType="monolithicSparse"

# Extent description
RW 16 SPARSE "disk.vmdk"

# The Disk Data Base
#DDB
ddb.adapterType = "lsilogic"
`

func openStream(t *testing.T, img []byte) *Container {
	c, err := Open(container.Single(container.StreamSource(bytes.NewReader(img))))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestKind_Detect(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{name: "sparse", data: buildSparse(16, ""), want: true},
		{name: "cowd", data: []byte("COWD...."), want: true},
		{name: "descriptor", data: []byte(monolithicDescriptor), want: true},
		{name: "other", data: []byte("QFI\xfb"), want: false},
		{name: "short", data: []byte("KD"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bytes.NewReader(tt.data)
			start := int64(len(tt.data) - 1)
			_, err := r.Seek(start, io.SeekStart)
			require.NoError(t, err)

			got, err := Kind{}.DetectStream(r, container.Single(container.StreamSource(r)))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			pos, err := r.Seek(0, io.SeekCurrent)
			require.NoError(t, err)
			assert.Equal(t, start, pos)
		})
	}
}

func TestOpen_MonolithicSparse(t *testing.T) {
	c := openStream(t, buildSparse(16, monolithicDescriptor))
	require.Equal(t, int64(16*sectorSize), c.Size())

	got, err := container.ReadN(c, int(c.Size()))
	require.NoError(t, err)

	want := bytes.Join([][]byte{
		grainData(0xa0),
		make([]byte, 2*grainBytes),
		grainData(0xb0),
		make([]byte, 4*grainBytes),
	}, nil)
	assert.Equal(t, want, got)

	d := c.Describe()
	assert.Equal(t, "monolithicSparse", d["create_type"])
	assert.Equal(t, "lsilogic", d["adapter_type"])
	assert.Equal(t, "false", d["compressed"])
	assert.Equal(t, "1024", d["grain_size"])
}

func TestOpen_StreamOptimized(t *testing.T) {
	var z bytes.Buffer
	zw := zlib.NewWriter(&z)
	_, err := zw.Write(grainData(0x11))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.Less(t, z.Len()+12, sectorSize)

	// 0 header, 2 compressed grain, 3 directory, 4 table, 5 footer marker, 6 footer, 7 end marker
	img := make([]byte, 8*sectorSize)
	layout := sparseLayout{
		flags:     flagCompressedGrain | flagMarkers,
		capacity:  8,
		gdOffset:  gdAtEnd,
		algorithm: compressionDeflate,
	}
	putSparseHeader(img, layout)

	le := binary.LittleEndian
	le.PutUint64(img[2*sectorSize:], 0)
	le.PutUint32(img[2*sectorSize+8:], uint32(z.Len()))
	copy(img[2*sectorSize+12:], z.Bytes())
	le.PutUint32(img[3*sectorSize:], 4)
	le.PutUint32(img[4*sectorSize:], 2)

	layout.gdOffset = 3
	putSparseHeader(img[6*sectorSize:], layout)

	c := openStream(t, img)
	require.Equal(t, int64(8*sectorSize), c.Size())

	buf := make([]byte, 100)
	_, err = c.ReadAt(buf, 1000)
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{}, grainData(0x11)[1000:]...), make([]byte, 76)...), buf)
	assert.Equal(t, "true", c.Describe()["compressed"])
}

func TestOpen_DescriptorWithExtents(t *testing.T) {
	fs := afero.NewMemMapFs()
	flat := make([]byte, 3*sectorSize)
	for i := range flat {
		flat[i] = byte(i / sectorSize)
	}
	require.NoError(t, afero.WriteFile(fs, "/vm/disk-flat.vmdk", flat, 0o644))
	require.NoError(t, afero.WriteFile(fs, "/vm/disk-s001.vmdk", buildSparse(8, ""), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/vm/disk.vmdk", []byte(`# Disk DescriptorFile
version=1
CID=fffffffe
parentCID=ffffffff
createType="custom"

RW 2 FLAT "disk-flat.vmdk" 1
RW 2 ZERO
RW 8 SPARSE "disk-s001.vmdk"
`), 0o644))

	in, err := container.NewInput("/vm/disk.vmdk", fs)
	require.NoError(t, err)
	c, err := Open(in)
	require.NoError(t, err)
	defer c.Close()

	require.Equal(t, int64(12*sectorSize), c.Size())
	assert.Equal(t, []string{"/vm/disk-flat.vmdk", "zero", "/vm/disk-s001.vmdk"}, c.Extents())

	got, err := container.ReadN(c, int(c.Size()))
	require.NoError(t, err)
	assert.Equal(t, flat[sectorSize:], got[:2*sectorSize])
	assert.Equal(t, make([]byte, 2*sectorSize), got[2*sectorSize:4*sectorSize])
	assert.Equal(t, grainData(0xa0), got[4*sectorSize:4*sectorSize+grainBytes])

	_, err = c.Seek(-grainBytes, io.SeekEnd)
	require.NoError(t, err)
	tail, err := container.ReadN(c, grainBytes)
	require.NoError(t, err)
	assert.Equal(t, grainData(0xb0), tail)
}

func TestOpen_Rejects(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/vm/child.vmdk", []byte("# Disk DescriptorFile\nparentCID=0badf00d\nRW 2 ZERO\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/vm/missing.vmdk", []byte("# Disk DescriptorFile\nRW 2 FLAT \"gone-flat.vmdk\" 0\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/vm/esx.vmdk", append([]byte("COWD"), make([]byte, 508)...), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/vm/huge.vmdk", []byte("# Disk DescriptorFile\nRW 2 FLAT \"disk-flat.vmdk\" 9223372036854775807\n"), 0o644))

	tests := map[string]string{
		"/vm/child.vmdk":   "differencing",
		"/vm/missing.vmdk": "gone-flat.vmdk",
		"/vm/esx.vmdk":     "COWD",
		"/vm/huge.vmdk":    "out of range",
	}
	for path, wantErr := range tests {
		in, err := container.NewInput(path, fs)
		require.NoError(t, err)
		_, err = Open(in)
		assert.ErrorContains(t, err, wantErr, path)
	}
}

func TestOpen_RejectsCorruptSparseHeader(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func([]byte)
		wantErr string
	}{
		{
			name:    "grain directory past the end",
			mutate:  func(b []byte) { binary.LittleEndian.PutUint64(b[56:], 1<<50) },
			wantErr: "beyond the end of the extent",
		},
		{
			name:    "embedded descriptor too large",
			mutate:  func(b []byte) { binary.LittleEndian.PutUint64(b[36:], 1<<40) },
			wantErr: "out of bounds",
		},
		{
			name:    "grain size too large",
			mutate:  func(b []byte) { binary.LittleEndian.PutUint64(b[20:], 1<<40) },
			wantErr: "invalid grain size",
		},
		{
			name:    "grain table too large",
			mutate:  func(b []byte) { binary.LittleEndian.PutUint32(b[44:], 0xffffffff) },
			wantErr: "invalid grain table size",
		},
		{
			name:    "capacity overflow",
			mutate:  func(b []byte) { binary.LittleEndian.PutUint64(b[12:], 1<<60) },
			wantErr: "too large",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := buildSparse(16, "")
			tt.mutate(img)
			_, err := Open(container.Single(container.StreamSource(bytes.NewReader(img))))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestParseDescriptor(t *testing.T) {
	d, err := ParseDescriptor(monolithicDescriptor + "\x00\x00\x00")
	require.NoError(t, err)

	assert.Equal(t, 1, d.Version)
	assert.Equal(t, "12345678", d.CID)
	assert.False(t, d.HasParent())
	assert.Equal(t, []ExtentDescriptor{{Access: "RW", Sectors: 16, Type: ExtentSparse, FileName: "disk.vmdk"}}, d.Extents)
	assert.Equal(t, int64(16), d.Sectors())

	_, err = ParseDescriptor("# Disk DescriptorFile\nRW 4 FLAT\n")
	assert.ErrorContains(t, err, "no file name")
}
