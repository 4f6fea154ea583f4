package raw

import (
	"bytes"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-diskimage/pkg/container"
)

type closeTracker struct {
	*bytes.Reader
	closed int
}

func (c *closeTracker) Close() error {
	c.closed++
	return nil
}

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func TestKind_DetectAlwaysMatches(t *testing.T) {
	k := Kind{}
	r := bytes.NewReader(testData(16))

	ok, err := k.DetectStream(r, container.Single(container.StreamSource(r)))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = k.DetectPath("/evidence/disk.bin", container.Single(container.PathSource("/evidence/disk.bin")))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOpen_StreamRoundTrip(t *testing.T) {
	data := testData(4096)
	r := &closeTracker{Reader: bytes.NewReader(data)}
	in, err := container.NewInput(r, nil)
	require.NoError(t, err)

	c, err := Open(in)
	require.NoError(t, err)

	assert.Equal(t, "raw", c.Kind())
	assert.Equal(t, int64(len(data)), c.Size())

	_, err = c.Seek(0, io.SeekStart)
	require.NoError(t, err)
	got, err := container.ReadN(c, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	rest, err := container.ReadN(c, 1)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, int64(len(data)), c.Tell())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, r.closed)

	_, err = c.Read(make([]byte, 1))
	assert.ErrorIs(t, err, container.ErrClosed)
}

func TestOpen_PathWithSizeOverride(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := testData(1024)
	require.NoError(t, afero.WriteFile(fs, "/img/disk.dd", data, 0o644))

	in, err := container.NewInput("/img/disk.dd", fs)
	require.NoError(t, err)

	c, err := Open(in, container.WithSize(512))
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, int64(512), c.Size())
	buf := make([]byte, 16)
	n, err := c.ReadAt(buf, 500)
	assert.Equal(t, 12, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, data[500:512], buf[:n])
	assert.Equal(t, "/img/disk.dd", c.Describe()["source"])
}

func TestOpen_MissingPath(t *testing.T) {
	in, err := container.NewInput("/nope.dd", afero.NewMemMapFs())
	require.NoError(t, err)

	_, err = Open(in)
	assert.Error(t, err)
}

func TestOpen_VolumeSystem(t *testing.T) {
	r := bytes.NewReader(testData(8))
	in := container.Single(container.StreamSource(r))

	c, err := Open(in, container.WithVolumeSystem(namedVS("mbr")))
	require.NoError(t, err)
	assert.Equal(t, "mbr", c.VolumeSystem().String())
	assert.Equal(t, "<RawContainer size=8 vs=mbr>", c.String())
}

type namedVS string

func (n namedVS) String() string { return string(n) }
