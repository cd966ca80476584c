package tarball

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, tgz []byte) map[string]*tar.Header {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(tgz))
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	out := map[string]*tar.Header{}
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		out[h.Name] = h
	}
	return out
}

func TestBuildIsDeterministic(t *testing.T) {
	a, sumA, err := Build([]File{{Name: "b.txt", Data: []byte("b")}, {Name: "a.txt", Data: []byte("a")}})
	require.NoError(t, err)
	b, sumB, err := Build([]File{{Name: "a.txt", Data: []byte("a")}, {Name: "b.txt", Data: []byte("b")}})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, sumA, sumB)
	assert.Len(t, sumA, 64)
}

func TestBuildSanitizesNames(t *testing.T) {
	tgz, _, err := Build([]File{
		{Name: "/etc/wireguard/wg0.conf", Data: []byte("x")},
		{Name: "../escape", Data: []byte("x")},
		{Name: "", Data: []byte("x")},
	})
	require.NoError(t, err)

	hdrs := readAll(t, tgz)
	assert.Len(t, hdrs, 1)
	assert.Contains(t, hdrs, "etc/wireguard/wg0.conf")
}

func TestClientBundle(t *testing.T) {
	tgz, _, err := ClientBundle("tenant-1", "[Interface]\n", []byte("\x89PNG"))
	require.NoError(t, err)

	hdrs := readAll(t, tgz)
	require.Contains(t, hdrs, "tenant-1.conf")
	require.Contains(t, hdrs, "tenant-1.png")
	assert.Equal(t, int64(0o600), hdrs["tenant-1.conf"].Mode)
	assert.Equal(t, int64(0o644), hdrs["tenant-1.png"].Mode)
}
