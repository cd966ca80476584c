package tarball

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// File — один файл архива.
type File struct {
	Name string
	Data []byte
	Mode int64
}

// Build собирает tar.gz из файлов. Архив детерминирован: одинаковый вход даёт
// одинаковые байты и одинаковый sha256 (hex).
func Build(files []File) ([]byte, string, error) {
	var buf bytes.Buffer

	gz := gzip.NewWriter(&buf)
	gz.Name = ""
	gz.Comment = ""
	gz.ModTime = time.Unix(0, 0)

	tw := tar.NewWriter(gz)

	sorted := append([]File(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	for _, f := range sorted {
		name := filepath.ToSlash(filepath.Clean(strings.TrimLeft(f.Name, "/")))
		if name == "" || name == "." || strings.HasPrefix(name, "../") {
			continue
		}
		mode := f.Mode
		if mode == 0 {
			mode = 0o644
		}
		hdr := &tar.Header{
			Name:    name,
			Mode:    mode,
			Size:    int64(len(f.Data)),
			ModTime: time.Unix(0, 0),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			_ = tw.Close()
			_ = gz.Close()
			return nil, "", err
		}
		if _, err := tw.Write(f.Data); err != nil {
			_ = tw.Close()
			_ = gz.Close()
			return nil, "", err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, "", err
	}
	if err := gz.Close(); err != nil {
		return nil, "", err
	}

	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:]), nil
}

// ClientBundle — <name>.conf (0600, содержит приватный ключ) и <name>.png с QR.
func ClientBundle(name, clientConfig string, qrPNG []byte) ([]byte, string, error) {
	files := []File{{Name: name + ".conf", Data: []byte(clientConfig), Mode: 0o600}}
	if len(qrPNG) > 0 {
		files = append(files, File{Name: name + ".png", Data: qrPNG, Mode: 0o644})
	}
	return Build(files)
}
