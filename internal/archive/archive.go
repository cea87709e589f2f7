// Package archive extracts zip and tar.gz archives into flat file lists.
//
// Extraction never touches the filesystem: entries are returned in memory
// so the caller can normalize and content-address them. Paths are
// validated against traversal outside the archive root.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// File is one extracted archive entry.
type File struct {
	Path string
	Data []byte
	Mode fs.FileMode
	Link string // symlink target, empty otherwise
}

var (
	zipMagic  = []byte{'P', 'K', 0x03, 0x04}
	gzipMagic = []byte{0x1f, 0x8b}
)

// Extract reads an archive stream and returns its regular files and
// symlinks. The format is sniffed from the leading magic bytes; name is
// only used as a fallback hint and in error messages.
func Extract(r io.Reader, name string) ([]File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read archive %s: %w", name, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("archive %s is empty", name)
	}

	switch {
	case bytes.HasPrefix(data, zipMagic):
		return extractZip(data, name)
	case bytes.HasPrefix(data, gzipMagic):
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("open gzip %s: %w", name, err)
		}
		defer gz.Close()
		return extractTar(gz, name)
	case strings.HasSuffix(name, ".tar"):
		return extractTar(bytes.NewReader(data), name)
	default:
		return nil, fmt.Errorf("archive %s: unrecognized format", name)
	}
}

func extractZip(data []byte, name string) ([]File, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip %s: %w", name, err)
	}

	var files []File
	for _, f := range zr.File {
		clean, err := safePath(f.Name)
		if err != nil {
			return nil, fmt.Errorf("zip %s: %w", name, err)
		}
		mode := f.Mode()
		if mode.IsDir() || clean == "" {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("zip %s: open %s: %w", name, f.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("zip %s: read %s: %w", name, f.Name, err)
		}

		file := File{Path: clean, Mode: mode}
		if mode&fs.ModeSymlink != 0 {
			file.Link = string(content)
		} else {
			file.Data = content
		}
		files = append(files, file)
	}
	return files, nil
}

func extractTar(r io.Reader, name string) ([]File, error) {
	tr := tar.NewReader(r)

	var files []File
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tar %s: %w", name, err)
		}

		clean, err := safePath(hdr.Name)
		if err != nil {
			return nil, fmt.Errorf("tar %s: %w", name, err)
		}
		if clean == "" {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeReg:
			content, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("tar %s: read %s: %w", name, hdr.Name, err)
			}
			files = append(files, File{
				Path: clean,
				Data: content,
				Mode: fs.FileMode(hdr.Mode) & fs.ModePerm,
			})
		case tar.TypeSymlink:
			files = append(files, File{
				Path: clean,
				Mode: fs.ModeSymlink | 0777,
				Link: hdr.Linkname,
			})
		}
	}
	return files, nil
}

// StripPrefix removes a single shared top-level directory when every
// entry lives under it. Release archives ("project-1.2.3/...") collapse
// to their contents; mixed-root archives are returned unchanged.
func StripPrefix(files []File) []File {
	if len(files) == 0 {
		return files
	}

	first, _, ok := strings.Cut(files[0].Path, "/")
	if !ok {
		return files
	}
	prefix := first + "/"
	for _, f := range files {
		if !strings.HasPrefix(f.Path, prefix) {
			return files
		}
	}

	stripped := make([]File, len(files))
	for i, f := range files {
		f.Path = strings.TrimPrefix(f.Path, prefix)
		stripped[i] = f
	}
	return stripped
}

// safePath normalizes an archive member path and rejects traversal.
// Directories and the archive root normalize to "".
func safePath(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	clean := path.Clean(name)
	if clean == "." || clean == "/" {
		return "", nil
	}
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("unsafe member path %q", name)
	}
	return strings.TrimSuffix(clean, "/"), nil
}
