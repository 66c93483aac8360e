package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

var (
	// ErrInvalidArchive reports bytes that do not parse as a zip file or
	// an entry that cannot be read.
	ErrInvalidArchive = errors.New("invalid zip archive")

	// ErrTooManyEntries reports an archive whose image count exceeds the
	// configured cap.
	ErrTooManyEntries = errors.New("zip archive contains too many images")
)

// Entries larger than this are rejected rather than decompressed.
const maxEntryBytes = 64 << 20

// Entry is one image file pulled out of an archive.
type Entry struct {
	Name string
	Data []byte
}

// ExtractImages returns the image entries of a zip archive in archive
// order. Directories, macOS resource forks and non-image files are skipped;
// more than maxEntries images is an error.
func ExtractImages(data []byte, maxEntries int) ([]Entry, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}

	var entries []Entry
	for _, f := range reader.File {
		if f.FileInfo().IsDir() || !isImageName(f.Name) {
			continue
		}
		if len(entries) >= maxEntries {
			return nil, fmt.Errorf("%w: limit is %d", ErrTooManyEntries, maxEntries)
		}
		if f.UncompressedSize64 > maxEntryBytes {
			return nil, fmt.Errorf("%w: entry %s exceeds %d bytes", ErrInvalidArchive, f.Name, maxEntryBytes)
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", ErrInvalidArchive, f.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidArchive, f.Name, err)
		}

		entries = append(entries, Entry{Name: path.Base(f.Name), Data: content})
	}

	return entries, nil
}

func isImageName(name string) bool {
	if strings.HasPrefix(name, "__MACOSX/") || strings.HasPrefix(path.Base(name), ".") {
		return false
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff", ".webp":
		return true
	}
	return false
}
