package pdfops

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zip"
)

// ArchiveEntry is one file to be packaged, read from Path and stored as Name.
type ArchiveEntry struct {
	Name string
	Path string
}

// WriteArchive packages entries, in order, into a deflated zip at output.
func WriteArchive(output string, entries []ArchiveEntry) error {
	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("failed to create archive %s: %w", output, err)
	}
	zw := zip.NewWriter(f)
	for _, e := range entries {
		if err := addEntry(zw, e); err != nil {
			_ = zw.Close()
			_ = f.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	return f.Close()
}

func addEntry(zw *zip.Writer, e ArchiveEntry) error {
	src, err := os.Open(e.Path)
	if err != nil {
		return fmt.Errorf("could not open archive member %s: %w", e.Path, err)
	}
	defer src.Close()
	fh := &zip.FileHeader{Name: e.Name, Method: zip.Deflate}
	fh.Modified = time.Now()
	w, err := zw.CreateHeader(fh)
	if err != nil {
		return fmt.Errorf("failed to add %s to archive: %w", e.Name, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("failed to write %s to archive: %w", e.Name, err)
	}
	return nil
}
