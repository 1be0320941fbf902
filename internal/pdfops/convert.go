package pdfops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Converter turns a PDF into an editable word-processor document.
type Converter interface {
	ToEditable(ctx context.Context, input, outDir string) (string, error)
}

// Renderer rasterizes a single page of a PDF.
type Renderer interface {
	RenderPage(ctx context.Context, input string, page, dpi, quality int, outPrefix string) (string, error)
}

// LibreOffice converts with a headless soffice process.
type LibreOffice struct {
	Runner  Runner
	Path    string
	Timeout time.Duration
}

func (l *LibreOffice) ToEditable(ctx context.Context, input, outDir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, l.Timeout)
	defer cancel()
	// soffice keeps per-user state; a private profile avoids clashes between concurrent conversions.
	profile := "file://" + filepath.ToSlash(filepath.Join(outDir, "lo-profile"))
	err := l.Runner.Run(ctx, l.Path,
		"-env:UserInstallation="+profile,
		"--headless",
		"--infilter=writer_pdf_import",
		"--convert-to", "docx",
		"--outdir", outDir,
		input,
	)
	if err != nil {
		return "", err
	}
	stem := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	out := filepath.Join(outDir, stem+".docx")
	if _, err := os.Stat(out); err != nil {
		return "", fmt.Errorf("converter produced no output: %w", err)
	}
	return out, nil
}

// Pdftoppm renders pages with poppler's pdftoppm.
type Pdftoppm struct {
	Runner  Runner
	Path    string
	Timeout time.Duration
}

func (p *Pdftoppm) RenderPage(ctx context.Context, input string, page, dpi, quality int, outPrefix string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	pg := strconv.Itoa(page)
	err := p.Runner.Run(ctx, p.Path,
		"-f", pg, "-l", pg,
		"-r", strconv.Itoa(dpi),
		"-jpeg", "-jpegopt", "quality="+strconv.Itoa(quality),
		"-singlefile",
		input, outPrefix,
	)
	if err != nil {
		return "", err
	}
	return outPrefix + ".jpg", nil
}

// RenderPages renders pages 1..pageCount of input into workDir concurrently and
// returns archive entries in page order.
func RenderPages(ctx context.Context, r Renderer, input, workDir string, pageCount, dpi, quality int) ([]ArchiveEntry, error) {
	entries := make([]ArchiveEntry, pageCount)
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(4)
	for i := 1; i <= pageCount; i++ {
		pageNumber := i
		eg.Go(func() error {
			prefix := filepath.Join(workDir, fmt.Sprintf("page_%03d", pageNumber))
			path, err := r.RenderPage(gctx, input, pageNumber, dpi, quality, prefix)
			if err != nil {
				return fmt.Errorf("page %d: %w", pageNumber, err)
			}
			entries[pageNumber-1] = ArchiveEntry{Name: filepath.Base(path), Path: path}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}
