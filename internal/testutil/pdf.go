// Package testutil builds small fixture documents for tests.
package testutil

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// builder assembles numbered objects and a matching xref table.
type builder struct {
	buf     bytes.Buffer
	offsets []int
}

func newBuilder() *builder {
	b := &builder{}
	b.buf.WriteString("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n")
	return b
}

func (b *builder) obj(body string) {
	b.offsets = append(b.offsets, b.buf.Len())
	fmt.Fprintf(&b.buf, "%d 0 obj\n%s\nendobj\n", len(b.offsets), body)
}

// stream writes a stream object; data is copied verbatim.
func (b *builder) stream(dict string, data []byte) {
	b.offsets = append(b.offsets, b.buf.Len())
	fmt.Fprintf(&b.buf, "%d 0 obj\n<< %s /Length %d >>\nstream\n", len(b.offsets), dict, len(data))
	b.buf.Write(data)
	b.buf.WriteString("\nendstream\nendobj\n")
}

func (b *builder) bytes() []byte {
	xref := b.buf.Len()
	fmt.Fprintf(&b.buf, "xref\n0 %d\n", len(b.offsets)+1)
	b.buf.WriteString("0000000000 65535 f \n")
	for _, off := range b.offsets {
		fmt.Fprintf(&b.buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b.buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(b.offsets)+1, xref)
	return b.buf.Bytes()
}

// PDF returns a minimal well-formed document with the given number of pages.
// Each page draws a different line so pages are distinguishable.
func PDF(pages int) []byte {
	b := newBuilder()
	b.obj("<< /Type /Catalog /Pages 2 0 R >>")

	var kids bytes.Buffer
	for i := 0; i < pages; i++ {
		fmt.Fprintf(&kids, "%d 0 R ", 3+2*i)
	}
	b.obj(fmt.Sprintf("<< /Type /Pages /Kids [ %s] /Count %d >>", kids.String(), pages))

	for i := 0; i < pages; i++ {
		b.obj(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> /Contents %d 0 R >>", 4+2*i))
		b.stream("", []byte(fmt.Sprintf("%d %d m %d %d l S", 10+i, 10, 200+i*5, 300)))
	}
	return b.bytes()
}

// ImagePDF returns a one-page document that draws a busy w by h RGB photo
// stored as a maximum quality JPEG.
func ImagePDF(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x*7 ^ y*13),
				G: uint8(x*y + 31*x),
				B: uint8((x + y) * 5),
				A: 0xff,
			})
		}
	}
	var photo bytes.Buffer
	if err := jpeg.Encode(&photo, img, &jpeg.Options{Quality: 100}); err != nil {
		panic(err)
	}

	b := newBuilder()
	b.obj("<< /Type /Catalog /Pages 2 0 R >>")
	b.obj("<< /Type /Pages /Kids [ 3 0 R ] /Count 1 >>")
	b.obj(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %d %d] /Resources << /XObject << /Im0 5 0 R >> >> /Contents 4 0 R >>", w, h))
	b.stream("", []byte(fmt.Sprintf("q %d 0 0 %d 0 0 cm /Im0 Do Q", w, h)))
	b.stream(fmt.Sprintf("/Type /XObject /Subtype /Image /Width %d /Height %d /ColorSpace /DeviceRGB /BitsPerComponent 8 /Filter /DCTDecode", w, h), photo.Bytes())
	return b.bytes()
}

// WritePDF writes a pages-long document to dir/name and returns its path.
func WritePDF(t testing.TB, dir, name string, pages int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, PDF(pages), 0o644))
	return path
}

// WriteFile writes arbitrary content to dir/name and returns its path.
func WriteFile(t testing.TB, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}
