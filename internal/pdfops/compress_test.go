package pdfops

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Lllllllleong/docworkshop/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCompressor(r Runner) *Compressor {
	return &Compressor{
		Runner:          r,
		GhostscriptPath: "gs",
		Profiles:        map[string]string{"1": "/printer", "2": "/ebook", "3": "/screen"},
		Timeout:         time.Second,
	}
}

func TestCompressorProfile(t *testing.T) {
	c := newCompressor(nil)
	p, ok := c.Profile(3)
	assert.True(t, ok)
	assert.Equal(t, "/screen", p)
	_, ok = c.Profile(4)
	assert.False(t, ok)
}

func TestCompressorUsesGhostscript(t *testing.T) {
	dir := t.TempDir()
	in := testutil.WritePDF(t, dir, "doc.pdf", 2)
	runner := &testutil.Runner{Fn: func(_ context.Context, name string, args []string) error {
		out, ok := testutil.FlagValue(args, "-sOutputFile=")
		if !ok {
			return errors.New("missing output flag")
		}
		return os.WriteFile(out, []byte("%PDF-small"), 0o644)
	}}
	c := newCompressor(runner)

	output := filepath.Join(dir, "out.pdf")
	method, err := c.Chain(in, 1).Run(context.Background(), output)
	require.NoError(t, err)
	assert.Equal(t, StrategyGhostscript, method)

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "gs", calls[0][0])
	assert.Contains(t, calls[0], "-dPDFSETTINGS=/printer")
	assert.Equal(t, in, calls[0][len(calls[0])-1])
}

func TestCompressorFallsBackToPdfcpu(t *testing.T) {
	dir := t.TempDir()
	in := testutil.WritePDF(t, dir, "doc.pdf", 2)
	runner := &testutil.Runner{Fn: func(context.Context, string, []string) error {
		return errors.New("gs: command not found")
	}}

	output := filepath.Join(dir, "out.pdf")
	method, err := newCompressor(runner).Chain(in, 2).Run(context.Background(), output)
	require.NoError(t, err)
	assert.Equal(t, StrategyPdfcpu, method)

	n, err := Toolkit{}.PageCount(output)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCompressorGhostscriptTimeout(t *testing.T) {
	dir := t.TempDir()
	in := testutil.WritePDF(t, dir, "doc.pdf", 1)
	runner := &testutil.Runner{Fn: func(ctx context.Context, _ string, _ []string) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	c := newCompressor(runner)
	c.Timeout = 20 * time.Millisecond

	method, err := c.Chain(in, 2).Run(context.Background(), filepath.Join(dir, "out.pdf"))
	require.NoError(t, err)
	assert.Equal(t, StrategyPdfcpu, method)
}

func TestCompressorFallbackShrinksImages(t *testing.T) {
	dir := t.TempDir()
	in := testutil.WriteFile(t, dir, "scan.pdf", testutil.ImagePDF(240, 180))
	runner := &testutil.Runner{Fn: func(context.Context, string, []string) error {
		return errors.New("gs: command not found")
	}}
	c := newCompressor(runner)
	c.ImageQuality = map[string]int{"3": 40}

	output := filepath.Join(dir, "out.pdf")
	method, err := c.Chain(in, 3).Run(context.Background(), output)
	require.NoError(t, err)
	assert.Equal(t, StrategyPdfcpu, method)

	before, err := os.Stat(in)
	require.NoError(t, err)
	after, err := os.Stat(output)
	require.NoError(t, err)
	assert.Less(t, after.Size(), before.Size())
	assert.NoFileExists(t, output+".images")
}

func TestCompressorFallbackWithoutImageQuality(t *testing.T) {
	dir := t.TempDir()
	in := testutil.WriteFile(t, dir, "scan.pdf", testutil.ImagePDF(64, 64))
	runner := &testutil.Runner{Fn: func(context.Context, string, []string) error {
		return errors.New("gs: command not found")
	}}

	output := filepath.Join(dir, "out.pdf")
	method, err := newCompressor(runner).Chain(in, 1).Run(context.Background(), output)
	require.NoError(t, err)
	assert.Equal(t, StrategyPdfcpu, method)
	assert.NoFileExists(t, output+".images")
}
