package pdfops

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

const (
	StrategyGhostscript = "ghostscript"
	StrategyPdfcpu      = "pdfcpu"
)

// Compressor builds the compression chain: Ghostscript with a quality profile,
// falling back to an in-process pdfcpu rewrite. ImageQuality maps a level to
// the JPEG quality the fallback re-encodes embedded images at; a level without
// an entry only optimizes structure.
type Compressor struct {
	Runner          Runner
	Toolkit         Toolkit
	GhostscriptPath string
	Profiles        map[string]string
	ImageQuality    map[string]int
	Timeout         time.Duration
}

// Profile returns the Ghostscript PDFSETTINGS profile for level.
func (c *Compressor) Profile(level int) (string, bool) {
	p, ok := c.Profiles[strconv.Itoa(level)]
	return p, ok && p != ""
}

// Chain returns the ordered strategies for compressing input at level.
func (c *Compressor) Chain(input string, level int) Chain {
	profile, _ := c.Profile(level)
	return Chain{
		NewStrategy(StrategyGhostscript, func(ctx context.Context, output string) error {
			ctx, cancel := context.WithTimeout(ctx, c.Timeout)
			defer cancel()
			return c.Runner.Run(ctx, c.GhostscriptPath,
				"-sDEVICE=pdfwrite",
				"-dCompatibilityLevel=1.4",
				"-dPDFSETTINGS="+profile,
				"-dNOPAUSE",
				"-dQUIET",
				"-dBATCH",
				"-sOutputFile="+output,
				input,
			)
		}),
		NewStrategy(StrategyPdfcpu, func(ctx context.Context, output string) error {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("compression aborted: %w", err)
			}
			src := input
			if q := c.ImageQuality[strconv.Itoa(level)]; q > 0 {
				staged := output + ".images"
				defer os.Remove(staged)
				n, err := c.Toolkit.RecompressImages(input, staged, q)
				switch {
				case err != nil:
					slog.Warn("Image recompression failed, optimizing structure only.", "error", err)
				case n > 0:
					slog.Debug("Recompressed embedded images.", "count", n, "quality", q)
					src = staged
				}
			}
			return c.Toolkit.Optimize(src, output)
		}),
	}
}
