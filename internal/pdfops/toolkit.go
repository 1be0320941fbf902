package pdfops

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Toolkit wraps the in-process pdfcpu operations the dispatcher needs.
type Toolkit struct{}

func relaxedConfig() *model.Configuration {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return cfg
}

// PageCount returns the number of pages in the document at path.
func (Toolkit) PageCount(path string) (int, error) {
	n, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	return n, nil
}

// Merge concatenates inputs in order into output.
func (Toolkit) Merge(inputs []string, output string) error {
	if err := api.MergeCreateFile(inputs, output, false, relaxedConfig()); err != nil {
		return fmt.Errorf("failed to merge %d documents: %w", len(inputs), err)
	}
	return nil
}

// Extract writes the pages of r from input into output.
func (Toolkit) Extract(input, output string, r PageRange) error {
	if err := api.TrimFile(input, output, []string{r.Selection()}, relaxedConfig()); err != nil {
		return fmt.Errorf("failed to extract pages %s: %w", r.Selection(), err)
	}
	return nil
}

// Encrypt protects input with password using AES-256 and writes output.
func (Toolkit) Encrypt(input, output, password string) error {
	cfg := model.NewAESConfiguration(password, password, 256)
	cfg.ValidationMode = model.ValidationRelaxed
	if err := api.EncryptFile(input, output, cfg); err != nil {
		return fmt.Errorf("failed to encrypt document: %w", err)
	}
	return nil
}

// Optimize rewrites input with deduplicated resources and compressed object and
// xref streams.
func (Toolkit) Optimize(input, output string) error {
	cfg := relaxedConfig()
	cfg.WriteObjectStream = true
	cfg.WriteXRefStream = true
	if err := api.OptimizeFile(input, output, cfg); err != nil {
		return fmt.Errorf("failed to optimize document: %w", err)
	}
	return nil
}

// RecompressImages re-encodes the opaque 8-bit gray and RGB images of input
// as JPEG at quality and writes the result to output. An image is only
// replaced when its new encoding is smaller than the stored stream. It returns
// the number of replaced images; output is left untouched when that is zero.
func (Toolkit) RecompressImages(input, output string, quality int) (int, error) {
	f, err := os.Open(input)
	if err != nil {
		return 0, fmt.Errorf("failed to open document: %w", err)
	}
	defer f.Close()

	conf := relaxedConfig()
	conf.Cmd = model.UPDATEIMAGES
	ctx, err := api.ReadValidateAndOptimize(f, conf)
	if err != nil {
		return 0, fmt.Errorf("failed to read document: %w", err)
	}

	// Shared images are listed once per page; the first page that uses one owns it.
	candidates := map[int]model.Image{}
	pages := map[int][]int{}
	for page := 1; page <= ctx.PageCount; page++ {
		stubs, err := pdfcpu.ExtractPageImages(ctx, page, true)
		if err != nil {
			return 0, fmt.Errorf("failed to list images on page %d: %w", page, err)
		}
		for objNr, stub := range stubs {
			if _, ok := candidates[objNr]; ok || !recodable(stub) {
				continue
			}
			candidates[objNr] = stub
			pages[page] = append(pages[page], objNr)
		}
	}

	encoded := map[int][]byte{}
	for page, objNrs := range pages {
		images, err := pdfcpu.ExtractPageImages(ctx, page, false)
		if err != nil {
			return 0, fmt.Errorf("failed to extract images on page %d: %w", page, err)
		}
		for _, objNr := range objNrs {
			img, ok := images[objNr]
			if !ok || img.Reader == nil {
				continue
			}
			data, err := reencodeJPEG(img, quality)
			if err != nil {
				return 0, fmt.Errorf("failed to re-encode image %d: %w", objNr, err)
			}
			if int64(len(data)) < candidates[objNr].Size {
				encoded[objNr] = data
			}
		}
	}
	if len(encoded) == 0 {
		return 0, nil
	}

	for objNr, data := range encoded {
		if err := pdfcpu.UpdateImagesByObjNr(ctx, bytes.NewReader(data), objNr); err != nil {
			return 0, fmt.Errorf("failed to replace image %d: %w", objNr, err)
		}
	}
	if err := api.WriteContextFile(ctx, output); err != nil {
		return 0, fmt.Errorf("failed to write document: %w", err)
	}
	return len(encoded), nil
}

// recodable reports whether an image can be stored as a baseline JPEG without
// losing masks or color information.
func recodable(img model.Image) bool {
	if img.Thumb || img.IsImgMask || img.HasImgMask || img.HasSMask || img.Bpc != 8 {
		return false
	}
	return img.Cs == model.DeviceRGBCS || img.Cs == model.DeviceGrayCS
}

func reencodeJPEG(img model.Image, quality int) ([]byte, error) {
	raw, err := io.ReadAll(img.Reader)
	if err != nil {
		return nil, err
	}
	decoded, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, decoded, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
