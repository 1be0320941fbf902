package workspace

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Lllllllleong/docworkshop/internal/config"
	"github.com/Lllllllleong/docworkshop/internal/models"
	"github.com/dustin/go-humanize"
)

// Policy resolves storage roots and validates what may be stored under them.
type Policy struct {
	uploadRoot    string
	processedRoot string
	maxUpload     int64
	allowed       map[string]struct{}
}

// NewPolicy builds a Policy from validated storage configuration.
func NewPolicy(cfg config.StorageConfig) *Policy {
	allowed := make(map[string]struct{}, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		allowed[ext] = struct{}{}
	}
	return &Policy{
		uploadRoot:    cfg.UploadRoot,
		processedRoot: cfg.ProcessedRoot,
		maxUpload:     cfg.MaxUploadBytes(),
		allowed:       allowed,
	}
}

func (p *Policy) UploadRoot() string    { return p.uploadRoot }
func (p *Policy) ProcessedRoot() string { return p.processedRoot }
func (p *Policy) MaxUploadSize() int64  { return p.maxUpload }

// Extension returns the lowercase extension of name without the dot.
func Extension(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

// Accepts reports whether name carries an accepted extension.
func (p *Policy) Accepts(name string) bool {
	_, ok := p.allowed[Extension(name)]
	return ok
}

// CheckUploadSize rejects an upload batch whose aggregate size exceeds the limit.
func (p *Policy) CheckUploadSize(total int64) error {
	if total > p.maxUpload {
		return models.Validation(fmt.Sprintf("upload exceeds the maximum size of %s", humanize.IBytes(uint64(p.maxUpload))))
	}
	return nil
}

// nonAlphanumericRegex matches runs of characters not allowed in stored filenames.
var nonAlphanumericRegex = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SanitizeFileName reduces an uploaded filename to a safe base name with a
// lowercase extension.
func SanitizeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	ext := Extension(name)
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	stem = nonAlphanumericRegex.ReplaceAllString(stem, "_")
	stem = strings.Trim(stem, "._-")

	const maxLength = 100
	if len(stem) > maxLength {
		stem = strings.Trim(stem[:maxLength], "._-")
	}
	if stem == "" {
		stem = "document"
	}
	if ext == "" {
		return stem
	}
	return stem + "." + nonAlphanumericRegex.ReplaceAllString(ext, "")
}

// ValidArtifactName reports whether name can address an entry directly under the
// processed root.
func ValidArtifactName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return false
	}
	return filepath.Base(name) == name
}
