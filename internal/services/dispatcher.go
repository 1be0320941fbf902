package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Lllllllleong/docworkshop/internal/config"
	"github.com/Lllllllleong/docworkshop/internal/metrics"
	"github.com/Lllllllleong/docworkshop/internal/models"
	"github.com/Lllllllleong/docworkshop/internal/pdfops"
	"github.com/Lllllllleong/docworkshop/internal/workspace"
)

// ArtifactStore persists and serves processed outputs.
type ArtifactStore interface {
	Persist(ctx context.Context, name string, src io.Reader) (*models.ProcessedArtifact, error)
	Open(ctx context.Context, name string) (io.ReadCloser, *models.ProcessedArtifact, error)
}

// ArtifactLedger records which request produced each artifact.
type ArtifactLedger interface {
	Record(ctx context.Context, rec models.ArtifactRecord) error
}

// Dependencies are the collaborators a Dispatcher works with. Ledger, Runner and
// Metrics are optional.
type Dependencies struct {
	Sessions  *workspace.SessionStore
	Locker    workspace.Locker
	Artifacts ArtifactStore
	Ledger    ArtifactLedger
	Runner    pdfops.Runner
	Metrics   *metrics.Metrics
}

// Dispatcher resolves an operation request against a session, runs the
// operation's strategy chain and publishes the result as an artifact.
type Dispatcher struct {
	sessions   *workspace.SessionStore
	locker     workspace.Locker
	artifacts  ArtifactStore
	ledger     ArtifactLedger
	metrics    *metrics.Metrics
	toolkit    pdfops.Toolkit
	compressor *pdfops.Compressor
	converter  pdfops.Converter
	renderer   pdfops.Renderer
	convert    config.ConvertConfig
	now        func() time.Time
}

func NewDispatcher(cfg *config.Config, deps Dependencies) *Dispatcher {
	runner := deps.Runner
	if runner == nil {
		runner = pdfops.ExecRunner{}
	}
	locker := deps.Locker
	if locker == nil {
		locker = workspace.NewMemoryLocker()
	}
	return &Dispatcher{
		sessions:  deps.Sessions,
		locker:    locker,
		artifacts: deps.Artifacts,
		ledger:    deps.Ledger,
		metrics:   deps.Metrics,
		compressor: &pdfops.Compressor{
			Runner:          runner,
			GhostscriptPath: cfg.Compress.GhostscriptPath,
			Profiles:        cfg.Compress.Profiles,
			ImageQuality:    cfg.Compress.ImageQuality,
			Timeout:         cfg.Compress.Timeout,
		},
		converter: &pdfops.LibreOffice{Runner: runner, Path: cfg.Convert.SofficePath, Timeout: cfg.Convert.Timeout},
		renderer:  &pdfops.Pdftoppm{Runner: runner, Path: cfg.Convert.PdftoppmPath, Timeout: cfg.Convert.Timeout},
		convert:   cfg.Convert,
		now:       time.Now,
	}
}

// result is what an operation hands back to dispatch for publishing.
type result struct {
	artifactName string
	method       string
	reduction    bool
}

// job describes one operation: how many documents it takes, extra checks on
// them, and how to produce output from them.
type job struct {
	op      models.Operation
	token   string
	min     int
	max     int
	check   func(docs []models.StagedDocument) error
	execute func(ctx context.Context, logCtx *slog.Logger, docs []models.StagedDocument, workDir, output string) (*result, error)
}

// selectDocuments returns the session's PDFs in name order.
func selectDocuments(docs []models.StagedDocument) []models.StagedDocument {
	var selected []models.StagedDocument
	for _, doc := range docs {
		if doc.Extension == "pdf" {
			selected = append(selected, doc)
		}
	}
	return selected
}

func (d *Dispatcher) dispatch(ctx context.Context, j job) (*models.OperationResponse, error) {
	start := d.now()
	logCtx := slog.With("operation", string(j.op), "token", j.token)

	resp, method, err := d.run(ctx, logCtx, j)
	outcome := "success"
	if err != nil {
		outcome = models.KindOf(err).String()
	}
	d.metrics.ObserveOperation(string(j.op), outcome, method, d.now().Sub(start))
	return resp, err
}

func (d *Dispatcher) run(ctx context.Context, logCtx *slog.Logger, j job) (*models.OperationResponse, string, error) {
	unlock, err := d.locker.Lock(ctx, j.token)
	if err != nil {
		return nil, "", d.fail(logCtx, models.Internal("failed to acquire session", err))
	}
	defer unlock()

	docs, err := d.sessions.Resolve(j.token)
	if err != nil {
		return nil, "", d.fail(logCtx, err)
	}
	selected := selectDocuments(docs)
	switch {
	case j.min > 1 && len(selected) < j.min:
		return nil, "", d.fail(logCtx, models.Validation(fmt.Sprintf("need at least %d documents", j.min)))
	case len(selected) == 0:
		return nil, "", d.fail(logCtx, models.Validation("no document found"))
	case j.max > 0 && len(selected) > j.max:
		return nil, "", d.fail(logCtx, models.Validation("multiple documents found, expected exactly one"))
	}
	if j.check != nil {
		if err := j.check(selected); err != nil {
			return nil, "", d.fail(logCtx, err)
		}
	}

	var originalSize int64
	names := make([]string, len(selected))
	for i, doc := range selected {
		originalSize += doc.Size
		names[i] = doc.Name
	}
	logCtx.Info("Running operation.", "documents", names, "originalSize", originalSize)

	workDir, err := os.MkdirTemp("", "docworkshop-*")
	if err != nil {
		return nil, "", d.fail(logCtx, models.Internal("failed to create scratch directory", err))
	}
	defer os.RemoveAll(workDir)

	output := filepath.Join(workDir, "output")
	res, err := j.execute(ctx, logCtx, selected, workDir, output)
	if err != nil {
		return nil, "", d.fail(logCtx, err)
	}

	artifact, err := d.publish(ctx, res.artifactName, output)
	if err != nil {
		return nil, "", d.fail(logCtx, err)
	}
	logCtx = logCtx.With("artifact", artifact.Name)

	d.record(ctx, logCtx, j, selected, artifact, originalSize, res.method)

	if err := d.sessions.Destroy(j.token); err != nil {
		// The artifact is already published; the sweeper reclaims the directory later.
		logCtx.Warn("Failed to destroy session after success.", "error", err)
	}

	resp := &models.OperationResponse{
		Success:      true,
		DownloadURL:  "/download/" + artifact.Name,
		Artifact:     artifact.Name,
		OriginalSize: originalSize,
		NewSize:      artifact.Size,
		Method:       res.method,
	}
	if res.reduction {
		if pct, err := pdfops.Reduction(originalSize, artifact.Size); err == nil {
			resp.Reduction = &pct
		}
	}
	logCtx.Info("Operation complete.", "method", res.method, "newSize", artifact.Size)
	return resp, res.method, nil
}

func (d *Dispatcher) publish(ctx context.Context, name, path string) (*models.ProcessedArtifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, models.Internal("failed to open operation output", err)
	}
	defer f.Close()
	return d.artifacts.Persist(ctx, name, f)
}

func (d *Dispatcher) record(ctx context.Context, logCtx *slog.Logger, j job, docs []models.StagedDocument, artifact *models.ProcessedArtifact, originalSize int64, method string) {
	if d.ledger == nil {
		return
	}
	paths := make([]string, len(docs))
	names := make([]string, len(docs))
	for i, doc := range docs {
		paths[i] = doc.Path
		names[i] = doc.Name
	}
	hash, err := calculateFileHash(paths...)
	if err != nil {
		logCtx.Warn("Failed to hash source documents.", "error", err)
	}
	rec := models.ArtifactRecord{
		ArtifactName: artifact.Name,
		Operation:    string(j.op),
		Token:        j.token,
		SourceNames:  names,
		SourceHash:   hash,
		OriginalSize: originalSize,
		NewSize:      artifact.Size,
		Strategy:     method,
		CreatedAt:    artifact.CreatedAt,
	}
	if err := d.ledger.Record(ctx, rec); err != nil {
		logCtx.Error("Failed to record artifact in ledger.", "error", err)
	}
}

// fail logs err with the request context and returns it unchanged. Validation
// and not-found failures are expected and logged below error level.
func (d *Dispatcher) fail(logCtx *slog.Logger, err error) error {
	switch models.KindOf(err) {
	case models.KindValidation, models.KindNotFound:
		logCtx.Info("Operation rejected.", "reason", err.Error())
	default:
		logCtx.Error("Operation failed.", "error", err)
	}
	return err
}

func requireToken(token string) error {
	if strings.TrimSpace(token) == "" {
		return models.Validation("missing token")
	}
	return nil
}

func stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// Compress reduces the size of the session's document.
func (d *Dispatcher) Compress(ctx context.Context, req *models.CompressRequest) (*models.OperationResponse, error) {
	if err := requireToken(req.Token); err != nil {
		return nil, err
	}
	level := int(req.Level)
	if level == 0 {
		level = 2
	}
	if _, ok := d.compressor.Profile(level); !ok || level < 1 || level > 3 {
		return nil, models.Validation("invalid compression level")
	}
	return d.dispatch(ctx, job{
		op:    models.OperationCompress,
		token: req.Token,
		min:   1,
		max:   1,
		check: func(docs []models.StagedDocument) error {
			if docs[0].Size == 0 {
				return models.Validation("document is empty")
			}
			return nil
		},
		execute: func(ctx context.Context, logCtx *slog.Logger, docs []models.StagedDocument, _, output string) (*result, error) {
			doc := docs[0]
			method, err := d.compressor.Chain(doc.Path, level).Run(ctx, output)
			if err != nil {
				return nil, models.Processing("compression failed", err)
			}
			return &result{
				artifactName: fmt.Sprintf("compressed_%s_%s", req.Token, doc.Name),
				method:       method,
				reduction:    true,
			}, nil
		},
	})
}

// Merge concatenates every document in the session, in selection order.
func (d *Dispatcher) Merge(ctx context.Context, req *models.MergeRequest) (*models.OperationResponse, error) {
	if err := requireToken(req.Token); err != nil {
		return nil, err
	}
	return d.dispatch(ctx, job{
		op:    models.OperationMerge,
		token: req.Token,
		min:   2,
		execute: func(ctx context.Context, logCtx *slog.Logger, docs []models.StagedDocument, _, output string) (*result, error) {
			inputs := make([]string, len(docs))
			for i, doc := range docs {
				inputs[i] = doc.Path
			}
			chain := pdfops.Chain{pdfops.NewStrategy(pdfops.StrategyPdfcpu, func(ctx context.Context, output string) error {
				return d.toolkit.Merge(inputs, output)
			})}
			method, err := chain.Run(ctx, output)
			if err != nil {
				return nil, models.Processing("merge failed", err)
			}
			return &result{
				artifactName: fmt.Sprintf("merged_%s_%s.pdf", d.now().UTC().Format("20060102150405"), req.Token),
				method:       method,
				reduction:    true,
			}, nil
		},
	})
}

// Split extracts page ranges from the session's document into a zip archive,
// one sub-document per non-empty range.
func (d *Dispatcher) Split(ctx context.Context, req *models.SplitRequest) (*models.OperationResponse, error) {
	if err := requireToken(req.Token); err != nil {
		return nil, err
	}
	if _, err := pdfops.ParseRanges(req.PageRange, 1); err != nil {
		return nil, models.Validation("invalid page range")
	}
	return d.dispatch(ctx, job{
		op:    models.OperationSplit,
		token: req.Token,
		min:   1,
		max:   1,
		execute: func(ctx context.Context, logCtx *slog.Logger, docs []models.StagedDocument, workDir, output string) (*result, error) {
			doc := docs[0]
			total, err := d.toolkit.PageCount(doc.Path)
			if err != nil {
				return nil, models.Processing("split failed", err)
			}
			ranges, err := pdfops.ParseRanges(req.PageRange, total)
			if err != nil {
				return nil, models.Validation("invalid page range")
			}
			// Ranges that fall outside the document yield no member; an archive
			// with no entries is still a valid result.
			logCtx.Info("Splitting document.", "pageCount", total, "ranges", len(ranges))

			chain := pdfops.Chain{pdfops.NewStrategy(pdfops.StrategyPdfcpu, func(ctx context.Context, output string) error {
				entries := make([]pdfops.ArchiveEntry, 0, len(ranges))
				for _, r := range ranges {
					part := filepath.Join(workDir, fmt.Sprintf("page_%d.pdf", r.Ordinal))
					if err := d.toolkit.Extract(doc.Path, part, r); err != nil {
						return err
					}
					entries = append(entries, pdfops.ArchiveEntry{Name: filepath.Base(part), Path: part})
				}
				return pdfops.WriteArchive(output, entries)
			})}
			method, err := chain.Run(ctx, output)
			if err != nil {
				return nil, models.Processing("split failed", err)
			}
			return &result{
				artifactName: fmt.Sprintf("split_%s_%s.zip", req.Token, stem(doc.Name)),
				method:       method,
			}, nil
		},
	})
}

// Lock encrypts the session's document with a password.
func (d *Dispatcher) Lock(ctx context.Context, req *models.LockRequest) (*models.OperationResponse, error) {
	if err := requireToken(req.Token); err != nil {
		return nil, err
	}
	if req.Password == "" {
		return nil, models.Validation("password is required")
	}
	return d.dispatch(ctx, job{
		op:    models.OperationLock,
		token: req.Token,
		min:   1,
		max:   1,
		execute: func(ctx context.Context, logCtx *slog.Logger, docs []models.StagedDocument, _, output string) (*result, error) {
			doc := docs[0]
			chain := pdfops.Chain{pdfops.NewStrategy(pdfops.StrategyPdfcpu, func(ctx context.Context, output string) error {
				return d.toolkit.Encrypt(doc.Path, output, req.Password)
			})}
			method, err := chain.Run(ctx, output)
			if err != nil {
				return nil, models.Processing("encryption failed", err)
			}
			return &result{
				artifactName: fmt.Sprintf("locked_%s_%s", req.Token, doc.Name),
				method:       method,
			}, nil
		},
	})
}

const defaultImageQuality = 90

// Convert turns the session's document into an editable document or a zip of page images.
func (d *Dispatcher) Convert(ctx context.Context, req *models.ConvertRequest) (*models.OperationResponse, error) {
	if err := requireToken(req.Token); err != nil {
		return nil, err
	}
	format := strings.ToLower(strings.TrimSpace(req.Format))
	if !d.convert.Supports(format) || (format != models.FormatDocx && format != models.FormatImage) {
		return nil, models.Validation("unsupported format")
	}
	quality := int(req.Quality)
	if quality == 0 {
		quality = defaultImageQuality
	}
	if quality < 1 || quality > 100 {
		return nil, models.Validation("invalid image quality")
	}
	failure := fmt.Sprintf("conversion to %s failed", format)

	return d.dispatch(ctx, job{
		op:    models.OperationConvert,
		token: req.Token,
		min:   1,
		max:   1,
		execute: func(ctx context.Context, logCtx *slog.Logger, docs []models.StagedDocument, workDir, output string) (*result, error) {
			doc := docs[0]
			var chain pdfops.Chain
			var name string
			if format == models.FormatDocx {
				name = fmt.Sprintf("converted_%s_%s.docx", req.Token, stem(doc.Name))
				chain = pdfops.Chain{pdfops.NewStrategy("libreoffice", func(ctx context.Context, output string) error {
					produced, err := d.converter.ToEditable(ctx, doc.Path, workDir)
					if err != nil {
						return err
					}
					return os.Rename(produced, output)
				})}
			} else {
				name = fmt.Sprintf("images_%s_%s.zip", req.Token, stem(doc.Name))
				chain = pdfops.Chain{pdfops.NewStrategy("pdftoppm", func(ctx context.Context, output string) error {
					total, err := d.toolkit.PageCount(doc.Path)
					if err != nil {
						return err
					}
					pagesDir := filepath.Join(workDir, "pages")
					if err := os.Mkdir(pagesDir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
						return err
					}
					entries, err := pdfops.RenderPages(ctx, d.renderer, doc.Path, pagesDir, total, d.convert.DPI, quality)
					if err != nil {
						return err
					}
					return pdfops.WriteArchive(output, entries)
				})}
			}
			method, err := chain.Run(ctx, output)
			if err != nil {
				return nil, models.Processing(failure, err)
			}
			return &result{artifactName: name, method: method}, nil
		},
	})
}

// calculateFileHash hashes the concatenated contents of paths.
func calculateFileHash(paths ...string) (string, error) {
	hash := sha256.New()
	for _, p := range paths {
		file, err := os.Open(p)
		if err != nil {
			return "", err
		}
		_, err = io.Copy(hash, file)
		file.Close()
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
