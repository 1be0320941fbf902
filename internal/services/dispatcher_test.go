package services

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/docworkshop/internal/artifacts"
	"github.com/Lllllllleong/docworkshop/internal/config"
	"github.com/Lllllllleong/docworkshop/internal/metrics"
	"github.com/Lllllllleong/docworkshop/internal/models"
	"github.com/Lllllllleong/docworkshop/internal/pdfops"
	"github.com/Lllllllleong/docworkshop/internal/testutil"
	"github.com/Lllllllleong/docworkshop/internal/workspace"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLedger struct {
	mu      sync.Mutex
	records []models.ArtifactRecord
}

func (l *recordingLedger) Record(_ context.Context, rec models.ArtifactRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

type fixture struct {
	cfg        *config.Config
	policy     *workspace.Policy
	sessions   *workspace.SessionStore
	store      *artifacts.LocalStore
	ledger     *recordingLedger
	runner     *testutil.Runner
	metrics    *metrics.Metrics
	dispatcher *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	root := t.TempDir()
	cfg.Storage.UploadRoot = filepath.Join(root, "uploads")
	cfg.Storage.ProcessedRoot = filepath.Join(root, "processed")
	cfg.Compress.Timeout = 2 * time.Second
	cfg.Convert.Timeout = 2 * time.Second

	f := &fixture{cfg: cfg, ledger: &recordingLedger{}, runner: &testutil.Runner{}, metrics: metrics.New()}
	locker := workspace.NewMemoryLocker()
	f.policy = workspace.NewPolicy(cfg.Storage)
	f.sessions, err = workspace.NewSessionStore(f.policy, locker)
	require.NoError(t, err)
	f.store, err = artifacts.NewLocalStore(cfg.Storage.ProcessedRoot, cfg.Storage.ArtifactTTL)
	require.NoError(t, err)
	f.dispatcher = NewDispatcher(cfg, Dependencies{
		Sessions:  f.sessions,
		Locker:    locker,
		Artifacts: f.store,
		Ledger:    f.ledger,
		Runner:    f.runner,
		Metrics:   f.metrics,
	})
	return f
}

type upload struct {
	name    string
	content []byte
}

func pdf(name string, pages int) upload { return upload{name: name, content: testutil.PDF(pages)} }

func (f *fixture) session(t *testing.T, files ...upload) string {
	t.Helper()
	token, err := f.sessions.Create()
	require.NoError(t, err)
	for _, u := range files {
		_, err := f.sessions.Stage(token, u.name, strings.NewReader(string(u.content)))
		require.NoError(t, err)
	}
	return token
}

// fetch copies an artifact into a temp file and returns its path.
func (f *fixture) fetch(t *testing.T, name string) string {
	t.Helper()
	rc, _, err := f.store.Open(context.Background(), name)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return testutil.WriteFile(t, t.TempDir(), name, data)
}

func assertSessionGone(t *testing.T, f *fixture, token string) {
	t.Helper()
	_, err := f.sessions.Resolve(token)
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
}

func assertSessionKept(t *testing.T, f *fixture, token string) {
	t.Helper()
	_, err := f.sessions.Resolve(token)
	assert.NoError(t, err)
}

func assertKind(t *testing.T, err error, kind models.Kind, msg string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, models.KindOf(err))
	assert.Equal(t, msg, models.PublicMessage(err))
}

func TestMerge(t *testing.T) {
	f := newFixture(t)
	a, b := pdf("b_second.pdf", 3), pdf("a_first.pdf", 2)
	token := f.session(t, a, b)

	resp, err := f.dispatcher.Merge(context.Background(), &models.MergeRequest{Token: token})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, int64(len(a.content)+len(b.content)), resp.OriginalSize)
	assert.Equal(t, "/download/"+resp.Artifact, resp.DownloadURL)
	assert.True(t, strings.HasPrefix(resp.Artifact, "merged_"))
	assert.True(t, strings.HasSuffix(resp.Artifact, "_"+token+".pdf"))
	assert.Equal(t, pdfops.StrategyPdfcpu, resp.Method)
	require.NotNil(t, resp.Reduction)

	n, err := pdfops.Toolkit{}.PageCount(f.fetch(t, resp.Artifact))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assertSessionGone(t, f, token)

	require.Len(t, f.ledger.records, 1)
	rec := f.ledger.records[0]
	assert.Equal(t, "merge", rec.Operation)
	assert.Equal(t, []string{"a_first.pdf", "b_second.pdf"}, rec.SourceNames)
	assert.Len(t, rec.SourceHash, 64)
}

func TestMergeNeedsTwoDocuments(t *testing.T) {
	f := newFixture(t)
	token := f.session(t, pdf("only.pdf", 1))

	_, err := f.dispatcher.Merge(context.Background(), &models.MergeRequest{Token: token})
	assertKind(t, err, models.KindValidation, "need at least 2 documents")
	assertSessionKept(t, f, token)
}

func TestSessionIsSingleUse(t *testing.T) {
	f := newFixture(t)
	token := f.session(t, pdf("a.pdf", 1), pdf("b.pdf", 1))

	_, err := f.dispatcher.Merge(context.Background(), &models.MergeRequest{Token: token})
	require.NoError(t, err)
	_, err = f.dispatcher.Merge(context.Background(), &models.MergeRequest{Token: token})
	assertKind(t, err, models.KindNotFound, "session not found")
}

func readArchive(t *testing.T, path string) map[string]string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	dir := t.TempDir()
	out := make(map[string]string)
	for _, zf := range zr.File {
		rc, err := zf.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		out[zf.Name] = testutil.WriteFile(t, dir, zf.Name, data)
	}
	return out
}

func TestSplit(t *testing.T) {
	f := newFixture(t)
	token := f.session(t, pdf("book.pdf", 10))

	resp, err := f.dispatcher.Split(context.Background(), &models.SplitRequest{Token: token, PageRange: "2-4,7"})
	require.NoError(t, err)
	assert.Equal(t, "split_"+token+"_book.zip", resp.Artifact)
	assert.Nil(t, resp.Reduction)

	parts := readArchive(t, f.fetch(t, resp.Artifact))
	require.Len(t, parts, 2)
	for name, want := range map[string]int{"page_1.pdf": 3, "page_2.pdf": 1} {
		require.Contains(t, parts, name)
		n, err := pdfops.Toolkit{}.PageCount(parts[name])
		require.NoError(t, err)
		assert.Equal(t, want, n, name)
	}
	assertSessionGone(t, f, token)
}

func TestSplitWithoutRangeKeepsWholeDocument(t *testing.T) {
	f := newFixture(t)
	token := f.session(t, pdf("book.pdf", 4))

	resp, err := f.dispatcher.Split(context.Background(), &models.SplitRequest{Token: token})
	require.NoError(t, err)

	parts := readArchive(t, f.fetch(t, resp.Artifact))
	require.Len(t, parts, 1)
	n, err := pdfops.Toolkit{}.PageCount(parts["page_1.pdf"])
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestSplitRejectsMalformedRange(t *testing.T) {
	f := newFixture(t)
	token := f.session(t, pdf("book.pdf", 10))

	_, err := f.dispatcher.Split(context.Background(), &models.SplitRequest{Token: token, PageRange: "two-four"})
	assertKind(t, err, models.KindValidation, "invalid page range")
	assertSessionKept(t, f, token)
}

func TestSplitOutsideDocumentYieldsEmptyArchive(t *testing.T) {
	f := newFixture(t)
	token := f.session(t, pdf("short.pdf", 3))

	resp, err := f.dispatcher.Split(context.Background(), &models.SplitRequest{Token: token, PageRange: "9, 25"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "split_"+token+"_short.zip", resp.Artifact)
	assert.Empty(t, readArchive(t, f.fetch(t, resp.Artifact)))
	assertSessionGone(t, f, token)
}

func TestMergeWithoutDocumentsNeedsTwo(t *testing.T) {
	f := newFixture(t)
	token := f.session(t, upload{name: "notes.docx", content: []byte("PK")})

	_, err := f.dispatcher.Merge(context.Background(), &models.MergeRequest{Token: token})
	assertKind(t, err, models.KindValidation, "need at least 2 documents")
	assertSessionKept(t, f, token)
}

func TestLock(t *testing.T) {
	f := newFixture(t)
	doc := pdf("secret.pdf", 2)
	token := f.session(t, doc)

	_, err := f.dispatcher.Lock(context.Background(), &models.LockRequest{Token: token})
	assertKind(t, err, models.KindValidation, "password is required")

	resp, err := f.dispatcher.Lock(context.Background(), &models.LockRequest{Token: token, Password: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, "locked_"+token+"_secret.pdf", resp.Artifact)

	locked, err := os.ReadFile(f.fetch(t, resp.Artifact))
	require.NoError(t, err)
	assert.NotEqual(t, doc.content, locked)
	assert.Contains(t, string(locked), "/Encrypt")
}

func TestLockProcessingFailureKeepsSession(t *testing.T) {
	f := newFixture(t)
	token := f.session(t, upload{name: "broken.pdf", content: []byte("definitely not a pdf")})

	_, err := f.dispatcher.Lock(context.Background(), &models.LockRequest{Token: token, Password: "pw"})
	assertKind(t, err, models.KindProcessing, "encryption failed")
	assertSessionKept(t, f, token)
	assert.Empty(t, f.ledger.records)
}

func TestCompressWithGhostscript(t *testing.T) {
	f := newFixture(t)
	doc := pdf("scan.pdf", 3)
	token := f.session(t, doc)
	f.runner.Fn = func(_ context.Context, name string, args []string) error {
		out, _ := testutil.FlagValue(args, "-sOutputFile=")
		return os.WriteFile(out, []byte("%PDF-1.4 tiny"), 0o644)
	}

	resp, err := f.dispatcher.Compress(context.Background(), &models.CompressRequest{Token: token, Level: 3})
	require.NoError(t, err)
	assert.Equal(t, pdfops.StrategyGhostscript, resp.Method)
	assert.Equal(t, "compressed_"+token+"_scan.pdf", resp.Artifact)
	assert.Equal(t, int64(len("%PDF-1.4 tiny")), resp.NewSize)
	require.NotNil(t, resp.Reduction)
	want, err := pdfops.Reduction(int64(len(doc.content)), resp.NewSize)
	require.NoError(t, err)
	assert.Equal(t, want, *resp.Reduction)

	calls := f.runner.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "-dPDFSETTINGS=/screen")
}

func TestCompressFallsBackToPdfcpu(t *testing.T) {
	f := newFixture(t)
	token := f.session(t, pdf("scan.pdf", 2))
	f.runner.Fn = func(context.Context, string, []string) error {
		return errors.New("gs: not installed")
	}

	resp, err := f.dispatcher.Compress(context.Background(), &models.CompressRequest{Token: token})
	require.NoError(t, err)
	assert.Equal(t, pdfops.StrategyPdfcpu, resp.Method)
	assert.Contains(t, f.runner.Calls()[0], "-dPDFSETTINGS=/ebook")

	n, err := pdfops.Toolkit{}.PageCount(f.fetch(t, resp.Artifact))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCompressValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.dispatcher.Compress(ctx, &models.CompressRequest{})
	assertKind(t, err, models.KindValidation, "missing token")

	token := f.session(t, pdf("a.pdf", 1))
	_, err = f.dispatcher.Compress(ctx, &models.CompressRequest{Token: token, Level: 7})
	assertKind(t, err, models.KindValidation, "invalid compression level")

	empty := f.session(t, upload{name: "empty.pdf"})
	_, err = f.dispatcher.Compress(ctx, &models.CompressRequest{Token: empty, Level: 1})
	assertKind(t, err, models.KindValidation, "document is empty")

	many := f.session(t, pdf("a.pdf", 1), pdf("b.pdf", 1))
	_, err = f.dispatcher.Compress(ctx, &models.CompressRequest{Token: many})
	assertKind(t, err, models.KindValidation, "multiple documents found, expected exactly one")

	none := f.session(t, upload{name: "notes.docx", content: []byte("PK")})
	_, err = f.dispatcher.Compress(ctx, &models.CompressRequest{Token: none})
	assertKind(t, err, models.KindValidation, "no document found")

	_, err = f.dispatcher.Compress(ctx, &models.CompressRequest{Token: "6ba7b810-9dad-11d1-80b4-00c04fd430c8"})
	assertKind(t, err, models.KindNotFound, "session not found")
}

func TestConvertToDocx(t *testing.T) {
	f := newFixture(t)
	token := f.session(t, pdf("letter.pdf", 1))
	f.runner.Fn = func(_ context.Context, name string, args []string) error {
		outDir, _ := testutil.ArgAfter(args, "--outdir")
		return os.WriteFile(filepath.Join(outDir, "letter.docx"), []byte("PK docx"), 0o644)
	}

	resp, err := f.dispatcher.Convert(context.Background(), &models.ConvertRequest{Token: token, Format: "DOCX"})
	require.NoError(t, err)
	assert.Equal(t, "converted_"+token+"_letter.docx", resp.Artifact)
	assert.Equal(t, "libreoffice", resp.Method)
	assert.Equal(t, "soffice", f.runner.Calls()[0][0])
}

func TestConvertToImages(t *testing.T) {
	f := newFixture(t)
	token := f.session(t, pdf("deck.pdf", 3))
	f.runner.Fn = func(_ context.Context, _ string, args []string) error {
		return os.WriteFile(args[len(args)-1]+".jpg", []byte("jpeg"), 0o644)
	}

	resp, err := f.dispatcher.Convert(context.Background(), &models.ConvertRequest{Token: token, Format: "image", Quality: 70})
	require.NoError(t, err)
	assert.Equal(t, "images_"+token+"_deck.zip", resp.Artifact)
	assert.Equal(t, "pdftoppm", resp.Method)

	parts := readArchive(t, f.fetch(t, resp.Artifact))
	assert.Len(t, parts, 3)
	assert.Contains(t, parts, "page_001.jpg")
	assert.Contains(t, f.runner.Calls()[0], "quality=70")
}

func TestConvertValidationAndFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := f.session(t, pdf("deck.pdf", 1))

	_, err := f.dispatcher.Convert(ctx, &models.ConvertRequest{Token: token, Format: "xlsx"})
	assertKind(t, err, models.KindValidation, "unsupported format")
	_, err = f.dispatcher.Convert(ctx, &models.ConvertRequest{Token: token, Format: "image", Quality: 101})
	assertKind(t, err, models.KindValidation, "invalid image quality")

	f.runner.Fn = func(context.Context, string, []string) error { return errors.New("soffice crashed") }
	_, err = f.dispatcher.Convert(ctx, &models.ConvertRequest{Token: token, Format: "docx"})
	assertKind(t, err, models.KindProcessing, "conversion to docx failed")
	assertSessionKept(t, f, token)
}

func TestDispatchSerializesPerToken(t *testing.T) {
	f := newFixture(t)
	token := f.session(t, pdf("a.pdf", 1), pdf("b.pdf", 1))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.dispatcher.Merge(context.Background(), &models.MergeRequest{Token: token})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.Equal(t, models.KindNotFound, models.KindOf(err))
	}
	assert.Equal(t, 1, succeeded)
}
