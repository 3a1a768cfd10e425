package rasterize

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine writes a real JPEG, a tenth the size of a letter page at the job's DPI.
type fakeEngine struct {
	failPages map[int]bool
	block     bool
	missing   bool

	mu      sync.Mutex
	jobs    []Job
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Check(context.Context) error {
	if f.missing {
		return ErrEngineUnavailable
	}
	return nil
}

func (f *fakeEngine) RenderPage(ctx context.Context, job Job) error {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.failPages[job.Page] {
		return &CommandError{Name: "fake", Output: "Error: /syntaxerror in --run--", Err: errors.New("exit status 1")}
	}
	time.Sleep(5 * time.Millisecond)
	w, h := job.DPI*85/10, job.DPI*11
	img := image.NewGray(image.Rect(0, 0, w/10, h/10))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}
	return writeImage(job.OutputPath, img, job.Device, 80)
}

func newRequest(t *testing.T, pages ...int) Request {
	t.Helper()
	dir := t.TempDir()
	pdf := filepath.Join(dir, "edition.pdf")
	require.NoError(t, os.WriteFile(pdf, []byte("%PDF-1.4\n"), 0o644))
	return Request{
		PDFPath:   pdf,
		PageCount: 5,
		Pages:     pages,
		DPI:       StandardDPI,
		Device:    DeviceJPEG,
		OutputDir: filepath.Join(dir, "out"),
		ThumbDir:  filepath.Join(dir, "out", "thumbs"),
	}
}

func TestRasterizeWritesImagesAndThumbnails(t *testing.T) {
	eng := &fakeEngine{}
	r := New(eng, Options{Concurrency: 2, Timeout: time.Second, ThumbnailDPI: 40})
	req := newRequest(t, 1, 2, 3)

	results, err := r.Rasterize(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, results, 3)

	for i, res := range results {
		require.NoError(t, res.Err)
		assert.Equal(t, i+1, res.Page)
		assert.Equal(t, filepath.Join(req.OutputDir, PageFileName(i+1, DeviceJPEG)), res.Artifact.ImagePath)
		assert.FileExists(t, res.Artifact.ImagePath)
		assert.FileExists(t, res.Artifact.ThumbnailPath)
		assert.Equal(t, StandardDPI, res.Artifact.DPI)
	}

	var thumbJobs int
	for _, j := range eng.jobs {
		if j.DPI == 40 {
			thumbJobs++
		}
	}
	assert.Equal(t, 3, thumbJobs, "thumbnails are rendered from the PDF")

	leftovers, _ := filepath.Glob(filepath.Join(req.OutputDir, ".tmp-*"))
	assert.Empty(t, leftovers)
}

func TestRasterizeIsolatesPageFailures(t *testing.T) {
	eng := &fakeEngine{failPages: map[int]bool{2: true}}
	r := New(eng, Options{Concurrency: 3, Timeout: time.Second})
	req := newRequest(t, 1, 2, 3)

	results, err := r.Rasterize(context.Background(), req)
	require.NoError(t, err)

	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[2].Err)
	require.Error(t, results[1].Err)

	var f *Failure
	require.ErrorAs(t, results[1].Err, &f)
	assert.Equal(t, 2, f.Page)
	assert.Equal(t, "fake", f.Engine)
	assert.Contains(t, f.Output, "syntaxerror")
	assert.True(t, IsFailure(results[1].Err))

	assert.FileExists(t, filepath.Join(req.OutputDir, "page-001.jpg"))
	assert.FileExists(t, filepath.Join(req.OutputDir, "page-003.jpg"))
	assert.NoFileExists(t, filepath.Join(req.OutputDir, "page-002.jpg"))
}

func TestRasterizeTimeout(t *testing.T) {
	eng := &fakeEngine{block: true}
	r := New(eng, Options{Concurrency: 1, Timeout: 20 * time.Millisecond})

	results, err := r.Rasterize(context.Background(), newRequest(t, 4))
	require.NoError(t, err)
	require.Error(t, results[0].Err)
	assert.ErrorIs(t, results[0].Err, context.DeadlineExceeded)
	assert.Contains(t, results[0].Err.Error(), "timed out")
}

func TestRasterizeRespectsConcurrencyLimit(t *testing.T) {
	eng := &fakeEngine{}
	r := New(eng, Options{Concurrency: 2, Timeout: time.Second})

	_, err := r.Rasterize(context.Background(), newRequest(t, 1, 2, 3, 4, 5))
	require.NoError(t, err)
	assert.LessOrEqual(t, eng.maxSeen.Load(), int32(2))
}

func TestRasterizeEngineUnavailable(t *testing.T) {
	r := New(&fakeEngine{missing: true}, Options{})

	_, err := r.Rasterize(context.Background(), newRequest(t, 1))
	assert.ErrorIs(t, err, ErrEngineUnavailable)
}

func TestValidate(t *testing.T) {
	r := New(&fakeEngine{}, Options{})

	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"page zero", func(q *Request) { q.Pages = []int{0} }},
		{"page beyond count", func(q *Request) { q.Pages = []int{6} }},
		{"dpi too low", func(q *Request) { q.DPI = 50 }},
		{"dpi too high", func(q *Request) { q.DPI = 1200 }},
		{"bad device", func(q *Request) { q.Device = "tiff" }},
		{"missing pdf", func(q *Request) { q.PDFPath = filepath.Join(t.TempDir(), "nope.pdf") }},
		{"no output dir", func(q *Request) { q.OutputDir = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newRequest(t, 1)
			tt.mutate(&req)
			assert.Error(t, r.Validate(req))
		})
	}

	assert.NoError(t, r.Validate(newRequest(t, 1, 5)))

	legacy := newRequest(t, 2)
	legacy.DPI = LegacyDPI
	assert.NoError(t, r.Validate(legacy))
}

func TestParseDevice(t *testing.T) {
	d, err := ParseDevice("JPG")
	require.NoError(t, err)
	assert.Equal(t, DeviceJPEG, d)
	assert.Equal(t, "jpg", d.Ext())

	d, err = ParseDevice("png")
	require.NoError(t, err)
	assert.Equal(t, "png", d.Ext())

	_, err = ParseDevice("gif")
	assert.Error(t, err)
}
