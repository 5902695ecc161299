package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/chai2010/webp"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagecompressor/internal/cleanup"
	"imagecompressor/internal/models"
	"imagecompressor/internal/store"
	"imagecompressor/internal/transcoder"
)

const baseURL = "http://localhost:8080/files"

type fixture struct {
	uploads string
	outputs string
	store   *store.LocalStore
	p       *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		uploads: filepath.Join(root, "uploads"),
		outputs: filepath.Join(root, "outputs"),
	}
	require.NoError(t, os.MkdirAll(f.uploads, 0o755))

	st, err := store.NewLocalStore(f.outputs)
	require.NoError(t, err)
	f.store = st

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tc := transcoder.NewService(logger, models.DefaultProfile())
	f.p = New(logger, tc, st, cleanup.NewRemover(logger), transcoder.Extension(), 2)
	return f
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y += 7 {
		img.Set(w/2, y, color.NRGBA{R: 200, G: 10, B: 10, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

var corrupt = []byte("this is not an image at all")

func (f *fixture) upload(t *testing.T, original string, data []byte) models.UploadedFile {
	t.Helper()
	tmp, err := os.CreateTemp(f.uploads, "upload-*")
	require.NoError(t, err)
	_, err = tmp.Write(data)
	require.NoError(t, err)
	require.NoError(t, tmp.Close())
	return models.UploadedFile{TempPath: tmp.Name(), OriginalName: original, Size: int64(len(data))}
}

func (f *fixture) outputEntries(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.outputs)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func (f *fixture) assertUploadsGone(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.uploads)
	require.NoError(t, err)
	assert.Empty(t, entries, "transient sources must be removed")
}

func zipEntries(t *testing.T, path string) map[string][]byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	out := make(map[string][]byte)
	for _, zf := range zr.File {
		rc, err := zf.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		out[zf.Name] = body
	}
	return out
}

func TestProcess_NoFiles(t *testing.T) {
	f := newFixture(t)

	_, err := f.p.Process(context.Background(), Request{BaseURL: baseURL})

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "no files", ve.Message)
	assert.Empty(t, f.outputEntries(t))
}

func TestProcess_SinglePNG(t *testing.T) {
	f := newFixture(t)
	in := f.upload(t, "wide.png", pngBytes(t, 2400, 600))

	art, err := f.p.Process(context.Background(), Request{BatchID: "a", Files: []models.UploadedFile{in}, BaseURL: baseURL})
	require.NoError(t, err)

	assert.Equal(t, models.KindSingle, art.Kind)
	assert.True(t, strings.HasSuffix(art.StoredName, ".webp"))
	assert.Equal(t, baseURL+"/"+art.StoredName, art.URL)
	assert.Equal(t, []string{art.StoredName}, f.outputEntries(t))

	data, err := os.ReadFile(filepath.Join(f.outputs, art.StoredName))
	require.NoError(t, err)
	cfg, err := webp.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.LessOrEqual(t, cfg.Width, 1600)

	f.assertUploadsGone(t)
}

func TestProcess_SingleCorrupt(t *testing.T) {
	f := newFixture(t)
	in := f.upload(t, "bad.png", corrupt)

	_, err := f.p.Process(context.Background(), Request{Files: []models.UploadedFile{in}, BaseURL: baseURL})

	var te *transcoder.TranscodeError
	require.True(t, errors.As(err, &te))
	assert.Empty(t, f.outputEntries(t))
	f.assertUploadsGone(t)
}

func TestProcess_BulkSkipsCorrupt(t *testing.T) {
	f := newFixture(t)
	files := []models.UploadedFile{
		f.upload(t, "one.png", pngBytes(t, 50, 50)),
		f.upload(t, "two.jpg", corrupt),
		f.upload(t, "three.png", pngBytes(t, 1800, 100)),
	}

	art, err := f.p.Process(context.Background(), Request{BatchID: "b", Files: files, BaseURL: baseURL})
	require.NoError(t, err)

	assert.Equal(t, models.KindBulk, art.Kind)
	assert.True(t, strings.HasSuffix(art.URL, ".zip"))
	assert.Equal(t, []string{art.StoredName}, f.outputEntries(t))

	entries := zipEntries(t, filepath.Join(f.outputs, art.StoredName))
	require.Len(t, entries, 2)
	for name, body := range entries {
		_, err := webp.Decode(bytes.NewReader(body))
		assert.NoError(t, err, name)
	}
	assert.Contains(t, entries, "one.webp")
	assert.Contains(t, entries, "three.webp")

	f.assertUploadsGone(t)
}

func TestProcess_BulkAllCorrupt(t *testing.T) {
	f := newFixture(t)
	files := []models.UploadedFile{
		f.upload(t, "a.png", corrupt),
		f.upload(t, "b.png", corrupt),
	}

	_, err := f.p.Process(context.Background(), Request{Files: files, BaseURL: baseURL})

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "no files succeeded", ve.Error())
	assert.Empty(t, f.outputEntries(t))
	f.assertUploadsGone(t)
}

func TestProcess_BulkDuplicateNames(t *testing.T) {
	f := newFixture(t)
	files := []models.UploadedFile{
		f.upload(t, "photo.png", pngBytes(t, 20, 20)),
		f.upload(t, "photo.png", pngBytes(t, 30, 30)),
	}

	art, err := f.p.Process(context.Background(), Request{Files: files, BaseURL: baseURL})
	require.NoError(t, err)

	entries := zipEntries(t, filepath.Join(f.outputs, art.StoredName))
	require.Len(t, entries, 2)
	assert.Contains(t, entries, "photo.webp")
	assert.Contains(t, entries, "photo-1.webp")

	cfg, err := webp.DecodeConfig(bytes.NewReader(entries["photo-1.webp"]))
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Width, "later upload gets the suffixed name")
}

func TestProcess_BulkArchiveFollowsInputOrder(t *testing.T) {
	f := newFixture(t)
	var files []models.UploadedFile
	for i := 0; i < 6; i++ {
		files = append(files, f.upload(t, fmt.Sprintf("img%d.png", i), pngBytes(t, 10+i, 10)))
	}

	art, err := f.p.Process(context.Background(), Request{Files: files, BaseURL: baseURL})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(f.outputs, art.StoredName))
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var got []string
	for _, zf := range zr.File {
		got = append(got, zf.Name)
	}
	assert.Equal(t, []string{"img0.webp", "img1.webp", "img2.webp", "img3.webp", "img4.webp", "img5.webp"}, got)
}

func TestProcess_ObserverSeesEveryFile(t *testing.T) {
	f := newFixture(t)
	files := []models.UploadedFile{
		f.upload(t, "ok.png", pngBytes(t, 10, 10)),
		f.upload(t, "bad.png", corrupt),
		f.upload(t, "ok2.png", pngBytes(t, 10, 10)),
	}

	var events []models.ProgressEvent
	_, err := f.p.Process(context.Background(), Request{
		BatchID:  "batch-1",
		Files:    files,
		BaseURL:  baseURL,
		Observer: func(evt models.ProgressEvent) { events = append(events, evt) },
	})
	require.NoError(t, err)

	require.Len(t, events, 3)
	byFile := make(map[string]models.ProgressEvent)
	for _, evt := range events {
		assert.Equal(t, "batch-1", evt.BatchID)
		assert.Equal(t, 3, evt.Total)
		byFile[evt.File] = evt
	}
	assert.Equal(t, models.FileFailed, byFile["bad.png"].Status)
	assert.NotEmpty(t, byFile["bad.png"].Error)
	assert.Equal(t, models.FileCompressed, byFile["ok.png"].Status)
}

func TestProcess_ConcurrentRequestsGetDistinctNames(t *testing.T) {
	f := newFixture(t)
	const n = 8

	names := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		in := f.upload(t, "same.png", pngBytes(t, 16, 16))
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			art, err := f.p.Process(context.Background(), Request{Files: []models.UploadedFile{in}, BaseURL: baseURL})
			if assert.NoError(t, err) {
				names[i] = art.StoredName
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]struct{})
	for _, name := range names {
		seen[name] = struct{}{}
	}
	assert.Len(t, seen, n)
	assert.Len(t, f.outputEntries(t), n)
}

// failingStore rejects every write; the pipeline never deletes or sweeps.
type failingStore struct {
	store.Store
}

func (failingStore) Put(_ context.Context, name string, _ []byte) error {
	return &store.StoreWriteError{Name: name, Err: errors.New("disk full")}
}

func TestProcess_StoreFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := New(logger, transcoder.NewService(logger, models.DefaultProfile()), failingStore{}, cleanup.NewRemover(logger), "webp", 1)

	for _, files := range [][]models.UploadedFile{
		{f.upload(t, "a.png", pngBytes(t, 8, 8))},
		{f.upload(t, "a.png", pngBytes(t, 8, 8)), f.upload(t, "b.png", pngBytes(t, 8, 8))},
	} {
		_, err := p.Process(context.Background(), Request{Files: files, BaseURL: baseURL})
		var we *store.StoreWriteError
		assert.True(t, errors.As(err, &we))
	}
	f.assertUploadsGone(t)
}

func TestProcess_CanceledBulk(t *testing.T) {
	f := newFixture(t)
	files := []models.UploadedFile{
		f.upload(t, "a.png", pngBytes(t, 8, 8)),
		f.upload(t, "b.png", pngBytes(t, 8, 8)),
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.p.Process(ctx, Request{Files: files, BaseURL: baseURL})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.outputEntries(t))
	f.assertUploadsGone(t)
}

func TestBatchStats_SpaceSaved(t *testing.T) {
	s := BatchStats{InputBytes: 1000, OutputBytes: 250}
	assert.Equal(t, int64(750), s.SpaceSaved())
}
