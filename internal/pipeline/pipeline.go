package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"imagecompressor/internal/archive"
	"imagecompressor/internal/cleanup"
	"imagecompressor/internal/models"
	"imagecompressor/internal/naming"
	"imagecompressor/internal/store"
)

const archiveExt = "zip"

// Transcoder turns the image at path into encoded output bytes.
type Transcoder interface {
	Transcode(ctx context.Context, path string) ([]byte, error)
}

// Observer receives one event per file once its outcome is known.
// Calls are serialized.
type Observer func(models.ProgressEvent)

// Request is one upload batch.
type Request struct {
	BatchID string
	Files   []models.UploadedFile
	// BaseURL is prefixed to the stored name to form the download URL.
	BaseURL  string
	Observer Observer
}

// Pipeline transcodes an upload batch and stores exactly one artifact for it.
type Pipeline struct {
	logger     *slog.Logger
	transcoder Transcoder
	store      store.Store
	remover    *cleanup.Remover
	ext        string
	workers    int
}

// New builds a pipeline. workers bounds concurrent transcodes within one
// bulk request; non-positive means GOMAXPROCS.
func New(logger *slog.Logger, tc Transcoder, st store.Store, remover *cleanup.Remover, ext string, workers int) *Pipeline {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Pipeline{
		logger:     logger,
		transcoder: tc,
		store:      st,
		remover:    remover,
		ext:        strings.TrimPrefix(ext, "."),
		workers:    workers,
	}
}

// Process runs the batch. A single file is stored as-is; several files are
// packed into one archive, skipping those that fail. Every transient source
// is removed before Process returns.
func (p *Pipeline) Process(ctx context.Context, req Request) (*models.OutputArtifact, error) {
	if len(req.Files) == 0 {
		return nil, &ValidationError{Message: msgNoFiles}
	}

	logger := p.logger.With("batch_id", req.BatchID)
	started := time.Now()
	stats := &BatchStats{Total: len(req.Files)}
	notify := serialize(req.Observer)

	var (
		artifact *models.OutputArtifact
		err      error
	)
	if len(req.Files) == 1 {
		artifact, err = p.processSingle(ctx, req, stats, notify)
	} else {
		artifact, err = p.processBulk(ctx, req, stats, notify, logger)
	}
	if err != nil {
		logger.Warn("batch failed", "files", stats.Total, "failed", stats.Failed, "error", err)
		return nil, err
	}

	logger.Info("batch completed",
		"type", artifact.Kind,
		"stored_name", artifact.StoredName,
		"files", stats.Total,
		"succeeded", stats.Succeeded,
		"failed", stats.Failed,
		"bytes_saved", stats.SpaceSaved(),
		"duration", time.Since(started),
	)
	return artifact, nil
}

func (p *Pipeline) processSingle(ctx context.Context, req Request, stats *BatchStats, notify Observer) (*models.OutputArtifact, error) {
	file := req.Files[0]
	out := p.transcodeOne(ctx, file)
	notify(progressEvent(req.BatchID, 0, 1, out))

	if !out.OK() {
		stats.Failed++
		return nil, out.Err
	}
	stats.Succeeded++
	stats.InputBytes += file.Size
	stats.OutputBytes += int64(len(out.Data))

	name := naming.NewName(p.ext)
	if err := p.store.Put(ctx, name, out.Data); err != nil {
		return nil, err
	}
	return newArtifact(models.KindSingle, name, req.BaseURL), nil
}

func (p *Pipeline) processBulk(ctx context.Context, req Request, stats *BatchStats, notify Observer, logger *slog.Logger) (*models.OutputArtifact, error) {
	total := len(req.Files)
	outcomes := make([]models.Outcome, total)

	var g errgroup.Group
	g.SetLimit(p.workers)
	for i, file := range req.Files {
		g.Go(func() error {
			out := p.transcodeOne(ctx, file)
			outcomes[i] = out
			if !out.OK() {
				logger.Warn("file skipped", "file", file.OriginalName, "error", out.Err)
			}
			notify(progressEvent(req.BatchID, i, total, out))
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	builder := archive.NewBuilder()
	for i, out := range outcomes {
		if !out.OK() {
			stats.Failed++
			continue
		}
		if _, err := builder.Add(naming.EntryName(out.SourceName, p.ext), out.Data); err != nil {
			return nil, fmt.Errorf("failed to add archive entry: %w", err)
		}
		stats.Succeeded++
		stats.InputBytes += req.Files[i].Size
		stats.OutputBytes += int64(len(out.Data))
	}

	if builder.Len() == 0 {
		return nil, &ValidationError{Message: msgNoneSucceeded}
	}

	data, err := builder.Serialize()
	if err != nil {
		return nil, err
	}

	name := naming.NewName(archiveExt)
	if err := p.store.Put(ctx, name, data); err != nil {
		return nil, err
	}
	return newArtifact(models.KindBulk, name, req.BaseURL), nil
}

// transcodeOne transcodes file and removes its source regardless of the outcome.
func (p *Pipeline) transcodeOne(ctx context.Context, file models.UploadedFile) models.Outcome {
	data, err := p.transcoder.Transcode(ctx, file.TempPath)
	p.remover.Remove(file.TempPath)
	if err != nil {
		return models.Outcome{SourceName: file.OriginalName, Err: err}
	}
	return models.Outcome{SourceName: file.OriginalName, Data: data}
}

func newArtifact(kind models.ArtifactKind, name, baseURL string) *models.OutputArtifact {
	return &models.OutputArtifact{
		Kind:       kind,
		StoredName: name,
		URL:        strings.TrimRight(baseURL, "/") + "/" + name,
	}
}

func progressEvent(batchID string, index, total int, out models.Outcome) models.ProgressEvent {
	evt := models.ProgressEvent{
		BatchID: batchID,
		Index:   index,
		Total:   total,
		File:    out.SourceName,
		Status:  models.FileCompressed,
	}
	if !out.OK() {
		evt.Status = models.FileFailed
		evt.Error = out.Err.Error()
	}
	return evt
}

func serialize(obs Observer) Observer {
	if obs == nil {
		return func(models.ProgressEvent) {}
	}
	var mu sync.Mutex
	return func(evt models.ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		obs(evt)
	}
}
