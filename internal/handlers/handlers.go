package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"imagecompressor/internal/cleanup"
	"imagecompressor/internal/models"
	"imagecompressor/internal/naming"
	"imagecompressor/internal/pipeline"
	"imagecompressor/internal/transcoder"
)

const (
	defaultMaxUploadBytes = 200 * 1024 * 1024
	// multipart parts above this size spill to disk while parsing
	multipartMemory = 32 << 20
	formField       = "files"
	filesRoute      = "/files"

	subscriberBuffer = 64
	writeWait        = 10 * time.Second
)

// Options configures the HTTP surface.
type Options struct {
	UploadsDir string
	// FilesDir is served under /files. Empty disables the static route,
	// e.g. when artifacts live in object storage.
	FilesDir string
	// PublicBaseURL overrides the download prefix derived from the request.
	PublicBaseURL  string
	MaxUploadBytes int64
	RequestTimeout time.Duration
}

// subscriber owns one progress websocket. Events are queued and written by
// writeLoop, so a slow client never holds up a request.
type subscriber struct {
	conn   *websocket.Conn
	events chan models.ProgressEvent
	done   chan struct{}
	once   sync.Once
}

func newSubscriber(conn *websocket.Conn) *subscriber {
	return &subscriber{
		conn:   conn,
		events: make(chan models.ProgressEvent, subscriberBuffer),
		done:   make(chan struct{}),
	}
}

// offer queues evt without blocking. It reports false when the event was dropped.
func (s *subscriber) offer(evt models.ProgressEvent) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- evt:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

type App struct {
	logger *slog.Logger

	router   *chi.Mux
	pipeline *pipeline.Pipeline
	remover  *cleanup.Remover

	uploadsDir    string
	filesDir      string
	publicBaseURL string

	maxUploadBytes int64
	requestTimeout time.Duration

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}

	upgrader websocket.Upgrader
}

func NewApp(logger *slog.Logger, p *pipeline.Pipeline, remover *cleanup.Remover, opts Options) *App {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Minute
	}

	app := &App{
		logger:         logger,
		router:         chi.NewRouter(),
		pipeline:       p,
		remover:        remover,
		uploadsDir:     opts.UploadsDir,
		filesDir:       opts.FilesDir,
		publicBaseURL:  strings.TrimRight(opts.PublicBaseURL, "/"),
		maxUploadBytes: opts.MaxUploadBytes,
		requestTimeout: opts.RequestTimeout,
		subs:           make(map[string]map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	app.registerRoutes()
	return app
}

func (a *App) Router() http.Handler {
	return a.router
}

func (a *App) registerRoutes() {
	a.router.Use(middleware.RequestID)
	a.router.Use(middleware.RealIP)
	a.router.Use(middleware.Recoverer)
	a.router.Use(a.corsMiddleware)

	a.router.Get("/healthz", a.health)
	a.router.Get("/ws/{batch}", a.batchWS)
	a.router.With(middleware.Timeout(a.requestTimeout)).Post("/compress", a.compress)

	if a.filesDir != "" {
		files := http.StripPrefix(filesRoute+"/", http.FileServer(http.Dir(a.filesDir)))
		a.router.Handle(filesRoute+"/*", noDirListing(files))
	}
}

func (a *App) health(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "timestamp": time.Now().Format(time.RFC3339)})
}

func (a *App) compress(w http.ResponseWriter, r *http.Request) {
	limit := a.maxUploadBytes + 1024
	if r.ContentLength > limit {
		a.respondTooLarge(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	var headers []*multipart.FileHeader
	err := r.ParseMultipartForm(multipartMemory)
	switch {
	case err == nil:
		defer func() { _ = r.MultipartForm.RemoveAll() }()
		headers = r.MultipartForm.File[formField]
	case errors.Is(err, http.ErrNotMultipart):
	default:
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.respondTooLarge(w)
			return
		}
		a.logger.Warn("invalid multipart upload", "error", err)
		a.respondError(w, http.StatusBadRequest, "invalid multipart upload")
		return
	}

	files, err := a.saveUploads(headers)
	if err != nil {
		a.logger.Error("failed to persist upload", "error", err)
		a.respondError(w, http.StatusInternalServerError, "Server error")
		return
	}

	batchID := strings.TrimSpace(r.URL.Query().Get("batch"))
	req := pipeline.Request{
		BatchID: batchID,
		Files:   files,
		BaseURL: a.downloadBase(r),
	}
	if batchID != "" {
		req.Observer = func(evt models.ProgressEvent) { a.broadcast(batchID, evt) }
	} else {
		req.BatchID = middleware.GetReqID(r.Context())
	}

	artifact, err := a.pipeline.Process(r.Context(), req)
	if err != nil {
		a.respondPipelineError(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, models.CompressResponse{Type: artifact.Kind, URL: artifact.URL})
}

// saveUploads copies every part into the uploads dir under a generated name.
// On failure, the files already written are removed.
func (a *App) saveUploads(headers []*multipart.FileHeader) ([]models.UploadedFile, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(a.uploadsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure uploads dir: %w", err)
	}

	files := make([]models.UploadedFile, 0, len(headers))
	for _, h := range headers {
		f, err := a.saveUpload(h)
		if err != nil {
			for _, saved := range files {
				a.remover.Remove(saved.TempPath)
			}
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

func (a *App) saveUpload(h *multipart.FileHeader) (models.UploadedFile, error) {
	src, err := h.Open()
	if err != nil {
		return models.UploadedFile{}, fmt.Errorf("failed to open upload part: %w", err)
	}
	defer src.Close()

	path := filepath.Join(a.uploadsDir, naming.NewName("upload"))
	out, err := os.Create(path)
	if err != nil {
		return models.UploadedFile{}, fmt.Errorf("failed to create upload file: %w", err)
	}
	n, err := io.Copy(out, src)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		a.remover.Remove(path)
		return models.UploadedFile{}, fmt.Errorf("failed to write upload file: %w", err)
	}
	return models.UploadedFile{TempPath: path, OriginalName: h.Filename, Size: n}, nil
}

func (a *App) respondTooLarge(w http.ResponseWriter) {
	a.respondError(w, http.StatusBadRequest, fmt.Sprintf("upload exceeds %d bytes", a.maxUploadBytes))
}

// respondPipelineError maps pipeline failures to status codes. When the request
// context ended, nothing is written: middleware.Timeout answers 504 on deadline,
// and a canceled client is gone.
func (a *App) respondPipelineError(w http.ResponseWriter, err error) {
	var (
		ve *pipeline.ValidationError
		te *transcoder.TranscodeError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		a.logger.Warn("compression aborted", "error", err)
	case errors.As(err, &ve):
		a.respondError(w, http.StatusBadRequest, ve.Message)
	case errors.As(err, &te):
		a.logger.Warn("image rejected", "error", err)
		a.respondError(w, http.StatusBadRequest, "image could not be processed: "+te.Reason)
	default:
		a.logger.Error("compression error", "error", err)
		a.respondError(w, http.StatusInternalServerError, "Server error")
	}
}

// downloadBase is the URL prefix artifacts are reachable under.
func (a *App) downloadBase(r *http.Request) string {
	if a.publicBaseURL != "" {
		return a.publicBaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	return scheme + "://" + r.Host + filesRoute
}

func (a *App) batchWS(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch")

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	sub := newSubscriber(conn)

	a.mu.Lock()
	if a.subs[batchID] == nil {
		a.subs[batchID] = make(map[*subscriber]struct{})
	}
	a.subs[batchID][sub] = struct{}{}
	a.mu.Unlock()

	go a.writeLoop(batchID, sub)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	a.unsubscribe(batchID, sub)
	sub.close()
}

func (a *App) writeLoop(batchID string, sub *subscriber) {
	for {
		select {
		case <-sub.done:
			return
		case evt := <-sub.events:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteJSON(evt); err != nil {
				a.logger.Debug("progress subscriber dropped", "batch_id", batchID, "error", err)
				a.unsubscribe(batchID, sub)
				sub.close()
				return
			}
		}
	}
}

func (a *App) unsubscribe(batchID string, sub *subscriber) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.subs[batchID], sub)
	if len(a.subs[batchID]) == 0 {
		delete(a.subs, batchID)
	}
}

// broadcast never blocks: events for a subscriber whose queue is full are dropped.
func (a *App) broadcast(batchID string, evt models.ProgressEvent) {
	a.mu.RLock()
	subs := make([]*subscriber, 0, len(a.subs[batchID]))
	for s := range a.subs[batchID] {
		subs = append(subs, s)
	}
	a.mu.RUnlock()

	for _, s := range subs {
		s.offer(evt)
	}
}

func (a *App) respondError(w http.ResponseWriter, code int, msg string) {
	a.respondJSON(w, code, models.ErrorResponse{Error: msg})
}

func (a *App) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error("failed to encode json", "error", err)
	}
}

func noDirListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *App) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
