// Package server implements the HTTP surface of a running pipeline: detection requests, stats,
// Prometheus metrics and a health check.
package server

import (
	"context"
	"encoding/json"
	"image"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	goutils "go.viam.com/utils"

	"go.viam.com/batchvision/logging"
	"go.viam.com/batchvision/metrics"
	"go.viam.com/batchvision/pipeline"
)

// maxUploadBytes bounds the memory used parsing a multipart detect request.
const maxUploadBytes = 32 << 20

// ShutdownTimeout is how long Serve waits for in-flight requests once its context ends.
var ShutdownTimeout = 5 * time.Second

// Processor is the part of a pipeline the server drives.
type Processor interface {
	Process(ctx context.Context, frames []pipeline.Frame) ([]pipeline.FrameResult, error)
	Stats() pipeline.Stats
}

// Server routes HTTP requests to a Processor.
type Server struct {
	processor   Processor
	logger      logging.Logger
	router      *mux.Router
	handler     http.Handler
	corsOrigins []string
	clock       func() time.Time
}

// Option changes how a Server is built.
type Option func(*Server)

// WithCORS lets browsers on the given origins call the server. "*" allows any origin.
func WithCORS(origins ...string) Option {
	return func(s *Server) {
		s.corsOrigins = append(s.corsOrigins, origins...)
	}
}

// New builds a Server over processor. A nil m serves metrics from a fresh registry over
// processor.
func New(processor Processor, m *metrics.Metrics, logger logging.Logger, opts ...Option) *Server {
	if m == nil {
		m = metrics.New(processor)
	}
	if logger == nil {
		logger = logging.NewBlankLogger("web")
	}
	s := &Server{processor: processor, logger: logger, router: mux.NewRouter(), clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.router.HandleFunc("/detect", s.handleDetect).Methods(http.MethodPost)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	s.handler = s.router
	if len(s.corsOrigins) > 0 {
		s.handler = cors.New(cors.Options{
			AllowedOrigins: s.corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
		}).Handler(s.router)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", addr)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	s.logger.Infow("serving", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	goutils.PanicCapturingGo(func() {
		errCh <- srv.Serve(ln)
	})

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if serveErr := <-errCh; !errors.Is(serveErr, http.ErrServerClosed) && err == nil {
		err = serveErr
	}
	return err
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) sendError(w http.ResponseWriter, code string, err error, status int) {
	s.logger.Debugw("request failed", "code", code, "error", err)
	s.sendJSON(w, status, errorResponse{Code: code, Message: err.Error()})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debugw("writing response", "error", err)
	}
}

// handleDetect runs every image in the request through the pipeline as one call, so images
// uploaded together are batched together. Images come either as a raw body or as one or more
// "file" parts of a multipart form.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	images, err := readImages(r)
	if err != nil {
		s.sendError(w, "invalid_image", err, http.StatusBadRequest)
		return
	}
	stream := r.URL.Query().Get("stream")
	if stream == "" {
		stream = "http"
	}
	var first int64
	if v := r.URL.Query().Get("index"); v != "" {
		if first, err = strconv.ParseInt(v, 10, 64); err != nil {
			s.sendError(w, "invalid_request", errors.Wrap(err, "parsing index"), http.StatusBadRequest)
			return
		}
	}

	now := s.clock()
	frames := make([]pipeline.Frame, len(images))
	for i, img := range images {
		frames[i] = pipeline.Frame{StreamID: stream, Index: first + int64(i), Image: img, Timestamp: now}
	}
	results, err := s.processor.Process(r.Context(), frames)
	if err != nil {
		var stageErr *pipeline.StageError
		if errors.As(err, &stageErr) {
			s.sendError(w, "stage_"+stageErr.Stage, err, http.StatusBadGateway)
			return
		}
		s.sendError(w, "processing_error", err, http.StatusInternalServerError)
		return
	}
	s.sendJSON(w, http.StatusOK, detectResponse{Frames: framesJSON(results)})
}

func readImages(r *http.Request) ([]image.Image, error) {
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return nil, err
		}
		files := r.MultipartForm.File["file"]
		if len(files) == 0 {
			return nil, errors.New(`multipart request has no "file" parts`)
		}
		images := make([]image.Image, 0, len(files))
		for _, fh := range files {
			f, err := fh.Open()
			if err != nil {
				return nil, err
			}
			img, err := imaging.Decode(f)
			goutils.UncheckedError(f.Close())
			if err != nil {
				return nil, errors.Wrapf(err, "decoding %s", fh.Filename)
			}
			images = append(images, img)
		}
		return images, nil
	}

	img, err := imaging.Decode(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil {
		return nil, errors.Wrap(err, "decoding request body")
	}
	return []image.Image{img}, nil
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.sendJSON(w, http.StatusOK, statsJSON(s.processor.Stats()))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
