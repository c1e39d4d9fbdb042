package web

import (
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"shuttle/internal/config"
	"shuttle/internal/metrics"
	"shuttle/internal/ui"
	"shuttle/internal/uploader"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// multipartOverhead is the slack allowed on top of the file size for
	// multipart boundaries and part headers.
	multipartOverhead = 1 << 20
	maxMemory         = 32 << 20

	ReadHeaderTimeout = 15 * time.Second
	ReadTimeout       = 10 * time.Minute
	WriteTimeout      = 10 * time.Minute
)

// Server renders the upload page and runs uploads. The startup status and
// config are read-only after construction.
type Server struct {
	cfg     config.Config
	auth    uploader.AuthStatus
	uploads *uploader.Service
	metrics *metrics.Metrics
	static  http.Handler
}

// NewServer wires the HTTP surface. uploads may be nil only when auth is not
// OK.
func NewServer(cfg config.Config, auth uploader.AuthStatus, uploads *uploader.Service, m *metrics.Metrics) (*Server, error) {
	if auth.OK && uploads == nil {
		return nil, errors.New("upload service is required when startup auth succeeded")
	}

	static, err := ui.StaticHandler()
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:     cfg,
		auth:    auth,
		uploads: uploads,
		metrics: m,
		static:  static,
	}, nil
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /{$}", s.handleUpload)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.Handle("GET /static/", s.static)

	handler := Compress(mux)
	handler = LogRequest(handler)
	handler = Recoverer(handler, s.handlePanic)
	return handler
}

// HTTPServer returns an http.Server for addr with bounded timeouts.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
	}
}

func (s *Server) page() ui.Page {
	p := ui.Page{
		Badges: ui.Badges{
			Endpoint: s.cfg.EndpointHost(),
			Region:   s.cfg.Region,
			Bucket:   s.cfg.Bucket,
		},
		LinkLifetime: lifetime(s.cfg.PresignExpiry),
	}
	if !s.auth.OK {
		p.StartupError = s.auth.Detail
	}
	return p
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, s.page())
}

type uploadResponse struct {
	URL         string    `json:"url"`
	Key         string    `json:"key"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if e := s.auth.Err(); e != nil {
		s.fail(w, r, e)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(maxMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(w, r, uploader.ErrTooLarge)
			return
		}
		slog.Warn("Failed to parse upload form", "err", err)
		s.fail(w, r, uploader.ErrNoFile)
		return
	}
	if r.MultipartForm != nil {
		defer func() {
			if err := r.MultipartForm.RemoveAll(); err != nil {
				slog.Debug("Failed to remove multipart temp files", "err", err)
			}
		}()
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.fail(w, r, uploader.ErrNoFile)
		return
	}
	defer file.Close()

	if header.Size > s.cfg.MaxUploadBytes {
		s.fail(w, r, uploader.ErrTooLarge)
		return
	}

	res, uerr := s.uploads.Upload(ctx, fileFromHeader(file, header))
	if uerr != nil {
		s.fail(w, r, uerr)
		return
	}

	if wantsJSON(r) {
		s.writeJSON(w, http.StatusOK, uploadResponse{
			URL:         res.URL,
			Key:         res.Key,
			Size:        res.Size,
			ContentType: res.ContentType,
			ExpiresAt:   res.ExpiresAt,
		})
		return
	}

	p := s.page()
	p.Upload = &ui.Upload{
		URL:       res.URL,
		Key:       res.Key,
		ExpiresAt: res.ExpiresAt.Format(time.RFC3339),
	}
	s.render(w, r, http.StatusOK, p)
}

func fileFromHeader(file multipart.File, header *multipart.FileHeader) uploader.File {
	return uploader.File{
		Name:        rawFilename(header),
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	}
}

// rawFilename returns the filename exactly as the client sent it.
// multipart.FileHeader.Filename has already had its directories stripped,
// which would hide traversal attempts from the sanitizer.
func rawFilename(header *multipart.FileHeader) string {
	_, params, err := mime.ParseMediaType(header.Header.Get("Content-Disposition"))
	if err != nil {
		return header.Filename
	}
	if name, ok := params["filename"]; ok {
		return name
	}
	return header.Filename
}

// fail renders e as the page's error block, or as JSON when asked for.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, e *uploader.Error) {
	status := e.Kind.HTTPStatus()
	msg := userMessage(e)

	if wantsJSON(r) {
		s.writeJSON(w, status, errorResponse{Error: msg, Kind: e.Kind.String()})
		return
	}

	p := s.page()
	if e.Kind != uploader.KindAuth && e.Kind != uploader.KindConfig {
		p.Error = msg
	}
	s.render(w, r, status, p)
}

// userMessage adds the step that failed to preflight errors.
func userMessage(e *uploader.Error) string {
	switch e.Kind {
	case uploader.KindBucketNotFound, uploader.KindPermission, uploader.KindRegion, uploader.KindBucket:
		return "Bucket check failed: " + e.Message
	case uploader.KindDiagnostic:
		return "Diagnostic PutObject failed: " + e.Message
	default:
		return e.Message
	}
}

var errInternal = &uploader.Error{Kind: uploader.KindUnknown, Message: "Internal error."}

func (s *Server) handlePanic(w http.ResponseWriter, r *http.Request) {
	s.fail(w, r, errInternal)
}

type healthResponse struct {
	AuthOK    bool      `json:"auth_ok"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	if !s.auth.OK {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, healthResponse{
		AuthOK:    s.auth.OK,
		Detail:    s.auth.Detail,
		CheckedAt: s.auth.CheckedAt,
	})
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, p ui.Page) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := ui.UploadPage(p).Render(r.Context(), w); err != nil {
		slog.Error("Failed to render upload page", "err", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode JSON response", "err", err)
	}
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func lifetime(d time.Duration) string {
	switch {
	case d == time.Hour:
		return "1 hour"
	case d%time.Hour == 0:
		return fmt.Sprintf("%d hours", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%d minutes", d/time.Minute)
	default:
		return d.String()
	}
}
