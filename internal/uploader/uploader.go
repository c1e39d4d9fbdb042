// Package uploader implements the upload sequence: startup credential check,
// per-request bucket preflight, diagnostic write, the real write and the
// presigned download link.
package uploader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"shuttle/internal/config"
	"shuttle/internal/metrics"
	"shuttle/internal/storage"
)

const (
	DefaultContentType = "application/octet-stream"

	diagnosticBody        = "diag"
	diagnosticContentType = "text/plain"
)

// AuthStatus is the outcome of the startup credential check. It is computed
// once and shared read-only by every request.
type AuthStatus struct {
	OK        bool
	Detail    string
	CheckedAt time.Time
}

// Err returns the status as an *Error, or nil when OK.
func (s AuthStatus) Err() *Error {
	if s.OK {
		return nil
	}
	kind := KindAuth
	if strings.HasPrefix(s.Detail, missingConfigPrefix) {
		kind = KindConfig
	}
	return &Error{Kind: kind, Message: s.Detail}
}

const missingConfigPrefix = "missing configuration: "

// CheckAuth asks the store to list buckets, which needs valid credentials but
// no particular bucket.
func CheckAuth(ctx context.Context, store storage.Store, timeout time.Duration) AuthStatus {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status := AuthStatus{CheckedAt: time.Now().UTC()}
	if err := store.ListBuckets(ctx); err != nil {
		status.Detail = err.Error()
		slog.Error("Store rejected credentials", "err", status.Detail)
		return status
	}

	status.OK = true
	slog.Info("Store accepted credentials")
	return status
}

// Diagnose runs the startup check for cfg. Without a complete configuration
// no store call is made and the missing variables are reported instead.
func Diagnose(ctx context.Context, cfg config.Config, store storage.Store) AuthStatus {
	if missing := cfg.Missing(); len(missing) > 0 {
		return AuthStatus{
			Detail:    missingConfigPrefix + strings.Join(missing, ", "),
			CheckedAt: time.Now().UTC(),
		}
	}
	if store == nil {
		return AuthStatus{
			Detail:    "storage client unavailable",
			CheckedAt: time.Now().UTC(),
		}
	}
	return CheckAuth(ctx, store, cfg.StoreTimeout)
}

// File is an upload as received from the client.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Result describes a stored upload.
type Result struct {
	Key         string
	Size        int64
	ContentType string
	URL         string
	ExpiresAt   time.Time
}

// Service runs the upload sequence against one bucket. It holds no mutable
// state and is safe for concurrent use.
type Service struct {
	store   storage.Store
	cfg     config.Config
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Service)

// WithMetrics records store call latencies and outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock overrides the time source used for link expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(store storage.Store, cfg config.Config, opts ...Option) *Service {
	s := &Service{
		store: store,
		cfg:   cfg,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.StoreTimeout <= 0 {
		s.cfg.StoreTimeout = config.DefaultStoreTimeout
	}
	if s.cfg.PresignExpiry <= 0 || s.cfg.PresignExpiry > config.MaxPresignExpiry {
		s.cfg.PresignExpiry = config.MaxPresignExpiry
	}
	return s
}

// call runs fn under the per-call timeout and records its latency.
func (s *Service) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	s.metrics.ObserveStoreCall(op, time.Since(start))
	return err
}

// CheckBucket verifies that the configured bucket is reachable. It is never
// cached: reachability can change between requests.
func (s *Service) CheckBucket(ctx context.Context) *Error {
	err := s.call(ctx, "HeadBucket", func(ctx context.Context) error {
		return s.store.HeadBucket(ctx, s.cfg.Bucket)
	})
	if err == nil {
		slog.Debug("Bucket reachable", "bucket", s.cfg.Bucket)
		return nil
	}

	slog.Warn("Bucket check failed", "bucket", s.cfg.Bucket, "err", err)
	e := s.classifyBucketError(err)
	s.metrics.PreflightFailed(e.Kind.String())
	return e
}

func (s *Service) classifyBucketError(err error) *Error {
	if storage.IsTimeout(err) {
		return &Error{Kind: KindTimeout, Message: "Timed out checking bucket: " + err.Error(), Err: err}
	}

	var code string
	var status int
	if se, ok := storage.AsError(err); ok {
		code, status = se.Code, se.StatusCode
	}

	switch {
	case code == storage.CodeNoSuchBucket || code == storage.CodeNotFound || status == http.StatusNotFound:
		return &Error{
			Kind: KindBucketNotFound,
			Message: fmt.Sprintf("Bucket not found. Check spelling and region. (bucket=%q, region=%s, endpoint=%s)",
				s.cfg.Bucket, s.cfg.Region, s.cfg.Endpoint),
			Err: err,
		}
	case code == storage.CodeAccessDenied || code == storage.CodeForbidden || status == http.StatusForbidden:
		return &Error{
			Kind:    KindPermission,
			Message: "Access denied to bucket. Keys must belong to the same account and have s3:ListBucket & s3:PutObject.",
			Err:     err,
		}
	case code == storage.CodeAuthorizationHeaderMalformed || code == storage.CodePermanentRedirect || status == http.StatusMovedPermanently:
		return &Error{
			Kind:    KindRegion,
			Message: "Region mismatch. Set " + config.EnvRegion + " to the bucket's region and use endpoint https://s3.<region>.wasabisys.com",
			Err:     err,
		}
	default:
		return &Error{Kind: KindBucket, Message: err.Error(), Err: err}
	}
}

// DiagnosticPut proves write permission with a tiny throwaway object before
// the real payload is sent. The probe is removed again straight away; a
// failed removal is only logged.
func (s *Service) DiagnosticPut(ctx context.Context) *Error {
	key := newDiagnosticKey()
	err := s.call(ctx, "PutObject", func(ctx context.Context) error {
		return s.store.PutObject(ctx, s.cfg.Bucket, key, strings.NewReader(diagnosticBody), int64(len(diagnosticBody)), diagnosticContentType)
	})
	if err != nil {
		slog.Warn("Diagnostic put failed", "bucket", s.cfg.Bucket, "key", key, "err", err)
		kind := KindDiagnostic
		if storage.IsTimeout(err) {
			kind = KindTimeout
		}
		s.metrics.PreflightFailed(kind.String())
		return &Error{Kind: kind, Message: err.Error(), Err: err}
	}
	slog.Debug("Diagnostic put succeeded", "bucket", s.cfg.Bucket, "key", key)

	err = s.call(ctx, "RemoveObject", func(ctx context.Context) error {
		return s.store.RemoveObject(ctx, s.cfg.Bucket, key)
	})
	if err != nil {
		slog.Warn("Failed to remove diagnostic object", "bucket", s.cfg.Bucket, "key", key, "err", err)
	}
	return nil
}

// Upload validates f, runs the preflight checks, stores the payload under a
// fresh key and returns a presigned download link. The first failing step
// ends the sequence; nothing is retried.
func (s *Service) Upload(ctx context.Context, f File) (Result, *Error) {
	res, uerr := s.upload(ctx, f)
	if uerr != nil {
		s.metrics.UploadFinished(uerr.Kind.String(), 0)
		return Result{}, uerr
	}
	s.metrics.UploadFinished("ok", res.Size)
	return res, nil
}

func (s *Service) upload(ctx context.Context, f File) (Result, *Error) {
	if f.Body == nil {
		return Result{}, ErrNoFile
	}

	name, err := SanitizeFilename(f.Name)
	if err != nil {
		slog.Warn("Rejected filename", "name", f.Name)
		return Result{}, ErrInvalidFilename
	}

	if e := s.CheckBucket(ctx); e != nil {
		return Result{}, e
	}
	if e := s.DiagnosticPut(ctx); e != nil {
		return Result{}, e
	}

	contentType := strings.TrimSpace(f.ContentType)
	if contentType == "" {
		contentType = DefaultContentType
	}

	key := NewKey(name)
	err = s.call(ctx, "PutObject", func(ctx context.Context) error {
		return s.store.PutObject(ctx, s.cfg.Bucket, key, f.Body, f.Size, contentType)
	})
	if err != nil {
		slog.Error("Upload failed", "bucket", s.cfg.Bucket, "key", key, "err", err)
		return Result{}, writeError(err)
	}

	generated := s.now()
	var url string
	err = s.call(ctx, "PresignGet", func(ctx context.Context) error {
		var err error
		url, err = s.store.PresignGet(ctx, s.cfg.Bucket, key, s.cfg.PresignExpiry)
		return err
	})
	if err != nil {
		slog.Error("Presign failed", "bucket", s.cfg.Bucket, "key", key, "err", err)
		return Result{}, writeError(err)
	}

	slog.Info("Upload stored", "bucket", s.cfg.Bucket, "key", key, "size", f.Size, "content_type", contentType)
	return Result{
		Key:         key,
		Size:        f.Size,
		ContentType: contentType,
		URL:         url,
		ExpiresAt:   generated.Add(s.cfg.PresignExpiry).UTC(),
	}, nil
}

func writeError(err error) *Error {
	if storage.IsTimeout(err) {
		return &Error{Kind: KindTimeout, Message: "Timed out talking to storage: " + err.Error(), Err: err}
	}
	return &Error{Kind: KindWrite, Message: err.Error(), Err: err}
}
