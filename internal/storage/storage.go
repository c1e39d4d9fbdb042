package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"shuttle/internal/config"
)

// Store is the subset of an S3-compatible API that shuttle relies on.
// Implementations must be safe for concurrent use.
type Store interface {
	// ListBuckets lists the buckets visible to the configured credentials. It
	// is only used as a credential probe, so the result is discarded.
	ListBuckets(ctx context.Context) error

	// HeadBucket checks that bucket exists and is reachable. A missing bucket
	// is reported as an *Error with Code NoSuchBucket.
	HeadBucket(ctx context.Context, bucket string) error

	// PutObject writes size bytes from r under key.
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error

	// RemoveObject deletes key from bucket.
	RemoveObject(ctx context.Context, bucket, key string) error

	// PresignGet returns a URL granting read access to key until expiry
	// elapses.
	PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
}

// Error codes shared by both drivers.
const (
	CodeNoSuchBucket                 = "NoSuchBucket"
	CodeNotFound                     = "NotFound"
	CodeAccessDenied                 = "AccessDenied"
	CodeForbidden                    = "Forbidden"
	CodeAuthorizationHeaderMalformed = "AuthorizationHeaderMalformed"
	CodePermanentRedirect            = "PermanentRedirect"
	CodeInvalidAccessKeyID           = "InvalidAccessKeyId"
	CodeSignatureDoesNotMatch        = "SignatureDoesNotMatch"
)

// Error is the normalized form of every failure returned by a Store.
type Error struct {
	Op         string
	Code       string
	Message    string
	StatusCode int
	Err        error
}

// Error renders as "Code: Message" when the store supplied a code, and falls
// back to the underlying error text otherwise.
func (e *Error) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return e.Code + ": " + e.Message
	case e.Code != "":
		return e.Code
	case e.Err != nil:
		return e.Err.Error()
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	default:
		return e.Op + ": unknown error"
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether the call was cut short by its context deadline.
func (e *Error) IsTimeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// AsError extracts the *Error from err, if any.
func AsError(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsTimeout reports whether err is a store call that hit its deadline.
func IsTimeout(err error) bool {
	if se, ok := AsError(err); ok {
		return se.IsTimeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Open creates the Store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.Driver {
	case config.DriverAWS:
		return NewAWS(ctx, cfg)
	case config.DriverMinio, "":
		return NewMinio(cfg)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// timeoutError wraps err so that the deadline is visible to IsTimeout even
// when the client library replaced the context error with its own.
func timeoutError(ctx context.Context, op string, err error) *Error {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return &Error{Op: op, Err: err}
}
