package uploader

import (
	"errors"
	"net/http"
)

// Kind classifies a failure so the presentation layer can choose a status and
// a message without inspecting error text.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindAuth
	KindBucketNotFound
	KindPermission
	KindRegion
	KindBucket
	KindDiagnostic
	KindWrite
	KindTimeout
	KindInvalidInput
	KindTooLarge
)

var kindNames = map[Kind]string{
	KindUnknown:        "unknown",
	KindConfig:         "config",
	KindAuth:           "auth",
	KindBucketNotFound: "bucket_not_found",
	KindPermission:     "permission_denied",
	KindRegion:         "region_mismatch",
	KindBucket:         "bucket",
	KindDiagnostic:     "diagnostic",
	KindWrite:          "write",
	KindTimeout:        "timeout",
	KindInvalidInput:   "invalid_input",
	KindTooLarge:       "too_large",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return kindNames[KindUnknown]
}

// HTTPStatus maps k onto the status used when rendering the failure.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindConfig, KindAuth:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindBucketNotFound, KindPermission, KindRegion, KindBucket, KindDiagnostic, KindWrite:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is the tagged error returned by every step of an upload.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same Kind, so that sentinel values such
// as ErrNoFile work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

var (
	ErrNoFile          = &Error{Kind: KindInvalidInput, Message: "No file selected."}
	ErrInvalidFilename = &Error{Kind: KindInvalidInput, Message: "Invalid filename."}
	ErrTooLarge        = &Error{Kind: KindTooLarge, Message: "File is too large."}
)

// KindOf returns the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
