// Package s3test provides an in-process S3-compatible server for tests. It
// implements the handful of operations shuttle uses, verifies the SigV4
// signature of every request, enforces presigned URL expiry and lets tests
// inject failures per operation.
package s3test

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

type Op string

const (
	OpListBuckets  Op = "ListBuckets"
	OpHeadBucket   Op = "HeadBucket"
	OpPutObject    Op = "PutObject"
	OpGetObject    Op = "GetObject"
	OpHeadObject   Op = "HeadObject"
	OpDeleteObject Op = "DeleteObject"
)

const (
	DefaultAccessKey = "SHUTTLETESTACCESSKEY"
	DefaultSecretKey = "shuttle-test-secret-key"
	DefaultRegion    = "us-east-1"
)

// Failure describes an injected error. A zero Status with a non-zero Delay
// only slows the operation down. A non-empty KeyPrefix limits the failure to
// matching object keys.
type Failure struct {
	Status    int
	Code      string
	Message   string
	Delay     time.Duration
	KeyPrefix string
}

// Object is a stored payload.
type Object struct {
	Data        []byte
	ContentType string
	ModTime     time.Time
}

// Call records a request that reached the server.
type Call struct {
	Op     Op
	Bucket string
	Key    string
}

type Server struct {
	*httptest.Server

	AccessKey string
	SecretKey string

	mu       sync.Mutex
	buckets  map[string]map[string]Object
	created  map[string]time.Time
	failures map[Op]Failure
	calls    []Call
	now      func() time.Time
}

// NewServer starts a server that accepts accessKey and already holds the
// given buckets. It is closed when the test ends.
func NewServer(t testing.TB, accessKey string, buckets ...string) *Server {
	t.Helper()

	s := &Server{
		AccessKey: accessKey,
		SecretKey: DefaultSecretKey,
		buckets:   make(map[string]map[string]Object),
		created:   make(map[string]time.Time),
		failures:  make(map[Op]Failure),
		now:       time.Now,
	}
	for _, b := range buckets {
		s.CreateBucket(b)
	}

	s.Server = httptest.NewServer(s.Handler())
	t.Cleanup(s.Close)
	return s
}

// CreateBucket adds an empty bucket.
func (s *Server) CreateBucket(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[name]; !ok {
		s.buckets[name] = make(map[string]Object)
		s.created[name] = s.now().UTC()
	}
}

// DeleteBucket removes a bucket and everything in it.
func (s *Server) DeleteBucket(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, name)
	delete(s.created, name)
}

// SetNow replaces the clock used to check presigned URL expiry.
func (s *Server) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Fail makes every subsequent op return f.
func (s *Server) Fail(op Op, f Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = f
}

// Recover clears an injected failure.
func (s *Server) Recover(op Op) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, op)
}

func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount returns how many requests for op reached the server.
func (s *Server) CallCount(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Object returns a copy of the stored object.
func (s *Server) Object(bucket, key string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	objs, ok := s.buckets[bucket]
	if !ok {
		return Object{}, false
	}
	obj, ok := objs[key]
	if !ok {
		return Object{}, false
	}
	obj.Data = bytes.Clone(obj.Data)
	return obj, true
}

// Keys lists the keys in bucket that start with prefix, sorted.
func (s *Server) Keys(bucket, prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.buckets[bucket] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Handler returns the S3 API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleListBuckets)
	mux.HandleFunc("HEAD /{bucket}", s.handleBucketHead)
	mux.HandleFunc("PUT /{bucket}/{key...}", s.handleObjectPut)
	mux.HandleFunc("GET /{bucket}/{key...}", s.handleObjectGet)
	mux.HandleFunc("HEAD /{bucket}/{key...}", s.handleObjectHead)
	mux.HandleFunc("DELETE /{bucket}/{key...}", s.handleObjectDelete)

	handler := slashFix(mux)
	handler = s.requireAccessKey(handler)
	return handler
}

func (s *Server) record(op Op, bucket, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Op: op, Bucket: bucket, Key: key})
}

// injected applies any failure registered for op and reports whether the
// request has been answered.
func (s *Server) injected(w http.ResponseWriter, r *http.Request, op Op, key string) bool {
	s.mu.Lock()
	f, ok := s.failures[op]
	s.mu.Unlock()
	if !ok || !strings.HasPrefix(key, f.KeyPrefix) {
		return false
	}

	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-r.Context().Done():
			return true
		}
	}

	if f.Status == 0 {
		return false
	}

	writeS3Error(w, r, f.Code, f.Message, f.Status)
	return true
}

func (s *Server) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	s.record(OpListBuckets, "", "")
	if s.injected(w, r, OpListBuckets, "") {
		return
	}

	s.mu.Lock()
	entries := make([]BucketEntry, 0, len(s.created))
	for name, created := range s.created {
		entries = append(entries, BucketEntry{
			Name:         name,
			CreationDate: created.Format(time.RFC3339),
		})
	}
	s.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	writeXMLResponse(w, ListAllMyBucketsResult{
		XMLNS:   s3XMLNamespace,
		Owner:   Owner{ID: "s3test", DisplayName: "s3test"},
		Buckets: entries,
	})
}

func (s *Server) handleBucketHead(w http.ResponseWriter, r *http.Request) {
	bucket := r.PathValue("bucket")
	s.record(OpHeadBucket, bucket, "")
	if s.injected(w, r, OpHeadBucket, "") {
		return
	}

	if !s.bucketExists(bucket) {
		writeNoSuchBucketError(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleObjectPut(w http.ResponseWriter, r *http.Request) {
	bucket, key := r.PathValue("bucket"), r.PathValue("key")
	s.record(OpPutObject, bucket, key)
	if s.injected(w, r, OpPutObject, key) {
		return
	}
	defer r.Body.Close()

	if !s.bucketExists(bucket) {
		writeNoSuchBucketError(w, r)
		return
	}

	var (
		data []byte
		err  error
	)
	if isStreamingPayload(r) {
		data, err = decodeStreamingPayload(r.Body)
	} else {
		data, err = io.ReadAll(r.Body)
	}
	if err != nil {
		slog.Error("Read object payload", "bucket", bucket, "key", key, "err", err)
		writeS3Error(w, r, "InvalidRequest", "Failed to read request body", http.StatusBadRequest)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	s.mu.Lock()
	objs, ok := s.buckets[bucket]
	if ok {
		objs[key] = Object{Data: data, ContentType: contentType, ModTime: s.now().UTC()}
	}
	s.mu.Unlock()
	if !ok {
		writeNoSuchBucketError(w, r)
		return
	}

	w.Header().Set("ETag", fmt.Sprintf("\"%x\"", md5.Sum(data)))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleObjectGet(w http.ResponseWriter, r *http.Request) {
	bucket, key := r.PathValue("bucket"), r.PathValue("key")
	s.record(OpGetObject, bucket, key)
	if s.injected(w, r, OpGetObject, key) {
		return
	}

	obj, ok := s.lookup(w, r, bucket, key)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.Data)))
	w.Header().Set("Last-Modified", obj.ModTime.Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(obj.Data); err != nil {
		slog.Error("Stream object", "bucket", bucket, "key", key, "err", err)
	}
}

func (s *Server) handleObjectHead(w http.ResponseWriter, r *http.Request) {
	bucket, key := r.PathValue("bucket"), r.PathValue("key")
	s.record(OpHeadObject, bucket, key)
	if s.injected(w, r, OpHeadObject, key) {
		return
	}

	obj, ok := s.lookup(w, r, bucket, key)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.Data)))
	w.Header().Set("Last-Modified", obj.ModTime.Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleObjectDelete(w http.ResponseWriter, r *http.Request) {
	bucket, key := r.PathValue("bucket"), r.PathValue("key")
	s.record(OpDeleteObject, bucket, key)
	if s.injected(w, r, OpDeleteObject, key) {
		return
	}

	s.mu.Lock()
	objs, ok := s.buckets[bucket]
	if ok {
		delete(objs, key)
	}
	s.mu.Unlock()
	if !ok {
		writeNoSuchBucketError(w, r)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) bucketExists(bucket string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[bucket]
	return ok
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request, bucket, key string) (Object, bool) {
	if !s.bucketExists(bucket) {
		writeNoSuchBucketError(w, r)
		return Object{}, false
	}
	obj, ok := s.Object(bucket, key)
	if !ok {
		writeS3Error(w, r, "NoSuchKey", "The specified key does not exist.", http.StatusNotFound)
		return Object{}, false
	}
	return obj, true
}

// requireAccessKey checks the SigV4 signature, from either the
// Authorization header or a presigned query, against the server's key pair.
// It also rejects presigned requests past their expiry.
func (s *Server) requireAccessKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var (
			sig sigV4Request
			err error
		)
		switch {
		case strings.HasPrefix(r.Header.Get("Authorization"), sigV4Prefix):
			sig, err = parseAuthorizationHeader(r)
		case q.Has("X-Amz-Credential"):
			sig, err = parsePresignedQuery(q)
		default:
			writeS3Error(w, r, "AccessDenied", "Access Denied", http.StatusForbidden)
			return
		}
		if err != nil {
			writeS3Error(w, r, "AuthorizationHeaderMalformed", err.Error(), http.StatusBadRequest)
			return
		}

		if sig.AccessKey != s.AccessKey {
			writeS3Error(w, r, "InvalidAccessKeyId", "The AWS Access Key Id you provided does not exist in our records.", http.StatusForbidden)
			return
		}
		if err := verify(r, sig, s.SecretKey); err != nil {
			writeS3Error(w, r, "SignatureDoesNotMatch", "The request signature we calculated does not match the signature you provided.", http.StatusForbidden)
			return
		}

		if sig.Presigned {
			expired, err := s.presignExpired(sig.AmzDate, q.Get("X-Amz-Expires"))
			if err != nil {
				writeS3Error(w, r, "AuthorizationQueryParametersError", err.Error(), http.StatusBadRequest)
				return
			}
			if expired {
				writeS3Error(w, r, "AccessDenied", "Request has expired", http.StatusForbidden)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) presignExpired(amzDate, amzExpires string) (bool, error) {
	signed, err := time.Parse(amzDateFormat, amzDate)
	if err != nil {
		return false, errors.New("X-Amz-Date must be in the ISO8601 Long Format")
	}
	secs, err := strconv.Atoi(amzExpires)
	if err != nil || secs < 0 {
		return false, errors.New("X-Amz-Expires should be a number")
	}

	s.mu.Lock()
	now := s.now()
	s.mu.Unlock()
	return now.After(signed.Add(time.Duration(secs) * time.Second)), nil
}

const (
	sigV4Prefix   = "AWS4-HMAC-SHA256 "
	amzDateFormat = "20060102T150405Z"
)

func slashFix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.URL.Path = strings.ReplaceAll(r.URL.Path, "//", "/")

		if r.URL.Path != "/" && strings.HasSuffix(r.URL.Path, "/") {
			r.URL.Path = strings.TrimSuffix(r.URL.Path, "/")
		}

		next.ServeHTTP(w, r)
	})
}

// writeS3Error writes a minimal S3-style XML error response. HEAD responses
// carry the status only.
func writeS3Error(w http.ResponseWriter, r *http.Request, code string, message string, status int) {
	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(S3Error{
		Code:      code,
		Message:   message,
		Resource:  r.URL.Path,
		RequestID: "s3test",
	})
}

func writeNoSuchBucketError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, r, "NoSuchBucket", "The specified bucket does not exist.", http.StatusNotFound)
}

func writeXMLResponse(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	if err := xml.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Encode XML response", "err", err)
	}
}

func isStreamingPayload(r *http.Request) bool {
	return strings.HasPrefix(strings.ToUpper(r.Header.Get("X-Amz-Content-Sha256")), "STREAMING-") ||
		strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked")
}

// decodeStreamingPayload decodes an aws-chunked body:
// <size-hex>[;chunk-signature=...]\r\n<data>\r\n ... 0\r\n[trailers]\r\n
func decodeStreamingPayload(body io.Reader) ([]byte, error) {
	br := bufio.NewReader(body)
	var out bytes.Buffer

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("unexpected EOF while reading chunk header")
			}
			return nil, fmt.Errorf("read chunk header: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		if idx := strings.IndexByte(line, ';'); idx != -1 {
			line = line[:idx]
		}

		sizeHex := strings.TrimSpace(line)
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("parse chunk size %q: %w", sizeHex, err)
		}

		// Trailers after the final chunk are not needed.
		if size == 0 {
			return out.Bytes(), nil
		}

		n, err := io.CopyN(&out, br, size)
		if err != nil {
			return nil, fmt.Errorf("short read while reading chunk body: expected %d bytes, got %d: %w", size, n, err)
		}

		if _, err := br.Discard(2); err != nil {
			return nil, fmt.Errorf("read CRLF after chunk: %w", err)
		}
	}
}
