package s3test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

const (
	sigV4Algorithm  = "AWS4-HMAC-SHA256"
	unsignedPayload = "UNSIGNED-PAYLOAD"
)

var (
	errMalformedAuth     = errors.New("malformed SigV4 authorization")
	errSignatureMismatch = errors.New("signature does not match")
)

// sigV4Request holds the parts of a SigV4 signature, taken either from the
// Authorization header or from a presigned query string.
type sigV4Request struct {
	AccessKey     string
	Date          string
	Region        string
	Service       string
	AmzDate       string
	SignedHeaders []string
	Signature     string
	PayloadHash   string
	Presigned     bool
}

func awsURLEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
			continue
		}
		if c == '/' && !encodeSlash {
			b.WriteByte(c)
			continue
		}
		b.WriteString("%")
		b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	return b.String()
}

// canonicalQueryString sorts and encodes the query. The signature itself is
// left out of presigned queries.
func canonicalQueryString(u *url.URL, presigned bool) string {
	if u.RawQuery == "" {
		return ""
	}

	values := u.Query()
	if presigned {
		values.Del("X-Amz-Signature")
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, awsURLEncode(k, true)+"="+awsURLEncode(v, true))
		}
	}
	return strings.Join(parts, "&")
}

func canonicalHeaderValue(vs []string) string {
	trimmed := make([]string, len(vs))
	for i, v := range vs {
		trimmed[i] = strings.Join(strings.Fields(v), " ")
	}
	return strings.Join(trimmed, ",")
}

func canonicalRequest(r *http.Request, sig sigV4Request) string {
	var headers strings.Builder
	for _, name := range sig.SignedHeaders {
		var vs []string
		if name == "host" {
			vs = []string{r.Host}
		} else {
			vs = r.Header.Values(name)
		}
		headers.WriteString(name)
		headers.WriteString(":")
		headers.WriteString(canonicalHeaderValue(vs))
		headers.WriteString("\n")
	}

	return strings.Join([]string{
		r.Method,
		awsURLEncode(r.URL.EscapedPath(), false),
		canonicalQueryString(r.URL, sig.Presigned),
		headers.String(),
		strings.Join(sig.SignedHeaders, ";"),
		sig.PayloadHash,
	}, "\n")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// signature computes the hex signature of r for secretKey.
func signature(r *http.Request, sig sigV4Request, secretKey string) string {
	crHash := sha256.Sum256([]byte(canonicalRequest(r, sig)))
	scope := strings.Join([]string{sig.Date, sig.Region, sig.Service, "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		sigV4Algorithm,
		sig.AmzDate,
		scope,
		hex.EncodeToString(crHash[:]),
	}, "\n")

	kDate := hmacSHA256([]byte("AWS4"+secretKey), sig.Date)
	kRegion := hmacSHA256(kDate, sig.Region)
	kService := hmacSHA256(kRegion, sig.Service)
	kSigning := hmacSHA256(kService, "aws4_request")
	return hex.EncodeToString(hmacSHA256(kSigning, stringToSign))
}

// parseCredential splits "<key>/<date>/<region>/<service>/aws4_request".
func (s *sigV4Request) parseCredential(credential string) error {
	parts := strings.Split(credential, "/")
	if len(parts) != 5 || parts[4] != "aws4_request" || parts[2] == "" || parts[3] == "" {
		return errMalformedAuth
	}
	s.AccessKey, s.Date, s.Region, s.Service = parts[0], parts[1], parts[2], parts[3]
	return nil
}

func parseAuthorizationHeader(r *http.Request) (sigV4Request, error) {
	sig := sigV4Request{
		AmzDate:     r.Header.Get("X-Amz-Date"),
		PayloadHash: r.Header.Get("X-Amz-Content-Sha256"),
	}

	kv := make(map[string]string)
	for _, part := range strings.Split(strings.TrimPrefix(r.Header.Get("Authorization"), sigV4Prefix), ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok {
			kv[k] = strings.TrimSpace(v)
		}
	}

	if err := sig.parseCredential(kv["Credential"]); err != nil {
		return sig, err
	}
	if kv["SignedHeaders"] == "" || kv["Signature"] == "" || sig.AmzDate == "" || sig.PayloadHash == "" {
		return sig, errMalformedAuth
	}
	sig.SignedHeaders = strings.Split(kv["SignedHeaders"], ";")
	sig.Signature = kv["Signature"]
	return sig, nil
}

func parsePresignedQuery(q url.Values) (sigV4Request, error) {
	sig := sigV4Request{
		AmzDate:     q.Get("X-Amz-Date"),
		PayloadHash: unsignedPayload,
		Presigned:   true,
	}
	if q.Get("X-Amz-Algorithm") != sigV4Algorithm {
		return sig, errMalformedAuth
	}
	if err := sig.parseCredential(q.Get("X-Amz-Credential")); err != nil {
		return sig, err
	}
	if q.Get("X-Amz-SignedHeaders") == "" || q.Get("X-Amz-Signature") == "" || sig.AmzDate == "" {
		return sig, errMalformedAuth
	}
	sig.SignedHeaders = strings.Split(q.Get("X-Amz-SignedHeaders"), ";")
	sig.Signature = q.Get("X-Amz-Signature")
	return sig, nil
}

// verify checks sig against r for secretKey.
func verify(r *http.Request, sig sigV4Request, secretKey string) error {
	want := signature(r, sig, secretKey)
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(sig.Signature))) {
		return errSignatureMismatch
	}
	return nil
}
