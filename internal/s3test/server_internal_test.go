package s3test

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeStreamingPayload(t *testing.T) {
	t.Parallel()

	body := "5;chunk-signature=abc\r\nhello\r\n" +
		"6;chunk-signature=def\r\n world\r\n" +
		"0;chunk-signature=fff\r\n" +
		"x-amz-checksum-crc32:AAAAAA==\r\n\r\n"

	got, err := decodeStreamingPayload(strings.NewReader(body))
	require.NoError(t, err, "decodeStreamingPayload")
	require.Equal(t, "hello world", string(got), "decoded payload")
}

func TestDecodeStreamingPayloadErrors(t *testing.T) {
	t.Parallel()

	for name, body := range map[string]string{
		"truncated header": "5;chunk-signature=abc",
		"bad size":         "zz\r\nhello\r\n0\r\n\r\n",
		"short chunk":      "a\r\nhello",
	} {
		_, err := decodeStreamingPayload(strings.NewReader(body))
		require.Error(t, err, name)
	}
}

func signRequest(t *testing.T, r *http.Request, accessKey, secretKey string) {
	t.Helper()

	r.Header.Set("X-Amz-Date", "20250601T120000Z")
	r.Header.Set("X-Amz-Content-Sha256", unsignedPayload)
	sig := sigV4Request{
		AccessKey:     accessKey,
		Date:          "20250601",
		Region:        DefaultRegion,
		Service:       "s3",
		AmzDate:       "20250601T120000Z",
		SignedHeaders: []string{"host", "x-amz-content-sha256", "x-amz-date"},
		PayloadHash:   unsignedPayload,
	}
	r.Header.Set("Authorization", sigV4Prefix+
		"Credential="+accessKey+"/20250601/"+DefaultRegion+"/s3/aws4_request, "+
		"SignedHeaders=host;x-amz-content-sha256;x-amz-date, "+
		"Signature="+signature(r, sig, secretKey))
}

func TestVerifyAuthorizationHeader(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequestWithContext(t.Context(), http.MethodHead, "http://127.0.0.1:9000/bucket?x=1", nil)
	signRequest(t, r, DefaultAccessKey, DefaultSecretKey)

	sig, err := parseAuthorizationHeader(r)
	require.NoError(t, err, "parseAuthorizationHeader")
	require.Equal(t, DefaultAccessKey, sig.AccessKey, "access key")
	require.Equal(t, DefaultRegion, sig.Region, "region")
	require.NoError(t, verify(r, sig, DefaultSecretKey), "verify with the signing secret")
	require.ErrorIs(t, verify(r, sig, "another-secret"), errSignatureMismatch, "verify with another secret")

	r.URL.RawQuery = "x=2"
	require.ErrorIs(t, verify(r, sig, DefaultSecretKey), errSignatureMismatch, "verify after tampering")
}

func TestParseMalformedAuthorization(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://127.0.0.1:9000/", nil)
	r.Header.Set("Authorization", sigV4Prefix+"Credential=KEY/20250601/us-east-1/s3, SignedHeaders=host, Signature=00")
	_, err := parseAuthorizationHeader(r)
	require.ErrorIs(t, err, errMalformedAuth, "short credential scope")

	q := url.Values{"X-Amz-Credential": {"KEY/20250601/us-east-1/s3/aws4_request"}}
	_, err = parsePresignedQuery(q)
	require.ErrorIs(t, err, errMalformedAuth, "missing algorithm")
}

func TestAWSURLEncode(t *testing.T) {
	t.Parallel()

	require.Equal(t, "/bucket/a%20b~c", awsURLEncode("/bucket/a b~c", false), "path")
	require.Equal(t, "KEY%2F20250601", awsURLEncode("KEY/20250601", true), "query value")
}
