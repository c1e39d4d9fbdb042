package s3test_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"shuttle/internal/s3test"
)

func TestUnsignedRequestsAreRejected(t *testing.T) {
	t.Parallel()

	fake := s3test.NewServer(t, s3test.DefaultAccessKey, "bucket")

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, fake.URL+"/", nil)
	require.NoError(t, err, "creating GET request")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err, "GET /")
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode, "status")
	require.Zero(t, fake.CallCount(s3test.OpListBuckets), "rejected call recorded")
}

func TestBucketsAndFailures(t *testing.T) {
	t.Parallel()

	fake := s3test.NewServer(t, s3test.DefaultAccessKey)
	fake.CreateBucket("a")
	fake.CreateBucket("b")
	require.Empty(t, fake.Keys("a", ""), "new bucket is empty")

	fake.DeleteBucket("b")
	_, ok := fake.Object("b", "x")
	require.False(t, ok, "deleted bucket has no objects")

	fake.Fail(s3test.OpHeadBucket, s3test.Failure{Status: http.StatusForbidden})
	fake.Recover(s3test.OpHeadBucket)
	require.Empty(t, fake.Calls(), "no calls yet")
}
