package ui_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"shuttle/internal/ui"
)

func render(t *testing.T, p ui.Page) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, ui.UploadPage(p).Render(t.Context(), &buf), "Render")
	return buf.String()
}

func TestUploadPageEscapes(t *testing.T) {
	t.Parallel()

	out := render(t, ui.Page{
		Badges:       ui.Badges{Endpoint: "s3.wasabisys.com", Region: "us-east-1", Bucket: "<b>"},
		Error:        `Bucket not found. (bucket="<script>")`,
		LinkLifetime: "1 hour",
	})

	require.Contains(t, out, "<code>&lt;b&gt;</code>", "bucket badge escaped")
	require.Contains(t, out, "&lt;script&gt;", "error escaped")
	require.NotContains(t, out, "<script>\"", "raw error text")
	require.Contains(t, out, `id="error"`, "error block")
	require.Contains(t, out, `name="file" required>`, "input enabled")
}

func TestUploadPageResult(t *testing.T) {
	t.Parallel()

	out := render(t, ui.Page{
		Upload: &ui.Upload{
			URL:       "https://s3.wasabisys.com/b/uploads/k?X-Amz-Expires=3600&X-Amz-Signature=abc",
			Key:       "uploads/k",
			ExpiresAt: "2025-06-01T13:00:00Z",
		},
		LinkLifetime: "1 hour",
	})

	require.Contains(t, out, `id="result"`, "result block")
	require.Contains(t, out, "X-Amz-Expires=3600&amp;X-Amz-Signature=abc", "link escaped")
	require.Contains(t, out, "2025-06-01T13:00:00Z", "expiry")
	require.NotContains(t, out, `id="error"`, "no error block")
}

func TestUploadPageStartupError(t *testing.T) {
	t.Parallel()

	out := render(t, ui.Page{StartupError: "missing configuration: WASABI_BUCKET"})
	require.Contains(t, out, `id="startup-error"`, "startup error block")
	require.Contains(t, out, `name="file" required disabled>`, "input disabled")
	require.NotContains(t, out, `name="file" required>`, "input not enabled")
}

func TestStaticHandler(t *testing.T) {
	t.Parallel()

	h, err := ui.StaticHandler()
	require.NoError(t, err, "StaticHandler")
	require.NotNil(t, h, "handler")
}
