package ui

import (
	"context"
	"embed"
	"fmt"
	"html"
	"io"
	"io/fs"
	"net/http"

	"github.com/a-h/templ"
)

var (
	//go:embed static
	staticFS embed.FS
)

// Badges describes the store the service is talking to.
type Badges struct {
	Endpoint string
	Region   string
	Bucket   string
}

// Upload is a stored file ready to be shared.
type Upload struct {
	URL       string
	Key       string
	ExpiresAt string
}

// Page holds everything the upload page can show.
type Page struct {
	Badges       Badges
	StartupError string
	Error        string
	Upload       *Upload
	LinkLifetime string
}

// StaticHandler serves the embedded stylesheet and script under /static/.
func StaticHandler() (http.Handler, error) {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		return nil, fmt.Errorf("failed to access embedded static assets: %w", err)
	}
	return http.StripPrefix("/static/", http.FileServer(http.FS(sub))), nil
}

// writeAll writes each part in turn and stops at the first error.
func writeAll(w io.Writer, parts ...string) error {
	for _, p := range parts {
		if _, err := io.WriteString(w, p); err != nil {
			return err
		}
	}
	return nil
}

// Layout renders a full HTML page with a title and body component.
func Layout(title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		err := writeAll(w,
			"<!DOCTYPE html><html lang=\"en\">",
			"<head><meta charset=\"utf-8\">",
			"<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">",
			"<title>", html.EscapeString(title), "</title>",
			"<link rel=\"stylesheet\" href=\"/static/app.css\">",
			"</head>",
			"<body><main class=\"wrap\"><div class=\"card\">",
		)
		if err != nil {
			return err
		}

		if err := body.Render(ctx, w); err != nil {
			return err
		}

		return writeAll(w, "</div></main><script src=\"/static/app.js\" defer></script></body></html>")
	})
}

// UploadPage renders the configuration badges, the upload form and whichever
// result or error the last request produced.
func UploadPage(p Page) templ.Component {
	return Layout("Shuttle Uploader", templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		err := writeAll(w,
			"<h1>Shuttle Uploader</h1>",
			"<div class=\"badges\">",
			badge("Endpoint", p.Badges.Endpoint),
			badge("Region", p.Badges.Region),
			badge("Bucket", p.Badges.Bucket),
			"</div>",
		)
		if err != nil {
			return err
		}

		if p.StartupError != "" {
			if err := writeAll(w, "<div class=\"err\" id=\"startup-error\"><b>Startup error:</b> ", html.EscapeString(p.StartupError), "</div>"); err != nil {
				return err
			}
		}

		if err := uploadForm(p).Render(ctx, w); err != nil {
			return err
		}

		if p.Upload != nil {
			u := html.EscapeString(p.Upload.URL)
			err := writeAll(w,
				"<div class=\"ok\" id=\"result\">",
				"<div><b>Done!</b> Temporary URL (", html.EscapeString(p.LinkLifetime), "):</div>",
				"<div class=\"link\"><a href=\"", u, "\" target=\"_blank\" rel=\"noopener\">", u, "</a></div>",
				"<div class=\"note\">Key <code>", html.EscapeString(p.Upload.Key), "</code>, expires ", html.EscapeString(p.Upload.ExpiresAt), "</div>",
				"</div>",
			)
			if err != nil {
				return err
			}
		}

		if p.Error != "" {
			return writeAll(w, "<div class=\"err\" id=\"error\"><b>Error:</b> ", html.EscapeString(p.Error), "</div>")
		}
		return nil
	}))
}

func uploadForm(p Page) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		disabled := ""
		if p.StartupError != "" {
			disabled = " disabled"
		}
		return writeAll(w,
			"<form id=\"upload-form\" method=\"POST\" action=\"/\" enctype=\"multipart/form-data\">",
			"<label id=\"dropzone\" class=\"dz\" for=\"file-input\">",
			"<h3>Choose a file</h3>",
			"<p class=\"note\">or drag &amp; drop here (link is presigned for ", html.EscapeString(p.LinkLifetime), ")</p>",
			"<div id=\"file-info\" class=\"fileinfo\"></div>",
			"</label>",
			"<input id=\"file-input\" type=\"file\" name=\"file\" required", disabled, ">",
			"<div class=\"actions\"><button id=\"submit-btn\" class=\"btn\" type=\"submit\" disabled>Upload</button></div>",
			"</form>",
		)
	})
}

func badge(label, value string) string {
	return fmt.Sprintf("<span class=\"badge\"><b>%s:</b> <code>%s</code></span>", html.EscapeString(label), html.EscapeString(value))
}
