// Command shuttle-put runs the same checks and upload as the web front-end
// for a local file and prints the presigned link.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"shuttle/internal/config"
	"shuttle/internal/storage"
	"shuttle/internal/uploader"
)

func Run(ctx context.Context) error {
	envFile := flag.String("env-file", ".env", "optional dotenv file read before the environment")
	contentType := flag.String("content-type", "", "content type to store, guessed from the extension by default")
	checkOnly := flag.Bool("check", false, "only run the credential, bucket and write checks")
	flag.Parse()

	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           log.InfoLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
	})
	slog.SetDefault(slog.New(handler))

	config.LoadDotEnv(*envFile)
	config.ScrubAmbientAWS()
	cfg := config.Load(os.LookupEnv)
	if missing := cfg.Missing(); len(missing) > 0 {
		return fmt.Errorf("missing configuration: %v", missing)
	}

	store, err := storage.Open(ctx, cfg)
	if err != nil {
		return err
	}

	if auth := uploader.Diagnose(ctx, cfg, store); !auth.OK {
		return fmt.Errorf("credential check failed: %s", auth.Detail)
	}

	svc := uploader.NewService(store, cfg)

	if *checkOnly {
		if e := svc.CheckBucket(ctx); e != nil {
			return fmt.Errorf("bucket check failed: %w", e)
		}
		if e := svc.DiagnosticPut(ctx); e != nil {
			return fmt.Errorf("diagnostic put failed: %w", e)
		}
		slog.Info("All checks passed", "bucket", cfg.Bucket)
		return nil
	}

	if flag.NArg() != 1 {
		return fmt.Errorf("usage: %s [flags] FILE", filepath.Base(os.Args[0]))
	}
	path := flag.Arg(0)

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %q: %w", path, err)
	}

	ct := *contentType
	if ct == "" {
		ct = mime.TypeByExtension(filepath.Ext(path))
	}

	res, e := svc.Upload(ctx, uploader.File{
		Name:        filepath.Base(path),
		ContentType: ct,
		Size:        info.Size(),
		Body:        f,
	})
	if e != nil {
		return e
	}

	slog.Info("Uploaded", "key", res.Key, "size", res.Size, "expires_at", res.ExpiresAt)
	fmt.Println(res.URL)
	return nil
}

func main() {
	if err := Run(context.Background()); err != nil {
		slog.Error("shuttle-put failed", "error", err)
		os.Exit(1)
	}
}
