// Package fetcher brings supplier price lists onto local disk from a file
// path, an HTTP(S) URL or an FTP URL.
package fetcher

import (
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/catalog-sync/internal/config"
)

// Fetcher downloads a remote document to a local path.
type Fetcher interface {
	DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error)
}

// Document is a price list available on local disk.
type Document struct {
	// Source is the descriptor the document was fetched from.
	Source string
	// Path is the local file to extract from.
	Path string
	// Cleanup removes downloaded or unpacked files. Safe to call twice.
	Cleanup func()
}

// Resolver picks a fetcher by URL scheme.
type Resolver struct {
	HTTP    Fetcher
	FTP     Fetcher
	TempDir string
}

// NewResolver builds a Resolver from configuration.
func NewResolver(cfg config.FetchConfig) *Resolver {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	return &Resolver{
		HTTP: NewHTTPFetcher(HTTPOptions{
			UserAgent: cfg.UserAgent,
			Timeout:   timeout,
			Rate:      rate.Limit(cfg.RatePerSec),
			Burst:     cfg.Burst,
		}),
		FTP: NewFTPFetcher(FTPOptions{
			Timeout:  timeout,
			User:     cfg.FTPUser,
			Password: cfg.FTPPassword,
		}),
		TempDir: cfg.TempDir,
	}
}

// Fetch makes source available locally. Local paths are used in place;
// remote documents land in a temporary directory. A .zip document is
// unpacked to the price list it contains.
func (r *Resolver) Fetch(ctx context.Context, source string) (*Document, error) {
	doc := &Document{Source: source, Cleanup: func() {}}

	u, err := url.Parse(source)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Bare paths, including Windows drive letters.
		doc.Path = source
	} else {
		switch strings.ToLower(u.Scheme) {
		case "file":
			doc.Path = u.Path
		case "http", "https":
			if err := r.download(ctx, r.HTTP, source, u, doc); err != nil {
				return nil, err
			}
		case "ftp":
			if err := r.download(ctx, r.FTP, source, u, doc); err != nil {
				return nil, err
			}
		default:
			return nil, eris.Errorf("fetcher: unsupported scheme %q in %s", u.Scheme, source)
		}
	}

	if _, err := os.Stat(doc.Path); err != nil {
		doc.Cleanup()
		return nil, eris.Wrapf(err, "fetcher: open %s", source)
	}

	if strings.EqualFold(filepath.Ext(doc.Path), ".zip") {
		if err := r.unpack(doc); err != nil {
			doc.Cleanup()
			return nil, err
		}
	}
	return doc, nil
}

func (r *Resolver) download(ctx context.Context, f Fetcher, source string, u *url.URL, doc *Document) error {
	if f == nil {
		return eris.Errorf("fetcher: no fetcher for %s", u.Scheme)
	}
	dir, err := os.MkdirTemp(r.TempDir, "catalog-fetch-")
	if err != nil {
		return eris.Wrap(err, "fetcher: create temp dir")
	}
	doc.Cleanup = func() { _ = os.RemoveAll(dir) }

	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		name = "document"
	}
	doc.Path = filepath.Join(dir, name)

	start := time.Now()
	n, err := f.DownloadToFile(ctx, source, doc.Path)
	if err != nil {
		doc.Cleanup()
		return eris.Wrapf(err, "fetcher: download %s", source)
	}
	zap.L().Info("fetcher: document downloaded",
		zap.String("source", source),
		zap.Int64("bytes", n),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func (r *Resolver) unpack(doc *Document) error {
	dir, err := os.MkdirTemp(r.TempDir, "catalog-unzip-")
	if err != nil {
		return eris.Wrap(err, "fetcher: create temp dir")
	}
	prev := doc.Cleanup
	doc.Cleanup = func() {
		_ = os.RemoveAll(dir)
		prev()
	}

	p, err := ExtractPriceList(doc.Path, dir)
	if err != nil {
		return err
	}
	doc.Path = p
	return nil
}
