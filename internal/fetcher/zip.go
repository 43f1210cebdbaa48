package fetcher

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

var priceListExts = map[string]bool{".csv": true, ".txt": true, ".xlsx": true}

// ExtractPriceList unpacks the one price list held by a ZIP archive into
// destDir. Directories and other files are ignored.
func ExtractPriceList(zipPath, destDir string) (string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", eris.Wrap(err, "fetcher: open zip archive")
	}
	defer r.Close() //nolint:errcheck

	var lists []*zip.File
	for _, f := range r.File {
		base := filepath.Base(f.Name)
		if f.FileInfo().IsDir() || strings.HasPrefix(base, ".") || strings.HasPrefix(f.Name, "__MACOSX/") {
			continue
		}
		if priceListExts[strings.ToLower(filepath.Ext(base))] {
			lists = append(lists, f)
		}
	}
	if len(lists) != 1 {
		return "", eris.Errorf("fetcher: expected exactly 1 price list in %s, got %d", filepath.Base(zipPath), len(lists))
	}
	return extractZIPEntry(lists[0], destDir)
}

func extractZIPEntry(f *zip.File, destDir string) (string, error) {
	destPath := filepath.Join(destDir, f.Name)
	if !strings.HasPrefix(filepath.Clean(destPath), filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", eris.Errorf("fetcher: illegal zip entry path %q", f.Name)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", eris.Wrap(err, "fetcher: create parent directory")
	}

	rc, err := f.Open()
	if err != nil {
		return "", eris.Wrap(err, "fetcher: open zip entry")
	}
	defer rc.Close() //nolint:errcheck

	if _, err := writeFile(destPath, io.LimitReader(rc, maxEntrySize)); err != nil {
		return "", err
	}
	return destPath, nil
}

// maxEntrySize caps an unpacked price list.
const maxEntrySize = 512 << 20
