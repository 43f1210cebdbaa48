// Package extract turns supplier documents into raw price records. The
// pipeline only sees the Extractor interface; Tabular covers column-based
// CSV and XLSX price lists driven by per-vendor configuration.
package extract

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-sync/internal/config"
	"github.com/sells-group/catalog-sync/internal/model"
)

// ErrNoExtractor is returned when no extractor is registered for a vendor.
var ErrNoExtractor = eris.New("extract: no extractor for vendor")

// Extractor reads a local document and returns its price lines as the
// supplier wrote them.
type Extractor interface {
	Extract(ctx context.Context, path string) ([]model.RawRecord, error)
}

// Registry maps vendors to extractors. Vendor names are case-insensitive.
type Registry struct {
	mu         sync.RWMutex
	extractors map[string]Extractor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{extractors: make(map[string]Extractor)}
}

// FromConfig registers a Tabular extractor for every configured vendor.
func FromConfig(vendors map[string]config.VendorConfig) (*Registry, error) {
	r := NewRegistry()
	for name, vc := range vendors {
		t, err := NewTabular(name, vc)
		if err != nil {
			return nil, err
		}
		r.Register(name, t)
	}
	return r, nil
}

// Register adds or replaces the extractor of a vendor.
func (r *Registry) Register(vendor string, e Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors[key(vendor)] = e
}

// For returns the extractor of a vendor.
func (r *Registry) For(vendor string) (Extractor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.extractors[key(vendor)]
	if !ok {
		return nil, eris.Wrapf(ErrNoExtractor, "extract: vendor %q", vendor)
	}
	return e, nil
}

// Vendors lists registered vendors, sorted.
func (r *Registry) Vendors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.extractors))
	for v := range r.extractors {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func key(vendor string) string {
	return strings.ToLower(strings.TrimSpace(vendor))
}
