// Package naming generates stored artifact names and archive entry names.
//
// Stored names never contain user input: they are a random UUID plus the
// artifact extension. Entry names inside an archive are derived from the
// original upload name, and EntryResolver keeps them unique per archive.
package naming

import (
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const fallbackStem = "image"

// NewName returns a fresh collision-resistant name such as "3f2c….webp".
func NewName(ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
	if ext == "" {
		return uuid.NewString()
	}
	return uuid.NewString() + "." + ext
}

// EntryName rewrites the extension of an uploaded file name to ext.
// Directory components (either separator style) are dropped.
func EntryName(original, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	base := strings.TrimSpace(original)
	base = strings.ReplaceAll(base, "\\", "/")
	base = path.Base(base)
	if base == "." || base == ".." || base == "/" {
		base = ""
	}

	stem := base
	if dot := strings.LastIndexByte(base, '.'); dot > 0 {
		stem = base[:dot]
	}
	stem = strings.TrimSpace(stem)
	if stem == "" {
		stem = fallbackStem
	}
	return stem + "." + ext
}

// EntryResolver hands out unique entry names within one archive. The first
// claim of a name keeps it; later claims get "stem-N.ext" with the smallest
// N >= 1 that is still free. All methods are goroutine-safe.
type EntryResolver struct {
	mu       sync.Mutex
	claimed  map[string]struct{}
	counters map[string]int // requested name → next suffix to try
}

func NewEntryResolver() *EntryResolver {
	return &EntryResolver{
		claimed:  make(map[string]struct{}),
		counters: make(map[string]int),
	}
}

// Resolve claims name, or the first free suffixed variant of it.
func (r *EntryResolver) Resolve(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.claimed[name]; !taken {
		r.claimed[name] = struct{}{}
		return name
	}

	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	counter := r.counters[name]
	if counter == 0 {
		counter = 1
	}
	for {
		candidate := fmt.Sprintf("%s-%d%s", stem, counter, ext)
		if _, taken := r.claimed[candidate]; !taken {
			r.counters[name] = counter + 1
			r.claimed[candidate] = struct{}{}
			return candidate
		}
		counter++
	}
}
